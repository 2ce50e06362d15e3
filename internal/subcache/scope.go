package subcache

// Kind names a cached data kind.
type Kind string

// Supported kinds.
const (
	KindProfile    Kind = "profile"
	KindWeekly     Kind = "weekly"
	KindChallenges Kind = "challenges"
)

// ParseKind maps a string to a Kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindProfile, KindWeekly, KindChallenges:
		return Kind(value), true
	}
	return "", false
}

// Scope selects which entries an invalidation affects.
type Scope struct {
	name   string
	userID string
	kinds  []Kind
}

// All selects every entry.
func All() Scope { return Scope{name: "all"} }

// User selects every entry of one user.
func User(userID string) Scope {
	return Scope{name: "user", userID: userID, kinds: []Kind{KindWeekly, KindChallenges}}
}

// Weekly selects one user's weekly histogram.
func Weekly(userID string) Scope {
	return Scope{name: "weekly", userID: userID, kinds: []Kind{KindWeekly}}
}

// Challenges selects one user's challenge list.
func Challenges(userID string) Scope {
	return Scope{name: "challenges", userID: userID, kinds: []Kind{KindChallenges}}
}

// String returns the scope name used in logs and metrics.
func (s Scope) String() string { return s.name }

// UserID returns the targeted user, empty for All.
func (s Scope) UserID() string { return s.userID }
