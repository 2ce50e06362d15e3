package auth

// Known OAuth scopes.
const (
	ScopeProfilesRead    = "profiles:read"
	ScopeActivitiesWrite = "activities:write"
	ScopeChallengesWrite = "challenges:write"
	ScopeCacheAdmin      = "cache:admin"
)
