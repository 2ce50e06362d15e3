package feed

import (
	"sync"
	"sync/atomic"
)

// Subject is a synthetic Source driven by hand. Each Open registers a subscriber that
// receives the latest value (if any) immediately, then every subsequent Next. It is used by
// the in-memory store and by tests that need precise control over emissions.
type Subject[T any] struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]*subjectSub[T]
	latest   T
	hasValue bool
	replay   bool

	opens   int
	cancels int
}

type subjectSub[T any] struct {
	onNext  func(T)
	onError func(error)
	// mu serialises delivery to this subscriber.
	mu     sync.Mutex
	closed atomic.Bool
}

// NewSubject returns a Subject that replays its latest value to new subscribers.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[int]*subjectSub[T]), replay: true}
}

// NewColdSubject returns a Subject that does not replay; new subscribers only see values
// pushed after they subscribed.
func NewColdSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[int]*subjectSub[T])}
}

// Open implements Source.
func (s *Subject[T]) Open(onNext func(T), onError func(error)) Cancel {
	sub := &subjectSub[T]{onNext: onNext, onError: onError}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.opens++
	value, replay := s.latest, s.replay && s.hasValue
	// Lock the subscriber before releasing the subject so a concurrent Next queues behind
	// the replayed value.
	sub.mu.Lock()
	s.mu.Unlock()

	if replay {
		sub.onNext(value)
	}
	sub.mu.Unlock()

	return Once(func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			s.cancels++
		}
		s.mu.Unlock()
		// No sub.mu here: a subscriber may cancel from inside its own callback.
		sub.closed.Store(true)
	})
}

// Next pushes value to every current subscriber.
func (s *Subject[T]) Next(value T) {
	s.mu.Lock()
	s.latest, s.hasValue = value, true
	subs := s.snapshot()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed.Load() {
			sub.onNext(value)
		}
		sub.mu.Unlock()
	}
}

// Error delivers err to every current subscriber and detaches them.
func (s *Subject[T]) Error(err error) {
	s.mu.Lock()
	subs := s.snapshot()
	s.subs = make(map[int]*subjectSub[T])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed.CompareAndSwap(false, true) {
			sub.onError(err)
		}
		sub.mu.Unlock()
	}
}

// Subscribers reports the number of currently attached subscribers.
func (s *Subject[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Opens reports how many times Open has been called.
func (s *Subject[T]) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Cancels reports how many subscriptions were released through their Cancel.
func (s *Subject[T]) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *Subject[T]) snapshot() []*subjectSub[T] {
	out := make([]*subjectSub[T], 0, len(s.subs))
	for i := 0; i < s.nextID; i++ {
		if sub, ok := s.subs[i]; ok {
			out = append(out, sub)
		}
	}
	return out
}
