package subcache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"example.com/magnifisica/internal/feed"
	"example.com/magnifisica/internal/observability"
)

/*
Locking:
  - entry.deliverMu orders deliveries to one entry's subscribers. It is taken before group.mu,
    never after.
  - group.mu guards the entry map and every entry field except deliverMu.
  - Neither lock is held while calling an upstream Open. Upstream cancels may run under
    deliverMu but never under group.mu.
*/

// group caches one data kind, keyed by user id.
type group[T any] struct {
	kind       Kind
	source     func(userID string) feed.Source[T]
	cfg        Config
	maxRetries int
	logger     logrus.FieldLogger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[T]
	nextSub uint64
	closed  bool
}

type entry[T any] struct {
	userID    string
	deliverMu sync.Mutex

	value       T
	hasValue    bool
	invalidated bool
	updatedAt   time.Time

	subscribers map[uint64]*subscriber[T]

	// gen identifies the current upstream; callbacks from older upstreams are dropped.
	gen      uint64
	live     bool
	loading  bool
	upstream feed.Cancel
	// refresh asks for one restart once the in-flight load delivers, because that load may
	// have read data from before an invalidation.
	refresh bool

	attempts int
	backoff  *backoff.ExponentialBackOff

	graceTimer     *time.Timer
	staleTimer     *time.Timer
	retryTimer     *time.Timer
	retentionTimer *time.Timer
}

type subscriber[T any] struct {
	onNext  func(T)
	onError func(error)
	closed  atomic.Bool
}

func newGroup[T any](kind Kind, source func(string) feed.Source[T], c *Cache, maxRetries int) *group[T] {
	return &group[T]{
		kind:       kind,
		source:     source,
		cfg:        c.cfg,
		maxRetries: maxRetries,
		logger:     c.logger.WithField("kind", string(kind)),
		now:        c.now,
		entries:    make(map[string]*entry[T]),
	}
}

// sourceFor exposes the cached view of userID as a feed, so other groups can build on it.
func (g *group[T]) sourceFor(userID string) feed.Source[T] {
	return feed.SourceFunc[T](func(onNext func(T), onError func(error)) feed.Cancel {
		return g.subscribe(userID, onNext, onError)
	})
}

func (g *group[T]) entryLocked(userID string) *entry[T] {
	e, ok := g.entries[userID]
	if !ok {
		e = &entry[T]{userID: userID, subscribers: make(map[uint64]*subscriber[T])}
		g.entries[userID] = e
	}
	return e
}

func (g *group[T]) freshLocked(e *entry[T]) bool {
	return e.hasValue && !e.invalidated && !e.updatedAt.IsZero() && g.now().Sub(e.updatedAt) < g.cfg.StaleTime
}

func (g *group[T]) subscribe(userID string, onNext func(T), onError func(error)) feed.Cancel {
	sub := &subscriber[T]{onNext: onNext, onError: onError}

	var (
		e      *entry[T]
		id     uint64
		value  T
		replay bool
		open   bool
	)
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return feed.Noop
		}
		e = g.entryLocked(userID)
		g.mu.Unlock()

		e.deliverMu.Lock()
		g.mu.Lock()
		if g.entries[userID] == e {
			break
		}
		// Evicted between the two critical sections.
		g.mu.Unlock()
		e.deliverMu.Unlock()
	}

	stopTimer(&e.graceTimer)
	stopTimer(&e.retentionTimer)
	id = g.nextSub
	g.nextSub++
	e.subscribers[id] = sub
	observability.AddSubscribers(string(g.kind), 1)

	value, replay = e.value, e.hasValue && !e.invalidated
	open = g.planLocked(e)
	g.mu.Unlock()

	if replay {
		sub.onNext(value)
	}
	e.deliverMu.Unlock()

	if open {
		g.openUpstream(e)
	}
	return feed.Once(func() { g.unsubscribe(e, id) })
}

// planLocked records the lookup outcome and reports whether the upstream must be opened now.
func (g *group[T]) planLocked(e *entry[T]) bool {
	kind := string(g.kind)
	switch {
	case e.live || e.retryTimer != nil:
		observability.RecordCacheLookup(kind, "hit")
		return false
	case g.freshLocked(e):
		observability.RecordCacheLookup(kind, "hit")
		g.armStaleLocked(e)
		return false
	case e.hasValue:
		observability.RecordCacheLookup(kind, "stale")
		return true
	default:
		observability.RecordCacheLookup(kind, "miss")
		return true
	}
}

func (g *group[T]) unsubscribe(e *entry[T], id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sub, ok := e.subscribers[id]
	if !ok {
		return
	}
	sub.closed.Store(true)
	delete(e.subscribers, id)
	observability.AddSubscribers(string(g.kind), -1)
	if len(e.subscribers) > 0 || g.closed {
		return
	}
	stopTimer(&e.staleTimer)
	stopTimer(&e.retryTimer)
	g.armGraceLocked(e)
}

func (g *group[T]) openUpstream(e *entry[T]) {
	g.mu.Lock()
	if e.live || g.closed {
		g.mu.Unlock()
		return
	}
	e.gen++
	gen := e.gen
	e.live = true
	e.loading = true
	stopTimer(&e.staleTimer)
	g.mu.Unlock()

	observability.RecordUpstreamOpened(string(g.kind))
	g.logger.WithField("user_id", e.userID).Debug("opening upstream")

	cancel := g.source(e.userID).Open(
		func(v T) { g.handleValue(e, gen, v) },
		func(err error) { g.handleError(e, gen, err) },
	)

	g.mu.Lock()
	if e.gen != gen || !e.live {
		// Failed or torn down while opening.
		g.mu.Unlock()
		g.release(cancel)
		return
	}
	e.upstream = cancel
	g.mu.Unlock()
}

// teardownLocked detaches the current upstream and returns its cancel, which the caller must
// invoke after releasing group.mu.
func (g *group[T]) teardownLocked(e *entry[T]) feed.Cancel {
	if !e.live {
		return nil
	}
	e.gen++
	e.live = false
	e.loading = false
	e.refresh = false
	cancel := e.upstream
	e.upstream = nil
	return cancel
}

func (g *group[T]) release(cancel feed.Cancel) {
	if cancel == nil {
		return
	}
	cancel()
	observability.RecordUpstreamClosed(string(g.kind))
}

func (g *group[T]) handleValue(e *entry[T], gen uint64, v T) {
	e.deliverMu.Lock()

	g.mu.Lock()
	if e.gen != gen {
		g.mu.Unlock()
		e.deliverMu.Unlock()
		return
	}
	e.value, e.hasValue = v, true
	e.loading = false
	e.attempts = 0
	e.backoff = nil
	subs := e.sortedSubscribers()

	var (
		cancel  feed.Cancel
		restart bool
	)
	if e.refresh {
		// Delivered, but still invalidated until the follow-up load lands.
		e.invalidated = true
		e.updatedAt = time.Time{}
		cancel = g.teardownLocked(e)
		restart = len(subs) > 0
		if !restart {
			g.armRetentionLocked(e)
		}
	} else {
		e.invalidated = false
		e.updatedAt = g.now()
		if len(subs) == 0 {
			// Prefetched value: keep the upstream only for the grace window.
			g.armGraceLocked(e)
		}
	}
	g.mu.Unlock()

	for _, sub := range subs {
		if !sub.closed.Load() {
			sub.onNext(v)
		}
	}
	e.deliverMu.Unlock()

	g.release(cancel)
	if restart {
		g.logger.WithField("user_id", e.userID).Debug("invalidated during load, reloading")
		g.openUpstream(e)
	}
}

func (g *group[T]) handleError(e *entry[T], gen uint64, err error) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	g.mu.Lock()
	if e.gen != gen {
		g.mu.Unlock()
		return
	}
	cancel := g.teardownLocked(e)
	e.updatedAt = time.Time{}

	logger := g.logger.WithField("user_id", e.userID).WithError(err)
	var subs []*subscriber[T]
	if len(e.subscribers) > 0 && e.attempts < g.maxRetries && !g.closed {
		e.attempts++
		if e.backoff == nil {
			e.backoff = newBackoff(g.cfg.RetryBaseDelay)
		}
		delay := e.backoff.NextBackOff()
		e.retryTimer = time.AfterFunc(delay, func() { g.retry(e) })
		observability.RecordUpstreamRetry(string(g.kind))
		logger.WithFields(logrus.Fields{"attempt": e.attempts, "delay": delay}).Warn("upstream failed, retrying")
	} else {
		e.attempts = 0
		e.backoff = nil
		// The error ends every current subscription; they never see another value.
		for _, sub := range e.sortedSubscribers() {
			if sub.closed.CompareAndSwap(false, true) {
				subs = append(subs, sub)
			}
		}
		observability.AddSubscribers(string(g.kind), -len(e.subscribers))
		clear(e.subscribers)
		stopTimer(&e.graceTimer)
		stopTimer(&e.staleTimer)
		g.armRetentionLocked(e)
		logger.Warn("upstream failed")
	}
	g.mu.Unlock()

	g.release(cancel)
	for _, sub := range subs {
		sub.onError(err)
	}
}

func (g *group[T]) retry(e *entry[T]) {
	g.mu.Lock()
	e.retryTimer = nil
	if len(e.subscribers) == 0 || e.live || g.closed {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.openUpstream(e)
}

func (g *group[T]) armGraceLocked(e *entry[T]) {
	if e.graceTimer != nil {
		return
	}
	e.graceTimer = time.AfterFunc(g.cfg.KeepAlive, func() { g.expire(e) })
}

// expire tears down an unobserved upstream once the grace window has passed.
func (g *group[T]) expire(e *entry[T]) {
	g.mu.Lock()
	e.graceTimer = nil
	if len(e.subscribers) > 0 || g.closed {
		g.mu.Unlock()
		return
	}
	cancel := g.teardownLocked(e)
	g.armRetentionLocked(e)
	g.mu.Unlock()

	if cancel != nil {
		g.logger.WithField("user_id", e.userID).Debug("keep-alive expired, closing upstream")
	}
	g.release(cancel)
}

func (g *group[T]) armRetentionLocked(e *entry[T]) {
	stopTimer(&e.retentionTimer)
	e.retentionTimer = time.AfterFunc(g.cfg.Retention, func() { g.evict(e) })
}

func (g *group[T]) evict(e *entry[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.retentionTimer = nil
	if len(e.subscribers) > 0 || e.live || g.entries[e.userID] != e {
		return
	}
	delete(g.entries, e.userID)
}

// armStaleLocked schedules the upstream to open when a fresh dormant value turns stale.
func (g *group[T]) armStaleLocked(e *entry[T]) {
	if e.staleTimer != nil {
		return
	}
	remaining := g.cfg.StaleTime - g.now().Sub(e.updatedAt)
	e.staleTimer = time.AfterFunc(remaining, func() {
		g.mu.Lock()
		e.staleTimer = nil
		waiting := len(e.subscribers) > 0 && !e.live && !g.closed
		g.mu.Unlock()
		if waiting {
			g.openUpstream(e)
		}
	})
}

// invalidate marks userID's value stale. With restart, a live upstream is reopened so current
// subscribers receive a fresh value. A load in flight is not duplicated: it is reloaded once
// after it delivers.
func (g *group[T]) invalidate(userID string, restart bool) {
	g.mu.Lock()
	e, ok := g.entries[userID]
	if !ok || g.closed {
		g.mu.Unlock()
		return
	}
	if e.hasValue {
		e.invalidated = true
	}
	e.updatedAt = time.Time{}

	var (
		cancel feed.Cancel
		reopen bool
	)
	switch {
	case e.retryTimer != nil:
	case e.live && e.loading:
		if restart {
			e.refresh = true
		}
	case e.live && len(e.subscribers) == 0:
		stopTimer(&e.graceTimer)
		cancel = g.teardownLocked(e)
		g.armRetentionLocked(e)
	case e.live:
		if restart {
			cancel = g.teardownLocked(e)
			reopen = true
		}
	case len(e.subscribers) > 0:
		stopTimer(&e.staleTimer)
		reopen = true
	}
	g.mu.Unlock()

	g.release(cancel)
	if reopen {
		g.openUpstream(e)
	}
}

func (g *group[T]) invalidateAll(restart bool) {
	g.mu.Lock()
	users := make([]string, 0, len(g.entries))
	for userID := range g.entries {
		users = append(users, userID)
	}
	g.mu.Unlock()

	for _, userID := range users {
		g.invalidate(userID, restart)
	}
}

func (g *group[T]) prefetch(userID string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	e := g.entryLocked(userID)
	if e.live || e.retryTimer != nil || g.freshLocked(e) {
		g.mu.Unlock()
		return
	}
	stopTimer(&e.retentionTimer)
	if len(e.subscribers) == 0 {
		g.armGraceLocked(e)
	}
	g.mu.Unlock()

	g.openUpstream(e)
}

func (g *group[T]) fetchOnce(ctx context.Context, userID string) (T, error) {
	g.mu.Lock()
	if e, ok := g.entries[userID]; ok && !e.live && g.freshLocked(e) {
		v := e.value
		g.mu.Unlock()
		observability.RecordCacheLookup(string(g.kind), "hit")
		return v, nil
	}
	g.mu.Unlock()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	cancel := g.subscribe(userID,
		func(v T) {
			select {
			case ch <- result{value: v}:
			default:
			}
		},
		func(err error) {
			select {
			case ch <- result{err: err}:
			default:
			}
		},
	)
	defer cancel()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// peek returns the cached value without subscribing.
func (g *group[T]) peek(userID string) (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[userID]; ok && e.hasValue {
		return e.value, true
	}
	var zero T
	return zero, false
}

func (g *group[T]) close() {
	g.mu.Lock()
	g.closed = true
	var cancels []feed.Cancel
	for userID, e := range g.entries {
		stopTimer(&e.graceTimer)
		stopTimer(&e.staleTimer)
		stopTimer(&e.retryTimer)
		stopTimer(&e.retentionTimer)
		if c := g.teardownLocked(e); c != nil {
			cancels = append(cancels, c)
		}
		observability.AddSubscribers(string(g.kind), -len(e.subscribers))
		for id, sub := range e.subscribers {
			sub.closed.Store(true)
			delete(e.subscribers, id)
		}
		delete(g.entries, userID)
	}
	g.mu.Unlock()

	for _, c := range cancels {
		g.release(c)
	}
}

func (e *entry[T]) sortedSubscribers() []*subscriber[T] {
	ids := make([]uint64, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*subscriber[T], 0, len(ids))
	for _, id := range ids {
		out = append(out, e.subscribers[id])
	}
	return out
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func newBackoff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
