package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// ChangeChannel is the NOTIFY channel written by every mutation.
const ChangeChannel = "profile_changes"

const (
	activityTopic   = "activity:"
	membershipTopic = "memberships:"
)

// Listener holds one dedicated LISTEN connection and fans notifications out to live feeds.
// Payloads are "<topic><user id>".
type Listener struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

func newListener(pool *pgxpool.Pool, logger logrus.FieldLogger) *Listener {
	return &Listener{
		pool:   pool,
		logger: logger,
		subs:   make(map[string]map[int]chan struct{}),
	}
}

// subscribe returns a coalescing signal for key.
func (l *Listener) subscribe(key string) (<-chan struct{}, func()) {
	signal := make(chan struct{}, 1)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	set, ok := l.subs[key]
	if !ok {
		set = make(map[int]chan struct{})
		l.subs[key] = set
	}
	set[id] = signal
	l.mu.Unlock()

	return signal, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if set, ok := l.subs[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(l.subs, key)
			}
		}
	}
}

func (l *Listener) dispatch(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, signal := range l.subs[key] {
		wake(signal)
	}
}

// broadcast wakes every feed; notifications may have been missed while disconnected.
func (l *Listener) broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, set := range l.subs {
		for _, signal := range set {
			wake(signal)
		}
	}
}

func wake(signal chan struct{}) {
	select {
	case signal <- struct{}{}:
	default:
	}
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 30 * time.Second

	for {
		err := l.listen(ctx, policy)
		if ctx.Err() != nil {
			return nil
		}
		delay := policy.NextBackOff()
		l.logger.WithError(err).WithField("retry_in", delay).Warn("change listener disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context, policy backoff.BackOff) error {
	conn, err := pgx.ConnectConfig(ctx, l.pool.Config().ConnConfig)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return err
	}
	policy.Reset()
	l.logger.Debug("change listener connected")
	l.broadcast()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		l.dispatch(notification.Payload)
	}
}
