// Package postgres implements the activity and membership stores on Postgres. Live feeds
// re-run their query whenever a mutation NOTIFYs the user's topic.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
	"example.com/magnifisica/internal/observability"
)

const uniqueViolation = "23505"

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store provides Postgres-backed activity and membership persistence.
type Store struct {
	pool     *pgxpool.Pool
	listener *Listener
	logger   logrus.FieldLogger
}

var (
	_ domain.ActivityStore    = (*Store)(nil)
	_ domain.ActivityWriter   = (*Store)(nil)
	_ domain.MembershipStore  = (*Store)(nil)
	_ domain.MembershipWriter = (*Store)(nil)
)

// NewStore constructs a Store. Live feeds only refresh while Listen is running.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "postgres")
	s.listener = newListener(pool, s.logger)
	return s
}

// Listen runs the change listener until ctx is cancelled.
func (s *Store) Listen(ctx context.Context) error {
	return s.listener.Run(ctx)
}

// QueryActivity implements domain.ActivityStore.
func (s *Store) QueryActivity(ctx context.Context, userID string, from, to time.Time) ([]domain.ActivityEntry, error) {
	const query = `SELECT entry_id, user_id, recorded_at, distance_meters
        FROM activity_entries WHERE user_id=$1 AND recorded_at BETWEEN $2 AND $3
        ORDER BY recorded_at`
	return s.selectActivity(ctx, query, userID, from, to)
}

// WatchActivity implements domain.ActivityStore.
func (s *Store) WatchActivity(userID string, since time.Time) feed.Source[[]domain.ActivityEntry] {
	const query = `SELECT entry_id, user_id, recorded_at, distance_meters
        FROM activity_entries WHERE user_id=$1 AND recorded_at >= $2
        ORDER BY recorded_at`
	return watch(s, activityTopic+userID, "watch activity", userID, func(ctx context.Context) ([]domain.ActivityEntry, error) {
		return s.selectActivity(ctx, query, userID, since)
	})
}

func (s *Store) selectActivity(ctx context.Context, query string, args ...any) ([]domain.ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.ActivityEntry, 0)
	for rows.Next() {
		var entry domain.ActivityEntry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.RecordedAt, &entry.DistanceMeters); err != nil {
			return nil, err
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

// InsertActivity implements domain.ActivityWriter.
func (s *Store) InsertActivity(ctx context.Context, entry domain.ActivityEntry) error {
	const stmt = `INSERT INTO activity_entries (entry_id, user_id, recorded_at, distance_meters)
        VALUES ($1,$2,$3,$4)`

	err := s.inTx(ctx, activityTopic+entry.UserID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt, entry.ID, entry.UserID, entry.RecordedAt, entry.DistanceMeters)
		return err
	})
	if err != nil {
		return err
	}
	observability.RecordActivityRecorded(entry.RecordedAt)
	return nil
}

// WatchMemberships implements domain.MembershipStore.
func (s *Store) WatchMemberships(userID string) feed.Source[[]domain.ChallengeMembership] {
	const query = `SELECT membership_id, challenge_id, user_id, title, description, start_date, end_date,
        target_distance, is_completed, stored_progress, joined_at
        FROM challenge_memberships WHERE user_id=$1 ORDER BY joined_at DESC`

	return watch(s, membershipTopic+userID, "watch memberships", userID, func(ctx context.Context) ([]domain.ChallengeMembership, error) {
		rows, err := s.pool.Query(ctx, query, userID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		results := make([]domain.ChallengeMembership, 0)
		for rows.Next() {
			var m domain.ChallengeMembership
			if err := rows.Scan(&m.ID, &m.ChallengeID, &m.UserID, &m.Title, &m.Description, &m.StartDate, &m.EndDate,
				&m.TargetDistance, &m.IsCompleted, &m.StoredProgress, &m.JoinedAt); err != nil {
				return nil, err
			}
			results = append(results, m)
		}
		return results, rows.Err()
	})
}

// InsertMembership implements domain.MembershipWriter.
func (s *Store) InsertMembership(ctx context.Context, m domain.ChallengeMembership) error {
	const stmt = `INSERT INTO challenge_memberships (membership_id, challenge_id, user_id, title, description,
        start_date, end_date, target_distance, is_completed, stored_progress, joined_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	err := s.inTx(ctx, membershipTopic+m.UserID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt, m.ID, m.ChallengeID, m.UserID, m.Title, m.Description,
			m.StartDate, m.EndDate, m.TargetDistance, m.IsCompleted, m.StoredProgress, m.JoinedAt)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyJoined, m.ChallengeID)
	}
	return err
}

// MarkCompleted implements domain.MembershipWriter.
func (s *Store) MarkCompleted(ctx context.Context, userID, membershipID string, storedProgress float64) error {
	const stmt = `UPDATE challenge_memberships SET is_completed=TRUE, stored_progress=$3
        WHERE user_id=$1 AND membership_id=$2`

	return s.inTx(ctx, membershipTopic+userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, stmt, userID, membershipID, storedProgress)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", domain.ErrMembershipNotFound, membershipID)
		}
		return nil
	})
}

// inTx runs fn and queues a change notification for topic in the same transaction, so
// listeners only hear about committed writes.
func (s *Store) inTx(ctx context.Context, topic string, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChangeChannel, topic); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// watch builds a live feed that runs load once on open and again on every signal for key.
// Each feed owns one goroutine, which exits on cancel or after the first error.
func watch[T any](s *Store, key, op, userID string, load func(context.Context) (T, error)) feed.Source[T] {
	return feed.SourceFunc[T](func(onNext func(T), onError func(error)) feed.Cancel {
		ctx, cancel := context.WithCancel(context.Background())
		signal, unsubscribe := s.listener.subscribe(key)
		var closed atomic.Bool

		go func() {
			defer unsubscribe()
			for {
				value, err := load(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					s.logger.WithError(err).WithField("user_id", userID).Warn(op + " failed")
					if !closed.Load() {
						onError(domain.Upstream(op, userID, err))
					}
					return
				}
				if !closed.Load() {
					onNext(value)
				}

				select {
				case <-ctx.Done():
					return
				case <-signal:
				}
			}
		}()

		return feed.Once(func() {
			closed.Store(true)
			cancel()
		})
	})
}
