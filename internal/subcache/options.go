package subcache

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config tunes cache lifetimes.
type Config struct {
	// StaleTime is how long a dormant value is served without contacting the upstream.
	StaleTime time.Duration
	// KeepAlive is the grace window between the last unsubscribe and upstream teardown.
	KeepAlive time.Duration
	// Retention is how long a dormant entry stays in memory after teardown.
	Retention time.Duration
	// MaxRetries bounds upstream reopen attempts before an error reaches subscribers.
	MaxRetries int
	// RetryBaseDelay is the first backoff interval.
	RetryBaseDelay time.Duration
}

// DefaultConfig mirrors the mobile client's behaviour: short freshness, a grace window that
// absorbs screen remounts, and a couple of retries.
func DefaultConfig() Config {
	return Config{
		StaleTime:      30 * time.Second,
		KeepAlive:      5 * time.Second,
		Retention:      5 * time.Minute,
		MaxRetries:     2,
		RetryBaseDelay: 250 * time.Millisecond,
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithConfig overrides the lifetimes.
func WithConfig(cfg Config) Option {
	return func(c *Cache) {
		c.cfg = cfg
	}
}

// WithLogger overrides the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}
