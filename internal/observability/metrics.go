// Package observability holds the service's Prometheus instruments.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "profile_service"

var (
	activityRecordedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "last_activity_recorded_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity entry recorded through the service.",
	})

	rangeQueryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "challenges",
		Name:      "range_queries_total",
		Help:      "Bounded activity range queries issued for challenge progress, by outcome.",
	}, []string{"outcome"})

	aggregationFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "challenges",
		Name:      "aggregation_failures_total",
		Help:      "Challenge-list emissions dropped because a progress query failed.",
	})

	cacheLookupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Subscription cache lookups by kind and result (hit, stale, miss).",
	}, []string{"kind", "result"})

	upstreamOpenCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "upstream_opens_total",
		Help:      "Upstream subscriptions opened by the cache, by kind.",
	}, []string{"kind"})

	upstreamCloseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "upstream_closes_total",
		Help:      "Upstream subscriptions torn down by the cache, by kind.",
	}, []string{"kind"})

	upstreamRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "upstream_retries_total",
		Help:      "Upstream reopen attempts after a failure, by kind.",
	}, []string{"kind"})

	subscriberGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "active_subscribers",
		Help:      "Live subscribers attached to cache entries, by kind.",
	}, []string{"kind"})

	invalidationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Cache invalidations by scope.",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(
		activityRecordedGauge,
		rangeQueryCounter,
		aggregationFailureCounter,
		cacheLookupCounter,
		upstreamOpenCounter,
		upstreamCloseCounter,
		upstreamRetryCounter,
		subscriberGauge,
		invalidationCounter,
	)
}

// RecordActivityRecorded updates the recorded-activity watermark.
func RecordActivityRecorded(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityRecordedGauge.Set(float64(ts.Unix()))
}

// RecordRangeQuery counts one challenge range query by its error. Queries cancelled because
// their emission was superseded or a sibling failed are not failures.
func RecordRangeQuery(err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
	case err != nil:
		outcome = "error"
	}
	rangeQueryCounter.WithLabelValues(outcome).Inc()
}

// RecordAggregationFailure counts a failed challenge-list emission.
func RecordAggregationFailure() {
	aggregationFailureCounter.Inc()
}

// RecordCacheLookup counts a lookup; result is one of hit, stale or miss.
func RecordCacheLookup(kind, result string) {
	cacheLookupCounter.WithLabelValues(kind, result).Inc()
}

// RecordUpstreamOpened counts an upstream subscription opened by the cache.
func RecordUpstreamOpened(kind string) {
	upstreamOpenCounter.WithLabelValues(kind).Inc()
}

// RecordUpstreamClosed counts an upstream subscription torn down by the cache.
func RecordUpstreamClosed(kind string) {
	upstreamCloseCounter.WithLabelValues(kind).Inc()
}

// RecordUpstreamRetry counts a scheduled upstream retry.
func RecordUpstreamRetry(kind string) {
	upstreamRetryCounter.WithLabelValues(kind).Inc()
}

// AddSubscribers moves the active-subscriber gauge by delta.
func AddSubscribers(kind string, delta int) {
	subscriberGauge.WithLabelValues(kind).Add(float64(delta))
}

// RecordInvalidation counts an invalidation request.
func RecordInvalidation(scope string) {
	invalidationCounter.WithLabelValues(scope).Inc()
}
