package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordRangeQueryOutcomes(t *testing.T) {
	count := func(outcome string) float64 {
		return testutil.ToFloat64(rangeQueryCounter.WithLabelValues(outcome))
	}
	ok, canceled, failed := count("ok"), count("canceled"), count("error")

	RecordRangeQuery(nil)
	RecordRangeQuery(fmt.Errorf("query activity: %w", context.Canceled))
	RecordRangeQuery(errors.New("connection refused"))

	require.Equal(t, ok+1, count("ok"))
	require.Equal(t, canceled+1, count("canceled"))
	require.Equal(t, failed+1, count("error"), "a superseded query is not counted as a failure")
}
