package testsupport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// WaitTimeout bounds every Wait helper.
const WaitTimeout = 2 * time.Second

// Recorder collects feed callbacks from any goroutine.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
	errs   []error
}

// OnNext records a value.
func (r *Recorder[T]) OnNext(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

// OnError records an error.
func (r *Recorder[T]) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Values returns a copy of the recorded values.
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.values))
	copy(out, r.values)
	return out
}

// Errors returns a copy of the recorded errors.
func (r *Recorder[T]) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

// Last returns the most recent value.
func (r *Recorder[T]) Last(t *testing.T) T {
	t.Helper()
	values := r.Values()
	require.NotEmpty(t, values)
	return values[len(values)-1]
}

// WaitValues blocks until at least n values were recorded.
func (r *Recorder[T]) WaitValues(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Values()) >= n }, WaitTimeout, 5*time.Millisecond)
	return r.Values()
}

// WaitErrors blocks until at least n errors were recorded.
func (r *Recorder[T]) WaitErrors(t *testing.T, n int) []error {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Errors()) >= n }, WaitTimeout, 5*time.Millisecond)
	return r.Errors()
}
