// Package feed models live feeds: restartable, cancelable streams that push full
// result-set snapshots rather than deltas.
package feed

import "sync"

// Cancel releases a live subscription. Implementations returned by this package are
// synchronous and idempotent.
type Cancel func()

// Source opens live subscriptions. Every call to Open starts an independent subscription;
// onNext and onError may be invoked from any goroutine, including synchronously before Open
// returns. After onError has been called no further values are delivered.
type Source[T any] interface {
	Open(onNext func(T), onError func(error)) Cancel
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(onNext func(T), onError func(error)) Cancel

// Open implements Source.
func (f SourceFunc[T]) Open(onNext func(T), onError func(error)) Cancel {
	return f(onNext, onError)
}

// Once wraps fn so that only the first call runs it. A nil fn yields a no-op.
func Once(fn func()) Cancel {
	if fn == nil {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(fn) }
}

// Noop is a Cancel that does nothing.
func Noop() {}
