package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Recorder collects values delivered from other goroutines, typically by
// callbacks under test. The zero value is ready to use.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

// Add records v.
func (r *Recorder[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

// All returns a copy of everything recorded so far, in order.
func (r *Recorder[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// Len returns the number of recorded values.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Last returns the most recent value and whether there is one.
func (r *Recorder[T]) Last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.values) == 0 {
		return zero, false
	}
	return r.values[len(r.values)-1], true
}

// Find returns the first recorded value matching match.
func (r *Recorder[T]) Find(match func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.values {
		if match(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Count returns how many recorded values match.
func (r *Recorder[T]) Count(match func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.values {
		if match(v) {
			n++
		}
	}
	return n
}

// WaitLen blocks until at least n values are recorded, failing the test
// after DefaultWaitTimeout.
func (r *Recorder[T]) WaitLen(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return r.Len() >= n }, DefaultWaitTimeout, DefaultPollInterval,
		"expected at least %d recorded values", n)
	return r.All()
}

// WaitFor blocks until a recorded value matches, failing the test after
// DefaultWaitTimeout.
func (r *Recorder[T]) WaitFor(t *testing.T, match func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		v, ok := r.Find(match)
		if ok {
			found = v
		}
		return ok
	}, DefaultWaitTimeout, DefaultPollInterval, "no recorded value matched")
	return found
}
