package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Context returns a context that expires after timeout and is cancelled when the test ends.
func (h *TestHelper) Context(timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	h.T.Cleanup(cancel)
	return ctx
}

// Collector gathers values from callbacks running on other goroutines.
type Collector[T any] struct {
	ch chan T
}

func NewCollector[T any](size int) *Collector[T] {
	return &Collector[T]{ch: make(chan T, size)}
}

// Add records v; it never blocks and drops v when the collector is full.
func (c *Collector[T]) Add(v T) {
	select {
	case c.ch <- v:
	default:
	}
}

// Take waits for n values or until timeout, returning what arrived.
func (c *Collector[T]) Take(n int, timeout time.Duration) []T {
	out := make([]T, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case v := <-c.ch:
			out = append(out, v)
		case <-deadline:
			return out
		}
	}
	return out
}

// Quiet reports whether nothing arrives within d.
func (c *Collector[T]) Quiet(d time.Duration) bool {
	select {
	case <-c.ch:
		return false
	case <-time.After(d):
		return true
	}
}
