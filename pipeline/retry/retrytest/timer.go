// Package retrytest provides a timer that records backoff delays without waiting.
package retrytest

import (
	"sync"
	"time"
)

// Timer fires immediately and remembers every requested delay.
type Timer struct {
	mu        sync.Mutex
	durations []time.Duration
	c         chan time.Time
}

func NewTimer() *Timer {
	return &Timer{}
}

func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.durations = append(t.durations, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *Timer) Stop() {}

func (t *Timer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.c
}

func (t *Timer) Durations() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]time.Duration(nil), t.durations...)
}
