// Package retry applies a bounded backoff policy around pipeline sub-tasks.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

const DefaultMaxRetries = 3

// BackoffFunc returns the delay before retry number n, counting from zero.
type BackoffFunc func(n int) time.Duration

// Exponential waits 2^n seconds before retry n.
func Exponential(n int) time.Duration {
	return time.Duration(1<<n) * time.Second
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number      int
	LastError   error
	NextBackoff time.Duration
}

type Opt func(*Policy)

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(timer backoff.Timer) Opt {
	return func(p *Policy) {
		p.timer = timer
	}
}

// WithRetryable replaces the predicate deciding which errors are retried.
func WithRetryable(fn func(error) bool) Opt {
	return func(p *Policy) {
		p.retryable = fn
	}
}

type Policy struct {
	maxRetries int
	backoffFn  BackoffFunc
	retryable  func(error) bool
	timer      backoff.Timer
}

// New returns a policy that retries up to maxRetries times.
// Only retryable error kinds are retried unless WithRetryable says otherwise.
func New(maxRetries int, backoffFn BackoffFunc, opts ...Opt) *Policy {
	p := &Policy{
		maxRetries: maxRetries,
		backoffFn:  backoffFn,
		retryable:  model.Retryable,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// MaxAttempts is the total number of invocations, the first one included.
func (p *Policy) MaxAttempts() int {
	return p.maxRetries + 1
}

// Do runs op until it succeeds, fails with a non retryable error, runs out of retries or ctx is done.
// notify, if not nil, is called for every attempt that is going to be retried.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(Attempt)) error {
	var attempt int
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, next time.Duration) {
		if notify != nil {
			notify(Attempt{Number: attempt, LastError: err, NextBackoff: next})
		}
	}

	b := backoff.WithContext(&schedule{policy: p}, ctx)
	return backoff.RetryNotifyWithTimer(operation, b, onRetry, p.timer)
}

// schedule adapts the policy to backoff.BackOff.
type schedule struct {
	policy  *Policy
	retries int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.retries >= s.policy.maxRetries {
		return backoff.Stop
	}
	next := s.policy.backoffFn(s.retries)
	s.retries++
	return next
}

func (s *schedule) Reset() {
	s.retries = 0
}
