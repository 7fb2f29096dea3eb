// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package retry runs a single operation with bounded retries and
// deterministic exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

// Policy bounds a retry loop. MaxRetries counts retries after the first
// attempt, so a policy of 3 allows 4 attempts in total.
type Policy struct {
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" json:"max_delay"`
	Factor     float64       `mapstructure:"factor" json:"factor"`
}

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 10 * time.Second
	DefaultFactor     = 2.0
)

// DefaultPolicy returns the policy used for hosted provider calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Factor:     DefaultFactor,
	}
}

// Validate rejects policies that could retry forever or never wait.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return relayerr.Errorf(relayerr.CodeConfigValidateInvalidValue,
			"retry max_retries must not be negative, got %d", p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return relayerr.Errorf(relayerr.CodeConfigValidateInvalidValue,
			"retry base_delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return relayerr.Errorf(relayerr.CodeConfigValidateInvalidValue,
			"retry max_delay (%s) must be >= base_delay (%s)", p.MaxDelay, p.BaseDelay)
	}
	if p.Factor < 1 {
		return relayerr.Errorf(relayerr.CodeConfigValidateInvalidValue,
			"retry factor must be >= 1, got %g", p.Factor)
	}
	return nil
}

// Delay returns the wait before retry number attempt+1, which is
// min(base * factor^attempt, max).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	initial := min(p.BaseDelay, p.MaxDelay)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          p.Factor,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Predicate decides whether an error is worth another attempt.
type Predicate func(error) bool

// NotifyFunc observes each failed attempt before the backoff sleep.
type NotifyFunc func(err error, attempt int, delay time.Duration)

type options struct {
	retryable Predicate
	timer     backoff.Timer
	notify    NotifyFunc
}

// Option configures a single Do call.
type Option func(*options)

// WithPredicate overrides IsRetryable for one call.
func WithPredicate(fn Predicate) Option {
	return func(o *options) { o.retryable = fn }
}

// WithTimer swaps the sleep timer. Tests use it to record delays.
func WithTimer(t backoff.Timer) Option {
	return func(o *options) { o.timer = t }
}

// WithNotify registers a callback for failed attempts that will be retried.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

// Error is returned when an operation ultimately fails. It carries the
// number of attempts made and the last error seen.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Do executes op until it succeeds, returns a non-retryable error, the
// policy runs out of retries, or ctx is done.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{retryable: IsRetryable}
	for _, opt := range opts {
		opt(&o)
	}

	if err := policy.Validate(); err != nil {
		var zero T
		return zero, err
	}

	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && !o.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy.backOff(), uint64(policy.MaxRetries)), ctx)

	var notify backoff.Notify
	if o.notify != nil {
		notify = func(err error, d time.Duration) { o.notify(err, attempts, d) }
	}

	v, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, o.timer)
	if err != nil {
		return v, &Error{Attempts: attempts, Err: err}
	}
	return v, nil
}

// AttemptsOf reports how many attempts produced err, or 0 when err did
// not come from Do.
func AttemptsOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}
