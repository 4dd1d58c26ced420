// Package retry runs fallible operations under a bounded backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrOperationFailed matches every error returned once a policy is exhausted.
var ErrOperationFailed = errors.New("operation failed")

// Policy bounds a retry loop. MaxRetries counts retries after the first
// attempt, so an operation runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Linear waits InitialDelay*(n+1) before retry n instead of growing
	// geometrically.
	Linear bool
}

// DefaultPolicy retries three times starting at one second, doubling up to ten.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = def.BackoffFactor
	}
	return p
}

// Schedule lists the waits taken before each retry.
func (p Policy) Schedule() []time.Duration {
	n := p.normalized()
	out := make([]time.Duration, 0, n.MaxRetries)
	delay := n.InitialDelay
	for i := 0; i < n.MaxRetries; i++ {
		if n.Linear {
			delay = n.InitialDelay * time.Duration(i+1)
		} else if i > 0 {
			next := float64(delay) * n.BackoffFactor
			if next > float64(n.MaxDelay) {
				next = float64(n.MaxDelay)
			}
			delay = time.Duration(next)
		}
		out = append(out, min(delay, n.MaxDelay))
	}
	return out
}

// OperationFailedError reports an exhausted retry loop. It unwraps to the
// last attempt's error.
type OperationFailedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *OperationFailedError) Error() string {
	op := e.Op
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", op, e.Attempts, e.Err)
}

func (e *OperationFailedError) Unwrap() error { return e.Err }

func (e *OperationFailedError) Is(target error) bool { return target == ErrOperationFailed }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do stops at the first one.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func stripPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// Option customises a single Do call.
type Option func(*options)

type options struct {
	op     string
	logger *zerolog.Logger
	notify func(op string, err error)
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithOperation names the operation in logs and errors.
func WithOperation(name string) Option {
	return func(o *options) { o.op = name }
}

// WithLogger receives one warn line per failed attempt.
func WithLogger(logger *zerolog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNotify is called once when the loop gives up.
func WithNotify(fn func(op string, err error)) Option {
	return func(o *options) { o.notify = fn }
}

// WithSleep replaces the context-aware timer used between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

func buildOptions(opts []Option) options {
	nop := zerolog.Nop()
	o := options{logger: &nop, sleep: sleepContext}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do invokes fn until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done while waiting. Context errors are returned as is.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	p := policy.normalized()
	o := buildOptions(opts)
	schedule := p.Schedule()
	total := p.MaxRetries + 1

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < total; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, schedule[attempt-1]); err != nil {
				return zero, err
			}
		}
		attempts++
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		o.logger.Warn().
			Err(err).
			Str("operation", o.op).
			Str("attempt", fmt.Sprintf("%d/%d", attempt+1, total)).
			Msg("retry: attempt failed")
		if IsPermanent(err) {
			break
		}
	}

	failure := &OperationFailedError{Op: o.op, Attempts: attempts, Err: stripPermanent(lastErr)}
	o.logger.Error().Err(failure.Err).Str("operation", o.op).Int("attempts", attempts).Msg("retry: giving up")
	if o.notify != nil {
		o.notify(o.op, failure)
	}
	return zero, failure
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, policy Policy, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}
