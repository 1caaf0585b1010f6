// Package retrypolicy centralizes retry and backoff behavior for the
// replication engine. Callers never hand-roll retry loops; they ask the
// policy to run an operation under a named error class.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Class identifies the failure family an operation belongs to. Each class
// carries its own attempt budget and backoff curve.
type Class string

const (
	ClassNetwork      Class = "network"
	ClassRateLimit    Class = "rate-limit"
	ClassLockConflict Class = "lock-conflict"
)

// Params holds the retry budget for one error class.
type Params struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the first backoff step; subsequent steps double.
	BaseDelay time.Duration

	// MaxDelay caps the backoff regardless of attempt count.
	MaxDelay time.Duration
}

// DefaultParams returns the stock budgets used when config supplies nothing.
func DefaultParams() map[Class]Params {
	return map[Class]Params{
		ClassNetwork:      {MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second},
		ClassRateLimit:    {MaxAttempts: 6, BaseDelay: 1 * time.Second, MaxDelay: 60 * time.Second},
		ClassLockConflict: {MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second},
	}
}

// Policy is a shared, concurrency-safe retry policy. One instance is built
// from config and injected into the cursor client and the partition
// replicator.
type Policy struct {
	mu      sync.Mutex
	classes map[Class]Params
	rng     *rand.Rand

	// Sleep is swappable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New builds a policy from per-class params. Missing classes fall back to
// DefaultParams.
func New(classes map[Class]Params) *Policy {
	merged := DefaultParams()
	for c, p := range classes {
		merged[c] = p
	}
	return &Policy{
		classes: merged,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		Sleep:   sleepCtx,
	}
}

// ParamsFor returns the budget for a class.
func (p *Policy) ParamsFor(class Class) Params {
	if params, ok := p.classes[class]; ok {
		return params
	}
	return Params{MaxAttempts: 1}
}

// Delay computes the backoff before the given retry attempt (attempt 1 is
// the first retry). The delay is exponential with full jitter, capped at
// the class max.
func (p *Policy) Delay(class Class, attempt int) time.Duration {
	params := p.ParamsFor(class)
	if attempt < 1 {
		attempt = 1
	}
	backoff := params.BaseDelay << uint(attempt-1)
	if backoff > params.MaxDelay || backoff <= 0 {
		backoff = params.MaxDelay
	}

	p.mu.Lock()
	jittered := time.Duration(p.rng.Int63n(int64(backoff) + 1))
	p.mu.Unlock()

	// Keep at least half the deterministic step so retries are not immediate.
	if jittered < backoff/2 {
		jittered = backoff / 2
	}
	return jittered
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ExhaustedError reports that a class ran out of attempts.
type ExhaustedError struct {
	Class    Class
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s retries exhausted after %d attempts: %v", e.Class, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retry runs op under the class budget. A nil return from op ends the loop.
// Errors wrapped with Permanent stop retrying at once; everything else is
// retried with backoff until the attempt budget is spent, after which an
// ExhaustedError wrapping the last failure is returned.
func (p *Policy) Retry(ctx context.Context, class Class, op func(ctx context.Context) error) error {
	params := p.ParamsFor(class)

	var lastErr error
	for attempt := 1; attempt <= params.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err

		if attempt == params.MaxAttempts {
			break
		}
		if err := p.Sleep(ctx, p.Delay(class, attempt)); err != nil {
			return err
		}
	}

	return &ExhaustedError{Class: class, Attempts: params.MaxAttempts, Last: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
