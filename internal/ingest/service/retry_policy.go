package service

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/pkg/resilience"
)

// errDeferred marks a run that could not start yet. Deferrals reschedule the
// task without consuming an attempt.
var errDeferred = errors.New("task deferred")

type deferError struct {
	after  time.Duration
	reason string
}

func (e *deferError) Error() string {
	return fmt.Sprintf("%v for %s: %s", errDeferred, e.after, e.reason)
}

func (e *deferError) Is(target error) bool {
	return target == errDeferred
}

func deferFor(after time.Duration, format string, args ...any) error {
	return &deferError{after: after, reason: fmt.Sprintf(format, args...)}
}

// retryPolicy computes exponential backoff with downward jitter.
type retryPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	rand   func() float64
}

func newRetryPolicy(base, ceiling time.Duration, jitter float64) retryPolicy {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return retryPolicy{base: base, max: ceiling, jitter: jitter, rand: rand.Float64}
}

// backoff returns min(base*2^(attempts-1), max) less up to jitter of itself.
func (p retryPolicy) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.base
	for i := 1; i < attempts && delay < p.max; i++ {
		delay *= 2
	}
	if delay > p.max {
		delay = p.max
	}
	if p.jitter > 0 && p.rand != nil {
		delay -= time.Duration(float64(delay) * p.jitter * p.rand())
	}
	return delay
}

// delay is the wait before the next attempt after err. An open breaker
// pushes the retry out to its reopen time.
func (p retryPolicy) delay(attempts int, err error) time.Duration {
	d := p.backoff(attempts)
	var open *resilience.CircuitOpenError
	if errors.As(err, &open) && open.RetryAfter > d {
		d = open.RetryAfter
	}
	return d
}
