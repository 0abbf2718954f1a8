package vectorindex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// isTransient reports whether a gRPC error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// breaker opens after threshold consecutive transient failures and lets a
// trial call through once cooldown has passed.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	lastFail time.Time
	now      func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return false
	}
	if b.now().Sub(b.lastFail) > b.cooldown {
		b.failures = 0
		return false
	}
	return true
}

func (b *breaker) fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = b.now()
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// retrier runs an operation with exponential backoff behind a breaker.
type retrier struct {
	maxRetries int
	backoff    time.Duration
	breaker    *breaker
}

func (r *retrier) do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoff
	b.MaxInterval = 16 * r.backoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if r.breaker.open() {
			return struct{}{}, backoff.Permanent(ErrCircuitOpen)
		}
		err := op()
		if err == nil {
			r.breaker.reset()
			return struct{}{}, nil
		}
		if !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		r.breaker.fail()
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.maxRetries+1)),
	)
	return err
}
