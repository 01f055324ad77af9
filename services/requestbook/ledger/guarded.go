package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/itublockchain/ARIF/native/requestbook"
)

// ErrIndexUnavailable is returned by Guarded.RequestIDsByBorrower when the
// wrapped reader exposes no borrower index.
var ErrIndexUnavailable = errors.New("ledger: borrower index unavailable")

const (
	defaultMaxAttempts = 3
	defaultMinBackoff  = 100 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
	defaultCallTimeout = 5 * time.Second
)

// Outcome labels reported to an Observer.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Observer receives one notification per logical read, after retries.
type Observer interface {
	ObserveRead(method, outcome string, attempts int, duration time.Duration)
}

// Guarded decorates a Reader with per-call timeouts, bounded retries with
// exponential backoff and a shared read rate limit. NotFound, malformed data
// and caller cancellation are never retried.
type Guarded struct {
	inner       Reader
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	callTimeout time.Duration
	limiter     *rate.Limiter
	observer    Observer
	onRetry     func(method string, err error, wait time.Duration)
}

// GuardOption mutates guard configuration.
type GuardOption func(*Guarded)

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) GuardOption {
	return func(g *Guarded) {
		if maxAttempts > 0 {
			g.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			g.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			g.maxBackoff = maxBackoff
		}
	}
}

// WithCallTimeout bounds every individual ledger call.
func WithCallTimeout(timeout time.Duration) GuardOption {
	return func(g *Guarded) {
		if timeout > 0 {
			g.callTimeout = timeout
		}
	}
}

// WithReadRate caps ledger reads per second across all callers. A zero rate
// disables the cap.
func WithReadRate(perSecond float64, burst int) GuardOption {
	return func(g *Guarded) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithObserver reports read outcomes, typically to metrics.
func WithObserver(observer Observer) GuardOption {
	return func(g *Guarded) {
		g.observer = observer
	}
}

// WithRetryNotify is called before every retry.
func WithRetryNotify(fn func(method string, err error, wait time.Duration)) GuardOption {
	return func(g *Guarded) {
		g.onRetry = fn
	}
}

// NewGuarded wraps inner.
func NewGuarded(inner Reader, opts ...GuardOption) *Guarded {
	g := &Guarded{
		inner:       inner,
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guarded) Count(ctx context.Context) (uint64, error) {
	var count uint64
	err := g.do(ctx, "count", func(ctx context.Context) error {
		var err error
		count, err = g.inner.Count(ctx)
		return err
	})
	return count, err
}

func (g *Guarded) RequestByID(ctx context.Context, id uint64) (requestbook.LoanRequest, error) {
	var request requestbook.LoanRequest
	err := g.do(ctx, "request_by_id", func(ctx context.Context) error {
		var err error
		request, err = g.inner.RequestByID(ctx, id)
		return err
	})
	return request, err
}

func (g *Guarded) LoanStateByRequestID(ctx context.Context, id uint64) (requestbook.LoanFill, error) {
	var fill requestbook.LoanFill
	err := g.do(ctx, "loan_state", func(ctx context.Context) error {
		var err error
		fill, err = g.inner.LoanStateByRequestID(ctx, id)
		return err
	})
	return fill, err
}

func (g *Guarded) IsCancelled(ctx context.Context, id uint64) (bool, error) {
	var cancelled bool
	err := g.do(ctx, "is_cancelled", func(ctx context.Context) error {
		var err error
		cancelled, err = g.inner.IsCancelled(ctx, id)
		return err
	})
	return cancelled, err
}

func (g *Guarded) LoanIDsByLender(ctx context.Context, lender common.Address) ([]uint64, error) {
	var ids []uint64
	err := g.do(ctx, "loans_by_lender", func(ctx context.Context) error {
		var err error
		ids, err = g.inner.LoanIDsByLender(ctx, lender)
		return err
	})
	return ids, err
}

// RequestIDsByBorrower forwards to the wrapped reader's BorrowerIndex.
func (g *Guarded) RequestIDsByBorrower(ctx context.Context, borrower common.Address) ([]uint64, error) {
	index, ok := g.inner.(BorrowerIndex)
	if !ok {
		return nil, ErrIndexUnavailable
	}
	var ids []uint64
	err := g.do(ctx, "requests_by_borrower", func(ctx context.Context) error {
		var err error
		ids, err = index.RequestIDsByBorrower(ctx, borrower)
		return err
	})
	return ids, err
}

// Snapshot pins the wrapped reader when it supports snapshots and keeps the
// same guards around the pinned reader. Otherwise g itself is returned.
func (g *Guarded) Snapshot(ctx context.Context) (Reader, error) {
	snapshotter, ok := g.inner.(Snapshotter)
	if !ok {
		return g, nil
	}
	var pinned Reader
	err := g.do(ctx, "snapshot", func(ctx context.Context) error {
		var err error
		pinned, err = snapshotter.Snapshot(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	clone := *g
	clone.inner = pinned
	return &clone, nil
}

func (g *Guarded) do(ctx context.Context, method string, fn func(context.Context) error) error {
	start := time.Now()
	attempts := 0
	operation := func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.minBackoff
	policy.MaxInterval = g.maxBackoff
	policy.MaxElapsedTime = 0
	var schedule backoff.BackOff = backoff.WithMaxRetries(policy, uint64(g.maxAttempts-1))
	schedule = backoff.WithContext(schedule, ctx)

	err := backoff.RetryNotify(operation, schedule, func(err error, wait time.Duration) {
		if g.onRetry != nil {
			g.onRetry(method, err, wait)
		}
	})
	if g.observer != nil {
		g.observer.ObserveRead(method, outcome(err), attempts, time.Since(start))
	}
	return err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMalformed):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}
