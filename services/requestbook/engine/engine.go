package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/itublockchain/ARIF/native/requestbook"
	"github.com/itublockchain/ARIF/observability"
	"github.com/itublockchain/ARIF/services/requestbook/ledger"
)

const (
	defaultConcurrency = 8
	scanBatchSize      = 1024
)

// Scopes reported to metrics and traces.
const (
	ScopeAll       = "all"
	ScopeBorrower  = "borrower"
	ScopeLender    = "lender"
	ScopeRepayment = "repayment"
)

// SkippedID identifies a request excluded because one of its reads failed.
type SkippedID struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

// Result is one reconciliation pass. Views are in ascending id order with no
// duplicates. Skipped lets callers tell an empty ledger apart from a ledger
// whose records could not be read. Overflowed lists readable loans whose
// effective rate does not fit in 256 bits.
type Result struct {
	Views                 []requestbook.LoanView
	Scanned               uint64
	Skipped               []SkippedID
	Overflowed            []SkippedID
	Malformed             int
	Cancelled             int
	CancellationFallbacks int
	EvaluatedAt           time.Time
}

// Quote is the repayment due on one funded loan.
type Quote struct {
	View        requestbook.LoanView
	Repayment   requestbook.Repayment
	EvaluatedAt time.Time
}

// PassObserver receives a summary of every reconciliation pass.
type PassObserver interface {
	ObservePass(stats observability.PassStats)
}

// Reconciler derives loan views from a ledger Reader. It holds no state
// between calls; every call issues its own reads.
type Reconciler struct {
	reader       ledger.Reader
	concurrency  int
	clock        func() time.Time
	logger       *slog.Logger
	observer     PassObserver
	tracer       trace.Tracer
	useIndex     bool
	pinSnapshots bool
}

// Option mutates reconciler configuration.
type Option func(*Reconciler)

// WithConcurrency bounds the number of ids evaluated in parallel.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides the evaluation clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver reports pass summaries, typically to metrics.
func WithObserver(observer PassObserver) Option {
	return func(r *Reconciler) {
		r.observer = observer
	}
}

// WithBorrowerIndex lets borrower reconciliation start from the ledger's
// borrower index when the reader provides one.
func WithBorrowerIndex(enabled bool) Option {
	return func(r *Reconciler) {
		r.useIndex = enabled
	}
}

// WithSnapshots pins every pass to a single ledger height when the reader
// supports it.
func WithSnapshots(enabled bool) Option {
	return func(r *Reconciler) {
		r.pinSnapshots = enabled
	}
}

// New constructs a Reconciler over reader.
func New(reader ledger.Reader, opts ...Option) (*Reconciler, error) {
	if reader == nil {
		return nil, fmt.Errorf("requestbook: ledger reader required")
	}
	r := &Reconciler{
		reader:       reader,
		concurrency:  defaultConcurrency,
		clock:        time.Now,
		logger:       slog.Default(),
		tracer:       otel.Tracer("requestbook/engine"),
		pinSnapshots: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ReconcileAll returns every visible loan on the ledger.
func (r *Reconciler) ReconcileAll(ctx context.Context) (result Result, err error) {
	ctx, finish := r.begin(ctx, ScopeAll)
	defer func() { finish(&result, err) }()

	now, err := r.now()
	if err != nil {
		return Result{}, err
	}
	reader, count, err := r.open(ctx)
	if err != nil {
		return Result{}, err
	}
	return r.scan(ctx, reader, rangeIDs(count), count, now)
}

// ReconcileForBorrower returns the visible loans created by borrower.
func (r *Reconciler) ReconcileForBorrower(ctx context.Context, borrower common.Address) (result Result, err error) {
	ctx, finish := r.begin(ctx, ScopeBorrower, attribute.String("borrower", borrower.Hex()))
	defer func() { finish(&result, err) }()

	now, err := r.now()
	if err != nil {
		return Result{}, err
	}
	reader, count, err := r.open(ctx)
	if err != nil {
		return Result{}, err
	}
	var ids idSource = rangeIDs(count)
	if r.useIndex {
		if indexed, ok := r.indexedIDs(ctx, reader, borrower, count); ok {
			ids = indexed
		}
	}
	result, err = r.scan(ctx, reader, ids, count, now)
	if err != nil {
		return Result{}, err
	}
	result.Views = requestbook.ForBorrower(result.Views, borrower)
	return result, nil
}

// ReconcileForLender returns the visible loans funded by lender.
func (r *Reconciler) ReconcileForLender(ctx context.Context, lender common.Address) (result Result, err error) {
	ctx, finish := r.begin(ctx, ScopeLender, attribute.String("lender", lender.Hex()))
	defer func() { finish(&result, err) }()

	now, err := r.now()
	if err != nil {
		return Result{}, err
	}
	reader, count, err := r.open(ctx)
	if err != nil {
		return Result{}, err
	}
	loanIDs, err := reader.LoanIDsByLender(ctx, lender)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("%w: read lender loans: %v", ErrLedgerUnavailable, err)
	}
	result, err = r.scan(ctx, reader, rangeIDs(count), count, now)
	if err != nil {
		return Result{}, err
	}
	result.Views = requestbook.ForLender(loanIDs, result.Views)
	return result, nil
}

// ComputeRepayment prices the funded loan id at now. Missing, malformed and
// cancelled requests are reported as not found; open requests as not funded.
// A rate or amount beyond 256 bits is reported as requestbook.ErrAmountOverflow.
func (r *Reconciler) ComputeRepayment(ctx context.Context, id uint64, now time.Time) (quote Quote, err error) {
	ctx, span := r.tracer.Start(ctx, "requestbook.repayment", trace.WithAttributes(attribute.Int64("loan_id", int64(id))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if _, err := requestbook.OverdueSeconds(0, now); err != nil {
		return Quote{}, err
	}
	reader, count, err := r.open(ctx)
	if err != nil {
		return Quote{}, err
	}
	if id >= count {
		return Quote{}, fmt.Errorf("%w: loan %d", ErrNotFound, id)
	}
	out, err := r.evaluate(ctx, reader, id, now)
	if err != nil {
		return Quote{}, err
	}
	switch {
	case out.skip != nil:
		return Quote{}, fmt.Errorf("%w: loan %d: %s", ErrRecordUnreadable, id, out.skip.Reason)
	case out.disposition == requestbook.DispositionMalformed:
		return Quote{}, fmt.Errorf("%w: %w: loan %d", ErrNotFound, ErrMalformedRecord, id)
	case out.disposition == requestbook.DispositionCancelled:
		return Quote{}, fmt.Errorf("%w: loan %d", ErrCancelled, id)
	case out.disposition == requestbook.DispositionOpen:
		return Quote{}, fmt.Errorf("%w: loan %d", ErrNotFunded, id)
	case out.overflow != nil:
		return Quote{}, fmt.Errorf("%w: loan %d", requestbook.ErrAmountOverflow, id)
	}
	repayment, err := requestbook.ComputeRepayment(out.view.Principal, out.view.BaseInterestRateBps, out.view.Deadline, now)
	if err != nil {
		return Quote{}, err
	}
	return Quote{View: out.view, Repayment: repayment, EvaluatedAt: now}, nil
}

// open pins a snapshot when possible and reads the id count.
func (r *Reconciler) open(ctx context.Context) (ledger.Reader, uint64, error) {
	reader := r.reader
	if snapshotter, ok := reader.(ledger.Snapshotter); ok && r.pinSnapshots {
		pinned, err := snapshotter.Snapshot(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, 0, ctxErr
			}
			return nil, 0, fmt.Errorf("%w: snapshot: %v", ErrLedgerUnavailable, err)
		}
		reader = pinned
	}
	count, err := reader.Count(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		return nil, 0, fmt.Errorf("%w: read count: %v", ErrLedgerUnavailable, err)
	}
	return reader, count, nil
}

func (r *Reconciler) indexedIDs(ctx context.Context, reader ledger.Reader, borrower common.Address, count uint64) (idSource, bool) {
	index, ok := reader.(ledger.BorrowerIndex)
	if !ok {
		return nil, false
	}
	raw, err := index.RequestIDsByBorrower(ctx, borrower)
	if err != nil {
		r.logger.WarnContext(ctx, "requestbook: borrower index unavailable, falling back to full scan",
			slog.String("borrower", borrower.Hex()),
			slog.Any("error", err))
		return nil, false
	}
	seen := make(map[uint64]struct{}, len(raw))
	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		if id >= count {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return listIDs(ids), true
}

type outcome struct {
	disposition requestbook.Disposition
	view        requestbook.LoanView
	skip        *SkippedID
	overflow    *SkippedID
	fallback    bool
}

// evaluate runs the per-id merge. Only caller cancellation is returned as an
// error; ledger failures are folded into the outcome.
func (r *Reconciler) evaluate(ctx context.Context, reader ledger.Reader, id uint64, now time.Time) (outcome, error) {
	request, err := reader.RequestByID(ctx, id)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return outcome{}, ctx.Err()
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrMalformed):
		return outcome{disposition: requestbook.DispositionMalformed}, nil
	default:
		return skipped(id, "request", err), nil
	}
	if requestbook.Classify(&request, nil, false) == requestbook.DispositionMalformed {
		return outcome{disposition: requestbook.DispositionMalformed}, nil
	}

	var out outcome
	cancelled, err := reader.IsCancelled(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		// A failed cancellation read is treated as not cancelled.
		r.logger.WarnContext(ctx, "requestbook: cancellation read failed, treating as live",
			slog.Uint64("id", id),
			slog.Any("error", err))
		out.fallback = true
		cancelled = false
	}
	if cancelled {
		out.disposition = requestbook.DispositionCancelled
		return out, nil
	}

	var fill *requestbook.LoanFill
	state, err := reader.LoanStateByRequestID(ctx, id)
	switch {
	case err == nil:
		fill = &state
	case ctx.Err() != nil:
		return outcome{}, ctx.Err()
	case errors.Is(err, ledger.ErrNotFound):
	default:
		skip := skipped(id, "fill", err)
		skip.fallback = out.fallback
		return skip, nil
	}

	out.disposition = requestbook.Classify(&request, fill, false)
	view, err := requestbook.BuildView(request, fill, now)
	if errors.Is(err, requestbook.ErrAmountOverflow) {
		out.overflow = &SkippedID{ID: id, Reason: err.Error()}
		return out, nil
	}
	if err != nil {
		skip := skipped(id, "view", err)
		skip.fallback = out.fallback
		return skip, nil
	}
	out.view = view
	return out, nil
}

func skipped(id uint64, stage string, err error) outcome {
	return outcome{skip: &SkippedID{ID: id, Reason: fmt.Sprintf("%s: %v", stage, err)}}
}

// scan evaluates ids in batches. Each batch runs on a bounded errgroup and
// writes into an index-addressed slice so the merge order never depends on
// scheduling.
func (r *Reconciler) scan(ctx context.Context, reader ledger.Reader, ids idSource, count uint64, now time.Time) (Result, error) {
	result := Result{
		Views:       make([]requestbook.LoanView, 0),
		Skipped:     make([]SkippedID, 0),
		Overflowed:  make([]SkippedID, 0),
		Scanned:     count,
		EvaluatedAt: now,
	}
	total := ids.Len()
	for start := uint64(0); start < total; start += scanBatchSize {
		end := start + scanBatchSize
		if end > total {
			end = total
		}
		outcomes := make([]outcome, end-start)
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(r.concurrency)
		for i := start; i < end; i++ {
			slot := i - start
			id := ids.At(i)
			group.Go(func() error {
				out, err := r.evaluate(groupCtx, reader, id, now)
				if err != nil {
					return err
				}
				outcomes[slot] = out
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return Result{}, err
		}
		for _, out := range outcomes {
			if out.fallback {
				result.CancellationFallbacks++
			}
			switch {
			case out.skip != nil:
				result.Skipped = append(result.Skipped, *out.skip)
			case out.overflow != nil:
				result.Overflowed = append(result.Overflowed, *out.overflow)
			case out.disposition == requestbook.DispositionMalformed:
				result.Malformed++
			case out.disposition == requestbook.DispositionCancelled:
				result.Cancelled++
			default:
				result.Views = append(result.Views, out.view)
			}
		}
	}
	for _, skip := range result.Skipped {
		r.logger.WarnContext(ctx, "requestbook: request excluded, ledger read failed",
			slog.Uint64("id", skip.ID),
			slog.String("reason", skip.Reason))
	}
	for _, over := range result.Overflowed {
		r.logger.WarnContext(ctx, "requestbook: request excluded, effective rate overflows",
			slog.Uint64("id", over.ID))
	}
	return result, nil
}

func (r *Reconciler) now() (time.Time, error) {
	now := r.clock()
	if _, err := requestbook.OverdueSeconds(0, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (r *Reconciler) begin(ctx context.Context, scope string, attrs ...attribute.KeyValue) (context.Context, func(*Result, error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("scope", scope))
	ctx, span := r.tracer.Start(ctx, "requestbook.reconcile", trace.WithAttributes(attrs...))
	return ctx, func(result *Result, err error) {
		stats := observability.PassStats{Scope: scope, Duration: time.Since(start), Err: err}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			stats.Scanned = result.Scanned
			stats.Visible = len(result.Views)
			stats.Skipped = len(result.Skipped)
			stats.Malformed = result.Malformed
			stats.Cancelled = result.Cancelled
			stats.Fallbacks = result.CancellationFallbacks
			span.SetAttributes(
				attribute.Int64("scanned", int64(result.Scanned)),
				attribute.Int("visible", stats.Visible),
				attribute.Int("skipped", stats.Skipped),
				attribute.Int("overflowed", len(result.Overflowed)),
			)
		}
		span.End()
		if r.observer != nil {
			r.observer.ObservePass(stats)
		}
	}
}

// idSource abstracts the ids a pass visits so full scans never materialise
// the whole range.
type idSource interface {
	Len() uint64
	At(i uint64) uint64
}

type rangeIDs uint64

func (n rangeIDs) Len() uint64      { return uint64(n) }
func (rangeIDs) At(i uint64) uint64 { return i }

type listIDs []uint64

func (l listIDs) Len() uint64        { return uint64(len(l)) }
func (l listIDs) At(i uint64) uint64 { return l[i] }
