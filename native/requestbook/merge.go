package requestbook

import (
	"time"

	"github.com/holiman/uint256"
)

// Disposition is the outcome of merging the three ledger facts of one id.
type Disposition int

const (
	// DispositionMalformed marks an id whose request is missing or carries
	// sentinel values.
	DispositionMalformed Disposition = iota
	// DispositionCancelled marks a cancelled request. Cancellation wins over
	// any fill state.
	DispositionCancelled
	// DispositionOpen marks a live request without a fill.
	DispositionOpen
	// DispositionFunded marks a live request with a fill.
	DispositionFunded
)

func (d Disposition) String() string {
	switch d {
	case DispositionMalformed:
		return "malformed"
	case DispositionCancelled:
		return "cancelled"
	case DispositionOpen:
		return "open"
	case DispositionFunded:
		return "funded"
	default:
		return "unknown"
	}
}

// Visible reports whether the disposition produces a LoanView.
func (d Disposition) Visible() bool {
	return d == DispositionOpen || d == DispositionFunded
}

// Classify merges request existence, cancellation and fill into a single
// disposition. A nil request is treated as not found and a nil fill as open.
//
//	request missing/sentinel -> Malformed
//	cancelled                -> Cancelled
//	fill.IsFilled            -> Funded
//	otherwise                -> Open
func Classify(request *LoanRequest, fill *LoanFill, cancelled bool) Disposition {
	switch {
	case request == nil || request.IsSentinel():
		return DispositionMalformed
	case cancelled:
		return DispositionCancelled
	case fill != nil && fill.IsFilled:
		return DispositionFunded
	default:
		return DispositionOpen
	}
}

// BuildView constructs the LoanView of a visible request evaluated at now.
// The caller must have classified the inputs as Open or Funded.
func BuildView(request LoanRequest, fill *LoanFill, now time.Time) (LoanView, error) {
	view := LoanView{
		ID:                  request.ID,
		Borrower:            request.Borrower,
		Principal:           cloneOrZero(request.Principal),
		Deadline:            request.Deadline,
		BaseInterestRateBps: cloneOrZero(request.BaseInterestRateBps),
		AssetID:             request.AssetID,
		Status:              StatusOpen,
		FundedAmount:        new(uint256.Int),
	}
	if fill != nil && fill.IsFilled {
		lender := fill.Lender
		view.Lender = &lender
		view.Status = StatusFunded
		view.FundedAmount = cloneOrZero(request.Principal)
	}

	seconds, err := OverdueSeconds(request.Deadline, now)
	if err != nil {
		return LoanView{}, err
	}
	view.IsOverdue = seconds > 0
	view.OverdueDays = seconds / SecondsPerDay
	rate, err := EffectiveRateBps(request.BaseInterestRateBps, view.OverdueDays)
	if err != nil {
		return LoanView{}, err
	}
	view.EffectiveInterestRateBps = rate
	return view, nil
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
