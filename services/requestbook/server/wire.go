package server

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/itublockchain/ARIF/native/requestbook"
	"github.com/itublockchain/ARIF/services/requestbook/engine"
)

// Amounts are rendered as decimal strings; JSON numbers cannot carry 256-bit
// values.
type loanJSON struct {
	ID                       uint64  `json:"id"`
	Borrower                 string  `json:"borrower"`
	Lender                   *string `json:"lender,omitempty"`
	Asset                    string  `json:"asset"`
	Principal                string  `json:"principal"`
	FundedAmount             string  `json:"fundedAmount"`
	Status                   string  `json:"status"`
	Deadline                 uint64  `json:"deadline"`
	BaseInterestRateBps      string  `json:"baseInterestRateBps"`
	EffectiveInterestRateBps string  `json:"effectiveInterestRateBps"`
	IsOverdue                bool    `json:"isOverdue"`
	OverdueDays              uint64  `json:"overdueDays"`
}

type listResponse struct {
	Loans                 []loanJSON         `json:"loans"`
	Scanned               uint64             `json:"scanned"`
	Skipped               int                `json:"skipped"`
	SkippedIDs            []engine.SkippedID `json:"skippedIds"`
	OverflowedIDs         []engine.SkippedID `json:"overflowedIds"`
	Malformed             int                `json:"malformed"`
	Cancelled             int                `json:"cancelled"`
	CancellationFallbacks int                `json:"cancellationFallbacks"`
	EvaluatedAt           time.Time          `json:"evaluatedAt"`
}

type repaymentResponse struct {
	Loan              loanJSON  `json:"loan"`
	OverdueDays       uint64    `json:"overdueDays"`
	IsOverdue         bool      `json:"isOverdue"`
	MultiplierPercent uint64    `json:"multiplierPercent"`
	EffectiveRateBps  string    `json:"effectiveRateBps"`
	Interest          string    `json:"interest"`
	AmountDue         string    `json:"amountDue"`
	EvaluatedAt       time.Time `json:"evaluatedAt"`
}

type eligibilityRequest struct {
	Borrower          string `json:"borrower"`
	Principal         string `json:"principal"`
	Deadline          uint64 `json:"deadline"`
	InterestBps       uint64 `json:"interestBps"`
	Asset             string `json:"asset"`
	KYCVerified       bool   `json:"kycVerified"`
	CreditGrade       string `json:"creditGrade"`
	ReclaimProofValid bool   `json:"reclaimProofValid"`
}

type eligibilityResponse struct {
	Eligible   bool     `json:"eligible"`
	Violations []string `json:"violations"`
}

func toLoanJSON(view requestbook.LoanView) loanJSON {
	out := loanJSON{
		ID:                       view.ID,
		Borrower:                 view.Borrower.Hex(),
		Asset:                    view.AssetID.Hex(),
		Principal:                decimal(view.Principal),
		FundedAmount:             decimal(view.FundedAmount),
		Status:                   string(view.Status),
		Deadline:                 view.Deadline,
		BaseInterestRateBps:      decimal(view.BaseInterestRateBps),
		EffectiveInterestRateBps: decimal(view.EffectiveInterestRateBps),
		IsOverdue:                view.IsOverdue,
		OverdueDays:              view.OverdueDays,
	}
	if view.Lender != nil {
		lender := view.Lender.Hex()
		out.Lender = &lender
	}
	return out
}

func toListResponse(result engine.Result, views []requestbook.LoanView) listResponse {
	loans := make([]loanJSON, 0, len(views))
	for _, view := range views {
		loans = append(loans, toLoanJSON(view))
	}
	skipped := result.Skipped
	if skipped == nil {
		skipped = []engine.SkippedID{}
	}
	overflowed := result.Overflowed
	if overflowed == nil {
		overflowed = []engine.SkippedID{}
	}
	return listResponse{
		Loans:                 loans,
		Scanned:               result.Scanned,
		Skipped:               len(skipped),
		SkippedIDs:            skipped,
		OverflowedIDs:         overflowed,
		Malformed:             result.Malformed,
		Cancelled:             result.Cancelled,
		CancellationFallbacks: result.CancellationFallbacks,
		EvaluatedAt:           result.EvaluatedAt.UTC(),
	}
}

func toRepaymentResponse(quote engine.Quote) repaymentResponse {
	return repaymentResponse{
		Loan:              toLoanJSON(quote.View),
		OverdueDays:       quote.Repayment.OverdueDays,
		IsOverdue:         quote.Repayment.IsOverdue,
		MultiplierPercent: quote.Repayment.MultiplierPercent,
		EffectiveRateBps:  decimal(quote.Repayment.EffectiveRateBps),
		Interest:          decimal(quote.Repayment.Interest),
		AmountDue:         decimal(quote.Repayment.AmountDue),
		EvaluatedAt:       quote.EvaluatedAt.UTC(),
	}
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
