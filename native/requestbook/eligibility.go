package requestbook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CreditGrade is the attested credit grade of a borrower.
type CreditGrade string

const (
	GradeA CreditGrade = "A"
	GradeB CreditGrade = "B"
	GradeC CreditGrade = "C"
)

// Valid reports whether the grade is one the attestation schema issues.
func (g CreditGrade) Valid() bool {
	switch g {
	case GradeA, GradeB, GradeC:
		return true
	default:
		return false
	}
}

const (
	// MinOvertimeInterestBps is the lowest overtime interest a new request may carry (1%).
	MinOvertimeInterestBps = 100
	// MaxOvertimeInterestBps is the highest overtime interest a new request may carry (50%).
	MaxOvertimeInterestBps = 5_000
)

var (
	ErrKYCRequired          = errors.New("requestbook: borrower is not kyc verified")
	ErrCreditGradeRequired  = errors.New("requestbook: borrower holds no credit grade")
	ErrReclaimProofRequired = errors.New("requestbook: reclaim proof is missing or invalid")
	ErrDeadlineInPast       = errors.New("requestbook: deadline must be in the future")
	ErrInterestOutOfRange   = errors.New("requestbook: overtime interest out of range")
	ErrInvalidDraft         = errors.New("requestbook: invalid request draft")
)

// IdentityFacts are resolved by the surrounding application (KYC provider,
// attestation reader, reclaim verifier) and passed in as plain values.
type IdentityFacts struct {
	KYCVerified       bool
	CreditGrade       CreditGrade
	ReclaimProofValid bool
}

// RequestDraft is a borrow request before it is submitted to the ledger.
type RequestDraft struct {
	Borrower            common.Address
	Principal           *uint256.Int
	Deadline            uint64
	BaseInterestRateBps uint64
	AssetID             common.Address
}

// EligibilityError lists every rule a draft violates.
type EligibilityError struct {
	Violations []error
}

func (e *EligibilityError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, strings.TrimPrefix(v.Error(), "requestbook: "))
	}
	return fmt.Sprintf("requestbook: request not eligible: %s", strings.Join(parts, "; "))
}

// Unwrap exposes the individual violations to errors.Is.
func (e *EligibilityError) Unwrap() []error {
	return e.Violations
}

// CheckEligibility reports whether a borrower may create the draft request
// at time now. It returns nil or an *EligibilityError.
func CheckEligibility(facts IdentityFacts, draft RequestDraft, now time.Time) error {
	unix, err := evaluationUnix(now)
	if err != nil {
		return err
	}
	var violations []error
	if !facts.KYCVerified {
		violations = append(violations, ErrKYCRequired)
	}
	if !facts.CreditGrade.Valid() {
		violations = append(violations, ErrCreditGradeRequired)
	}
	if !facts.ReclaimProofValid {
		violations = append(violations, ErrReclaimProofRequired)
	}
	if draft.Borrower == (common.Address{}) || draft.AssetID == (common.Address{}) ||
		draft.Principal == nil || draft.Principal.IsZero() {
		violations = append(violations, ErrInvalidDraft)
	}
	if draft.Deadline <= unix {
		violations = append(violations, ErrDeadlineInPast)
	}
	if draft.BaseInterestRateBps < MinOvertimeInterestBps || draft.BaseInterestRateBps > MaxOvertimeInterestBps {
		violations = append(violations, ErrInterestOutOfRange)
	}
	if len(violations) == 0 {
		return nil
	}
	return &EligibilityError{Violations: violations}
}
