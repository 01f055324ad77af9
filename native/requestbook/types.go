package requestbook

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status is the derived funding state of a loan request.
type Status string

const (
	// StatusOpen marks a request that no lender has filled yet.
	StatusOpen Status = "Open"
	// StatusFunded marks a request whose principal was transferred by a
	// lender. Funding is binary; there is no partial fill.
	StatusFunded Status = "Funded"
)

// LoanRequest mirrors a borrow request stored by the RequestBook contract.
// Records are immutable once created.
type LoanRequest struct {
	// ID is assigned densely by the ledger starting at zero.
	ID uint64
	// Borrower is the account that created the request.
	Borrower common.Address
	// Principal is the requested amount in the asset's smallest unit.
	Principal *uint256.Int
	// Deadline is the unix timestamp (seconds) the loan is due.
	Deadline uint64
	// BaseInterestRateBps is the overtime interest applied on repayment,
	// expressed in basis points before tier escalation.
	BaseInterestRateBps *uint256.Int
	// AssetID is the ERC-20 token being borrowed.
	AssetID common.Address
}

// IsSentinel reports whether the record carries the zero values the ledger
// returns for a storage slot that was never populated.
func (r LoanRequest) IsSentinel() bool {
	if r.Borrower == (common.Address{}) {
		return true
	}
	if r.Principal == nil || r.Principal.IsZero() {
		return true
	}
	return r.AssetID == (common.Address{})
}

// LoanFill is the lender side of a request. A request has at most one.
type LoanFill struct {
	RequestID uint64
	IsFilled  bool
	// Lender is only meaningful when IsFilled is true.
	Lender common.Address
}

// LoanView is the reconciled, never persisted projection of a request, its
// fill and the time dependent interest attributes.
type LoanView struct {
	ID                  uint64
	Borrower            common.Address
	Principal           *uint256.Int
	Deadline            uint64
	BaseInterestRateBps *uint256.Int
	AssetID             common.Address
	// Lender is set only for funded loans.
	Lender *common.Address

	Status       Status
	FundedAmount *uint256.Int

	IsOverdue                bool
	OverdueDays              uint64
	EffectiveInterestRateBps *uint256.Int
}

// Funded reports whether the view is in the funded state.
func (v LoanView) Funded() bool {
	return v.Status == StatusFunded
}
