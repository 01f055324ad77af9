package requestbook

import (
	"errors"
	"time"

	"github.com/holiman/uint256"
)

const (
	// SecondsPerDay converts an overdue duration into whole days.
	SecondsPerDay = 86_400
	// BasisPointsDenominator scales basis point rates to a fraction.
	BasisPointsDenominator = 10_000
)

var (
	// ErrInvalidTimeInput is returned when the evaluation time is unset or
	// before the unix epoch. The time is never clamped.
	ErrInvalidTimeInput = errors.New("requestbook: invalid evaluation time")
	// ErrAmountOverflow is returned when a computed rate or amount does not
	// fit in a 256-bit ledger word.
	ErrAmountOverflow = errors.New("requestbook: amount overflows 256 bits")
)

var (
	basisPoints    = uint256.NewInt(BasisPointsDenominator)
	percentDivisor = uint256.NewInt(100)
)

// Tier is one step of the overtime interest schedule. A tier applies from
// MinOverdueDays (inclusive) until the next tier starts.
type Tier struct {
	MinOverdueDays    uint64
	MultiplierPercent uint64
}

// OvertimeTiers lists the escalation schedule from the highest threshold down.
var OvertimeTiers = []Tier{
	{MinOverdueDays: 9, MultiplierPercent: 250},
	{MinOverdueDays: 6, MultiplierPercent: 200},
	{MinOverdueDays: 3, MultiplierPercent: 150},
	{MinOverdueDays: 0, MultiplierPercent: 100},
}

// Repayment captures the amount due for a loan at one evaluation time.
type Repayment struct {
	OverdueDays       uint64
	IsOverdue         bool
	MultiplierPercent uint64
	EffectiveRateBps  *uint256.Int
	Interest          *uint256.Int
	AmountDue         *uint256.Int
}

// OverdueSeconds returns max(0, now - deadline).
func OverdueSeconds(deadline uint64, now time.Time) (uint64, error) {
	unix, err := evaluationUnix(now)
	if err != nil {
		return 0, err
	}
	if unix <= deadline {
		return 0, nil
	}
	return unix - deadline, nil
}

// OverdueDays converts the overdue duration to whole days by floor division.
func OverdueDays(deadline uint64, now time.Time) (uint64, error) {
	seconds, err := OverdueSeconds(deadline, now)
	if err != nil {
		return 0, err
	}
	return seconds / SecondsPerDay, nil
}

// TierMultiplierPercent returns the multiplier, in percent, applied after the
// given number of whole overdue days.
func TierMultiplierPercent(overdueDays uint64) uint64 {
	for _, tier := range OvertimeTiers {
		if overdueDays >= tier.MinOverdueDays {
			return tier.MultiplierPercent
		}
	}
	return 100
}

// EffectiveRateBps computes floor(baseRateBps * multiplier).
func EffectiveRateBps(baseRateBps *uint256.Int, overdueDays uint64) (*uint256.Int, error) {
	if baseRateBps == nil || baseRateBps.IsZero() {
		return new(uint256.Int), nil
	}
	multiplier := uint256.NewInt(TierMultiplierPercent(overdueDays))
	rate, overflow := new(uint256.Int).MulDivOverflow(baseRateBps, multiplier, percentDivisor)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return rate, nil
}

// ComputeRepayment prices a loan at time now. The result is
// principal + floor(principal * effectiveRateBps / 10000), computed entirely
// in integer arithmetic.
func ComputeRepayment(principal, baseRateBps *uint256.Int, deadline uint64, now time.Time) (Repayment, error) {
	seconds, err := OverdueSeconds(deadline, now)
	if err != nil {
		return Repayment{}, err
	}
	days := seconds / SecondsPerDay
	rate, err := EffectiveRateBps(baseRateBps, days)
	if err != nil {
		return Repayment{}, err
	}
	base := new(uint256.Int)
	if principal != nil {
		base.Set(principal)
	}
	interest, overflow := new(uint256.Int).MulDivOverflow(base, rate, basisPoints)
	if overflow {
		return Repayment{}, ErrAmountOverflow
	}
	due, overflow := new(uint256.Int).AddOverflow(base, interest)
	if overflow {
		return Repayment{}, ErrAmountOverflow
	}
	return Repayment{
		OverdueDays:       days,
		IsOverdue:         seconds > 0,
		MultiplierPercent: TierMultiplierPercent(days),
		EffectiveRateBps:  rate,
		Interest:          interest,
		AmountDue:         due,
	}, nil
}

func evaluationUnix(now time.Time) (uint64, error) {
	if now.IsZero() {
		return 0, ErrInvalidTimeInput
	}
	unix := now.Unix()
	if unix < 0 {
		return 0, ErrInvalidTimeInput
	}
	return uint64(unix), nil
}
