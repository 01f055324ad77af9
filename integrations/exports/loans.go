package exports

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/itublockchain/ARIF/native/requestbook"
	"github.com/itublockchain/ARIF/observability"
)

// Format names accepted by Render.
const (
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// ContentType returns the media type served for an export format.
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatJSONL:
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}

// Render builds the export for format and records it in the export metrics.
func Render(format string, views []requestbook.LoanView, evaluatedAt time.Time) ([]byte, string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	var (
		data     []byte
		checksum string
		err      error
	)
	switch format {
	case FormatCSV:
		data, checksum, err = LoansCSV(views, evaluatedAt)
	case FormatJSONL:
		data, checksum, err = LoansJSONL(views, evaluatedAt)
	case FormatParquet:
		data, checksum, err = LoansParquet(views, evaluatedAt)
	default:
		err = fmt.Errorf("exports: unsupported format %q", format)
	}
	observability.Exports().RecordExport(format, len(views), err)
	return data, checksum, err
}

// loanRecord is the flattened, string-typed row shared by every format.
// Amounts stay decimal strings so 256-bit values are never truncated.
type loanRecord struct {
	ID                       uint64
	Borrower                 string
	Lender                   string
	Asset                    string
	Principal                string
	FundedAmount             string
	Status                   string
	Deadline                 uint64
	BaseInterestRateBps      string
	EffectiveInterestRateBps string
	IsOverdue                bool
	OverdueDays              uint64
	EvaluatedAt              string
}

func flatten(view requestbook.LoanView, evaluatedAt time.Time) loanRecord {
	record := loanRecord{
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
		EvaluatedAt:              evaluatedAt.UTC().Format(time.RFC3339),
	}
	if view.Lender != nil {
		record.Lender = view.Lender.Hex()
	}
	return record
}

func (r loanRecord) strings() []string {
	return []string{
		strconv.FormatUint(r.ID, 10),
		r.Borrower,
		r.Lender,
		r.Asset,
		r.Principal,
		r.FundedAmount,
		r.Status,
		strconv.FormatUint(r.Deadline, 10),
		r.BaseInterestRateBps,
		r.EffectiveInterestRateBps,
		strconv.FormatBool(r.IsOverdue),
		strconv.FormatUint(r.OverdueDays, 10),
		r.EvaluatedAt,
	}
}

var csvHeader = []string{
	"id", "borrower", "lender", "asset", "principal", "funded_amount", "status", "deadline",
	"base_interest_bps", "effective_interest_bps", "is_overdue", "overdue_days", "evaluated_at",
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
