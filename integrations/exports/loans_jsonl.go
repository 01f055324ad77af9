package exports

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/itublockchain/ARIF/native/requestbook"
)

// LoansJSONL builds a JSON Lines export for the supplied loan views and
// returns the serialised payload alongside a checksum.
func LoansJSONL(views []requestbook.LoanView, evaluatedAt time.Time) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, view := range views {
		record := flatten(view, evaluatedAt)
		payload := map[string]interface{}{
			"id":                     record.ID,
			"borrower":               record.Borrower,
			"asset":                  record.Asset,
			"principal":              record.Principal,
			"funded_amount":          record.FundedAmount,
			"status":                 record.Status,
			"deadline":               record.Deadline,
			"base_interest_bps":      record.BaseInterestRateBps,
			"effective_interest_bps": record.EffectiveInterestRateBps,
			"is_overdue":             record.IsOverdue,
			"overdue_days":           record.OverdueDays,
			"evaluated_at":           record.EvaluatedAt,
		}
		if record.Lender != "" {
			payload["lender"] = record.Lender
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
