package exports

import (
	"bytes"
	"encoding/csv"
	"time"

	"github.com/itublockchain/ARIF/native/requestbook"
)

// LoansCSV builds a CSV export for the supplied loan views and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func LoansCSV(views []requestbook.LoanView, evaluatedAt time.Time) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, view := range views {
		if err := writer.Write(flatten(view, evaluatedAt).strings()); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
