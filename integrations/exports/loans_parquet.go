package exports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/itublockchain/ARIF/native/requestbook"
)

type parquetRow struct {
	ID                       int64  `parquet:"name=id, type=INT64"`
	Borrower                 string `parquet:"name=borrower, type=UTF8"`
	Lender                   string `parquet:"name=lender, type=UTF8"`
	Asset                    string `parquet:"name=asset, type=UTF8"`
	Principal                string `parquet:"name=principal, type=UTF8"`
	FundedAmount             string `parquet:"name=funded_amount, type=UTF8"`
	Status                   string `parquet:"name=status, type=UTF8"`
	Deadline                 int64  `parquet:"name=deadline, type=INT64"`
	BaseInterestRateBps      string `parquet:"name=base_interest_bps, type=UTF8"`
	EffectiveInterestRateBps string `parquet:"name=effective_interest_bps, type=UTF8"`
	IsOverdue                bool   `parquet:"name=is_overdue, type=BOOLEAN"`
	OverdueDays              int64  `parquet:"name=overdue_days, type=INT64"`
	EvaluatedAt              string `parquet:"name=evaluated_at, type=UTF8"`
}

// LoansParquet builds a SNAPPY compressed Parquet export for the supplied
// loan views and returns it alongside a checksum.
func LoansParquet(views []requestbook.LoanView, evaluatedAt time.Time) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	fw := writerfile.NewWriterFile(buffer)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, view := range views {
		record := flatten(view, evaluatedAt)
		row := &parquetRow{
			ID:                       int64(record.ID),
			Borrower:                 record.Borrower,
			Lender:                   record.Lender,
			Asset:                    record.Asset,
			Principal:                record.Principal,
			FundedAmount:             record.FundedAmount,
			Status:                   record.Status,
			Deadline:                 int64(record.Deadline),
			BaseInterestRateBps:      record.BaseInterestRateBps,
			EffectiveInterestRateBps: record.EffectiveInterestRateBps,
			IsOverdue:                record.IsOverdue,
			OverdueDays:              int64(record.OverdueDays),
			EvaluatedAt:              record.EvaluatedAt,
		}
		if err := pw.Write(row); err != nil {
			return nil, "", fmt.Errorf("exports: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: finalise parquet: %w", err)
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
