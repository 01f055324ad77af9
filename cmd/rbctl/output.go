package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/itublockchain/ARIF/services/requestbook/engine"
)

// printer renders results as an aligned table on a terminal and as indented
// JSON everywhere else.
type printer struct {
	w     io.Writer
	table bool
	p     *message.Printer
}

func newPrinter(w io.Writer, forceJSON bool) *printer {
	table := false
	if f, ok := w.(*os.File); ok && !forceJSON {
		table = term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, table: table, p: message.NewPrinter(language.English)}
}

type loanOut struct {
	ID                   uint64 `json:"id"`
	Borrower             string `json:"borrower"`
	Lender               string `json:"lender,omitempty"`
	Asset                string `json:"asset"`
	Principal            string `json:"principal"`
	FundedAmount         string `json:"fundedAmount"`
	Status               string `json:"status"`
	Deadline             uint64 `json:"deadline"`
	BaseInterestBps      string `json:"baseInterestRateBps"`
	EffectiveInterestBps string `json:"effectiveInterestRateBps"`
	IsOverdue            bool   `json:"isOverdue"`
	OverdueDays          uint64 `json:"overdueDays"`
}

type resultOut struct {
	Loans                 []loanOut          `json:"loans"`
	Scanned               uint64             `json:"scanned"`
	Skipped               []engine.SkippedID `json:"skipped"`
	Malformed             int                `json:"malformed"`
	Cancelled             int                `json:"cancelled"`
	CancellationFallbacks int                `json:"cancellationFallbacks"`
	EvaluatedAt           time.Time          `json:"evaluatedAt"`
}

func (p *printer) result(result engine.Result) error {
	out := resultOut{
		Loans:                 make([]loanOut, 0, len(result.Views)),
		Scanned:               result.Scanned,
		Skipped:               result.Skipped,
		Malformed:             result.Malformed,
		Cancelled:             result.Cancelled,
		CancellationFallbacks: result.CancellationFallbacks,
		EvaluatedAt:           result.EvaluatedAt.UTC(),
	}
	if out.Skipped == nil {
		out.Skipped = []engine.SkippedID{}
	}
	for _, view := range result.Views {
		row := loanOut{
			ID:                   view.ID,
			Borrower:             view.Borrower.Hex(),
			Asset:                view.AssetID.Hex(),
			Principal:            view.Principal.Dec(),
			FundedAmount:         view.FundedAmount.Dec(),
			Status:               string(view.Status),
			Deadline:             view.Deadline,
			BaseInterestBps:      view.BaseInterestRateBps.Dec(),
			EffectiveInterestBps: view.EffectiveInterestRateBps.Dec(),
			IsOverdue:            view.IsOverdue,
			OverdueDays:          view.OverdueDays,
		}
		if view.Lender != nil {
			row.Lender = view.Lender.Hex()
		}
		out.Loans = append(out.Loans, row)
	}
	if !p.table {
		return p.json(out)
	}

	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tBORROWER\tLENDER\tPRINCIPAL\tDEADLINE\tOVERDUE\tRATE BPS")
	for _, row := range out.Loans {
		lender := row.Lender
		if lender == "" {
			lender = "-"
		}
		overdue := "-"
		if row.IsOverdue {
			overdue = p.p.Sprintf("%d days", row.OverdueDays)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.ID, row.Status, row.Borrower, lender, row.Principal,
			time.Unix(int64(row.Deadline), 0).UTC().Format(time.DateOnly),
			overdue, row.EffectiveInterestBps)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	p.p.Fprintf(p.w, "\n%d visible of %d scanned, %d skipped, %d malformed, %d cancelled\n",
		len(out.Loans), out.Scanned, len(out.Skipped), out.Malformed, out.Cancelled)
	for _, skipped := range out.Skipped {
		fmt.Fprintf(p.w, "  skipped %d: %s\n", skipped.ID, skipped.Reason)
	}
	return nil
}

type quoteOut struct {
	ID                uint64    `json:"id"`
	Lender            string    `json:"lender"`
	Principal         string    `json:"principal"`
	OverdueDays       uint64    `json:"overdueDays"`
	MultiplierPercent uint64    `json:"multiplierPercent"`
	EffectiveRateBps  string    `json:"effectiveRateBps"`
	Interest          string    `json:"interest"`
	AmountDue         string    `json:"amountDue"`
	EvaluatedAt       time.Time `json:"evaluatedAt"`
}

func (p *printer) quote(quote engine.Quote) error {
	out := quoteOut{
		ID:                quote.View.ID,
		Principal:         quote.View.Principal.Dec(),
		OverdueDays:       quote.Repayment.OverdueDays,
		MultiplierPercent: quote.Repayment.MultiplierPercent,
		EffectiveRateBps:  quote.Repayment.EffectiveRateBps.Dec(),
		Interest:          quote.Repayment.Interest.Dec(),
		AmountDue:         quote.Repayment.AmountDue.Dec(),
		EvaluatedAt:       quote.EvaluatedAt.UTC(),
	}
	if quote.View.Lender != nil {
		out.Lender = quote.View.Lender.Hex()
	}
	if !p.table {
		return p.json(out)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "loan\t%d\n", out.ID)
	fmt.Fprintf(tw, "lender\t%s\n", out.Lender)
	fmt.Fprintf(tw, "principal\t%s\n", out.Principal)
	p.p.Fprintf(tw, "overdue\t%d days (%d%% tier)\n", out.OverdueDays, out.MultiplierPercent)
	fmt.Fprintf(tw, "rate\t%s bps\n", out.EffectiveRateBps)
	fmt.Fprintf(tw, "interest\t%s\n", out.Interest)
	fmt.Fprintf(tw, "amount due\t%s\n", out.AmountDue)
	return tw.Flush()
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
