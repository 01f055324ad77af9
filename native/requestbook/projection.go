package requestbook

import "github.com/ethereum/go-ethereum/common"

// ForBorrower keeps the views created by borrower, preserving order.
func ForBorrower(views []LoanView, borrower common.Address) []LoanView {
	out := make([]LoanView, 0)
	for _, view := range views {
		if view.Borrower == borrower {
			out = append(out, view)
		}
	}
	return out
}

// ForLender joins the ledger's per-lender loan ids against reconciled views.
// Ids without a view (cancelled, malformed or unreadable) are dropped and
// duplicate ids collapse; the output keeps the order of views.
func ForLender(loanIDs []uint64, views []LoanView) []LoanView {
	wanted := make(map[uint64]struct{}, len(loanIDs))
	for _, id := range loanIDs {
		wanted[id] = struct{}{}
	}
	out := make([]LoanView, 0, len(wanted))
	for _, view := range views {
		if _, ok := wanted[view.ID]; !ok {
			continue
		}
		out = append(out, view)
		delete(wanted, view.ID)
	}
	return out
}

// FilterStatus keeps the views in the given status.
func FilterStatus(views []LoanView, status Status) []LoanView {
	out := make([]LoanView, 0, len(views))
	for _, view := range views {
		if view.Status == status {
			out = append(out, view)
		}
	}
	return out
}
