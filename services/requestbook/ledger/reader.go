package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/itublockchain/ARIF/native/requestbook"
)

var (
	// ErrNotFound is returned when the ledger holds no record for an id. Readers
	// never return a zero-valued record with a nil error.
	ErrNotFound = errors.New("ledger: not found")
	// ErrMalformed is returned when the ledger answered with data that cannot be
	// represented, such as an id or timestamp wider than 64 bits.
	ErrMalformed = errors.New("ledger: malformed record")
)

// Reader is the read-only view of the RequestBook ledger used by the
// reconciler. Implementations must be safe for concurrent use.
type Reader interface {
	// Count returns the number of request ids issued so far. Ids are dense in
	// [0, Count).
	Count(ctx context.Context) (uint64, error)
	RequestByID(ctx context.Context, id uint64) (requestbook.LoanRequest, error)
	// LoanStateByRequestID returns ErrNotFound when no fill record exists,
	// which callers treat as an open request.
	LoanStateByRequestID(ctx context.Context, id uint64) (requestbook.LoanFill, error)
	IsCancelled(ctx context.Context, id uint64) (bool, error)
	// LoanIDsByLender returns the request ids a lender has filled. The list may
	// contain duplicates and ids that were later cancelled.
	LoanIDsByLender(ctx context.Context, lender common.Address) ([]uint64, error)
}

// BorrowerIndex is an optional advisory index of request ids per borrower.
// Results are re-validated by the reconciler and never trusted on their own.
type BorrowerIndex interface {
	RequestIDsByBorrower(ctx context.Context, borrower common.Address) ([]uint64, error)
}

// Snapshotter is implemented by readers that can pin every subsequent read to
// a single ledger height.
type Snapshotter interface {
	Snapshot(ctx context.Context) (Reader, error)
}
