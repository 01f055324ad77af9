package engine

import "errors"

var (
	// ErrLedgerUnavailable is fatal to a reconciliation call: the id count
	// could not be read, so no partial result is returned.
	ErrLedgerUnavailable = errors.New("requestbook: ledger unavailable")
	// ErrRecordUnreadable marks a per-id read that failed after retries.
	ErrRecordUnreadable = errors.New("requestbook: record unreadable")
	// ErrMalformedRecord marks a request that is missing or carries sentinel
	// values.
	ErrMalformedRecord = errors.New("requestbook: malformed record")
	ErrNotFound        = errors.New("requestbook: not found")
	ErrCancelled       = errors.New("requestbook: request cancelled")
	ErrNotFunded       = errors.New("requestbook: loan not funded")
)
