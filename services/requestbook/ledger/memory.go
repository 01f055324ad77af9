package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/itublockchain/ARIF/native/requestbook"
)

// MemoryLedger is an in-process RequestBook used by tests and by the fixture
// backed demo mode. It mirrors the contract's write rules: a request can be
// filled at most once and cancellation is recorded independently of fills.
type MemoryLedger struct {
	mu        sync.RWMutex
	requests  []requestbook.LoanRequest
	fills     map[uint64]requestbook.LoanFill
	cancelled map[uint64]bool
	lenders   map[common.Address][]uint64
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		fills:     make(map[uint64]requestbook.LoanFill),
		cancelled: make(map[uint64]bool),
		lenders:   make(map[common.Address][]uint64),
	}
}

// Create appends a request and returns its id. Sentinel records are accepted
// so tests can model sparsely populated storage.
func (m *MemoryLedger) Create(request requestbook.LoanRequest) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	request.ID = uint64(len(m.requests))
	request.Principal = cloneInt(request.Principal)
	request.BaseInterestRateBps = cloneInt(request.BaseInterestRateBps)
	m.requests = append(m.requests, request)
	return request.ID
}

// Fill records lender as the funder of id.
func (m *MemoryLedger) Fill(id uint64, lender common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= uint64(len(m.requests)) {
		return ErrNotFound
	}
	if existing, ok := m.fills[id]; ok && existing.IsFilled {
		return fmt.Errorf("ledger: request %d already filled", id)
	}
	m.fills[id] = requestbook.LoanFill{RequestID: id, IsFilled: true, Lender: lender}
	m.lenders[lender] = append(m.lenders[lender], id)
	return nil
}

// Cancel marks id as cancelled.
func (m *MemoryLedger) Cancel(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= uint64(len(m.requests)) {
		return ErrNotFound
	}
	m.cancelled[id] = true
	return nil
}

func (m *MemoryLedger) Count(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.requests)), nil
}

func (m *MemoryLedger) RequestByID(ctx context.Context, id uint64) (requestbook.LoanRequest, error) {
	if err := ctx.Err(); err != nil {
		return requestbook.LoanRequest{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id >= uint64(len(m.requests)) {
		return requestbook.LoanRequest{}, ErrNotFound
	}
	request := m.requests[id]
	request.Principal = cloneInt(request.Principal)
	request.BaseInterestRateBps = cloneInt(request.BaseInterestRateBps)
	return request, nil
}

func (m *MemoryLedger) LoanStateByRequestID(ctx context.Context, id uint64) (requestbook.LoanFill, error) {
	if err := ctx.Err(); err != nil {
		return requestbook.LoanFill{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fill, ok := m.fills[id]
	if !ok {
		return requestbook.LoanFill{}, ErrNotFound
	}
	return fill, nil
}

func (m *MemoryLedger) IsCancelled(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelled[id], nil
}

func (m *MemoryLedger) LoanIDsByLender(ctx context.Context, lender common.Address) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint64{}, m.lenders[lender]...), nil
}

// RequestIDsByBorrower implements BorrowerIndex.
func (m *MemoryLedger) RequestIDsByBorrower(ctx context.Context, borrower common.Address) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0)
	for _, request := range m.requests {
		if request.Borrower == borrower {
			ids = append(ids, request.ID)
		}
	}
	return ids, nil
}

// Fixture is the JSON document accepted by LoadFixture. Amounts are decimal
// strings so values wider than 64 bits survive the round trip.
type Fixture struct {
	Requests []FixtureRequest `json:"requests"`
}

// FixtureRequest describes one request and its lifecycle events.
type FixtureRequest struct {
	Borrower     string `json:"borrower"`
	Principal    string `json:"principal"`
	Deadline     uint64 `json:"deadline"`
	InterestBps  string `json:"interestBps"`
	Asset        string `json:"asset"`
	Lender       string `json:"lender,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`
	LenderRepeat int    `json:"lenderRepeat,omitempty"`
}

// LoadFixture reads a JSON fixture from path into a new MemoryLedger.
func LoadFixture(path string) (*MemoryLedger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture builds a MemoryLedger from fixture JSON.
func ParseFixture(data []byte) (*MemoryLedger, error) {
	var fixture Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("ledger: decode fixture: %w", err)
	}
	ledger := NewMemoryLedger()
	for i, entry := range fixture.Requests {
		request, err := entry.request()
		if err != nil {
			return nil, fmt.Errorf("ledger: fixture request %d: %w", i, err)
		}
		id := ledger.Create(request)
		if lender := strings.TrimSpace(entry.Lender); lender != "" {
			if !common.IsHexAddress(lender) {
				return nil, fmt.Errorf("ledger: fixture request %d: invalid lender %q", i, lender)
			}
			account := common.HexToAddress(lender)
			if err := ledger.Fill(id, account); err != nil {
				return nil, err
			}
			// getAllLoans may list an id more than once.
			for r := 0; r < entry.LenderRepeat; r++ {
				ledger.lenders[account] = append(ledger.lenders[account], id)
			}
		}
		if entry.Cancelled {
			if err := ledger.Cancel(id); err != nil {
				return nil, err
			}
		}
	}
	return ledger, nil
}

func (f FixtureRequest) request() (requestbook.LoanRequest, error) {
	var request requestbook.LoanRequest
	if f.Borrower != "" {
		if !common.IsHexAddress(f.Borrower) {
			return request, fmt.Errorf("invalid borrower %q", f.Borrower)
		}
		request.Borrower = common.HexToAddress(f.Borrower)
	}
	if f.Asset != "" {
		if !common.IsHexAddress(f.Asset) {
			return request, fmt.Errorf("invalid asset %q", f.Asset)
		}
		request.AssetID = common.HexToAddress(f.Asset)
	}
	principal, err := parseDecimal(f.Principal)
	if err != nil {
		return request, fmt.Errorf("principal: %w", err)
	}
	rate, err := parseDecimal(f.InterestBps)
	if err != nil {
		return request, fmt.Errorf("interestBps: %w", err)
	}
	request.Principal = principal
	request.BaseInterestRateBps = rate
	request.Deadline = f.Deadline
	return request, nil
}

func parseDecimal(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(raw)
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
