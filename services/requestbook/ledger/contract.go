package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/itublockchain/ARIF/native/requestbook"
)

// RequestBookABI is the read surface of the RequestBook contract.
const RequestBookABI = `[
  {"type":"function","name":"nextID","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"borrowRequestByID","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"borrower","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"deadline","type":"uint256"},
     {"name":"overtime_interest","type":"uint256"},
     {"name":"assetERC20Address","type":"address"}]},
  {"type":"function","name":"loanByBorrowID","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"isFilled","type":"bool"},
     {"name":"borrowID","type":"uint256"},
     {"name":"lender","type":"address"}]},
  {"type":"function","name":"cancelledBorrowRequests","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getAllLoans","stateMutability":"view",
   "inputs":[{"name":"lender","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]}
]`

var requestBookABI = mustParseABI(RequestBookABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse request book abi: %v", err))
	}
	return parsed
}

// ContractCaller defines the subset of the Ethereum RPC used by the reader.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// ContractReader reads the RequestBook contract through eth_call.
type ContractReader struct {
	caller  ContractCaller
	address common.Address
	block   *big.Int
}

// NewContractReader constructs a reader for the contract deployed at address.
func NewContractReader(caller ContractCaller, address common.Address) (*ContractReader, error) {
	if caller == nil {
		return nil, fmt.Errorf("ledger: contract caller required")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("ledger: contract address required")
	}
	return &ContractReader{caller: caller, address: address}, nil
}

// Snapshot returns a reader pinned to the current head block.
func (r *ContractReader) Snapshot(ctx context.Context) (Reader, error) {
	head, err := r.caller.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch head: %w", err)
	}
	pinned := *r
	pinned.block = new(big.Int).SetUint64(head)
	return &pinned, nil
}

// Block reports the pinned block, or nil when reads follow the latest block.
func (r *ContractReader) Block() *big.Int {
	if r.block == nil {
		return nil
	}
	return new(big.Int).Set(r.block)
}

func (r *ContractReader) Count(ctx context.Context) (uint64, error) {
	out, err := r.call(ctx, "nextID")
	if err != nil {
		return 0, err
	}
	return toUint64(out[0])
}

func (r *ContractReader) RequestByID(ctx context.Context, id uint64) (requestbook.LoanRequest, error) {
	out, err := r.call(ctx, "borrowRequestByID", new(big.Int).SetUint64(id))
	if err != nil {
		return requestbook.LoanRequest{}, err
	}
	if len(out) != 6 {
		return requestbook.LoanRequest{}, fmt.Errorf("%w: borrowRequestByID returned %d values", ErrMalformed, len(out))
	}
	borrower, ok1 := out[1].(common.Address)
	asset, ok2 := out[5].(common.Address)
	if !ok1 || !ok2 {
		return requestbook.LoanRequest{}, fmt.Errorf("%w: unexpected address encoding", ErrMalformed)
	}
	principal, err := toUint256(out[2])
	if err != nil {
		return requestbook.LoanRequest{}, err
	}
	deadline, err := toUint64(out[3])
	if err != nil {
		return requestbook.LoanRequest{}, err
	}
	rate, err := toUint256(out[4])
	if err != nil {
		return requestbook.LoanRequest{}, err
	}
	request := requestbook.LoanRequest{
		ID:                  id,
		Borrower:            borrower,
		Principal:           principal,
		Deadline:            deadline,
		BaseInterestRateBps: rate,
		AssetID:             asset,
	}
	// Solidity getters answer with a zeroed struct for ids that were never
	// written.
	if request.Borrower == (common.Address{}) && request.Principal.IsZero() {
		return requestbook.LoanRequest{}, ErrNotFound
	}
	return request, nil
}

func (r *ContractReader) LoanStateByRequestID(ctx context.Context, id uint64) (requestbook.LoanFill, error) {
	out, err := r.call(ctx, "loanByBorrowID", new(big.Int).SetUint64(id))
	if err != nil {
		return requestbook.LoanFill{}, err
	}
	if len(out) != 3 {
		return requestbook.LoanFill{}, fmt.Errorf("%w: loanByBorrowID returned %d values", ErrMalformed, len(out))
	}
	filled, ok1 := out[0].(bool)
	lender, ok2 := out[2].(common.Address)
	if !ok1 || !ok2 {
		return requestbook.LoanFill{}, fmt.Errorf("%w: unexpected loan encoding", ErrMalformed)
	}
	if !filled && lender == (common.Address{}) {
		return requestbook.LoanFill{}, ErrNotFound
	}
	return requestbook.LoanFill{RequestID: id, IsFilled: filled, Lender: lender}, nil
}

func (r *ContractReader) IsCancelled(ctx context.Context, id uint64) (bool, error) {
	out, err := r.call(ctx, "cancelledBorrowRequests", new(big.Int).SetUint64(id))
	if err != nil {
		return false, err
	}
	cancelled, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: unexpected bool encoding", ErrMalformed)
	}
	return cancelled, nil
}

func (r *ContractReader) LoanIDsByLender(ctx context.Context, lender common.Address) ([]uint64, error) {
	out, err := r.call(ctx, "getAllLoans", lender)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []uint64{}, nil
		}
		return nil, err
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected id list encoding", ErrMalformed)
	}
	ids := make([]uint64, 0, len(raw))
	for _, value := range raw {
		// Ids beyond 64 bits cannot match a scanned request.
		if value == nil || !value.IsUint64() {
			continue
		}
		ids = append(ids, value.Uint64())
	}
	return ids, nil
}

func (r *ContractReader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := requestBookABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	to := r.address
	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, r.block)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %s reverted", ErrNotFound, method)
		}
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s returned no data", ErrNotFound, method)
	}
	out, err := requestBookABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrMalformed, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no values", ErrMalformed, method)
	}
	return out, nil
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func toUint64(value any) (uint64, error) {
	number, ok := value.(*big.Int)
	if !ok || number == nil {
		return 0, fmt.Errorf("%w: expected uint256", ErrMalformed)
	}
	if !number.IsUint64() {
		return 0, fmt.Errorf("%w: value %s exceeds 64 bits", ErrMalformed, number.String())
	}
	return number.Uint64(), nil
}

func toUint256(value any) (*uint256.Int, error) {
	number, ok := value.(*big.Int)
	if !ok || number == nil {
		return nil, fmt.Errorf("%w: expected uint256", ErrMalformed)
	}
	converted, overflow := uint256.FromBig(number)
	if overflow {
		return nil, fmt.Errorf("%w: value exceeds 256 bits", ErrMalformed)
	}
	return converted, nil
}
