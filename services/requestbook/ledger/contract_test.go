package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	bookAddress = common.HexToAddress("0x00000000000000000000000000000000000b00c0")
	borrower    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	lender      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	asset       = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type fakeCaller struct {
	t        *testing.T
	head     uint64
	handlers map[string]func(args []any) ([]byte, error)
	blocks   []*big.Int
}

func newFakeCaller(t *testing.T) *fakeCaller {
	return &fakeCaller{t: t, head: 42, handlers: make(map[string]func([]any) ([]byte, error))}
}

func (f *fakeCaller) on(method string, fn func(args []any) ([]byte, error)) {
	f.handlers[method] = fn
}

func (f *fakeCaller) answer(method string, values ...any) []byte {
	f.t.Helper()
	data, err := requestBookABI.Methods[method].Outputs.Pack(values...)
	require.NoError(f.t, err)
	return data
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.blocks = append(f.blocks, block)
	if msg.To == nil || *msg.To != bookAddress {
		return nil, errors.New("unexpected contract")
	}
	for name, method := range requestBookABI.Methods {
		if !bytes.Equal(msg.Data[:4], method.ID) {
			continue
		}
		handler, ok := f.handlers[name]
		if !ok {
			return nil, nil
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return handler(args)
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeCaller) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func newTestContractReader(t *testing.T, caller *fakeCaller) *ContractReader {
	t.Helper()
	reader, err := NewContractReader(caller, bookAddress)
	require.NoError(t, err)
	return reader
}

func TestContractReaderDecodesRequest(t *testing.T) {
	caller := newFakeCaller(t)
	caller.on("borrowRequestByID", func(args []any) ([]byte, error) {
		id := args[0].(*big.Int)
		return caller.answer("borrowRequestByID", id, borrower, big.NewInt(5_000), big.NewInt(1_700_000_000), big.NewInt(1_000), asset), nil
	})
	reader := newTestContractReader(t, caller)

	request, err := reader.RequestByID(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), request.ID)
	require.Equal(t, borrower, request.Borrower)
	require.Equal(t, uint64(5_000), request.Principal.Uint64())
	require.Equal(t, uint64(1_700_000_000), request.Deadline)
	require.Equal(t, uint64(1_000), request.BaseInterestRateBps.Uint64())
	require.Equal(t, asset, request.AssetID)
}

func TestContractReaderZeroStructIsNotFound(t *testing.T) {
	caller := newFakeCaller(t)
	caller.on("borrowRequestByID", func(args []any) ([]byte, error) {
		zero := new(big.Int)
		return caller.answer("borrowRequestByID", zero, common.Address{}, zero, zero, zero, common.Address{}), nil
	})
	reader := newTestContractReader(t, caller)

	_, err := reader.RequestByID(context.Background(), 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContractReaderRevertAndEmptyDataAreNotFound(t *testing.T) {
	caller := newFakeCaller(t)
	caller.on("borrowRequestByID", func([]any) ([]byte, error) {
		return nil, errors.New("execution reverted: out of range")
	})
	reader := newTestContractReader(t, caller)

	_, err := reader.RequestByID(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)

	// No handler registered answers with empty return data.
	_, err = reader.LoanStateByRequestID(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContractReaderRejectsWideDeadline(t *testing.T) {
	caller := newFakeCaller(t)
	wide := new(big.Int).Lsh(big.NewInt(1), 80)
	caller.on("borrowRequestByID", func(args []any) ([]byte, error) {
		return caller.answer("borrowRequestByID", args[0], borrower, big.NewInt(1), wide, big.NewInt(1), asset), nil
	})
	reader := newTestContractReader(t, caller)

	_, err := reader.RequestByID(context.Background(), 1)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestContractReaderTransportErrorIsNotNotFound(t *testing.T) {
	caller := newFakeCaller(t)
	caller.on("nextID", func([]any) ([]byte, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	reader := newTestContractReader(t, caller)

	_, err := reader.Count(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestContractReaderFillsCancellationsAndLenderLoans(t *testing.T) {
	caller := newFakeCaller(t)
	caller.on("nextID", func([]any) ([]byte, error) {
		return caller.answer("nextID", big.NewInt(4)), nil
	})
	caller.on("loanByBorrowID", func(args []any) ([]byte, error) {
		id := args[0].(*big.Int)
		if id.Uint64() == 2 {
			return caller.answer("loanByBorrowID", true, id, lender), nil
		}
		return caller.answer("loanByBorrowID", false, new(big.Int), common.Address{}), nil
	})
	caller.on("cancelledBorrowRequests", func(args []any) ([]byte, error) {
		return caller.answer("cancelledBorrowRequests", args[0].(*big.Int).Uint64() == 1), nil
	})
	caller.on("getAllLoans", func(args []any) ([]byte, error) {
		require.Equal(t, lender, args[0].(common.Address))
		wide := new(big.Int).Lsh(big.NewInt(1), 70)
		return caller.answer("getAllLoans", []*big.Int{big.NewInt(2), wide, big.NewInt(2)}), nil
	})
	reader := newTestContractReader(t, caller)
	ctx := context.Background()

	count, err := reader.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), count)

	fill, err := reader.LoanStateByRequestID(ctx, 2)
	require.NoError(t, err)
	require.True(t, fill.IsFilled)
	require.Equal(t, lender, fill.Lender)

	_, err = reader.LoanStateByRequestID(ctx, 0)
	require.ErrorIs(t, err, ErrNotFound)

	cancelled, err := reader.IsCancelled(ctx, 1)
	require.NoError(t, err)
	require.True(t, cancelled)

	ids, err := reader.LoanIDsByLender(ctx, lender)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 2}, ids)
}

func TestContractReaderSnapshotPinsBlock(t *testing.T) {
	caller := newFakeCaller(t)
	caller.on("nextID", func([]any) ([]byte, error) {
		return caller.answer("nextID", big.NewInt(1)), nil
	})
	reader := newTestContractReader(t, caller)

	pinned, err := reader.Snapshot(context.Background())
	require.NoError(t, err)
	_, err = pinned.Count(context.Background())
	require.NoError(t, err)
	_, err = reader.Count(context.Background())
	require.NoError(t, err)

	require.Len(t, caller.blocks, 2)
	require.Equal(t, uint64(42), caller.blocks[0].Uint64())
	require.Nil(t, caller.blocks[1])
	require.Nil(t, reader.Block())
}

func TestNewContractReaderValidates(t *testing.T) {
	_, err := NewContractReader(nil, bookAddress)
	require.Error(t, err)
	_, err = NewContractReader(newFakeCaller(t), common.Address{})
	require.Error(t, err)
}
