package server

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/itublockchain/ARIF/services/requestbook/engine"
)

type fakeReconciler struct {
	allFn       func(ctx context.Context) (engine.Result, error)
	borrowerFn  func(ctx context.Context, borrower common.Address) (engine.Result, error)
	lenderFn    func(ctx context.Context, lender common.Address) (engine.Result, error)
	repaymentFn func(ctx context.Context, id uint64, now time.Time) (engine.Quote, error)
}

func (f *fakeReconciler) ReconcileAll(ctx context.Context) (engine.Result, error) {
	if f != nil && f.allFn != nil {
		return f.allFn(ctx)
	}
	return engine.Result{}, nil
}

func (f *fakeReconciler) ReconcileForBorrower(ctx context.Context, borrower common.Address) (engine.Result, error) {
	if f != nil && f.borrowerFn != nil {
		return f.borrowerFn(ctx, borrower)
	}
	return engine.Result{}, nil
}

func (f *fakeReconciler) ReconcileForLender(ctx context.Context, lender common.Address) (engine.Result, error) {
	if f != nil && f.lenderFn != nil {
		return f.lenderFn(ctx, lender)
	}
	return engine.Result{}, nil
}

func (f *fakeReconciler) ComputeRepayment(ctx context.Context, id uint64, now time.Time) (engine.Quote, error) {
	if f != nil && f.repaymentFn != nil {
		return f.repaymentFn(ctx, id, now)
	}
	return engine.Quote{}, nil
}

type fakeLimiter struct {
	allowFn func(ctx context.Context, client string) (bool, error)
}

func (f *fakeLimiter) Allow(ctx context.Context, client string) (bool, error) {
	if f != nil && f.allowFn != nil {
		return f.allowFn(ctx, client)
	}
	return true, nil
}
