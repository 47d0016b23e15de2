package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"arena/internal/model"
	"arena/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeposit(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db, newTestConfig())
	ctx := context.Background()

	trans, err := svc.Deposit(ctx, 1001, 50000, "req-deposit-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), trans.Amount)
	assert.Equal(t, model.TransactionTypeDeposit, trans.Type)
	assert.Equal(t, int64(0), trans.BalanceBefore)
	assert.Equal(t, int64(50000), trans.BalanceAfter)

	balance, err := svc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), balance)
}

func TestDepositIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db, newTestConfig())
	ctx := context.Background()

	first, err := svc.Deposit(ctx, 1001, 50000, "req-deposit-1")
	require.NoError(t, err)

	// 同一幂等键重放，返回首次流水，余额不再变动
	replay, err := svc.Deposit(ctx, 1001, 50000, "req-deposit-1")
	require.NoError(t, err)
	assert.Equal(t, first.TransactionNo, replay.TransactionNo)

	balance, err := svc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), balance)

	var count int64
	db.Model(&model.WalletTransaction{}).Where("user_id = ?", 1001).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db, newTestConfig())
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1001, 3000, "req-deposit-1")
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, 1001, 5000, "req-withdraw-1")
	assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)

	// 失败不留流水，余额不变
	balance, err := svc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)

	var count int64
	db.Model(&model.WalletTransaction{}).Where("request_no = ?", "req-withdraw-1").Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestDebitFeeIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db, newTestConfig())
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1001, 10000, "req-deposit-1")
	require.NoError(t, err)

	first, err := svc.DebitFee(ctx, 1001, 2000, "req-join-1", "报名费")
	require.NoError(t, err)
	assert.Equal(t, int64(-2000), first.Amount)
	assert.Equal(t, model.TransactionTypeEntryFee, first.Type)

	replay, err := svc.DebitFee(ctx, 1001, 2000, "req-join-1", "报名费")
	require.NoError(t, err)
	assert.Equal(t, first.TransactionNo, replay.TransactionNo)

	balance, err := svc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), balance)
}

func TestFrozenAccountRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db, newTestConfig())
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1001, 10000, "req-deposit-1")
	require.NoError(t, err)

	require.NoError(t, repository.NewAccountRepository(db).Freeze(ctx, 1001))

	_, err = svc.Deposit(ctx, 1001, 10000, "req-deposit-2")
	assert.ErrorIs(t, err, repository.ErrAccountFrozen)

	_, err = svc.DebitFee(ctx, 1001, 2000, "req-join-1", "报名费")
	assert.ErrorIs(t, err, repository.ErrAccountFrozen)
}

func TestInvalidAmount(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db, newTestConfig())
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1001, 0, "req-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Withdraw(ctx, 1001, -100, "req-2")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.DebitFee(ctx, 1001, 0, "req-3", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// 并发扣款只允许恰好 balance/amount 笔成功，余额精确扣到 0，绝不为负
func TestConcurrentDebitsExact(t *testing.T) {
	db := newTestDB(t)
	svc := NewWalletService(db, newTestConfig())
	ctx := context.Background()

	_, err := svc.Deposit(ctx, 1001, 500, "req-deposit-1")
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	results := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, results[idx] = svc.DebitFee(ctx, 1001, 100, fmt.Sprintf("req-join-%d", idx), "报名费")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)
		}
	}
	assert.Equal(t, 5, succeeded)

	balance, err := svc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	var count int64
	db.Model(&model.WalletTransaction{}).
		Where("user_id = ? AND type = ?", 1001, model.TransactionTypeEntryFee).
		Count(&count)
	assert.Equal(t, int64(5), count)
}
