package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arena/internal/config"
	"arena/internal/model"
	"arena/internal/repository"
	"arena/pkg/idgen"

	"gorm.io/gorm"
)

var ErrInvalidAmount = errors.New("金额必须大于0")

// 乐观锁冲突时的应用层重试次数
// 每次失败都意味着有别的写入者成功提交了，整体不会活锁
const maxApplyRetries = 10

// WalletService 钱包账本
//
// 对外只有四种资金变动：充值、提现、报名费扣款、退赛退款。
// 所有变动都要求调用方传入幂等键 requestNo：
//   - 同一 requestNo 重放，直接返回首次的流水，余额只变动一次
//   - 余额校验与变更在一条条件 UPDATE 里原子完成，余额永远 >= 0
type WalletService struct {
	db              *gorm.DB
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewWalletService(db *gorm.DB, cfg *config.Config) *WalletService {
	return &WalletService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

func (s *WalletService) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accountRepo.GetOrCreate(ctx, userID)
}

func (s *WalletService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

func (s *WalletService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// Deposit 充值
func (s *WalletService) Deposit(ctx context.Context, userID, amount int64, requestNo string) (*model.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, userID, amount, model.TransactionTypeDeposit, requestNo, "钱包充值")
}

// Withdraw 提现
func (s *WalletService) Withdraw(ctx context.Context, userID, amount int64, requestNo string) (*model.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, userID, -amount, model.TransactionTypeWithdraw, requestNo, "钱包提现")
}

// DebitFee 扣报名费，报名协调器调用
// 幂等键直接使用报名请求的 requestNo，一次报名最多产生一条扣费流水
func (s *WalletService) DebitFee(ctx context.Context, userID, amount int64, requestNo, remark string) (*model.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, userID, -amount, model.TransactionTypeEntryFee, requestNo, remark)
}

// RefundFee 退还报名费，退赛流程调用
func (s *WalletService) RefundFee(ctx context.Context, userID, amount int64, requestNo, remark string) (*model.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, userID, amount, model.TransactionTypeRefund, requestNo, remark)
}

// apply 资金变动的统一入口，amount 正数入账、负数出账
func (s *WalletService) apply(ctx context.Context, userID, amount int64, txnType, requestNo, remark string) (*model.WalletTransaction, error) {
	// 幂等重放：同一 requestNo 直接返回首次结果
	existing, err := s.transactionRepo.GetByRequestNo(ctx, requestNo)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	for i := 0; i < maxApplyRetries; i++ {
		account, err := s.accountRepo.GetOrCreate(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("获取账户信息失败: %w", err)
		}
		if account.Status == model.AccountStatusFrozen {
			return nil, repository.ErrAccountFrozen
		}

		trans := &model.WalletTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			RequestNo:     requestNo,
			UserID:        userID,
			Amount:        amount,
			Type:          txnType,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance + amount,
			Remark:        remark,
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if amount < 0 {
				if err := s.accountRepo.Deduct(ctx, tx, userID, -amount, account.Version); err != nil {
					return err
				}
			} else {
				if err := s.accountRepo.IncreaseWithVersion(ctx, tx, userID, amount, account.Version); err != nil {
					return err
				}
			}

			if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}

			msgPayload := map[string]interface{}{
				"transaction_no": trans.TransactionNo,
				"user_id":        userID,
				"amount":         amount,
				"type":           txnType,
				"balance_after":  trans.BalanceAfter,
				"changed_at":     time.Now().Format(time.RFC3339),
			}
			payloadBytes, _ := json.Marshal(msgPayload)

			outboxMsg := &model.OutboxMessage{
				MessageKey: trans.TransactionNo,
				Topic:      s.cfg.Kafka.Topic.WalletChange,
				Payload:    string(payloadBytes),
				Status:     model.OutboxStatusPending,
			}
			if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}

			return nil
		})

		if errors.Is(err, repository.ErrOptimisticLock) {
			// 版本号已变，重读账户再试
			continue
		}
		if err != nil {
			// 并发重放兜底：request_no 唯一索引拦下的重复写，按重放处理
			if dup, dupErr := s.transactionRepo.GetByRequestNo(ctx, requestNo); dupErr == nil && dup != nil {
				return dup, nil
			}
			return nil, err
		}

		return trans, nil
	}

	return nil, repository.ErrOptimisticLock
}
