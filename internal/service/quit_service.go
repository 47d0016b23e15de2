package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"arena/internal/config"
	"arena/internal/infrastructure/lock"
	"arena/internal/model"
	"arena/internal/repository"
	"arena/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// QuitService 退赛
//
// 只支持已报名成功（CONFIRMED）的报名单退赛：
// 报名单置为 CANCELLED、席位回加、报名费全额退回，三件事同一事务完成。
type QuitService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	enrollRepo      *repository.EnrollmentRepository
	tournamentRepo  *repository.TournamentRepository
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewQuitService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *QuitService {
	return &QuitService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		enrollRepo:      repository.NewEnrollmentRepository(db),
		tournamentRepo:  repository.NewTournamentRepository(db),
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type QuitRequest struct {
	RequestNo string `json:"request_no" binding:"required"` // 幂等键
	EnrollNo  string `json:"enroll_no" binding:"required"`
	UserID    int64  `json:"user_id" binding:"required"`
}

type QuitResponse struct {
	EnrollNo     string `json:"enroll_no"`
	Status       string `json:"status"`
	RefundAmount int64  `json:"refund_amount"`
	Message      string `json:"message,omitempty"`
}

func (s *QuitService) Quit(ctx context.Context, req *QuitRequest) (*QuitResponse, error) {
	enrollment, err := s.enrollRepo.GetByEnrollNo(ctx, req.EnrollNo)
	if err != nil {
		return nil, err
	}

	if enrollment.UserID != req.UserID {
		return nil, repository.ErrEnrollmentNotFound
	}

	if enrollment.Status == model.EnrollStatusCancelled {
		return &QuitResponse{
			EnrollNo:     enrollment.EnrollNo,
			Status:       model.EnrollStatusCancelled,
			RefundAmount: enrollment.EntryFee,
			Message:      "已退赛，请勿重复操作",
		}, nil
	}

	if enrollment.Status != model.EnrollStatusConfirmed {
		return nil, repository.ErrEnrollStatusInvalid
	}

	quitLock := lock.NewQuitLock(s.redisClient, req.EnrollNo, req.RequestNo)
	err = quitLock.Lock(ctx, 100*time.Millisecond, 30)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer quitLock.Unlock(ctx)

	// 获取锁后重新读状态
	enrollment, err = s.enrollRepo.GetByEnrollNo(ctx, req.EnrollNo)
	if err != nil {
		return nil, err
	}
	if enrollment.Status == model.EnrollStatusCancelled {
		return &QuitResponse{
			EnrollNo:     enrollment.EnrollNo,
			Status:       model.EnrollStatusCancelled,
			RefundAmount: enrollment.EntryFee,
			Message:      "已退赛，请勿重复操作",
		}, nil
	}
	if enrollment.Status != model.EnrollStatusConfirmed {
		return nil, repository.ErrEnrollStatusInvalid
	}

	// 并发入账会改版本号，乐观锁冲突时整个事务回滚重试
	for i := 0; i < maxApplyRetries; i++ {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.enrollRepo.UpdateStatus(ctx, tx, req.EnrollNo,
				model.EnrollStatusConfirmed, model.EnrollStatusCancelled, nil); err != nil {
				return fmt.Errorf("更新报名单状态失败: %w", err)
			}

			if err := s.tournamentRepo.IncrementRemaining(ctx, tx, enrollment.TournamentNo); err != nil {
				return fmt.Errorf("回加席位失败: %w", err)
			}

			if enrollment.EntryFee > 0 {
				var account model.Account
				if err := tx.WithContext(ctx).Where("user_id = ?", enrollment.UserID).First(&account).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return repository.ErrAccountNotFound
					}
					return fmt.Errorf("查询账户失败: %w", err)
				}

				// 带版本号入账，保证流水里的余额快照与本次变更严格对应
				if err := s.accountRepo.IncreaseWithVersion(ctx, tx,
					enrollment.UserID, enrollment.EntryFee, account.Version); err != nil {
					return err
				}

				refund := &model.WalletTransaction{
					TransactionNo: idgen.GenerateTransactionNo(),
					RequestNo:     req.RequestNo,
					UserID:        enrollment.UserID,
					Amount:        enrollment.EntryFee,
					Type:          model.TransactionTypeRefund,
					BalanceBefore: account.Balance,
					BalanceAfter:  account.Balance + enrollment.EntryFee,
					Remark:        fmt.Sprintf("退赛退款-%s", enrollment.TournamentNo),
				}
				if err := s.transactionRepo.Create(ctx, tx, refund); err != nil {
					return fmt.Errorf("记录流水失败: %w", err)
				}
			}

			msgPayload := map[string]interface{}{
				"enroll_no":     enrollment.EnrollNo,
				"tournament_no": enrollment.TournamentNo,
				"user_id":       enrollment.UserID,
				"refund_amount": enrollment.EntryFee,
				"status":        model.EnrollStatusCancelled,
				"cancelled_at":  time.Now().Format(time.RFC3339),
			}
			payloadBytes, _ := json.Marshal(msgPayload)

			outboxMsg := &model.OutboxMessage{
				MessageKey: enrollment.EnrollNo,
				Topic:      s.cfg.Kafka.Topic.EnrollResult,
				Payload:    string(payloadBytes),
				Status:     model.OutboxStatusPending,
			}
			if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}

			return nil
		})

		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		break
	}

	if err != nil {
		return nil, err
	}

	log.Printf("退赛成功: enrollNo=%s, tournamentNo=%s, refund=%d",
		req.EnrollNo, enrollment.TournamentNo, enrollment.EntryFee)

	return &QuitResponse{
		EnrollNo:     req.EnrollNo,
		Status:       model.EnrollStatusCancelled,
		RefundAmount: enrollment.EntryFee,
		Message:      "退赛成功",
	}, nil
}
