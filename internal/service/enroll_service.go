package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"arena/internal/config"
	"arena/internal/infrastructure/lock"
	"arena/internal/model"
	"arena/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// EnrollService 报名协调器
//
// 一次报名在状态机上的完整路径：
//
//	开始 -> 预留席位 -> PENDING -> (免费赛事) ----------> CONFIRMED
//	                          -> (扣报名费成功) -------> CONFIRMED
//	                          -> (余额不足/扣费异常) ---> 释放席位 -> FAILED
//
// 【关键点】三条铁律：
// 1. 先占席位，后扣钱 —— 扣款永远发生在席位预留之后，容量不可能超卖
// 2. 扣钱期间不持有任何席位侧的锁 —— 席位和钱包互不等待，没有死锁
// 3. PENDING 不许滞留 —— 进程崩溃留下的 PENDING 由恢复任务收尾，
//    要么补确认、要么退席位，席位永远不会凭空消失
type EnrollService struct {
	db             *gorm.DB
	redisClient    *redis.Client
	cfg            *config.Config
	walletService  *WalletService
	tournamentSvc  *TournamentService
	enrollRepo     *repository.EnrollmentRepository
	tournamentRepo *repository.TournamentRepository
	outboxRepo     *repository.OutboxRepository
}

func NewEnrollService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *EnrollService {
	return &EnrollService{
		db:             db,
		redisClient:    redisClient,
		cfg:            cfg,
		walletService:  NewWalletService(db, cfg),
		tournamentSvc:  NewTournamentService(db, cfg),
		enrollRepo:     repository.NewEnrollmentRepository(db),
		tournamentRepo: repository.NewTournamentRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

type JoinRequest struct {
	RequestNo    string `json:"request_no" binding:"required"` // 幂等键，客户端生成
	TournamentNo string `json:"tournament_no" binding:"required"`
	UserID       int64  `json:"user_id" binding:"required"`
}

type JoinResponse struct {
	EnrollNo     string `json:"enroll_no"`
	TournamentNo string `json:"tournament_no"`
	Status       string `json:"status"`
	RoomID       string `json:"room_id,omitempty"`       // 报名成功才下发
	RoomPassword string `json:"room_password,omitempty"` // 报名成功才下发
	Message      string `json:"message,omitempty"`
}

// Join 报名
//
// 幂等：同一 requestNo 重复调用返回首次的结果；
// 若上次调用在扣费前后崩溃留下 PENDING 报名单，本次调用接着把它走完。
func (s *EnrollService) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	// 幂等校验
	existing, err := s.enrollRepo.GetByRequestNo(ctx, req.RequestNo)
	if err != nil {
		return nil, fmt.Errorf("查询报名单失败: %w", err)
	}
	if existing != nil {
		return s.replayOrResume(ctx, existing)
	}

	// 按 赛事+用户 维度加分布式锁，挡住同一用户的并发重复报名
	joinLock := lock.NewJoinLock(s.redisClient, req.TournamentNo, req.UserID, req.RequestNo)
	err = joinLock.Lock(ctx, 100*time.Millisecond, 30)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer joinLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.enrollRepo.GetByRequestNo(ctx, req.RequestNo)
	if err != nil {
		return nil, fmt.Errorf("查询报名单失败: %w", err)
	}
	if existing != nil {
		return s.replayOrResume(ctx, existing)
	}

	// 第一步：预留席位（创建 PENDING 报名单）
	enrollment, err := s.tournamentSvc.TryReserveSeat(ctx, req.TournamentNo, req.UserID, req.RequestNo)
	if err != nil {
		return nil, err
	}

	// 第二步：扣费并确认
	return s.settle(ctx, enrollment)
}

// settle 把一张 PENDING 报名单推进到终态
func (s *EnrollService) settle(ctx context.Context, enrollment *model.Enrollment) (*JoinResponse, error) {
	transactionNo := ""

	if enrollment.EntryFee > 0 {
		remark := fmt.Sprintf("报名费-%s", enrollment.TournamentNo)
		trans, err := s.walletService.DebitFee(ctx, enrollment.UserID, enrollment.EntryFee, enrollment.RequestNo, remark)
		if err != nil {
			return nil, s.failEnrollment(ctx, enrollment, err)
		}
		transactionNo = trans.TransactionNo
	}

	if err := s.confirmAndNotify(ctx, enrollment, transactionNo); err != nil {
		return nil, err
	}

	return s.buildSuccessResponse(ctx, enrollment)
}

// 失败原因入库上限，按字符数算
const maxFailReasonRunes = 120

// truncateReason 按字符截断失败原因，防止把多字节字符切出半个
func truncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= maxFailReasonRunes {
		return reason
	}
	return string(runes[:maxFailReasonRunes])
}

// failEnrollment 扣费失败后的回退：释放席位，报名单置为 FAILED
// 返回原始失败原因，释放失败只记日志，由恢复任务兜底
func (s *EnrollService) failEnrollment(ctx context.Context, enrollment *model.Enrollment, cause error) error {
	reason := truncateReason(cause.Error())

	releaseErr := s.tournamentSvc.ReleaseSeat(ctx, enrollment.EnrollNo,
		model.EnrollStatusPending, model.EnrollStatusFailed, reason)
	if releaseErr != nil {
		log.Printf("[EnrollService] 释放席位失败，等待恢复任务处理: enrollNo=%s, err=%v",
			enrollment.EnrollNo, releaseErr)
	}

	s.publishResult(ctx, enrollment, model.EnrollStatusFailed, reason)

	return cause
}

// confirmAndNotify 确认席位并随同一事务写入结果通知
func (s *EnrollService) confirmAndNotify(ctx context.Context, enrollment *model.Enrollment, transactionNo string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.tournamentSvc.ConfirmSeat(ctx, tx, enrollment.EnrollNo, transactionNo); err != nil {
			return fmt.Errorf("确认席位失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"enroll_no":     enrollment.EnrollNo,
			"tournament_no": enrollment.TournamentNo,
			"user_id":       enrollment.UserID,
			"entry_fee":     enrollment.EntryFee,
			"status":        model.EnrollStatusConfirmed,
			"confirmed_at":  time.Now().Format(time.RFC3339),
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
}

// publishResult 终态结果通知（失败路径），尽力而为
func (s *EnrollService) publishResult(ctx context.Context, enrollment *model.Enrollment, status, reason string) {
	msgPayload := map[string]interface{}{
		"enroll_no":     enrollment.EnrollNo,
		"tournament_no": enrollment.TournamentNo,
		"user_id":       enrollment.UserID,
		"status":        status,
		"reason":        reason,
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: enrollment.EnrollNo,
		Topic:      s.cfg.Kafka.Topic.EnrollResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, outboxMsg); err != nil {
		log.Printf("[EnrollService] 写入结果通知失败: enrollNo=%s, err=%v", enrollment.EnrollNo, err)
	}
}

// replayOrResume 幂等重放
//
// 已到终态的报名单直接返回当时的结果；
// PENDING 说明上次调用中途崩溃，接着把扣费/确认走完（扣费本身幂等，
// 崩溃前已经扣过的不会再扣第二次）。
func (s *EnrollService) replayOrResume(ctx context.Context, enrollment *model.Enrollment) (*JoinResponse, error) {
	switch enrollment.Status {
	case model.EnrollStatusConfirmed:
		return s.buildSuccessResponse(ctx, enrollment)
	case model.EnrollStatusPending:
		return s.settle(ctx, enrollment)
	default:
		// FAILED / CANCELLED：重放返回当时的失败结果
		return &JoinResponse{
			EnrollNo:     enrollment.EnrollNo,
			TournamentNo: enrollment.TournamentNo,
			Status:       enrollment.Status,
			Message:      enrollment.FailReason,
		}, nil
	}
}

func (s *EnrollService) buildSuccessResponse(ctx context.Context, enrollment *model.Enrollment) (*JoinResponse, error) {
	tournament, err := s.tournamentRepo.GetByNo(ctx, enrollment.TournamentNo)
	if err != nil {
		return nil, err
	}

	return &JoinResponse{
		EnrollNo:     enrollment.EnrollNo,
		TournamentNo: enrollment.TournamentNo,
		Status:       model.EnrollStatusConfirmed,
		RoomID:       tournament.RoomID,
		RoomPassword: tournament.RoomPassword,
		Message:      "报名成功",
	}, nil
}

func (s *EnrollService) GetEnrollment(ctx context.Context, enrollNo string) (*model.Enrollment, error) {
	return s.enrollRepo.GetByEnrollNo(ctx, enrollNo)
}

func (s *EnrollService) ListUserEnrollments(ctx context.Context, userID int64, page, pageSize int) ([]*model.Enrollment, int64, error) {
	return s.enrollRepo.ListByUserID(ctx, userID, page, pageSize)
}
