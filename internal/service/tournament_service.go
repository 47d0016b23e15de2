package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arena/internal/config"
	"arena/internal/model"
	"arena/internal/repository"
	"arena/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrInvalidCapacity      = errors.New("席位数必须大于0")
	ErrInvalidEntryFee      = errors.New("报名费不能为负数")
	ErrCredentialsImmutable = errors.New("房间凭据一经设置不可修改")
)

// TournamentService 赛事管理与席位管理
//
// 管理端：草稿创建、编辑、发布、结束、删除。
// 席位端：预留 / 确认 / 释放，是整个报名链路的容量闸门。
type TournamentService struct {
	db             *gorm.DB
	cfg            *config.Config
	tournamentRepo *repository.TournamentRepository
	enrollRepo     *repository.EnrollmentRepository
}

func NewTournamentService(db *gorm.DB, cfg *config.Config) *TournamentService {
	return &TournamentService{
		db:             db,
		cfg:            cfg,
		tournamentRepo: repository.NewTournamentRepository(db),
		enrollRepo:     repository.NewEnrollmentRepository(db),
	}
}

type CreateTournamentRequest struct {
	Title        string
	Game         string
	Capacity     int
	EntryFee     int64
	RoomID       string
	RoomPassword string
	StartAt      time.Time
}

func (s *TournamentService) CreateTournament(ctx context.Context, req *CreateTournamentRequest) (*model.Tournament, error) {
	if req.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if req.EntryFee < 0 {
		return nil, ErrInvalidEntryFee
	}

	tournament := &model.Tournament{
		TournamentNo: idgen.GenerateTournamentNo(),
		Title:        req.Title,
		Game:         req.Game,
		Capacity:     req.Capacity,
		Remaining:    req.Capacity,
		EntryFee:     req.EntryFee,
		RoomID:       req.RoomID,
		RoomPassword: req.RoomPassword,
		Status:       model.TournamentStatusDraft,
		StartAt:      req.StartAt,
	}

	if err := s.tournamentRepo.Create(ctx, tournament); err != nil {
		return nil, err
	}

	return tournament, nil
}

type UpdateTournamentRequest struct {
	Title        string
	Game         string
	EntryFee     *int64
	RoomID       string
	RoomPassword string
	StartAt      *time.Time
}

// UpdateTournament 编辑草稿赛事
// capacity 创建后固定不可改；房间凭据一经设置不可改
func (s *TournamentService) UpdateTournament(ctx context.Context, tournamentNo string, req *UpdateTournamentRequest) error {
	tournament, err := s.tournamentRepo.GetByNo(ctx, tournamentNo)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if req.Title != "" {
		updates["title"] = req.Title
	}
	if req.Game != "" {
		updates["game"] = req.Game
	}
	if req.EntryFee != nil {
		if *req.EntryFee < 0 {
			return ErrInvalidEntryFee
		}
		updates["entry_fee"] = *req.EntryFee
	}
	if req.RoomID != "" {
		if tournament.RoomID != "" && tournament.RoomID != req.RoomID {
			return ErrCredentialsImmutable
		}
		updates["room_id"] = req.RoomID
	}
	if req.RoomPassword != "" {
		if tournament.RoomPassword != "" && tournament.RoomPassword != req.RoomPassword {
			return ErrCredentialsImmutable
		}
		updates["room_password"] = req.RoomPassword
	}
	if req.StartAt != nil {
		updates["start_at"] = *req.StartAt
	}

	if len(updates) == 0 {
		return nil
	}

	return s.tournamentRepo.UpdateInfo(ctx, tournamentNo, updates)
}

func (s *TournamentService) PublishTournament(ctx context.Context, tournamentNo string) error {
	return s.tournamentRepo.Publish(ctx, tournamentNo)
}

func (s *TournamentService) CloseTournament(ctx context.Context, tournamentNo string) error {
	return s.tournamentRepo.Close(ctx, tournamentNo)
}

func (s *TournamentService) DeleteTournament(ctx context.Context, tournamentNo string) error {
	return s.tournamentRepo.Delete(ctx, tournamentNo)
}

func (s *TournamentService) GetTournament(ctx context.Context, tournamentNo string) (*model.Tournament, error) {
	return s.tournamentRepo.GetByNo(ctx, tournamentNo)
}

func (s *TournamentService) ListTournaments(ctx context.Context, game, status string, page, pageSize int) ([]*model.Tournament, int64, error) {
	return s.tournamentRepo.List(ctx, game, status, page, pageSize)
}

// ============================================================
// 席位管理
// ============================================================

// TryReserveSeat 预留席位
//
// 重复报名检查、席位扣减、PENDING 报名单创建在一个数据库事务里完成，
// 其他报名请求不可能观察到"席位扣了但报名单还没建"的中间态。
//
// 【注意】重复报名检查是普通读，REPEATABLE READ 下两个携带不同幂等键的
// 并发请求可能同时通过检查。分布式锁（lock.NewJoinLock）是挡住这种并发的
// 快路径，但锁会过期、Redis 会故障，所以最后一道防线是
// (tournament_no, user_id, active_flag) 唯一索引：第二个事务的插入
// 会撞索引失败，这里把冲突翻译成"已报名"。
func (s *TournamentService) TryReserveSeat(ctx context.Context, tournamentNo string, userID int64, requestNo string) (*model.Enrollment, error) {
	var enrollment *model.Enrollment

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var tournament model.Tournament
		if err := tx.WithContext(ctx).Where("tournament_no = ?", tournamentNo).First(&tournament).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrTournamentNotFound
			}
			return err
		}

		active, err := s.enrollRepo.GetActive(ctx, tx, tournamentNo, userID)
		if err != nil {
			return fmt.Errorf("查询报名记录失败: %w", err)
		}
		if active != nil {
			return repository.ErrAlreadyEnrolled
		}

		if err := s.tournamentRepo.DecrementRemaining(ctx, tx, tournamentNo); err != nil {
			return err
		}

		enrollment = &model.Enrollment{
			EnrollNo:     idgen.GenerateEnrollNo(),
			RequestNo:    requestNo,
			TournamentNo: tournamentNo,
			UserID:       userID,
			EntryFee:     tournament.EntryFee,
			Status:       model.EnrollStatusPending,
			ActiveFlag:   model.ActiveFlag(),
		}
		if err := s.enrollRepo.Create(ctx, tx, enrollment); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return repository.ErrAlreadyEnrolled
			}
			return fmt.Errorf("创建报名单失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return enrollment, nil
}

// ConfirmSeat 确认席位（PENDING -> CONFIRMED）
// 幂等：重复确认已 CONFIRMED 的报名单直接成功
func (s *TournamentService) ConfirmSeat(ctx context.Context, tx *gorm.DB, enrollNo string, transactionNo string) error {
	extra := map[string]interface{}{}
	if transactionNo != "" {
		extra["transaction_no"] = transactionNo
	}

	err := s.enrollRepo.UpdateStatus(ctx, tx, enrollNo, model.EnrollStatusPending, model.EnrollStatusConfirmed, extra)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrEnrollStatusInvalid) {
		return err
	}

	enrollment, getErr := s.enrollRepo.GetByEnrollNo(ctx, enrollNo)
	if getErr != nil {
		return getErr
	}
	if enrollment.Status == model.EnrollStatusConfirmed {
		return nil
	}
	return err
}

// ReleaseSeat 释放席位
//
// 状态迁移（PENDING -> FAILED 或 CONFIRMED -> CANCELLED）和
// remaining 回加在一个事务里完成：要么席位连同报名单一起回去，
// 要么都不动。重复释放时 CAS 命中 0 行，直接按无事发生处理。
func (s *TournamentService) ReleaseSeat(ctx context.Context, enrollNo string, fromStatus, toStatus, failReason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		extra := map[string]interface{}{}
		if failReason != "" {
			extra["fail_reason"] = failReason
		}

		err := s.enrollRepo.UpdateStatus(ctx, tx, enrollNo, fromStatus, toStatus, extra)
		if err != nil {
			if errors.Is(err, repository.ErrEnrollStatusInvalid) {
				// 状态已被并发方迁走，席位由迁移成功的一方负责
				return nil
			}
			return err
		}

		enrollment, err := s.enrollRepo.GetByEnrollNoTx(ctx, tx, enrollNo)
		if err != nil {
			return err
		}

		if err := s.tournamentRepo.IncrementRemaining(ctx, tx, enrollment.TournamentNo); err != nil {
			return fmt.Errorf("回加席位失败: %w", err)
		}

		return nil
	})
}
