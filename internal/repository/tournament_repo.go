package repository

import (
	"context"
	"errors"
	"time"

	"arena/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTournamentNotFound    = errors.New("赛事不存在")
	ErrTournamentFull        = errors.New("赛事席位已满")
	ErrTournamentNotJoinable = errors.New("赛事当前不可报名")
	ErrTournamentFrozen      = errors.New("赛事已冻结，等待人工核对")
	ErrTournamentNotDraft    = errors.New("赛事已发布，不允许该操作")
	ErrSeatOverflow          = errors.New("席位释放越界")
)

type TournamentRepository struct {
	db *gorm.DB
}

func NewTournamentRepository(db *gorm.DB) *TournamentRepository {
	return &TournamentRepository{db: db}
}

func (r *TournamentRepository) Create(ctx context.Context, tournament *model.Tournament) error {
	return r.db.WithContext(ctx).Create(tournament).Error
}

func (r *TournamentRepository) GetByNo(ctx context.Context, tournamentNo string) (*model.Tournament, error) {
	var tournament model.Tournament
	err := r.db.WithContext(ctx).Where("tournament_no = ?", tournamentNo).First(&tournament).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTournamentNotFound
		}
		return nil, err
	}
	return &tournament, nil
}

// DecrementRemaining 预留一个席位
//
// 【关键点】席位校验和扣减是同一条条件 UPDATE：
//
//	UPDATE tournament SET remaining = remaining - 1
//	WHERE tournament_no = ? AND remaining > 0 AND status = 'PUBLISHED'
//
// N 个并发报名者抢 1 个席位时，数据库对同一行的更新天然串行，
// 只有一条 UPDATE 能在 remaining > 0 时命中，其余全部 0 行返回。
// remaining 永远不会被减成负数。
func (r *TournamentRepository) DecrementRemaining(ctx context.Context, tx *gorm.DB, tournamentNo string) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Tournament{}).
		Where("tournament_no = ? AND remaining > 0 AND status = ?",
			tournamentNo, model.TournamentStatusPublished).
		Updates(map[string]interface{}{
			"remaining": gorm.Expr("remaining - 1"),
			"version":   gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 没更新到，在同一事务里查一次赛事区分失败原因
		var tournament model.Tournament
		if err := tx.WithContext(ctx).Where("tournament_no = ?", tournamentNo).First(&tournament).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTournamentNotFound
			}
			return err
		}
		if tournament.Status == model.TournamentStatusFrozen {
			return ErrTournamentFrozen
		}
		if tournament.Status != model.TournamentStatusPublished {
			return ErrTournamentNotJoinable
		}
		return ErrTournamentFull
	}

	return nil
}

// IncrementRemaining 释放一个席位
// remaining < capacity 的守卫条件保证释放不会把剩余席位加过头；
// 命中 0 行说明席位账目已经不一致，交给对账任务处理
func (r *TournamentRepository) IncrementRemaining(ctx context.Context, tx *gorm.DB, tournamentNo string) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Tournament{}).
		Where("tournament_no = ? AND remaining < capacity", tournamentNo).
		Updates(map[string]interface{}{
			"remaining": gorm.Expr("remaining + 1"),
			"version":   gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrSeatOverflow
	}

	return nil
}

// UpdateInfo 更新赛事基本信息（仅草稿态）
func (r *TournamentRepository) UpdateInfo(ctx context.Context, tournamentNo string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.Tournament{}).
		Where("tournament_no = ? AND status = ?", tournamentNo, model.TournamentStatusDraft).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTournamentNotDraft
	}
	return nil
}

// Publish 发布赛事，开放报名
func (r *TournamentRepository) Publish(ctx context.Context, tournamentNo string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.Tournament{}).
		Where("tournament_no = ? AND status = ?", tournamentNo, model.TournamentStatusDraft).
		Updates(map[string]interface{}{
			"status":       model.TournamentStatusPublished,
			"published_at": &now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTournamentNotDraft
	}
	return nil
}

// Close 结束赛事，停止报名
func (r *TournamentRepository) Close(ctx context.Context, tournamentNo string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Tournament{}).
		Where("tournament_no = ? AND status = ?", tournamentNo, model.TournamentStatusPublished).
		Update("status", model.TournamentStatusClosed)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTournamentNotJoinable
	}
	return nil
}

// Freeze 冻结赛事，只有对账任务在发现席位不一致时调用
func (r *TournamentRepository) Freeze(ctx context.Context, tournamentNo string) error {
	return r.db.WithContext(ctx).
		Model(&model.Tournament{}).
		Where("tournament_no = ?", tournamentNo).
		Update("status", model.TournamentStatusFrozen).Error
}

// Delete 删除赛事（仅草稿态）
func (r *TournamentRepository) Delete(ctx context.Context, tournamentNo string) error {
	result := r.db.WithContext(ctx).
		Where("tournament_no = ? AND status = ?", tournamentNo, model.TournamentStatusDraft).
		Delete(&model.Tournament{})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTournamentNotDraft
	}
	return nil
}

func (r *TournamentRepository) List(ctx context.Context, game, status string, page, pageSize int) ([]*model.Tournament, int64, error) {
	var tournaments []*model.Tournament
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Tournament{})
	if game != "" {
		query = query.Where("game = ?", game)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tournaments).Error

	return tournaments, total, err
}

// ListByStatus 按状态批量取赛事，对账任务使用
func (r *TournamentRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.Tournament, error) {
	var tournaments []*model.Tournament
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Limit(limit).
		Find(&tournaments).Error
	return tournaments, err
}
