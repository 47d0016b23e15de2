package repository

import (
	"context"
	"errors"
	"time"

	"arena/internal/model"

	"gorm.io/gorm"
)

var (
	ErrEnrollmentNotFound  = errors.New("报名单不存在")
	ErrEnrollStatusInvalid = errors.New("报名单状态不合法")
	ErrAlreadyEnrolled     = errors.New("已报名该赛事，请勿重复报名")
)

type EnrollmentRepository struct {
	db *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) Create(ctx context.Context, tx *gorm.DB, enrollment *model.Enrollment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(enrollment).Error
}

func (r *EnrollmentRepository) GetByEnrollNo(ctx context.Context, enrollNo string) (*model.Enrollment, error) {
	var enrollment model.Enrollment
	err := r.db.WithContext(ctx).Where("enroll_no = ?", enrollNo).First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &enrollment, nil
}

// GetByEnrollNoTx 在指定事务里按报名单号查询
func (r *EnrollmentRepository) GetByEnrollNoTx(ctx context.Context, tx *gorm.DB, enrollNo string) (*model.Enrollment, error) {
	if tx == nil {
		tx = r.db
	}
	var enrollment model.Enrollment
	err := tx.WithContext(ctx).Where("enroll_no = ?", enrollNo).First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &enrollment, nil
}

// GetByRequestNo 按幂等键查报名单，查不到返回 nil
func (r *EnrollmentRepository) GetByRequestNo(ctx context.Context, requestNo string) (*model.Enrollment, error) {
	var enrollment model.Enrollment
	err := r.db.WithContext(ctx).Where("request_no = ?", requestNo).First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &enrollment, nil
}

// GetActive 查用户在某赛事下占用席位（PENDING/CONFIRMED）的报名单，查不到返回 nil
func (r *EnrollmentRepository) GetActive(ctx context.Context, tx *gorm.DB, tournamentNo string, userID int64) (*model.Enrollment, error) {
	if tx == nil {
		tx = r.db
	}
	var enrollment model.Enrollment
	err := tx.WithContext(ctx).
		Where("tournament_no = ? AND user_id = ? AND status IN ?",
			tournamentNo, userID, model.ActiveEnrollStatuses).
		First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &enrollment, nil
}

// UpdateStatus 状态迁移（CAS）
//
// WHERE 带上旧状态，并发迁移只有一个能成功；
// extra 里携带随迁移一起落库的字段（流水号、失败原因等）。
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, enrollNo string, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrEnrollStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if toStatus == model.EnrollStatusConfirmed {
		now := time.Now()
		updates["confirmed_at"] = &now
	}
	// 终态释放占席标记，唯一索引放行该用户后续的重新报名
	if toStatus == model.EnrollStatusFailed || toStatus == model.EnrollStatusCancelled {
		updates["active_flag"] = nil
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Enrollment{}).
		Where("enroll_no = ? AND status = ?", enrollNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrEnrollStatusInvalid
	}

	return nil
}

// GetStalePending 查出滞留超时的 PENDING 报名单，恢复任务使用
func (r *EnrollmentRepository) GetStalePending(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Enrollment, error) {
	var enrollments []*model.Enrollment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.EnrollStatusPending, beforeTime).
		Limit(limit).
		Find(&enrollments).Error
	return enrollments, err
}

// CountActive 统计某赛事占用席位的报名单数，对账任务使用
func (r *EnrollmentRepository) CountActive(ctx context.Context, tournamentNo string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Enrollment{}).
		Where("tournament_no = ? AND status IN ?", tournamentNo, model.ActiveEnrollStatuses).
		Count(&count).Error
	return count, err
}

func (r *EnrollmentRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Enrollment, int64, error) {
	var enrollments []*model.Enrollment
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Enrollment{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&enrollments).Error

	return enrollments, total, err
}

func (r *EnrollmentRepository) ListByTournament(ctx context.Context, tournamentNo string, page, pageSize int) ([]*model.Enrollment, int64, error) {
	var enrollments []*model.Enrollment
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Enrollment{}).
		Where("tournament_no = ? AND status = ?", tournamentNo, model.EnrollStatusConfirmed)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&enrollments).Error

	return enrollments, total, err
}
