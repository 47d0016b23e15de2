package job

import (
	"context"
	"log"
	"time"

	"arena/internal/config"
	"arena/internal/model"
	"arena/internal/repository"
	"arena/internal/service"

	"gorm.io/gorm"
)

// EnrollmentRecoveryJob 报名恢复任务
//
// 协调器在"预留席位"和"确认/失败"之间崩溃会留下滞留的 PENDING 报名单，
// 对应一个被占着但没人认领的席位。本任务定期扫描超时的 PENDING：
//   - 扣费流水已存在 -> 钱已扣，补确认（恢复到 CONFIRMED）
//   - 扣费流水不存在 -> 钱没扣，释放席位（置为 FAILED）
//
// 免费赛事的滞留 PENDING 不涉及资金，直接补确认。
// 保证：每个被预留的席位最终都会走到 CONFIRMED 或 FAILED，不存在席位泄漏。
type EnrollmentRecoveryJob struct {
	db              *gorm.DB
	enrollRepo      *repository.EnrollmentRepository
	transactionRepo *repository.TransactionRepository
	tournamentSvc   *service.TournamentService
	cfg             *config.Config
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
}

func NewEnrollmentRecoveryJob(db *gorm.DB, cfg *config.Config) *EnrollmentRecoveryJob {
	interval := time.Duration(cfg.Business.RecoveryIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &EnrollmentRecoveryJob{
		db:              db,
		enrollRepo:      repository.NewEnrollmentRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		tournamentSvc:   service.NewTournamentService(db, cfg),
		cfg:             cfg,
		stopCh:          make(chan struct{}),
		interval:        interval,
		batchSize:       100,
	}
}

func (j *EnrollmentRecoveryJob) Start(ctx context.Context) {
	log.Println("[EnrollmentRecoveryJob] 报名恢复任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[EnrollmentRecoveryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[EnrollmentRecoveryJob] 任务停止")
			return
		case <-ticker.C:
			j.RecoverStalePending(ctx)
		}
	}
}

func (j *EnrollmentRecoveryJob) Stop() {
	close(j.stopCh)
}

// RecoverStalePending 处理一批滞留的 PENDING 报名单
func (j *EnrollmentRecoveryJob) RecoverStalePending(ctx context.Context) {
	timeout := time.Duration(j.cfg.Business.EnrollPendingTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	beforeTime := time.Now().Add(-timeout)

	enrollments, err := j.enrollRepo.GetStalePending(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[EnrollmentRecoveryJob] 查询滞留报名单失败: %v", err)
		return
	}

	if len(enrollments) == 0 {
		return
	}

	log.Printf("[EnrollmentRecoveryJob] 发现 %d 个滞留的报名单", len(enrollments))

	for _, enrollment := range enrollments {
		j.recoverOne(ctx, enrollment)
	}
}

func (j *EnrollmentRecoveryJob) recoverOne(ctx context.Context, enrollment *model.Enrollment) {
	if enrollment.EntryFee > 0 {
		trans, err := j.transactionRepo.GetByRequestNo(ctx, enrollment.RequestNo)
		if err != nil {
			log.Printf("[EnrollmentRecoveryJob] 查询流水失败: enrollNo=%s, err=%v", enrollment.EnrollNo, err)
			return
		}

		if trans == nil {
			// 钱没扣，退席位
			err := j.tournamentSvc.ReleaseSeat(ctx, enrollment.EnrollNo,
				model.EnrollStatusPending, model.EnrollStatusFailed, "报名超时")
			if err != nil {
				log.Printf("[EnrollmentRecoveryJob] 释放席位失败: enrollNo=%s, err=%v", enrollment.EnrollNo, err)
			} else {
				log.Printf("[EnrollmentRecoveryJob] 报名超时已关闭，席位已释放: enrollNo=%s", enrollment.EnrollNo)
			}
			return
		}

		// 钱已扣但状态没推进，补确认
		if err := j.tournamentSvc.ConfirmSeat(ctx, nil, enrollment.EnrollNo, trans.TransactionNo); err != nil {
			log.Printf("[EnrollmentRecoveryJob] 补确认失败: enrollNo=%s, err=%v", enrollment.EnrollNo, err)
		} else {
			log.Printf("[EnrollmentRecoveryJob] 已扣费报名单补确认成功: enrollNo=%s", enrollment.EnrollNo)
		}
		return
	}

	// 免费赛事，不涉及资金，直接补确认
	if err := j.tournamentSvc.ConfirmSeat(ctx, nil, enrollment.EnrollNo, ""); err != nil {
		log.Printf("[EnrollmentRecoveryJob] 免费报名单补确认失败: enrollNo=%s, err=%v", enrollment.EnrollNo, err)
	} else {
		log.Printf("[EnrollmentRecoveryJob] 免费报名单补确认成功: enrollNo=%s", enrollment.EnrollNo)
	}
}

// ============================================================
// 一致性对账
// ============================================================

// ConsistencyReconciler 席位与账本对账任务
//
// 校验两条不变式：
//  1. 每个赛事：remaining == capacity - 占用席位的报名单数
//  2. 每个账户：balance >= 0
//
// 【严重】任一校验失败都说明出现了席位泄漏或超扣，属于不可自动恢复的
// 数据损坏：冻结相关实体、停止其一切变更，等待人工核对。绝不静默继续。
type ConsistencyReconciler struct {
	db             *gorm.DB
	tournamentRepo *repository.TournamentRepository
	enrollRepo     *repository.EnrollmentRepository
	accountRepo    *repository.AccountRepository
	cfg            *config.Config
	stopCh         chan struct{}
	interval       time.Duration
	batchSize      int
}

func NewConsistencyReconciler(db *gorm.DB, cfg *config.Config) *ConsistencyReconciler {
	interval := time.Duration(cfg.Business.ReconcileIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	return &ConsistencyReconciler{
		db:             db,
		tournamentRepo: repository.NewTournamentRepository(db),
		enrollRepo:     repository.NewEnrollmentRepository(db),
		accountRepo:    repository.NewAccountRepository(db),
		cfg:            cfg,
		stopCh:         make(chan struct{}),
		interval:       interval,
		batchSize:      200,
	}
}

func (r *ConsistencyReconciler) Start(ctx context.Context) {
	log.Println("[ConsistencyReconciler] 对账任务启动")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ConsistencyReconciler] 收到停止信号，任务退出")
			return
		case <-r.stopCh:
			log.Println("[ConsistencyReconciler] 任务停止")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

func (r *ConsistencyReconciler) Stop() {
	close(r.stopCh)
}

// Reconcile 执行一轮对账
func (r *ConsistencyReconciler) Reconcile(ctx context.Context) {
	r.checkSeatConsistency(ctx)
	r.checkNegativeBalance(ctx)
}

func (r *ConsistencyReconciler) checkSeatConsistency(ctx context.Context) {
	tournaments, err := r.tournamentRepo.ListByStatus(ctx, model.TournamentStatusPublished, r.batchSize)
	if err != nil {
		log.Printf("[ConsistencyReconciler] 查询赛事失败: %v", err)
		return
	}

	for _, t := range tournaments {
		activeCount, err := r.enrollRepo.CountActive(ctx, t.TournamentNo)
		if err != nil {
			log.Printf("[ConsistencyReconciler] 统计报名单失败: tournamentNo=%s, err=%v", t.TournamentNo, err)
			continue
		}

		expected := int64(t.Capacity) - activeCount
		if int64(t.Remaining) == expected && t.Remaining >= 0 {
			continue
		}

		log.Printf("[ConsistencyReconciler] 【严重】席位账目不一致，冻结赛事待人工核对: "+
			"tournamentNo=%s, capacity=%d, remaining=%d, active=%d",
			t.TournamentNo, t.Capacity, t.Remaining, activeCount)

		if err := r.tournamentRepo.Freeze(ctx, t.TournamentNo); err != nil {
			log.Printf("[ConsistencyReconciler] 冻结赛事失败: tournamentNo=%s, err=%v", t.TournamentNo, err)
		}
	}
}

func (r *ConsistencyReconciler) checkNegativeBalance(ctx context.Context) {
	accounts, err := r.accountRepo.FindNegativeBalance(ctx, r.batchSize)
	if err != nil {
		log.Printf("[ConsistencyReconciler] 查询异常账户失败: %v", err)
		return
	}

	for _, account := range accounts {
		log.Printf("[ConsistencyReconciler] 【严重】账户余额为负，冻结账户待人工核对: userID=%d, balance=%d",
			account.UserID, account.Balance)

		if err := r.accountRepo.Freeze(ctx, account.UserID); err != nil {
			log.Printf("[ConsistencyReconciler] 冻结账户失败: userID=%d, err=%v", account.UserID, err)
		}
	}
}
