package handler

import (
	"errors"
	"strconv"
	"time"

	"arena/internal/config"
	"arena/internal/repository"
	"arena/internal/service"
	"arena/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	walletService     *service.WalletService
	tournamentService *service.TournamentService
	enrollService     *service.EnrollService
	quitService       *service.QuitService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		walletService:     service.NewWalletService(db, cfg),
		tournamentService: service.NewTournamentService(db, cfg),
		enrollService:     service.NewEnrollService(db, rdb, cfg),
		quitService:       service.NewQuitService(db, rdb, cfg),
	}
}

// writeError 业务错误到响应码的映射
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrTournamentNotFound):
		response.BusinessError(c, response.CodeTournamentNotFound, err.Error())
	case errors.Is(err, repository.ErrTournamentFull):
		response.BusinessError(c, response.CodeTournamentFull, err.Error())
	case errors.Is(err, repository.ErrTournamentFrozen):
		response.BusinessError(c, response.CodeTournamentFrozen, err.Error())
	case errors.Is(err, repository.ErrTournamentNotJoinable),
		errors.Is(err, repository.ErrTournamentNotDraft):
		response.BusinessError(c, response.CodeBusinessError, err.Error())
	case errors.Is(err, repository.ErrAlreadyEnrolled):
		response.BusinessError(c, response.CodeAlreadyEnrolled, err.Error())
	case errors.Is(err, repository.ErrBalanceNotEnough):
		response.BusinessError(c, response.CodeBalanceNotEnough, err.Error())
	case errors.Is(err, repository.ErrAccountFrozen):
		response.BusinessError(c, response.CodeAccountFrozen, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeNotFound, err.Error())
	case errors.Is(err, repository.ErrEnrollmentNotFound):
		response.BusinessError(c, response.CodeEnrollNotFound, err.Error())
	case errors.Is(err, repository.ErrEnrollStatusInvalid):
		response.BusinessError(c, response.CodeEnrollStatusInvalid, err.Error())
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidCapacity),
		errors.Is(err, service.ErrInvalidEntryFee),
		errors.Is(err, service.ErrCredentialsImmutable):
		response.ParamError(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/wallet/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	account, err := h.walletService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": account.UserID,
		"balance": account.Balance,
		"status":  account.Status,
	})
}

// DepositRequest 充值请求
type DepositRequest struct {
	RequestNo string `json:"request_no" binding:"required"` // 幂等键
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

// Deposit 充值接口（简化版，实际应该走支付渠道）
// POST /api/v1/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.walletService.Deposit(c.Request.Context(), req.UserID, req.Amount, req.RequestNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_no": trans.TransactionNo,
		"balance_after":  trans.BalanceAfter,
	})
}

// WithdrawRequest 提现请求
type WithdrawRequest struct {
	RequestNo string `json:"request_no" binding:"required"` // 幂等键
	UserID    int64  `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
}

// Withdraw 提现
// POST /api/v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.walletService.Withdraw(c.Request.Context(), req.UserID, req.Amount, req.RequestNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_no": trans.TransactionNo,
		"balance_after":  trans.BalanceAfter,
	})
}

// ListTransactions 查询用户资金流水
// GET /api/v1/wallet/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.walletService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 赛事相关接口
// ============================================================

// CreateTournamentRequest 创建赛事请求
type CreateTournamentRequest struct {
	Title        string    `json:"title" binding:"required"`
	Game         string    `json:"game" binding:"required"`
	Capacity     int       `json:"capacity" binding:"required,gt=0"`
	EntryFee     int64     `json:"entry_fee" binding:"gte=0"` // 0 表示免费赛事
	RoomID       string    `json:"room_id"`
	RoomPassword string    `json:"room_password"`
	StartAt      time.Time `json:"start_at" binding:"required"`
}

// CreateTournament 创建赛事（草稿态）
// POST /api/v1/tournament/create
func (h *Handler) CreateTournament(c *gin.Context) {
	var req CreateTournamentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	tournament, err := h.tournamentService.CreateTournament(c.Request.Context(), &service.CreateTournamentRequest{
		Title:        req.Title,
		Game:         req.Game,
		Capacity:     req.Capacity,
		EntryFee:     req.EntryFee,
		RoomID:       req.RoomID,
		RoomPassword: req.RoomPassword,
		StartAt:      req.StartAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"tournament_no": tournament.TournamentNo,
		"status":        tournament.Status,
	})
}

// UpdateTournamentRequest 编辑赛事请求
type UpdateTournamentRequest struct {
	TournamentNo string     `json:"tournament_no" binding:"required"`
	Title        string     `json:"title"`
	Game         string     `json:"game"`
	EntryFee     *int64     `json:"entry_fee"`
	RoomID       string     `json:"room_id"`
	RoomPassword string     `json:"room_password"`
	StartAt      *time.Time `json:"start_at"`
}

// UpdateTournament 编辑草稿赛事
// POST /api/v1/tournament/update
func (h *Handler) UpdateTournament(c *gin.Context) {
	var req UpdateTournamentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.tournamentService.UpdateTournament(c.Request.Context(), req.TournamentNo, &service.UpdateTournamentRequest{
		Title:        req.Title,
		Game:         req.Game,
		EntryFee:     req.EntryFee,
		RoomID:       req.RoomID,
		RoomPassword: req.RoomPassword,
		StartAt:      req.StartAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "更新成功",
	})
}

// PublishTournament 发布赛事，开放报名
// POST /api/v1/tournament/publish
func (h *Handler) PublishTournament(c *gin.Context) {
	var req struct {
		TournamentNo string `json:"tournament_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.tournamentService.PublishTournament(c.Request.Context(), req.TournamentNo); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "赛事已发布",
	})
}

// CloseTournament 结束赛事，停止报名
// POST /api/v1/tournament/close
func (h *Handler) CloseTournament(c *gin.Context) {
	var req struct {
		TournamentNo string `json:"tournament_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.tournamentService.CloseTournament(c.Request.Context(), req.TournamentNo); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "赛事已结束",
	})
}

// DeleteTournament 删除草稿赛事
// POST /api/v1/tournament/delete
func (h *Handler) DeleteTournament(c *gin.Context) {
	var req struct {
		TournamentNo string `json:"tournament_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.tournamentService.DeleteTournament(c.Request.Context(), req.TournamentNo); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "赛事已删除",
	})
}

// GetTournament 查询赛事详情
// GET /api/v1/tournament/detail?tournament_no=xxx
func (h *Handler) GetTournament(c *gin.Context) {
	tournamentNo := c.Query("tournament_no")
	if tournamentNo == "" {
		response.ParamError(c, "tournament_no 参数不能为空")
		return
	}

	tournament, err := h.tournamentService.GetTournament(c.Request.Context(), tournamentNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, tournament)
}

// ListTournaments 查询赛事列表
// GET /api/v1/tournament/list?game=xxx&status=xxx&page=1&page_size=10
func (h *Handler) ListTournaments(c *gin.Context) {
	game := c.Query("game")
	status := c.Query("status")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	tournaments, total, err := h.tournamentService.ListTournaments(c.Request.Context(), game, status, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      tournaments,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 报名相关接口
// ============================================================

// Join 报名
// POST /api/v1/enroll/join
//
// 【关键点】报名是整个系统最核心的操作，需要保证：
// 1. 幂等性：相同的 request_no 只会报名一次
// 2. 容量精确：已发布赛事的席位绝不超卖
// 3. 资金安全：席位确认和报名费扣款要么都生效，要么都回退
func (h *Handler) Join(c *gin.Context) {
	var req service.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.enrollService.Join(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// Quit 退赛
// POST /api/v1/enroll/quit
//
// 只支持已报名成功的报名单退赛，报名费全额退回
func (h *Handler) Quit(c *gin.Context) {
	var req service.QuitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.quitService.Quit(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// GetEnrollment 查询报名单详情
// GET /api/v1/enroll/detail?enroll_no=xxx
func (h *Handler) GetEnrollment(c *gin.Context) {
	enrollNo := c.Query("enroll_no")
	if enrollNo == "" {
		response.ParamError(c, "enroll_no 参数不能为空")
		return
	}

	enrollment, err := h.enrollService.GetEnrollment(c.Request.Context(), enrollNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, enrollment)
}

// ListEnrollments 查询用户报名列表
// GET /api/v1/enroll/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListEnrollments(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	enrollments, total, err := h.enrollService.ListUserEnrollments(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      enrollments,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
