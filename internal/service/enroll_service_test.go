package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"arena/internal/model"
	"arena/internal/repository"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type enrollFixture struct {
	db            *gorm.DB
	mock          redismock.ClientMock
	enrollSvc     *EnrollService
	quitSvc       *QuitService
	walletSvc     *WalletService
	tournamentSvc *TournamentService
}

func newEnrollFixture(t *testing.T) *enrollFixture {
	t.Helper()

	db := newTestDB(t)
	cfg := newTestConfig()

	redisClient, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(false)

	return &enrollFixture{
		db:            db,
		mock:          mock,
		enrollSvc:     NewEnrollService(db, redisClient, cfg),
		quitSvc:       NewQuitService(db, redisClient, cfg),
		walletSvc:     NewWalletService(db, cfg),
		tournamentSvc: NewTournamentService(db, cfg),
	}
}

// expectJoinLock 允许一次报名加锁成功，解锁脚本的返回值不影响流程
func (f *enrollFixture) expectJoinLock(tournamentNo string, userID int64, requestNo string) {
	key := fmt.Sprintf("enroll:lock:t:%s:u:%d", tournamentNo, userID)
	f.mock.ExpectSetNX(key, requestNo, 30*time.Second).SetVal(true)
}

func (f *enrollFixture) expectQuitLock(enrollNo, requestNo string) {
	key := fmt.Sprintf("enroll:lock:quit:%s", enrollNo)
	f.mock.ExpectSetNX(key, requestNo, 30*time.Second).SetVal(true)
}

func (f *enrollFixture) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := f.walletSvc.Deposit(context.Background(), userID, amount,
		fmt.Sprintf("req-fund-%d", userID))
	require.NoError(t, err)
}

func (f *enrollFixture) remaining(t *testing.T, tournamentNo string) int {
	t.Helper()
	got, err := f.tournamentSvc.GetTournament(context.Background(), tournamentNo)
	require.NoError(t, err)
	return got.Remaining
}

func TestJoinSuccess(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)
	f.expectJoinLock(tournament.TournamentNo, 1001, "req-join-1")

	resp, err := f.enrollSvc.Join(ctx, &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EnrollStatusConfirmed, resp.Status)
	// 报名成功才下发房间凭据
	assert.Equal(t, "room-8821", resp.RoomID)
	assert.Equal(t, "pass-1234", resp.RoomPassword)

	assert.Equal(t, 15, f.remaining(t, tournament.TournamentNo))

	balance, err := f.walletSvc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), balance)

	var trans model.WalletTransaction
	require.NoError(t, f.db.Where("request_no = ?", "req-join-1").First(&trans).Error)
	assert.Equal(t, model.TransactionTypeEntryFee, trans.Type)
	assert.Equal(t, int64(-5000), trans.Amount)

	var enrollment model.Enrollment
	require.NoError(t, f.db.Where("enroll_no = ?", resp.EnrollNo).First(&enrollment).Error)
	assert.Equal(t, trans.TransactionNo, enrollment.TransactionNo)
	assert.Equal(t, int64(5000), enrollment.EntryFee)

	// 报名结果通知随确认事务落入发件箱
	var outboxCount int64
	f.db.Model(&model.OutboxMessage{}).Where("topic = ?", "arena.enroll.result").Count(&outboxCount)
	assert.Equal(t, int64(1), outboxCount)
}

// 余额不足：席位先占后还，报名单 FAILED，不留扣费流水
func TestJoinInsufficientBalance(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 3000)
	f.expectJoinLock(tournament.TournamentNo, 1001, "req-join-1")

	_, err := f.enrollSvc.Join(ctx, &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	})
	assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)

	// 席位已释放
	assert.Equal(t, 16, f.remaining(t, tournament.TournamentNo))

	var enrollment model.Enrollment
	require.NoError(t, f.db.Where("request_no = ?", "req-join-1").First(&enrollment).Error)
	assert.Equal(t, model.EnrollStatusFailed, enrollment.Status)
	assert.NotEmpty(t, enrollment.FailReason)

	balance, err := f.walletSvc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)

	var count int64
	f.db.Model(&model.WalletTransaction{}).Where("request_no = ?", "req-join-1").Count(&count)
	assert.Equal(t, int64(0), count)

	// 失败终态重放，返回当时的失败结果，不再进报名流程
	resp, err := f.enrollSvc.Join(ctx, &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EnrollStatusFailed, resp.Status)
	assert.Equal(t, 16, f.remaining(t, tournament.TournamentNo))
}

// 幂等重放：同一 request_no 只占一个席位、只扣一次钱
func TestJoinIdempotentReplay(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)
	f.expectJoinLock(tournament.TournamentNo, 1001, "req-join-1")

	req := &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	}

	first, err := f.enrollSvc.Join(ctx, req)
	require.NoError(t, err)

	replay, err := f.enrollSvc.Join(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.EnrollNo, replay.EnrollNo)
	assert.Equal(t, model.EnrollStatusConfirmed, replay.Status)
	assert.Equal(t, "room-8821", replay.RoomID)

	assert.Equal(t, 15, f.remaining(t, tournament.TournamentNo))

	balance, err := f.walletSvc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), balance)
}

// 容量耗尽：2 个席位 3 个用户，第三个拿到"席位已满"
func TestJoinCapacityExhausted(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 2, 5000)

	succeeded, full := 0, 0
	for i := 0; i < 3; i++ {
		userID := int64(3001 + i)
		requestNo := fmt.Sprintf("req-join-%d", i)
		f.fund(t, userID, 10000)
		f.expectJoinLock(tournament.TournamentNo, userID, requestNo)

		_, err := f.enrollSvc.Join(ctx, &JoinRequest{
			RequestNo:    requestNo,
			TournamentNo: tournament.TournamentNo,
			UserID:       userID,
		})
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, repository.ErrTournamentFull)
			full++
		}
	}

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, full)
	assert.Equal(t, 0, f.remaining(t, tournament.TournamentNo))
}

// 免费赛事：不开户、不扣费，直接确认
func TestJoinFreeTournament(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 0)
	f.expectJoinLock(tournament.TournamentNo, 1001, "req-join-1")

	resp, err := f.enrollSvc.Join(ctx, &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EnrollStatusConfirmed, resp.Status)
	assert.Equal(t, 15, f.remaining(t, tournament.TournamentNo))

	var transCount int64
	f.db.Model(&model.WalletTransaction{}).Count(&transCount)
	assert.Equal(t, int64(0), transCount)

	var accountCount int64
	f.db.Model(&model.Account{}).Count(&accountCount)
	assert.Equal(t, int64(0), accountCount)

	var enrollment model.Enrollment
	require.NoError(t, f.db.Where("enroll_no = ?", resp.EnrollNo).First(&enrollment).Error)
	assert.Empty(t, enrollment.TransactionNo)
}

// 同一用户换幂等键重复报名被拒，席位只占一个
func TestJoinDuplicateUserRejected(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)
	f.expectJoinLock(tournament.TournamentNo, 1001, "req-join-1")
	f.expectJoinLock(tournament.TournamentNo, 1001, "req-join-2")

	_, err := f.enrollSvc.Join(ctx, &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	})
	require.NoError(t, err)

	_, err = f.enrollSvc.Join(ctx, &JoinRequest{
		RequestNo:    "req-join-2",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	})
	assert.ErrorIs(t, err, repository.ErrAlreadyEnrolled)

	assert.Equal(t, 15, f.remaining(t, tournament.TournamentNo))
}

// 崩溃恢复：扣费已提交但确认没来得及做，重放接着把报名走完，不会扣第二次
func TestJoinResumesAfterCrash(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)

	// 手工复现崩溃现场：席位已预留、费用已扣、报名单停在 PENDING
	enrollment, err := f.tournamentSvc.TryReserveSeat(ctx, tournament.TournamentNo, 1001, "req-join-1")
	require.NoError(t, err)
	_, err = f.walletSvc.DebitFee(ctx, 1001, 5000, "req-join-1", "报名费")
	require.NoError(t, err)

	resp, err := f.enrollSvc.Join(ctx, &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: tournament.TournamentNo,
		UserID:       1001,
	})
	require.NoError(t, err)
	assert.Equal(t, enrollment.EnrollNo, resp.EnrollNo)
	assert.Equal(t, model.EnrollStatusConfirmed, resp.Status)

	// 只扣了一次钱
	balance, err := f.walletSvc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), balance)

	var count int64
	f.db.Model(&model.WalletTransaction{}).Where("request_no = ?", "req-join-1").Count(&count)
	assert.Equal(t, int64(1), count)

	assert.Equal(t, 15, f.remaining(t, tournament.TournamentNo))
}

func TestJoinTournamentNotFound(t *testing.T) {
	f := newEnrollFixture(t)

	f.mock.ExpectSetNX("enroll:lock:t:TNM_NOT_EXIST:u:1001", "req-join-1", 30*time.Second).SetVal(true)

	_, err := f.enrollSvc.Join(context.Background(), &JoinRequest{
		RequestNo:    "req-join-1",
		TournamentNo: "TNM_NOT_EXIST",
		UserID:       1001,
	})
	assert.ErrorIs(t, err, repository.ErrTournamentNotFound)
}

// ============================================================
// 退赛
// ============================================================

func (f *enrollFixture) joinConfirmed(t *testing.T, tournamentNo string, userID int64, requestNo string) *JoinResponse {
	t.Helper()

	f.expectJoinLock(tournamentNo, userID, requestNo)
	resp, err := f.enrollSvc.Join(context.Background(), &JoinRequest{
		RequestNo:    requestNo,
		TournamentNo: tournamentNo,
		UserID:       userID,
	})
	require.NoError(t, err)
	require.Equal(t, model.EnrollStatusConfirmed, resp.Status)
	return resp
}

func TestQuitRefundsAndReleasesSeat(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)
	joined := f.joinConfirmed(t, tournament.TournamentNo, 1001, "req-join-1")

	f.expectQuitLock(joined.EnrollNo, "req-quit-1")
	resp, err := f.quitSvc.Quit(ctx, &QuitRequest{
		RequestNo: "req-quit-1",
		EnrollNo:  joined.EnrollNo,
		UserID:    1001,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EnrollStatusCancelled, resp.Status)
	assert.Equal(t, int64(5000), resp.RefundAmount)

	// 席位回来了
	assert.Equal(t, 16, f.remaining(t, tournament.TournamentNo))

	// 钱也回来了，退款流水类型为 REFUND
	balance, err := f.walletSvc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance)

	var refund model.WalletTransaction
	require.NoError(t, f.db.Where("request_no = ?", "req-quit-1").First(&refund).Error)
	assert.Equal(t, model.TransactionTypeRefund, refund.Type)
	assert.Equal(t, int64(5000), refund.Amount)

	// 退赛后可以重新报名
	f.joinConfirmed(t, tournament.TournamentNo, 1001, "req-join-2")
	assert.Equal(t, 15, f.remaining(t, tournament.TournamentNo))
}

func TestQuitIdempotent(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)
	joined := f.joinConfirmed(t, tournament.TournamentNo, 1001, "req-join-1")

	f.expectQuitLock(joined.EnrollNo, "req-quit-1")
	_, err := f.quitSvc.Quit(ctx, &QuitRequest{
		RequestNo: "req-quit-1", EnrollNo: joined.EnrollNo, UserID: 1001,
	})
	require.NoError(t, err)

	// 已 CANCELLED 的报名单重复退赛直接返回，不再退第二次款
	resp, err := f.quitSvc.Quit(ctx, &QuitRequest{
		RequestNo: "req-quit-2", EnrollNo: joined.EnrollNo, UserID: 1001,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EnrollStatusCancelled, resp.Status)

	balance, err := f.walletSvc.GetBalance(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance)
	assert.Equal(t, 16, f.remaining(t, tournament.TournamentNo))
}

func TestQuitRejectsWrongUserAndBadStatus(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)
	joined := f.joinConfirmed(t, tournament.TournamentNo, 1001, "req-join-1")

	// 别人的报名单退不了
	_, err := f.quitSvc.Quit(ctx, &QuitRequest{
		RequestNo: "req-quit-1", EnrollNo: joined.EnrollNo, UserID: 2002,
	})
	assert.ErrorIs(t, err, repository.ErrEnrollmentNotFound)

	// PENDING 报名单退不了
	pending, err := f.tournamentSvc.TryReserveSeat(ctx, tournament.TournamentNo, 3003, "req-join-3")
	require.NoError(t, err)
	_, err = f.quitSvc.Quit(ctx, &QuitRequest{
		RequestNo: "req-quit-2", EnrollNo: pending.EnrollNo, UserID: 3003,
	})
	assert.ErrorIs(t, err, repository.ErrEnrollStatusInvalid)
}

// 退款流水的余额快照必须与账户的实际变更严格对应：
// 入账走版本号校验，中间插进来的充值不会让快照错位
func TestQuitRefundSnapshotMatchesBalance(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tournament := createPublishedTournament(t, f.tournamentSvc, 16, 5000)
	f.fund(t, 1001, 20000)
	joined := f.joinConfirmed(t, tournament.TournamentNo, 1001, "req-join-1")

	// 报名后又充了一笔，退款前余额是 15000 + 7000
	_, err := f.walletSvc.Deposit(ctx, 1001, 7000, "req-fund-extra")
	require.NoError(t, err)

	var before model.Account
	require.NoError(t, f.db.Where("user_id = ?", 1001).First(&before).Error)

	f.expectQuitLock(joined.EnrollNo, "req-quit-1")
	_, err = f.quitSvc.Quit(ctx, &QuitRequest{
		RequestNo: "req-quit-1", EnrollNo: joined.EnrollNo, UserID: 1001,
	})
	require.NoError(t, err)

	var refund model.WalletTransaction
	require.NoError(t, f.db.Where("request_no = ?", "req-quit-1").First(&refund).Error)
	assert.Equal(t, int64(22000), refund.BalanceBefore)
	assert.Equal(t, int64(27000), refund.BalanceAfter)

	var after model.Account
	require.NoError(t, f.db.Where("user_id = ?", 1001).First(&after).Error)
	assert.Equal(t, refund.BalanceAfter, after.Balance)
	// 入账推进了版本号
	assert.Equal(t, before.Version+1, after.Version)
}

// 失败原因是中文，截断必须落在字符边界上，不能切出半个字
func TestTruncateReasonKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("余额不足", 50) // 200 个字符，600 字节

	got := truncateReason(long)
	assert.Equal(t, maxFailReasonRunes, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasPrefix(long, got))

	short := "余额不足"
	assert.Equal(t, short, truncateReason(short))
}
