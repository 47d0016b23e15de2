package model

import (
	"time"
)

const (
	EnrollStatusPending   = "PENDING"   // 席位已预留，等待扣费确认
	EnrollStatusConfirmed = "CONFIRMED" // 报名成功，席位生效
	EnrollStatusFailed    = "FAILED"    // 报名失败（扣费失败/超时），席位已释放
	EnrollStatusCancelled = "CANCELLED" // 主动退赛，席位已释放
)

// ValidEnrollTransitions 报名单状态机
//
// PENDING 是唯一的中间态：一张 PENDING 报名单对应一个被预留的席位，
// 它最终必须走向 CONFIRMED 或 FAILED，否则席位就泄漏了。
var ValidEnrollTransitions = map[string][]string{
	EnrollStatusPending:   {EnrollStatusConfirmed, EnrollStatusFailed},
	EnrollStatusConfirmed: {EnrollStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidEnrollTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ActiveEnrollStatuses 占用席位的状态集合
var ActiveEnrollStatuses = []string{EnrollStatusPending, EnrollStatusConfirmed}

// Enrollment 报名单表
// 一条报名单对应一个用户在一个赛事中的一个席位
//
// 【关键点】active_flag 是"一人一席"的数据库兜底：
// 占用席位（PENDING/CONFIRMED）时恒为 1，到终态置 NULL。
// (tournament_no, user_id, active_flag) 上的唯一索引保证同一用户在
// 同一赛事最多一条占席报名单——NULL 彼此不冲突，历史记录可以任意多条。
// 分布式锁只是挡并发的快路径，锁过期或 Redis 故障时由这条索引兜住。
type Enrollment struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EnrollNo      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"enroll_no"`                          // 报名单号（全局唯一）
	RequestNo     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_no"`                         // 幂等键，客户端生成
	TournamentNo  string     `gorm:"type:varchar(64);index;not null;uniqueIndex:uk_active_seat" json:"tournament_no"` // 赛事编号
	UserID        int64      `gorm:"index;not null;uniqueIndex:uk_active_seat" json:"user_id"`                        // 用户ID
	EntryFee      int64      `gorm:"not null;default:0" json:"entry_fee"`                                             // 下单时的报名费快照
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`                                   // 报名单状态
	ActiveFlag    *uint8     `gorm:"uniqueIndex:uk_active_seat" json:"-"`                                             // 占席标记，终态为 NULL
	TransactionNo string     `gorm:"type:varchar(64)" json:"transaction_no,omitempty"`                                // 关联的扣费流水号，免费赛事为空
	FailReason    string     `gorm:"type:varchar(128)" json:"fail_reason,omitempty"`                                  // 失败原因
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ActiveFlag 占席标记的取值，创建报名单时使用
func ActiveFlag() *uint8 {
	v := uint8(1)
	return &v
}

func (Enrollment) TableName() string {
	return "enrollment"
}
