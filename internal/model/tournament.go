package model

import (
	"time"
)

const (
	TournamentStatusDraft     = "DRAFT"     // 草稿，管理员可编辑，不可报名
	TournamentStatusPublished = "PUBLISHED" // 已发布，开放报名
	TournamentStatusClosed    = "CLOSED"    // 已结束
	TournamentStatusFrozen    = "FROZEN"    // 对账发现席位不一致时冻结，停止一切变更
)

// Tournament 赛事表
//
// capacity 创建后不可变；remaining 只能由席位预留/释放路径修改，
// 任何时刻满足 0 <= remaining <= capacity。
// room_id / room_password 是赛事的私密房间凭据，仅对已报名成功的用户下发，
// 一旦设置不再变更。
type Tournament struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TournamentNo string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"tournament_no"` // 赛事编号（全局唯一）
	Title        string     `gorm:"type:varchar(128);not null" json:"title"`
	Game         string     `gorm:"type:varchar(64);index;not null" json:"game"` // 游戏名，如 BGMI、FreeFire
	Capacity     int        `gorm:"not null" json:"capacity"`                    // 总席位数，创建时固定
	Remaining    int        `gorm:"not null" json:"remaining"`                   // 剩余席位数
	EntryFee     int64      `gorm:"not null;default:0" json:"entry_fee"`         // 报名费（派萨），0 表示免费
	RoomID       string     `gorm:"type:varchar(64)" json:"-"`                   // 房间号，凭据不随列表下发
	RoomPassword string     `gorm:"type:varchar(64)" json:"-"`                   // 房间密码
	Status       string     `gorm:"type:varchar(20);index;not null;default:DRAFT" json:"status"`
	Version      int        `gorm:"not null;default:0" json:"version"`
	StartAt      time.Time  `gorm:"not null" json:"start_at"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Tournament) TableName() string {
	return "tournament"
}

// Joinable 是否处于可报名状态
func (t *Tournament) Joinable() bool {
	return t.Status == TournamentStatusPublished
}
