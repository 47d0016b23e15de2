package model

import (
	"time"
)

const (
	AccountStatusNormal = "NORMAL"
	AccountStatusFrozen = "FROZEN" // 对账发现余额异常时冻结，待人工处理
)

// Account 用户钱包账户表
// 余额以最小货币单位（派萨）存储，全程整数运算
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`                    // 用户ID，业务方传入
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                      // 可用余额，任何时刻 >= 0
	Version   int       `gorm:"not null;default:0" json:"version"`                      // 乐观锁版本号
	Status    string    `gorm:"type:varchar(20);not null;default:NORMAL" json:"status"` // 账户状态
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
