package model

import (
	"time"
)

// ============================================================================
// 钱包流水类型常量
// ============================================================================

const (
	TransactionTypeDeposit  = "DEPOSIT"   // 充值
	TransactionTypeWithdraw = "WITHDRAW"  // 提现
	TransactionTypeEntryFee = "ENTRY_FEE" // 报名费扣款
	TransactionTypeRefund   = "REFUND"    // 退赛退款
)

// ============================================================================
// 钱包流水实体
// ============================================================================

// WalletTransaction 钱包流水表
// 记录账户的每一笔资金变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. request_no 全局唯一 —— 同一幂等键重放不会产生第二条流水
// 3. 记录交易前后余额 —— 便于校验余额一致性
type WalletTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	RequestNo     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_no"`     // 幂等键，调用方生成
	UserID        int64     `gorm:"index;not null" json:"user_id"`                               // 用户ID
	Amount        int64     `gorm:"not null" json:"amount"`                                      // 金额（正数入账，负数出账）
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`                       // 交易类型
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`                              // 交易前余额
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                               // 交易后余额
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`                             // 备注
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}
