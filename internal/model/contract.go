package model

import (
	"time"
)

const (
	ContractStatusActive    = "ACTIVE"    // 进行中，可发起结算
	ContractStatusCompleted = "COMPLETED" // 已完成，可发起结算
	ContractStatusClosed    = "CLOSED"    // 已关闭，不可结算
)

// Contract 合同（外部协作方数据，本系统只读）
// 合同/接单流程由上游系统维护，这里只保留结算需要的字段
type Contract struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ContractNo    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"contract_no"`
	GigNo         string    `gorm:"type:varchar(64)" json:"gig_no"`
	PayerID       int64     `gorm:"index;not null" json:"payer_id"`
	PayeeID       int64     `gorm:"index;not null" json:"payee_id"`
	ServiceAmount int64     `gorm:"not null" json:"service_amount"`
	Currency      string    `gorm:"type:varchar(8);not null" json:"currency"`
	Status        string    `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contract) TableName() string {
	return "contract"
}

// IsPayable 合同当前是否允许发起结算
func (c *Contract) IsPayable() bool {
	return c.Status == ContractStatusActive || c.Status == ContractStatusCompleted
}
