package model

import (
	"time"
)

const (
	ProviderAccountStatusActive  = "ACTIVE"
	ProviderAccountStatusInvalid = "INVALID"
)

// ProviderAccount 用户在支付渠道开通的收付款账户
// 发起结算前双方都必须有可用的渠道账户；渠道返回账户失效时清空引用，
// 强制用户重新绑定，避免对失效账户反复重试
type ProviderAccount struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64     `gorm:"uniqueIndex:uk_user_provider;not null" json:"user_id"`
	Provider   string    `gorm:"type:varchar(16);uniqueIndex:uk_user_provider;not null" json:"provider"`
	AccountRef string    `gorm:"type:varchar(128)" json:"account_ref"` // 渠道侧账户ID，失效后置空
	Status     string    `gorm:"type:varchar(16);not null;default:ACTIVE" json:"status"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProviderAccount) TableName() string {
	return "provider_account"
}
