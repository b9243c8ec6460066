package model

import (
	"time"
)

const (
	WebhookEventStatusReceived  = "RECEIVED"  // 已落库，等待处理
	WebhookEventStatusProcessed = "PROCESSED" // 已成功应用到结算单
	WebhookEventStatusIgnored   = "IGNORED"   // 未知事件类型或重复事件，确认后忽略
	WebhookEventStatusFailed    = "FAILED"    // 处理失败，等待补偿任务重试
)

// WebhookEvent 渠道回调事件表
// 验签通过后先落库再应答 200（渠道在非 2xx 时会重试投递），
// (provider, event_id) 唯一索引保证同一事件只落库一次
type WebhookEvent struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider    string     `gorm:"type:varchar(16);uniqueIndex:uk_provider_event;not null" json:"provider"`
	EventID     string     `gorm:"type:varchar(128);uniqueIndex:uk_provider_event;not null" json:"event_id"`
	EventKind   string     `gorm:"type:varchar(32);index;not null" json:"event_kind"` // 归一化后的事件类型
	PaymentNo   string     `gorm:"type:varchar(64);index" json:"payment_no"`
	Payload     string     `gorm:"type:text;not null" json:"payload"` // 原始报文，留作审计
	Status      string     `gorm:"type:varchar(16);index;not null;default:RECEIVED" json:"status"`
	RetryCount  int        `gorm:"not null;default:0" json:"retry_count"`
	ReceivedAt  time.Time  `gorm:"autoCreateTime;index" json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
