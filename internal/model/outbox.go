package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 事务性发件箱
// 结算单终态变更的下游通知和本地状态变更在同一个事务里落库，
// 由后台任务异步投递到 Kafka，保证本地事务与消息发送的最终一致
type OutboxMessage struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string     `gorm:"type:varchar(64);not null" json:"message_key"` // 结算单号，保证同单消息有序
	Topic      string     `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string     `gorm:"type:text;not null" json:"payload"`
	Status     string     `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int        `gorm:"not null;default:0" json:"retry_count"`
	SentAt     *time.Time `json:"sent_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
