package repository

import (
	"context"
	"errors"
	"time"

	"settlepay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrEventAlreadyExists = errors.New("事件已接收过")

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Insert 落库回调事件
// (provider, event_id) 唯一索引 + DoNothing：同一事件重复投递时
// RowsAffected == 0，返回 ErrEventAlreadyExists，调用方直接应答 200
func (r *WebhookEventRepository) Insert(ctx context.Context, event *model.WebhookEvent) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventAlreadyExists
	}
	return nil
}

func (r *WebhookEventRepository) Get(ctx context.Context, providerName, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", providerName, eventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *WebhookEventRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if status == model.WebhookEventStatusProcessed || status == model.WebhookEventStatusIgnored {
		now := time.Now()
		updates["processed_at"] = &now
	}
	return r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *WebhookEventRepository) MarkFailed(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.WebhookEventStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

// GetFailedEvents 查处理失败的事件，交给补偿任务重放
func (r *WebhookEventRepository) GetFailedEvents(ctx context.Context, maxRetry, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", model.WebhookEventStatusFailed, maxRetry).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
