package repository

import (
	"context"
	"errors"
	"time"

	"settlepay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound = errors.New("结算单不存在")
	ErrStatusConflict  = errors.New("结算单状态不允许该操作")
	ErrDuplicateIntent = errors.New("该合同已存在结算单")
	ErrOptimisticLock  = errors.New("并发冲突，请重试")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, record *model.PaymentRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

func (r *PaymentRepository) GetByPaymentNo(ctx context.Context, paymentNo string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := r.db.WithContext(ctx).Where("payment_no = ?", paymentNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetByContractRef 查合同对应的结算单（每个合同至多一张非提现结算单）
func (r *PaymentRepository) GetByContractRef(ctx context.Context, contractRef string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("contract_ref = ? AND record_type = ?", contractRef, model.RecordTypePayment).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetByExternalRef 按渠道主交易ID定位结算单（确认接口、回调事件入口）
// providerName 为空时不限定渠道（客户端确认接口只有交易ID）
func (r *PaymentRepository) GetByExternalRef(ctx context.Context, providerName, externalRef string) (*model.PaymentRecord, error) {
	query := r.db.WithContext(ctx).Where("external_ref = ?", externalRef)
	if providerName != "" {
		query = query.Where("provider = ?", providerName)
	}

	var record model.PaymentRecord
	err := query.First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &record, nil
}

// UpdateStatus 状态机转移（CAS）
//
// 【关键点】WHERE 同时带上旧状态和版本号，RowsAffected == 0 说明
// 有并发写者抢先完成了转移，调用方必须重读记录后决定是幂等返回还是报错，
// 绝不能直接覆盖写 —— 这是防止重复入账的最后一道闸
func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, paymentNo, fromStatus, toStatus string, version int) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrStatusConflict
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":  toStatus,
		"version": gorm.Expr("version + 1"),
	}

	now := time.Now()
	switch toStatus {
	case model.StatusSucceeded:
		updates["succeeded_at"] = &now
	case model.StatusRefunded:
		updates["refunded_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("payment_no = ? AND status = ? AND version = ?", paymentNo, fromStatus, version).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// SetExternalRefs 写入渠道引用（开单、退款、出款后回填）
func (r *PaymentRepository) SetExternalRefs(ctx context.Context, tx *gorm.DB, paymentNo, externalRef string, refs model.ExternalRefMap) error {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"external_refs": refs,
	}
	if externalRef != "" {
		updates["external_ref"] = externalRef
	}
	return tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("payment_no = ?", paymentNo).
		Updates(updates).Error
}

// SetFailureCode 记录渠道返回的不可重试错误码
func (r *PaymentRepository) SetFailureCode(ctx context.Context, tx *gorm.DB, paymentNo, code string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("payment_no = ?", paymentNo).
		Update("failure_code", code).Error
}

// MarkEventProcessed 记录最近一次成功应用的渠道事件ID
// 必须和状态转移在同一个事务里提交，保证"应用事件"和"记录事件"原子
func (r *PaymentRepository) MarkEventProcessed(ctx context.Context, tx *gorm.DB, paymentNo, eventID string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("payment_no = ?", paymentNo).
		Update("last_processed_event_id", eventID).Error
}

// GetInFlightRecords 查长时间停留在中间态的结算单，交给补偿任务向渠道轮询
func (r *PaymentRepository) GetInFlightRecords(ctx context.Context, beforeTime time.Time, limit int) ([]*model.PaymentRecord, error) {
	var records []*model.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{model.StatusProcessing, model.StatusRefundPending}, beforeTime).
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *PaymentRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentRecord, int64, error) {
	var records []*model.PaymentRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentRecord{}).
		Where("payer_id = ? OR payee_id = ?", userID, userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

// ============================================================
// 余额账本聚合
// ============================================================

// SumReceived 用户在某渠道的累计到账：succeeded 收款单的 amount_received_by_payee 之和
func (r *PaymentRepository) SumReceived(ctx context.Context, tx *gorm.DB, userID int64, providerName string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Select("COALESCE(SUM(amount_received_by_payee), 0)").
		Where("payee_id = ? AND provider = ? AND record_type = ? AND status = ?",
			userID, providerName, model.RecordTypePayment, model.StatusSucceeded).
		Scan(&sum).Error
	return sum, err
}

// SumWithdrawn 用户在某渠道的累计提现：processing/succeeded 提现单之和
// processing 的提现也要占用余额，否则渠道确认前的窗口期会被重复提取
func (r *PaymentRepository) SumWithdrawn(ctx context.Context, tx *gorm.DB, userID int64, providerName string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Select("COALESCE(SUM(service_amount), 0)").
		Where("payer_id = ? AND provider = ? AND record_type = ? AND status IN ?",
			userID, providerName, model.RecordTypeWithdrawal,
			[]string{model.StatusProcessing, model.StatusSucceeded}).
		Scan(&sum).Error
	return sum, err
}
