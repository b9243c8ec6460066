package service

import (
	"context"

	"settlepay/internal/model"
	"settlepay/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// 余额账本
// ============================================================================
//
// 余额不落独立余额表，而是对结算单按需聚合推导：
//
//	available = Σ(succeeded 收款单的到账金额，user 为收款方)
//	          - Σ(processing/succeeded 提现单金额，user 为发起方)
//
// 好处是余额永远和单据一致，没有"余额表和流水对不上"的问题；
// 代价是提现决策必须在事务边界内重新聚合，禁止使用任何缓存值

// BalanceSnapshot 某用户在某渠道的余额快照（派生值，不落库）
type BalanceSnapshot struct {
	UserID             int64  `json:"user_id"`
	Provider           string `json:"provider"`
	Available          int64  `json:"available"`
	PendingWithdrawals int64  `json:"pending_withdrawals"`
}

type BalanceService struct {
	db          *gorm.DB
	paymentRepo *repository.PaymentRepository
}

func NewBalanceService(db *gorm.DB) *BalanceService {
	return &BalanceService{
		db:          db,
		paymentRepo: repository.NewPaymentRepository(db),
	}
}

// Snapshot 聚合当前余额
// tx 非 nil 时在该事务内聚合（提现决策必须传事务，避免并发提现读到脏余额）
func (s *BalanceService) Snapshot(ctx context.Context, tx *gorm.DB, userID int64, providerName string) (*BalanceSnapshot, error) {
	received, err := s.paymentRepo.SumReceived(ctx, tx, userID, providerName)
	if err != nil {
		return nil, err
	}
	withdrawn, err := s.paymentRepo.SumWithdrawn(ctx, tx, userID, providerName)
	if err != nil {
		return nil, err
	}
	pending, err := s.sumPendingWithdrawals(ctx, tx, userID, providerName)
	if err != nil {
		return nil, err
	}

	return &BalanceSnapshot{
		UserID:             userID,
		Provider:           providerName,
		Available:          received - withdrawn,
		PendingWithdrawals: pending,
	}, nil
}

func (s *BalanceService) sumPendingWithdrawals(ctx context.Context, tx *gorm.DB, userID int64, providerName string) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Select("COALESCE(SUM(service_amount), 0)").
		Where("payer_id = ? AND provider = ? AND record_type = ? AND status = ?",
			userID, providerName, model.RecordTypeWithdrawal, model.StatusProcessing).
		Scan(&sum).Error
	return sum, err
}
