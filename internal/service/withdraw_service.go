package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"settlepay/internal/config"
	"settlepay/internal/infrastructure/lock"
	"settlepay/internal/model"
	"settlepay/internal/provider"
	"settlepay/internal/repository"
	"settlepay/pkg/idgen"

	"gorm.io/gorm"
)

var ErrInsufficientBalance = errors.New("可用余额不足")

// WithdrawService 提现
//
// 【关键点】余额校验和提现单创建必须原子：
//  1. 按 用户+渠道 加分布式锁，同一用户同渠道的提现串行
//  2. 锁内开事务，事务里重新聚合余额再创建提现单
//
// 两道闸叠加保证 N 个并发提现请求合计不会超出可用余额
type WithdrawService struct {
	db          *gorm.DB
	locks       lock.Manager
	registry    *provider.Registry
	cfg         *config.Config
	settlement  *SettlementService
	balance     *BalanceService
	paymentRepo *repository.PaymentRepository
	accountRepo *repository.AccountRepository
}

func NewWithdrawService(db *gorm.DB, locks lock.Manager, registry *provider.Registry, cfg *config.Config, settlement *SettlementService, balance *BalanceService) *WithdrawService {
	return &WithdrawService{
		db:          db,
		locks:       locks,
		registry:    registry,
		cfg:         cfg,
		settlement:  settlement,
		balance:     balance,
		paymentRepo: repository.NewPaymentRepository(db),
		accountRepo: repository.NewAccountRepository(db),
	}
}

type WithdrawRequest struct {
	UserID   int64
	Amount   int64
	Provider string
}

type WithdrawResponse struct {
	PaymentNo string `json:"payment_no"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Available int64  `json:"available"` // 扣减后的可用余额
}

func (s *WithdrawService) Withdraw(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	if req.Amount <= 0 {
		return nil, errors.New("提现金额必须大于0")
	}

	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	accountRef, err := s.accountRepo.GetUsableRef(ctx, req.UserID, req.Provider)
	if err != nil {
		return nil, err
	}
	if err := s.settlement.checkProviderAccount(ctx, adapter, req.UserID, accountRef, req.Provider); err != nil {
		return nil, err
	}

	withdrawNo := idgen.GenerateWithdrawNo()

	withdrawLock := s.locks.NewLock(lock.WithdrawKey(req.UserID, req.Provider), withdrawNo, 30*time.Second)
	if err := withdrawLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer withdrawLock.Unlock(ctx)

	record := &model.PaymentRecord{
		PaymentNo:             withdrawNo,
		Provider:              req.Provider,
		RecordType:            model.RecordTypeWithdrawal,
		PayerID:               req.UserID,
		PayeeID:               req.UserID, // 提现单 payer == payee
		ServiceAmount:         req.Amount,
		TotalPayerAmount:      req.Amount,
		AmountReceivedByPayee: req.Amount,
		Currency:              s.cfg.Fee.Currency,
		Status:                model.StatusProcessing,
		ExternalRefs:          model.ExternalRefMap{},
	}

	var available int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 余额聚合和提现单创建在同一事务里，锁外读到的余额一律不作数
		snapshot, err := s.balance.Snapshot(ctx, tx, req.UserID, req.Provider)
		if err != nil {
			return err
		}
		if req.Amount > snapshot.Available {
			return ErrInsufficientBalance
		}
		available = snapshot.Available - req.Amount

		return s.paymentRepo.Create(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	// 渠道出款放在事务之外；提现单已占用余额，出款结果异步回写
	payoutRef, err := adapter.Payout(ctx, &provider.PayoutRequest{
		PaymentNo:  withdrawNo,
		AccountRef: accountRef,
		Amount:     req.Amount,
		Currency:   record.Currency,
	})
	if err != nil {
		return nil, s.handlePayoutError(ctx, record, err)
	}

	refs := model.ExternalRefMap{model.RefPayout: payoutRef}
	if err := s.paymentRepo.SetExternalRefs(ctx, nil, withdrawNo, payoutRef, refs); err != nil {
		return nil, fmt.Errorf("回填出款引用失败: %w", err)
	}

	log.Printf("[Withdraw] 出款已发起: paymentNo=%s, userID=%d, amount=%d, provider=%s",
		withdrawNo, req.UserID, req.Amount, req.Provider)

	return &WithdrawResponse{
		PaymentNo: withdrawNo,
		Amount:    req.Amount,
		Status:    model.StatusProcessing,
		Available: available,
	}, nil
}

// handlePayoutError 出款调用失败的处理
//
// 临时故障（含超时）不能断言渠道没收到请求：提现单停在 processing
// 占住余额，等回调或补偿任务按单号对账，绝不重发第二笔出款。
// 明确拒绝才标记 failed 释放余额
func (s *WithdrawService) handlePayoutError(ctx context.Context, record *model.PaymentRecord, err error) error {
	if provider.IsRetryable(err) {
		log.Printf("[Withdraw] 出款结果未知，等待渠道对账: paymentNo=%s, err=%v", record.PaymentNo, err)
		return err
	}

	if errors.Is(err, provider.ErrAccountInvalid) {
		_ = s.accountRepo.Invalidate(ctx, record.PayerID, record.Provider)
	}

	_ = s.paymentRepo.SetFailureCode(ctx, nil, record.PaymentNo, failureCodeOf(err))
	if aerr := s.settlement.AdvanceTo(ctx, record, model.StatusFailed, ""); aerr != nil {
		log.Printf("[Withdraw] 提现单标记失败出错: paymentNo=%s, err=%v", record.PaymentNo, aerr)
	}
	return err
}

func failureCodeOf(err error) string {
	switch {
	case errors.Is(err, provider.ErrAccountInvalid):
		return "account_invalid"
	case errors.Is(err, provider.ErrInsufficientProviderFunds):
		return "insufficient_provider_funds"
	case errors.Is(err, provider.ErrPayoutNotAllowed):
		return "payout_not_allowed"
	}
	return "provider_error"
}
