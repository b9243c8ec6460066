package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"settlepay/internal/config"
	"settlepay/internal/fee"
	"settlepay/internal/infrastructure/lock"
	"settlepay/internal/model"
	"settlepay/internal/provider"
	"settlepay/internal/repository"
	"settlepay/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 结算引擎
// ============================================================================
//
// 所有结算单状态变更的唯一入口。核心约束：
//  1. 状态变更必须走状态机 CAS（旧状态+版本号），并发写者输掉 CAS 后
//     重读记录，按幂等语义返回，绝不重复入账
//  2. 渠道网络调用放在事务临界区之外，事务只保护本地状态转移
//  3. 已向渠道发出的意图（external_ref 已写入）不允许二次发起，
//     只能等渠道的终态信号（回调或轮询）

var (
	ErrNotAuthorized        = errors.New("无权操作该合同的结算")
	ErrInvalidContractState = errors.New("合同状态不允许结算")
	ErrRefundNotAllowed     = errors.New("当前状态不允许退款")
)

type SettlementService struct {
	db           *gorm.DB
	locks        lock.Manager
	registry     *provider.Registry
	calc         *fee.Calculator
	cfg          *config.Config
	paymentRepo  *repository.PaymentRepository
	accountRepo  *repository.AccountRepository
	contractRepo *repository.ContractRepository
	outboxRepo   *repository.OutboxRepository
}

func NewSettlementService(db *gorm.DB, locks lock.Manager, registry *provider.Registry, cfg *config.Config) *SettlementService {
	return &SettlementService{
		db:           db,
		locks:        locks,
		registry:     registry,
		calc:         fee.NewCalculator(cfg.Fee.FeePercent, cfg.Fee.FixedFeeMinorUnit, cfg.Fee.TaxPercent),
		cfg:          cfg,
		paymentRepo:  repository.NewPaymentRepository(db),
		accountRepo:  repository.NewAccountRepository(db),
		contractRepo: repository.NewContractRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
	}
}

// ============================================================
// 发起结算
// ============================================================

type InitiateRequest struct {
	ContractNo string
	PayerID    int64
	Provider   string // 为空时默认 stripe，选定后固定写在结算单上
}

type InitiateResponse struct {
	PaymentNo  string `json:"payment_no"`
	SessionRef string `json:"session_ref"` // 返回给客户端完成支付的会话凭证
	Status     string `json:"status"`
	Amount     int64  `json:"amount"` // 付款方应付总额
}

// Initiate 为合同开立结算单并向渠道开单
func (s *SettlementService) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	contract, err := s.contractRepo.GetByContractNo(ctx, req.ContractNo)
	if err != nil {
		return nil, err
	}
	if contract.PayerID != req.PayerID {
		return nil, ErrNotAuthorized
	}
	if !contract.IsPayable() {
		return nil, ErrInvalidContractState
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = model.ProviderStripe
	}
	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	// 双方都必须有可用的渠道账户
	payerRef, err := s.accountRepo.GetUsableRef(ctx, contract.PayerID, providerName)
	if err != nil {
		return nil, err
	}
	payeeRef, err := s.accountRepo.GetUsableRef(ctx, contract.PayeeID, providerName)
	if err != nil {
		return nil, err
	}

	// 本地引用可能已过期，开单前向渠道各核对一次
	if err := s.checkProviderAccount(ctx, adapter, contract.PayerID, payerRef, providerName); err != nil {
		return nil, err
	}
	if err := s.checkProviderAccount(ctx, adapter, contract.PayeeID, payeeRef, providerName); err != nil {
		return nil, err
	}

	settleLock := s.locks.NewLock(lock.SettleKey(req.ContractNo), idgen.GeneratePaymentNo(), 30*time.Second)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer settleLock.Unlock(ctx)

	record, err := s.paymentRepo.GetByContractRef(ctx, req.ContractNo)
	if err != nil {
		return nil, err
	}

	if record != nil {
		switch record.Status {
		case model.StatusRequiresPaymentMethod:
			// 已有待支付单：渠道会话已开过的直接复用，不重复开单
			if record.ExternalRef != "" {
				return &InitiateResponse{
					PaymentNo:  record.PaymentNo,
					SessionRef: record.ExternalRefs[model.RefSession],
					Status:     record.Status,
					Amount:     record.TotalPayerAmount,
				}, nil
			}
		case model.StatusFailed, model.StatusCanceled:
			// 终态失败单允许重新发起，复用同一张结算单（合同维度唯一）
		default:
			return nil, repository.ErrDuplicateIntent
		}
	}

	breakdown, err := s.calc.Calculate(contract.ServiceAmount)
	if err != nil {
		return nil, err
	}

	currency := contract.Currency
	if currency == "" {
		currency = s.cfg.Fee.Currency
	}

	if record == nil {
		contractRef := contract.ContractNo
		var gigRef *string
		if contract.GigNo != "" {
			g := contract.GigNo
			gigRef = &g
		}
		record = &model.PaymentRecord{
			PaymentNo:             idgen.GeneratePaymentNo(),
			ContractRef:           &contractRef,
			GigRef:                gigRef,
			Provider:              providerName,
			RecordType:            model.RecordTypePayment,
			PayerID:               contract.PayerID,
			PayeeID:               contract.PayeeID,
			ServiceAmount:         breakdown.ServiceAmount,
			ApplicationFeeAmount:  breakdown.ApplicationFeeAmount,
			ProviderTaxAmount:     breakdown.ProviderTaxAmount,
			TotalPayerAmount:      breakdown.TotalPayerAmount,
			AmountReceivedByPayee: breakdown.AmountReceivedByPayee,
			Currency:              currency,
			Status:                model.StatusRequiresPaymentMethod,
			ExternalRefs:          model.ExternalRefMap{},
		}
		if err := s.paymentRepo.Create(ctx, nil, record); err != nil {
			return nil, fmt.Errorf("创建结算单失败: %w", err)
		}
	} else {
		// 失败单重新发起：重算费用、重置状态，渠道引用作废
		err = s.db.WithContext(ctx).Model(&model.PaymentRecord{}).
			Where("payment_no = ? AND status = ?", record.PaymentNo, record.Status).
			Updates(map[string]interface{}{
				"status":                   model.StatusRequiresPaymentMethod,
				"provider":                 providerName,
				"service_amount":           breakdown.ServiceAmount,
				"application_fee_amount":   breakdown.ApplicationFeeAmount,
				"provider_tax_amount":      breakdown.ProviderTaxAmount,
				"total_payer_amount":       breakdown.TotalPayerAmount,
				"amount_received_by_payee": breakdown.AmountReceivedByPayee,
				"external_ref":             "",
				"external_refs":            model.ExternalRefMap{},
				"failure_code":             "",
				"version":                  gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			return nil, fmt.Errorf("重置结算单失败: %w", err)
		}
		record, err = s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
		if err != nil {
			return nil, err
		}
	}

	// 渠道开单放在本地事务之外
	chargeResult, err := adapter.OpenCharge(ctx, &provider.ChargeRequest{
		PaymentNo:       record.PaymentNo,
		Amount:          record.TotalPayerAmount,
		Currency:        currency,
		PayerAccountRef: payerRef,
		PayeeAccountRef: payeeRef,
	})
	if err != nil {
		s.handleAccountInvalid(ctx, err, contract.PayerID, contract.PayeeID, providerName)
		return nil, err
	}

	refs := model.ExternalRefMap{
		model.RefCharge:  chargeResult.ChargeRef,
		model.RefSession: chargeResult.SessionRef,
	}
	if err := s.paymentRepo.SetExternalRefs(ctx, nil, record.PaymentNo, chargeResult.ChargeRef, refs); err != nil {
		return nil, fmt.Errorf("回填渠道引用失败: %w", err)
	}

	log.Printf("[Settlement] 开单成功: paymentNo=%s, contract=%s, provider=%s, total=%d",
		record.PaymentNo, req.ContractNo, providerName, record.TotalPayerAmount)

	return &InitiateResponse{
		PaymentNo:  record.PaymentNo,
		SessionRef: chargeResult.SessionRef,
		Status:     model.StatusRequiresPaymentMethod,
		Amount:     record.TotalPayerAmount,
	}, nil
}

// ============================================================
// 确认
// ============================================================

// Confirm 确认渠道交易结果（客户端主动确认或回调对账触发）
//
// 幂等：结算单已是 succeeded 时直接返回现有记录，不报错不重复入账。
// 并发的两路确认（客户端+回调）靠 CAS 收敛成一次 succeeded 写入
func (s *SettlementService) Confirm(ctx context.Context, externalTransactionID string) (*model.PaymentRecord, error) {
	record, err := s.paymentRepo.GetByExternalRef(ctx, "", externalTransactionID)
	if err != nil {
		return nil, err
	}

	if record.Status == model.StatusSucceeded || record.Status == model.StatusRefunded {
		return record, nil
	}

	adapter, err := s.registry.Get(record.Provider)
	if err != nil {
		return nil, err
	}

	// 渠道查证放在事务之外
	result, err := adapter.Confirm(ctx, externalTransactionID)
	if err != nil {
		return nil, err
	}

	switch result.State {
	case provider.ConfirmStateSucceeded:
		target := model.StatusSucceeded
		if result.RequiresCapture {
			target = model.StatusRequiresCapture
		}
		if err := s.AdvanceTo(ctx, record, target, ""); err != nil {
			return nil, err
		}
	case provider.ConfirmStatePending:
		if err := s.AdvanceTo(ctx, record, model.StatusProcessing, ""); err != nil {
			return nil, err
		}
	case provider.ConfirmStateFailed:
		if result.FailureCode != "" {
			_ = s.paymentRepo.SetFailureCode(ctx, nil, record.PaymentNo, result.FailureCode)
		}
		if err := s.AdvanceTo(ctx, record, model.StatusFailed, ""); err != nil {
			return nil, err
		}
	}

	return s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
}

// ============================================================
// 放款（托管释放）
// ============================================================

// Release 放款：把托管中（requires_capture）的冻结资金划给收款方
func (s *SettlementService) Release(ctx context.Context, contractNo string, actorID int64, isAdmin bool) (*model.PaymentRecord, error) {
	record, err := s.mustGetContractRecord(ctx, contractNo)
	if err != nil {
		return nil, err
	}
	if !isAdmin && record.PayerID != actorID {
		return nil, ErrNotAuthorized
	}
	if record.Status != model.StatusRequiresCapture {
		return nil, repository.ErrStatusConflict
	}

	adapter, err := s.registry.Get(record.Provider)
	if err != nil {
		return nil, err
	}

	settleLock := s.locks.NewLock(lock.SettleKey(contractNo), record.PaymentNo, 30*time.Second)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer settleLock.Unlock(ctx)

	if err := adapter.Capture(ctx, record.ExternalRef); err != nil {
		return nil, err
	}

	if err := s.AdvanceTo(ctx, record, model.StatusSucceeded, ""); err != nil {
		return nil, err
	}

	log.Printf("[Settlement] 放款成功: paymentNo=%s, contract=%s", record.PaymentNo, contractNo)
	return s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
}

// ============================================================
// 退款
// ============================================================

// Refund 发起退款：succeeded / requires_capture -> refund_pending
// 终态 refunded 由渠道确认（回调或轮询）后写入
func (s *SettlementService) Refund(ctx context.Context, contractNo string, actorID int64, isAdmin bool) (*model.PaymentRecord, error) {
	record, err := s.mustGetContractRecord(ctx, contractNo)
	if err != nil {
		return nil, err
	}
	if !isAdmin && record.PayerID != actorID {
		return nil, ErrNotAuthorized
	}
	if record.Status != model.StatusSucceeded && record.Status != model.StatusRequiresCapture {
		return nil, ErrRefundNotAllowed
	}

	adapter, err := s.registry.Get(record.Provider)
	if err != nil {
		return nil, err
	}

	settleLock := s.locks.NewLock(lock.SettleKey(contractNo), record.PaymentNo, 30*time.Second)
	if err := settleLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer settleLock.Unlock(ctx)

	// 先落 refund_pending 占住意图，再调渠道；已有退款引用说明渠道调用
	// 已发出过，不重复发起
	record, err = s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
	if err != nil {
		return nil, err
	}
	if record.Status == model.StatusRefundPending || record.Status == model.StatusRefunded {
		return record, nil
	}

	if err := s.AdvanceTo(ctx, record, model.StatusRefundPending, ""); err != nil {
		return nil, err
	}

	refundRef, err := adapter.Refund(ctx, record.ExternalRef)
	if err != nil {
		if errors.Is(err, provider.ErrPermanent) {
			// 渠道明确拒绝：回到 succeeded，资金未动，记录失败原因
			_ = s.paymentRepo.SetFailureCode(ctx, nil, record.PaymentNo, "refund_rejected")
			fresh, ferr := s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
			if ferr == nil {
				_ = s.paymentRepo.UpdateStatus(ctx, nil, record.PaymentNo, model.StatusRefundPending, model.StatusSucceeded, fresh.Version)
			}
		}
		// 临时故障：停在 refund_pending，由补偿任务向渠道轮询
		return nil, err
	}

	refs := record.ExternalRefs
	if refs == nil {
		refs = model.ExternalRefMap{}
	}
	refs[model.RefRefund] = refundRef
	if err := s.paymentRepo.SetExternalRefs(ctx, nil, record.PaymentNo, "", refs); err != nil {
		return nil, fmt.Errorf("回填退款引用失败: %w", err)
	}

	log.Printf("[Settlement] 退款已发起: paymentNo=%s, refundRef=%s", record.PaymentNo, refundRef)
	return s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
}

// ============================================================
// 状态推进（供确认/回调/补偿共用）
// ============================================================

// statusRank 主链排序，用于乱序事件的收敛判断
var statusRank = map[string]int{
	model.StatusRequiresPaymentMethod: 0,
	model.StatusProcessing:            1,
	model.StatusRequiresCapture:       2,
	model.StatusSucceeded:             3,
	model.StatusRefundPending:         4,
	model.StatusRefunded:              5,
}

// AdvanceTo 把结算单沿状态机推进到目标状态，经过的每一跳都走 CAS
//
// 【关键点】乱序容忍：当前状态已越过目标状态时直接幂等返回成功
// （如 refunded 单收到迟来的 charge_succeeded 事件），保证同一组事件
// 以任意顺序应用最终收敛到相同状态。
// eventID 非空时，与最后一跳在同一事务里写入 last_processed_event_id
func (s *SettlementService) AdvanceTo(ctx context.Context, record *model.PaymentRecord, target, eventID string) error {
	current := record.Status
	version := record.Version

	if current == target {
		return s.markEvent(ctx, record.PaymentNo, eventID)
	}
	if rank, ok := statusRank[current]; ok {
		if targetRank, ok2 := statusRank[target]; ok2 && rank >= targetRank {
			return s.markEvent(ctx, record.PaymentNo, eventID)
		}
	}
	// failed/canceled 是终态，迟来的事件一律幂等吞掉
	if current == model.StatusFailed || current == model.StatusCanceled {
		return s.markEvent(ctx, record.PaymentNo, eventID)
	}

	path, err := transitionPath(current, target)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		from := current
		for _, to := range path {
			if err := s.paymentRepo.UpdateStatus(ctx, tx, record.PaymentNo, from, to, version); err != nil {
				if errors.Is(err, repository.ErrOptimisticLock) {
					// 并发写者抢先转移：重读后按幂等规则收敛
					fresh, ferr := s.paymentRepo.GetByPaymentNo(ctx, record.PaymentNo)
					if ferr != nil {
						return ferr
					}
					if rank, ok := statusRank[fresh.Status]; ok {
						if targetRank, ok2 := statusRank[target]; ok2 && rank >= targetRank {
							return s.markEventTx(ctx, tx, record.PaymentNo, eventID)
						}
					}
					return repository.ErrStatusConflict
				}
				return err
			}
			from = to
			version++
		}

		if isSettledStatus(target) {
			if err := s.writeOutbox(ctx, tx, record, target); err != nil {
				return err
			}
		}
		return s.markEventTx(ctx, tx, record.PaymentNo, eventID)
	})
}

// transitionPath 计算从 from 到 target 的逐跳路径
func transitionPath(from, target string) ([]string, error) {
	var path []string
	current := from
	for i := 0; i < len(statusRank)+1; i++ {
		if current == target {
			return path, nil
		}
		next, err := nextToward(current, target)
		if err != nil {
			return nil, err
		}
		path = append(path, next)
		current = next
	}
	return nil, repository.ErrStatusConflict
}

func nextToward(current, target string) (string, error) {
	switch current {
	case model.StatusRequiresPaymentMethod:
		if target == model.StatusFailed || target == model.StatusCanceled {
			return target, nil
		}
		if target == model.StatusRequiresCapture {
			return model.StatusRequiresCapture, nil
		}
		return model.StatusProcessing, nil
	case model.StatusProcessing:
		if target == model.StatusFailed {
			return model.StatusFailed, nil
		}
		if target == model.StatusRequiresCapture {
			return model.StatusRequiresCapture, nil
		}
		return model.StatusSucceeded, nil
	case model.StatusRequiresCapture:
		if target == model.StatusCanceled {
			return model.StatusCanceled, nil
		}
		if target == model.StatusRefundPending || target == model.StatusRefunded {
			return model.StatusRefundPending, nil
		}
		return model.StatusSucceeded, nil
	case model.StatusSucceeded:
		if target == model.StatusRefundPending || target == model.StatusRefunded {
			return model.StatusRefundPending, nil
		}
	case model.StatusRefundPending:
		if target == model.StatusRefunded {
			return model.StatusRefunded, nil
		}
	}
	return "", repository.ErrStatusConflict
}

// isSettledStatus 终态变更需要向下游广播
func isSettledStatus(status string) bool {
	switch status {
	case model.StatusSucceeded, model.StatusRefunded, model.StatusFailed:
		return true
	}
	return false
}

func (s *SettlementService) markEvent(ctx context.Context, paymentNo, eventID string) error {
	if eventID == "" {
		return nil
	}
	return s.paymentRepo.MarkEventProcessed(ctx, nil, paymentNo, eventID)
}

func (s *SettlementService) markEventTx(ctx context.Context, tx *gorm.DB, paymentNo, eventID string) error {
	if eventID == "" {
		return nil
	}
	return s.paymentRepo.MarkEventProcessed(ctx, tx, paymentNo, eventID)
}

// writeOutbox 终态变更与下游通知在同一事务里落库
func (s *SettlementService) writeOutbox(ctx context.Context, tx *gorm.DB, record *model.PaymentRecord, status string) error {
	payload := map[string]interface{}{
		"payment_no":  record.PaymentNo,
		"record_type": record.RecordType,
		"provider":    record.Provider,
		"payer_id":    record.PayerID,
		"payee_id":    record.PayeeID,
		"amount":      record.AmountReceivedByPayee,
		"currency":    record.Currency,
		"status":      status,
		"occurred_at": time.Now().Format(time.RFC3339),
	}
	if record.ContractRef != nil {
		payload["contract_ref"] = *record.ContractRef
	}
	payloadBytes, _ := json.Marshal(payload)

	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: record.PaymentNo,
		Topic:      s.cfg.Kafka.Topic.SettlementResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	})
}

// ============================================================
// 辅助
// ============================================================

func (s *SettlementService) mustGetContractRecord(ctx context.Context, contractNo string) (*model.PaymentRecord, error) {
	record, err := s.paymentRepo.GetByContractRef(ctx, contractNo)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, repository.ErrPaymentNotFound
	}
	return record, nil
}

// checkProviderAccount 向渠道核对账户可用性
// 渠道明确判失效时清空本地引用并拒绝本次操作；
// 临时故障不阻塞资金流程，按本地引用继续
func (s *SettlementService) checkProviderAccount(ctx context.Context, adapter provider.Adapter, userID int64, accountRef, providerName string) error {
	err := adapter.VerifyAccount(ctx, accountRef)
	if err == nil {
		return nil
	}
	if errors.Is(err, provider.ErrAccountInvalid) {
		log.Printf("[Settlement] 渠道判定账户失效: userID=%d, provider=%s", userID, providerName)
		_ = s.accountRepo.Invalidate(ctx, userID, providerName)
		return repository.ErrProviderAccountMissing
	}
	log.Printf("[Settlement] 账户核对暂不可用，按本地引用继续: userID=%d, provider=%s, err=%v", userID, providerName, err)
	return nil
}

// handleAccountInvalid 渠道判定账户失效时清空双方引用，要求重新绑定
func (s *SettlementService) handleAccountInvalid(ctx context.Context, err error, payerID, payeeID int64, providerName string) {
	if !errors.Is(err, provider.ErrAccountInvalid) {
		return
	}
	log.Printf("[Settlement] 渠道账户失效，清空引用: payer=%d, payee=%d, provider=%s", payerID, payeeID, providerName)
	_ = s.accountRepo.Invalidate(ctx, payerID, providerName)
	_ = s.accountRepo.Invalidate(ctx, payeeID, providerName)
}

func (s *SettlementService) GetRecord(ctx context.Context, paymentNo string) (*model.PaymentRecord, error) {
	return s.paymentRepo.GetByPaymentNo(ctx, paymentNo)
}

func (s *SettlementService) ListUserRecords(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentRecord, int64, error) {
	return s.paymentRepo.ListByUserID(ctx, userID, page, pageSize)
}
