package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"settlepay/internal/model"
	"settlepay/internal/provider"
	"settlepay/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// 回调对账器
// ============================================================================
//
// 入站渠道事件的唯一入口。职责链：
//
//	验签（防篡改+防重放） -> 归一化 -> 落库去重 -> 分发到引擎操作
//
// 幂等三道闸：
//  1. (provider, event_id) 唯一索引，同一事件只落库一次
//  2. 结算单上的 last_processed_event_id，应用过的事件不重放
//  3. 引擎内部的状态机 CAS
//
// 渠道投递不保证顺序，事件处理必须是独立的幂等应用，
// 不允许假设"先开单事件后终态事件"的序列

var ErrEventRejected = errors.New("回调事件被拒收")

type eventHandler func(ctx context.Context, event *provider.Event) error

type WebhookService struct {
	db          *gorm.DB
	registry    *provider.Registry
	settlement  *SettlementService
	paymentRepo *repository.PaymentRepository
	accountRepo *repository.AccountRepository
	eventRepo   *repository.WebhookEventRepository
	handlers    map[string]eventHandler
}

func NewWebhookService(db *gorm.DB, registry *provider.Registry, settlement *SettlementService) *WebhookService {
	s := &WebhookService{
		db:          db,
		registry:    registry,
		settlement:  settlement,
		paymentRepo: repository.NewPaymentRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		eventRepo:   repository.NewWebhookEventRepository(db),
	}

	// 归一化事件类型 -> 引擎操作 的分发表，与任何单一渠道的事件命名解耦
	s.handlers = map[string]eventHandler{
		provider.EventChargeSucceeded: s.onChargeSucceeded,
		provider.EventChargeFailed:    s.onChargeFailed,
		provider.EventChargeRefunded:  s.onChargeRefunded,
		provider.EventPayoutSucceeded: s.onPayoutSucceeded,
		provider.EventPayoutFailed:    s.onPayoutFailed,
		provider.EventAccountUpdated:  s.onAccountUpdated,
	}
	return s
}

// Ingest 接收一条原始回调
//
// 验签失败按安全事件记日志后丢弃（不进引擎、不重试）。
// 事件落库成功即视为"已durably接收"，返回 nil 让渠道收到 200；
// 后续处理失败的事件停在 FAILED 状态，由补偿任务重放
func (s *WebhookService) Ingest(ctx context.Context, providerName string, payload []byte, header http.Header) error {
	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return err
	}

	if err := adapter.VerifyWebhook(payload, header); err != nil {
		log.Printf("[Webhook][SECURITY] 验签失败，事件丢弃: provider=%s, err=%v", providerName, err)
		return fmt.Errorf("%w: %v", ErrEventRejected, err)
	}

	event, err := adapter.ParseEvent(payload)
	if err != nil {
		if errors.Is(err, provider.ErrEventIgnored) {
			// 未知事件类型：确认并忽略，保证向前兼容
			log.Printf("[Webhook] 未知事件类型，已忽略: provider=%s", providerName)
			return nil
		}
		log.Printf("[Webhook] 报文解析失败: provider=%s, err=%v", providerName, err)
		return fmt.Errorf("%w: %v", ErrEventRejected, err)
	}

	row := &model.WebhookEvent{
		Provider:  event.Provider,
		EventID:   event.EventID,
		EventKind: event.Kind,
		PaymentNo: event.PaymentNo,
		Payload:   string(event.Raw),
		Status:    model.WebhookEventStatusReceived,
	}
	if err := s.eventRepo.Insert(ctx, row); err != nil {
		if errors.Is(err, repository.ErrEventAlreadyExists) {
			// 重复投递：直接确认，不再进引擎
			return nil
		}
		return err
	}

	if err := s.apply(ctx, event); err != nil {
		log.Printf("[Webhook] 事件处理失败，等待补偿重放: provider=%s, eventID=%s, err=%v",
			event.Provider, event.EventID, err)
		_ = s.eventRepo.MarkFailed(ctx, row.ID)
		// 事件已落库，对渠道应答 200，避免渠道无谓重投
		return nil
	}

	_ = s.eventRepo.UpdateStatus(ctx, row.ID, model.WebhookEventStatusProcessed)
	return nil
}

// apply 按分发表把事件翻译成引擎操作
func (s *WebhookService) apply(ctx context.Context, event *provider.Event) error {
	handler, ok := s.handlers[event.Kind]
	if !ok {
		return nil
	}
	return handler(ctx, event)
}

// ReplayFailed 重放处理失败的事件（补偿任务调用）
func (s *WebhookService) ReplayFailed(ctx context.Context, maxRetry, limit int) {
	events, err := s.eventRepo.GetFailedEvents(ctx, maxRetry, limit)
	if err != nil {
		log.Printf("[Webhook] 查询失败事件出错: %v", err)
		return
	}

	for _, row := range events {
		adapter, err := s.registry.Get(row.Provider)
		if err != nil {
			continue
		}
		event, err := adapter.ParseEvent([]byte(row.Payload))
		if err != nil {
			_ = s.eventRepo.UpdateStatus(ctx, row.ID, model.WebhookEventStatusIgnored)
			continue
		}
		if err := s.apply(ctx, event); err != nil {
			_ = s.eventRepo.MarkFailed(ctx, row.ID)
			continue
		}
		_ = s.eventRepo.UpdateStatus(ctx, row.ID, model.WebhookEventStatusProcessed)
		log.Printf("[Webhook] 事件重放成功: provider=%s, eventID=%s", row.Provider, row.EventID)
	}
}

// ============================================================
// 事件应用
// ============================================================

func (s *WebhookService) onChargeSucceeded(ctx context.Context, event *provider.Event) error {
	record, applied, err := s.resolveRecord(ctx, event)
	if err != nil || applied {
		return err
	}
	return s.settlement.AdvanceTo(ctx, record, model.StatusSucceeded, event.EventID)
}

func (s *WebhookService) onChargeFailed(ctx context.Context, event *provider.Event) error {
	record, applied, err := s.resolveRecord(ctx, event)
	if err != nil || applied {
		return err
	}
	return s.settlement.AdvanceTo(ctx, record, model.StatusFailed, event.EventID)
}

func (s *WebhookService) onChargeRefunded(ctx context.Context, event *provider.Event) error {
	record, applied, err := s.resolveRecord(ctx, event)
	if err != nil || applied {
		return err
	}
	return s.settlement.AdvanceTo(ctx, record, model.StatusRefunded, event.EventID)
}

func (s *WebhookService) onPayoutSucceeded(ctx context.Context, event *provider.Event) error {
	record, applied, err := s.resolveRecord(ctx, event)
	if err != nil || applied {
		return err
	}
	return s.settlement.AdvanceTo(ctx, record, model.StatusSucceeded, event.EventID)
}

func (s *WebhookService) onPayoutFailed(ctx context.Context, event *provider.Event) error {
	record, applied, err := s.resolveRecord(ctx, event)
	if err != nil || applied {
		return err
	}
	_ = s.paymentRepo.SetFailureCode(ctx, nil, record.PaymentNo, "payout_failed")
	return s.settlement.AdvanceTo(ctx, record, model.StatusFailed, event.EventID)
}

// onAccountUpdated 账户状态事件不关联结算单，直接维护账户引用
// 可能先于首笔交易的终态事件到达，独立幂等应用
func (s *WebhookService) onAccountUpdated(ctx context.Context, event *provider.Event) error {
	account, err := s.accountRepo.GetByAccountRef(ctx, event.Provider, event.AccountRef)
	if err != nil {
		if errors.Is(err, repository.ErrProviderAccountMissing) {
			// 本系统没有这个账户的记录，确认并忽略
			return nil
		}
		return err
	}

	if event.AccountOK {
		return s.accountRepo.Activate(ctx, account.UserID, event.Provider, event.AccountRef)
	}
	log.Printf("[Webhook] 渠道账户失效: userID=%d, provider=%s", account.UserID, event.Provider)
	return s.accountRepo.Invalidate(ctx, account.UserID, event.Provider)
}

// resolveRecord 定位事件对应的结算单，并做 last_processed_event_id 去重
// applied 为 true 表示该事件已应用过，直接确认
func (s *WebhookService) resolveRecord(ctx context.Context, event *provider.Event) (*model.PaymentRecord, bool, error) {
	var record *model.PaymentRecord
	var err error

	if event.PaymentNo != "" {
		record, err = s.paymentRepo.GetByPaymentNo(ctx, event.PaymentNo)
	} else {
		record, err = s.paymentRepo.GetByExternalRef(ctx, event.Provider, event.ExternalRef)
	}
	if err != nil {
		return nil, false, err
	}

	if record.LastProcessedEventID == event.EventID {
		return record, true, nil
	}
	return record, false, nil
}
