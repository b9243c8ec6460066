package job

import (
	"context"
	"errors"
	"log"
	"time"

	"settlepay/internal/config"
	"settlepay/internal/model"
	"settlepay/internal/provider"
	"settlepay/internal/repository"
	"settlepay/internal/service"

	"gorm.io/gorm"
)

// SettlementPollJob 中间态对账任务
//
// 回调可能丢失或延迟，长时间停留在 processing / refund_pending 的
// 结算单由本任务主动向渠道查证，把渠道侧的终态拉回本地状态机。
// 同时重放处理失败的回调事件。
//
// 所有回写都走引擎的幂等推进，和迟到的回调并发执行也不会重复入账
type SettlementPollJob struct {
	db          *gorm.DB
	paymentRepo *repository.PaymentRepository
	registry    *provider.Registry
	settlement  *service.SettlementService
	webhook     *service.WebhookService
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewSettlementPollJob(db *gorm.DB, registry *provider.Registry, settlement *service.SettlementService, webhook *service.WebhookService, cfg *config.Config) *SettlementPollJob {
	interval := time.Duration(cfg.Business.InFlightPollSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SettlementPollJob{
		db:          db,
		paymentRepo: repository.NewPaymentRepository(db),
		registry:    registry,
		settlement:  settlement,
		webhook:     webhook,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   50,
	}
}

func (j *SettlementPollJob) Start(ctx context.Context) {
	log.Println("[SettlementPollJob] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SettlementPollJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[SettlementPollJob] 任务停止")
			return
		case <-ticker.C:
			j.pollInFlightRecords(ctx)
			j.webhook.ReplayFailed(ctx, j.cfg.Business.MaxRetryCount, j.batchSize)
		}
	}
}

func (j *SettlementPollJob) Stop() {
	close(j.stopCh)
}

func (j *SettlementPollJob) pollInFlightRecords(ctx context.Context) {
	afterMinutes := j.cfg.Business.InFlightAfterMinutes
	if afterMinutes <= 0 {
		afterMinutes = 5
	}
	beforeTime := time.Now().Add(-time.Duration(afterMinutes) * time.Minute)

	records, err := j.paymentRepo.GetInFlightRecords(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[SettlementPollJob] 查询卡单失败: %v", err)
		return
	}

	if len(records) == 0 {
		return
	}

	log.Printf("[SettlementPollJob] 发现 %d 张中间态结算单", len(records))

	for _, record := range records {
		j.pollRecord(ctx, record)
	}
}

func (j *SettlementPollJob) pollRecord(ctx context.Context, record *model.PaymentRecord) {
	switch record.Status {
	case model.StatusProcessing:
		if record.RecordType == model.RecordTypeWithdrawal {
			j.pollPayout(ctx, record)
			return
		}
		j.pollCharge(ctx, record)
	case model.StatusRefundPending:
		j.pollRefund(ctx, record)
	}
}

// pollCharge 收款单对账：复用确认流程，幂等推进
func (j *SettlementPollJob) pollCharge(ctx context.Context, record *model.PaymentRecord) {
	if record.ExternalRef == "" {
		log.Printf("[SettlementPollJob] 收款单缺少渠道引用，跳过: paymentNo=%s", record.PaymentNo)
		return
	}
	if _, err := j.settlement.Confirm(ctx, record.ExternalRef); err != nil {
		log.Printf("[SettlementPollJob] 收款单对账失败: paymentNo=%s, err=%v", record.PaymentNo, err)
	}
}

// pollRefund 退款对账：查退款交易的渠道终态
// 渠道明确拒绝时把结算单从 refund_pending 拉回 succeeded，资金未动
func (j *SettlementPollJob) pollRefund(ctx context.Context, record *model.PaymentRecord) {
	refundRef := record.ExternalRefs[model.RefRefund]
	if refundRef == "" {
		// 退款调用未确认发出过，不能盲目重发，留给人工核对
		log.Printf("[SettlementPollJob] 退款单缺少退款引用，需人工核对: paymentNo=%s", record.PaymentNo)
		return
	}

	adapter, err := j.registry.Get(record.Provider)
	if err != nil {
		return
	}

	result, err := adapter.RefundStatus(ctx, refundRef)
	if err != nil {
		log.Printf("[SettlementPollJob] 退款对账失败: paymentNo=%s, err=%v", record.PaymentNo, err)
		return
	}

	switch result.State {
	case provider.ConfirmStateSucceeded:
		if err := j.settlement.AdvanceTo(ctx, record, model.StatusRefunded, ""); err != nil {
			log.Printf("[SettlementPollJob] 退款终态回写失败: paymentNo=%s, err=%v", record.PaymentNo, err)
		} else {
			log.Printf("[SettlementPollJob] 退款已确认: paymentNo=%s", record.PaymentNo)
		}
	case provider.ConfirmStateFailed:
		_ = j.paymentRepo.SetFailureCode(ctx, nil, record.PaymentNo, "refund_rejected")
		err := j.paymentRepo.UpdateStatus(ctx, nil, record.PaymentNo, model.StatusRefundPending, model.StatusSucceeded, record.Version)
		if err != nil && !errors.Is(err, repository.ErrOptimisticLock) {
			log.Printf("[SettlementPollJob] 退款回滚失败: paymentNo=%s, err=%v", record.PaymentNo, err)
		} else {
			log.Printf("[SettlementPollJob] 渠道拒绝退款，结算单回到 succeeded: paymentNo=%s", record.PaymentNo)
		}
	}
}

// pollPayout 提现单对账：查出款交易的渠道终态
func (j *SettlementPollJob) pollPayout(ctx context.Context, record *model.PaymentRecord) {
	payoutRef := record.ExternalRefs[model.RefPayout]
	if payoutRef == "" {
		// 出款请求结果未知且没拿到引用，余额继续占用，留给人工核对
		log.Printf("[SettlementPollJob] 提现单缺少出款引用，需人工核对: paymentNo=%s", record.PaymentNo)
		return
	}

	adapter, err := j.registry.Get(record.Provider)
	if err != nil {
		return
	}

	result, err := adapter.PayoutStatus(ctx, payoutRef)
	if err != nil {
		log.Printf("[SettlementPollJob] 提现对账失败: paymentNo=%s, err=%v", record.PaymentNo, err)
		return
	}

	switch result.State {
	case provider.ConfirmStateSucceeded:
		if err := j.settlement.AdvanceTo(ctx, record, model.StatusSucceeded, ""); err != nil {
			log.Printf("[SettlementPollJob] 提现终态回写失败: paymentNo=%s, err=%v", record.PaymentNo, err)
		} else {
			log.Printf("[SettlementPollJob] 提现已确认: paymentNo=%s", record.PaymentNo)
		}
	case provider.ConfirmStateFailed:
		if result.FailureCode != "" {
			_ = j.paymentRepo.SetFailureCode(ctx, nil, record.PaymentNo, result.FailureCode)
		}
		if err := j.settlement.AdvanceTo(ctx, record, model.StatusFailed, ""); err != nil {
			log.Printf("[SettlementPollJob] 提现失败回写出错: paymentNo=%s, err=%v", record.PaymentNo, err)
		} else {
			log.Printf("[SettlementPollJob] 提现失败，余额已释放: paymentNo=%s", record.PaymentNo)
		}
	}
}
