package job

import (
	"context"
	"net/http"
	"testing"

	"settlepay/internal/config"
	"settlepay/internal/infrastructure/database"
	"settlepay/internal/infrastructure/lock"
	"settlepay/internal/model"
	"settlepay/internal/provider"
	"settlepay/internal/service"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ============================================================
// 对账任务测试
// ============================================================

// fakeAdapter 默认让 Confirm 报不可重试错误：
// 退款/出款引用一旦被错误地塞进收款查询接口，测试立即失败
type fakeAdapter struct {
	confirmResult      *provider.ConfirmResult
	refundStatusResult *provider.ConfirmResult
	payoutStatusResult *provider.ConfirmResult

	confirmCalls      int
	refundStatusCalls int
	payoutStatusCalls int
}

func (f *fakeAdapter) Name() string { return model.ProviderStripe }

func (f *fakeAdapter) OpenCharge(ctx context.Context, req *provider.ChargeRequest) (*provider.ChargeResult, error) {
	return &provider.ChargeResult{ChargeRef: "ch_" + req.PaymentNo}, nil
}

func (f *fakeAdapter) Confirm(ctx context.Context, chargeRef string) (*provider.ConfirmResult, error) {
	f.confirmCalls++
	if f.confirmResult != nil {
		return f.confirmResult, nil
	}
	return nil, provider.ErrPermanent
}

func (f *fakeAdapter) RefundStatus(ctx context.Context, refundRef string) (*provider.ConfirmResult, error) {
	f.refundStatusCalls++
	return f.refundStatusResult, nil
}

func (f *fakeAdapter) PayoutStatus(ctx context.Context, payoutRef string) (*provider.ConfirmResult, error) {
	f.payoutStatusCalls++
	return f.payoutStatusResult, nil
}

func (f *fakeAdapter) Capture(ctx context.Context, chargeRef string) error { return nil }

func (f *fakeAdapter) Refund(ctx context.Context, chargeRef string) (string, error) {
	return "re_" + chargeRef, nil
}

func (f *fakeAdapter) Payout(ctx context.Context, req *provider.PayoutRequest) (string, error) {
	return "po_" + req.PaymentNo, nil
}

func (f *fakeAdapter) VerifyAccount(ctx context.Context, accountRef string) error { return nil }

func (f *fakeAdapter) VerifyWebhook(payload []byte, header http.Header) error { return nil }

func (f *fakeAdapter) ParseEvent(payload []byte) (*provider.Event, error) {
	return nil, provider.ErrEventIgnored
}

type pollEnv struct {
	db      *gorm.DB
	adapter *fakeAdapter
	job     *SettlementPollJob
}

func newPollEnv(t *testing.T) *pollEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{}
	cfg.Fee = config.FeeConfig{FeePercent: 0.10, FixedFeeMinorUnit: 500, TaxPercent: 0.13, Currency: "CAD"}
	cfg.Kafka.Topic.SettlementResult = "settlement.result"
	cfg.Business = config.BusinessConfig{MaxRetryCount: 3, InFlightPollSeconds: 30, InFlightAfterMinutes: 5}

	adapter := &fakeAdapter{}
	registry := provider.NewRegistry(adapter)
	locks := lock.NewMemoryManager()
	settlement := service.NewSettlementService(db, locks, registry, cfg)
	webhook := service.NewWebhookService(db, registry, settlement)

	return &pollEnv{
		db:      db,
		adapter: adapter,
		job:     NewSettlementPollJob(db, registry, settlement, webhook, cfg),
	}
}

func (e *pollEnv) createRecord(t *testing.T, paymentNo, recordType, status string, refs model.ExternalRefMap) {
	t.Helper()
	require.NoError(t, e.db.Create(&model.PaymentRecord{
		PaymentNo:             paymentNo,
		Provider:              model.ProviderStripe,
		RecordType:            recordType,
		PayerID:               1,
		PayeeID:               2,
		ServiceAmount:         10000,
		TotalPayerAmount:      10000,
		AmountReceivedByPayee: 10000,
		Currency:              "CAD",
		Status:                status,
		ExternalRefs:          refs,
	}).Error)
}

func (e *pollEnv) getRecord(t *testing.T, paymentNo string) *model.PaymentRecord {
	t.Helper()
	var record model.PaymentRecord
	require.NoError(t, e.db.Where("payment_no = ?", paymentNo).First(&record).Error)
	return &record
}

func TestPollRefundUsesRefundLookup(t *testing.T) {
	env := newPollEnv(t)
	env.adapter.refundStatusResult = &provider.ConfirmResult{State: provider.ConfirmStateSucceeded}

	env.createRecord(t, "STL1", model.RecordTypePayment, model.StatusRefundPending,
		model.ExternalRefMap{model.RefRefund: "re_1"})

	env.job.pollRecord(context.Background(), env.getRecord(t, "STL1"))

	record := env.getRecord(t, "STL1")
	assert.Equal(t, model.StatusRefunded, record.Status)
	assert.Equal(t, 1, env.adapter.refundStatusCalls)
	assert.Equal(t, 0, env.adapter.confirmCalls)
}

func TestPollRefundRejectedRollsBack(t *testing.T) {
	env := newPollEnv(t)
	env.adapter.refundStatusResult = &provider.ConfirmResult{
		State:       provider.ConfirmStateFailed,
		FailureCode: "insufficient_funds",
	}

	env.createRecord(t, "STL2", model.RecordTypePayment, model.StatusRefundPending,
		model.ExternalRefMap{model.RefRefund: "re_2"})

	env.job.pollRecord(context.Background(), env.getRecord(t, "STL2"))

	record := env.getRecord(t, "STL2")
	assert.Equal(t, model.StatusSucceeded, record.Status)
	assert.Equal(t, "refund_rejected", record.FailureCode)
}

func TestPollPayoutUsesPayoutLookup(t *testing.T) {
	env := newPollEnv(t)
	env.adapter.payoutStatusResult = &provider.ConfirmResult{State: provider.ConfirmStateSucceeded}

	env.createRecord(t, "WDR1", model.RecordTypeWithdrawal, model.StatusProcessing,
		model.ExternalRefMap{model.RefPayout: "po_1"})

	env.job.pollRecord(context.Background(), env.getRecord(t, "WDR1"))

	record := env.getRecord(t, "WDR1")
	assert.Equal(t, model.StatusSucceeded, record.Status)
	assert.Equal(t, 1, env.adapter.payoutStatusCalls)
	assert.Equal(t, 0, env.adapter.confirmCalls)
}

func TestPollPayoutFailedReleasesRecord(t *testing.T) {
	env := newPollEnv(t)
	env.adapter.payoutStatusResult = &provider.ConfirmResult{
		State:       provider.ConfirmStateFailed,
		FailureCode: "account_closed",
	}

	env.createRecord(t, "WDR2", model.RecordTypeWithdrawal, model.StatusProcessing,
		model.ExternalRefMap{model.RefPayout: "po_2"})

	env.job.pollRecord(context.Background(), env.getRecord(t, "WDR2"))

	record := env.getRecord(t, "WDR2")
	assert.Equal(t, model.StatusFailed, record.Status)
	assert.Equal(t, "account_closed", record.FailureCode)
}

// 缺少退款/出款引用的卡单不能盲目查渠道，留给人工核对
func TestPollSkipsRecordWithoutRef(t *testing.T) {
	env := newPollEnv(t)

	env.createRecord(t, "STL3", model.RecordTypePayment, model.StatusRefundPending, model.ExternalRefMap{})
	env.createRecord(t, "WDR3", model.RecordTypeWithdrawal, model.StatusProcessing, model.ExternalRefMap{})

	env.job.pollRecord(context.Background(), env.getRecord(t, "STL3"))
	env.job.pollRecord(context.Background(), env.getRecord(t, "WDR3"))

	assert.Equal(t, model.StatusRefundPending, env.getRecord(t, "STL3").Status)
	assert.Equal(t, model.StatusProcessing, env.getRecord(t, "WDR3").Status)
	assert.Equal(t, 0, env.adapter.refundStatusCalls)
	assert.Equal(t, 0, env.adapter.payoutStatusCalls)
}
