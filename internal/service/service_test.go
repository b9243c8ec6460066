package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"settlepay/internal/config"
	"settlepay/internal/infrastructure/database"
	"settlepay/internal/infrastructure/lock"
	"settlepay/internal/model"
	"settlepay/internal/provider"
	"settlepay/pkg/idgen"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ============================================================
// 测试环境
// ============================================================

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接是独立实例，限制为单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Fee = config.FeeConfig{
		FeePercent:        0.10,
		FixedFeeMinorUnit: 500,
		TaxPercent:        0.13,
		Currency:          "CAD",
	}
	cfg.Kafka.Topic.SettlementResult = "settlement.result"
	cfg.Business = config.BusinessConfig{
		MaxRetryCount:        3,
		InFlightPollSeconds:  30,
		InFlightAfterMinutes: 5,
	}
	return cfg
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	adapter    *fakeAdapter
	registry   *provider.Registry
	settlement *SettlementService
	balance    *BalanceService
	withdraw   *WithdrawService
	webhook    *WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	idgen.Init(1)

	db := newTestDB(t)
	cfg := testConfig()
	adapter := newFakeAdapter(model.ProviderStripe)
	registry := provider.NewRegistry(adapter)
	locks := lock.NewMemoryManager()

	settlement := NewSettlementService(db, locks, registry, cfg)
	balance := NewBalanceService(db)

	return &testEnv{
		db:         db,
		cfg:        cfg,
		adapter:    adapter,
		registry:   registry,
		settlement: settlement,
		balance:    balance,
		withdraw:   NewWithdrawService(db, locks, registry, cfg, settlement, balance),
		webhook:    NewWebhookService(db, registry, settlement),
	}
}

func (e *testEnv) createContract(t *testing.T, contractNo string, payerID, payeeID, amount int64) {
	t.Helper()
	require.NoError(t, e.db.Create(&model.Contract{
		ContractNo:    contractNo,
		GigNo:         "GIG-" + contractNo,
		PayerID:       payerID,
		PayeeID:       payeeID,
		ServiceAmount: amount,
		Currency:      "CAD",
		Status:        model.ContractStatusActive,
	}).Error)
}

func (e *testEnv) bindAccount(t *testing.T, userID int64) {
	t.Helper()
	require.NoError(t, e.db.Create(&model.ProviderAccount{
		UserID:     userID,
		Provider:   model.ProviderStripe,
		AccountRef: fmt.Sprintf("acct_%d", userID),
		Status:     model.ProviderAccountStatusActive,
	}).Error)
}

// addEarning 直接落一张 succeeded 收款单，给收款方制造可提现余额
func (e *testEnv) addEarning(t *testing.T, payeeID, amount int64) {
	t.Helper()
	contractNo := idgen.GeneratePaymentNo()
	require.NoError(t, e.db.Create(&model.PaymentRecord{
		PaymentNo:             idgen.GeneratePaymentNo(),
		ContractRef:           &contractNo,
		Provider:              model.ProviderStripe,
		RecordType:            model.RecordTypePayment,
		PayerID:               900,
		PayeeID:               payeeID,
		ServiceAmount:         amount,
		TotalPayerAmount:      amount,
		AmountReceivedByPayee: amount,
		Currency:              "CAD",
		Status:                model.StatusSucceeded,
		ExternalRefs:          model.ExternalRefMap{},
	}).Error)
}

func (e *testEnv) getRecord(t *testing.T, paymentNo string) *model.PaymentRecord {
	t.Helper()
	var record model.PaymentRecord
	require.NoError(t, e.db.Where("payment_no = ?", paymentNo).First(&record).Error)
	return &record
}

func (e *testEnv) countOutbox(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&model.OutboxMessage{}).Count(&count).Error)
	return count
}

// ============================================================
// 渠道适配器桩
// ============================================================

type fakeAdapter struct {
	name string

	chargeErr        error
	confirmErr       error
	captureErr       error
	refundErr        error
	payoutErr        error
	verifyErr        error
	verifyAccountErr error

	confirmResult      *provider.ConfirmResult
	refundStatusResult *provider.ConfirmResult
	payoutStatusResult *provider.ConfirmResult
	requiresCapture    bool

	openCount    int
	confirmCount int
	refundCount  int
	payoutCount  int
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) OpenCharge(ctx context.Context, req *provider.ChargeRequest) (*provider.ChargeResult, error) {
	f.openCount++
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return &provider.ChargeResult{
		ChargeRef:       "ch_" + req.PaymentNo,
		SessionRef:      "sess_" + req.PaymentNo,
		RequiresCapture: f.requiresCapture,
	}, nil
}

func (f *fakeAdapter) Confirm(ctx context.Context, chargeRef string) (*provider.ConfirmResult, error) {
	f.confirmCount++
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	if f.confirmResult != nil {
		return f.confirmResult, nil
	}
	return &provider.ConfirmResult{State: provider.ConfirmStateSucceeded}, nil
}

func (f *fakeAdapter) RefundStatus(ctx context.Context, refundRef string) (*provider.ConfirmResult, error) {
	if f.refundStatusResult != nil {
		return f.refundStatusResult, nil
	}
	return &provider.ConfirmResult{State: provider.ConfirmStateSucceeded}, nil
}

func (f *fakeAdapter) PayoutStatus(ctx context.Context, payoutRef string) (*provider.ConfirmResult, error) {
	if f.payoutStatusResult != nil {
		return f.payoutStatusResult, nil
	}
	return &provider.ConfirmResult{State: provider.ConfirmStateSucceeded}, nil
}

func (f *fakeAdapter) Capture(ctx context.Context, chargeRef string) error {
	return f.captureErr
}

func (f *fakeAdapter) Refund(ctx context.Context, chargeRef string) (string, error) {
	f.refundCount++
	if f.refundErr != nil {
		return "", f.refundErr
	}
	return "re_" + chargeRef, nil
}

func (f *fakeAdapter) Payout(ctx context.Context, req *provider.PayoutRequest) (string, error) {
	f.payoutCount++
	if f.payoutErr != nil {
		return "", f.payoutErr
	}
	return "po_" + req.PaymentNo, nil
}

func (f *fakeAdapter) VerifyAccount(ctx context.Context, accountRef string) error {
	return f.verifyAccountErr
}

func (f *fakeAdapter) VerifyWebhook(payload []byte, header http.Header) error {
	return f.verifyErr
}

func (f *fakeAdapter) ParseEvent(payload []byte) (*provider.Event, error) {
	var event provider.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, provider.ErrInvalidPayload
	}
	if event.Kind == "" {
		return nil, provider.ErrEventIgnored
	}
	event.Raw = payload
	return &event, nil
}

// eventPayload 构造桩适配器可解析的回调报文
func eventPayload(t *testing.T, event *provider.Event) []byte {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return b
}
