package service

import (
	"context"
	"net/http"
	"testing"

	"settlepay/internal/model"
	"settlepay/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) initiateAndGet(t *testing.T, contractNo string) *model.PaymentRecord {
	t.Helper()
	e.createContract(t, contractNo, 1, 2, 10000)
	e.bindAccount(t, 1)
	e.bindAccount(t, 2)

	resp, err := e.settlement.Initiate(context.Background(), &InitiateRequest{ContractNo: contractNo, PayerID: 1})
	require.NoError(t, err)
	return e.getRecord(t, resp.PaymentNo)
}

func (e *testEnv) ingest(t *testing.T, event *provider.Event) error {
	t.Helper()
	return e.webhook.Ingest(context.Background(), model.ProviderStripe, eventPayload(t, event), http.Header{})
}

func chargeEvent(record *model.PaymentRecord, eventID, kind string) *provider.Event {
	return &provider.Event{
		Provider:    model.ProviderStripe,
		EventID:     eventID,
		Kind:        kind,
		ExternalRef: record.ExternalRef,
		PaymentNo:   record.PaymentNo,
	}
}

func TestWebhookChargeSucceeded(t *testing.T) {
	env := newTestEnv(t)
	record := env.initiateAndGet(t, "CT-1")

	require.NoError(t, env.ingest(t, chargeEvent(record, "evt_1", provider.EventChargeSucceeded)))

	final := env.getRecord(t, record.PaymentNo)
	assert.Equal(t, model.StatusSucceeded, final.Status)
	assert.Equal(t, "evt_1", final.LastProcessedEventID)

	var event model.WebhookEvent
	require.NoError(t, env.db.Where("event_id = ?", "evt_1").First(&event).Error)
	assert.Equal(t, model.WebhookEventStatusProcessed, event.Status)
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	env := newTestEnv(t)
	record := env.initiateAndGet(t, "CT-1")
	env.adapter.verifyErr = provider.ErrInvalidSignature

	err := env.ingest(t, chargeEvent(record, "evt_1", provider.EventChargeSucceeded))
	assert.ErrorIs(t, err, ErrEventRejected)

	// 被拒收的事件不落库也不影响结算单
	var count int64
	require.NoError(t, env.db.Model(&model.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, model.StatusRequiresPaymentMethod, env.getRecord(t, record.PaymentNo).Status)
}

func TestWebhookStaleTimestampRejected(t *testing.T) {
	env := newTestEnv(t)
	record := env.initiateAndGet(t, "CT-1")
	env.adapter.verifyErr = provider.ErrStaleTimestamp

	err := env.ingest(t, chargeEvent(record, "evt_1", provider.EventChargeSucceeded))
	assert.ErrorIs(t, err, ErrEventRejected)
}

func TestWebhookDuplicateEventAppliedOnce(t *testing.T) {
	env := newTestEnv(t)
	record := env.initiateAndGet(t, "CT-1")

	event := chargeEvent(record, "evt_1", provider.EventChargeSucceeded)
	require.NoError(t, env.ingest(t, event))
	require.NoError(t, env.ingest(t, event))
	require.NoError(t, env.ingest(t, event))

	var count int64
	require.NoError(t, env.db.Model(&model.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// 只入账一次：终态消息只有一条
	assert.Equal(t, int64(1), env.countOutbox(t))
}

// 同一组事件以任意顺序投递，最终状态必须一致
func TestWebhookOutOfOrderConverges(t *testing.T) {
	env := newTestEnv(t)
	record := env.initiateAndGet(t, "CT-1")

	// 退款终态事件先到
	require.NoError(t, env.ingest(t, chargeEvent(record, "evt_refund", provider.EventChargeRefunded)))
	assert.Equal(t, model.StatusRefunded, env.getRecord(t, record.PaymentNo).Status)

	// 迟到的成功事件被幂等吞掉，状态不回退
	require.NoError(t, env.ingest(t, chargeEvent(record, "evt_success", provider.EventChargeSucceeded)))
	assert.Equal(t, model.StatusRefunded, env.getRecord(t, record.PaymentNo).Status)
}

func TestWebhookUnknownKindAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.initiateAndGet(t, "CT-1")

	// Kind 为空时桩适配器返回 ErrEventIgnored
	err := env.ingest(t, &provider.Event{Provider: model.ProviderStripe, EventID: "evt_x"})
	assert.NoError(t, err)

	var count int64
	require.NoError(t, env.db.Model(&model.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestWebhookChargeFailed(t *testing.T) {
	env := newTestEnv(t)
	record := env.initiateAndGet(t, "CT-1")

	require.NoError(t, env.ingest(t, chargeEvent(record, "evt_1", provider.EventChargeFailed)))
	assert.Equal(t, model.StatusFailed, env.getRecord(t, record.PaymentNo).Status)
}

func TestWebhookPayoutFailedReleasesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 10000)

	resp, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 6000, Provider: model.ProviderStripe})
	require.NoError(t, err)
	record := env.getRecord(t, resp.PaymentNo)

	require.NoError(t, env.ingest(t, &provider.Event{
		Provider:    model.ProviderStripe,
		EventID:     "evt_po_fail",
		Kind:        provider.EventPayoutFailed,
		ExternalRef: record.ExternalRef,
		PaymentNo:   record.PaymentNo,
	}))

	final := env.getRecord(t, record.PaymentNo)
	assert.Equal(t, model.StatusFailed, final.Status)

	snapshot, err := env.balance.Snapshot(ctx, nil, 2, model.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), snapshot.Available)
}

func TestWebhookPayoutSucceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 10000)

	resp, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 6000, Provider: model.ProviderStripe})
	require.NoError(t, err)
	record := env.getRecord(t, resp.PaymentNo)

	require.NoError(t, env.ingest(t, &provider.Event{
		Provider:  model.ProviderStripe,
		EventID:   "evt_po_ok",
		Kind:      provider.EventPayoutSucceeded,
		PaymentNo: record.PaymentNo,
	}))

	assert.Equal(t, model.StatusSucceeded, env.getRecord(t, record.PaymentNo).Status)

	// 提现成功后余额不回升
	snapshot, err := env.balance.Snapshot(ctx, nil, 2, model.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), snapshot.Available)
}

func TestWebhookAccountUpdated(t *testing.T) {
	env := newTestEnv(t)
	env.bindAccount(t, 2)

	require.NoError(t, env.ingest(t, &provider.Event{
		Provider:   model.ProviderStripe,
		EventID:    "evt_acct",
		Kind:       provider.EventAccountUpdated,
		AccountRef: "acct_2",
		AccountOK:  false,
	}))

	var account model.ProviderAccount
	require.NoError(t, env.db.Where("user_id = ?", 2).First(&account).Error)
	assert.Equal(t, model.ProviderAccountStatusInvalid, account.Status)
	assert.Empty(t, account.AccountRef)
}

func TestWebhookEventForUnknownRecordMarkedFailed(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.ingest(t, &provider.Event{
		Provider:    model.ProviderStripe,
		EventID:     "evt_orphan",
		Kind:        provider.EventChargeSucceeded,
		ExternalRef: "ch_unknown",
	}))

	// 找不到结算单：事件留在 FAILED 等补偿任务重放
	var event model.WebhookEvent
	require.NoError(t, env.db.Where("event_id = ?", "evt_orphan").First(&event).Error)
	assert.Equal(t, model.WebhookEventStatusFailed, event.Status)
	assert.Equal(t, 1, event.RetryCount)
}
