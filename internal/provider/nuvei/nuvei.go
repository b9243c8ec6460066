package nuvei

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"settlepay/internal/provider"
)

// ============================================================================
// Nuvei 渠道适配器
// ============================================================================
//
// Nuvei 走 JSON API，每个请求携带 merchantId 和基于共享密钥的 checksum。
// 回调（DMN）通过 x-signature / x-timestamp 头验签：
// HMAC-SHA256(timestamp + rawBody)，时间戳超窗拒收防重放

// Config 渠道配置，由外部注入
type Config struct {
	MerchantID     string
	SecretKey      string
	WebhookSecret  string
	BaseURL        string
	TimeoutSeconds int
}

type Adapter struct {
	cfg       Config
	client    *http.Client
	tolerance time.Duration
}

func New(cfg Config) *Adapter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout},
		tolerance: 300 * time.Second,
	}
}

func (a *Adapter) Name() string {
	return "nuvei"
}

// ============================================================
// 交易接口
// ============================================================

type nuveiResponse struct {
	Status            string `json:"status"`            // SUCCESS | ERROR
	TransactionStatus string `json:"transactionStatus"` // APPROVED | DECLINED | PENDING
	TransactionID     string `json:"transactionId"`
	SessionToken      string `json:"sessionToken"`
	ErrCode           int    `json:"errCode"`
	Reason            string `json:"reason"`
}

func (a *Adapter) OpenCharge(ctx context.Context, req *provider.ChargeRequest) (*provider.ChargeResult, error) {
	body := map[string]interface{}{
		"merchantId":       a.cfg.MerchantID,
		"amount":           req.Amount,
		"currency":         req.Currency,
		"userTokenId":      req.PayerAccountRef,
		"recipientTokenId": req.PayeeAccountRef,
		"merchantUniqueId": req.PaymentNo,
	}

	resp, err := a.call(ctx, "/ppp/api/v1/openOrder", body)
	if err != nil {
		return nil, err
	}

	return &provider.ChargeResult{
		ChargeRef:  resp.TransactionID,
		SessionRef: resp.SessionToken,
		// Nuvei 侧无冻结放款模式，开单即直接清算
		RequiresCapture: false,
	}, nil
}

func (a *Adapter) Confirm(ctx context.Context, chargeRef string) (*provider.ConfirmResult, error) {
	body := map[string]interface{}{
		"merchantId":    a.cfg.MerchantID,
		"transactionId": chargeRef,
	}

	resp, err := a.call(ctx, "/ppp/api/v1/getPaymentStatus", body)
	if err != nil {
		return nil, err
	}

	result := &provider.ConfirmResult{}
	switch resp.TransactionStatus {
	case "APPROVED":
		result.State = provider.ConfirmStateSucceeded
	case "PENDING":
		result.State = provider.ConfirmStatePending
	default:
		result.State = provider.ConfirmStateFailed
		result.FailureCode = resp.Reason
	}
	return result, nil
}

// Nuvei 的 getPaymentStatus 按 transactionId 查任意交易，
// 收款/退款/出款共用同一个查询接口
func (a *Adapter) RefundStatus(ctx context.Context, refundRef string) (*provider.ConfirmResult, error) {
	return a.Confirm(ctx, refundRef)
}

func (a *Adapter) PayoutStatus(ctx context.Context, payoutRef string) (*provider.ConfirmResult, error) {
	return a.Confirm(ctx, payoutRef)
}

func (a *Adapter) Capture(ctx context.Context, chargeRef string) error {
	body := map[string]interface{}{
		"merchantId":           a.cfg.MerchantID,
		"relatedTransactionId": chargeRef,
	}
	_, err := a.call(ctx, "/ppp/api/v1/settleTransaction", body)
	return err
}

func (a *Adapter) Refund(ctx context.Context, chargeRef string) (string, error) {
	body := map[string]interface{}{
		"merchantId":           a.cfg.MerchantID,
		"relatedTransactionId": chargeRef,
	}
	resp, err := a.call(ctx, "/ppp/api/v1/refundTransaction", body)
	if err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

func (a *Adapter) Payout(ctx context.Context, req *provider.PayoutRequest) (string, error) {
	body := map[string]interface{}{
		"merchantId":       a.cfg.MerchantID,
		"userTokenId":      req.AccountRef,
		"amount":           req.Amount,
		"currency":         req.Currency,
		"merchantUniqueId": req.PaymentNo,
	}
	resp, err := a.call(ctx, "/ppp/api/v1/payout", body)
	if err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

func (a *Adapter) VerifyAccount(ctx context.Context, accountRef string) error {
	body := map[string]interface{}{
		"merchantId":  a.cfg.MerchantID,
		"userTokenId": accountRef,
	}
	resp, err := a.call(ctx, "/ppp/api/v1/getUserDetails", body)
	if err != nil {
		return err
	}
	if resp.Status != "SUCCESS" {
		return provider.ErrAccountInvalid
	}
	return nil
}

// ============================================================
// 回调验签与事件归一化
// ============================================================

func (a *Adapter) VerifyWebhook(payload []byte, header http.Header) error {
	signature := strings.TrimSpace(header.Get("x-signature"))
	timestamp := strings.TrimSpace(header.Get("x-timestamp"))
	if signature == "" || timestamp == "" {
		return provider.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return provider.ErrInvalidSignature
	}
	if delta := time.Since(time.Unix(ts, 0)); delta > a.tolerance || delta < -a.tolerance {
		return provider.ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return provider.ErrInvalidSignature
	}
	return nil
}

type nuveiEvent struct {
	EventID          string `json:"eventId"`
	EventType        string `json:"eventType"`
	TransactionID    string `json:"transactionId"`
	MerchantUniqueID string `json:"merchantUniqueId"`
	UserTokenID      string `json:"userTokenId"`
	AccountEnabled   bool   `json:"accountEnabled"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Timestamp        int64  `json:"timestamp"`
}

func (a *Adapter) ParseEvent(payload []byte) (*provider.Event, error) {
	var event nuveiEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, provider.ErrInvalidPayload
	}
	if strings.TrimSpace(event.EventID) == "" {
		return nil, provider.ErrInvalidPayload
	}

	var kind string
	switch event.EventType {
	case "PAYMENT_APPROVED":
		kind = provider.EventChargeSucceeded
	case "PAYMENT_DECLINED":
		kind = provider.EventChargeFailed
	case "REFUND_APPROVED":
		kind = provider.EventChargeRefunded
	case "PAYOUT_COMPLETED":
		kind = provider.EventPayoutSucceeded
	case "PAYOUT_DECLINED":
		kind = provider.EventPayoutFailed
	case "ACCOUNT_STATUS":
		kind = provider.EventAccountUpdated
	default:
		return nil, provider.ErrEventIgnored
	}

	e := &provider.Event{
		Provider:    a.Name(),
		EventID:     event.EventID,
		Kind:        kind,
		ExternalRef: event.TransactionID,
		PaymentNo:   event.MerchantUniqueID,
		Amount:      event.Amount,
		Currency:    strings.ToUpper(event.Currency),
		OccurredAt:  time.Unix(event.Timestamp, 0),
		Raw:         payload,
	}
	if kind == provider.EventAccountUpdated {
		e.AccountRef = event.UserTokenID
		e.AccountOK = event.AccountEnabled
	}
	return e, nil
}

// ============================================================
// HTTP 调用与错误归一化
// ============================================================

func (a *Adapter) call(ctx context.Context, path string, body map[string]interface{}) (*nuveiResponse, error) {
	body["timeStamp"] = time.Now().Unix()
	body["checksum"] = a.checksum(body)

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// 网络错误和超时一律按临时故障处理
		return nil, fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: http %d", provider.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: http %d", provider.ErrPermanent, resp.StatusCode)
	}

	var nr nuveiResponse
	if err := json.Unmarshal(respData, &nr); err != nil {
		return nil, fmt.Errorf("%w: 响应解析失败: %v", provider.ErrPermanent, err)
	}

	if nr.Status == "ERROR" {
		return nil, a.classify(&nr)
	}
	return &nr, nil
}

// classify 把 Nuvei 错误码翻译成归一化错误
func (a *Adapter) classify(resp *nuveiResponse) error {
	switch resp.ErrCode {
	case 9100: // 账户失效/被关闭
		return provider.ErrAccountInvalid
	case 9201: // 商户余额不足
		return provider.ErrInsufficientProviderFunds
	case 9315: // 该账户不允许出款
		return provider.ErrPayoutNotAllowed
	case 9999: // 渠道内部错误
		return fmt.Errorf("%w: errCode=%d", provider.ErrTransient, resp.ErrCode)
	}
	return fmt.Errorf("%w: errCode=%d reason=%s", provider.ErrPermanent, resp.ErrCode, resp.Reason)
}

// checksum 请求签名：对 body 的 JSON 串做 HMAC-SHA256
func (a *Adapter) checksum(body map[string]interface{}) string {
	data, _ := json.Marshal(body)
	mac := hmac.New(sha256.New, []byte(a.cfg.SecretKey))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
