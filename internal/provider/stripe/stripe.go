package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"settlepay/internal/provider"
)

// ============================================================================
// Stripe 渠道适配器
// ============================================================================
//
// 收款走 PaymentIntent，收款方通过 transfer_data.destination 直连到账，
// 平台手续费通过 application_fee_amount 收取。
// 托管模式下使用 manual capture：资金先冻结，放款时再 capture

// Config 渠道配置，由外部注入，适配器不读全局状态
type Config struct {
	SecretKey      string
	WebhookSecret  string
	BaseURL        string // 默认 https://api.stripe.com
	TimeoutSeconds int
	ManualCapture  bool // true 时开启托管（冻结后放款）
}

type Adapter struct {
	cfg       Config
	client    *http.Client
	tolerance time.Duration
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
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
	return "stripe"
}

// ============================================================
// 交易接口
// ============================================================

type intentResponse struct {
	ID               string `json:"id"`
	ClientSecret     string `json:"client_secret"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Code string `json:"code"`
	} `json:"last_payment_error"`
}

func (a *Adapter) OpenCharge(ctx context.Context, req *provider.ChargeRequest) (*provider.ChargeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("customer", req.PayerAccountRef)
	form.Set("transfer_data[destination]", req.PayeeAccountRef)
	form.Set("metadata[payment_no]", req.PaymentNo)
	if a.cfg.ManualCapture {
		form.Set("capture_method", "manual")
	}

	var resp intentResponse
	if err := a.call(ctx, http.MethodPost, "/v1/payment_intents", form, &resp); err != nil {
		return nil, err
	}

	return &provider.ChargeResult{
		ChargeRef:       resp.ID,
		SessionRef:      resp.ClientSecret,
		RequiresCapture: a.cfg.ManualCapture,
	}, nil
}

func (a *Adapter) Confirm(ctx context.Context, chargeRef string) (*provider.ConfirmResult, error) {
	var resp intentResponse
	if err := a.call(ctx, http.MethodGet, "/v1/payment_intents/"+chargeRef, nil, &resp); err != nil {
		return nil, err
	}

	result := &provider.ConfirmResult{}
	switch resp.Status {
	case "succeeded":
		result.State = provider.ConfirmStateSucceeded
	case "requires_capture":
		result.State = provider.ConfirmStateSucceeded
		result.RequiresCapture = true
	case "processing", "requires_payment_method", "requires_confirmation", "requires_action":
		result.State = provider.ConfirmStatePending
	case "canceled":
		result.State = provider.ConfirmStateFailed
	default:
		result.State = provider.ConfirmStateFailed
	}
	if resp.LastPaymentError != nil {
		result.FailureCode = resp.LastPaymentError.Code
	}
	return result, nil
}

// RefundStatus 查退款终态，退款对象有自己的资源路径
func (a *Adapter) RefundStatus(ctx context.Context, refundRef string) (*provider.ConfirmResult, error) {
	var resp struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	}
	if err := a.call(ctx, http.MethodGet, "/v1/refunds/"+refundRef, nil, &resp); err != nil {
		return nil, err
	}

	result := &provider.ConfirmResult{}
	switch resp.Status {
	case "succeeded":
		result.State = provider.ConfirmStateSucceeded
	case "pending", "requires_action":
		result.State = provider.ConfirmStatePending
	default: // failed / canceled
		result.State = provider.ConfirmStateFailed
		result.FailureCode = resp.FailureReason
	}
	return result, nil
}

// PayoutStatus 查出款终态
func (a *Adapter) PayoutStatus(ctx context.Context, payoutRef string) (*provider.ConfirmResult, error) {
	var resp struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		FailureCode string `json:"failure_code"`
	}
	if err := a.call(ctx, http.MethodGet, "/v1/payouts/"+payoutRef, nil, &resp); err != nil {
		return nil, err
	}

	result := &provider.ConfirmResult{}
	switch resp.Status {
	case "paid":
		result.State = provider.ConfirmStateSucceeded
	case "pending", "in_transit":
		result.State = provider.ConfirmStatePending
	default: // failed / canceled
		result.State = provider.ConfirmStateFailed
		result.FailureCode = resp.FailureCode
	}
	return result, nil
}

func (a *Adapter) Capture(ctx context.Context, chargeRef string) error {
	var resp intentResponse
	return a.call(ctx, http.MethodPost, "/v1/payment_intents/"+chargeRef+"/capture", url.Values{}, &resp)
}

func (a *Adapter) Refund(ctx context.Context, chargeRef string) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", chargeRef)

	var resp struct {
		ID string `json:"id"`
	}
	if err := a.call(ctx, http.MethodPost, "/v1/refunds", form, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *Adapter) Payout(ctx context.Context, req *provider.PayoutRequest) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.AccountRef)
	form.Set("metadata[payment_no]", req.PaymentNo)

	var resp struct {
		ID string `json:"id"`
	}
	if err := a.call(ctx, http.MethodPost, "/v1/payouts", form, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *Adapter) VerifyAccount(ctx context.Context, accountRef string) error {
	var resp struct {
		ID             string `json:"id"`
		ChargesEnabled bool   `json:"charges_enabled"`
		PayoutsEnabled bool   `json:"payouts_enabled"`
	}
	if err := a.call(ctx, http.MethodGet, "/v1/accounts/"+accountRef, nil, &resp); err != nil {
		return err
	}
	if !resp.ChargesEnabled && !resp.PayoutsEnabled {
		return provider.ErrAccountInvalid
	}
	return nil
}

// ============================================================
// 回调验签与事件归一化
// ============================================================

// VerifyWebhook 校验 Stripe-Signature 头
// 签名串为 HMAC-SHA256("timestamp.rawBody")，时间戳超出容忍窗口视为重放攻击
func (a *Adapter) VerifyWebhook(payload []byte, header http.Header) error {
	sigHeader := strings.TrimSpace(header.Get("Stripe-Signature"))
	if sigHeader == "" {
		return provider.ErrInvalidSignature
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
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
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return provider.ErrInvalidSignature
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	ChargesEnabled bool              `json:"charges_enabled"`
	PayoutsEnabled bool              `json:"payouts_enabled"`
}

func (a *Adapter) ParseEvent(payload []byte) (*provider.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, provider.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, provider.ErrInvalidPayload
	}

	var kind string
	switch event.Type {
	case "payment_intent.succeeded":
		kind = provider.EventChargeSucceeded
	case "payment_intent.payment_failed":
		kind = provider.EventChargeFailed
	case "charge.refunded":
		kind = provider.EventChargeRefunded
	case "payout.paid":
		kind = provider.EventPayoutSucceeded
	case "payout.failed":
		kind = provider.EventPayoutFailed
	case "account.updated":
		kind = provider.EventAccountUpdated
	default:
		return nil, provider.ErrEventIgnored
	}

	var obj stripeObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return nil, provider.ErrInvalidPayload
	}

	e := &provider.Event{
		Provider:    a.Name(),
		EventID:     event.ID,
		Kind:        kind,
		ExternalRef: obj.ID,
		PaymentNo:   obj.Metadata["payment_no"],
		Amount:      obj.Amount,
		Currency:    strings.ToUpper(obj.Currency),
		OccurredAt:  time.Unix(event.Created, 0),
		Raw:         payload,
	}
	if kind == provider.EventAccountUpdated {
		e.AccountRef = obj.ID
		e.AccountOK = obj.ChargesEnabled || obj.PayoutsEnabled
	}
	return e, nil
}

// ============================================================
// HTTP 调用与错误归一化
// ============================================================

type stripeError struct {
	Error struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
}

func (a *Adapter) call(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// 网络错误和超时一律按临时故障处理，由上层决定是否重试
		return fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%w: 响应解析失败: %v", provider.ErrPermanent, err)
			}
		}
		return nil
	}

	return a.classify(resp.StatusCode, data)
}

func (a *Adapter) classify(status int, body []byte) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: http %d", provider.ErrTransient, status)
	}

	var se stripeError
	_ = json.Unmarshal(body, &se)

	switch se.Error.Code {
	case "balance_insufficient":
		return provider.ErrInsufficientProviderFunds
	case "account_invalid", "account_closed", "account_deactivated":
		return provider.ErrAccountInvalid
	case "payouts_not_allowed", "instant_payouts_unsupported":
		return provider.ErrPayoutNotAllowed
	}
	if errors.Is(a.classifyType(se.Error.Type), provider.ErrTransient) {
		return fmt.Errorf("%w: %s", provider.ErrTransient, se.Error.Code)
	}
	return fmt.Errorf("%w: http %d code=%s", provider.ErrPermanent, status, se.Error.Code)
}

func (a *Adapter) classifyType(errType string) error {
	if errType == "api_error" {
		return provider.ErrTransient
	}
	return provider.ErrPermanent
}
