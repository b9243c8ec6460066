package provider

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ============================================================================
// 支付渠道适配层
// ============================================================================
//
// 结算引擎只面向这里定义的统一接口，渠道差异（API 形态、错误码、回调报文）
// 全部收敛在各自的适配器内部。适配器在结算单创建时选定一次，
// 之后固定写在结算单的 provider 字段上，不允许中途切换

// 渠道错误归一化集合
// 适配器必须把渠道侧错误翻译成这些哨兵错误（可用 fmt.Errorf %w 包装）
var (
	ErrAccountInvalid            = errors.New("渠道账户已失效")
	ErrInsufficientProviderFunds = errors.New("渠道账户余额不足")
	ErrPayoutNotAllowed          = errors.New("渠道不允许对该账户出款")
	ErrTransient                 = errors.New("渠道临时故障，可重试")
	ErrPermanent                 = errors.New("渠道返回不可重试错误")

	ErrInvalidSignature = errors.New("回调验签失败")
	ErrStaleTimestamp   = errors.New("回调时间戳超出容忍窗口")
	ErrEventIgnored     = errors.New("未知事件类型，忽略")
	ErrInvalidPayload   = errors.New("回调报文解析失败")
)

// 确认结果状态
const (
	ConfirmStateSucceeded = "succeeded"
	ConfirmStatePending   = "pending"
	ConfirmStateFailed    = "failed"
)

// 归一化事件类型，回调对账器按此分发到引擎操作
const (
	EventChargeSucceeded = "charge_succeeded"
	EventChargeFailed    = "charge_failed"
	EventChargeRefunded  = "charge_refunded"
	EventPayoutSucceeded = "payout_succeeded"
	EventPayoutFailed    = "payout_failed"
	EventAccountUpdated  = "account_updated"
)

// ChargeRequest 开立收款交易
type ChargeRequest struct {
	PaymentNo       string // 结算单号，透传到渠道 metadata，回调时回传
	Amount          int64  // 付款方应付总额（分）
	Currency        string
	PayerAccountRef string
	PayeeAccountRef string
}

// ChargeResult 开立收款交易结果
type ChargeResult struct {
	ChargeRef       string // 渠道交易ID
	SessionRef      string // 支付会话凭证，返回给客户端完成支付
	RequiresCapture bool   // 渠道是否先冻结资金等待放款（托管模式）
}

// ConfirmResult 交易确认结果
type ConfirmResult struct {
	State           string // succeeded | pending | failed
	RequiresCapture bool   // 资金已冻结待放款
	FailureCode     string
}

// PayoutRequest 出款（提现）请求
type PayoutRequest struct {
	PaymentNo  string
	AccountRef string
	Amount     int64
	Currency   string
}

// Event 归一化后的渠道回调事件
type Event struct {
	Provider    string
	EventID     string // 渠道事件ID，去重依据
	Kind        string // 归一化事件类型
	ExternalRef string // 关联的渠道交易/出款ID
	PaymentNo   string // 透传回来的结算单号，可能为空
	AccountRef  string // account_updated 事件携带
	AccountOK   bool   // account_updated 事件携带：账户是否仍可用
	Amount      int64
	Currency    string
	OccurredAt  time.Time
	Raw         []byte
}

// Adapter 支付渠道适配器
// 所有网络调用必须遵守 ctx 超时，超时按 ErrTransient 处理
type Adapter interface {
	Name() string

	OpenCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	// Confirm 查收款交易状态；退款/出款引用在渠道侧是独立资源，
	// 必须走各自的查询接口，不能混用
	Confirm(ctx context.Context, chargeRef string) (*ConfirmResult, error)
	RefundStatus(ctx context.Context, refundRef string) (*ConfirmResult, error)
	PayoutStatus(ctx context.Context, payoutRef string) (*ConfirmResult, error)
	Capture(ctx context.Context, chargeRef string) error
	Refund(ctx context.Context, chargeRef string) (string, error)
	Payout(ctx context.Context, req *PayoutRequest) (string, error)
	VerifyAccount(ctx context.Context, accountRef string) error

	// VerifyWebhook 校验回调签名与时间戳，失败返回 ErrInvalidSignature / ErrStaleTimestamp
	VerifyWebhook(payload []byte, header http.Header) error
	// ParseEvent 解析回调报文为归一化事件，未知类型返回 ErrEventIgnored
	ParseEvent(payload []byte) (*Event, error)
}

// IsRetryable 是否可自动重试（仅临时故障）
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
