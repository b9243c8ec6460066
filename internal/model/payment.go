package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// 结算单状态机
// ============================================================================

const (
	StatusRequiresPaymentMethod = "requires_payment_method" // 待支付（已开单，等待支付方完成支付）
	StatusProcessing            = "processing"              // 处理中（渠道已受理，等待终态通知）
	StatusRequiresCapture       = "requires_capture"        // 托管中（资金已冻结，等待放款）
	StatusSucceeded             = "succeeded"               // 成功
	StatusRefundPending         = "refund_pending"          // 退款中
	StatusRefunded              = "refunded"                // 已退款
	StatusFailed                = "failed"                  // 失败
	StatusCanceled              = "canceled"                // 已取消
)

// ValidStatusTransitions 状态机转移表
// 所有状态变更必须走 CanTransitionTo 校验，禁止直接改字段绕过状态机
var ValidStatusTransitions = map[string][]string{
	StatusRequiresPaymentMethod: {StatusProcessing, StatusRequiresCapture, StatusFailed, StatusCanceled},
	StatusProcessing:            {StatusSucceeded, StatusRequiresCapture, StatusFailed},
	StatusRequiresCapture:       {StatusSucceeded, StatusRefundPending, StatusCanceled},
	StatusSucceeded:             {StatusRefundPending},
	// 退款被渠道拒绝时回到 succeeded，资金未动，失败原因记录在 failure_code
	StatusRefundPending: {StatusRefunded, StatusSucceeded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus 是否终态（succeeded 后续仍可能进入退款流程）
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusRefunded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ============================================================================
// 渠道与结算单类型
// ============================================================================

const (
	ProviderStripe = "stripe"
	ProviderNuvei  = "nuvei"
)

const (
	RecordTypePayment    = "payment"    // 合同结算（付款方 -> 收款方）
	RecordTypeWithdrawal = "withdrawal" // 提现（收款方 -> 渠道外部账户）
)

// ExternalRefMap 渠道侧引用集合（session id / transaction id / payout id 等）
// 以 JSON 文本落库，key 为引用类型，value 为渠道返回的 id
type ExternalRefMap map[string]string

func (m ExternalRefMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *ExternalRefMap) Scan(value interface{}) error {
	if value == nil {
		*m = ExternalRefMap{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("external_refs 字段类型不支持")
	}
	if len(b) == 0 {
		*m = ExternalRefMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// 常用引用 key
const (
	RefCharge  = "charge"  // 收款交易引用
	RefSession = "session" // 支付会话引用（返回给客户端）
	RefRefund  = "refund"  // 退款交易引用
	RefPayout  = "payout"  // 提现交易引用
)

// ============================================================================
// 结算单实体
// ============================================================================

// PaymentRecord 结算单表，支付和提现共用一张表
//
// 【重要】金额字段全部为最小货币单位（分），写入时必须满足：
//  1. application_fee_amount = round(service_amount × fee_percent) + fixed_fee
//  2. provider_tax_amount = round((service_amount + application_fee_amount) × tax_percent)
//  3. total_payer_amount = service_amount + application_fee_amount + provider_tax_amount
//  4. amount_received_by_payee = service_amount（手续费向付款方额外收取，不从收款方扣）
//
// 结算单只增不删，取消/退款/失败的单据保留用于对账和余额计算
type PaymentRecord struct {
	ID          int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentNo   string  `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_no"`
	ContractRef *string `gorm:"type:varchar(64);uniqueIndex" json:"contract_ref"` // 提现单为 NULL
	GigRef      *string `gorm:"type:varchar(64)" json:"gig_ref"`
	Provider    string  `gorm:"type:varchar(16);index;not null" json:"provider"`
	RecordType  string  `gorm:"type:varchar(16);not null" json:"record_type"`

	PayerID int64 `gorm:"index;not null" json:"payer_id"`
	PayeeID int64 `gorm:"index;not null" json:"payee_id"` // 提现单 payer == payee

	ServiceAmount         int64  `gorm:"not null" json:"service_amount"`
	ApplicationFeeAmount  int64  `gorm:"not null" json:"application_fee_amount"`
	ProviderTaxAmount     int64  `gorm:"not null" json:"provider_tax_amount"`
	TotalPayerAmount      int64  `gorm:"not null" json:"total_payer_amount"`
	AmountReceivedByPayee int64  `gorm:"not null" json:"amount_received_by_payee"`
	Currency              string `gorm:"type:varchar(8);not null" json:"currency"`

	Status string `gorm:"type:varchar(32);index;not null" json:"status"`

	// ExternalRef 渠道主交易ID（收款单为 charge，提现单为 payout），
	// 确认接口和回调事件都按它定位结算单；其余渠道引用放 ExternalRefs
	ExternalRef  string         `gorm:"type:varchar(128);index" json:"external_ref"`
	ExternalRefs ExternalRefMap `gorm:"type:text" json:"external_refs"`
	FailureCode  string         `gorm:"type:varchar(64)" json:"failure_code,omitempty"`

	// LastProcessedEventID 最近一次成功应用的渠道事件ID，防止重复投递重复入账
	LastProcessedEventID string `gorm:"type:varchar(128)" json:"last_processed_event_id"`

	Version     int        `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	SucceededAt *time.Time `json:"succeeded_at"`
	RefundedAt  *time.Time `json:"refunded_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_record"
}
