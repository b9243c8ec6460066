package fee

import (
	"errors"
	"log"
	"math"
)

// ============================================================================
// 费用计算器
// ============================================================================
//
// 【计费规则】手续费和税费向付款方额外收取，收款方全额到账：
//
//	application_fee = round(service_amount × fee_percent) + fixed_fee
//	provider_tax    = round((service_amount + application_fee) × tax_percent)
//	total_payer     = service_amount + application_fee + provider_tax
//	payee_received  = service_amount
//
// 【关键点】每一步先四舍五入到分再参与下一步计算，
// 舍入顺序必须和渠道侧结算口径一致，否则对账会出现分差
//
// 税费只向付款方收取，收款方侧不计税 —— 这是产品规则，不是记账默认值

var ErrInvalidAmount = errors.New("服务金额必须大于0")

// Breakdown 费用拆分结果，金额单位为分
type Breakdown struct {
	ServiceAmount         int64 `json:"service_amount"`
	ApplicationFeeAmount  int64 `json:"application_fee_amount"`
	ProviderTaxAmount     int64 `json:"provider_tax_amount"`
	TotalPayerAmount      int64 `json:"total_payer_amount"`
	AmountReceivedByPayee int64 `json:"amount_received_by_payee"`
}

// Calculator 费用计算器，纯函数，无外部依赖
type Calculator struct {
	FeePercent        float64 // 平台手续费比例，如 0.10
	FixedFeeMinorUnit int64   // 固定手续费（分）
	TaxPercent        float64 // 税率，如 0.13
}

func NewCalculator(feePercent float64, fixedFeeMinorUnit int64, taxPercent float64) *Calculator {
	return &Calculator{
		FeePercent:        feePercent,
		FixedFeeMinorUnit: fixedFeeMinorUnit,
		TaxPercent:        taxPercent,
	}
}

// Calculate 计算费用拆分
func (c *Calculator) Calculate(serviceAmount int64) (*Breakdown, error) {
	if serviceAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	applicationFee := roundHalfUp(float64(serviceAmount)*c.FeePercent) + c.FixedFeeMinorUnit
	providerTax := roundHalfUp(float64(serviceAmount+applicationFee) * c.TaxPercent)

	// 手续费超过服务金额属于病态费率配置，只告警不拦截
	if applicationFee >= serviceAmount {
		log.Printf("[FeeCalculator] 手续费超过服务金额: serviceAmount=%d, applicationFee=%d", serviceAmount, applicationFee)
	}

	return &Breakdown{
		ServiceAmount:         serviceAmount,
		ApplicationFeeAmount:  applicationFee,
		ProviderTaxAmount:     providerTax,
		TotalPayerAmount:      serviceAmount + applicationFee + providerTax,
		AmountReceivedByPayee: serviceAmount,
	}, nil
}

// roundHalfUp 四舍五入到最近的分（金额恒为非负数）
func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
