package handler

import (
	"errors"
	"io"
	"strconv"

	"settlepay/internal/config"
	"settlepay/internal/fee"
	"settlepay/internal/infrastructure/lock"
	"settlepay/internal/provider"
	"settlepay/internal/repository"
	"settlepay/internal/service"
	"settlepay/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	settlementService *service.SettlementService
	withdrawService   *service.WithdrawService
	balanceService    *service.BalanceService
	webhookService    *service.WebhookService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, locks lock.Manager, registry *provider.Registry, cfg *config.Config) *Handler {
	settlement := service.NewSettlementService(db, locks, registry, cfg)
	balance := service.NewBalanceService(db)
	return &Handler{
		settlementService: settlement,
		withdrawService:   service.NewWithdrawService(db, locks, registry, cfg, settlement, balance),
		balanceService:    balance,
		webhookService:    service.NewWebhookService(db, registry, settlement),
	}
}

// handleError 业务错误到 HTTP 应答的统一映射
// 渠道原始报错不透传，只返回稳定的业务码
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrContractNotFound):
		response.Error(c, 404, response.CodeContractNotFound, "合同不存在")
	case errors.Is(err, repository.ErrPaymentNotFound):
		response.NotFound(c, "结算单不存在")
	case errors.Is(err, service.ErrNotAuthorized):
		response.Forbidden(c, "无权执行该操作")
	case errors.Is(err, service.ErrInvalidContractState):
		response.Error(c, 400, response.CodeInvalidContractState, "合同状态不允许结算")
	case errors.Is(err, repository.ErrDuplicateIntent):
		response.Conflict(c, response.CodeDuplicateIntent, "该合同已存在进行中的结算单")
	case errors.Is(err, repository.ErrProviderAccountMissing):
		response.Error(c, 404, response.CodeProviderAccountMissing, "渠道账户未绑定或已失效")
	case errors.Is(err, repository.ErrStatusConflict),
		errors.Is(err, repository.ErrOptimisticLock),
		errors.Is(err, service.ErrRefundNotAllowed):
		response.Conflict(c, response.CodeStatusConflict, "当前状态不允许该操作")
	case errors.Is(err, service.ErrInsufficientBalance):
		response.UnprocessableEntity(c, response.CodeInsufficientBalance, "可用余额不足")
	case errors.Is(err, provider.ErrProviderNotFound):
		response.ParamError(c, "不支持的支付渠道")
	case errors.Is(err, fee.ErrInvalidAmount):
		response.ParamError(c, "金额不合法")
	case errors.Is(err, provider.ErrAccountInvalid):
		response.Error(c, 404, response.CodeProviderAccountMissing, "渠道账户已失效，请重新绑定")
	case provider.IsRetryable(err):
		response.BadGateway(c, response.CodeProviderTransient, "渠道暂时不可用，请稍后重试")
	case errors.Is(err, provider.ErrPermanent),
		errors.Is(err, provider.ErrInsufficientProviderFunds),
		errors.Is(err, provider.ErrPayoutNotAllowed):
		response.BadGateway(c, response.CodeProviderPermanent, "渠道拒绝了该请求")
	default:
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 结算相关接口
// ============================================================

// InitiateRequest 发起结算请求
type InitiateRequest struct {
	Provider string `json:"provider"` // 可选，默认 stripe
}

// Initiate 为合同发起结算
// POST /api/v1/payments/:contractNo/intent
func (h *Handler) Initiate(c *gin.Context) {
	contractNo := c.Param("contractNo")
	if contractNo == "" {
		response.ParamError(c, "contractNo 参数不能为空")
		return
	}

	var req InitiateRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.settlementService.Initiate(c.Request.Context(), &service.InitiateRequest{
		ContractNo: contractNo,
		PayerID:    currentUserID(c),
		Provider:   req.Provider,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, result)
}

// ConfirmRequest 确认请求
type ConfirmRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"` // 渠道交易ID
}

// Confirm 客户端完成支付后主动确认
// POST /api/v1/payments/confirm
//
// 幂等：重复确认同一笔交易返回相同结果，不重复入账
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.settlementService.Confirm(c.Request.Context(), req.TransactionID)
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, gin.H{
		"payment_no": record.PaymentNo,
		"status":     record.Status,
		"amount":     record.TotalPayerAmount,
	})
}

// Release 放款（托管资金释放给收款方）
// POST /api/v1/payments/:contractNo/release
func (h *Handler) Release(c *gin.Context) {
	contractNo := c.Param("contractNo")
	if contractNo == "" {
		response.ParamError(c, "contractNo 参数不能为空")
		return
	}

	record, err := h.settlementService.Release(c.Request.Context(), contractNo, currentUserID(c), isAdmin(c))
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, gin.H{
		"payment_no": record.PaymentNo,
		"status":     record.Status,
	})
}

// Refund 全额退款
// POST /api/v1/payments/:contractNo/refund
func (h *Handler) Refund(c *gin.Context) {
	contractNo := c.Param("contractNo")
	if contractNo == "" {
		response.ParamError(c, "contractNo 参数不能为空")
		return
	}

	record, err := h.settlementService.Refund(c.Request.Context(), contractNo, currentUserID(c), isAdmin(c))
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, gin.H{
		"payment_no": record.PaymentNo,
		"status":     record.Status,
	})
}

// ============================================================
// 余额与提现接口
// ============================================================

// GetBalance 查询当前用户在某渠道的可用余额
// GET /api/v1/payments/balance?provider=stripe
func (h *Handler) GetBalance(c *gin.Context) {
	providerName := c.DefaultQuery("provider", "stripe")

	snapshot, err := h.balanceService.Snapshot(c.Request.Context(), nil, currentUserID(c), providerName)
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, snapshot)
}

// WithdrawRequest 提现请求
type WithdrawRequest struct {
	Amount   int64  `json:"amount" binding:"required,gt=0"`
	Provider string `json:"provider" binding:"required"`
}

// Withdraw 提现
// POST /api/v1/payments/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.withdrawService.Withdraw(c.Request.Context(), &service.WithdrawRequest{
		UserID:   currentUserID(c),
		Amount:   req.Amount,
		Provider: req.Provider,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, result)
}

// ListRecords 查询当前用户的结算单列表
// GET /api/v1/payments/list?page=1&page_size=10
func (h *Handler) ListRecords(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	records, total, err := h.settlementService.ListUserRecords(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		handleError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 渠道回调接口
// ============================================================

// Webhook 接收渠道回调
// POST /api/v1/payments/webhook/:provider
//
// 验签失败返回 400；事件落库成功一律返回 200，
// 处理失败的事件由补偿任务重放，避免渠道反复重投
func (h *Handler) Webhook(c *gin.Context) {
	providerName := c.Param("provider")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}

	if err := h.webhookService.Ingest(c.Request.Context(), providerName, payload, c.Request.Header); err != nil {
		if errors.Is(err, service.ErrEventRejected) {
			response.Error(c, 400, response.CodeInvalidSignature, "事件被拒收")
			return
		}
		if errors.Is(err, provider.ErrProviderNotFound) {
			response.ParamError(c, "不支持的支付渠道")
			return
		}
		response.ServerError(c, "事件接收失败")
		return
	}

	response.Success(c, gin.H{"received": true})
}
