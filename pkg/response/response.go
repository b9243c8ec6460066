package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 业务错误码，对外稳定，客户端按 code 做机器判断
const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeForbidden   = 403
	CodeNotFound    = 404
	CodeServerError = 500
)

const (
	CodeContractNotFound       = 1001
	CodeInvalidContractState   = 1002
	CodeNotPayer               = 1003
	CodeDuplicateIntent        = 1004
	CodeProviderAccountMissing = 1005
	CodeStatusConflict         = 1006
	CodeInsufficientBalance    = 1007
	CodePaymentNotFound        = 1008
	CodeProviderTransient      = 1009
	CodeProviderPermanent      = 1010
	CodeInvalidSignature       = 1011
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 按错误分类返回对应 HTTP 状态码 + 稳定业务码
// 渠道原始报错不透传给终端用户
func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, CodeForbidden, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, CodeNotFound, message)
}

func Conflict(c *gin.Context, code int, message string) {
	Error(c, http.StatusConflict, code, message)
}

func UnprocessableEntity(c *gin.Context, code int, message string) {
	Error(c, http.StatusUnprocessableEntity, code, message)
}

func BadGateway(c *gin.Context, code int, message string) {
	Error(c, http.StatusBadGateway, code, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}
