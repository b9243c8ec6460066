package handler

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"settlepay/internal/fee"
	"settlepay/internal/provider"
	"settlepay/internal/repository"
	"settlepay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHandleErrorStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		err    error
		status int
	}{
		{repository.ErrContractNotFound, 404},
		{repository.ErrPaymentNotFound, 404},
		{service.ErrNotAuthorized, 403},
		// 合同状态不满足是请求本身的问题，返回 400
		{service.ErrInvalidContractState, 400},
		{repository.ErrDuplicateIntent, 409},
		// 渠道账户未绑定/已失效按资源缺失处理，返回 404
		{repository.ErrProviderAccountMissing, 404},
		{provider.ErrAccountInvalid, 404},
		{repository.ErrStatusConflict, 409},
		{repository.ErrOptimisticLock, 409},
		{service.ErrRefundNotAllowed, 409},
		// 422 只留给余额不足
		{service.ErrInsufficientBalance, 422},
		{provider.ErrProviderNotFound, 400},
		{fee.ErrInvalidAmount, 400},
		{fmt.Errorf("%w: 连接超时", provider.ErrTransient), 502},
		{provider.ErrPermanent, 502},
		{provider.ErrInsufficientProviderFunds, 502},
		{errors.New("未知错误"), 500},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)

		handleError(c, tt.err)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}
}
