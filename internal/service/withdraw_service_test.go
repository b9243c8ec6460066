package service

import (
	"context"
	"fmt"
	"testing"

	"settlepay/internal/model"
	"settlepay/internal/provider"
	"settlepay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 10000)

	resp, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 6000, Provider: model.ProviderStripe})
	require.NoError(t, err)

	assert.Equal(t, model.StatusProcessing, resp.Status)
	assert.Equal(t, int64(4000), resp.Available)

	record := env.getRecord(t, resp.PaymentNo)
	assert.Equal(t, model.RecordTypeWithdrawal, record.RecordType)
	assert.Equal(t, record.PayerID, record.PayeeID)
	assert.NotEmpty(t, record.ExternalRefs[model.RefPayout])
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 3000)

	_, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 5000, Provider: model.ProviderStripe})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// 超额提现不产生任何提现单，也不调渠道
	var count int64
	require.NoError(t, env.db.Model(&model.PaymentRecord{}).
		Where("record_type = ?", model.RecordTypeWithdrawal).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, 0, env.adapter.payoutCount)
}

func TestWithdrawStaleAccountRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 10000)
	// 渠道侧账户已被关闭，出款前的核对必须拦下来
	env.adapter.verifyAccountErr = provider.ErrAccountInvalid

	_, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 5000, Provider: model.ProviderStripe})
	assert.ErrorIs(t, err, repository.ErrProviderAccountMissing)
	assert.Equal(t, 0, env.adapter.payoutCount)

	var count int64
	require.NoError(t, env.db.Model(&model.PaymentRecord{}).
		Where("record_type = ?", model.RecordTypeWithdrawal).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	var account model.ProviderAccount
	require.NoError(t, env.db.Where("user_id = ?", 2).First(&account).Error)
	assert.Equal(t, model.ProviderAccountStatusInvalid, account.Status)
}

// 提现单在渠道确认前就占用余额，逐笔提取不能超过累计到账
func TestWithdrawSequenceHoldsBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 10000)

	_, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 6000, Provider: model.ProviderStripe})
	require.NoError(t, err)

	// 第一笔还在 processing，余额只剩 4000
	_, err = env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 6000, Provider: model.ProviderStripe})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	resp, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 4000, Provider: model.ProviderStripe})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Available)
}

func TestWithdrawRejectedReleasesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 10000)
	env.adapter.payoutErr = provider.ErrInsufficientProviderFunds

	_, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 6000, Provider: model.ProviderStripe})
	require.Error(t, err)

	// 渠道明确拒绝：提现单 failed，余额立即释放
	snapshot, err := env.balance.Snapshot(ctx, nil, 2, model.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), snapshot.Available)
}

func TestWithdrawTransientErrorHoldsBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 10000)
	env.adapter.payoutErr = fmt.Errorf("%w: 渠道超时", provider.ErrTransient)

	_, err := env.withdraw.Withdraw(ctx, &WithdrawRequest{UserID: 2, Amount: 6000, Provider: model.ProviderStripe})
	require.Error(t, err)

	// 出款结果未知：提现单停在 processing 继续占用余额，等对账任务查证
	snapshot, err := env.balance.Snapshot(ctx, nil, 2, model.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), snapshot.Available)
	assert.Equal(t, int64(6000), snapshot.PendingWithdrawals)
}

func TestWithdrawInvalidAmount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.withdraw.Withdraw(context.Background(), &WithdrawRequest{UserID: 2, Amount: 0, Provider: model.ProviderStripe})
	assert.Error(t, err)
}

func TestBalanceSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bindAccount(t, 2)
	env.addEarning(t, 2, 5000)
	env.addEarning(t, 2, 3000)

	snapshot, err := env.balance.Snapshot(ctx, nil, 2, model.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), snapshot.Available)
	assert.Equal(t, int64(0), snapshot.PendingWithdrawals)

	// 其他用户的余额互不影响
	other, err := env.balance.Snapshot(ctx, nil, 3, model.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Available)
}
