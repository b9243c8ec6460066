package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock(t *testing.T) {
	mgr := NewMemoryManager()
	ctx := context.Background()

	l1 := mgr.NewLock("settle:lock:contract:CT-1", "holder-1", time.Minute)
	require.NoError(t, l1.Lock(ctx, time.Millisecond, 1))

	// 锁被占用时获取失败
	l2 := mgr.NewLock("settle:lock:contract:CT-1", "holder-2", time.Minute)
	assert.ErrorIs(t, l2.Lock(ctx, time.Millisecond, 3), ErrLockFailed)

	// 非持有者释放无效
	require.NoError(t, l2.Unlock(ctx))
	assert.ErrorIs(t, l2.Lock(ctx, time.Millisecond, 1), ErrLockFailed)

	// 持有者释放后可重新获取
	require.NoError(t, l1.Unlock(ctx))
	assert.NoError(t, l2.Lock(ctx, time.Millisecond, 1))
}

func TestLockKeys(t *testing.T) {
	assert.Equal(t, "settle:lock:contract:CT-1", SettleKey("CT-1"))
	assert.Equal(t, "withdraw:lock:user:42:stripe", WithdrawKey(42, "stripe"))
}
