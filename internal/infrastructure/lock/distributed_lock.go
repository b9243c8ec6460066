package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 结算引擎的每个状态变更操作都先拿对应维度的锁再进事务：
//   - 发起/确认/放款/退款：按合同号加锁，同一合同串行
//   - 提现：按 用户+渠道 加锁，余额读取和提现单创建之间不被并发穿插
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持锁进程崩溃后死锁
//   - value 为请求标识，释放时校验，防止误删他人的锁
// 释放：Lua 脚本保证"校验+删除"原子

var ErrLockFailed = errors.New("获取分布式锁失败")

// Locker 单把锁
type Locker interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// Manager 锁工厂，按 key 创建锁
// 生产环境用 Redis 实现，测试用进程内实现（见 memory.go）
type Manager interface {
	NewLock(key, value string, expiration time.Duration) Locker
}

// ============================================================
// Redis 实现
// ============================================================

type RedisManager struct {
	client *redis.Client
}

func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

func (m *RedisManager) NewLock(key, value string, expiration time.Duration) Locker {
	return &redisLock{
		client:     m.client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

type redisLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func (l *redisLock) tryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

func (l *redisLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.tryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 校验 value 匹配后才删除，防止锁过期后误删后继持有者的锁
func (l *redisLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================
// 锁 key 约定
// ============================================================

// SettleKey 合同维度的结算锁
func SettleKey(contractNo string) string {
	return fmt.Sprintf("settle:lock:contract:%s", contractNo)
}

// WithdrawKey 用户+渠道维度的提现锁
func WithdrawKey(userID int64, providerName string) string {
	return fmt.Sprintf("withdraw:lock:user:%d:%s", userID, providerName)
}
