package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis 分布式锁：SET NX EX 抢锁，Lua 脚本验证持有者后释放。
// 退款按用户维度加锁，挡掉同一用户的并发退款请求；真正的防超退
// 仍然靠 users 表的条件扣减，锁只是提前拒绝，少打一次渠道。

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞抢锁。key 已存在返回 false。
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式抢锁，重试耗尽返回 ErrLockFailed
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
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

// Unlock 只删自己持有的锁。锁过期后被别人抢走时，
// GET 出来的 value 对不上，脚本什么都不删。
func (l *DistributedLock) Unlock(ctx context.Context) error {
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

// NewRefundLock 用户维度的退款锁。批次退款动辄十几秒（多笔渠道
// 调用串行），过期时间给足 5 分钟。value 用批次号便于排查持有者。
func NewRefundLock(client *redis.Client, userID int64, batchID string) *DistributedLock {
	key := fmt.Sprintf("refund:lock:user:%d", userID)
	return NewDistributedLock(client, key, batchID, 5*time.Minute)
}
