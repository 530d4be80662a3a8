package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseNotAcquired 等待超时仍未拿到租约
var ErrLeaseNotAcquired = errors.New("lease not acquired")

// 仅持有者可释放
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseLocker 基于 SET NX PX 的短租约锁，按支付串行化操作
type LeaseLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewLeaseLocker 创建租约锁
func NewLeaseLocker(client *redis.Client, prefix string, ttl, wait time.Duration) *LeaseLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &LeaseLocker{client: client, prefix: prefix, ttl: ttl, wait: wait, retry: 20 * time.Millisecond}
}

// Acquire 在等待时间内获取租约，返回释放函数
func (l *LeaseLocker) Acquire(ctx context.Context, name string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := l.prefix + ":lease:" + name
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLeaseNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
