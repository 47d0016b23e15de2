package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景：用户对同一个赛事连点两次"报名"（网络抖动导致重复提交），
// 两个请求带着不同的幂等键同时到达。
//
// 如果没有分布式锁：
//   goroutine1: 查无报名记录 -> 预留席位 -> 创建报名单
//   goroutine2: 查无报名记录 -> 预留席位 -> 创建报名单  同一个人占了两个席位！
//
// 加了分布式锁（按 赛事+用户 维度）：
//   goroutine1: 获取锁 -> 查无记录 -> 预留席位 -> 创建报名单 -> 释放锁
//   goroutine2: 等锁... -> 获取锁 -> 查到已有报名记录 -> 拒绝（重复报名）
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证原子性
//   - 先检查 value 是否是自己的
//   - 再删除 key
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
//
// 【关键点】使用 SetNX 命令，只有当 key 不存在时才能设置成功
// 这保证了同一时刻只有一个客户端能获取到锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		// 等待一段时间后重试
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】使用 Lua 脚本保证"检查+删除"操作的原子性
//
// 为什么要检查 value？
//
//	场景：A 获取锁 -> A 处理超时，锁自动过期 -> B 获取锁 -> A 执行完毕，调用 Unlock
//	如果不检查 value，A 会把 B 的锁删掉！
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

// ============================================================================
// 便捷函数：业务维度的锁
// ============================================================================

// NewJoinLock 创建报名锁（按 赛事+用户 维度）
//
// 【设计思考】为什么按 赛事+用户 加锁，而不是按赛事加锁？
//
// 席位计数本身靠数据库的条件更新保证不超卖，不需要锁来串行化。
// 锁要解决的是"同一个用户对同一个赛事的并发报名"——不同用户之间、
// 同一用户对不同赛事之间都可以并发，锁的粒度就应该是 赛事+用户。
func NewJoinLock(client *redis.Client, tournamentNo string, userID int64, requestNo string) *DistributedLock {
	key := fmt.Sprintf("enroll:lock:t:%s:u:%d", tournamentNo, userID)
	// value 使用 requestNo，便于追踪是哪个请求持有锁
	return NewDistributedLock(client, key, requestNo, 30*time.Second)
}

// NewQuitLock 创建退赛锁（按报名单维度）
func NewQuitLock(client *redis.Client, enrollNo string, requestNo string) *DistributedLock {
	key := fmt.Sprintf("enroll:lock:quit:%s", enrollNo)
	return NewDistributedLock(client, key, requestNo, 30*time.Second)
}
