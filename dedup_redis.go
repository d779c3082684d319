package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisDedupConfig Redis 去重窗口配置
type RedisDedupConfig struct {
	KeyPrefix string        // 键前缀，默认 "relay:dedup:"
	TTL       time.Duration // ID 保留时间，默认 10 分钟
}

// redisDedup Redis 去重窗口
// 多节点部署时共享已应用的消息 ID，窗口通过 TTL 有界。
type redisDedup struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDedup 创建 Redis 去重窗口
func NewRedisDedup(client redis.UniversalClient, cfg RedisDedupConfig) DedupStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "relay:dedup:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &redisDedup{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}
}

// Seen 检查并记录消息 ID
// SET NX 的原子性保证同一 ID 并发到达时只有一次判定为新消息。
func (r *redisDedup) Seen(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyPrefix+id.String(), 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Close 关闭底层客户端
func (r *redisDedup) Close() error {
	return r.client.Close()
}
