package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// CacheManager 在场状态快照缓存（供状态展示低成本读取）
//
// 缓存只是派生视图，真值永远在遥测存储；写失败只记日志不上抛。
type CacheManager struct {
	config *config.Config
	kv     KVStore
	logger *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(cfg *config.Config, kv KVStore, logger *zap.Logger) *CacheManager {
	return &CacheManager{
		config: cfg,
		kv:     kv,
		logger: logger,
	}
}

// snapshotKey 形如 "presence:user:{tenant}:{user}:state"
func (c *CacheManager) snapshotKey(tenantID, userID string) string {
	return fmt.Sprintf("%s%s:%s:state", c.config.Presence.CacheKeyPrefix, tenantID, userID)
}

// UpdateSnapshot 更新在场状态快照
func (c *CacheManager) UpdateSnapshot(ctx context.Context, tenantID, userID string, state models.PresenceState) error {
	key := c.snapshotKey(tenantID, userID)

	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal presence state: %w", err)
	}

	ttl := time.Duration(c.config.Presence.CacheTTLSeconds) * time.Second
	if err := c.kv.Set(ctx, key, string(jsonData), ttl); err != nil {
		return fmt.Errorf("failed to set snapshot cache: %w", err)
	}

	c.logger.Debug("Updated presence snapshot cache",
		zap.String("user_id", userID),
		zap.String("key", key),
	)

	return nil
}

// GetSnapshot 读取在场状态快照
func (c *CacheManager) GetSnapshot(ctx context.Context, tenantID, userID string) (*models.PresenceState, error) {
	key := c.snapshotKey(tenantID, userID)

	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var state models.PresenceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence state: %w", err)
	}

	return &state, nil
}
