package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisTokenStore persists the Drive connection in redis and keeps a local
// copy so a redis outage does not disconnect a running process.
type RedisTokenStore struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger

	mu    sync.RWMutex
	local *StoredAuth
}

// NewRedisTokenStore creates a redis-backed token store.
func NewRedisTokenStore(cfg RedisConfig, logger *slog.Logger) *RedisTokenStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisTokenStore(client, cfg.KeyPrefix, logger)
}

func newRedisTokenStore(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisTokenStore {
	if prefix == "" {
		prefix = "drivesync"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTokenStore{client: client, key: redisAccountKey(prefix), logger: logger}
}

func redisAccountKey(prefix string) string {
	return fmt.Sprintf("%s:drive:%s", prefix, accountKey)
}

// Load fetches the stored connection, falling back to the local copy.
func (s *RedisTokenStore) Load(ctx context.Context) (StoredAuth, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == nil {
		var auth StoredAuth
		if err := json.Unmarshal(data, &auth); err != nil {
			return StoredAuth{}, fmt.Errorf("unmarshal stored auth: %w", err)
		}
		s.remember(&auth)
		return auth, nil
	}
	if errors.Is(err, redis.Nil) {
		s.remember(nil)
		return StoredAuth{}, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.local == nil {
		return StoredAuth{}, fmt.Errorf("load stored auth: %w", err)
	}
	s.logger.Warn("redis load failed, using local copy", "key", s.key, "error", err)
	return *s.local, nil
}

// Save stores the connection locally and in redis.
func (s *RedisTokenStore) Save(ctx context.Context, auth StoredAuth) error {
	s.remember(&auth)
	data, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("marshal stored auth: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save stored auth: %w", err)
	}
	return nil
}

// Delete removes the connection locally and from redis.
func (s *RedisTokenStore) Delete(ctx context.Context) error {
	s.remember(nil)
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete stored auth: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}

func (s *RedisTokenStore) remember(auth *StoredAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if auth == nil {
		s.local = nil
		return
	}
	copied := *auth
	s.local = &copied
}
