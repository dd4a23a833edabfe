// Package cache provides the optional Redis-backed L2 snapshot store. It
// lets the REST layer serve a last-known snapshot across process restarts;
// when Redis is unavailable the store degrades to a no-op and the gateway
// runs purely on its in-memory cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binance-depth-gateway/config"
	"binance-depth-gateway/internal/binance"
	"binance-depth-gateway/internal/logging"
)

const (
	keyPrefix   = "depth:snapshot:%s"
	snapshotTTL = 5 * time.Minute
)

// SnapshotStore persists depth snapshots in Redis with graceful
// degradation: write or read failures mark the store unhealthy and are
// absorbed, never propagated to request handling.
type SnapshotStore struct {
	client *redis.Client
	log    zerolog.Logger

	mu      sync.RWMutex
	healthy bool
}

// NewSnapshotStore connects to Redis. A failed initial ping returns the
// store in degraded mode rather than an error; it recovers on the next
// successful operation.
func NewSnapshotStore(cfg config.RedisConfig) (*SnapshotStore, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &SnapshotStore{
		client: client,
		log:    logging.Component("cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		return s, nil
	}

	s.healthy = true
	return s, nil
}

// IsHealthy reports the last observed Redis health.
func (s *SnapshotStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// StoreSnapshot writes one snapshot through with a TTL. Failures are
// logged and absorbed.
func (s *SnapshotStore) StoreSnapshot(ctx context.Context, symbol string, snap *binance.DepthSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	key := fmt.Sprintf(keyPrefix, symbol)
	if err := s.client.Set(ctx, key, data, snapshotTTL).Err(); err != nil {
		s.setHealthy(false)
		s.log.Warn().Str("symbol", symbol).Err(err).Msg("snapshot write-through failed")
		return
	}
	s.setHealthy(true)
}

// LoadSnapshot returns the persisted snapshot for symbol, or nil when
// absent or Redis is unreachable.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, symbol string) *binance.DepthSnapshot {
	key := fmt.Sprintf(keyPrefix, symbol)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.setHealthy(false)
		}
		return nil
	}
	s.setHealthy(true)

	var snap binance.DepthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	return &snap
}

// Close releases the Redis connection pool.
func (s *SnapshotStore) Close() error {
	return s.client.Close()
}

func (s *SnapshotStore) setHealthy(healthy bool) {
	s.mu.Lock()
	if s.healthy != healthy {
		if healthy {
			s.log.Info().Msg("redis recovered")
		}
		s.healthy = healthy
	}
	s.mu.Unlock()
}
