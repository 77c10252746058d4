package cache

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/conductor/internal/pkg/logger"
)

// RedisStore fronts a redis backend. Redis has atomic INCR and supports
// distributed locking, so this store reports distributed_atomic.
type RedisStore struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRedisStore(log *logger.Logger, addr string) (*RedisStore, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisStore{
		log: log.With("component", "RedisCache"),
		rdb: rdb,
	}, nil
}

func (s *RedisStore) Mode() string { return ModeDistributedAtomic }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != goredis.Nil {
			s.log.Warn("cache get failed", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

func (s *RedisStore) Put(ctx context.Context, key string, value string, ttl time.Duration) {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		s.log.Warn("cache put failed", "key", key, "error", err)
	}
}

func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) int64 {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		s.log.Warn("cache increment failed", "key", key, "error", err)
		return 0
	}
	return n
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
