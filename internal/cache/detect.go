package cache

import (
	"github.com/yungbote/conductor/internal/pkg/logger"
)

// New selects the cache strategy from what is configured: a reachable redis
// backend upgrades the process to distributed_atomic coordination; anything
// else degrades to local-only. Cache construction failures never block boot.
func New(log *logger.Logger, redisAddr string) Strategy {
	if redisAddr == "" {
		return NewLocalStore()
	}
	store, err := NewRedisStore(log, redisAddr)
	if err != nil {
		log.Warn("redis cache unavailable; degrading to local-only", "addr", redisAddr, "error", err)
		return NewLocalStore()
	}
	log.Info("cache strategy selected", "mode", store.Mode(), "addr", redisAddr)
	return store
}
