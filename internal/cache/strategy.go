package cache

import (
	"context"
	"time"
)

// Coordination modes, detected from backend capability.
const (
	// ModeDistributedAtomic: backend supports atomic increments and
	// distributed locks (redis). Counters are shared across processes.
	ModeDistributedAtomic = "distributed_atomic"
	// ModeDistributedBasic: shared backend without atomics; read-modify-write
	// with last-writer-wins.
	ModeDistributedBasic = "distributed_basic"
	// ModeLocalOnly: process-local memory; no cross-process coordination.
	ModeLocalOnly = "local_only"
)

// Strategy is the process-facing cache contract. Implementations must never
// surface backend failures to callers: a failed read is a miss, a failed
// write is a no-op.
type Strategy interface {
	Get(ctx context.Context, key string) (string, bool)
	Put(ctx context.Context, key string, value string, ttl time.Duration)
	Increment(ctx context.Context, key string, delta int64) int64
	Mode() string
}
