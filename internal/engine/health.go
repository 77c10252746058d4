package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/yungbote/conductor/internal/cache"
	"github.com/yungbote/conductor/internal/pkg/logger"
	"github.com/yungbote/conductor/internal/repos"
)

// ExecutionConfig bounds the executor: concurrency clamp, batch timeouts and
// the memoization window for the concurrency calculation.
type ExecutionConfig struct {
	MinConcurrent            int
	MaxConcurrentLimit       int
	BaseTimeout              time.Duration
	PerStepTimeout           time.Duration
	MaxBatchTimeout          time.Duration
	ConcurrencyCacheDuration time.Duration
	PressureFactors          map[string]float64
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MinConcurrent:            3,
		MaxConcurrentLimit:       12,
		BaseTimeout:              30 * time.Second,
		PerStepTimeout:           5 * time.Second,
		MaxBatchTimeout:          120 * time.Second,
		ConcurrencyCacheDuration: 30 * time.Second,
		PressureFactors: map[string]float64{
			"low":      0.8,
			"moderate": 0.6,
			"high":     0.4,
			"critical": 0.2,
		},
	}
}

// BatchTimeout is min(max_batch_timeout, base + n*per_step).
func (c ExecutionConfig) BatchTimeout(batchSize int) time.Duration {
	t := c.BaseTimeout + time.Duration(batchSize)*c.PerStepTimeout
	if c.MaxBatchTimeout > 0 && t > c.MaxBatchTimeout {
		t = c.MaxBatchTimeout
	}
	return t
}

// systemHealth is the counter snapshot the governor derives pressure from.
type systemHealth struct {
	IncompleteTasks int64 `json:"incomplete_tasks"`
	InProcessSteps  int64 `json:"in_process_steps"`
	ActiveConns     int   `json:"active_conns"`
	PoolSize        int   `json:"pool_size"`
}

// Governor computes the dynamic concurrency cap from database pool headroom
// and pool utilization. The task and step counts in the snapshot are collected
// and shared but do not change the cap. The result is memoized per process;
// the counter snapshot is shared through the cache strategy so sibling processes skip the count
// queries when one of them has refreshed recently.
type Governor struct {
	tasks repos.TaskRepo
	steps repos.WorkflowStepRepo
	stats func() sql.DBStats
	cfg   ExecutionConfig
	cache cache.Strategy
	ttl   *cache.AdaptiveTTL
	log   *logger.Logger

	mu       sync.Mutex
	cached   int
	cachedAt time.Time
}

func NewGovernor(tasks repos.TaskRepo, steps repos.WorkflowStepRepo, stats func() sql.DBStats, cfg ExecutionConfig, store cache.Strategy, ttl *cache.AdaptiveTTL, baseLog *logger.Logger) *Governor {
	if ttl == nil {
		ttl = cache.NewAdaptiveTTL(5*time.Second, cfg.ConcurrencyCacheDuration)
	}
	return &Governor{
		tasks: tasks,
		steps: steps,
		stats: stats,
		cfg:   cfg,
		cache: store,
		ttl:   ttl,
		log:   baseLog.With("component", "ConcurrencyGovernor"),
	}
}

const healthCacheKey = "conductor:system_health"

// ConcurrencyCap returns clamp(floor(available_conns * pressure_factor),
// min_concurrent, max_concurrent_limit).
func (g *Governor) ConcurrencyCap(ctx context.Context) int {
	g.mu.Lock()
	if g.cached > 0 && time.Since(g.cachedAt) < g.cfg.ConcurrencyCacheDuration {
		out := g.cached
		g.mu.Unlock()
		return out
	}
	g.mu.Unlock()

	health := g.loadHealth(ctx)
	available := health.PoolSize - health.ActiveConns
	if available < 0 {
		available = 0
	}
	factor := g.pressureFactor(health)
	capValue := int(math.Floor(float64(available) * factor))
	if capValue < g.cfg.MinConcurrent {
		capValue = g.cfg.MinConcurrent
	}
	if g.cfg.MaxConcurrentLimit > 0 && capValue > g.cfg.MaxConcurrentLimit {
		capValue = g.cfg.MaxConcurrentLimit
	}

	g.mu.Lock()
	g.cached = capValue
	g.cachedAt = time.Now()
	g.mu.Unlock()
	return capValue
}

func (g *Governor) loadHealth(ctx context.Context) systemHealth {
	if g.cache != nil {
		if raw, ok := g.cache.Get(ctx, healthCacheKey); ok {
			g.ttl.Observe(true)
			var h systemHealth
			if err := json.Unmarshal([]byte(raw), &h); err == nil {
				// Pool stats are per-process; overwrite with our own.
				g.fillPoolStats(&h)
				return h
			}
		} else {
			g.ttl.Observe(false)
		}
	}

	var h systemHealth
	if g.tasks != nil {
		n, err := g.tasks.CountIncomplete(ctx, nil)
		if err != nil {
			g.log.Warn("health count (tasks) failed", "error", err)
		}
		h.IncompleteTasks = n
	}
	if g.steps != nil {
		n, err := g.steps.CountInProcess(ctx, nil)
		if err != nil {
			g.log.Warn("health count (steps) failed", "error", err)
		}
		h.InProcessSteps = n
	}
	g.fillPoolStats(&h)

	if g.cache != nil {
		if b, err := json.Marshal(h); err == nil {
			g.cache.Put(ctx, healthCacheKey, string(b), g.ttl.TTL())
		}
	}
	return h
}

func (g *Governor) fillPoolStats(h *systemHealth) {
	if g.stats == nil {
		if h.PoolSize == 0 {
			h.PoolSize = g.cfg.MaxConcurrentLimit
		}
		return
	}
	s := g.stats()
	h.ActiveConns = s.InUse
	h.PoolSize = s.MaxOpenConnections
	if h.PoolSize <= 0 {
		h.PoolSize = g.cfg.MaxConcurrentLimit
	}
}

func (g *Governor) pressureFactor(h systemHealth) float64 {
	utilization := 0.0
	if h.PoolSize > 0 {
		utilization = float64(h.ActiveConns) / float64(h.PoolSize)
	}
	level := "low"
	switch {
	case utilization >= 0.85:
		level = "critical"
	case utilization >= 0.7:
		level = "high"
	case utilization >= 0.5:
		level = "moderate"
	}
	if f, ok := g.cfg.PressureFactors[level]; ok && f > 0 {
		return f
	}
	return 0.8
}
