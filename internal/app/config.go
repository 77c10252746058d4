package app

import (
	"time"

	"github.com/yungbote/conductor/internal/backoff"
	"github.com/yungbote/conductor/internal/engine"
	"github.com/yungbote/conductor/internal/pkg/envutil"
)

type Config struct {
	Mode                  string
	HTTPAddr              string
	CorrelationIDHeader   string
	DuplicateWindow       time.Duration
	Backoff               backoff.Config
	Execution             engine.ExecutionConfig
	CacheTTLMin           time.Duration
	CacheTTLMax           time.Duration
	RedisAddr             string
	TelemetryEnabled      bool
	ServiceName           string
	Environment           string
	Version               string
}

func LoadConfig() Config {
	return Config{
		Mode:                envutil.String("APP_MODE", "dev"),
		HTTPAddr:            envutil.String("HTTP_ADDR", ":8080"),
		CorrelationIDHeader: envutil.String("CORRELATION_ID_HEADER", "X-Correlation-ID"),
		DuplicateWindow:     envutil.Seconds("TASK_DUPLICATE_WINDOW_SECONDS", 60),
		Backoff: backoff.Config{
			DefaultBackoffSeconds: envutil.IntSlice("BACKOFF_DEFAULT_SECONDS", []int{1, 2, 4, 8, 16, 32}),
			MaxBackoffSeconds:     envutil.Int("BACKOFF_MAX_SECONDS", 300),
			BackoffMultiplier:     envutil.Float("BACKOFF_MULTIPLIER", 2.0),
			JitterEnabled:         envutil.Bool("BACKOFF_JITTER_ENABLED", true),
			JitterMaxPercentage:   envutil.Float("BACKOFF_JITTER_MAX_PERCENTAGE", 0.10),
			ReenqueueDelays: map[string]int{
				"has_ready_steps":          envutil.Int("REENQUEUE_DELAY_HAS_READY_STEPS", 0),
				"waiting_for_dependencies": envutil.Int("REENQUEUE_DELAY_WAITING_FOR_DEPENDENCIES", 45),
				"processing":               envutil.Int("REENQUEUE_DELAY_PROCESSING", 10),
			},
			DefaultReenqueueDelay: envutil.Int("REENQUEUE_DELAY_DEFAULT", 30),
			BufferSeconds:         envutil.Int("REENQUEUE_BUFFER_SECONDS", 5),
		},
		Execution: engine.ExecutionConfig{
			MinConcurrent:            envutil.Int("EXECUTION_MIN_CONCURRENT", 3),
			MaxConcurrentLimit:       envutil.Int("EXECUTION_MAX_CONCURRENT_LIMIT", 12),
			BaseTimeout:              envutil.Seconds("EXECUTION_BASE_TIMEOUT_SECONDS", 30),
			PerStepTimeout:           envutil.Seconds("EXECUTION_PER_STEP_TIMEOUT_SECONDS", 5),
			MaxBatchTimeout:          envutil.Seconds("EXECUTION_MAX_BATCH_TIMEOUT_SECONDS", 120),
			ConcurrencyCacheDuration: envutil.Seconds("EXECUTION_CONCURRENCY_CACHE_SECONDS", 30),
			PressureFactors: map[string]float64{
				"low":      envutil.Float("EXECUTION_PRESSURE_LOW", 0.8),
				"moderate": envutil.Float("EXECUTION_PRESSURE_MODERATE", 0.6),
				"high":     envutil.Float("EXECUTION_PRESSURE_HIGH", 0.4),
				"critical": envutil.Float("EXECUTION_PRESSURE_CRITICAL", 0.2),
			},
		},
		CacheTTLMin:      envutil.Seconds("CACHE_TTL_MIN_SECONDS", 5),
		CacheTTLMax:      envutil.Seconds("CACHE_TTL_MAX_SECONDS", 300),
		RedisAddr:        envutil.String("REDIS_ADDR", ""),
		TelemetryEnabled: envutil.Bool("OTEL_ENABLED", false),
		ServiceName:      envutil.String("SERVICE_NAME", "conductor"),
		Environment:      envutil.String("APP_ENV", "dev"),
		Version:          envutil.String("APP_VERSION", "dev"),
	}
}
