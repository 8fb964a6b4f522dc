package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full environment-driven configuration. Validate runs at
// startup and any violation is fatal.
type Config struct {
	HTTPAddr   string
	NATSURL    string
	QueueGroup string

	// Queue
	QueueCapacity    int
	DropOldestOnFull bool
	DeadLetterCap    int
	MaxRetries       int

	// Pipeline
	Workers           int
	MaxConcurrency    int
	AcquireTimeout    time.Duration
	ScorerTimeout     time.Duration
	SlotTimeoutPolicy string

	// Adaptive throttle
	ThrottleEnabled  bool
	CPUThreshold     float64
	ThrottleMinLimit int
	ThrottleInterval time.Duration

	// Memory governance
	MemHighWaterMB   int
	MemCheckInterval time.Duration
	TrimHorizon      time.Duration

	// Correlation
	WindowHorizon     time.Duration
	WindowMaxCount    int
	CorrelationRules  string
	ClassificationDir string
	HotReload         bool
	ReloadDebounce    time.Duration

	// Scorer
	ScorerBaseURL     string
	ScorerAPIKey      string
	ScorerModel       string
	ScorerEmbedModel  string
	ScorerMaxTokens   int
	ScorerTemperature float64

	// Vector store
	VectorEnabled        bool
	VectorInstances      string // addr=weight,addr=weight
	VectorCollection     string
	VectorStrategy       string
	VectorProbeInterval  time.Duration
	VectorProbeTimeout   time.Duration
	VectorSuccessStreak  int
	VectorFailureStreak  int
	VectorMinHealthy     int
	VectorRequestTimeout time.Duration
	VectorRecoveryGrace  time.Duration
	VectorBatchSize      int
	VectorBatchTimeout   time.Duration
	VectorFlushTimeout   time.Duration

	// Finding store
	MaxFindings int
	DedupeCap   int
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:   getEnv("HS_HTTP_ADDR", ":8080"),
		NATSURL:    getEnv("HS_NATS_URL", "nats://localhost:4222"),
		QueueGroup: getEnv("HS_QUEUE_GROUP", "hostsentry"),

		QueueCapacity:    getEnvInt("HS_QUEUE_CAPACITY", 10000),
		DropOldestOnFull: getEnvBool("HS_QUEUE_DROP_OLDEST", false),
		DeadLetterCap:    getEnvInt("HS_QUEUE_DEAD_LETTER_CAP", 1000),
		MaxRetries:       getEnvInt("HS_QUEUE_MAX_RETRIES", 3),

		Workers:           getEnvInt("HS_PIPELINE_WORKERS", 8),
		MaxConcurrency:    getEnvInt("HS_PIPELINE_MAX_CONCURRENCY", 32),
		AcquireTimeout:    getEnvDurationMs("HS_PIPELINE_ACQUIRE_TIMEOUT_MS", 5000),
		ScorerTimeout:     getEnvDurationMs("HS_SCORER_TIMEOUT_MS", 10000),
		SlotTimeoutPolicy: getEnv("HS_PIPELINE_SLOT_TIMEOUT_POLICY", "requeue"),

		ThrottleEnabled:  getEnvBool("HS_THROTTLE_ENABLED", true),
		CPUThreshold:     getEnvFloat("HS_THROTTLE_CPU_THRESHOLD", 80),
		ThrottleMinLimit: getEnvInt("HS_THROTTLE_MIN_LIMIT", 2),
		ThrottleInterval: getEnvDurationMs("HS_THROTTLE_INTERVAL_MS", 5000),

		MemHighWaterMB:   getEnvInt("HS_MEM_HIGH_WATER_MB", 512),
		MemCheckInterval: getEnvDurationMs("HS_MEM_CHECK_INTERVAL_MS", 30000),
		TrimHorizon:      getEnvDurationMs("HS_MEM_TRIM_HORIZON_MS", 300000),

		WindowHorizon:     getEnvDurationMs("HS_WINDOW_HORIZON_MS", 1800000),
		WindowMaxCount:    getEnvInt("HS_WINDOW_MAX_COUNT", 1000),
		CorrelationRules:  getEnv("HS_CORRELATION_RULES", ""),
		ClassificationDir: getEnv("HS_RULES_DIR", "rules.d/classification"),
		HotReload:         getEnvBool("HS_RULES_HOT_RELOAD", true),
		ReloadDebounce:    getEnvDurationMs("HS_RULES_DEBOUNCE_MS", 1000),

		ScorerBaseURL:     getEnv("HS_SCORER_BASE_URL", "http://localhost:11434"),
		ScorerAPIKey:      getEnv("HS_SCORER_API_KEY", ""),
		ScorerModel:       getEnv("HS_SCORER_MODEL", "llama3.1"),
		ScorerEmbedModel:  getEnv("HS_SCORER_EMBED_MODEL", "nomic-embed-text"),
		ScorerMaxTokens:   getEnvInt("HS_SCORER_MAX_TOKENS", 512),
		ScorerTemperature: getEnvFloat("HS_SCORER_TEMPERATURE", 0.1),

		VectorEnabled:        getEnvBool("HS_VECTOR_ENABLED", false),
		VectorInstances:      getEnv("HS_VECTOR_INSTANCES", "http://localhost:6333=1.0"),
		VectorCollection:     getEnv("HS_VECTOR_COLLECTION", "host-events"),
		VectorStrategy:       getEnv("HS_VECTOR_STRATEGY", "health_aware"),
		VectorProbeInterval:  getEnvDurationMs("HS_VECTOR_PROBE_INTERVAL_MS", 10000),
		VectorProbeTimeout:   getEnvDurationMs("HS_VECTOR_PROBE_TIMEOUT_MS", 2000),
		VectorSuccessStreak:  getEnvInt("HS_VECTOR_SUCCESS_STREAK", 2),
		VectorFailureStreak:  getEnvInt("HS_VECTOR_FAILURE_STREAK", 3),
		VectorMinHealthy:     getEnvInt("HS_VECTOR_MIN_HEALTHY", 1),
		VectorRequestTimeout: getEnvDurationMs("HS_VECTOR_REQUEST_TIMEOUT_MS", 5000),
		VectorRecoveryGrace:  getEnvDurationMs("HS_VECTOR_RECOVERY_GRACE_MS", 30000),
		VectorBatchSize:      getEnvInt("HS_VECTOR_BATCH_SIZE", 100),
		VectorBatchTimeout:   getEnvDurationMs("HS_VECTOR_BATCH_TIMEOUT_MS", 5000),
		VectorFlushTimeout:   getEnvDurationMs("HS_VECTOR_FLUSH_TIMEOUT_MS", 10000),

		MaxFindings: getEnvInt("HS_MAX_FINDINGS", 10000),
		DedupeCap:   getEnvInt("HS_DEDUPE_CAP", 100000),
	}
}

// Validate checks cross-field constraints. Component constructors validate
// their own slices again; this catches obvious misconfiguration before any
// connection is opened.
func (c *Config) Validate() error {
	if c.QueueCapacity < 1 {
		return fmt.Errorf("config: queue capacity must be positive")
	}
	if c.Workers < 1 || c.MaxConcurrency < 1 {
		return fmt.Errorf("config: workers and max concurrency must be positive")
	}
	if c.SlotTimeoutPolicy != "requeue" && c.SlotTimeoutPolicy != "drop" {
		return fmt.Errorf("config: slot timeout policy must be requeue or drop, got %q", c.SlotTimeoutPolicy)
	}
	if c.ThrottleEnabled && (c.CPUThreshold <= 0 || c.CPUThreshold >= 100) {
		return fmt.Errorf("config: cpu threshold must be in (0, 100)")
	}
	if c.WindowHorizon <= 0 || c.WindowMaxCount < 1 {
		return fmt.Errorf("config: correlation window horizon and max count must be positive")
	}
	if c.VectorEnabled {
		if _, err := c.ParseVectorInstances(); err != nil {
			return err
		}
		if c.VectorProbeTimeout >= c.VectorProbeInterval {
			return fmt.Errorf("config: vector probe timeout must be shorter than the probe interval")
		}
	}
	if c.MaxFindings < 1 || c.DedupeCap < 1 {
		return fmt.Errorf("config: max findings and dedupe cap must be positive")
	}
	return nil
}

// ParseVectorInstances parses the addr=weight list into a map.
func (c *Config) ParseVectorInstances() (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(c.VectorInstances, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, weightStr, found := strings.Cut(part, "=")
		weight := 1.0
		if found {
			w, err := strconv.ParseFloat(weightStr, 64)
			if err != nil || w <= 0 {
				return nil, fmt.Errorf("config: invalid vector instance weight %q", part)
			}
			weight = w
		}
		if addr == "" {
			return nil, fmt.Errorf("config: empty vector instance address in %q", c.VectorInstances)
		}
		out[addr] = weight
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: at least one vector instance is required")
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
