package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 10000, cfg.QueueCapacity)
	assert.Equal(t, 32, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Second, cfg.ScorerTimeout)
	assert.Equal(t, "requeue", cfg.SlotTimeoutPolicy)
	assert.False(t, cfg.VectorEnabled)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HS_QUEUE_CAPACITY", "500")
	t.Setenv("HS_QUEUE_DROP_OLDEST", "true")
	t.Setenv("HS_THROTTLE_CPU_THRESHOLD", "70.5")
	t.Setenv("HS_SCORER_TIMEOUT_MS", "2500")

	cfg := Load()
	assert.Equal(t, 500, cfg.QueueCapacity)
	assert.True(t, cfg.DropOldestOnFull)
	assert.Equal(t, 70.5, cfg.CPUThreshold)
	assert.Equal(t, 2500*time.Millisecond, cfg.ScorerTimeout)
}

func TestLoad_MalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("HS_QUEUE_CAPACITY", "lots")
	cfg := Load()
	assert.Equal(t, 10000, cfg.QueueCapacity)
}

func TestValidate_Rejections(t *testing.T) {
	mutations := map[string]func(*Config){
		"zero queue capacity":    func(c *Config) { c.QueueCapacity = 0 },
		"zero workers":           func(c *Config) { c.Workers = 0 },
		"bad slot policy":        func(c *Config) { c.SlotTimeoutPolicy = "explode" },
		"cpu threshold over 100": func(c *Config) { c.CPUThreshold = 150 },
		"zero window horizon":    func(c *Config) { c.WindowHorizon = 0 },
		"zero max findings":      func(c *Config) { c.MaxFindings = 0 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_VectorConstraints(t *testing.T) {
	cfg := Load()
	cfg.VectorEnabled = true
	require.NoError(t, cfg.Validate())

	cfg.VectorProbeTimeout = cfg.VectorProbeInterval
	assert.Error(t, cfg.Validate())
}

func TestParseVectorInstances(t *testing.T) {
	cfg := Load()

	cfg.VectorInstances = "http://a:6333=2.0, http://b:6333=1.5,http://c:6333"
	got, err := cfg.ParseVectorInstances()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"http://a:6333": 2.0,
		"http://b:6333": 1.5,
		"http://c:6333": 1.0,
	}, got)

	cfg.VectorInstances = "http://a:6333=heavy"
	_, err = cfg.ParseVectorInstances()
	assert.Error(t, err)

	cfg.VectorInstances = ""
	_, err = cfg.ParseVectorInstances()
	assert.Error(t, err)

	cfg.VectorInstances = "=2.0"
	_, err = cfg.ParseVectorInstances()
	assert.Error(t, err)
}
