// Package config loads Shard's configuration: the speculative-decoding
// tuning knobs plus the ambient server/logging/persistence sections. Loading
// decodes a YAML file (if present), then lets individual SHARD_* environment
// variables win, then fills in any field still at its zero value with a
// documented default.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the top-level, singleton configuration object.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Engine       EngineConfig       `yaml:"engine"`
	Reputation   ReputationConfig   `yaml:"reputation"`
	GoldenTicket GoldenTicketConfig `yaml:"golden_ticket"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
}

// ServerConfig configures the out-of-scope HTTP collaborator (internal/httpserver).
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	MetricsAddr     string `yaml:"metrics_addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
}

// LoggingConfig drives internal/logging.New.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig configures the C1 engine binding.
type EngineConfig struct {
	ModelPath string `yaml:"model_path"`
	VocabSize int    `yaml:"vocab_size"`
	// TopK is carried for configuration-surface compatibility only; the
	// binding always reads the full vocabulary before taking argmax, so
	// this field has no effect on correctness.
	TopK int `yaml:"top_k"`
}

// ReputationConfig configures the reputation ledger.
type ReputationConfig struct {
	Backend              string  `yaml:"backend"` // "json" or "postgres"
	JSONPath             string  `yaml:"json_path"`
	PostgresDSN          string  `yaml:"postgres_dsn"`
	ReputationThreshold  float64 `yaml:"reputation_threshold"`
	MinAttemptsBeforeBan int     `yaml:"min_attempts_before_ban"`
	// BanDurationHours is a pointer because 0 is a meaningful value (a
	// permanent ban): only a nil (never provided, by file or env) falls back
	// to the 24h default.
	BanDurationHours *float64 `yaml:"ban_duration_hours"`
}

// GoldenTicketConfig configures C3.
type GoldenTicketConfig struct {
	InjectionRate float64 `yaml:"injection_rate"`
}

// ControlPlaneConfig configures C4.
type ControlPlaneConfig struct {
	SidecarURL          string  `yaml:"sidecar_url"`
	CallTimeoutSec      float64 `yaml:"call_timeout_sec"`
	ScoutResultTimeoutS float64 `yaml:"scout_result_timeout_s"`
	BroadcastThrottleMS int     `yaml:"broadcast_throttle_ms"`
}

// CheckpointConfig configures C5.
type CheckpointConfig struct {
	EveryNTokens int    `yaml:"checkpoint_every_n_tokens"`
	TailLen      int    `yaml:"checkpoint_tail_len"`
	RedisAddr    string `yaml:"redis_addr"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it on first use from
// CONFIG_PATH (default "config.yaml") and applying environment overrides and
// defaults. A missing or malformed file is not fatal: defaults still apply.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Info("config: no .env file found, using process environment")
		}

		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// Load reads and decodes a YAML config file without touching the singleton.
// Used directly by tests that want an isolated Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Addr = getEnv("SHARD_SERVER_ADDR", c.Server.Addr)
	c.Server.MetricsAddr = getEnv("SHARD_METRICS_ADDR", c.Server.MetricsAddr)
	c.Server.ReadTimeoutSec = getEnvInt("SHARD_SERVER_READ_TIMEOUT_SEC", c.Server.ReadTimeoutSec)
	c.Server.WriteTimeoutSec = getEnvInt("SHARD_SERVER_WRITE_TIMEOUT_SEC", c.Server.WriteTimeoutSec)

	c.Logging.Level = getEnv("SHARD_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("SHARD_LOG_FORMAT", c.Logging.Format)

	c.Engine.ModelPath = getEnv("SHARD_MODEL_PATH", c.Engine.ModelPath)
	c.Engine.VocabSize = getEnvInt("SHARD_VOCAB_SIZE", c.Engine.VocabSize)
	c.Engine.TopK = getEnvInt("SHARD_TOP_K", c.Engine.TopK)

	c.Reputation.Backend = getEnv("SHARD_REPUTATION_BACKEND", c.Reputation.Backend)
	c.Reputation.JSONPath = getEnv("SHARD_REPUTATION_JSON_PATH", c.Reputation.JSONPath)
	c.Reputation.PostgresDSN = getEnv("SHARD_REPUTATION_POSTGRES_DSN", c.Reputation.PostgresDSN)
	c.Reputation.ReputationThreshold = getEnvFloat("SHARD_REPUTATION_THRESHOLD", c.Reputation.ReputationThreshold)
	c.Reputation.MinAttemptsBeforeBan = getEnvInt("SHARD_MIN_ATTEMPTS_BEFORE_BAN", c.Reputation.MinAttemptsBeforeBan)
	c.Reputation.BanDurationHours = getEnvFloatPtr("SHARD_BAN_DURATION_HOURS", c.Reputation.BanDurationHours)

	c.GoldenTicket.InjectionRate = getEnvFloat("SHARD_INJECTION_RATE", c.GoldenTicket.InjectionRate)

	c.ControlPlane.SidecarURL = getEnv("SHARD_SIDECAR_URL", c.ControlPlane.SidecarURL)
	c.ControlPlane.CallTimeoutSec = getEnvFloat("SHARD_CALL_TIMEOUT_SEC", c.ControlPlane.CallTimeoutSec)
	c.ControlPlane.ScoutResultTimeoutS = getEnvFloat("SHARD_SCOUT_RESULT_TIMEOUT_S", c.ControlPlane.ScoutResultTimeoutS)
	c.ControlPlane.BroadcastThrottleMS = getEnvInt("SHARD_BROADCAST_THROTTLE_MS", c.ControlPlane.BroadcastThrottleMS)

	c.Checkpoint.EveryNTokens = getEnvInt("SHARD_CHECKPOINT_EVERY_N_TOKENS", c.Checkpoint.EveryNTokens)
	c.Checkpoint.TailLen = getEnvInt("SHARD_CHECKPOINT_TAIL_LEN", c.Checkpoint.TailLen)
	c.Checkpoint.RedisAddr = getEnv("SHARD_CHECKPOINT_REDIS_ADDR", c.Checkpoint.RedisAddr)
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 30
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Engine.VocabSize == 0 {
		c.Engine.VocabSize = 32000
	}
	if c.Reputation.Backend == "" {
		c.Reputation.Backend = "json"
	}
	if c.Reputation.JSONPath == "" {
		c.Reputation.JSONPath = "./data/scout_reputation.json"
	}
	if c.Reputation.ReputationThreshold == 0 {
		c.Reputation.ReputationThreshold = 0.70
	}
	if c.Reputation.MinAttemptsBeforeBan == 0 {
		c.Reputation.MinAttemptsBeforeBan = 3
	}
	if c.Reputation.BanDurationHours == nil {
		d := 24.0
		c.Reputation.BanDurationHours = &d
	}
	if c.GoldenTicket.InjectionRate == 0 {
		c.GoldenTicket.InjectionRate = 0.05
	}
	if c.ControlPlane.CallTimeoutSec == 0 {
		c.ControlPlane.CallTimeoutSec = 2.0
	}
	if c.ControlPlane.ScoutResultTimeoutS == 0 {
		c.ControlPlane.ScoutResultTimeoutS = 0.15
	}
	if c.ControlPlane.BroadcastThrottleMS == 0 {
		c.ControlPlane.BroadcastThrottleMS = 50
	}
	if c.Checkpoint.EveryNTokens == 0 {
		c.Checkpoint.EveryNTokens = 8
	}
	if c.Checkpoint.TailLen == 0 {
		c.Checkpoint.TailLen = 256
	}
	if c.Checkpoint.TailLen < 16 {
		c.Checkpoint.TailLen = 16
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvFloatPtr is getEnvFloat for fields where the zero value is itself
// meaningful: an absent or unparsable variable leaves current (possibly nil)
// untouched, so only applyDefaults's nil check decides the fallback.
func getEnvFloatPtr(key string, current *float64) *float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return &f
		}
	}
	return current
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
