package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the process-wide configuration resolved at startup.
// Values come from environment variables; defaults keep the service
// runnable with nothing set.
type Config struct {
	Port      int
	LogLevel  string
	LogFormat string

	// ConfigPath optionally points at a JSON file with service descriptors.
	// ConfigDir holds meta-routing.json and routing-rules.json.
	ConfigPath string
	ConfigDir  string

	ManifestDir        string
	ManifestHistoryDir string

	TelemetryCacheTTL   time.Duration
	ConfidenceThreshold float64

	RefreshProfile         string
	AutoApplyLowRisk       bool
	DriftWarningThreshold  float64
	DriftCriticalThreshold float64

	ForwardEnabled bool

	Redis RedisConfig
	LLM   LLMConfig
}

// RedisConfig configures the remote cache.
type RedisConfig struct {
	URL            string
	Host           string
	Port           int
	Password       string
	TLS            bool
	Disabled       bool
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// LLMConfig configures the remote classifier provider.
type LLMConfig struct {
	Provider string
	APIKey   string
	Model    string
}

// NewConfig resolves configuration from the environment.
func NewConfig() *Config {
	cfg := &Config{
		Port:                   8080,
		LogLevel:               "INFO",
		ConfigDir:              "config",
		ManifestDir:            "manifests",
		ManifestHistoryDir:     "manifests/history",
		TelemetryCacheTTL:      5 * time.Minute,
		ConfidenceThreshold:    0.6,
		RefreshProfile:         "balanced",
		DriftWarningThreshold:  0.4,
		DriftCriticalThreshold: 0.7,
		Redis: RedisConfig{
			Host:           "localhost",
			Port:           6379,
			ConnectTimeout: 5 * time.Second,
			CommandTimeout: 2 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-1.5-flash",
		},
	}
	cfg.applyEnvironment()
	return cfg
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		c.ConfigPath = v
	}
	if v := os.Getenv("CONFIG_DIR"); v != "" {
		c.ConfigDir = v
	}
	if v := os.Getenv("MANIFEST_DIR"); v != "" {
		c.ManifestDir = v
	}
	if v := os.Getenv("MANIFEST_HISTORY_DIR"); v != "" {
		c.ManifestHistoryDir = v
	}
	if v := os.Getenv("TELEMETRY_CACHE_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.TelemetryCacheTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("MANIFEST_REFRESH_PROFILE"); v != "" {
		c.RefreshProfile = v
	}
	if v := os.Getenv("AUTO_APPLY_LOW_RISK"); v != "" {
		c.AutoApplyLowRisk = parseBool(v)
	}
	if v := os.Getenv("DRIFT_WARNING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DriftWarningThreshold = f
		}
	}
	if v := os.Getenv("DRIFT_CRITICAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DriftCriticalThreshold = f
		}
	}
	if v := os.Getenv("ROUTER_FORWARD_ENABLED"); v != "" {
		c.ForwardEnabled = parseBool(v)
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_TLS"); v != "" {
		c.Redis.TLS = parseBool(v)
	}
	if v := os.Getenv("REDIS_DISABLED"); v != "" {
		c.Redis.Disabled = parseBool(v)
	}
	if v := os.Getenv("REDIS_CONNECT_TIMEOUT"); v != "" {
		if d := parseMillis(v); d > 0 {
			c.Redis.ConnectTimeout = d
		}
	}
	if v := os.Getenv("REDIS_COMMAND_TIMEOUT"); v != "" {
		if d := parseMillis(v); d > 0 {
			c.Redis.CommandTimeout = d
		}
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.LLM.Model = v
	}
}

// RedisAddr returns the host:port form used when REDIS_URL is not set.
func (r RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfiguration)
	}
	if c.DriftWarningThreshold < 0 || c.DriftWarningThreshold > 1 {
		return fmt.Errorf("drift warning threshold %v out of range: %w", c.DriftWarningThreshold, ErrInvalidConfiguration)
	}
	if c.DriftCriticalThreshold < 0 || c.DriftCriticalThreshold > 1 {
		return fmt.Errorf("drift critical threshold %v out of range: %w", c.DriftCriticalThreshold, ErrInvalidConfiguration)
	}
	if c.DriftWarningThreshold > c.DriftCriticalThreshold {
		return fmt.Errorf("drift warning threshold above critical: %w", ErrInvalidConfiguration)
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// parseMillis accepts either a bare millisecond count ("5000") or a
// Go duration string ("5s").
func parseMillis(v string) time.Duration {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return 0
}
