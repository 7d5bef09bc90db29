package gateway

import (
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the presence gateway service
type Config struct {
	Port           string               `yaml:"port"`
	AllowedOrigins []string             `yaml:"allowed_origins"`
	Connection     ConnectionConfig     `yaml:"connection"`
	Sweep          SweepConfig          `yaml:"sweep"`
	NATS           NATSRelayConfig      `yaml:"nats"`
	Listener       NotifyListenerConfig `yaml:"listener"`
	Auth           AuthConfig           `yaml:"auth"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// TokenStore enables opaque API tokens looked up in Postgres.
	TokenStore bool `yaml:"token_store"`
}

// DefaultConfig returns default configuration for the presence gateway
func DefaultConfig() Config {
	return Config{
		Port:           "8081",
		AllowedOrigins: []string{"*"},
		Connection:     DefaultConnectionConfig(),
		Sweep:          DefaultSweepConfig(),
		NATS:           DefaultNATSRelayConfig(),
		Listener:       DefaultNotifyListenerConfig(),
	}
}

// LoadConfig starts from the defaults, overlays the YAML file at path (if
// any) and then environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.Connection.CheckOrigin = originChecker(cfg.AllowedOrigins)
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("GATEWAY_PORT", c.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}

	c.NATS.Enabled = getEnvAsBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	c.Listener.Enabled = getEnvAsBool("LISTEN_ENABLED", c.Listener.Enabled)
	c.Listener.NotifyChannel = getEnv("LISTEN_CHANNEL", c.Listener.NotifyChannel)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenStore = getEnvAsBool("TOKEN_STORE_ENABLED", c.Auth.TokenStore)

	c.Sweep.MaxTimerAge = getEnvAsDuration("MAX_TIMER_AGE", c.Sweep.MaxTimerAge)
	c.Sweep.SweepInterval = getEnvAsDuration("SWEEP_INTERVAL", c.Sweep.SweepInterval)
}

// originChecker allows every origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
