// Package config loads termgate's process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven options described in the
// gateway's external interface table.
type Config struct {
	Host string
	Port int

	AuthToken  string
	DefaultCwd string

	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	CORSOrigin     string
	TrustProxyHops int

	MaxConnsPerIdentity int
	SessionTTL          time.Duration

	ReadRatePerMin  int
	WriteRatePerMin int

	MuxBin  string
	DataDir string

	RedisURL string

	MetricsAddr string

	Environment string
}

// Load reads a .env file if present (missing file is not an error) and
// builds a Config from the process environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:                getEnv("TERMGATE_HOST", "0.0.0.0"),
		Port:                getEnvInt("TERMGATE_PORT", 8080),
		AuthToken:           os.Getenv("TERMGATE_AUTH_TOKEN"),
		DefaultCwd:          getEnv("TERMGATE_DEFAULT_CWD", "."),
		TLSEnabled:          getEnvBool("TERMGATE_TLS_ENABLED", false),
		TLSCert:             os.Getenv("TERMGATE_TLS_CERT"),
		TLSKey:              os.Getenv("TERMGATE_TLS_KEY"),
		CORSOrigin:          getEnv("TERMGATE_CORS_ORIGIN", "*"),
		TrustProxyHops:      getEnvInt("TERMGATE_TRUST_PROXY_HOPS", 0),
		MaxConnsPerIdentity: getEnvInt("TERMGATE_MAX_CONNS_PER_IDENTITY", 10),
		SessionTTL:          getEnvDuration("TERMGATE_SESSION_TTL_HOURS", 24*time.Hour, time.Hour),
		ReadRatePerMin:      getEnvInt("TERMGATE_READ_RATE_PER_MIN", 180),
		WriteRatePerMin:     getEnvInt("TERMGATE_WRITE_RATE_PER_MIN", 60),
		MuxBin:              getEnv("TERMGATE_MUX_BIN", "tmux"),
		DataDir:             getEnv("TERMGATE_DATA_DIR", "./data"),
		RedisURL:            os.Getenv("TERMGATE_REDIS_URL"),
		MetricsAddr:         os.Getenv("TERMGATE_METRICS_ADDR"),
		Environment:         getEnv("ENVIRONMENT", "development"),
	}

	if err := ValidateSecrets(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration reads an integer env var expressed in `unit` multiples.
func getEnvDuration(key string, def time.Duration, unit time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * unit
		}
	}
	return def
}

// AuthEnabled reports whether a shared secret token is configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthToken != ""
}

// Addr is the TCP address the gateway listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
