// Package config reads service configuration from AFX_-prefixed environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration of the API server.
type Config struct {
	Addr  string
	PGDSN string

	TokenSecret     string
	TokenAlgorithm  string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	TokenIssuer     string

	RateLimitRPS   float64
	RateLimitBurst int

	JanitorInterval time.Duration

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Load reads the environment and validates required keys. AFX_PG_DSN and the
// four token keys (AFX_TOKEN_SECRET, AFX_TOKEN_ALG, AFX_ACCESS_TTL_SECONDS,
// AFX_REFRESH_TTL_SECONDS) have no defaults and their absence is fatal;
// everything else defaults.
func Load() (Config, error) {
	cfg := Config{
		Addr:            envString("AFX_ADDR", ":8080"),
		PGDSN:           os.Getenv("AFX_PG_DSN"),
		TokenSecret:     os.Getenv("AFX_TOKEN_SECRET"),
		TokenAlgorithm:  os.Getenv("AFX_TOKEN_ALG"),
		TokenIssuer:     envString("AFX_TOKEN_ISSUER", "algofinstatix"),
		RateLimitRPS:    10,
		RateLimitBurst:  envInt("AFX_RATE_LIMIT_BURST", 20),
		MaxOpenConns:    envInt("AFX_PG_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envInt("AFX_PG_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: 30 * time.Minute,
	}

	var err error
	if cfg.AccessTokenTTL, err = requiredSeconds("AFX_ACCESS_TTL_SECONDS"); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = requiredSeconds("AFX_REFRESH_TTL_SECONDS"); err != nil {
		return Config{}, err
	}
	if cfg.JanitorInterval, err = envSeconds("AFX_JANITOR_INTERVAL_SECONDS", time.Hour); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("AFX_RATE_LIMIT_RPS"); v != "" {
		cfg.RateLimitRPS, err = strconv.ParseFloat(v, 64)
		if err != nil || cfg.RateLimitRPS <= 0 {
			return Config{}, fmt.Errorf("config: invalid AFX_RATE_LIMIT_RPS %q", v)
		}
	}

	if cfg.PGDSN == "" {
		return Config{}, fmt.Errorf("config: AFX_PG_DSN is required")
	}
	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("config: AFX_TOKEN_SECRET is required")
	}
	if cfg.TokenAlgorithm == "" {
		return Config{}, fmt.Errorf("config: AFX_TOKEN_ALG is required")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func requiredSeconds(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, fmt.Errorf("config: %s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
