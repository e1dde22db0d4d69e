// Package config loads the gateway's environment-style configuration keys
// into a single validated struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external interfaces table.
type Config struct {
	Host string
	Port int

	AgentURL string

	SessionTimeout time.Duration

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RateLimitPoints   int
	RateLimitDuration time.Duration
	RateLimitBlock    time.Duration

	MaxMessageBytes int
	MaxParts        int
	MaxTextBytes    int

	SubscriberQueueCapacity int
	MonitoringTimeout       time.Duration

	ServiceName  string
	OTLPEndpoint string
}

// defaults mirror the values named in the configuration table.
const (
	defaultHost                    = "0.0.0.0"
	defaultPort                    = 8080
	defaultSessionTimeoutSeconds   = 3600
	defaultRateLimitPoints         = 60
	defaultRateLimitDurationSecond = 60
	defaultRateLimitBlockSeconds   = 300
	defaultMaxMessageBytes         = 1 << 20 // 1 MiB
	defaultMaxParts                = 100
	defaultMaxTextBytes            = 512 << 10 // 512 KiB
	defaultSubscriberQueueCap      = 64
	defaultMonitoringTimeoutMillis = 3_600_000
	defaultServiceName             = "a2agateway"
)

// Load reads configuration from the process environment, applying the
// documented defaults for every key left unset. If CONFIG_FILE names a YAML
// document, its keys (same names as the environment variables below, e.g.
// "PORT", "JWT_SECRET") fill in anything the environment doesn't set; an
// environment variable always wins over the file. It returns a descriptive
// error on the first malformed value or unreadable file encountered.
func Load() (*Config, error) {
	overrides, err := loadFileOverrides(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:                    getString(overrides, "HOST", defaultHost),
		AgentURL:                getString(overrides, "AGENT_URL", ""),
		JWTSecret:               getString(overrides, "JWT_SECRET", ""),
		JWTIssuer:               getString(overrides, "JWT_ISSUER", ""),
		JWTAudience:             getString(overrides, "JWT_AUDIENCE", ""),
		RateLimitPoints:         defaultRateLimitPoints,
		SubscriberQueueCapacity: defaultSubscriberQueueCap,
		ServiceName:             getString(overrides, "SERVICE_NAME", defaultServiceName),
		OTLPEndpoint:            getString(overrides, "OTLP_ENDPOINT", ""),
	}

	if cfg.Port, err = getInt(overrides, "PORT", defaultPort); err != nil {
		return nil, err
	}

	sessionSeconds, err := getInt(overrides, "SESSION_TIMEOUT", defaultSessionTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	cfg.SessionTimeout = time.Duration(sessionSeconds) * time.Second

	if cfg.RateLimitPoints, err = getInt(overrides, "RATE_LIMIT_POINTS", defaultRateLimitPoints); err != nil {
		return nil, err
	}
	rlDuration, err := getInt(overrides, "RATE_LIMIT_DURATION", defaultRateLimitDurationSecond)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitDuration = time.Duration(rlDuration) * time.Second

	rlBlock, err := getInt(overrides, "RATE_LIMIT_BLOCK", defaultRateLimitBlockSeconds)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitBlock = time.Duration(rlBlock) * time.Second

	if cfg.MaxMessageBytes, err = getInt(overrides, "MAX_MESSAGE_BYTES", defaultMaxMessageBytes); err != nil {
		return nil, err
	}
	if cfg.MaxParts, err = getInt(overrides, "MAX_PARTS", defaultMaxParts); err != nil {
		return nil, err
	}
	if cfg.MaxTextBytes, err = getInt(overrides, "MAX_TEXT_BYTES", defaultMaxTextBytes); err != nil {
		return nil, err
	}
	if cfg.SubscriberQueueCapacity, err = getInt(overrides, "SUBSCRIBER_QUEUE_CAPACITY", defaultSubscriberQueueCap); err != nil {
		return nil, err
	}

	monitoringMillis, err := getInt(overrides, "MONITORING_TIMEOUT_MS", defaultMonitoringTimeoutMillis)
	if err != nil {
		return nil, err
	}
	cfg.MonitoringTimeout = time.Duration(monitoringMillis) * time.Millisecond

	return cfg, nil
}

// loadFileOverrides reads a flat string-keyed YAML document from path. An
// empty path is not an error: it means no file was configured.
func loadFileOverrides(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return overrides, nil
}

func getString(overrides map[string]string, key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if v, ok := overrides[key]; ok && v != "" {
		return v
	}
	return def
}

func getInt(overrides map[string]string, key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		v, ok = overrides[key]
	}
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid integer for %s: %w", key, err)
	}
	return n, nil
}
