package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds runtime server configuration
type ServerConfig struct {
	HTTPPort     int
	MetricsPort  int
	DatabasePath string
	JWTSecret    string

	// X-Forwarded-For is honored only when TrustProxyHeaders is set AND
	// the direct peer falls inside one of TrustedProxyCIDRs; otherwise a
	// client picks its own identity by rotating the header
	TrustProxyHeaders bool
	TrustedProxyCIDRs []string

	MaxSubscriptionsPerConn int
	MaxMessagesPerWindow    int
	RateWindowSeconds       int
	RESTBucketCapacity      float64
	RESTRefillPerSec        float64
	AuthBucketCapacity      float64
	AuthRefillPerSec        float64
	SessionTimeoutSeconds   int

	MaxAuthFailures  int
	DefenseMode      string // "ip_temp", "ip_perm", "db_wipe", "db_wipe_shutdown"
	TempBlockMinutes int
	PanicMode        bool

	SweepIntervalSeconds     int
	HeartbeatIntervalSeconds int

	TokenTTLMinutes int
	BcryptCost      int
}

// DefaultConfig returns the default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:     8080,
		MetricsPort:  9090,
		DatabasePath: "~/.hush/hush.db",

		TrustProxyHeaders: false,
		TrustedProxyCIDRs: nil,

		MaxSubscriptionsPerConn: 500,
		MaxMessagesPerWindow:    30,
		RateWindowSeconds:       10,
		RESTBucketCapacity:      60,
		RESTRefillPerSec:        1,
		AuthBucketCapacity:      5,
		AuthRefillPerSec:        0.1,
		SessionTimeoutSeconds:   300,

		MaxAuthFailures:  5,
		DefenseMode:      "ip_temp",
		TempBlockMinutes: 15,
		PanicMode:        false,

		SweepIntervalSeconds:     2,
		HeartbeatIntervalSeconds: 30,

		TokenTTLMinutes: 60,
		BcryptCost:      12,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Defense DefenseSection `toml:"defense"`
	Expiry  ExpirySection  `toml:"expiry"`
	Auth    AuthSection    `toml:"auth"`
}

type ServerSection struct {
	HTTPPort          int      `toml:"http_port"`
	MetricsPort       int      `toml:"metrics_port"`
	DatabasePath      string   `toml:"database_path"`
	JWTSecret         string   `toml:"jwt_secret"`
	TrustProxyHeaders bool     `toml:"trust_proxy_headers"`
	TrustedProxyCIDRs []string `toml:"trusted_proxy_cidrs"`
}

type LimitsSection struct {
	MaxSubscriptions      int     `toml:"max_subscriptions"`
	MaxMessagesPerWindow  int     `toml:"max_messages_per_window"`
	RateWindowSeconds     int     `toml:"rate_window_seconds"`
	RESTBucketCapacity    float64 `toml:"rest_bucket_capacity"`
	RESTRefillPerSec      float64 `toml:"rest_refill_per_sec"`
	AuthBucketCapacity    float64 `toml:"auth_bucket_capacity"`
	AuthRefillPerSec      float64 `toml:"auth_refill_per_sec"`
	SessionTimeoutSeconds int     `toml:"session_timeout_seconds"`
}

type DefenseSection struct {
	MaxAuthFailures  int    `toml:"max_auth_failures"`
	Mode             string `toml:"mode"`
	TempBlockMinutes int    `toml:"temp_block_minutes"`
	PanicMode        bool   `toml:"panic_mode"`
}

type ExpirySection struct {
	SweepIntervalSeconds     int `toml:"sweep_interval_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
}

type AuthSection struct {
	TokenTTLMinutes int `toml:"token_ttl_minutes"`
	BcryptCost      int `toml:"bcrypt_cost"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     def.HTTPPort,
			MetricsPort:  def.MetricsPort,
			DatabasePath: def.DatabasePath,
		},
		Limits: LimitsSection{
			MaxSubscriptions:      def.MaxSubscriptionsPerConn,
			MaxMessagesPerWindow:  def.MaxMessagesPerWindow,
			RateWindowSeconds:     def.RateWindowSeconds,
			RESTBucketCapacity:    def.RESTBucketCapacity,
			RESTRefillPerSec:      def.RESTRefillPerSec,
			AuthBucketCapacity:    def.AuthBucketCapacity,
			AuthRefillPerSec:      def.AuthRefillPerSec,
			SessionTimeoutSeconds: def.SessionTimeoutSeconds,
		},
		Defense: DefenseSection{
			MaxAuthFailures:  def.MaxAuthFailures,
			Mode:             def.DefenseMode,
			TempBlockMinutes: def.TempBlockMinutes,
			PanicMode:        def.PanicMode,
		},
		Expiry: ExpirySection{
			SweepIntervalSeconds:     def.SweepIntervalSeconds,
			HeartbeatIntervalSeconds: def.HeartbeatIntervalSeconds,
		},
		Auth: AuthSection{
			TokenTTLMinutes: def.TokenTTLMinutes,
			BcryptCost:      def.BcryptCost,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: HUSH_SECTION_KEY
// Example: HUSH_SERVER_HTTP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if val := os.Getenv(key); val != "" {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				*dst = f
			}
		}
	}
	envString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	envBool := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				*dst = b
			}
		}
	}

	envInt("HUSH_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("HUSH_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("HUSH_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("HUSH_SERVER_JWT_SECRET", &config.Server.JWTSecret)
	envBool("HUSH_SERVER_TRUST_PROXY_HEADERS", &config.Server.TrustProxyHeaders)
	if val := os.Getenv("HUSH_SERVER_TRUSTED_PROXY_CIDRS"); val != "" {
		var cidrs []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cidrs = append(cidrs, part)
			}
		}
		config.Server.TrustedProxyCIDRs = cidrs
	}

	envInt("HUSH_LIMITS_MAX_SUBSCRIPTIONS", &config.Limits.MaxSubscriptions)
	envInt("HUSH_LIMITS_MAX_MESSAGES_PER_WINDOW", &config.Limits.MaxMessagesPerWindow)
	envInt("HUSH_LIMITS_RATE_WINDOW_SECONDS", &config.Limits.RateWindowSeconds)
	envFloat("HUSH_LIMITS_REST_BUCKET_CAPACITY", &config.Limits.RESTBucketCapacity)
	envFloat("HUSH_LIMITS_REST_REFILL_PER_SEC", &config.Limits.RESTRefillPerSec)
	envFloat("HUSH_LIMITS_AUTH_BUCKET_CAPACITY", &config.Limits.AuthBucketCapacity)
	envFloat("HUSH_LIMITS_AUTH_REFILL_PER_SEC", &config.Limits.AuthRefillPerSec)
	envInt("HUSH_LIMITS_SESSION_TIMEOUT_SECONDS", &config.Limits.SessionTimeoutSeconds)

	envInt("HUSH_DEFENSE_MAX_AUTH_FAILURES", &config.Defense.MaxAuthFailures)
	envString("HUSH_DEFENSE_MODE", &config.Defense.Mode)
	envInt("HUSH_DEFENSE_TEMP_BLOCK_MINUTES", &config.Defense.TempBlockMinutes)
	envBool("HUSH_DEFENSE_PANIC_MODE", &config.Defense.PanicMode)

	envInt("HUSH_EXPIRY_SWEEP_INTERVAL_SECONDS", &config.Expiry.SweepIntervalSeconds)
	envInt("HUSH_EXPIRY_HEARTBEAT_INTERVAL_SECONDS", &config.Expiry.HeartbeatIntervalSeconds)

	envInt("HUSH_AUTH_TOKEN_TTL_MINUTES", &config.Auth.TokenTTLMinutes)
	envInt("HUSH_AUTH_BCRYPT_COST", &config.Auth.BcryptCost)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Hush Relay Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# HUSH_SECTION_KEY (e.g., HUSH_SERVER_HTTP_PORT=8080)

[server]
# Port for the public HTTP server (/ws, /api/*, /health)
http_port = 8080

# Port for the internal metrics server (/metrics, /health)
# Bind this behind your firewall; it is never meant to be public
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.hush/hush.db"

# Secret for signing session tokens. Leave empty to generate an
# ephemeral secret at startup (sessions won't survive restarts):
# jwt_secret = ""

# Honor X-Forwarded-For for rate limiting and IP blocking. Enable ONLY
# behind a reverse proxy you control, and list that proxy's address
# ranges; requests arriving directly keep their socket address either
# way. With this off the header is ignored entirely.
trust_proxy_headers = false
trusted_proxy_cidrs = []

[limits]
# Maximum conversation subscriptions per connection
max_subscriptions = 500

# Sliding-window relay send limit per connection
max_messages_per_window = 30
rate_window_seconds = 10

# Token bucket for general REST traffic per client IP
rest_bucket_capacity = 60.0
rest_refill_per_sec = 1.0

# Stricter token bucket for authentication endpoints
auth_bucket_capacity = 5.0
auth_refill_per_sec = 0.1

# Connections idle longer than this are disconnected
session_timeout_seconds = 300

[defense]
# Auth failures per IP before the configured mode fires
max_auth_failures = 5

# One of: ip_temp, ip_perm, db_wipe, db_wipe_shutdown
mode = "ip_temp"

# Temporary block duration for ip_temp mode
temp_block_minutes = 15

# When true, ANY auth failure wipes the database and terminates the
# process. Irreversible. You were warned.
panic_mode = false

[expiry]
# How often the seen-based expiry sweeps run
sweep_interval_seconds = 2

# Interval for server->client heartbeat frames
heartbeat_interval_seconds = 30

[auth]
# Session token lifetime
token_ttl_minutes = 60

# bcrypt work factor for new password hashes
bcrypt_cost = 12
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if c.Server.JWTSecret != "" {
		cfg.JWTSecret = c.Server.JWTSecret
	}
	cfg.TrustProxyHeaders = c.Server.TrustProxyHeaders
	if len(c.Server.TrustedProxyCIDRs) > 0 {
		cfg.TrustedProxyCIDRs = c.Server.TrustedProxyCIDRs
	}

	if c.Limits.MaxSubscriptions != 0 {
		cfg.MaxSubscriptionsPerConn = c.Limits.MaxSubscriptions
	}
	if c.Limits.MaxMessagesPerWindow != 0 {
		cfg.MaxMessagesPerWindow = c.Limits.MaxMessagesPerWindow
	}
	if c.Limits.RateWindowSeconds != 0 {
		cfg.RateWindowSeconds = c.Limits.RateWindowSeconds
	}
	if c.Limits.RESTBucketCapacity != 0 {
		cfg.RESTBucketCapacity = c.Limits.RESTBucketCapacity
	}
	if c.Limits.RESTRefillPerSec != 0 {
		cfg.RESTRefillPerSec = c.Limits.RESTRefillPerSec
	}
	if c.Limits.AuthBucketCapacity != 0 {
		cfg.AuthBucketCapacity = c.Limits.AuthBucketCapacity
	}
	if c.Limits.AuthRefillPerSec != 0 {
		cfg.AuthRefillPerSec = c.Limits.AuthRefillPerSec
	}
	if c.Limits.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeoutSeconds = c.Limits.SessionTimeoutSeconds
	}

	if c.Defense.MaxAuthFailures != 0 {
		cfg.MaxAuthFailures = c.Defense.MaxAuthFailures
	}
	if strings.TrimSpace(c.Defense.Mode) != "" {
		cfg.DefenseMode = c.Defense.Mode
	}
	if c.Defense.TempBlockMinutes != 0 {
		cfg.TempBlockMinutes = c.Defense.TempBlockMinutes
	}
	cfg.PanicMode = c.Defense.PanicMode

	if c.Expiry.SweepIntervalSeconds != 0 {
		cfg.SweepIntervalSeconds = c.Expiry.SweepIntervalSeconds
	}
	if c.Expiry.HeartbeatIntervalSeconds != 0 {
		cfg.HeartbeatIntervalSeconds = c.Expiry.HeartbeatIntervalSeconds
	}

	if c.Auth.TokenTTLMinutes != 0 {
		cfg.TokenTTLMinutes = c.Auth.TokenTTLMinutes
	}
	if c.Auth.BcryptCost != 0 {
		cfg.BcryptCost = c.Auth.BcryptCost
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.TrimSpace(path) == "" {
		path = DefaultConfig().DatabasePath
	}
	return expandHome(path)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
