package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "WHITEBOARD"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DriverSQLite
	defaultDatabasePath        = "whiteboard.db"
	defaultLogLevel            = "info"
	defaultIssuer              = "whiteboard-auth"
	defaultTokenTTLMinutes     = 60
	defaultHistoryCap          = 5000
	defaultReplayCap           = 500
	defaultRateLimitWindowMs   = 1000
	defaultRateLimitMaxEvents  = 120
	defaultMaxPayloadBytes     = 4096
	defaultPingTimeoutSeconds  = 60
	defaultRequireSegmentIndex = true
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	SigningSecret  string
	Issuer         string
	TokenTTL       time.Duration
	Whiteboard     WhiteboardConfig
}

// WhiteboardConfig captures the realtime board socket settings.
type WhiteboardConfig struct {
	Enabled             bool
	AllowedOrigins      []string
	HistoryCap          int
	ReplayCap           int
	RateLimitWindow     time.Duration
	RateLimitMaxEvents  int
	MaxPayloadBytes     int
	RequireSegmentIndex bool
	PingTimeout         time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("whiteboard.enabled", true)
	configViper.SetDefault("whiteboard.allowed_origins", "")
	configViper.SetDefault("whiteboard.history_cap", defaultHistoryCap)
	configViper.SetDefault("whiteboard.replay_cap", defaultReplayCap)
	configViper.SetDefault("whiteboard.rate_limit.window_ms", defaultRateLimitWindowMs)
	configViper.SetDefault("whiteboard.rate_limit.max_events", defaultRateLimitMaxEvents)
	configViper.SetDefault("whiteboard.max_payload_bytes", defaultMaxPayloadBytes)
	configViper.SetDefault("whiteboard.require_segment_index", defaultRequireSegmentIndex)
	configViper.SetDefault("whiteboard.ping_timeout_seconds", defaultPingTimeoutSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Whiteboard: WhiteboardConfig{
			Enabled:             configViper.GetBool("whiteboard.enabled"),
			AllowedOrigins:      splitList(configViper.GetString("whiteboard.allowed_origins")),
			HistoryCap:          configViper.GetInt("whiteboard.history_cap"),
			ReplayCap:           configViper.GetInt("whiteboard.replay_cap"),
			RateLimitWindow:     time.Duration(configViper.GetInt("whiteboard.rate_limit.window_ms")) * time.Millisecond,
			RateLimitMaxEvents:  configViper.GetInt("whiteboard.rate_limit.max_events"),
			MaxPayloadBytes:     configViper.GetInt("whiteboard.max_payload_bytes"),
			RequireSegmentIndex: configViper.GetBool("whiteboard.require_segment_index"),
			PingTimeout:         time.Duration(configViper.GetInt("whiteboard.ping_timeout_seconds")) * time.Second,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Whiteboard.HistoryCap <= 0 {
		return fmt.Errorf("whiteboard.history_cap must be positive")
	}
	if c.Whiteboard.ReplayCap <= 0 {
		return fmt.Errorf("whiteboard.replay_cap must be positive")
	}
	if c.Whiteboard.RateLimitWindow <= 0 || c.Whiteboard.RateLimitMaxEvents <= 0 {
		return fmt.Errorf("whiteboard.rate_limit window and max_events must be positive")
	}
	if c.Whiteboard.MaxPayloadBytes <= 0 {
		return fmt.Errorf("whiteboard.max_payload_bytes must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
