// Package config loads bidsocket settings from defaults, an optional YAML
// file and BIDSOCKET_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultEndpoint is used when no endpoint is configured anywhere.
const DefaultEndpoint = "http://localhost:5000"

// Backplane names accepted by RelayConfig.Backplane.
const (
	BackplaneMemory = "memory"
	BackplaneNATS   = "nats"
	BackplaneRedis  = "redis"
)

// Config is the full configuration shared by both binaries.
type Config struct {
	Client        ClientConfig        `mapstructure:"client"`
	Identity      IdentityConfig      `mapstructure:"identity"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Log           LogConfig           `mapstructure:"log"`
	Relay         RelayConfig         `mapstructure:"relay"`
}

// ClientConfig controls the connection manager and its transports.
type ClientConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	Transports        []string      `mapstructure:"transports"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	PollWait          time.Duration `mapstructure:"poll_wait"`
}

// IdentityConfig locates the identity files and sets the watch debounce.
type IdentityConfig struct {
	SessionPath string        `mapstructure:"session_path"`
	LocalPath   string        `mapstructure:"local_path"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

// NotificationsConfig toggles desktop notifications.
type NotificationsConfig struct {
	System bool `mapstructure:"system"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// RelayConfig configures the relay server and its backplane.
type RelayConfig struct {
	Addr            string        `mapstructure:"addr"`
	Backplane       string        `mapstructure:"backplane"`
	NATSURL         string        `mapstructure:"nats_url"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	Subject         string        `mapstructure:"subject"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	PollIdleTimeout time.Duration `mapstructure:"poll_idle_timeout"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

var envBindings = map[string]string{
	"client.endpoint":           "BIDSOCKET_ENDPOINT",
	"client.transports":         "BIDSOCKET_TRANSPORTS",
	"client.reconnect_attempts": "BIDSOCKET_RECONNECT_ATTEMPTS",
	"client.reconnect_delay":    "BIDSOCKET_RECONNECT_DELAY",
	"client.dial_timeout":       "BIDSOCKET_DIAL_TIMEOUT",
	"client.poll_wait":          "BIDSOCKET_POLL_WAIT",
	"identity.session_path":     "BIDSOCKET_SESSION_IDENTITY",
	"identity.local_path":       "BIDSOCKET_LOCAL_IDENTITY",
	"identity.debounce":         "BIDSOCKET_IDENTITY_DEBOUNCE",
	"notifications.system":      "BIDSOCKET_SYSTEM_NOTIFICATIONS",
	"log.level":                 "BIDSOCKET_LOG_LEVEL",
	"relay.addr":                "BIDSOCKET_RELAY_ADDR",
	"relay.backplane":           "BIDSOCKET_RELAY_BACKPLANE",
	"relay.nats_url":            "BIDSOCKET_NATS_URL",
	"relay.redis_addr":          "BIDSOCKET_REDIS_ADDR",
	"relay.redis_password":      "BIDSOCKET_REDIS_PASSWORD",
	"relay.redis_db":            "BIDSOCKET_REDIS_DB",
	"relay.subject":             "BIDSOCKET_RELAY_SUBJECT",
	"relay.rate_limit":          "BIDSOCKET_RELAY_RATE_LIMIT",
	"relay.rate_burst":          "BIDSOCKET_RELAY_RATE_BURST",
	"relay.poll_idle_timeout":   "BIDSOCKET_POLL_IDLE_TIMEOUT",
	"relay.sweep_schedule":      "BIDSOCKET_SWEEP_SCHEDULE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.endpoint", DefaultEndpoint)
	v.SetDefault("client.transports", []string{"websocket", "polling"})
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.reconnect_delay", time.Second)
	v.SetDefault("client.dial_timeout", 10*time.Second)
	v.SetDefault("client.poll_wait", 25*time.Second)
	v.SetDefault("identity.session_path", defaultSessionPath())
	v.SetDefault("identity.local_path", defaultLocalPath())
	v.SetDefault("identity.debounce", 200*time.Millisecond)
	v.SetDefault("notifications.system", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("relay.addr", ":5000")
	v.SetDefault("relay.backplane", BackplaneMemory)
	v.SetDefault("relay.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("relay.redis_addr", "localhost:6379")
	v.SetDefault("relay.redis_password", "")
	v.SetDefault("relay.redis_db", 0)
	v.SetDefault("relay.subject", "bidsocket.rooms")
	v.SetDefault("relay.rate_limit", 20.0)
	v.SetDefault("relay.rate_burst", 40)
	v.SetDefault("relay.poll_idle_timeout", time.Minute)
	v.SetDefault("relay.sweep_schedule", "@every 30s")
}

// Load reads configuration. With an empty configFile, bidsocket.yaml is looked
// up in ., ./config and $HOME/.bidsocket and is optional.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("bidsocket")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".bidsocket"))
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Client.Endpoint = strings.TrimSpace(c.Client.Endpoint)
	if c.Client.Endpoint == "" {
		c.Client.Endpoint = DefaultEndpoint
	}
	var ts []string
	for _, t := range c.Client.Transports {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			ts = append(ts, t)
		}
	}
	c.Client.Transports = ts
	c.Relay.Backplane = strings.ToLower(strings.TrimSpace(c.Relay.Backplane))
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.ReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_attempts must be positive, got %d", c.Client.ReconnectAttempts))
	}
	if c.Client.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_delay must be positive, got %v", c.Client.ReconnectDelay))
	}
	if len(c.Client.Transports) == 0 {
		errs = append(errs, errors.New("client.transports must name at least one transport"))
	}
	switch c.Relay.Backplane {
	case BackplaneMemory, BackplaneNATS, BackplaneRedis:
	default:
		errs = append(errs, fmt.Errorf("relay.backplane %q is not one of memory, nats, redis", c.Relay.Backplane))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the text logger used by the binaries.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Level)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func defaultSessionPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "bidsocket", "identity.json")
}

func defaultLocalPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bidsocket", "identity.json")
}
