package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dbehnke/fleet-bridge/pkg/channel"
	"github.com/dbehnke/fleet-bridge/pkg/endpoint"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
	"github.com/dbehnke/fleet-bridge/pkg/router"
)

// Config represents the application configuration
type Config struct {
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Web     WebConfig     `mapstructure:"web"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BridgeConfig holds the backend channel configuration
type BridgeConfig struct {
	// BaseURL is joined with the conventional channel paths unless a full
	// channel URL is given
	BaseURL          string          `mapstructure:"base_url"`
	RobotLocations   string          `mapstructure:"robot_locations"`
	TaskUpdates      string          `mapstructure:"task_updates"`
	AuthToken        string          `mapstructure:"auth_token"`
	HandshakeTimeout time.Duration   `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration   `mapstructure:"ping_interval"`
	PongWait         time.Duration   `mapstructure:"pong_wait"`
	MaxFrameSize     int64           `mapstructure:"max_frame_size"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect"`
	Delivery         DeliveryConfig  `mapstructure:"delivery"`
}

// ReconnectConfig holds the backoff schedule
type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	StableAfter time.Duration `mapstructure:"stable_after"`
}

// DeliveryConfig holds the per-channel delivery queue settings
type DeliveryConfig struct {
	Buffer  int           `mapstructure:"buffer"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WebConfig holds the local dashboard relay configuration
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	File          string `mapstructure:"file"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	StatsSchedule string `mapstructure:"stats_schedule"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables.
// Environment variables use the FLEET_ prefix, e.g. FLEET_BRIDGE_BASE_URL.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fleet-bridge")
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - that's also OK
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	populateTokenFromEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Bridge defaults
	v.SetDefault("bridge.base_url", "ws://localhost:8080")
	v.SetDefault("bridge.robot_locations", "")
	v.SetDefault("bridge.task_updates", "")
	v.SetDefault("bridge.auth_token", "")
	v.SetDefault("bridge.handshake_timeout", "10s")
	v.SetDefault("bridge.ping_interval", "30s")
	v.SetDefault("bridge.pong_wait", "60s")
	v.SetDefault("bridge.max_frame_size", 1<<20)
	v.SetDefault("bridge.reconnect.base_delay", "500ms")
	v.SetDefault("bridge.reconnect.max_delay", "30s")
	v.SetDefault("bridge.reconnect.multiplier", 2.0)
	v.SetDefault("bridge.reconnect.jitter", 0.2)
	v.SetDefault("bridge.reconnect.stable_after", "10s")
	v.SetDefault("bridge.delivery.buffer", 64)
	v.SetDefault("bridge.delivery.timeout", "5s")

	// Web defaults
	v.SetDefault("web.enabled", true)
	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", 8090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.stats_schedule", "@every 1m")

	// Metrics defaults
	v.SetDefault("metrics.prometheus.enabled", true)
	v.SetDefault("metrics.prometheus.host", "0.0.0.0")
	v.SetDefault("metrics.prometheus.port", 9090)
	v.SetDefault("metrics.prometheus.path", "/metrics")
}

// populateTokenFromEnv fills the backend token from FLEET_BACKEND_TOKEN when
// the config file leaves it empty
func populateTokenFromEnv(cfg *Config) {
	if cfg.Bridge.AuthToken != "" {
		return
	}
	if token := os.Getenv("FLEET_BACKEND_TOKEN"); token != "" {
		cfg.Bridge.AuthToken = token
	}
}

// Endpoints resolves the two channel URLs. A full channel URL wins over the
// base URL joined with the default path.
func (b BridgeConfig) Endpoints() (robots, tasks string, err error) {
	robots, err = resolve(b.RobotLocations, b.BaseURL, endpoint.RobotsPath)
	if err != nil {
		return "", "", fmt.Errorf("robot_locations: %w", err)
	}
	tasks, err = resolve(b.TaskUpdates, b.BaseURL, endpoint.TasksPath)
	if err != nil {
		return "", "", fmt.Errorf("task_updates: %w", err)
	}
	return robots, tasks, nil
}

func resolve(full, base, path string) (string, error) {
	if full != "" {
		ep, err := endpoint.Parse(full)
		if err != nil {
			return "", err
		}
		return ep.URL(), nil
	}
	ep, err := endpoint.Join(base, path)
	if err != nil {
		return "", err
	}
	return ep.URL(), nil
}

// RouterOptions builds the per-channel router settings
func (b BridgeConfig) RouterOptions() router.Options {
	var header http.Header
	if b.AuthToken != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+b.AuthToken)
	}

	return router.Options{
		Buffer:          b.Delivery.Buffer,
		DeliveryTimeout: b.Delivery.Timeout,
		Connection: channel.Options{
			Header:           header,
			HandshakeTimeout: b.HandshakeTimeout,
			PingInterval:     b.PingInterval,
			PongWait:         b.PongWait,
			MaxFrameSize:     b.MaxFrameSize,
			Retry: channel.RetryConfig{
				BaseDelay:   b.Reconnect.BaseDelay,
				MaxDelay:    b.Reconnect.MaxDelay,
				Multiplier:  b.Reconnect.Multiplier,
				Jitter:      b.Reconnect.Jitter,
				StableAfter: b.Reconnect.StableAfter,
			},
		},
	}
}

// LoggerConfig converts the logging section for logger.New
func (l LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
	}
}
