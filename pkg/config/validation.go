package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// validate validates the configuration
func validate(config *Config) error {
	// Validate bridge configuration
	if err := validateBridge(&config.Bridge); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}

	// Validate web configuration
	if err := validateWeb(&config.Web); err != nil {
		return fmt.Errorf("web config: %w", err)
	}

	// Validate logging configuration
	if err := validateLogging(&config.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// Validate metrics configuration
	if err := validateMetrics(&config.Metrics); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// validateBridge validates the channel endpoints and tuning
func validateBridge(config *BridgeConfig) error {
	if config.BaseURL == "" && (config.RobotLocations == "" || config.TaskUpdates == "") {
		return fmt.Errorf("base_url is required unless both channel URLs are set")
	}

	if _, _, err := config.Endpoints(); err != nil {
		return err
	}

	if config.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}

	if config.PongWait > 0 && config.PingInterval >= config.PongWait {
		return fmt.Errorf("ping_interval (%v) must be less than pong_wait (%v)", config.PingInterval, config.PongWait)
	}

	if config.MaxFrameSize < 1 {
		return fmt.Errorf("max_frame_size must be at least 1")
	}

	r := config.Reconnect
	if r.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%v) must not be less than base_delay (%v)", r.MaxDelay, r.BaseDelay)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1)")
	}

	if config.Delivery.Buffer < 1 {
		return fmt.Errorf("delivery.buffer must be at least 1")
	}

	return nil
}

// validateWeb validates web relay configuration
func validateWeb(config *WebConfig) error {
	if !config.Enabled {
		return nil
	}

	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("invalid port: %d", config.Port)
	}

	return nil
}

// validateLogging validates logging configuration
func validateLogging(config *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, config.Level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)",
			config.Level, strings.Join(validLevels, ", "))
	}

	validFormats := []string{"text", "json"}
	if !contains(validFormats, config.Format) {
		return fmt.Errorf("invalid log format: %s (must be one of: %s)",
			config.Format, strings.Join(validFormats, ", "))
	}

	if config.MaxSize < 1 {
		return fmt.Errorf("max_size must be at least 1")
	}

	if config.MaxBackups < 0 {
		return fmt.Errorf("max_backups cannot be negative")
	}

	if config.MaxAge < 0 {
		return fmt.Errorf("max_age cannot be negative")
	}

	if config.StatsSchedule != "" {
		if _, err := cron.ParseStandard(config.StatsSchedule); err != nil {
			return fmt.Errorf("invalid stats_schedule %q: %w", config.StatsSchedule, err)
		}
	}

	return nil
}

// validateMetrics validates metrics configuration
func validateMetrics(config *MetricsConfig) error {
	if !config.Prometheus.Enabled {
		return nil
	}

	if config.Prometheus.Port < 1 || config.Prometheus.Port > 65535 {
		return fmt.Errorf("invalid prometheus port: %d", config.Prometheus.Port)
	}

	if config.Prometheus.Path == "" {
		return fmt.Errorf("prometheus path cannot be empty")
	}

	if !strings.HasPrefix(config.Prometheus.Path, "/") {
		return fmt.Errorf("prometheus path must start with /")
	}

	return nil
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
