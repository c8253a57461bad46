package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tempFile, err := os.CreateTemp(t.TempDir(), "test-config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	if _, err := tempFile.WriteString(content); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	if err := tempFile.Close(); err != nil {
		t.Logf("warning: tempFile.Close failed: %v", err)
	}
	return tempFile.Name()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
logging:
  level: "debug"
`))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Bridge.BaseURL != "ws://localhost:8080" {
		t.Errorf("Expected default base_url, got '%s'", cfg.Bridge.BaseURL)
	}

	if cfg.Bridge.HandshakeTimeout != 10*time.Second {
		t.Errorf("Expected default handshake_timeout 10s, got %v", cfg.Bridge.HandshakeTimeout)
	}

	if cfg.Bridge.Reconnect.BaseDelay != 500*time.Millisecond || cfg.Bridge.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("Unexpected reconnect defaults: %+v", cfg.Bridge.Reconnect)
	}

	if cfg.Bridge.Delivery.Buffer != 64 {
		t.Errorf("Expected default delivery buffer 64, got %d", cfg.Bridge.Delivery.Buffer)
	}

	if cfg.Web.Port != 8090 || !cfg.Web.Enabled {
		t.Errorf("Unexpected web defaults: %+v", cfg.Web)
	}

	if cfg.Metrics.Prometheus.Path != "/metrics" {
		t.Errorf("Expected default metrics path, got '%s'", cfg.Metrics.Prometheus.Path)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.Logging.Level)
	}

	if cfg.Logging.StatsSchedule != "@every 1m" {
		t.Errorf("Expected default stats schedule, got '%s'", cfg.Logging.StatsSchedule)
	}

	robots, tasks, err := cfg.Bridge.Endpoints()
	if err != nil {
		t.Fatalf("Endpoints failed: %v", err)
	}
	if robots != "ws://localhost:8080/ws/robots" || tasks != "ws://localhost:8080/ws/tasks" {
		t.Errorf("Unexpected endpoints %s, %s", robots, tasks)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
bridge:
  base_url: "wss://fleet.example.com:9443/api"
  task_updates: "ws://tasks.example.com/ws/tasks"
  auth_token: "s3cret"
  handshake_timeout: "3s"
  ping_interval: "15s"
  pong_wait: "45s"
  max_frame_size: 4096
  reconnect:
    base_delay: "1s"
    max_delay: "1m"
    multiplier: 1.5
    jitter: 0.1
    stable_after: "30s"
  delivery:
    buffer: 16
    timeout: "250ms"

web:
  enabled: false

logging:
  level: "warn"
  format: "json"
  stats_schedule: "*/5 * * * *"

metrics:
  prometheus:
    enabled: true
    port: 9100
    path: "/prom"
`))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	robots, tasks, err := cfg.Bridge.Endpoints()
	if err != nil {
		t.Fatalf("Endpoints failed: %v", err)
	}
	if robots != "wss://fleet.example.com:9443/api/ws/robots" {
		t.Errorf("robots = %s", robots)
	}
	if tasks != "ws://tasks.example.com:80/ws/tasks" {
		t.Errorf("tasks = %s", tasks)
	}

	opts := cfg.Bridge.RouterOptions()
	if opts.Buffer != 16 || opts.DeliveryTimeout != 250*time.Millisecond {
		t.Errorf("delivery options = %d/%v", opts.Buffer, opts.DeliveryTimeout)
	}
	if got := opts.Connection.Header.Get("Authorization"); got != "Bearer s3cret" {
		t.Errorf("Authorization header = %q", got)
	}
	if opts.Connection.MaxFrameSize != 4096 || opts.Connection.PingInterval != 15*time.Second {
		t.Errorf("connection options = %+v", opts.Connection)
	}
	if r := opts.Connection.Retry; r.BaseDelay != time.Second || r.MaxDelay != time.Minute || r.Multiplier != 1.5 {
		t.Errorf("retry options = %+v", r)
	}

	if cfg.Web.Enabled {
		t.Error("Expected web to be disabled")
	}

	lc := cfg.Logging.LoggerConfig()
	if lc.Level != "warn" || lc.Format != "json" {
		t.Errorf("logger config = %+v", lc)
	}

	if cfg.Metrics.Prometheus.Port != 9100 || cfg.Metrics.Prometheus.Path != "/prom" {
		t.Errorf("metrics = %+v", cfg.Metrics.Prometheus)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("FLEET_BRIDGE_BASE_URL", "ws://env-host:7000")
	t.Setenv("FLEET_LOGGING_LEVEL", "error")

	cfg, err := Load(writeConfig(t, "web:\n  port: 8091\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Bridge.BaseURL != "ws://env-host:7000" {
		t.Errorf("base_url = %s", cfg.Bridge.BaseURL)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    string
		expectErr bool
		errorMsg  string
	}{
		{
			name: "Invalid base URL scheme",
			config: `
bridge:
  base_url: "http://localhost:8080"
`,
			expectErr: true,
			errorMsg:  "scheme must be ws or wss",
		},
		{
			name: "Invalid channel URL",
			config: `
bridge:
  robot_locations: "ws://:80/ws/robots"
`,
			expectErr: true,
			errorMsg:  "robot_locations",
		},
		{
			name: "Max delay below base delay",
			config: `
bridge:
  reconnect:
    base_delay: "10s"
    max_delay: "1s"
`,
			expectErr: true,
			errorMsg:  "max_delay",
		},
		{
			name: "Jitter out of range",
			config: `
bridge:
  reconnect:
    jitter: 1.5
`,
			expectErr: true,
			errorMsg:  "jitter",
		},
		{
			name: "Ping interval not below pong wait",
			config: `
bridge:
  ping_interval: "60s"
  pong_wait: "60s"
`,
			expectErr: true,
			errorMsg:  "ping_interval",
		},
		{
			name: "Only pong wait lowered below default ping",
			config: `
bridge:
  pong_wait: "20s"
`,
			expectErr: true,
			errorMsg:  "must be less than pong_wait",
		},
		{
			name: "Invalid web port",
			config: `
web:
  port: 70000
`,
			expectErr: true,
			errorMsg:  "invalid port",
		},
		{
			name: "Invalid log level",
			config: `
logging:
  level: "invalid"
`,
			expectErr: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "Invalid stats schedule",
			config: `
logging:
  stats_schedule: "sometimes"
`,
			expectErr: true,
			errorMsg:  "invalid stats_schedule",
		},
		{
			name: "Invalid metrics path",
			config: `
metrics:
  prometheus:
    path: "metrics"
`,
			expectErr: true,
			errorMsg:  "must start with /",
		},
		{
			name: "Valid config",
			config: `
bridge:
  base_url: "ws://127.0.0.1:5000"
logging:
  level: "info"
`,
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))

			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error containing '%s', but got none", tt.errorMsg)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}
