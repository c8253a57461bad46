package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbehnke/fleet-bridge/pkg/config"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
	"github.com/dbehnke/fleet-bridge/pkg/service"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet-bridge",
		Short: "Live robot location and task update bridge",
		Long: `fleet-bridge keeps WebSocket connections to a fleet backend's
robot-locations and task-updates channels, decodes every frame and relays the
updates to a local dashboard and Prometheus metrics.`,
		Version: fmt.Sprintf("%s (built at %s)", Version, BuildTime),
		RunE:    runBridge,
	}

	// Add flags
	rootCmd.Flags().StringP("config", "c", "config.yaml", "Configuration file path")
	rootCmd.Flags().String("base-url", "", "Backend base URL (overrides config)")
	rootCmd.Flags().String("robots", "", "robot-locations channel URL (overrides config)")
	rootCmd.Flags().String("tasks", "", "task-updates channel URL (overrides config)")
	rootCmd.Flags().Bool("debug", false, "Enable debug logging (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	// Get command line flags
	configFile, _ := cmd.Flags().GetString("config")
	baseOverride, _ := cmd.Flags().GetString("base-url")
	robotsOverride, _ := cmd.Flags().GetString("robots")
	tasksOverride, _ := cmd.Flags().GetString("tasks")
	debugOverride, _ := cmd.Flags().GetBool("debug")

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Apply command line overrides
	if baseOverride != "" {
		cfg.Bridge.BaseURL = baseOverride
	}
	if robotsOverride != "" {
		cfg.Bridge.RobotLocations = robotsOverride
	}
	if tasksOverride != "" {
		cfg.Bridge.TaskUpdates = tasksOverride
	}
	if debugOverride {
		cfg.Logging.Level = "debug"
	}

	// Initialize logger
	loggerConfig := cfg.Logging.LoggerConfig()
	loggerConfig.Development = cfg.Logging.Level == "debug"

	log, err := logger.New(loggerConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("fleet-bridge starting",
		logger.String("version", Version),
		logger.String("build_time", BuildTime),
		logger.String("config_file", configFile))

	svc := service.New(cfg, log, Version, BuildTime)

	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Error("Bridge error", logger.Error(err))
		return err
	}

	return nil
}
