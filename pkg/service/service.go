// Package service wires the bridge, the dashboard relay and the metrics
// endpoint into one running process.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/dbehnke/fleet-bridge/pkg/bridge"
	"github.com/dbehnke/fleet-bridge/pkg/config"
	"github.com/dbehnke/fleet-bridge/pkg/fleet"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
	"github.com/dbehnke/fleet-bridge/pkg/metrics"
	"github.com/dbehnke/fleet-bridge/pkg/web"
)

// Service represents the main fleet-bridge application
type Service struct {
	config    *config.Config
	logger    *logger.Logger
	metrics   *metrics.Metrics
	bridge    *bridge.Bridge
	webServer *web.Server
	running   bool
	mu        sync.RWMutex
}

// New creates the bridge and its host-side collaborators
func New(cfg *config.Config, log *logger.Logger, version, buildTime string) *Service {
	m := metrics.New()

	opts := cfg.Bridge.RouterOptions()
	s := &Service{
		config:  cfg,
		logger:  log.WithComponent("service"),
		metrics: m,
		bridge: bridge.New(bridge.Options{
			Robots:        opts,
			Tasks:         opts,
			Logger:        log,
			Metrics:       m,
			StatsSchedule: cfg.Logging.StatsSchedule,
		}),
		webServer: web.NewServer(cfg.Web, log, version, buildTime),
	}
	s.webServer.SetStatusSource(s.bridge)

	return s
}

// Start connects the bridge and serves until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	robots, tasks, err := s.config.Bridge.Endpoints()
	if err != nil {
		return err
	}

	s.logger.Info("Starting fleet bridge",
		logger.String("robot_locations", robots),
		logger.String("task_updates", tasks))

	err = s.bridge.Start(bridge.Config{
		RobotLocationsEndpoint: robots,
		TaskUpdatesEndpoint:    tasks,
		OnRobotLocation:        s.handleRobotLocation,
		OnTaskUpdate:           s.handleTaskUpdate,
	})
	if err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	var wg sync.WaitGroup

	// Start web server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.webServer.Start(ctx); err != nil {
			s.logger.Error("Web server error", logger.Error(err))
		}
	}()

	// Start metrics server
	if s.config.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.serveMetrics(ctx); err != nil {
				s.logger.Error("Metrics server error", logger.Error(err))
			}
		}()
	}

	<-ctx.Done()
	s.logger.Info("Shutdown signal received")

	stopErr := s.bridge.Stop()
	wg.Wait()

	s.logger.Info("Fleet bridge stopped")
	return stopErr
}

// IsRunning returns whether the service is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns the bridge status
func (s *Service) Status() bridge.Status {
	return s.bridge.Status()
}

func (s *Service) handleRobotLocation(u fleet.RobotLocationUpdate) {
	s.logger.Debug("Robot location",
		logger.String("robot", u.Robot.String()),
		logger.Any("x", u.X),
		logger.Any("y", u.Y),
		logger.Uint64("seq", u.Seq))
	if s.config.Web.Enabled {
		s.webServer.PublishRobotLocation(u)
	}
}

func (s *Service) handleTaskUpdate(u fleet.TaskUpdate) {
	s.logger.Debug("Task update",
		logger.String("task", u.Task.String()),
		logger.String("status", string(u.Status)),
		logger.String("robot", u.Robot.String()),
		logger.Uint64("seq", u.Seq))
	if s.config.Web.Enabled {
		s.webServer.PublishTaskUpdate(u)
	}
}

// serveMetrics exposes the Prometheus registry until ctx is cancelled
func (s *Service) serveMetrics(ctx context.Context) error {
	cfg := s.config.Metrics.Prometheus

	router := mux.NewRouter()
	router.Handle(cfg.Path, s.metrics.Handler()).Methods("GET")

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting metrics server", logger.String("address", addr), logger.String("path", cfg.Path))

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
