// fleet_sim is a stand-in fleet backend for manual end-to-end runs. It serves
// array snapshots of robot positions on /ws/robots and task statuses on
// /ws/tasks in the same shape as the real backend.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/dbehnke/fleet-bridge/pkg/endpoint"
	"github.com/dbehnke/fleet-bridge/pkg/fleet"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
)

type robotWire struct {
	ID        int     `json:"Id"`
	XPosition float64 `json:"XPosition"`
	YPosition float64 `json:"YPosition"`
}

type taskWire struct {
	ID     int              `json:"Id"`
	Status fleet.TaskStatus `json:"Status"`
}

// simulation moves robots around a grid and walks tasks through their lifecycle
type simulation struct {
	mu       sync.Mutex
	rng      *rand.Rand
	gridSize float64
	robots   []robotWire
	tasks    []taskWire
	nextTask int
}

func newSimulation(robots int, gridSize float64) *simulation {
	s := &simulation{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		gridSize: gridSize,
		nextTask: 1,
	}
	for i := 1; i <= robots; i++ {
		s.robots = append(s.robots, robotWire{
			ID:        i,
			XPosition: float64(s.rng.Intn(int(gridSize))),
			YPosition: float64(s.rng.Intn(int(gridSize))),
		})
	}
	return s
}

func (s *simulation) step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.robots {
		r := &s.robots[i]
		switch s.rng.Intn(4) {
		case 0:
			r.XPosition = clamp(r.XPosition+1, s.gridSize)
		case 1:
			r.XPosition = clamp(r.XPosition-1, s.gridSize)
		case 2:
			r.YPosition = clamp(r.YPosition+1, s.gridSize)
		case 3:
			r.YPosition = clamp(r.YPosition-1, s.gridSize)
		}
	}

	// Advance tasks and retire finished ones
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		switch t.Status {
		case fleet.TaskStatusCreated:
			t.Status = fleet.TaskStatusInProgress
		case fleet.TaskStatusInProgress:
			if s.rng.Intn(10) == 0 {
				t.Status = fleet.TaskStatusCancelled
			} else {
				t.Status = fleet.TaskStatusCompleted
			}
		}
		kept = append(kept, t)
	}
	s.tasks = kept

	if s.rng.Intn(2) == 0 {
		s.tasks = append(s.tasks, taskWire{ID: s.nextTask, Status: fleet.TaskStatusCreated})
		s.nextTask++
	}
}

func clamp(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max-1 {
		return max - 1
	}
	return v
}

func (s *simulation) robotSnapshot() []robotWire {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]robotWire(nil), s.robots...)
}

func (s *simulation) taskSnapshot() []taskWire {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]taskWire(nil), s.tasks...)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream upgrades the request and writes snapshot() every interval until the
// client goes away or ctx ends
func stream(ctx context.Context, log *logger.Logger, interval time.Duration, snapshot func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("Upgrade failed", logger.Error(err))
			return
		}
		defer func() { _ = conn.Close() }()

		log.Info("Client connected", logger.String("path", r.URL.Path), logger.String("remote", r.RemoteAddr))

		// Reader detects the client going away
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			case <-gone:
				log.Info("Client disconnected", logger.String("path", r.URL.Path))
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(snapshot()); err != nil {
					log.Debug("Write failed", logger.Error(err))
					return
				}
			}
		}
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet_sim",
		Short: "Simulated fleet backend serving robot and task channels",
		RunE:  run,
	}

	rootCmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	rootCmd.Flags().Int("robots", 5, "number of simulated robots")
	rootCmd.Flags().Float64("grid", 20, "grid size")
	rootCmd.Flags().Duration("robot-interval", 200*time.Millisecond, "robot snapshot interval")
	rootCmd.Flags().Duration("task-interval", time.Second, "task snapshot interval")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateFlags(robots int, grid float64, robotInterval, taskInterval time.Duration) error {
	if robots < 0 {
		return fmt.Errorf("robots must not be negative")
	}
	if grid < 1 {
		return fmt.Errorf("grid must be at least 1")
	}
	if robotInterval <= 0 {
		return fmt.Errorf("robot-interval must be positive, got %v", robotInterval)
	}
	if taskInterval <= 0 {
		return fmt.Errorf("task-interval must be positive, got %v", taskInterval)
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	robots, _ := cmd.Flags().GetInt("robots")
	grid, _ := cmd.Flags().GetFloat64("grid")
	robotInterval, _ := cmd.Flags().GetDuration("robot-interval")
	taskInterval, _ := cmd.Flags().GetDuration("task-interval")

	if err := validateFlags(robots, grid, robotInterval, taskInterval); err != nil {
		return err
	}

	log := logger.Default().WithComponent("fleet_sim")
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sim := newSimulation(robots, grid)
	go func() {
		ticker := time.NewTicker(taskInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sim.step()
			}
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc(endpoint.RobotsPath, stream(ctx, log, robotInterval, func() interface{} { return sim.robotSnapshot() }))
	router.HandleFunc(endpoint.TasksPath, stream(ctx, log, taskInterval, func() interface{} { return sim.taskSnapshot() }))

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	log.Info("Fleet simulator listening",
		logger.String("address", addr),
		logger.Int("robots", robots))

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
