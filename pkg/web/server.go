// Package web is the local dashboard relay. It keeps the latest location of
// every robot and the latest status of every task and pushes each delivered
// message to browser WebSocket clients.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dbehnke/fleet-bridge/pkg/bridge"
	"github.com/dbehnke/fleet-bridge/pkg/config"
	"github.com/dbehnke/fleet-bridge/pkg/fleet"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
)

// Message types sent to WebSocket clients
const (
	MessageSnapshot      = "snapshot"
	MessageRobotLocation = "robot_location"
	MessageTaskUpdate    = "task_update"
)

// StatusSource reports channel status for /api/channels
type StatusSource interface {
	Status() bridge.Status
}

// Server represents the dashboard relay server
type Server struct {
	config     config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	hub        *WebSocketHub
	startTime  time.Time
	version    string
	buildTime  string

	ctx     context.Context
	cancel  context.CancelFunc
	hubOnce sync.Once

	mu      sync.RWMutex
	running bool
	robots  map[fleet.ID]fleet.RobotLocationUpdate
	tasks   map[fleet.ID]fleet.TaskUpdate
	status  StatusSource
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Snapshot is the state sent to a client when it connects
type Snapshot struct {
	Robots   []fleet.RobotLocationUpdate `json:"robots"`
	Tasks    []fleet.TaskUpdate          `json:"tasks"`
	Channels *bridge.Status              `json:"channels,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboard is served from anywhere on the local network
	},
}

// NewServer creates a new relay server
func NewServer(cfg config.WebConfig, log *logger.Logger, version, buildTime string) *Server {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:    cfg,
		logger:    log.WithComponent("web"),
		hub:       newHub(log.WithComponent("web.hub")),
		startTime: time.Now(),
		version:   version,
		buildTime: buildTime,
		ctx:       ctx,
		cancel:    cancel,
		robots:    make(map[fleet.ID]fleet.RobotLocationUpdate),
		tasks:     make(map[fleet.ID]fleet.TaskUpdate),
	}
	s.hub.snapshot = s.snapshotMessage
	return s
}

// SetStatusSource wires the bridge whose channel status is reported
func (s *Server) SetStatusSource(src StatusSource) {
	s.mu.Lock()
	s.status = src
	s.mu.Unlock()
}

// Handler returns the HTTP routes, starting the WebSocket hub if needed
func (s *Server) Handler() http.Handler {
	s.hubOnce.Do(func() { go s.hub.run(s.ctx) })
	return s.setupRoutes()
}

// Start serves the dashboard until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Web server disabled")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("web server already running")
	}
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Starting web server", logger.String("address", addr))

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
		s.logger.Info("Shutting down web server")
		return s.Stop()
	}
}

// Stop stops the HTTP server and disconnects every WebSocket client
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// PublishRobotLocation records the update and pushes it to clients
func (s *Server) PublishRobotLocation(u fleet.RobotLocationUpdate) {
	s.mu.Lock()
	s.robots[u.Robot] = u
	s.mu.Unlock()

	s.broadcastWebSocketMessage(MessageRobotLocation, u)
}

// PublishTaskUpdate records the update and pushes it to clients
func (s *Server) PublishTaskUpdate(u fleet.TaskUpdate) {
	s.mu.Lock()
	s.tasks[u.Task] = u
	s.mu.Unlock()

	s.broadcastWebSocketMessage(MessageTaskUpdate, u)
}

// Robots returns the latest location of every robot, ordered by ID
func (s *Server) Robots() []fleet.RobotLocationUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fleet.RobotLocationUpdate, 0, len(s.robots))
	for _, u := range s.robots {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Robot < out[j].Robot })
	return out
}

// Tasks returns the latest status of every task, ordered by ID
func (s *Server) Tasks() []fleet.TaskUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fleet.TaskUpdate, 0, len(s.tasks))
	for _, u := range s.tasks {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

func (s *Server) statusSource() StatusSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{Robots: s.Robots(), Tasks: s.Tasks()}
	if src := s.statusSource(); src != nil {
		st := src.Status()
		snap.Channels = &st
	}
	return snap
}

func (s *Server) snapshotMessage() []byte {
	data, err := json.Marshal(WebSocketMessage{Type: MessageSnapshot, Data: s.snapshot()})
	if err != nil {
		s.logger.Error("Failed to marshal snapshot", logger.Error(err))
		return nil
	}
	return data
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.jsonMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/robots", s.handleRobots).Methods("GET")
	api.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	api.HandleFunc("/channels", s.handleChannels).Methods("GET")
	api.HandleFunc("/system/info", s.handleSystemInfo).Methods("GET")

	router.HandleFunc("/ws", s.handleWebSocket)

	return router
}

// broadcastWebSocketMessage queues a message for every WebSocket client
func (s *Server) broadcastWebSocketMessage(messageType string, data interface{}) {
	jsonData, err := json.Marshal(WebSocketMessage{Type: messageType, Data: data})
	if err != nil {
		s.logger.Error("Failed to marshal WebSocket message", logger.Error(err))
		return
	}

	select {
	case s.hub.broadcast <- jsonData:
	default:
		// Don't block the delivery goroutine if the hub falls behind
		s.logger.Warn("WebSocket broadcast channel full, dropping message",
			logger.String("message_type", messageType))
	}
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// API Handlers
func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", logger.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleRobots(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"robots": s.Robots()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"tasks": s.Tasks()})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	src := s.statusSource()
	if src == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		s.writeJSON(w, map[string]string{"error": "bridge not attached"})
		return
	}
	s.writeJSON(w, src.Status())
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"version":   s.version,
		"buildTime": s.buildTime,
		"uptime":    int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", logger.Error(err))
		return
	}

	s.logger.Debug("New WebSocket connection", logger.String("remote", r.RemoteAddr))

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}

	// The hub queues the snapshot ahead of any update
	select {
	case s.hub.register <- c:
	case <-s.ctx.Done():
		_ = conn.Close()
		return
	}
	go c.writePump(s.logger)

	defer func() {
		select {
		case s.hub.unregister <- c:
		case <-s.ctx.Done():
		}
	}()

	// Keep connection alive until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket closed", logger.Error(err))
			}
			return
		}
	}
}
