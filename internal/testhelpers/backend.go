// Package testhelpers provides an in-process fleet backend for tests.
package testhelpers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Backend serves WebSocket channels on arbitrary paths and lets tests push
// frames, reject handshakes and drop connections
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	peers      map[string][]*peer
	failures   map[string]int
	handshakes map[string]int
	closed     bool
}

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

// NewBackend starts a backend that is shut down when the test ends
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:      make(map[string][]*peer),
		failures:   make(map[string]int),
		handshakes: make(map[string]int),
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.Close)

	return b
}

func (b *Backend) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	b.mu.Lock()
	b.handshakes[path]++
	if b.failures[path] > 0 {
		b.failures[path]--
		b.mu.Unlock()
		http.Error(w, "backend not ready", http.StatusServiceUnavailable)
		return
	}
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{conn: conn}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.peers[path] = append(b.peers[path], p)
	b.mu.Unlock()

	defer func() {
		b.remove(path, p)
		_ = conn.Close()
	}()

	// Drain until the client goes away; control frames are handled by ReadMessage
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Backend) remove(path string, p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	peers := b.peers[path]
	for i, candidate := range peers {
		if candidate == p {
			b.peers[path] = append(peers[:i], peers[i+1:]...)
			return
		}
	}
}

// URL returns the ws:// address of path on this backend
func (b *Backend) URL(path string) string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + path
}

// BaseURL returns the ws:// address of the backend root
func (b *Backend) BaseURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// FailHandshakes rejects the next n handshakes on path with HTTP 503
func (b *Backend) FailHandshakes(path string, n int) {
	b.mu.Lock()
	b.failures[path] = n
	b.mu.Unlock()
}

// Handshakes returns how many handshakes were attempted on path
func (b *Backend) Handshakes(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handshakes[path]
}

// Connections returns the number of live clients on path
func (b *Backend) Connections(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers[path])
}

// WaitForConnections blocks until path has at least n live clients
func (b *Backend) WaitForConnections(t testing.TB, path string, n int, timeout time.Duration) {
	t.Helper()
	Eventually(t, timeout, func() bool { return b.Connections(path) >= n },
		fmt.Sprintf("%d connection(s) on %s", n, path))
}

// Send writes payload as a text frame to every client on path
func (b *Backend) Send(path string, payload string) error {
	b.mu.Lock()
	peers := append([]*peer(nil), b.peers[path]...)
	b.mu.Unlock()

	if len(peers) == 0 {
		return fmt.Errorf("no clients connected on %s", path)
	}

	for _, p := range peers {
		if err := p.write([]byte(payload)); err != nil {
			return fmt.Errorf("write to %s: %w", path, err)
		}
	}
	return nil
}

// MustSend is Send that fails the test on error
func (b *Backend) MustSend(t testing.TB, path string, payloads ...string) {
	t.Helper()
	for _, payload := range payloads {
		if err := b.Send(path, payload); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
}

// Drop abruptly closes every client socket on path
func (b *Backend) Drop(path string) {
	b.mu.Lock()
	peers := append([]*peer(nil), b.peers[path]...)
	b.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
}

// Close disconnects every client and stops the server
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*peer
	for _, peers := range b.peers {
		all = append(all, peers...)
	}
	b.mu.Unlock()

	for _, p := range all {
		_ = p.conn.Close()
	}
	b.server.Close()
}

// Eventually polls cond until it holds or timeout expires
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
}
