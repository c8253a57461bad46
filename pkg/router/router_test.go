package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/fleet-bridge/internal/testhelpers"
	"github.com/dbehnke/fleet-bridge/pkg/channel"
	"github.com/dbehnke/fleet-bridge/pkg/endpoint"
	"github.com/dbehnke/fleet-bridge/pkg/fleet"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
	"github.com/dbehnke/fleet-bridge/pkg/metrics"
)

const robotsPath = endpoint.RobotsPath

type collector[T any] struct {
	mu  sync.Mutex
	got []T
}

func (c *collector[T]) add(m T) {
	c.mu.Lock()
	c.got = append(c.got, m)
	c.mu.Unlock()
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func testOptions(t *testing.T, m *metrics.Metrics) Options {
	return Options{
		Name:    fleet.RobotLocationsChannel,
		Logger:  logger.NewTestLogger(testWriter{t}),
		Metrics: m,
		Connection: channel.Options{
			Retry: channel.RetryConfig{
				BaseDelay: 10 * time.Millisecond,
				MaxDelay:  50 * time.Millisecond,
			},
			HandshakeTimeout: time.Second,
		},
	}
}

func startRobots(t *testing.T, backend *testhelpers.Backend, opts Options, onDecoded func(fleet.RobotLocationUpdate)) *Router[fleet.RobotLocationUpdate] {
	t.Helper()

	ep, err := endpoint.Parse(backend.URL(robotsPath))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	r := New[fleet.RobotLocationUpdate](opts)
	if err := r.Start(ep, fleet.RobotLocationDecoder{}, onDecoded); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })

	backend.WaitForConnections(t, robotsPath, 1, 3*time.Second)
	return r
}

func TestRouterDeliversInArrivalOrder(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	m := metrics.New()
	got := &collector[fleet.RobotLocationUpdate]{}

	startRobots(t, backend, testOptions(t, m), got.add)

	const n = 50
	for i := 0; i < n; i++ {
		backend.MustSend(t, robotsPath, fmt.Sprintf(`{"robot":"R%d","x":%d,"y":0}`, i, i))
	}
	testhelpers.Eventually(t, 3*time.Second, func() bool { return got.len() == n }, "all updates")

	for i, u := range got.snapshot() {
		if u.Robot != fleet.ID(fmt.Sprintf("R%d", i)) || u.X != float64(i) {
			t.Fatalf("update %d out of order: %+v", i, u)
		}
	}
	if c := m.Counts(fleet.RobotLocationsChannel); c.Delivered != n {
		t.Errorf("delivered counter = %d, want %d", c.Delivered, n)
	}
}

func TestRouterSkipsUndecodableFrames(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	m := metrics.New()
	got := &collector[fleet.RobotLocationUpdate]{}

	r := startRobots(t, backend, testOptions(t, m), got.add)

	backend.MustSend(t, robotsPath, `{"robot":"R2"`, `{"robot":"R1","x":1,"y":2}`)
	testhelpers.Eventually(t, 2*time.Second, func() bool { return got.len() == 1 }, "valid update")

	if u := got.snapshot()[0]; u.Robot != "R1" || u.Seq != 2 {
		t.Errorf("unexpected update %+v", u)
	}
	if c := m.Counts(fleet.RobotLocationsChannel); c.DecodeErrors != 1 {
		t.Errorf("decode errors = %d, want 1", c.DecodeErrors)
	}
	if st := r.ConnectionStatus(); st.State != channel.StateConnected || st.Attempts != 1 {
		t.Errorf("connection should stay up, status %+v", st)
	}
}

func TestRouterDeliversSnapshotArrays(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	got := &collector[fleet.RobotLocationUpdate]{}

	startRobots(t, backend, testOptions(t, nil), got.add)

	backend.MustSend(t, robotsPath, `[{"Id":1,"XPosition":1,"YPosition":1},{"Id":2,"XPosition":2,"YPosition":2}]`)
	testhelpers.Eventually(t, 2*time.Second, func() bool { return got.len() == 2 }, "snapshot")

	updates := got.snapshot()
	if updates[0].Robot != "1" || updates[1].Robot != "2" {
		t.Errorf("snapshot order lost: %+v", updates)
	}
}

func TestRouterRecoversFromCallbackPanic(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	m := metrics.New()
	got := &collector[fleet.RobotLocationUpdate]{}

	startRobots(t, backend, testOptions(t, m), func(u fleet.RobotLocationUpdate) {
		if u.Robot == "boom" {
			panic("callback exploded")
		}
		got.add(u)
	})

	backend.MustSend(t, robotsPath, `{"robot":"boom","x":0,"y":0}`, `{"robot":"R1","x":1,"y":1}`)
	testhelpers.Eventually(t, 2*time.Second, func() bool { return got.len() == 1 }, "update after panic")

	c := m.Counts(fleet.RobotLocationsChannel)
	if c.Panics != 1 || c.Delivered != 1 {
		t.Errorf("counts = %+v, want 1 panic and 1 delivery", c)
	}
}

func TestRouterStopWaitsForCallback(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	r := startRobots(t, backend, testOptions(t, nil), func(fleet.RobotLocationUpdate) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
	})

	for i := 0; i < 5; i++ {
		backend.MustSend(t, robotsPath, `{"robot":"R1","x":1,"y":1}`)
	}
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the callback finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("queued messages were delivered after Stop: %d calls", calls)
	}
}

func TestRouterNoDeliveryAfterStop(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	got := &collector[fleet.RobotLocationUpdate]{}

	r := startRobots(t, backend, testOptions(t, nil), got.add)
	backend.MustSend(t, robotsPath, `{"robot":"R1","x":1,"y":1}`)
	testhelpers.Eventually(t, 2*time.Second, func() bool { return got.len() == 1 }, "first update")

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	delivered := got.len()

	_ = backend.Send(robotsPath, `{"robot":"R2","x":1,"y":1}`)
	time.Sleep(100 * time.Millisecond)

	if got.len() != delivered {
		t.Fatal("update delivered after Stop")
	}
	if r.State() != StateStopped {
		t.Errorf("state = %s", r.State())
	}
	if st := r.ConnectionStatus(); st.State != channel.StateClosed {
		t.Errorf("connection state = %s, want closed", st.State)
	}
}

func TestRouterDropsWhenQueueStaysFull(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	m := metrics.New()
	release := make(chan struct{})
	got := &collector[fleet.RobotLocationUpdate]{}

	opts := testOptions(t, m)
	opts.Buffer = 1
	opts.DeliveryTimeout = 20 * time.Millisecond

	startRobots(t, backend, opts, func(u fleet.RobotLocationUpdate) {
		<-release
		got.add(u)
	})

	for i := 0; i < 5; i++ {
		backend.MustSend(t, robotsPath, fmt.Sprintf(`{"robot":"R%d","x":0,"y":0}`, i))
	}
	testhelpers.Eventually(t, 3*time.Second, func() bool {
		return m.Counts(fleet.RobotLocationsChannel).Dropped >= 1
	}, "a dropped message")

	close(release)
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		c := m.Counts(fleet.RobotLocationsChannel)
		return c.Delivered+c.Dropped == 5
	}, "every message delivered or dropped")

	// Whatever survived keeps arrival order
	prev := -1
	for _, u := range got.snapshot() {
		var n int
		if _, err := fmt.Sscanf(string(u.Robot), "R%d", &n); err != nil {
			t.Fatalf("unexpected robot id %q", u.Robot)
		}
		if n <= prev {
			t.Fatalf("delivery out of order: R%d after R%d", n, prev)
		}
		prev = n
	}
}

func TestDeliveryTimeoutDefaults(t *testing.T) {
	if got := (Options{}).withDefaults().DeliveryTimeout; got != defaultDeliveryTimeout {
		t.Errorf("zero DeliveryTimeout became %v, want %v", got, defaultDeliveryTimeout)
	}
	if got := (Options{DeliveryTimeout: -1}).withDefaults().DeliveryTimeout; got != -1 {
		t.Errorf("negative DeliveryTimeout became %v", got)
	}
}

func TestRouterNegativeTimeoutBlocksInsteadOfDropping(t *testing.T) {
	backend := testhelpers.NewBackend(t)
	m := metrics.New()
	release := make(chan struct{})
	got := &collector[fleet.RobotLocationUpdate]{}

	opts := testOptions(t, m)
	opts.Buffer = 1
	opts.DeliveryTimeout = -1

	startRobots(t, backend, opts, func(u fleet.RobotLocationUpdate) {
		<-release
		got.add(u)
	})

	for i := 0; i < 5; i++ {
		backend.MustSend(t, robotsPath, fmt.Sprintf(`{"robot":"R%d","x":0,"y":0}`, i))
	}
	time.Sleep(200 * time.Millisecond)
	if c := m.Counts(fleet.RobotLocationsChannel); c.Dropped != 0 {
		t.Fatalf("dropped %d messages while blocking", c.Dropped)
	}

	close(release)
	testhelpers.Eventually(t, 3*time.Second, func() bool { return len(got.snapshot()) == 5 }, "all messages")

	for i, u := range got.snapshot() {
		if want := fleet.ID(fmt.Sprintf("R%d", i)); u.Robot != want {
			t.Fatalf("message %d = %s, want %s", i, u.Robot, want)
		}
	}
}

func TestRouterLifecycle(t *testing.T) {
	ep, _ := endpoint.Parse("ws://127.0.0.1:1/ws/tasks")

	r := New[fleet.TaskUpdate](Options{Name: fleet.TaskUpdatesChannel})
	if r.State() != StateIdle {
		t.Fatalf("new router state = %s", r.State())
	}
	if st := r.ConnectionStatus(); st.State != channel.StateDisconnected || st.Channel != fleet.TaskUpdatesChannel {
		t.Errorf("idle status = %+v", st)
	}

	if err := r.Start(ep, nil, func(fleet.TaskUpdate) {}); !errors.Is(err, ErrNilDecoder) {
		t.Errorf("nil decoder: %v", err)
	}
	if err := r.Start(ep, fleet.TaskUpdateDecoder{}, nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("nil callback: %v", err)
	}

	if err := r.Start(ep, fleet.TaskUpdateDecoder{}, func(fleet.TaskUpdate) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(ep, fleet.TaskUpdateDecoder{}, func(fleet.TaskUpdate) {}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start: %v", err)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if err := r.Start(ep, fleet.TaskUpdateDecoder{}, func(fleet.TaskUpdate) {}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start after Stop: %v", err)
	}
}

func TestRouterStopFromIdle(t *testing.T) {
	r := New[fleet.TaskUpdate](Options{})
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r.State() != StateStopped {
		t.Errorf("state = %s", r.State())
	}
	if r.Name() != "channel" {
		t.Errorf("default name = %q", r.Name())
	}
}

func TestDecoderFunc(t *testing.T) {
	dec := DecoderFunc[string](func(f channel.Frame) ([]string, error) {
		return []string{string(f.Payload)}, nil
	})
	got, err := dec.Decode(channel.Frame{Payload: []byte("raw")})
	if err != nil || len(got) != 1 || got[0] != "raw" {
		t.Errorf("DecoderFunc = %v, %v", got, err)
	}
}
