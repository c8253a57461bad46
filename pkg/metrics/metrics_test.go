package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameReceived("robot-locations", 10)
	m.DecodeError("robot-locations")
	m.MessageDelivered("robot-locations")
	m.MessageDropped("robot-locations")
	m.CallbackPanic("robot-locations")
	m.Reconnect("robot-locations")
	m.SetState("robot-locations", "connected", []string{"connected"})
}

func TestCounters(t *testing.T) {
	m := New()

	m.FrameReceived("task-updates", 5)
	m.FrameReceived("task-updates", 7)
	m.DecodeError("task-updates")
	m.Reconnect("robot-locations")

	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues("task-updates")); got != 2 {
		t.Errorf("frames_received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.bytesReceived.WithLabelValues("task-updates")); got != 12 {
		t.Errorf("bytes_received = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.decodeErrors.WithLabelValues("task-updates")); got != 1 {
		t.Errorf("decode_errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconnects.WithLabelValues("robot-locations")); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
}

func TestSetStateIsExclusive(t *testing.T) {
	m := New()
	all := []string{"connecting", "connected", "reconnecting"}

	m.SetState("robot-locations", "connecting", all)
	m.SetState("robot-locations", "connected", all)

	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("robot-locations", "connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("robot-locations", "connecting")); got != 0 {
		t.Errorf("connecting gauge = %v, want 0", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.MessageDelivered("robot-locations")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `fleet_bridge_messages_delivered_total{channel="robot-locations"} 1`) {
		t.Errorf("metric not exposed, body:\n%s", body)
	}
}

func TestCountsReadsPerChannelCounters(t *testing.T) {
	m := New()
	m.FrameReceived("robot-locations", 3)
	m.MessageDelivered("robot-locations")
	m.MessageDelivered("robot-locations")
	m.MessageDropped("task-updates")

	robots := m.Counts("robot-locations")
	if robots.Frames != 1 || robots.Bytes != 3 || robots.Delivered != 2 || robots.Dropped != 0 {
		t.Errorf("robot counts = %+v", robots)
	}
	if tasks := m.Counts("task-updates"); tasks.Dropped != 1 {
		t.Errorf("task counts = %+v", tasks)
	}

	var nilMetrics *Metrics
	if got := nilMetrics.Counts("robot-locations"); got != (ChannelCounts{}) {
		t.Errorf("nil metrics counts = %+v", got)
	}
}
