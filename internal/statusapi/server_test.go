package statusapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/traci-sync/internal/observability"
	"github.com/signalsfoundry/traci-sync/kb"
	"github.com/signalsfoundry/traci-sync/model"
)

type fakeView struct {
	connected atomic.Bool
	reg       *kb.Registry
}

func (v *fakeView) IsConnected() bool           { return v.connected.Load() }
func (v *fakeView) AutoShutdownTriggered() bool { return false }
func (v *fakeView) Counts() model.Counts        { return v.reg.Counts() }
func (v *fakeView) Registry() *kb.Registry      { return v.reg }

func newTestServer(t *testing.T) (*fakeView, *httptest.Server) {
	t.Helper()
	view := &fakeView{reg: kb.NewRegistry()}
	collector, err := observability.NewSyncCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewSyncCollector error: %v", err)
	}
	srv := httptest.NewServer(NewServer(view, collector.Handler(), nil))
	t.Cleanup(srv.Close)
	return view, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthReflectsConnection(t *testing.T) {
	view, srv := newTestServer(t)

	var body healthResponse
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusServiceUnavailable || body.Connected {
		t.Fatalf("disconnected /healthz = %d %+v, want 503", code, body)
	}

	view.connected.Store(true)
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK || !body.Connected {
		t.Fatalf("connected /healthz = %d %+v, want 200", code, body)
	}
}

func TestCountsAndVehicles(t *testing.T) {
	view, srv := newTestServer(t)
	reg := view.reg
	reg.Track("v1", kb.TierManaged, nil)
	reg.Track("v2", kb.TierTracking, nil)
	if err := reg.UpdateTracked("v2", func(s *kb.Subscription) { s.Parked = true }); err != nil {
		t.Fatalf("UpdateTracked error: %v", err)
	}
	state := model.VehicleState{RoadID: "e0", Position: model.Coord{X: 12, Y: 7}, Speed: 4.5}
	if err := reg.AddManaged("v1", "h1", state); err != nil {
		t.Fatalf("AddManaged error: %v", err)
	}
	if err := reg.MarkUnequipped("v2", kb.ReasonOutOfScope); err != nil {
		t.Fatalf("MarkUnequipped error: %v", err)
	}

	var counts countsResponse
	getJSON(t, srv.URL+"/counts", &counts)
	want := countsResponse{Active: 2, Parking: 1, Driving: 1, Managed: 1, Unequipped: 1}
	if counts != want {
		t.Fatalf("/counts = %+v, want %+v", counts, want)
	}

	var vehicles map[string]VehicleJSON
	getJSON(t, srv.URL+"/vehicles", &vehicles)
	got, ok := vehicles["v1"]
	if len(vehicles) != 1 || !ok || got.RoadID != "e0" || got.X != 12 || got.Speed != 4.5 {
		t.Fatalf("/vehicles = %+v", vehicles)
	}

	var one VehicleJSON
	if code := getJSON(t, srv.URL+"/vehicles/v1", &one); code != http.StatusOK || one.ID != "v1" {
		t.Fatalf("/vehicles/v1 = %d %+v", code, one)
	}
	if code := getJSON(t, srv.URL+"/vehicles/v2", nil); code != http.StatusNotFound {
		t.Fatalf("/vehicles/v2 status = %d, want 404", code)
	}
}

func TestMetricsMounted(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "sync_managed_vehicles") {
		t.Fatalf("/metrics = %d, body missing sync_managed_vehicles", resp.StatusCode)
	}
}

func TestFeedStreamsRegistryEvents(t *testing.T) {
	view, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the handshake, so keep publishing
	// until the first event arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		var step int64
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				step += 100
				view.reg.Publish(step)
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	var ev EventJSON
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "step" || ev.StepMs <= 0 || ev.Counts == nil {
		t.Fatalf("event = %+v, want a step event with counts", ev)
	}
}

func TestEventJSONShapes(t *testing.T) {
	created := eventJSON(kb.Event{Type: kb.EventEntityCreated, ID: "v1", StepMs: 300, State: model.VehicleState{ID: "v1", RoadID: "e1"}})
	if created.Vehicle == nil || created.Vehicle.RoadID != "e1" || created.Counts != nil {
		t.Fatalf("created event = %+v", created)
	}
	unequipped := eventJSON(kb.Event{Type: kb.EventUnequipped, ID: "v2", Reason: kb.ReasonSampledOut})
	if unequipped.Reason != "sampled_out" || unequipped.Vehicle != nil {
		t.Fatalf("unequipped event = %+v", unequipped)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	_, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/counts", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /counts error: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("X-Request-Id = %q, want abc-123", got)
	}

	resp, err = http.Get(srv.URL + "/counts")
	if err != nil {
		t.Fatalf("GET /counts error: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got == "" {
		t.Fatalf("generated X-Request-Id is empty")
	}
}

func TestCloseEndsFeed(t *testing.T) {
	view := &fakeView{reg: kb.NewRegistry()}
	status := NewServer(view, nil, nil)
	srv := httptest.NewServer(status)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/feed", nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		status.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("ReadMessage error = %v, want going-away close", err)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/metrics without collector = %d, want 404", resp.StatusCode)
	}
}

func TestFeedRefusedAfterClose(t *testing.T) {
	view := &fakeView{reg: kb.NewRegistry()}
	status := NewServer(view, nil, nil)
	srv := httptest.NewServer(status)
	defer srv.Close()

	status.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/feed", nil)
	if err == nil {
		t.Fatalf("Dial after Close succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Dial after Close response = %v, want 503", resp)
	}
	// A second Close must not block or panic.
	status.Close()
}
