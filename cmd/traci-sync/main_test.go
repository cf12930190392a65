package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/traci-sync/internal/config"
	"github.com/signalsfoundry/traci-sync/internal/traci/tracitest"
	"github.com/signalsfoundry/traci-sync/model"
)

// listen serves srv on a loopback TCP port and returns the port.
func listen(t *testing.T, srv *tracitest.Server) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go srv.Serve(conn)
		}
	}()
	return lis.Addr().(*net.TCPAddr).Port
}

func testConfig(port int) config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.UpdateInterval = config.Duration(100 * time.Millisecond)
	cfg.RunFor = config.Duration(10 * time.Second)
	cfg.MetricsAddr = ""
	cfg.Log = config.LogConfig{Level: "debug", Format: "json"}
	cfg.ConnectRetry.MaxElapsed = config.Duration(time.Second)
	return cfg
}

func TestEngineConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.ConnectAt = config.Duration(2 * time.Second)
	cfg.ROIRects = "0,0-50,50"
	cfg.NumVehicles = 7
	epoch := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	ec, err := engineConfig(cfg, epoch)
	if err != nil {
		t.Fatalf("engineConfig error: %v", err)
	}
	if !ec.Epoch.Equal(epoch) || ec.ConnectAt != 2*time.Second || ec.UpdateInterval != time.Second {
		t.Fatalf("timing = %v %v %v", ec.Epoch, ec.ConnectAt, ec.UpdateInterval)
	}
	if ec.NumVehicles != 7 || ec.Filter == nil || !ec.AutoShutdown {
		t.Fatalf("engineConfig() = %+v", ec)
	}
}

func TestAgentSetLifecycle(t *testing.T) {
	agents := newAgentSet("node", nil)
	ctx := context.Background()

	h0, err := agents.CreateAgent(ctx, "v1", "vehicle", model.Coord{X: 1, Y: 2})
	if err != nil {
		t.Fatalf("CreateAgent error: %v", err)
	}
	h1, _ := agents.CreateAgent(ctx, "v2", "vehicle", model.Coord{})
	if h0 != "node[0]" || h1 != "node[1]" {
		t.Fatalf("handles = %v, %v, want node[0], node[1]", h0, h1)
	}
	if err := agents.DestroyAgent(ctx, h0); err != nil {
		t.Fatalf("DestroyAgent error: %v", err)
	}
	if err := agents.DestroyAgent(ctx, h0); err == nil {
		t.Fatalf("second DestroyAgent succeeded, want error")
	}
	if err := agents.DestroyAgent(ctx, 42); err == nil {
		t.Fatalf("DestroyAgent(int) succeeded, want error")
	}
	if n := agents.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}
}

func TestProbePrintsVersionAndBounds(t *testing.T) {
	srv := tracitest.NewServer()
	port := listen(t, srv)

	var out bytes.Buffer
	if err := probe(context.Background(), testConfig(port), &out); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "tracitest") || !strings.Contains(got, "1000.00 x 1000.00") {
		t.Fatalf("probe output = %q", got)
	}
}

func TestRunUntilAutoShutdown(t *testing.T) {
	srv := tracitest.NewServer()
	srv.Script(
		tracitest.Step{Depart: []tracitest.Vehicle{{ID: "v1", Road: "e0", Position: model.Coord{X: 10, Y: 10}, Speed: 5}}},
		tracitest.Step{Arrive: []string{"v1"}},
	)
	port := listen(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var logs bytes.Buffer
	if err := run(ctx, testConfig(port), &logs); err != nil {
		t.Fatalf("run error: %v\n%s", err, logs.String())
	}
	if !srv.Closed() {
		t.Fatalf("simulation not closed after auto-shutdown")
	}
	for _, want := range []string{"agent created", "agent destroyed", `"auto_shutdown":true`} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("logs missing %q:\n%s", want, logs.String())
		}
	}
}
