package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/traci-sync/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traci-sync.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"host": "sumo.local",
		"port": 8813,
		"updateInterval": "250ms",
		"firstStepAt": "1s",
		"penetrationRate": 0.5,
		"roiRects": "0,0-10,10",
		"connectRetry": {"maxElapsed": "5s"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Host != "sumo.local" || cfg.Port != 8813 {
		t.Fatalf("address = %s, want sumo.local:8813", cfg.Address())
	}
	if cfg.UpdateInterval.Std() != 250*time.Millisecond || cfg.FirstStepAt.Std() != time.Second {
		t.Fatalf("durations = %s / %s", cfg.UpdateInterval.Std(), cfg.FirstStepAt.Std())
	}
	if cfg.ConnectRetry.MaxElapsed.Std() != 5*time.Second {
		t.Fatalf("MaxElapsed = %s, want 5s", cfg.ConnectRetry.MaxElapsed.Std())
	}
	if cfg.ConnectRetry.InitialInterval.Std() != 100*time.Millisecond {
		t.Fatalf("InitialInterval default lost: %s", cfg.ConnectRetry.InitialInterval.Std())
	}
	if cfg.ModuleType != "vehicle" || !cfg.AutoShutdown {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"hots": "x"}`},
		{"bad duration", `{"updateInterval": "soon"}`},
		{"numeric duration", `{"updateInterval": 100}`},
		{"not json", `host = x`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("Load(%s) returned nil error", tt.body)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("Load() of a missing explicit path returned nil error")
	}
}

func TestLoadDefaultPathMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Address() != "localhost:9999" {
		t.Fatalf("Address() = %q, want localhost:9999", cfg.Address())
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.UpdateInterval = 0
	cfg.PenetrationRate = 2
	cfg.ROIRects = "0,0"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("Validate() returned nil error")
	}
	for _, want := range []string{"port", "updateInterval", "penetrationRate", "roiRects"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q does not mention %s", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TRACI_HOST", "10.0.0.7")
	t.Setenv("TRACI_PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Address() != "10.0.0.7:7000" {
		t.Fatalf("Address() = %q", cfg.Address())
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("Log = %+v, want debug level with default json format", cfg.Log)
	}

	t.Setenv("TRACI_PORT", "seven")
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatalf("ApplyEnv() with bad port returned nil error")
	}
}

func TestRegionFilterFromConfig(t *testing.T) {
	cfg := Default()
	cfg.ROIRoads = "hwy1"
	cfg.ROIRects = "0,0-10,10"
	f, err := cfg.RegionFilter()
	if err != nil {
		t.Fatalf("RegionFilter() error = %v", err)
	}
	if !f.InScope(model.Coord{X: 500, Y: 500}, "hwy1") || f.InScope(model.Coord{X: 500, Y: 500}, "other") {
		t.Fatalf("RegionFilter() does not combine roads and rectangles")
	}
}
