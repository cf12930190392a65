// Package config loads the traci-sync configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/signalsfoundry/traci-sync/core"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "traci-sync.json"

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig bounds the connection retry loop.
type RetryConfig struct {
	InitialInterval Duration `json:"initialInterval"`
	MaxInterval     Duration `json:"maxInterval"`
	MaxElapsed      Duration `json:"maxElapsed"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sampleRatio"`
}

// Config is the complete client configuration.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	ConnectAt      Duration `json:"connectAt"`
	FirstStepAt    Duration `json:"firstStepAt"`
	UpdateInterval Duration `json:"updateInterval"`
	// RunFor stops the run after that much simulation time; zero runs until
	// auto-shutdown or a signal.
	RunFor Duration `json:"runFor"`
	// RealTime paces steps by the wall clock instead of running them back
	// to back.
	RealTime bool `json:"realTime"`

	ModuleType   string  `json:"moduleType"`
	ModuleName   string  `json:"moduleName"`
	AutoShutdown bool    `json:"autoShutdown"`
	Margin       float64 `json:"margin"`

	PenetrationRate float64 `json:"penetrationRate"`
	Seed            uint64  `json:"seed"`
	ROIRoads        string  `json:"roiRoads"`
	ROIRects        string  `json:"roiRects"`

	NumVehicles    int    `json:"numVehicles"`
	VehicleRngSeed uint64 `json:"vehicleRngSeed"`

	ConnectRetry RetryConfig `json:"connectRetry"`

	MetricsAddr string        `json:"metricsAddr"`
	Log         LogConfig     `json:"log"`
	Tracing     TracingConfig `json:"tracing"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Host:            "localhost",
		Port:            9999,
		UpdateInterval:  Duration(time.Second),
		ModuleType:      "vehicle",
		ModuleName:      "node",
		AutoShutdown:    true,
		Margin:          25,
		PenetrationRate: 1,
		ConnectRetry: RetryConfig{
			InitialInterval: Duration(100 * time.Millisecond),
			MaxInterval:     Duration(2 * time.Second),
			MaxElapsed:      Duration(30 * time.Second),
		},
		MetricsAddr: ":9464",
		Log:         LogConfig{Level: "info", Format: "json"},
		Tracing:     TracingConfig{Exporter: "stdout", SampleRatio: 1},
	}
}

// Load reads path over the defaults. A missing file at DefaultPath yields
// the defaults; a missing explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides the server address from TRACI_HOST and TRACI_PORT and
// the log settings from LOG_LEVEL and LOG_FORMAT.
func (c *Config) ApplyEnv() error {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if host := os.Getenv("TRACI_HOST"); host != "" {
		c.Host = host
	}
	if raw := os.Getenv("TRACI_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("TRACI_PORT: %w", err)
		}
		c.Port = port
	}
	return nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.UpdateInterval <= 0 {
		errs = append(errs, errors.New("updateInterval must be positive"))
	}
	if c.ConnectAt < 0 || c.FirstStepAt < 0 || c.RunFor < 0 {
		errs = append(errs, errors.New("connectAt, firstStepAt and runFor must not be negative"))
	}
	if c.Margin < 0 {
		errs = append(errs, errors.New("margin must not be negative"))
	}
	if c.PenetrationRate < 0 || c.PenetrationRate > 1 {
		errs = append(errs, fmt.Errorf("penetrationRate %v outside [0, 1]", c.PenetrationRate))
	}
	if c.NumVehicles < 0 {
		errs = append(errs, errors.New("numVehicles must not be negative"))
	}
	if c.ModuleType == "" {
		errs = append(errs, errors.New("moduleType is required"))
	}
	if _, err := core.ParseRects(c.ROIRects); err != nil {
		errs = append(errs, fmt.Errorf("roiRects: %w", err))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampleRatio %v outside [0, 1]", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}

// Address returns host:port of the simulator.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RegionFilter builds the region-of-interest filter from ROIRoads and
// ROIRects.
func (c Config) RegionFilter() (*core.RegionFilter, error) {
	rects, err := core.ParseRects(c.ROIRects)
	if err != nil {
		return nil, err
	}
	return core.NewRegionFilter(core.ParseRoads(c.ROIRoads), rects), nil
}
