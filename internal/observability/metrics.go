package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/traci-sync/model"
)

// SyncCollector bundles Prometheus metrics for the TraCI session and the
// per-step reconciliation. It satisfies traci.CommandRecorder and the
// engine's metrics recorder.
type SyncCollector struct {
	gatherer prometheus.Gatherer

	Commands         *prometheus.CounterVec
	CommandDurations *prometheus.HistogramVec

	Steps        *prometheus.CounterVec
	StepDuration prometheus.Histogram

	ManagedVehicles    prometheus.Gauge
	UnequippedVehicles prometheus.Gauge
	ActiveVehicles     prometheus.Gauge
	ParkingVehicles    prometheus.Gauge
	DrivingVehicles    prometheus.Gauge
	InsertionQueue     prometheus.Gauge

	Insertions *prometheus.CounterVec
	Entities   *prometheus.CounterVec
}

// NewSyncCollector registers the metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewSyncCollector(reg prometheus.Registerer) (*SyncCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traci_commands_total",
		Help: "Total number of TraCI commands, labeled by command id and outcome.",
	}, []string{"command", "outcome"}), "traci_commands_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "traci_command_duration_seconds",
		Help:    "Round-trip latency of TraCI commands in seconds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"command"}), "traci_command_duration_seconds")
	if err != nil {
		return nil, err
	}

	steps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_steps_total",
		Help: "Synchronization steps, labeled by outcome.",
	}, []string{"outcome"}), "sync_steps_total")
	if err != nil {
		return nil, err
	}
	stepDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_step_duration_seconds",
		Help:    "Wall time spent advancing and reconciling one simulation step.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "sync_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	gauges := make(map[string]prometheus.Gauge)
	for _, g := range []struct{ name, help string }{
		{"sync_managed_vehicles", "Vehicles with a local agent."},
		{"sync_unequipped_vehicles", "Vehicles known to the server but not represented locally."},
		{"sync_active_vehicles", "Tracked vehicles that are not teleporting."},
		{"sync_parking_vehicles", "Tracked vehicles currently parked."},
		{"sync_driving_vehicles", "Active vehicles that are not parked."},
		{"sync_insertion_queue_depth", "Vehicle insertions waiting for their target step."},
	} {
		gauge, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name)
		if err != nil {
			return nil, err
		}
		gauges[g.name] = gauge
	}

	insertions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_insertions_total",
		Help: "Vehicle insertions submitted to the server, labeled by outcome.",
	}, []string{"outcome"}), "sync_insertions_total")
	if err != nil {
		return nil, err
	}
	entities, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_entities_total",
		Help: "Local agent lifecycle events, labeled by event.",
	}, []string{"event"}), "sync_entities_total")
	if err != nil {
		return nil, err
	}

	return &SyncCollector{
		gatherer:           gatherer,
		Commands:           commands,
		CommandDurations:   durations,
		Steps:              steps,
		StepDuration:       stepDuration,
		ManagedVehicles:    gauges["sync_managed_vehicles"],
		UnequippedVehicles: gauges["sync_unequipped_vehicles"],
		ActiveVehicles:     gauges["sync_active_vehicles"],
		ParkingVehicles:    gauges["sync_parking_vehicles"],
		DrivingVehicles:    gauges["sync_driving_vehicles"],
		InsertionQueue:     gauges["sync_insertion_queue_depth"],
		Insertions:         insertions,
		Entities:           entities,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SyncCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SyncCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCommand records one command round trip.
func (c *SyncCollector) ObserveCommand(command byte, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	label := CommandLabel(command)
	c.Commands.WithLabelValues(label, outcome).Inc()
	c.CommandDurations.WithLabelValues(label).Observe(d.Seconds())
}

// ObserveStep records one step attempt.
func (c *SyncCollector) ObserveStep(d time.Duration, outcome string) {
	if c == nil {
		return
	}
	c.Steps.WithLabelValues(outcome).Inc()
	c.StepDuration.Observe(d.Seconds())
}

// SetPopulation updates the population gauges after a step.
func (c *SyncCollector) SetPopulation(managed, unequipped int, counts model.Counts) {
	if c == nil {
		return
	}
	c.ManagedVehicles.Set(float64(managed))
	c.UnequippedVehicles.Set(float64(unequipped))
	c.ActiveVehicles.Set(float64(counts.Active))
	c.ParkingVehicles.Set(float64(counts.Parking))
	c.DrivingVehicles.Set(float64(counts.Driving))
}

// ObserveInsertions records the outcome of one queue drain.
func (c *SyncCollector) ObserveInsertions(inserted, rejected, queued int) {
	if c == nil {
		return
	}
	c.Insertions.WithLabelValues("inserted").Add(float64(inserted))
	c.Insertions.WithLabelValues("rejected").Add(float64(rejected))
	c.InsertionQueue.Set(float64(queued))
}

// EntityCreated counts one agent creation.
func (c *SyncCollector) EntityCreated() {
	if c == nil {
		return
	}
	c.Entities.WithLabelValues("created").Inc()
}

// EntityDestroyed counts one agent destruction.
func (c *SyncCollector) EntityDestroyed() {
	if c == nil {
		return
	}
	c.Entities.WithLabelValues("destroyed").Inc()
}

// CommandLabel renders a command id as a metric label.
func CommandLabel(command byte) string {
	return fmt.Sprintf("0x%02x", command)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
