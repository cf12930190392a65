// Package engine keeps locally represented vehicles synchronized with a
// TraCI server, one simulation step at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/traci-sync/core"
	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/sim/insertion"
	"github.com/signalsfoundry/traci-sync/internal/traci"
	"github.com/signalsfoundry/traci-sync/kb"
	"github.com/signalsfoundry/traci-sync/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// State is the engine's lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStepping
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStepping:
		return "stepping"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotDisconnected is returned by Start and Connect on a running engine.
	ErrNotDisconnected = errors.New("engine: already started")
	// ErrNotStepping is returned by Step outside the Stepping state.
	ErrNotStepping = errors.New("engine: not stepping")
)

// Scheduler fires callbacks at simulation times. events.EventScheduler and
// events.FakeEventScheduler satisfy it.
type Scheduler interface {
	Schedule(at time.Time, f func()) string
	Cancel(id string)
	Now() time.Time
}

// AgentFactory creates and destroys the local agents mirroring vehicles.
// Calls are synchronous from the engine's point of view.
type AgentFactory interface {
	CreateAgent(ctx context.Context, id, kind string, pos model.Coord) (kb.Handle, error)
	DestroyAgent(ctx context.Context, h kb.Handle) error
}

// AgentUpdater is optionally implemented by an AgentFactory that wants the
// latest state pushed to its agents every step.
type AgentUpdater interface {
	UpdateAgent(ctx context.Context, h kb.Handle, state model.VehicleState) error
}

// Dialer opens a transport to the simulator.
type Dialer func(ctx context.Context) (traci.Transport, error)

// MetricsRecorder receives engine measurements. observability.SyncCollector
// satisfies it.
type MetricsRecorder interface {
	traci.CommandRecorder
	ObserveStep(d time.Duration, outcome string)
	SetPopulation(managed, unequipped int, counts model.Counts)
	ObserveInsertions(inserted, rejected, queued int)
	EntityCreated()
	EntityDestroyed()
}

// Config holds the engine's timing and selection parameters. Times are
// offsets from Epoch.
type Config struct {
	// Epoch is simulation time zero. Zero means the scheduler's time when
	// the engine is created.
	Epoch time.Time

	ConnectAt      time.Duration
	FirstStepAt    time.Duration
	UpdateInterval time.Duration

	// ModuleType is the kind passed to CreateAgent.
	ModuleType string

	AutoShutdown bool
	Margin       float64

	Filter          *core.RegionFilter
	PenetrationRate float64
	Seed            uint64

	// NumVehicles keeps at least that many vehicles active by inserting
	// vehicle<N> on random routes. Zero disables auto-fill.
	NumVehicles    int
	VehicleRngSeed uint64
}

// DefaultConfig returns a configuration stepping every 100ms from time zero.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:  100 * time.Millisecond,
		ModuleType:      "vehicle",
		AutoShutdown:    true,
		Margin:          25,
		PenetrationRate: 1,
	}
}

// Engine is the per-step synchronization state machine.
type Engine struct {
	cfg     Config
	sched   Scheduler
	factory AgentFactory
	updater AgentUpdater
	dial    Dialer
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	reg       *kb.Registry
	queue     *insertion.Queue
	processor *traci.SubscriptionProcessor
	sampler   *core.Sampler
	filter    *core.RegionFilter
	fillRng   *rand.Rand

	state        atomic.Int32
	autoShutdown atomic.Bool

	// inflight holds ids accepted by vehicle-add that have not departed yet.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	// mu serialises lifecycle transitions and steps.
	mu         sync.Mutex
	runCtx     context.Context
	client     *traci.Client
	transform  *core.Transform
	next       time.Time
	pendingID  string
	prevActive int
	routeIDs   []string
	typeIDs    []string
	fillSeq    int
	err        error
	done       chan struct{}

	// connectPending is set between Start and the scheduled connect.
	connectPending bool
}

// Option customises Engine construction.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder. It also records every command the
// session issues.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *kb.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.reg = reg
		}
	}
}

// New constructs a disconnected engine.
func New(cfg Config, sched Scheduler, factory AgentFactory, dial Dialer, opts ...Option) (*Engine, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is nil")
	}
	if factory == nil {
		return nil, fmt.Errorf("agent factory is nil")
	}
	if dial == nil {
		return nil, fmt.Errorf("dialer is nil")
	}
	if cfg.UpdateInterval <= 0 {
		return nil, fmt.Errorf("update interval must be positive, got %s", cfg.UpdateInterval)
	}
	if cfg.Margin < 0 {
		return nil, fmt.Errorf("margin must not be negative, got %v", cfg.Margin)
	}
	if cfg.PenetrationRate < 0 || cfg.PenetrationRate > 1 {
		return nil, fmt.Errorf("penetration rate must be within [0, 1], got %v", cfg.PenetrationRate)
	}
	if cfg.NumVehicles < 0 {
		return nil, fmt.Errorf("numVehicles must not be negative, got %d", cfg.NumVehicles)
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = sched.Now()
	}
	if cfg.ModuleType == "" {
		cfg.ModuleType = "vehicle"
	}

	e := &Engine{
		cfg:     cfg,
		sched:   sched,
		factory: factory,
		dial:    dial,
		log:     logging.Noop(),
		tracer:  otel.Tracer("github.com/signalsfoundry/traci-sync/internal/sim/engine"),
		reg:     kb.NewRegistry(),
		sampler: core.NewSampler(cfg.PenetrationRate, cfg.Seed),
		filter:  cfg.Filter,
		fillRng: rand.New(rand.NewPCG(cfg.VehicleRngSeed, cfg.VehicleRngSeed^0x5851f42d4c957f2d)),

		inflight: make(map[string]struct{}),
	}
	if u, ok := factory.(AgentUpdater); ok {
		e.updater = u
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.filter == nil {
		e.filter = core.NewRegionFilter(nil, nil)
	}
	e.processor = traci.NewSubscriptionProcessor(e.log)
	e.queue = insertion.NewQueue(
		insertion.WithActiveFunc(e.isActive),
		insertion.WithLogger(e.log),
	)
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// IsConnected reports whether a session is open.
func (e *Engine) IsConnected() bool {
	s := e.State()
	return s == StateStepping || s == StateShuttingDown
}

// AutoShutdownTriggered reports whether the engine stopped because the last
// active vehicle left the simulation.
func (e *Engine) AutoShutdownTriggered() bool { return e.autoShutdown.Load() }

// ManagedEntities returns a snapshot of id to agent handle.
func (e *Engine) ManagedEntities() map[string]kb.Handle { return e.reg.ManagedHandles() }

// Counts returns the population projection after the last completed step.
func (e *Engine) Counts() model.Counts { return e.reg.Counts() }

// Registry exposes the entity registry for observers.
func (e *Engine) Registry() *kb.Registry { return e.reg }

// Client returns the open session, or nil when disconnected. Callers must
// not use it concurrently with a running step.
func (e *Engine) Client() *traci.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// Transform returns the coordinate transform of the open session.
func (e *Engine) Transform() *core.Transform {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transform
}

// Err returns the error that ended the last session, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done is closed when the session started by Start ends.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		e.done = make(chan struct{})
	}
	return e.done
}

// Enqueue schedules a vehicle insertion for the step at offset at from the
// epoch.
func (e *Engine) Enqueue(at time.Duration, req model.InsertionRequest) error {
	return e.queue.Enqueue(at.Milliseconds(), req)
}

// QueuedInsertions returns the number of pending insertions.
func (e *Engine) QueuedInsertions() int { return e.queue.Len() }

// Start schedules the connection at ConnectAt. Scheduled steps follow until
// Shutdown, auto-shutdown or a fatal error; Done reports the end.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateDisconnected || e.connectPending {
		return ErrNotDisconnected
	}
	e.runCtx = ctx
	e.err = nil
	e.autoShutdown.Store(false)
	if e.done == nil || isClosed(e.done) {
		e.done = make(chan struct{})
	}
	e.connectPending = true
	e.pendingID = e.sched.Schedule(e.at(e.cfg.ConnectAt), e.scheduledConnect)
	e.log.Info(ctx, "engine started",
		logging.Duration("connect_at", e.cfg.ConnectAt),
		logging.Duration("update_interval", e.cfg.UpdateInterval),
	)
	return nil
}

// scheduledConnect runs the connect queued by Start unless Shutdown
// withdrew it first.
func (e *Engine) scheduledConnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connectPending {
		return
	}
	e.connectPending = false
	e.pendingID = ""
	if err := e.connectSessionLocked(e.runCtx); err != nil {
		e.log.Error(e.runCtx, "connect failed", logging.Err(err))
		if e.err == nil {
			e.err = err
		}
		e.closeDoneLocked()
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (e *Engine) at(offset time.Duration) time.Time {
	return e.cfg.Epoch.Add(offset)
}

func (e *Engine) simMs(t time.Time) int64 {
	return t.Sub(e.cfg.Epoch).Milliseconds()
}

// Connect opens the session: dial, version handshake, network bounds and the
// simulation subscription. On success the engine is Stepping and, when
// started with Start, the first step is scheduled.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectPending {
		return fmt.Errorf("%w: connect already scheduled", ErrNotDisconnected)
	}
	return e.connectSessionLocked(ctx)
}

func (e *Engine) connectSessionLocked(ctx context.Context) error {
	if s := e.State(); s != StateDisconnected {
		return fmt.Errorf("%w: state %s", ErrNotDisconnected, s)
	}
	e.setState(StateConnecting)

	if err := e.connectLocked(ctx); err != nil {
		e.reg.Discard()
		if derr := e.destroyAllLocked(ctx); derr != nil {
			e.log.Warn(ctx, "destroying agents after failed connect", logging.Err(derr))
		}
		if e.client != nil {
			_ = e.client.Close()
			e.client = nil
		}
		e.reg.Discard()
		e.reg.Reset()
		e.setState(StateDisconnected)
		return err
	}
	e.setState(StateStepping)

	first := e.at(e.cfg.FirstStepAt)
	if now := e.sched.Now(); !first.After(now) {
		first = now.Add(e.cfg.UpdateInterval)
	}
	e.next = first
	if e.runCtx != nil {
		e.scheduleStepLocked()
	}
	return nil
}

func (e *Engine) connectLocked(ctx context.Context) error {
	conn, err := e.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	opts := []traci.ChannelOption{traci.WithChannelLogger(e.log)}
	if e.metrics != nil {
		opts = append(opts, traci.WithCommandRecorder(e.metrics))
	}
	ch, err := traci.NewChannel(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return err
	}
	client, err := traci.NewClient(ch, e.log)
	if err != nil {
		_ = ch.Close()
		return err
	}
	e.client = client

	version, err := client.CheckVersion(ctx)
	if err != nil {
		return err
	}
	bounds, err := client.NetBounds(ctx)
	if err != nil {
		return err
	}
	tr, err := core.NewTransform(bounds, e.cfg.Margin)
	if err != nil {
		return fmt.Errorf("%w: %w", traci.ErrProtocol, err)
	}
	e.transform = tr

	initial, err := client.SubscribeSimulation(ctx, traci.SimulationVariables)
	if err != nil {
		return err
	}

	if e.cfg.NumVehicles > 0 {
		if e.routeIDs, err = client.RouteIDs(ctx); err != nil {
			return err
		}
		if e.typeIDs, err = client.VehicleTypeIDs(ctx); err != nil {
			return err
		}
		if len(e.routeIDs) == 0 || len(e.typeIDs) == 0 {
			return fmt.Errorf("auto-fill needs routes and vehicle types, server has %d routes and %d types", len(e.routeIDs), len(e.typeIDs))
		}
	}

	// Vehicles departing at time zero are reported with the subscription.
	nowMs := e.simMs(e.sched.Now())
	stepCtx := logging.ContextWithStep(ctx, nowMs)
	report, err := e.processor.Process(stepCtx, []traci.SubscriptionResult{initial}, -1)
	if err != nil {
		return err
	}
	if _, err := e.reconcile(stepCtx, report); err != nil {
		return err
	}
	e.reg.Publish(nowMs)

	e.log.Info(ctx, "connected",
		logging.Int("api_version", int(version.APIVersion)),
		logging.String("server_version", version.ServerVersion),
		logging.String("bounds_lower", bounds.Lower.String()),
		logging.String("bounds_upper", bounds.Upper.String()),
	)
	return nil
}

func (e *Engine) scheduleStepLocked() {
	e.pendingID = e.sched.Schedule(e.next, func() {
		err := e.Step(e.runCtx)
		switch {
		case err == nil:
			e.mu.Lock()
			if e.State() == StateStepping {
				e.scheduleStepLocked()
			}
			e.mu.Unlock()
		case errors.Is(err, ErrNotStepping):
		default:
			e.finish(err)
		}
	})
}

// finish records err and signals Done once the engine is disconnected.
func (e *Engine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil && e.err == nil {
		e.err = err
	}
	e.closeDoneLocked()
}

func (e *Engine) closeDoneLocked() {
	if e.done == nil {
		e.done = make(chan struct{})
	}
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Shutdown destroys every agent, asks the server to close the simulation
// and disconnects. Before the scheduled connect has run it withdraws the
// connect and closes Done; otherwise it is a no-op when disconnected.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdownLocked(ctx)
}

func (e *Engine) shutdownLocked(ctx context.Context) error {
	if e.State() == StateDisconnected {
		if e.connectPending {
			e.sched.Cancel(e.pendingID)
			e.pendingID = ""
			e.connectPending = false
			e.closeDoneLocked()
			e.log.Info(ctx, "engine stopped before connecting")
		}
		return nil
	}
	e.setState(StateShuttingDown)
	if e.pendingID != "" {
		e.sched.Cancel(e.pendingID)
		e.pendingID = ""
	}

	var errs []error
	errs = append(errs, e.destroyAllLocked(ctx))
	if e.client != nil {
		if err := e.client.CloseSimulation(ctx); err != nil {
			e.log.Warn(ctx, "close simulation failed", logging.Err(err))
		}
		errs = append(errs, e.client.Close())
		e.client = nil
	}
	e.reg.Publish(e.simMs(e.sched.Now()))
	e.reg.Reset()
	e.dropPendingInsertions()
	e.prevActive = 0
	e.setState(StateDisconnected)
	e.closeDoneLocked()
	e.log.Info(ctx, "engine shut down", logging.Bool("auto_shutdown", e.autoShutdown.Load()))
	return errors.Join(errs...)
}

// destroyAllLocked removes every managed agent.
func (e *Engine) destroyAllLocked(ctx context.Context) error {
	var errs []error
	for _, id := range e.reg.ManagedIDs() {
		ent, ok := e.reg.RemoveManaged(id)
		if !ok {
			continue
		}
		if err := e.factory.DestroyAgent(ctx, ent.Handle); err != nil {
			errs = append(errs, fmt.Errorf("destroy agent %q: %w", id, err))
			continue
		}
		if e.metrics != nil {
			e.metrics.EntityDestroyed()
		}
	}
	return errors.Join(errs...)
}

// abortLocked ends the session after a fatal error. The partial step is
// discarded and every agent is destroyed.
func (e *Engine) abortLocked(ctx context.Context, err error) {
	e.reg.Discard()
	if derr := e.destroyAllLocked(ctx); derr != nil {
		e.log.Warn(ctx, "destroying agents after fatal error", logging.Err(derr))
	}
	e.reg.Discard()
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
	}
	if e.pendingID != "" {
		e.sched.Cancel(e.pendingID)
		e.pendingID = ""
	}
	e.reg.Reset()
	e.dropPendingInsertions()
	e.prevActive = 0
	e.setState(StateDisconnected)
	e.log.Error(ctx, "synchronization session ended", logging.Err(err))
}
