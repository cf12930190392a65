package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/sim/insertion"
	"github.com/signalsfoundry/traci-sync/internal/traci"
	"github.com/signalsfoundry/traci-sync/kb"
	"github.com/signalsfoundry/traci-sync/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// stepSummary counts what one reconciliation changed.
type stepSummary struct {
	Created    int
	Destroyed  int
	Updated    int
	Unequipped int
	Departed   int
	Arrived    int
}

// Step advances the server to the next update boundary and reconciles the
// local population with the pushed results. A fatal error ends the session:
// the partial step is discarded, every agent is destroyed and the engine is
// Disconnected.
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateStepping {
		return ErrNotStepping
	}

	target := e.next
	targetMs := e.simMs(target)
	ctx = logging.ContextWithStep(ctx, targetMs)
	ctx, span := e.tracer.Start(ctx, "traci.step", trace.WithAttributes(
		attribute.Int64("traci.step_ms", targetMs),
	))
	defer span.End()
	start := time.Now()

	sum, err := e.stepLocked(ctx, targetMs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.observeStep(start, "fatal")
		e.abortLocked(ctx, err)
		return err
	}
	e.next = target.Add(e.cfg.UpdateInterval)

	counts := e.reg.Counts()
	managed := len(e.reg.ManagedIDs())
	unequipped := len(e.reg.UnequippedIDs())
	if e.metrics != nil {
		e.metrics.SetPopulation(managed, unequipped, counts)
	}
	e.reg.Publish(targetMs)
	e.observeStep(start, "ok")

	span.SetAttributes(
		attribute.Int("traci.created", sum.Created),
		attribute.Int("traci.destroyed", sum.Destroyed),
		attribute.Int("traci.active", counts.Active),
	)
	e.log.Debug(ctx, "step reconciled",
		logging.Int("departed", sum.Departed),
		logging.Int("arrived", sum.Arrived),
		logging.Int("created", sum.Created),
		logging.Int("destroyed", sum.Destroyed),
		logging.Int("updated", sum.Updated),
		logging.Int("unequipped", sum.Unequipped),
		logging.Int("managed", managed),
		logging.Int("active", counts.Active),
		logging.Int("parking", counts.Parking),
		logging.Int("driving", counts.Driving),
	)

	prev := e.prevActive
	e.prevActive = counts.Active
	if e.cfg.AutoShutdown && prev > 0 && counts.Active == 0 {
		e.autoShutdown.Store(true)
		e.log.Info(ctx, "no active vehicles left; shutting down")
		return e.shutdownLocked(ctx)
	}
	return nil
}

func (e *Engine) observeStep(start time.Time, outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveStep(time.Since(start), outcome)
	}
}

func (e *Engine) stepLocked(ctx context.Context, targetMs int64) (stepSummary, error) {
	if targetMs > math.MaxInt32 {
		return stepSummary{}, fmt.Errorf("step target %d ms exceeds the protocol time range", targetMs)
	}
	results, err := e.client.SimulationStep(ctx, int32(targetMs))
	if err != nil {
		return stepSummary{}, err
	}
	report, err := e.processor.Process(ctx, results, int32(targetMs))
	if err != nil {
		return stepSummary{}, err
	}
	sum, err := e.reconcile(ctx, report)
	if err != nil {
		return sum, err
	}

	e.autoFill(ctx, targetMs, e.reg.Counts().Active)
	drained, err := e.queue.Drain(ctx, targetMs, e.client)
	if err != nil {
		return sum, err
	}
	e.inflightMu.Lock()
	for _, id := range drained.Inserted {
		e.inflight[id] = struct{}{}
	}
	e.inflightMu.Unlock()
	if e.metrics != nil {
		e.metrics.ObserveInsertions(len(drained.Inserted), len(drained.Rejected), drained.Remaining)
	}
	return sum, nil
}

// evaluation is one vehicle's usable update for this step.
type evaluation struct {
	id      string
	state   model.VehicleState
	inScope bool
}

// reconcile applies a step report to the registry and the agent factory.
// Arrival wins over every other report for the same id, then teleport
// start, then departure, then plain updates. Demotions run before
// promotions so an id ends a step with at most one create or one destroy.
func (e *Engine) reconcile(ctx context.Context, report *traci.StepReport) (stepSummary, error) {
	var sum stepSummary
	arrived := lo.SliceToMap(report.Arrived, func(id string) (string, bool) { return id, true })
	var immediate []traci.SubscriptionResult

	for _, id := range report.Arrived {
		e.clearInflight(id)
		destroyed, err := e.destroy(ctx, id)
		if err != nil {
			return sum, err
		}
		if destroyed {
			sum.Destroyed++
		}
		if err := e.reg.Forget(id); err != nil {
			return sum, err
		}
		sum.Arrived++
	}

	for _, id := range report.TeleportStarting {
		if arrived[id] {
			continue
		}
		if e.reg.IsManaged(id) {
			if err := e.demoteSubscription(ctx, id); err != nil {
				return sum, err
			}
			if _, err := e.destroy(ctx, id); err != nil {
				return sum, err
			}
			sum.Destroyed++
		}
		if !e.reg.IsTracked(id) {
			r, ok, err := e.setTier(ctx, id, kb.TierTracking)
			if err != nil {
				return sum, err
			}
			if !ok {
				continue
			}
			immediate = append(immediate, r)
		}
		_ = e.reg.UpdateTracked(id, func(s *kb.Subscription) { s.Teleporting = true })
		if err := e.reg.MarkUnequipped(id, kb.ReasonTeleporting); err != nil {
			return sum, err
		}
		sum.Unequipped++
	}

	for _, id := range report.Departed {
		if arrived[id] {
			continue
		}
		e.clearInflight(id)
		sum.Departed++
		if e.reg.IsTracked(id) {
			continue
		}
		r, ok, err := e.setTier(ctx, id, kb.TierTracking)
		if err != nil {
			return sum, err
		}
		if ok {
			immediate = append(immediate, r)
		}
	}

	for _, id := range report.TeleportEnding {
		if arrived[id] {
			continue
		}
		if !e.reg.IsTracked(id) {
			r, ok, err := e.setTier(ctx, id, kb.TierTracking)
			if err != nil {
				return sum, err
			}
			if ok {
				immediate = append(immediate, r)
			}
			continue
		}
		_ = e.reg.UpdateTracked(id, func(s *kb.Subscription) { s.Teleporting = false })
		if reason, ok := e.reg.Unequipped(id); ok && reason == kb.ReasonTeleporting {
			e.reg.ClearUnequipped(id)
		}
	}

	for _, id := range report.ParkingStarting {
		e.setParked(ctx, id, true)
	}
	for _, id := range report.ParkingEnding {
		e.setParked(ctx, id, false)
	}

	for _, u := range report.Vehicles {
		if arrived[u.ID] {
			continue
		}
		if !e.reg.IsTracked(u.ID) {
			return sum, fmt.Errorf("%w: server pushed results for %q", traci.ErrStaleSubscription, u.ID)
		}
	}

	evals, err := e.evaluate(ctx, report, immediate, arrived)
	if err != nil {
		return sum, err
	}

	// Demotion pass.
	for _, ev := range evals {
		if !e.reg.IsManaged(ev.id) {
			continue
		}
		if ev.inScope {
			ent, _ := e.reg.Managed(ev.id)
			if err := e.reg.UpdateManaged(ev.id, ev.state); err != nil {
				return sum, err
			}
			if e.updater != nil {
				if err := e.updater.UpdateAgent(ctx, ent.Handle, ev.state); err != nil {
					e.log.Warn(ctx, "agent update failed", logging.String("vehicle_id", ev.id), logging.Err(err))
				}
			}
			sum.Updated++
			continue
		}
		if err := e.demoteSubscription(ctx, ev.id); err != nil {
			return sum, err
		}
		if _, err := e.destroy(ctx, ev.id); err != nil {
			return sum, err
		}
		sum.Destroyed++
		if err := e.reg.MarkUnequipped(ev.id, kb.ReasonOutOfScope); err != nil {
			return sum, err
		}
		sum.Unequipped++
	}

	// Promotion pass.
	for _, ev := range evals {
		if e.reg.IsManaged(ev.id) {
			continue
		}
		created, err := e.promote(ctx, ev, &sum)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Created++
		}
	}
	return sum, nil
}

// evaluate merges the immediate subscription results with the step push,
// converts each usable update into local space and records the region
// verdict on the subscription record.
func (e *Engine) evaluate(ctx context.Context, report *traci.StepReport, immediate []traci.SubscriptionResult, arrived map[string]bool) ([]evaluation, error) {
	updates := make(map[string]traci.VehicleUpdate)
	incomplete := lo.SliceToMap(report.Incomplete, func(id string) (string, bool) { return id, true })
	var order []string

	if len(immediate) > 0 {
		first, err := e.processor.Process(ctx, immediate, -1)
		if err != nil {
			return nil, err
		}
		for _, u := range first.Vehicles {
			updates[u.ID] = u
			order = append(order, u.ID)
		}
		for _, id := range first.Incomplete {
			incomplete[id] = true
		}
	}
	for _, u := range report.Vehicles {
		if arrived[u.ID] {
			continue
		}
		if prev, ok := updates[u.ID]; ok {
			updates[u.ID] = prev.Merge(u)
			continue
		}
		updates[u.ID] = u
		order = append(order, u.ID)
	}

	evals := make([]evaluation, 0, len(order))
	for _, id := range order {
		u := updates[id]
		rec, ok := e.reg.Subscription(id)
		if !ok || rec.Teleporting {
			continue
		}
		if incomplete[id] || !u.Has(traci.FieldRoad|traci.FieldPosition) {
			if _, known := e.reg.Unequipped(id); !known && !e.reg.IsManaged(id) {
				if err := e.reg.MarkUnequipped(id, kb.ReasonIncomplete); err != nil {
					return nil, err
				}
			}
			continue
		}
		state, ok := e.localState(u, rec)
		if !ok {
			e.log.Warn(ctx, "vehicle position maps outside the local area; update ignored",
				logging.String("vehicle_id", id),
				logging.String("position", u.Position.String()),
			)
			continue
		}
		inScope := e.filter.InScope(u.Position, u.RoadID)
		if err := e.reg.UpdateTracked(id, func(s *kb.Subscription) {
			s.Last = state
			s.InScope = inScope
		}); err != nil {
			return nil, err
		}
		evals = append(evals, evaluation{id: id, state: state, inScope: inScope})
	}
	return evals, nil
}

// promote decides whether an unmanaged in-scope vehicle gets an agent.
// Penetration is sampled once per entry into scope.
func (e *Engine) promote(ctx context.Context, ev evaluation, sum *stepSummary) (bool, error) {
	reason, unequipped := e.reg.Unequipped(ev.id)
	if !ev.inScope {
		if !unequipped || reason != kb.ReasonOutOfScope {
			sum.Unequipped++
		}
		return false, e.reg.MarkUnequipped(ev.id, kb.ReasonOutOfScope)
	}
	if unequipped && reason == kb.ReasonSampledOut {
		return false, nil
	}
	if !e.sampler.Equip() {
		sum.Unequipped++
		return false, e.reg.MarkUnequipped(ev.id, kb.ReasonSampledOut)
	}

	r, ok, err := e.setTier(ctx, ev.id, kb.TierManaged)
	if err != nil || !ok {
		return false, err
	}
	full, err := e.processor.Process(ctx, []traci.SubscriptionResult{r}, -1)
	if err != nil {
		return false, err
	}
	state := ev.state
	if u, found := full.Update(ev.id); found && u.Has(traci.FieldRoad|traci.FieldPosition) {
		rec, _ := e.reg.Subscription(ev.id)
		if s, ok := e.localState(u, rec); ok {
			state = s
		}
	}

	h, err := e.factory.CreateAgent(ctx, ev.id, e.cfg.ModuleType, state.Position)
	if err != nil {
		return false, fmt.Errorf("create agent %q: %w", ev.id, err)
	}
	if err := e.reg.AddManaged(ev.id, h, state); err != nil {
		return false, err
	}
	if e.metrics != nil {
		e.metrics.EntityCreated()
	}
	return true, nil
}

// localState converts u into local space on top of the last known state.
// It reports false when the position falls outside the local area.
func (e *Engine) localState(u traci.VehicleUpdate, rec kb.Subscription) (model.VehicleState, bool) {
	local := e.transform.ToLocal(u.Position)
	if local.X < 0 || local.Y < 0 {
		return model.VehicleState{}, false
	}
	state := rec.Last
	state.ID = u.ID
	state.RoadID = u.RoadID
	state.Position = local
	state.ServerPosition = u.Position
	if u.Has(traci.FieldSpeed) {
		state.Speed = u.Speed
	}
	if u.Has(traci.FieldAngle) {
		state.Angle = e.transform.AngleToLocal(u.Angle)
	}
	if u.Has(traci.FieldSignals) {
		state.Signals = u.Signals
	}
	state.Parked = rec.Parked
	return state, true
}

// setTier subscribes id to the variable set of tier. A refused
// subscription means the vehicle is already gone; it is logged and reported
// as not ok. Only session errors are returned.
func (e *Engine) setTier(ctx context.Context, id string, tier kb.Tier) (traci.SubscriptionResult, bool, error) {
	vars := traci.TrackingVariables
	if tier == kb.TierManaged {
		vars = traci.ManagedVariables
	}
	r, err := e.client.SubscribeVehicle(ctx, id, vars)
	if err != nil {
		if traci.IsFatal(err) {
			return traci.SubscriptionResult{}, false, err
		}
		e.log.Warn(ctx, "vehicle subscription refused", logging.String("vehicle_id", id), logging.Err(err))
		return traci.SubscriptionResult{}, false, nil
	}
	e.reg.Track(id, tier, vars)
	return r, true, nil
}

// demoteSubscription downgrades a managed vehicle to the tracking set. When
// the server refuses, it keeps pushing the managed variables, and the record
// says so while no longer claiming the managed tier.
func (e *Engine) demoteSubscription(ctx context.Context, id string) error {
	_, ok, err := e.setTier(ctx, id, kb.TierTracking)
	if err != nil {
		return err
	}
	if !ok {
		e.reg.Track(id, kb.TierTracking, traci.ManagedVariables)
	}
	return nil
}

// destroy removes the agent for id, if any.
func (e *Engine) destroy(ctx context.Context, id string) (bool, error) {
	ent, ok := e.reg.RemoveManaged(id)
	if !ok {
		return false, nil
	}
	if err := e.factory.DestroyAgent(ctx, ent.Handle); err != nil {
		return true, fmt.Errorf("destroy agent %q: %w", id, err)
	}
	if e.metrics != nil {
		e.metrics.EntityDestroyed()
	}
	return true, nil
}

func (e *Engine) setParked(ctx context.Context, id string, parked bool) {
	err := e.reg.UpdateTracked(id, func(s *kb.Subscription) { s.Parked = parked })
	if errors.Is(err, kb.ErrNotTracked) {
		e.log.Debug(ctx, "parking change for untracked vehicle", logging.String("vehicle_id", id), logging.Bool("parked", parked))
	}
}

func (e *Engine) isActive(id string) bool {
	if e.reg.IsTracked(id) {
		return true
	}
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func (e *Engine) clearInflight(id string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, id)
}

// dropPendingInsertions forgets queued and in-flight insertions when a
// session ends.
func (e *Engine) dropPendingInsertions() {
	e.queue.Clear()
	e.inflightMu.Lock()
	e.inflight = make(map[string]struct{})
	e.inflightMu.Unlock()
}

func (e *Engine) inflightLen() int {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return len(e.inflight)
}

// autoFill tops the population up to NumVehicles with vehicle<N> requests
// on random routes.
func (e *Engine) autoFill(ctx context.Context, stepMs int64, active int) {
	if e.cfg.NumVehicles == 0 || len(e.routeIDs) == 0 || len(e.typeIDs) == 0 {
		return
	}
	for active+e.queue.Len()+e.inflightLen() < e.cfg.NumVehicles {
		id := fmt.Sprintf("vehicle%d", e.fillSeq)
		e.fillSeq++
		req := model.NewInsertionRequest(id,
			e.typeIDs[e.fillRng.IntN(len(e.typeIDs))],
			e.routeIDs[e.fillRng.IntN(len(e.routeIDs))],
		)
		err := e.queue.Enqueue(stepMs, req)
		switch {
		case err == nil:
		case errors.Is(err, insertion.ErrDuplicate):
			e.log.Debug(ctx, "auto-fill skipped id", logging.String("vehicle_id", id), logging.Err(err))
		default:
			e.log.Warn(ctx, "auto-fill stopped", logging.Err(err))
			return
		}
	}
}
