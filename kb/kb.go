package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/signalsfoundry/traci-sync/model"
)

var (
	// ErrAlreadyManaged is returned when an id would be represented twice.
	ErrAlreadyManaged = errors.New("kb: vehicle already managed")
	// ErrNotManaged is returned for operations on an id without an entity.
	ErrNotManaged = errors.New("kb: vehicle not managed")
	// ErrNotTracked is returned for operations on an id without a subscription record.
	ErrNotTracked = errors.New("kb: vehicle not tracked")
)

// Handle is the opaque reference the agent factory returns for a created
// agent. The registry never inspects it.
type Handle any

// UnequippedReason records why a known vehicle has no local agent.
type UnequippedReason int

const (
	ReasonOutOfScope UnequippedReason = iota
	ReasonSampledOut
	ReasonTeleporting
	ReasonIncomplete
)

func (r UnequippedReason) String() string {
	switch r {
	case ReasonOutOfScope:
		return "out_of_scope"
	case ReasonSampledOut:
		return "sampled_out"
	case ReasonTeleporting:
		return "teleporting"
	case ReasonIncomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Tier is the subscription level held for a vehicle.
type Tier int

const (
	TierTracking Tier = iota + 1
	TierManaged
)

// ManagedEntity is one locally represented vehicle.
type ManagedEntity struct {
	ID     string
	Handle Handle
	State  model.VehicleState
}

// Subscription is the per-vehicle subscription record.
type Subscription struct {
	ID          string
	Variables   []byte
	Tier        Tier
	Parked      bool
	Teleporting bool
	// InScope is the region verdict for the latest complete update.
	InScope bool
	// Last is the latest server-side state seen for the vehicle.
	Last model.VehicleState
}

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventEntityCreated EventType = iota
	EventEntityUpdated
	EventEntityDestroyed
	EventUnequipped
	EventForgotten
	EventStepCompleted
	EventReset
)

func (t EventType) String() string {
	switch t {
	case EventEntityCreated:
		return "created"
	case EventEntityUpdated:
		return "updated"
	case EventEntityDestroyed:
		return "destroyed"
	case EventUnequipped:
		return "unequipped"
	case EventForgotten:
		return "forgotten"
	case EventStepCompleted:
		return "step"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted to subscribers when a step is published.
type Event struct {
	Type   EventType
	ID     string
	State  model.VehicleState
	Reason UnequippedReason
	StepMs int64
	Counts model.Counts
}

// Registry is an in-memory, thread-safe store for the synchronized vehicle
// population. An id is never both managed and unequipped.
//
// Mutations queue events; Publish delivers them so observers see each step
// as one batch.
type Registry struct {
	mu sync.RWMutex

	managed    map[string]*ManagedEntity
	unequipped map[string]UnequippedReason
	tracked    map[string]*Subscription

	pending []Event
	subs    map[int]func(Event)
	nextSub int
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		managed:    make(map[string]*ManagedEntity),
		unequipped: make(map[string]UnequippedReason),
		tracked:    make(map[string]*Subscription),
		subs:       make(map[int]func(Event)),
	}
}

// AddManaged records a created agent. The id leaves the unequipped set.
func (r *Registry) AddManaged(id string, h Handle, state model.VehicleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managed[id]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyManaged, id)
	}
	delete(r.unequipped, id)
	state.ID = id
	r.managed[id] = &ManagedEntity{ID: id, Handle: h, State: state}
	r.pending = append(r.pending, Event{Type: EventEntityCreated, ID: id, State: state})
	return nil
}

// UpdateManaged stores the latest state of a managed vehicle.
func (r *Registry) UpdateManaged(id string, state model.VehicleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.managed[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotManaged, id)
	}
	state.ID = id
	e.State = state
	r.pending = append(r.pending, Event{Type: EventEntityUpdated, ID: id, State: state})
	return nil
}

// RemoveManaged drops the entity for id and returns it.
func (r *Registry) RemoveManaged(id string) (ManagedEntity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.managed[id]
	if !ok {
		return ManagedEntity{}, false
	}
	delete(r.managed, id)
	r.pending = append(r.pending, Event{Type: EventEntityDestroyed, ID: id, State: e.State})
	return *e, true
}

// Managed returns a copy of the entity for id.
func (r *Registry) Managed(id string) (ManagedEntity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.managed[id]
	if !ok {
		return ManagedEntity{}, false
	}
	return *e, true
}

// IsManaged reports whether id has a local agent.
func (r *Registry) IsManaged(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.managed[id]
	return ok
}

// MarkUnequipped records id as known but not represented. It fails for a
// managed id; the caller must remove the entity first.
func (r *Registry) MarkUnequipped(id string, reason UnequippedReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.managed[id]; ok {
		return fmt.Errorf("%w: %q cannot be unequipped", ErrAlreadyManaged, id)
	}
	if prev, ok := r.unequipped[id]; ok && prev == reason {
		return nil
	}
	r.unequipped[id] = reason
	r.pending = append(r.pending, Event{Type: EventUnequipped, ID: id, Reason: reason})
	return nil
}

// ClearUnequipped removes id from the unequipped set.
func (r *Registry) ClearUnequipped(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unequipped, id)
}

// Unequipped returns the reason id is unequipped.
func (r *Registry) Unequipped(id string) (UnequippedReason, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, ok := r.unequipped[id]
	return reason, ok
}

// Track creates or replaces the subscription record for id. Flags already
// recorded for id are preserved.
func (r *Registry) Track(id string, tier Tier, vars []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.tracked[id]
	if !ok {
		s = &Subscription{ID: id, Last: model.VehicleState{ID: id, Signals: model.SignalUndefined}}
		r.tracked[id] = s
	}
	s.Tier = tier
	s.Variables = append([]byte(nil), vars...)
}

// Subscription returns a copy of the record for id.
func (r *Registry) Subscription(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tracked[id]
	if !ok {
		return Subscription{}, false
	}
	cp := *s
	cp.Variables = append([]byte(nil), s.Variables...)
	return cp, true
}

// IsTracked reports whether id has a subscription record.
func (r *Registry) IsTracked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tracked[id]
	return ok
}

// UpdateTracked applies fn to the record for id.
func (r *Registry) UpdateTracked(id string, fn func(*Subscription)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tracked[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotTracked, id)
	}
	fn(s)
	return nil
}

// Forget removes every trace of id. It must not be managed.
func (r *Registry) Forget(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managed[id]; ok {
		return fmt.Errorf("%w: %q cannot be forgotten", ErrAlreadyManaged, id)
	}
	_, wasUnequipped := r.unequipped[id]
	_, wasTracked := r.tracked[id]
	delete(r.unequipped, id)
	delete(r.tracked, id)
	if wasUnequipped || wasTracked {
		r.pending = append(r.pending, Event{Type: EventForgotten, ID: id})
	}
	return nil
}

// ManagedIDs returns the managed ids in sorted order.
func (r *Registry) ManagedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.managed)
	sort.Strings(ids)
	return ids
}

// ManagedHandles returns a snapshot mapping of id to handle.
func (r *Registry) ManagedHandles() map[string]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapValues(r.managed, func(e *ManagedEntity, _ string) Handle { return e.Handle })
}

// ManagedStates returns a snapshot mapping of id to last state.
func (r *Registry) ManagedStates() map[string]model.VehicleState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapValues(r.managed, func(e *ManagedEntity, _ string) model.VehicleState { return e.State })
}

// UnequippedIDs returns the unequipped ids in sorted order.
func (r *Registry) UnequippedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.unequipped)
	sort.Strings(ids)
	return ids
}

// TrackedIDs returns the ids with a subscription record in sorted order.
func (r *Registry) TrackedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.tracked)
	sort.Strings(ids)
	return ids
}

// Counts projects the tracked population: active vehicles are tracked and
// not teleporting, parking ones carry the parked flag.
func (r *Registry) Counts() model.Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countsLocked()
}

func (r *Registry) countsLocked() model.Counts {
	var c model.Counts
	for _, s := range r.tracked {
		if s.Teleporting {
			continue
		}
		c.Active++
		if s.Parked {
			c.Parking++
		}
	}
	c.Driving = c.Active - c.Parking
	return c
}

// Publish delivers the queued events followed by a step-completed event
// carrying the current counts.
func (r *Registry) Publish(stepMs int64) {
	r.mu.Lock()
	events := r.pending
	r.pending = nil
	events = append(events, Event{Type: EventStepCompleted, StepMs: stepMs, Counts: r.countsLocked()})
	for i := range events {
		events[i].StepMs = stepMs
	}
	subs := lo.Values(r.subs)
	r.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, ev := range events {
		for _, sub := range subs {
			sub(ev)
		}
	}
}

// Discard drops queued events without delivering them.
func (r *Registry) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
}

// Reset empties the registry and notifies subscribers. Entities must have
// been destroyed by the caller.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.managed = make(map[string]*ManagedEntity)
	r.unequipped = make(map[string]UnequippedReason)
	r.tracked = make(map[string]*Subscription)
	r.pending = nil
	subs := lo.Values(r.subs)
	r.mu.Unlock()

	for _, sub := range subs {
		sub(Event{Type: EventReset})
	}
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}
