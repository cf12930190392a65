package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/kb"
	"github.com/signalsfoundry/traci-sync/model"
)

// agentSet is the stand-in host environment used by the CLI: every agent is
// a named slot "<module>[n]" whose lifecycle is logged.
type agentSet struct {
	module string
	log    logging.Logger

	mu     sync.Mutex
	next   int
	agents map[string]string // handle -> vehicle id
}

func newAgentSet(module string, log logging.Logger) *agentSet {
	if log == nil {
		log = logging.Noop()
	}
	return &agentSet{module: module, log: log, agents: make(map[string]string)}
}

func (a *agentSet) CreateAgent(ctx context.Context, id, kind string, pos model.Coord) (kb.Handle, error) {
	a.mu.Lock()
	handle := fmt.Sprintf("%s[%d]", a.module, a.next)
	a.next++
	a.agents[handle] = id
	a.mu.Unlock()

	a.log.Info(ctx, "agent created",
		logging.String("agent", handle),
		logging.String("vehicle_id", id),
		logging.String("kind", kind),
		logging.Float("x", pos.X),
		logging.Float("y", pos.Y),
	)
	return handle, nil
}

func (a *agentSet) DestroyAgent(ctx context.Context, h kb.Handle) error {
	handle, ok := h.(string)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", h)
	}
	a.mu.Lock()
	id, ok := a.agents[handle]
	delete(a.agents, handle)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %q", handle)
	}
	a.log.Info(ctx, "agent destroyed", logging.String("agent", handle), logging.String("vehicle_id", id))
	return nil
}

func (a *agentSet) UpdateAgent(ctx context.Context, h kb.Handle, state model.VehicleState) error {
	a.log.Debug(ctx, "agent moved",
		logging.Any("agent", h),
		logging.String("road_id", state.RoadID),
		logging.Float("x", state.Position.X),
		logging.Float("y", state.Position.Y),
		logging.Float("speed", state.Speed),
	)
	return nil
}

// Len returns the number of live agents.
func (a *agentSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.agents)
}
