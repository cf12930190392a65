// Package insertion buffers vehicle-add requests per target step and submits
// them once the simulation reaches that step.
package insertion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/traci"
	"github.com/signalsfoundry/traci-sync/model"
)

var (
	// ErrDuplicate is returned when an id is already queued or active.
	ErrDuplicate = errors.New("insertion: vehicle already queued or active")
	// ErrInvalidRequest is returned for requests missing an id, type or route.
	ErrInvalidRequest = errors.New("insertion: invalid request")
)

// Adder submits one request to the simulator. *traci.Client satisfies it.
type Adder interface {
	AddVehicle(ctx context.Context, req model.InsertionRequest) error
}

// ActiveFunc reports whether the simulator already runs a vehicle with id.
type ActiveFunc func(id string) bool

// Rejection is a request the simulator refused.
type Rejection struct {
	Request model.InsertionRequest
	Err     error
}

// DrainReport summarizes one Drain call.
type DrainReport struct {
	Inserted []string
	Rejected []Rejection
	// Remaining counts requests still waiting for a later step.
	Remaining int
}

// Queue holds pending insertions bucketed by target step in milliseconds.
// Each id appears at most once.
type Queue struct {
	mu      sync.Mutex
	buckets map[int64][]model.InsertionRequest
	queued  map[string]int64
	active  ActiveFunc
	log     logging.Logger
}

// Option customises Queue construction.
type Option func(*Queue)

// WithActiveFunc injects the check used to reject ids the simulator already
// runs.
func WithActiveFunc(fn ActiveFunc) Option {
	return func(q *Queue) {
		q.active = fn
	}
}

// WithLogger attaches a logger for rejected insertions.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// NewQueue returns an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		buckets: make(map[int64][]model.InsertionRequest),
		queued:  make(map[string]int64),
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Enqueue schedules req for submission once step (ms) is reached. Duplicate
// ids are refused here, never at drain time.
func (q *Queue) Enqueue(stepMs int64, req model.InsertionRequest) error {
	if req.VehicleID == "" || req.TypeID == "" || req.RouteID == "" {
		return fmt.Errorf("%w: vehicle, type and route ids are required", ErrInvalidRequest)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if at, ok := q.queued[req.VehicleID]; ok {
		return fmt.Errorf("%w: %q queued for %d ms", ErrDuplicate, req.VehicleID, at)
	}
	if q.active != nil && q.active(req.VehicleID) {
		return fmt.Errorf("%w: %q is active", ErrDuplicate, req.VehicleID)
	}
	q.buckets[stepMs] = append(q.buckets[stepMs], req)
	q.queued[req.VehicleID] = stepMs
	return nil
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Pending reports whether id is queued.
func (q *Queue) Pending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[id]
	return ok
}

// Drain submits every request whose step is at or before stepMs, oldest
// bucket first and FIFO within a bucket. Rejected requests are dropped and
// reported. A fatal session error stops the drain; requests not yet tried
// stay queued.
func (q *Queue) Drain(ctx context.Context, stepMs int64, adder Adder) (DrainReport, error) {
	q.mu.Lock()
	due := make([]int64, 0, len(q.buckets))
	for at := range q.buckets {
		if at <= stepMs {
			due = append(due, at)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	q.mu.Unlock()

	var report DrainReport
	for _, at := range due {
		for {
			req, ok := q.head(at)
			if !ok {
				break
			}
			err := adder.AddVehicle(ctx, req)
			if err != nil && traci.IsFatal(err) {
				report.Remaining = q.Len()
				return report, err
			}
			q.remove(at, req.VehicleID)
			if err != nil {
				q.log.Warn(ctx, "vehicle insertion rejected",
					logging.String("vehicle_id", req.VehicleID),
					logging.String("route_id", req.RouteID),
					logging.String("type_id", req.TypeID),
					logging.Err(err),
				)
				report.Rejected = append(report.Rejected, Rejection{Request: req, Err: err})
				continue
			}
			report.Inserted = append(report.Inserted, req.VehicleID)
		}
	}
	report.Remaining = q.Len()
	return report, nil
}

func (q *Queue) head(at int64) (model.InsertionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.buckets[at]
	if len(b) == 0 {
		return model.InsertionRequest{}, false
	}
	return b[0], true
}

func (q *Queue) remove(at int64, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.buckets[at]
	if len(b) > 0 && b[0].VehicleID == id {
		b = b[1:]
	}
	if len(b) == 0 {
		delete(q.buckets, at)
	} else {
		q.buckets[at] = b
	}
	delete(q.queued, id)
}

// Clear drops every queued request.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buckets = make(map[int64][]model.InsertionRequest)
	q.queued = make(map[string]int64)
}
