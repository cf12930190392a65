package insertion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/signalsfoundry/traci-sync/internal/traci"
	"github.com/signalsfoundry/traci-sync/model"
)

type fakeAdder struct {
	calls  []string
	reject map[string]bool
	fatal  map[string]bool
}

func (a *fakeAdder) AddVehicle(_ context.Context, req model.InsertionRequest) error {
	a.calls = append(a.calls, req.VehicleID)
	if a.fatal[req.VehicleID] {
		return &traci.FatalError{Command: traci.CmdSetVehicleVariable, Err: traci.ErrTransport}
	}
	if a.reject[req.VehicleID] {
		return fmt.Errorf("%w: %s", traci.ErrInsertionRejected, req.VehicleID)
	}
	return nil
}

func req(id string) model.InsertionRequest {
	return model.NewInsertionRequest(id, "car", "r0")
}

func TestEnqueueRejectsDuplicateBeforeDrain(t *testing.T) {
	q := NewQueue()
	if err := q.Enqueue(1000, req("v1")); err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}
	if err := q.Enqueue(2000, req("v1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Enqueue error = %v, want ErrDuplicate", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}

func TestEnqueueRejectsActiveVehicle(t *testing.T) {
	q := NewQueue(WithActiveFunc(func(id string) bool { return id == "busy" }))
	if err := q.Enqueue(0, req("busy")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Enqueue(active) error = %v, want ErrDuplicate", err)
	}
	if err := q.Enqueue(0, model.InsertionRequest{VehicleID: "x"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Enqueue(incomplete) error = %v, want ErrInvalidRequest", err)
	}
}

func TestDrainOrderAndDueSteps(t *testing.T) {
	q := NewQueue()
	for _, e := range []struct {
		at int64
		id string
	}{{2000, "c"}, {1000, "a"}, {1000, "b"}, {5000, "later"}} {
		if err := q.Enqueue(e.at, req(e.id)); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", e.id, err)
		}
	}

	adder := &fakeAdder{}
	report, err := q.Drain(context.Background(), 2000, adder)
	if err != nil {
		t.Fatalf("Drain error: %v", err)
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(adder.calls, want) {
		t.Fatalf("AddVehicle calls = %v, want %v", adder.calls, want)
	}
	if report.Remaining != 1 || !q.Pending("later") {
		t.Fatalf("Remaining = %d, later pending = %v", report.Remaining, q.Pending("later"))
	}
}

func TestDrainDropsRejected(t *testing.T) {
	q := NewQueue()
	_ = q.Enqueue(0, req("bad"))
	_ = q.Enqueue(0, req("good"))

	adder := &fakeAdder{reject: map[string]bool{"bad": true}}
	report, err := q.Drain(context.Background(), 0, adder)
	if err != nil {
		t.Fatalf("Drain error: %v", err)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].Request.VehicleID != "bad" {
		t.Fatalf("Rejected = %+v", report.Rejected)
	}
	if !slices.Equal(report.Inserted, []string{"good"}) {
		t.Fatalf("Inserted = %v, want [good]", report.Inserted)
	}

	// Rejected requests are not retried.
	adder.calls = nil
	if _, err := q.Drain(context.Background(), 10, adder); err != nil {
		t.Fatalf("second Drain error: %v", err)
	}
	if len(adder.calls) != 0 {
		t.Fatalf("second Drain called AddVehicle %v", adder.calls)
	}
	// The id may be queued again after it left the queue.
	if err := q.Enqueue(10, req("bad")); err != nil {
		t.Fatalf("re-Enqueue error: %v", err)
	}
}

func TestDrainStopsOnFatalError(t *testing.T) {
	q := NewQueue()
	_ = q.Enqueue(0, req("a"))
	_ = q.Enqueue(0, req("b"))

	adder := &fakeAdder{fatal: map[string]bool{"a": true}}
	report, err := q.Drain(context.Background(), 0, adder)
	if !traci.IsFatal(err) {
		t.Fatalf("Drain error = %v, want fatal", err)
	}
	if report.Remaining != 2 || !q.Pending("a") || !q.Pending("b") {
		t.Fatalf("queue lost requests after fatal error: remaining %d", report.Remaining)
	}
}
