package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/traci-sync/model"
)

func TestAddManagedLeavesUnequippedSet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.MarkUnequipped("v1", ReasonOutOfScope); err != nil {
		t.Fatalf("MarkUnequipped error: %v", err)
	}
	if err := reg.AddManaged("v1", "h1", model.VehicleState{RoadID: "e0"}); err != nil {
		t.Fatalf("AddManaged error: %v", err)
	}
	if _, ok := reg.Unequipped("v1"); ok {
		t.Fatalf("v1 still unequipped after AddManaged")
	}
	got, ok := reg.Managed("v1")
	if !ok || got.Handle != "h1" || got.State.ID != "v1" || got.State.RoadID != "e0" {
		t.Fatalf("Managed(v1) = %+v, %v", got, ok)
	}
}

func TestAddManagedDuplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.AddManaged("v1", 1, model.VehicleState{}); err != nil {
		t.Fatalf("first AddManaged error: %v", err)
	}
	if err := reg.AddManaged("v1", 2, model.VehicleState{}); !errors.Is(err, ErrAlreadyManaged) {
		t.Fatalf("duplicate AddManaged error = %v, want ErrAlreadyManaged", err)
	}
}

func TestMarkUnequippedRejectsManaged(t *testing.T) {
	reg := NewRegistry()
	if err := reg.AddManaged("v1", 1, model.VehicleState{}); err != nil {
		t.Fatalf("AddManaged error: %v", err)
	}
	if err := reg.MarkUnequipped("v1", ReasonOutOfScope); !errors.Is(err, ErrAlreadyManaged) {
		t.Fatalf("MarkUnequipped(managed) error = %v, want ErrAlreadyManaged", err)
	}
	if err := reg.Forget("v1"); !errors.Is(err, ErrAlreadyManaged) {
		t.Fatalf("Forget(managed) error = %v, want ErrAlreadyManaged", err)
	}
}

func TestCountsProjection(t *testing.T) {
	reg := NewRegistry()
	for i := range 5 {
		reg.Track(fmt.Sprintf("v%d", i), TierTracking, []byte{0x50})
	}
	mustUpdate := func(id string, fn func(*Subscription)) {
		t.Helper()
		if err := reg.UpdateTracked(id, fn); err != nil {
			t.Fatalf("UpdateTracked(%s) error: %v", id, err)
		}
	}
	mustUpdate("v0", func(s *Subscription) { s.Parked = true })
	mustUpdate("v1", func(s *Subscription) { s.Parked = true })
	mustUpdate("v2", func(s *Subscription) { s.Teleporting = true })

	want := model.Counts{Active: 4, Parking: 2, Driving: 2}
	if got := reg.Counts(); got != want {
		t.Fatalf("Counts() = %+v, want %+v", got, want)
	}

	if err := reg.UpdateTracked("ghost", func(*Subscription) {}); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("UpdateTracked(ghost) error = %v, want ErrNotTracked", err)
	}
}

func TestTrackPreservesFlags(t *testing.T) {
	reg := NewRegistry()
	reg.Track("v1", TierTracking, []byte{0x50, 0x42})
	if err := reg.UpdateTracked("v1", func(s *Subscription) { s.Parked = true }); err != nil {
		t.Fatalf("UpdateTracked error: %v", err)
	}
	reg.Track("v1", TierManaged, []byte{0x50, 0x42, 0x40})

	s, ok := reg.Subscription("v1")
	if !ok || s.Tier != TierManaged || !s.Parked || len(s.Variables) != 3 {
		t.Fatalf("Subscription(v1) = %+v, %v", s, ok)
	}
}

func TestPublishDeliversBatchInOrder(t *testing.T) {
	reg := NewRegistry()
	var got []Event
	unsubscribe := reg.Subscribe(func(ev Event) { got = append(got, ev) })

	reg.Track("v1", TierManaged, nil)
	_ = reg.AddManaged("v1", 1, model.VehicleState{})
	_ = reg.UpdateManaged("v1", model.VehicleState{Speed: 3})
	_, _ = reg.RemoveManaged("v1")
	_ = reg.MarkUnequipped("v1", ReasonOutOfScope)

	if len(got) != 0 {
		t.Fatalf("events delivered before Publish: %+v", got)
	}
	reg.Publish(2000)

	wantTypes := []EventType{EventEntityCreated, EventEntityUpdated, EventEntityDestroyed, EventUnequipped, EventStepCompleted}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got), len(wantTypes))
	}
	for i, want := range wantTypes {
		if got[i].Type != want || got[i].StepMs != 2000 {
			t.Fatalf("event[%d] = %+v, want type %v at 2000", i, got[i], want)
		}
	}
	if got[4].Counts.Active != 1 {
		t.Fatalf("step counts = %+v, want one active", got[4].Counts)
	}

	unsubscribe()
	reg.Publish(3000)
	if len(got) != len(wantTypes) {
		t.Fatalf("events delivered after unsubscribe")
	}
}

func TestDiscardDropsPendingEvents(t *testing.T) {
	reg := NewRegistry()
	var got []Event
	reg.Subscribe(func(ev Event) { got = append(got, ev) })

	_ = reg.AddManaged("v1", 1, model.VehicleState{})
	reg.Discard()
	reg.Publish(1000)
	if len(got) != 1 || got[0].Type != EventStepCompleted {
		t.Fatalf("events after Discard = %+v, want only step completion", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 50 {
				id := fmt.Sprintf("v%d-%d", i, j)
				reg.Track(id, TierTracking, nil)
				_ = reg.AddManaged(id, j, model.VehicleState{})
				_ = reg.ManagedHandles()
				_ = reg.Counts()
				_, _ = reg.RemoveManaged(id)
				_ = reg.Forget(id)
			}
		}(i)
	}
	wg.Wait()
	if n := len(reg.ManagedIDs()); n != 0 {
		t.Fatalf("ManagedIDs() has %d entries, want 0", n)
	}
}
