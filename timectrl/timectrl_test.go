package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	var ticks int
	tc.AddListener(func(time.Time) { ticks++ })
	done := tc.Start(context.Background(), 15*time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
	if ticks != 3 {
		t.Fatalf("listener ran %d times, want 3", ticks)
	}
}

func TestTimeControllerAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Accelerated)

	ch := tc.After(2 * time.Second)
	tc.SetTime(start.Add(time.Second))
	select {
	case <-ch:
		t.Fatalf("After(2s) fired at 1s")
	default:
	}

	if err := tc.Run(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case got := <-ch:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("After(2s) delivered %v", got)
		}
	default:
		t.Fatalf("After(2s) did not fire")
	}
}

func TestTimeControllerRunStopsOnCancel(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Hour, RealTime)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tc.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
