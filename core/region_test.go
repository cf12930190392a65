package core

import (
	"math/rand/v2"
	"testing"

	"github.com/signalsfoundry/traci-sync/model"
)

func TestRegionFilterEmptyAdmitsEverything(t *testing.T) {
	f := NewRegionFilter(nil, nil)
	if !f.Empty() {
		t.Fatalf("Empty() = false for an unconfigured filter")
	}
	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 1000; i++ {
		p := model.Coord{X: rng.NormFloat64() * 1e6, Y: rng.NormFloat64() * 1e6}
		if !f.InScope(p, "") {
			t.Fatalf("InScope(%v) = false with empty filter", p)
		}
	}
}

func TestRegionFilterRectangles(t *testing.T) {
	f := NewRegionFilter(nil, []Rect{NewRect(model.Coord{X: 10, Y: 10}, model.Coord{X: 0, Y: 0})})

	tests := []struct {
		name string
		pos  model.Coord
		want bool
	}{
		{"inside", model.Coord{X: 5, Y: 5}, true},
		{"on edge", model.Coord{X: 10, Y: 0}, true},
		{"outside x", model.Coord{X: 10.001, Y: 5}, false},
		{"outside y", model.Coord{X: 5, Y: -0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.InScope(tt.pos, "any"); got != tt.want {
				t.Fatalf("InScope(%v) = %v, want %v", tt.pos, got, tt.want)
			}
		})
	}
}

func TestRegionFilterRoadsOrRectangles(t *testing.T) {
	rects, err := ParseRects("0,0-10,10")
	if err != nil {
		t.Fatalf("ParseRects() error = %v", err)
	}
	f := NewRegionFilter(ParseRoads("hwy1  hwy2"), rects)

	if !f.InScope(model.Coord{X: 500, Y: 500}, "hwy2") {
		t.Fatalf("InScope() = false for allow-listed road outside rectangles")
	}
	if !f.InScope(model.Coord{X: 1, Y: 1}, "side") {
		t.Fatalf("InScope() = false inside rectangle on other road")
	}
	if f.InScope(model.Coord{X: 500, Y: 500}, "side") {
		t.Fatalf("InScope() = true outside rectangle on other road")
	}
}

func TestParseRects(t *testing.T) {
	rects, err := ParseRects("0,0-10,10 -20.5,-3--1,4e2")
	if err != nil {
		t.Fatalf("ParseRects() error = %v", err)
	}
	want := []Rect{
		{Min: model.Coord{X: 0, Y: 0}, Max: model.Coord{X: 10, Y: 10}},
		{Min: model.Coord{X: -20.5, Y: -3}, Max: model.Coord{X: -1, Y: 400}},
	}
	if len(rects) != len(want) {
		t.Fatalf("ParseRects() returned %d rects, want %d", len(rects), len(want))
	}
	for i := range want {
		if rects[i] != want[i] {
			t.Fatalf("rect[%d] = %+v, want %+v", i, rects[i], want[i])
		}
	}

	for _, bad := range []string{"0,0", "a,b-1,1", "0,0-1"} {
		if _, err := ParseRects(bad); err == nil {
			t.Errorf("ParseRects(%q) returned nil error", bad)
		}
	}
}

func TestSamplerIsReproducible(t *testing.T) {
	a := NewSampler(0.3, 42)
	b := NewSampler(0.3, 42)
	equipped := 0
	for i := 0; i < 1000; i++ {
		x, y := a.Equip(), b.Equip()
		if x != y {
			t.Fatalf("draw %d differs between equal seeds", i)
		}
		if x {
			equipped++
		}
	}
	if equipped < 200 || equipped > 400 {
		t.Fatalf("equipped %d of 1000 at rate 0.3", equipped)
	}
}

func TestSamplerBounds(t *testing.T) {
	if !NewSampler(1, 0).Equip() {
		t.Fatalf("rate 1 did not equip")
	}
	if NewSampler(0, 0).Equip() {
		t.Fatalf("rate 0 equipped")
	}
}
