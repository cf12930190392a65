package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/signalsfoundry/traci-sync/model"
)

// Rect is an axis-aligned rectangle in server coordinates. Bounds are
// inclusive.
type Rect struct {
	Min model.Coord
	Max model.Coord
}

// NewRect returns the rectangle spanned by two corners given in any order.
func NewRect(a, b model.Coord) Rect {
	return Rect{
		Min: model.Coord{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y)},
		Max: model.Coord{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y)},
	}
}

// Contains reports whether p lies inside or on the edge of r.
func (r Rect) Contains(p model.Coord) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// RegionFilter decides which vehicles are represented locally. With no roads
// and no rectangles configured, everything is in scope.
type RegionFilter struct {
	roads map[string]struct{}
	rects []Rect
}

// NewRegionFilter builds a filter from a road allow-list and rectangles.
func NewRegionFilter(roads []string, rects []Rect) *RegionFilter {
	roads = lo.Compact(roads)
	return &RegionFilter{
		roads: lo.SliceToMap(roads, func(r string) (string, struct{}) { return r, struct{}{} }),
		rects: append([]Rect(nil), rects...),
	}
}

// Empty reports whether the filter admits everything.
func (f *RegionFilter) Empty() bool {
	return len(f.roads) == 0 && len(f.rects) == 0
}

// InScope reports whether a vehicle at pos (server coordinates) on roadID is
// in the region of interest.
func (f *RegionFilter) InScope(pos model.Coord, roadID string) bool {
	if f.Empty() {
		return true
	}
	if _, ok := f.roads[roadID]; ok {
		return true
	}
	return lo.SomeBy(f.rects, func(r Rect) bool { return r.Contains(pos) })
}

// Roads returns the configured road ids.
func (f *RegionFilter) Roads() []string { return lo.Keys(f.roads) }

// Rects returns the configured rectangles.
func (f *RegionFilter) Rects() []Rect { return append([]Rect(nil), f.rects...) }

// ParseRoads splits a space separated road list such as "hwy1 hwy2".
func ParseRoads(s string) []string {
	return strings.Fields(s)
}

// ParseRects parses space separated rectangles such as
// "0,0-10,10 20,20-30,30".
func ParseRects(s string) ([]Rect, error) {
	var rects []Rect
	for _, field := range strings.Fields(s) {
		a, b, ok := splitRect(field)
		if !ok {
			return nil, fmt.Errorf("rectangle %q: want x1,y1-x2,y2", field)
		}
		p1, err := parsePoint(a)
		if err != nil {
			return nil, fmt.Errorf("rectangle %q: %w", field, err)
		}
		p2, err := parsePoint(b)
		if err != nil {
			return nil, fmt.Errorf("rectangle %q: %w", field, err)
		}
		rects = append(rects, NewRect(p1, p2))
	}
	return rects, nil
}

// splitRect finds the dash separating the two corners. Coordinates may be
// negative, so a dash directly after the comma or an exponent is a sign.
func splitRect(s string) (string, string, bool) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", "", false
	}
	for i := comma + 2; i < len(s); i++ {
		if s[i] != '-' {
			continue
		}
		switch s[i-1] {
		case ',', 'e', 'E', '-':
			continue
		}
		return s[:i], s[i+1:], true
	}
	return "", "", false
}

func parsePoint(s string) (model.Coord, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return model.Coord{}, fmt.Errorf("point %q: want x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return model.Coord{}, fmt.Errorf("point %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return model.Coord{}, fmt.Errorf("point %q: %w", s, err)
	}
	return model.Coord{X: x, Y: y}, nil
}
