package core

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/traci-sync/model"
)

// Transform maps between the simulator's coordinate space (origin at the
// network's lower corner, y up, angles clockwise from north in degrees) and
// the local space (origin at the upper-left plus margin, y down, angles
// counter-clockwise from east in radians).
type Transform struct {
	bounds model.NetworkBounds
	margin float64
}

// NewTransform builds a transform for the given network bounds. margin pads
// the local playground on every side.
func NewTransform(bounds model.NetworkBounds, margin float64) (*Transform, error) {
	if !bounds.Valid() {
		return nil, fmt.Errorf("invalid network bounds %v-%v", bounds.Lower, bounds.Upper)
	}
	if margin < 0 || math.IsNaN(margin) {
		return nil, fmt.Errorf("margin must be non-negative, got %v", margin)
	}
	return &Transform{bounds: bounds, margin: margin}, nil
}

// Bounds returns the network bounds the transform was built from.
func (t *Transform) Bounds() model.NetworkBounds { return t.bounds }

// ToLocal converts a server position to local coordinates.
func (t *Transform) ToLocal(p model.Coord) model.Coord {
	return model.Coord{
		X: p.X - t.bounds.Lower.X + t.margin,
		Y: t.bounds.Height() - (p.Y - t.bounds.Lower.Y) + t.margin,
	}
}

// ToServer is the inverse of ToLocal.
func (t *Transform) ToServer(p model.Coord) model.Coord {
	return model.Coord{
		X: p.X + t.bounds.Lower.X - t.margin,
		Y: t.bounds.Height() - (p.Y - t.margin) + t.bounds.Lower.Y,
	}
}

// LocalExtent is the size of the local playground including margins.
func (t *Transform) LocalExtent() model.Coord {
	return model.Coord{
		X: t.bounds.Width() + 2*t.margin,
		Y: t.bounds.Height() + 2*t.margin,
	}
}

// AngleToLocal converts a heading in server degrees to local radians in
// (-pi, pi].
func (t *Transform) AngleToLocal(deg float64) float64 {
	return normalizeRadians((90 - deg) * math.Pi / 180)
}

// AngleToServer converts local radians back to server degrees in [0, 360).
func (t *Transform) AngleToServer(rad float64) float64 {
	return normalizeDegrees(90 - rad*180/math.Pi)
}

func normalizeRadians(r float64) float64 {
	r = math.Mod(r, 2*math.Pi)
	if r <= -math.Pi {
		r += 2 * math.Pi
	} else if r > math.Pi {
		r -= 2 * math.Pi
	}
	return r
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	// math.Mod can leave -0 or round a tiny negative up to exactly 360.
	if d >= 360 {
		d -= 360
	}
	return d
}
