package model

// NetworkBounds is the road network's bounding box in server coordinates, as
// reported once after connecting.
type NetworkBounds struct {
	Lower Coord
	Upper Coord
}

// Width is the extent along x.
func (b NetworkBounds) Width() float64 { return b.Upper.X - b.Lower.X }

// Height is the extent along y.
func (b NetworkBounds) Height() float64 { return b.Upper.Y - b.Lower.Y }

// Valid reports whether the upper corner dominates the lower one.
func (b NetworkBounds) Valid() bool {
	return b.Upper.X >= b.Lower.X && b.Upper.Y >= b.Lower.Y
}
