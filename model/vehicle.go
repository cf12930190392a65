package model

import "fmt"

// Coord is a planar position. Whether it lives in server or local space is
// decided by the caller; core.Transform converts between the two.
type Coord struct {
	X float64
	Y float64
}

func (c Coord) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", c.X, c.Y)
}

// LonLat is a geographic position as reported by the simulator's
// position conversion command.
type LonLat struct {
	Lon float64
	Lat float64
}

// Color is an RGBA colour as carried on the wire.
type Color struct {
	R, G, B, A uint8
}

// VehicleSignal is the bitset of lights and indicators reported per vehicle.
type VehicleSignal int32

const (
	SignalUndefined        VehicleSignal = -1
	SignalNone             VehicleSignal = 0
	SignalBlinkerRight     VehicleSignal = 1 << 0
	SignalBlinkerLeft      VehicleSignal = 1 << 1
	SignalBlinkerEmergency VehicleSignal = 1 << 2
	SignalBrakeLight       VehicleSignal = 1 << 3
	SignalFrontLight       VehicleSignal = 1 << 4
	SignalFogLight         VehicleSignal = 1 << 5
	SignalHighBeam         VehicleSignal = 1 << 6
	SignalBackDrive        VehicleSignal = 1 << 7
	SignalWiper            VehicleSignal = 1 << 8
	SignalDoorOpenLeft     VehicleSignal = 1 << 9
	SignalDoorOpenRight    VehicleSignal = 1 << 10
	SignalEmergencyBlue    VehicleSignal = 1 << 11
	SignalEmergencyRed     VehicleSignal = 1 << 12
	SignalEmergencyYellow  VehicleSignal = 1 << 13
)

// Has reports whether every bit in flag is set.
func (s VehicleSignal) Has(flag VehicleSignal) bool {
	if s < 0 {
		return false
	}
	return s&flag == flag
}

// VehicleState is the last known kinematic state of a vehicle.
//
// Position is in local coordinates and Angle in local radians once the
// engine has applied the coordinate transform; ServerPosition keeps the raw
// simulator value used for region-of-interest checks.
type VehicleState struct {
	ID             string
	RoadID         string
	Position       Coord
	ServerPosition Coord
	Speed          float64
	Angle          float64
	Signals        VehicleSignal
	Parked         bool
}

// Counts is the projection of the simulator's vehicle population seen by the
// client after a step.
type Counts struct {
	Active  int
	Parking int
	Driving int
}
