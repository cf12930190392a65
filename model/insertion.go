package model

import "time"

// Depart sentinels understood by the simulator's vehicle-add command. They are
// sent as negative values in place of a concrete time, position, speed or lane.
const (
	DepartNow          int32   = -2
	DepartPosBase      float64 = -4
	DepartSpeedMax     float64 = -3
	DepartLaneBestFree int8    = -5
)

// InsertionRequest describes a vehicle the client wants the simulator to add.
type InsertionRequest struct {
	VehicleID string
	TypeID    string
	RouteID   string

	// DepartTime is the requested departure in simulation time. A nil value
	// departs at the step the request is drained.
	DepartTime *time.Duration

	DepartPosition float64
	DepartSpeed    float64
	DepartLane     int8
}

// NewInsertionRequest returns a request using the simulator's default depart
// placement (now, base position, max speed, best free lane).
func NewInsertionRequest(vehicleID, typeID, routeID string) InsertionRequest {
	return InsertionRequest{
		VehicleID:      vehicleID,
		TypeID:         typeID,
		RouteID:        routeID,
		DepartPosition: DepartPosBase,
		DepartSpeed:    DepartSpeedMax,
		DepartLane:     DepartLaneBestFree,
	}
}

// DepartTimeMs encodes DepartTime the way the add command expects it.
func (r InsertionRequest) DepartTimeMs() int32 {
	if r.DepartTime == nil || *r.DepartTime < 0 {
		return DepartNow
	}
	return int32(r.DepartTime.Milliseconds())
}
