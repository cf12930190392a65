package traci

// SupportedAPIVersion is the only TraCI API version this client speaks.
const SupportedAPIVersion = 10

// Status codes carried in the status block of every response.
const (
	StatusOK             byte = 0x00
	StatusNotImplemented byte = 0x01
	StatusError          byte = 0xFF
)

// Command identifiers.
const (
	CmdGetVersion        byte = 0x00
	CmdSimStep           byte = 0x02
	CmdStop              byte = 0x12
	CmdSlowDown          byte = 0x14
	CmdChangeTarget      byte = 0x31
	CmdRerouteTravelTime byte = 0x90
	CmdClose             byte = 0x7f

	CmdGetTLVariable          byte = 0xa2
	CmdGetLaneVariable        byte = 0xa3
	CmdGetVehicleVariable     byte = 0xa4
	CmdGetVehicleTypeVariable byte = 0xa5
	CmdGetRouteVariable       byte = 0xa6
	CmdGetPOIVariable         byte = 0xa7
	CmdGetPolygonVariable     byte = 0xa8
	CmdGetJunctionVariable    byte = 0xa9
	CmdGetEdgeVariable        byte = 0xaa
	CmdGetSimVariable         byte = 0xab

	CmdSetTLVariable      byte = 0xc2
	CmdSetVehicleVariable byte = 0xc4
	CmdSetPOIVariable     byte = 0xc7
	CmdSetPolygonVariable byte = 0xc8

	CmdSubscribeVehicleVariable byte = 0xd4
	CmdSubscribeSimVariable     byte = 0xdb
)

// Response identifiers. Value responses echo the command id plus 0x10.
const (
	ResponseSubscribeVehicleVariable byte = 0xe4
	ResponseSubscribeSimVariable     byte = 0xeb
)

// ResponseID returns the result-block id the server uses for a get command.
func ResponseID(cmd byte) byte {
	return cmd + 0x10
}

// Variable identifiers.
const (
	VarIDList  byte = 0x00
	VarIDCount byte = 0x01

	VarLastStepMeanSpeed byte = 0x11
	VarTLPhaseIndex      byte = 0x22
	VarTLProgram         byte = 0x23
	VarLaneEdgeID        byte = 0x31

	VarSpeed             byte = 0x40
	VarMaxSpeed          byte = 0x41
	VarPosition          byte = 0x42
	VarAngle             byte = 0x43
	VarLength            byte = 0x44
	VarColor             byte = 0x45
	VarShape             byte = 0x4e
	VarType              byte = 0x4f
	VarRoadID            byte = 0x50
	VarLaneID            byte = 0x51
	VarLaneIndex         byte = 0x52
	VarRouteID           byte = 0x53
	VarEdges             byte = 0x54
	VarLanePosition      byte = 0x56
	VarRoute             byte = 0x57
	VarEdgeTravelTime    byte = 0x58
	VarCurrentTravelTime byte = 0x5a
	VarSignals           byte = 0x5b

	VarRouteIndex                 byte = 0x69
	VarParkingStartingVehicleIDs  byte = 0x6c
	VarParkingEndingVehicleIDs    byte = 0x6e
	VarTimeStep                   byte = 0x70
	VarDepartedVehicleIDs         byte = 0x74
	VarTeleportStartingVehicleIDs byte = 0x76
	VarTeleportEndingVehicleIDs   byte = 0x78
	VarArrivedVehicleIDs          byte = 0x7a
	VarNetBoundingBox             byte = 0x7c

	VarAdd                byte = 0x80
	VarRemove             byte = 0x81
	VarPositionConversion byte = 0x82
	VarDistanceRequest    byte = 0x83
	VarSpeedMode          byte = 0xb3
)

// Distance request modes.
const (
	RequestAirDistance     byte = 0x00
	RequestDrivingDistance byte = 0x01
)

// Removal reasons accepted by the vehicle REMOVE variable.
const (
	RemoveTeleport byte = 0x00
	RemoveParking  byte = 0x01
	RemoveArrived  byte = 0x02
)

// SimulationObjectID names the simulation itself in get commands.
const SimulationObjectID = "sim0"

// Subscription windows, in milliseconds.
const (
	SubscribeBegin int32 = 0
	SubscribeEnd   int32 = 0x7FFFFFFF
)

// SimulationVariables are subscribed once after connecting; their results
// drive the per-step reconciliation.
var SimulationVariables = []byte{
	VarDepartedVehicleIDs,
	VarArrivedVehicleIDs,
	VarTimeStep,
	VarTeleportStartingVehicleIDs,
	VarTeleportEndingVehicleIDs,
	VarParkingStartingVehicleIDs,
	VarParkingEndingVehicleIDs,
}

// TrackingVariables are subscribed for every active vehicle so region
// membership can be evaluated for vehicles that are not represented locally.
var TrackingVariables = []byte{
	VarRoadID,
	VarPosition,
}

// ManagedVariables are subscribed for vehicles that have a local agent.
var ManagedVariables = []byte{
	VarRoadID,
	VarPosition,
	VarSpeed,
	VarAngle,
	VarSignals,
}
