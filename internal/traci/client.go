package traci

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/traci/wire"
	"github.com/signalsfoundry/traci-sync/model"
)

// Client is the typed command surface over a Channel. Coordinates passed to
// and returned from the Client are in server space.
type Client struct {
	ch  *Channel
	log logging.Logger
}

// NewClient wraps ch. A nil logger is replaced with a no-op logger.
func NewClient(ch *Channel, log logging.Logger) (*Client, error) {
	if ch == nil {
		return nil, fmt.Errorf("channel is nil")
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Client{ch: ch, log: log}, nil
}

// Channel exposes the underlying channel for lifecycle checks.
func (c *Client) Channel() *Channel { return c.ch }

// Close tears down the session.
func (c *Client) Close() error { return c.ch.Close() }

// CloseSimulation asks the server to end the simulation. The channel stays
// open; callers close it afterwards.
func (c *Client) CloseSimulation(ctx context.Context) error {
	d, err := c.ch.Query(ctx, CmdClose, nil)
	if err != nil {
		return err
	}
	if !d.EOF() {
		return c.ch.fail(ctx, CmdClose, 0, "", fmt.Errorf("%w: result returned for close", ErrProtocol))
	}
	return nil
}

// Version is the server's answer to the version handshake.
type Version struct {
	APIVersion    int32
	ServerVersion string
}

// GetVersion performs the version handshake.
func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	d, err := c.ch.Query(ctx, CmdGetVersion, nil)
	if err != nil {
		return Version{}, err
	}
	v, err := decodeVersion(d)
	if err != nil {
		return Version{}, c.ch.fail(ctx, CmdGetVersion, 0, "", err)
	}
	return v, nil
}

func decodeVersion(d *wire.Decoder) (Version, error) {
	h, body, err := d.ReadCommand()
	if err != nil {
		return Version{}, classifyDecodeError(err)
	}
	if h.ID != CmdGetVersion {
		return Version{}, fmt.Errorf("%w: version response id 0x%02x", ErrProtocol, h.ID)
	}
	var v Version
	if v.APIVersion, err = body.ReadInt32(); err != nil {
		return Version{}, classifyDecodeError(err)
	}
	if v.ServerVersion, err = body.ReadString(); err != nil {
		return Version{}, classifyDecodeError(err)
	}
	if !d.EOF() {
		return Version{}, fmt.Errorf("%w: trailing bytes after version", ErrProtocol)
	}
	return v, nil
}

// CheckVersion runs the handshake and rejects any API version other than
// SupportedAPIVersion. A mismatch breaks the channel.
func (c *Client) CheckVersion(ctx context.Context) (Version, error) {
	v, err := c.GetVersion(ctx)
	if err != nil {
		return v, err
	}
	if v.APIVersion != SupportedAPIVersion {
		return v, c.ch.fail(ctx, CmdGetVersion, 0, "", fmt.Errorf("%w: server speaks %d (%s), client speaks %d",
			ErrUnsupportedVersion, v.APIVersion, v.ServerVersion, SupportedAPIVersion))
	}
	return v, nil
}

// NetBounds returns the road network's bounding box.
func (c *Client) NetBounds(ctx context.Context) (model.NetworkBounds, error) {
	v, err := c.ch.Get(ctx, CmdGetSimVariable, SimulationObjectID, VarNetBoundingBox, wire.TypeBoundingBox)
	return v.Bounds, err
}

// ---- vehicle setters ----

func (c *Client) SetSpeedMode(ctx context.Context, vehicleID string, bitset int32) error {
	e := wire.NewEncoder()
	e.WriteTypedInt32(bitset)
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, VarSpeedMode, e.Bytes())
}

func (c *Client) SetSpeed(ctx context.Context, vehicleID string, speed float64) error {
	e := wire.NewEncoder()
	e.WriteTypedFloat64(speed)
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, VarSpeed, e.Bytes())
}

func (c *Client) SetColor(ctx context.Context, vehicleID string, color model.Color) error {
	e := wire.NewEncoder()
	e.WriteTypedColor(color)
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, VarColor, e.Bytes())
}

// SlowDown reduces the vehicle's speed to speed over d.
func (c *Client) SlowDown(ctx context.Context, vehicleID string, speed float64, d time.Duration) error {
	e := wire.NewEncoder()
	e.WriteCompoundHeader(2)
	e.WriteTypedFloat64(speed)
	e.WriteTypedInt32(int32(d.Milliseconds()))
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, CmdSlowDown, e.Bytes())
}

// NewRoute changes the vehicle's destination edge.
func (c *Client) NewRoute(ctx context.Context, vehicleID, roadID string) error {
	e := wire.NewEncoder()
	e.WriteTypedString(roadID)
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, CmdChangeTarget, e.Bytes())
}

// SetVehicleParking removes the vehicle from the road into a parking state.
func (c *Client) SetVehicleParking(ctx context.Context, vehicleID string) error {
	e := wire.NewEncoder()
	e.WriteTypedUint8(RemoveParking)
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, VarRemove, e.Bytes())
}

// ChangeRoute overrides the vehicle's travel time estimate for roadID and
// asks the server to reroute. A negative travelTime clears the override.
func (c *Client) ChangeRoute(ctx context.Context, vehicleID, roadID string, travelTime float64) error {
	e := wire.NewEncoder()
	if travelTime >= 0 {
		e.WriteCompoundHeader(4)
		e.WriteTypedInt32(0)
		e.WriteTypedInt32(math.MaxInt32)
		e.WriteTypedString(roadID)
		e.WriteTypedFloat64(travelTime)
	} else {
		e.WriteCompoundHeader(1)
		e.WriteTypedString(roadID)
	}
	if err := c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, VarEdgeTravelTime, e.Bytes()); err != nil {
		return err
	}

	e.Reset()
	e.WriteCompoundHeader(0)
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, CmdRerouteTravelTime, e.Bytes())
}

// StopNode asks the vehicle to stop at pos on roadID and lane for wait.
func (c *Client) StopNode(ctx context.Context, vehicleID, roadID string, pos float64, lane uint8, wait time.Duration) error {
	e := wire.NewEncoder()
	e.WriteCompoundHeader(4)
	e.WriteTypedString(roadID)
	e.WriteTypedFloat64(pos)
	e.WriteTypedUint8(lane)
	e.WriteTypedInt32(int32(wait.Milliseconds()))
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, CmdStop, e.Bytes())
}

// ChangeVehicleRoute replaces the vehicle's remaining route with edges.
func (c *Client) ChangeVehicleRoute(ctx context.Context, vehicleID string, edges []string) error {
	e := wire.NewEncoder()
	e.WriteTypedStringList(edges)
	return c.ch.Set(ctx, CmdSetVehicleVariable, vehicleID, VarRoute, e.Bytes())
}

// AddVehicle asks the server to insert a vehicle. A non-OK status is
// reported as ErrInsertionRejected wrapping the CommandError.
func (c *Client) AddVehicle(ctx context.Context, req model.InsertionRequest) error {
	e := wire.NewEncoder()
	e.WriteCompoundHeader(6)
	e.WriteTypedString(req.TypeID)
	e.WriteTypedString(req.RouteID)
	e.WriteTypedInt32(req.DepartTimeMs())
	e.WriteTypedFloat64(req.DepartPosition)
	e.WriteTypedFloat64(req.DepartSpeed)
	e.WriteTypedInt8(req.DepartLane)

	err := c.ch.Set(ctx, CmdSetVehicleVariable, req.VehicleID, VarAdd, e.Bytes())
	if IsCommandError(err) {
		return fmt.Errorf("%w: %s: %w", ErrInsertionRejected, req.VehicleID, err)
	}
	return err
}

// ---- vehicle getters ----

func (c *Client) VehicleRoadID(ctx context.Context, vehicleID string) (string, error) {
	return c.ch.GetString(ctx, CmdGetVehicleVariable, vehicleID, VarRoadID)
}

// CurrentEdgeOnRoute returns the route edge the vehicle is on, which differs
// from its road id while it crosses a junction.
func (c *Client) CurrentEdgeOnRoute(ctx context.Context, vehicleID string) (string, error) {
	index, err := c.ch.GetInt(ctx, CmdGetVehicleVariable, vehicleID, VarRouteIndex)
	if err != nil {
		return "", err
	}
	edges, err := c.PlannedEdgeIDs(ctx, vehicleID)
	if err != nil {
		return "", err
	}
	if index < 0 || int(index) >= len(edges) {
		return c.VehicleRoadID(ctx, vehicleID)
	}
	return edges[index], nil
}

func (c *Client) VehicleLaneID(ctx context.Context, vehicleID string) (string, error) {
	return c.ch.GetString(ctx, CmdGetVehicleVariable, vehicleID, VarLaneID)
}

func (c *Client) VehicleLanePosition(ctx context.Context, vehicleID string) (float64, error) {
	return c.ch.GetDouble(ctx, CmdGetVehicleVariable, vehicleID, VarLanePosition)
}

func (c *Client) VehicleLaneIndex(ctx context.Context, vehicleID string) (int32, error) {
	return c.ch.GetInt(ctx, CmdGetVehicleVariable, vehicleID, VarLaneIndex)
}

func (c *Client) PlannedEdgeIDs(ctx context.Context, vehicleID string) ([]string, error) {
	return c.ch.GetStringList(ctx, CmdGetVehicleVariable, vehicleID, VarEdges)
}

func (c *Client) VehicleRouteID(ctx context.Context, vehicleID string) (string, error) {
	return c.ch.GetString(ctx, CmdGetVehicleVariable, vehicleID, VarRouteID)
}

func (c *Client) VehicleTypeID(ctx context.Context, vehicleID string) (string, error) {
	return c.ch.GetString(ctx, CmdGetVehicleVariable, vehicleID, VarType)
}

func (c *Client) VehicleTypeIDs(ctx context.Context) ([]string, error) {
	return c.ch.GetStringList(ctx, CmdGetVehicleTypeVariable, "", VarIDList)
}

// ---- routes and edges ----

func (c *Client) RouteIDs(ctx context.Context) ([]string, error) {
	return c.ch.GetStringList(ctx, CmdGetRouteVariable, "", VarIDList)
}

func (c *Client) RouteEdgeIDs(ctx context.Context, routeID string) ([]string, error) {
	return c.ch.GetStringList(ctx, CmdGetRouteVariable, routeID, VarEdges)
}

func (c *Client) EdgeCurrentTravelTime(ctx context.Context, edgeID string) (float64, error) {
	return c.ch.GetDouble(ctx, CmdGetEdgeVariable, edgeID, VarCurrentTravelTime)
}

func (c *Client) EdgeMeanSpeed(ctx context.Context, edgeID string) (float64, error) {
	return c.ch.GetDouble(ctx, CmdGetEdgeVariable, edgeID, VarLastStepMeanSpeed)
}

// ---- lanes and junctions ----

func (c *Client) LaneIDs(ctx context.Context) ([]string, error) {
	return c.ch.GetStringList(ctx, CmdGetLaneVariable, "", VarIDList)
}

func (c *Client) LaneShape(ctx context.Context, laneID string) ([]model.Coord, error) {
	return c.ch.GetCoordList(ctx, CmdGetLaneVariable, laneID, VarShape)
}

func (c *Client) LaneEdgeID(ctx context.Context, laneID string) (string, error) {
	return c.ch.GetString(ctx, CmdGetLaneVariable, laneID, VarLaneEdgeID)
}

func (c *Client) LaneLength(ctx context.Context, laneID string) (float64, error) {
	return c.ch.GetDouble(ctx, CmdGetLaneVariable, laneID, VarLength)
}

func (c *Client) LaneMaxSpeed(ctx context.Context, laneID string) (float64, error) {
	return c.ch.GetDouble(ctx, CmdGetLaneVariable, laneID, VarMaxSpeed)
}

func (c *Client) LaneMeanSpeed(ctx context.Context, laneID string) (float64, error) {
	return c.ch.GetDouble(ctx, CmdGetLaneVariable, laneID, VarLastStepMeanSpeed)
}

func (c *Client) JunctionIDs(ctx context.Context) ([]string, error) {
	return c.ch.GetStringList(ctx, CmdGetJunctionVariable, "", VarIDList)
}

func (c *Client) JunctionPosition(ctx context.Context, junctionID string) (model.Coord, error) {
	return c.ch.GetCoord(ctx, CmdGetJunctionVariable, junctionID, VarPosition)
}

// ---- traffic lights ----

func (c *Client) SetTrafficLightProgram(ctx context.Context, tlID, program string) error {
	e := wire.NewEncoder()
	e.WriteTypedString(program)
	return c.ch.Set(ctx, CmdSetTLVariable, tlID, VarTLProgram, e.Bytes())
}

func (c *Client) SetTrafficLightPhaseIndex(ctx context.Context, tlID string, index int32) error {
	e := wire.NewEncoder()
	e.WriteTypedInt32(index)
	return c.ch.Set(ctx, CmdSetTLVariable, tlID, VarTLPhaseIndex, e.Bytes())
}

// ---- polygons and points of interest ----

func (c *Client) PolygonIDs(ctx context.Context) ([]string, error) {
	return c.ch.GetStringList(ctx, CmdGetPolygonVariable, "", VarIDList)
}

func (c *Client) PolygonTypeID(ctx context.Context, polygonID string) (string, error) {
	return c.ch.GetString(ctx, CmdGetPolygonVariable, polygonID, VarType)
}

func (c *Client) PolygonShape(ctx context.Context, polygonID string) ([]model.Coord, error) {
	return c.ch.GetCoordList(ctx, CmdGetPolygonVariable, polygonID, VarShape)
}

func (c *Client) SetPolygonShape(ctx context.Context, polygonID string, points []model.Coord) error {
	e := wire.NewEncoder()
	e.WriteTypedPolygon(points)
	return c.ch.Set(ctx, CmdSetPolygonVariable, polygonID, VarShape, e.Bytes())
}

// Polygon describes a shape to add with AddPolygon.
type Polygon struct {
	ID     string
	Type   string
	Color  model.Color
	Filled bool
	Layer  int32
	Shape  []model.Coord
}

func (c *Client) AddPolygon(ctx context.Context, p Polygon) error {
	var filled uint8
	if p.Filled {
		filled = 1
	}
	e := wire.NewEncoder()
	e.WriteCompoundHeader(5)
	e.WriteTypedString(p.Type)
	e.WriteTypedColor(p.Color)
	e.WriteTypedUint8(filled)
	e.WriteTypedInt32(p.Layer)
	e.WriteTypedPolygon(p.Shape)
	return c.ch.Set(ctx, CmdSetPolygonVariable, p.ID, VarAdd, e.Bytes())
}

func (c *Client) RemovePolygon(ctx context.Context, polygonID string, layer int32) error {
	e := wire.NewEncoder()
	e.WriteTypedInt32(layer)
	return c.ch.Set(ctx, CmdSetPolygonVariable, polygonID, VarRemove, e.Bytes())
}

// POI describes a point of interest to add with AddPOI.
type POI struct {
	ID       string
	Type     string
	Color    model.Color
	Layer    int32
	Position model.Coord
}

func (c *Client) AddPOI(ctx context.Context, p POI) error {
	e := wire.NewEncoder()
	e.WriteCompoundHeader(4)
	e.WriteTypedString(p.Type)
	e.WriteTypedColor(p.Color)
	e.WriteTypedInt32(p.Layer)
	e.WriteTypedCoord(p.Position)
	return c.ch.Set(ctx, CmdSetPOIVariable, p.ID, VarAdd, e.Bytes())
}

func (c *Client) RemovePOI(ctx context.Context, poiID string, layer int32) error {
	e := wire.NewEncoder()
	e.WriteTypedInt32(layer)
	return c.ch.Set(ctx, CmdSetPOIVariable, poiID, VarRemove, e.Bytes())
}

// ---- simulation queries ----

// DistanceRequest returns the air or driving distance between two server
// positions.
func (c *Client) DistanceRequest(ctx context.Context, from, to model.Coord, driving bool) (float64, error) {
	mode := RequestAirDistance
	if driving {
		mode = RequestDrivingDistance
	}
	e := wire.NewEncoder()
	e.WriteCompoundHeader(3)
	e.WriteTypedCoord(from)
	e.WriteTypedCoord(to)
	e.WriteTypedUint8(mode)
	v, err := c.ch.GetWithParams(ctx, CmdGetSimVariable, SimulationObjectID, VarDistanceRequest, e.Bytes(), wire.TypeDouble)
	return v.Double, err
}

// PositionConversionLonLat converts a server position to geographic
// coordinates.
func (c *Client) PositionConversionLonLat(ctx context.Context, pos model.Coord) (model.LonLat, error) {
	e := wire.NewEncoder()
	e.WriteCompoundHeader(2)
	e.WriteTypedCoord(pos)
	e.WriteTypedUint8(wire.TypeLonLat)
	v, err := c.ch.GetWithParams(ctx, CmdGetSimVariable, SimulationObjectID, VarPositionConversion, e.Bytes(), wire.TypeLonLat)
	return v.LonLat, err
}

// IsRejected reports whether err is a refused vehicle insertion.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInsertionRejected)
}
