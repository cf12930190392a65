package traci

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/traci/wire"
	"github.com/signalsfoundry/traci-sync/model"
)

// VariableResult is one variable inside a subscription result. When Status
// is not OK, Value is unset and Error carries the server's message.
type VariableResult struct {
	Variable byte
	Status   byte
	Value    wire.Value
	Error    string
}

// SubscriptionResult is one pushed bundle of variables for an object.
type SubscriptionResult struct {
	ResponseID byte
	ObjectID   string
	Variables  []VariableResult
}

// IsSimulation reports whether the result carries step-level events.
func (r SubscriptionResult) IsSimulation() bool {
	return r.ResponseID == ResponseSubscribeSimVariable
}

// DecodeSubscriptionResults reads count result commands from d.
func DecodeSubscriptionResults(d *wire.Decoder, count int) ([]SubscriptionResult, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative subscription result count %d", ErrFormat, count)
	}
	if count > d.Remaining()/2 {
		return nil, fmt.Errorf("%w: %d subscription results announced, %d bytes left", ErrFormat, count, d.Remaining())
	}
	results := make([]SubscriptionResult, 0, count)
	for i := 0; i < count; i++ {
		r, err := decodeSubscriptionResult(d)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func decodeSubscriptionResult(d *wire.Decoder) (SubscriptionResult, error) {
	h, body, err := d.ReadCommand()
	if err != nil {
		return SubscriptionResult{}, classifyDecodeError(err)
	}
	if h.ID != ResponseSubscribeVehicleVariable && h.ID != ResponseSubscribeSimVariable {
		return SubscriptionResult{}, fmt.Errorf("%w: unexpected subscription response id 0x%02x", ErrProtocol, h.ID)
	}
	r := SubscriptionResult{ResponseID: h.ID}
	if r.ObjectID, err = body.ReadString(); err != nil {
		return SubscriptionResult{}, classifyDecodeError(err)
	}
	n, err := body.ReadUint8()
	if err != nil {
		return SubscriptionResult{}, classifyDecodeError(err)
	}
	r.Variables = make([]VariableResult, 0, n)
	for i := 0; i < int(n); i++ {
		var v VariableResult
		if v.Variable, err = body.ReadUint8(); err != nil {
			return SubscriptionResult{}, classifyDecodeError(err)
		}
		if v.Status, err = body.ReadUint8(); err != nil {
			return SubscriptionResult{}, classifyDecodeError(err)
		}
		if v.Status == StatusOK {
			if v.Value, err = body.ReadTypedValue(); err != nil {
				return SubscriptionResult{}, classifyDecodeError(err)
			}
		} else {
			if _, err = body.ExpectType(wire.TypeString); err != nil {
				return SubscriptionResult{}, classifyDecodeError(err)
			}
			if v.Error, err = body.ReadString(); err != nil {
				return SubscriptionResult{}, classifyDecodeError(err)
			}
		}
		r.Variables = append(r.Variables, v)
	}
	if !body.EOF() {
		return SubscriptionResult{}, fmt.Errorf("%w: %d trailing bytes in subscription result for %q", ErrProtocol, body.Remaining(), r.ObjectID)
	}
	return r, nil
}

func encodeSubscription(objectID string, vars []byte) []byte {
	e := wire.NewEncoder()
	e.WriteInt32(SubscribeBegin)
	e.WriteInt32(SubscribeEnd)
	e.WriteString(objectID)
	e.WriteUint8(uint8(len(vars)))
	e.WriteBytes(vars)
	return e.Bytes()
}

// SimulationStep advances the server to targetMs and returns every
// subscription result pushed for that step.
func (c *Client) SimulationStep(ctx context.Context, targetMs int32) ([]SubscriptionResult, error) {
	e := wire.NewEncoder()
	e.WriteInt32(targetMs)
	d, err := c.ch.Query(ctx, CmdSimStep, e.Bytes())
	if err != nil {
		return nil, err
	}
	count, err := d.ReadInt32()
	if err != nil {
		return nil, c.ch.fail(ctx, CmdSimStep, 0, "", classifyDecodeError(err))
	}
	results, err := DecodeSubscriptionResults(d, int(count))
	if err == nil && !d.EOF() {
		err = fmt.Errorf("%w: %d trailing bytes after step results", ErrProtocol, d.Remaining())
	}
	if err != nil {
		return nil, c.ch.fail(ctx, CmdSimStep, 0, "", err)
	}
	return results, nil
}

// SubscribeSimulation subscribes to step-level variables and returns the
// immediate result.
func (c *Client) SubscribeSimulation(ctx context.Context, vars []byte) (SubscriptionResult, error) {
	return c.subscribe(ctx, CmdSubscribeSimVariable, ResponseSubscribeSimVariable, "", vars)
}

// SubscribeVehicle replaces the vehicle's subscription with vars and returns
// the immediate result.
func (c *Client) SubscribeVehicle(ctx context.Context, vehicleID string, vars []byte) (SubscriptionResult, error) {
	if len(vars) == 0 {
		return SubscriptionResult{}, fmt.Errorf("vars is empty")
	}
	return c.subscribe(ctx, CmdSubscribeVehicleVariable, ResponseSubscribeVehicleVariable, vehicleID, vars)
}

// UnsubscribeVehicle cancels every variable subscription for the vehicle.
func (c *Client) UnsubscribeVehicle(ctx context.Context, vehicleID string) error {
	d, err := c.ch.exchange(ctx, CmdSubscribeVehicleVariable, 0, vehicleID, encodeSubscription(vehicleID, nil))
	if err != nil {
		return err
	}
	if !d.EOF() {
		return c.ch.fail(ctx, CmdSubscribeVehicleVariable, 0, vehicleID, fmt.Errorf("%w: result returned for unsubscribe", ErrProtocol))
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, cmd, response byte, objectID string, vars []byte) (SubscriptionResult, error) {
	d, err := c.ch.exchange(ctx, cmd, 0, objectID, encodeSubscription(objectID, vars))
	if err != nil {
		return SubscriptionResult{}, err
	}
	r, err := decodeSubscriptionResult(d)
	if err == nil {
		switch {
		case r.ResponseID != response:
			err = fmt.Errorf("%w: subscription response id 0x%02x, want 0x%02x", ErrProtocol, r.ResponseID, response)
		case r.ObjectID != objectID:
			err = fmt.Errorf("%w: subscription response for %q, want %q", ErrProtocol, r.ObjectID, objectID)
		case !d.EOF():
			err = fmt.Errorf("%w: trailing bytes after subscription result", ErrProtocol)
		}
	}
	if err != nil {
		return SubscriptionResult{}, c.ch.fail(ctx, cmd, 0, objectID, err)
	}
	return r, nil
}

// UpdateField marks which variables a VehicleUpdate carries.
type UpdateField uint8

const (
	FieldRoad UpdateField = 1 << iota
	FieldPosition
	FieldSpeed
	FieldAngle
	FieldSignals
)

// VehicleUpdate is the merged per-step state pushed for one vehicle, still
// in server coordinates and degrees.
type VehicleUpdate struct {
	ID       string
	RoadID   string
	Position model.Coord
	Speed    float64
	Angle    float64
	Signals  model.VehicleSignal
	Fields   UpdateField
}

// Has reports whether every field in f was present.
func (u VehicleUpdate) Has(f UpdateField) bool {
	return u.Fields&f == f
}

// StepReport is the structured outcome of one step's subscription results.
type StepReport struct {
	// TimeStepMs is the server time reported by the simulation result, or -1
	// when no simulation result was present.
	TimeStepMs int32

	Departed         []string
	Arrived          []string
	TeleportStarting []string
	TeleportEnding   []string
	ParkingStarting  []string
	ParkingEnding    []string

	// Vehicles holds one update per id in order of first appearance.
	Vehicles []VehicleUpdate
	// Incomplete lists ids whose update is unusable for region checks.
	Incomplete []string
}

// Update returns the update for id, if any.
func (r *StepReport) Update(id string) (VehicleUpdate, bool) {
	return lo.Find(r.Vehicles, func(u VehicleUpdate) bool { return u.ID == id })
}

// SubscriptionProcessor turns raw subscription results into StepReports.
type SubscriptionProcessor struct {
	log logging.Logger
}

// NewSubscriptionProcessor returns a processor. A nil logger is replaced with
// a no-op logger.
func NewSubscriptionProcessor(log logging.Logger) *SubscriptionProcessor {
	if log == nil {
		log = logging.Noop()
	}
	return &SubscriptionProcessor{log: log}
}

// Process dispatches results into a StepReport. When expectMs is not
// negative, the simulation result's time step must equal it.
func (p *SubscriptionProcessor) Process(ctx context.Context, results []SubscriptionResult, expectMs int32) (*StepReport, error) {
	report := &StepReport{TimeStepMs: -1}
	index := make(map[string]int)
	failed := make(map[string]bool)

	for _, r := range results {
		if r.IsSimulation() {
			if err := p.processSimulation(r, report); err != nil {
				return nil, err
			}
			continue
		}
		u, bad, err := p.processVehicle(ctx, r)
		if err != nil {
			return nil, err
		}
		if bad {
			failed[r.ObjectID] = true
		}
		if i, ok := index[u.ID]; ok {
			report.Vehicles[i] = report.Vehicles[i].Merge(u)
			continue
		}
		index[u.ID] = len(report.Vehicles)
		report.Vehicles = append(report.Vehicles, u)
	}

	if expectMs >= 0 && report.TimeStepMs >= 0 && report.TimeStepMs != expectMs {
		return nil, fmt.Errorf("%w: server reached %d ms, requested %d ms", ErrProtocol, report.TimeStepMs, expectMs)
	}

	for _, u := range report.Vehicles {
		if failed[u.ID] || !u.Has(FieldRoad|FieldPosition) {
			report.Incomplete = append(report.Incomplete, u.ID)
		}
	}
	report.Departed = lo.Uniq(report.Departed)
	report.Arrived = lo.Uniq(report.Arrived)
	report.TeleportStarting = lo.Uniq(report.TeleportStarting)
	report.TeleportEnding = lo.Uniq(report.TeleportEnding)
	report.ParkingStarting = lo.Uniq(report.ParkingStarting)
	report.ParkingEnding = lo.Uniq(report.ParkingEnding)
	return report, nil
}

func (p *SubscriptionProcessor) processSimulation(r SubscriptionResult, report *StepReport) error {
	for _, v := range r.Variables {
		if v.Status != StatusOK {
			return fmt.Errorf("%w: simulation variable 0x%02x failed: %s", ErrProtocol, v.Variable, v.Error)
		}
		var target *[]string
		switch v.Variable {
		case VarTimeStep:
			if v.Value.Type != wire.TypeInteger {
				return simTypeError(v, wire.TypeInteger)
			}
			report.TimeStepMs = v.Value.Int
			continue
		case VarDepartedVehicleIDs:
			target = &report.Departed
		case VarArrivedVehicleIDs:
			target = &report.Arrived
		case VarTeleportStartingVehicleIDs:
			target = &report.TeleportStarting
		case VarTeleportEndingVehicleIDs:
			target = &report.TeleportEnding
		case VarParkingStartingVehicleIDs:
			target = &report.ParkingStarting
		case VarParkingEndingVehicleIDs:
			target = &report.ParkingEnding
		default:
			return fmt.Errorf("%w: unknown simulation variable 0x%02x", ErrProtocol, v.Variable)
		}
		if v.Value.Type != wire.TypeStringList {
			return simTypeError(v, wire.TypeStringList)
		}
		*target = append(*target, v.Value.Strings...)
	}
	return nil
}

func simTypeError(v VariableResult, want byte) error {
	return fmt.Errorf("%w: simulation variable 0x%02x has type %s, want %s",
		ErrProtocol, v.Variable, wire.TypeName(v.Value.Type), wire.TypeName(want))
}

// processVehicle decodes one vehicle bundle. bad is set when a variable
// carried a per-variable error; that is not fatal.
func (p *SubscriptionProcessor) processVehicle(ctx context.Context, r SubscriptionResult) (VehicleUpdate, bool, error) {
	u := VehicleUpdate{ID: r.ObjectID}
	bad := false
	for _, v := range r.Variables {
		if v.Status != StatusOK {
			p.log.Debug(ctx, "vehicle variable not delivered",
				logging.String("vehicle_id", r.ObjectID),
				logging.String("variable", fmt.Sprintf("0x%02x", v.Variable)),
				logging.String("reason", v.Error),
			)
			bad = true
			continue
		}
		var want []byte
		switch v.Variable {
		case VarRoadID:
			want = []byte{wire.TypeString}
			u.RoadID = v.Value.Text
			u.Fields |= FieldRoad
		case VarPosition:
			want = []byte{wire.TypePosition2D, wire.TypePosition3D}
			u.Position = v.Value.Coord
			u.Fields |= FieldPosition
		case VarSpeed:
			want = []byte{wire.TypeDouble}
			u.Speed = v.Value.Double
			u.Fields |= FieldSpeed
		case VarAngle:
			want = []byte{wire.TypeDouble}
			u.Angle = v.Value.Double
			u.Fields |= FieldAngle
		case VarSignals:
			want = []byte{wire.TypeInteger}
			u.Signals = model.VehicleSignal(v.Value.Int)
			u.Fields |= FieldSignals
		default:
			return VehicleUpdate{}, false, fmt.Errorf("%w: unknown vehicle variable 0x%02x for %q", ErrProtocol, v.Variable, r.ObjectID)
		}
		if !lo.Contains(want, v.Value.Type) {
			return VehicleUpdate{}, false, fmt.Errorf("%w: vehicle variable 0x%02x for %q has type %s",
				ErrProtocol, v.Variable, r.ObjectID, wire.TypeName(v.Value.Type))
		}
	}
	return u, bad, nil
}

// Merge applies the fields present in next over u; later values win.
func (u VehicleUpdate) Merge(next VehicleUpdate) VehicleUpdate {
	prev := u
	if next.Has(FieldRoad) {
		prev.RoadID = next.RoadID
	}
	if next.Has(FieldPosition) {
		prev.Position = next.Position
	}
	if next.Has(FieldSpeed) {
		prev.Speed = next.Speed
	}
	if next.Has(FieldAngle) {
		prev.Angle = next.Angle
	}
	if next.Has(FieldSignals) {
		prev.Signals = next.Signals
	}
	prev.Fields |= next.Fields
	return prev
}
