// Package tracitest provides a scripted in-memory TraCI server for tests.
//
// The server keeps a small vehicle table, answers the handshake, bounds,
// subscription, step and vehicle-add commands, and pushes subscription
// results the way the real simulator does. Tests describe what happens at
// each step with a Step script and can override any command with a raw
// handler to inject malformed or mismatched responses.
package tracitest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/signalsfoundry/traci-sync/internal/traci"
	"github.com/signalsfoundry/traci-sync/internal/traci/wire"
	"github.com/signalsfoundry/traci-sync/model"
)

// Vehicle is the server-side state of one simulated vehicle.
type Vehicle struct {
	ID       string
	Road     string
	Position model.Coord
	Speed    float64
	Angle    float64
	Signals  int32
}

// Step scripts what happens when the server executes one SimStep. Steps are
// consumed in order, one per SimStep command.
type Step struct {
	Depart        []Vehicle
	Move          []Vehicle
	Arrive        []string
	TeleportStart []string
	TeleportEnd   []string
	ParkStart     []string
	ParkEnd       []string

	// Push lists vehicles to report regardless of subscription state, using
	// their last known values. It lets tests model a server that keeps
	// pushing for ids the client did not ask for.
	Push []Vehicle
}

// Handler answers one command with a raw response payload (status block
// plus results, without the outer length).
type Handler func(content []byte) []byte

// Server is a scripted TraCI peer.
type Server struct {
	mu sync.Mutex

	APIVersion    int32
	ServerVersion string
	Bounds        model.NetworkBounds
	RouteIDs      []string
	TypeIDs       []string

	// SpawnRoad and SpawnPosition place vehicles created by vehicle-add.
	SpawnRoad     string
	SpawnPosition model.Coord

	// RejectAdd refuses vehicle-add for the listed ids.
	RejectAdd map[string]bool

	steps    []Step
	stepIdx  int
	vehicles map[string]*Vehicle
	subs     map[string][]byte
	simSubs  []byte
	pending  []Vehicle
	handlers map[byte]Handler

	commands []byte
	added    []string
	closed   bool
	errs     []error
	conns    []net.Conn
}

// NewServer returns a server with the supported API version and a
// 1000x1000 network.
func NewServer() *Server {
	return &Server{
		APIVersion:    traci.SupportedAPIVersion,
		ServerVersion: "tracitest",
		Bounds:        model.NetworkBounds{Lower: model.Coord{}, Upper: model.Coord{X: 1000, Y: 1000}},
		RejectAdd:     make(map[string]bool),
		vehicles:      make(map[string]*Vehicle),
		subs:          make(map[string][]byte),
		handlers:      make(map[byte]Handler),
	}
}

// Script appends steps to the script.
func (s *Server) Script(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Seed places vehicles on the network without reporting a departure.
func (s *Server) Seed(vs ...Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vs {
		v := v
		s.vehicles[v.ID] = &v
	}
}

// Handle overrides the response for cmd.
func (s *Server) Handle(cmd byte, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// Pipe starts serving one end of an in-memory connection and returns the
// other end for the client.
func (s *Server) Pipe() traci.Transport {
	client, server := net.Pipe()
	s.mu.Lock()
	s.conns = append(s.conns, server)
	s.mu.Unlock()
	go s.Serve(server)
	return client
}

// Dial satisfies the engine's dialer signature.
func (s *Server) Dial(context.Context) (traci.Transport, error) {
	return s.Pipe(), nil
}

// Close drops every served connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Commands returns the command ids received so far, in order.
func (s *Server) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands...)
}

// Added returns the ids accepted by vehicle-add.
func (s *Server) Added() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.added...)
}

// Subscribed returns the variables subscribed for a vehicle.
func (s *Server) Subscribed(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.subs[id]...)
}

// Closed reports whether the client sent the close command.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the first internal error the server hit.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Serve answers messages on conn until it is closed.
func (s *Server) Serve(conn io.ReadWriteCloser) {
	defer conn.Close()
	for {
		payload, err := wire.ReadMessage(conn, 0)
		if err != nil {
			return
		}
		d := wire.NewDecoder(payload)
		var out []byte
		for !d.EOF() {
			h, content, err := d.ReadCommand()
			if err != nil {
				s.fail(err)
				return
			}
			raw, _ := content.ReadBytes(content.Remaining())
			out = append(out, s.dispatch(h.ID, raw)...)
		}
		if err := wire.WriteMessage(conn, out); err != nil {
			return
		}
	}
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *Server) dispatch(cmd byte, content []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	if h, ok := s.handlers[cmd]; ok {
		return h(content)
	}

	d := wire.NewDecoder(content)
	switch cmd {
	case traci.CmdGetVersion:
		e := wire.NewEncoder()
		e.WriteInt32(s.APIVersion)
		e.WriteString(s.ServerVersion)
		return append(Status(cmd, traci.StatusOK, ""), wire.EncodeCommand(cmd, e.Bytes())...)
	case traci.CmdClose:
		s.closed = true
		return Status(cmd, traci.StatusOK, "")
	case traci.CmdSimStep:
		target, _ := d.ReadInt32()
		return s.step(target)
	case traci.CmdSubscribeSimVariable:
		return s.subscribeSim(d)
	case traci.CmdSubscribeVehicleVariable:
		return s.subscribeVehicle(d)
	case traci.CmdSetVehicleVariable:
		return s.setVehicle(d)
	case traci.CmdGetSimVariable, traci.CmdGetRouteVariable, traci.CmdGetVehicleTypeVariable, traci.CmdGetVehicleVariable:
		return s.get(cmd, d)
	}
	return Status(cmd, traci.StatusNotImplemented, "not scripted")
}

func (s *Server) get(cmd byte, d *wire.Decoder) []byte {
	variable, _ := d.ReadUint8()
	id, _ := d.ReadString()
	e := wire.NewEncoder()
	switch {
	case cmd == traci.CmdGetSimVariable && variable == traci.VarNetBoundingBox:
		e.WriteUint8(wire.TypeBoundingBox)
		e.WriteCoord(s.Bounds.Lower)
		e.WriteCoord(s.Bounds.Upper)
	case cmd == traci.CmdGetRouteVariable && variable == traci.VarIDList:
		e.WriteTypedStringList(s.RouteIDs)
	case cmd == traci.CmdGetVehicleTypeVariable && variable == traci.VarIDList:
		e.WriteTypedStringList(s.TypeIDs)
	case cmd == traci.CmdGetVehicleVariable && variable == traci.VarRoadID:
		v, ok := s.vehicles[id]
		if !ok {
			return Status(cmd, traci.StatusError, fmt.Sprintf("Vehicle '%s' is not known", id))
		}
		e.WriteTypedString(v.Road)
	default:
		return Status(cmd, traci.StatusNotImplemented, "not scripted")
	}
	return append(Status(cmd, traci.StatusOK, ""), Result(cmd, variable, id, e.Bytes())...)
}

func readSubscription(d *wire.Decoder) (string, []byte) {
	_, _ = d.ReadInt32()
	_, _ = d.ReadInt32()
	id, _ := d.ReadString()
	n, _ := d.ReadUint8()
	vars, _ := d.ReadBytes(int(n))
	return id, vars
}

func (s *Server) subscribeSim(d *wire.Decoder) []byte {
	id, vars := readSubscription(d)
	s.simSubs = vars
	out := Status(traci.CmdSubscribeSimVariable, traci.StatusOK, "")
	return append(out, s.simResult(id, nil, 0)...)
}

func (s *Server) subscribeVehicle(d *wire.Decoder) []byte {
	id, vars := readSubscription(d)
	v, ok := s.vehicles[id]
	if !ok {
		return Status(traci.CmdSubscribeVehicleVariable, traci.StatusError, fmt.Sprintf("Referenced vehicle '%s' does not exist.", id))
	}
	out := Status(traci.CmdSubscribeVehicleVariable, traci.StatusOK, "")
	if len(vars) == 0 {
		delete(s.subs, id)
		return out
	}
	s.subs[id] = vars
	return append(out, VehicleResult(*v, vars)...)
}

func (s *Server) setVehicle(d *wire.Decoder) []byte {
	variable, _ := d.ReadUint8()
	id, _ := d.ReadString()
	if variable != traci.VarAdd {
		if _, ok := s.vehicles[id]; !ok {
			return Status(traci.CmdSetVehicleVariable, traci.StatusError, fmt.Sprintf("Vehicle '%s' is not known", id))
		}
		return Status(traci.CmdSetVehicleVariable, traci.StatusOK, "")
	}
	if s.RejectAdd[id] {
		return Status(traci.CmdSetVehicleVariable, traci.StatusError, fmt.Sprintf("Invalid departure for vehicle '%s'", id))
	}
	if _, ok := s.vehicles[id]; ok {
		return Status(traci.CmdSetVehicleVariable, traci.StatusError, fmt.Sprintf("The vehicle '%s' to add already exists.", id))
	}
	s.added = append(s.added, id)
	s.pending = append(s.pending, Vehicle{ID: id, Road: s.SpawnRoad, Position: s.SpawnPosition})
	return Status(traci.CmdSetVehicleVariable, traci.StatusOK, "")
}

func (s *Server) step(target int32) []byte {
	var st Step
	if s.stepIdx < len(s.steps) {
		st = s.steps[s.stepIdx]
	}
	s.stepIdx++

	departed := make([]string, 0, len(st.Depart)+len(s.pending))
	for _, v := range append(s.pending, st.Depart...) {
		v := v
		s.vehicles[v.ID] = &v
		departed = append(departed, v.ID)
	}
	s.pending = nil
	for _, m := range st.Move {
		m := m
		s.vehicles[m.ID] = &m
	}
	for _, id := range st.Arrive {
		delete(s.vehicles, id)
		delete(s.subs, id)
	}

	events := map[byte][]string{
		traci.VarDepartedVehicleIDs:         departed,
		traci.VarArrivedVehicleIDs:          st.Arrive,
		traci.VarTeleportStartingVehicleIDs: st.TeleportStart,
		traci.VarTeleportEndingVehicleIDs:   st.TeleportEnd,
		traci.VarParkingStartingVehicleIDs:  st.ParkStart,
		traci.VarParkingEndingVehicleIDs:    st.ParkEnd,
	}

	var results [][]byte
	if len(s.simSubs) > 0 {
		results = append(results, s.simResult("", events, target))
	}
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if v, ok := s.vehicles[id]; ok {
			results = append(results, VehicleResult(*v, s.subs[id]))
		}
	}
	for _, v := range st.Push {
		results = append(results, VehicleResult(v, traci.TrackingVariables))
	}

	e := wire.NewEncoder()
	e.WriteInt32(int32(len(results)))
	for _, r := range results {
		e.WriteBytes(r)
	}
	return append(Status(traci.CmdSimStep, traci.StatusOK, ""), e.Bytes()...)
}

func (s *Server) simResult(id string, events map[byte][]string, timeMs int32) []byte {
	e := wire.NewEncoder()
	e.WriteString(id)
	e.WriteUint8(uint8(len(s.simSubs)))
	for _, v := range s.simSubs {
		e.WriteUint8(v)
		e.WriteUint8(traci.StatusOK)
		if v == traci.VarTimeStep {
			e.WriteTypedInt32(timeMs)
			continue
		}
		e.WriteTypedStringList(events[v])
	}
	return wire.EncodeCommand(traci.ResponseSubscribeSimVariable, e.Bytes())
}

// Status builds a status block.
func Status(cmd, status byte, description string) []byte {
	e := wire.NewEncoder()
	e.WriteUint8(status)
	e.WriteString(description)
	return wire.EncodeCommand(cmd, e.Bytes())
}

// Result builds a get-command result block. typed must start with its type
// tag.
func Result(cmd, variable byte, objectID string, typed []byte) []byte {
	e := wire.NewEncoder()
	e.WriteUint8(variable)
	e.WriteString(objectID)
	e.WriteBytes(typed)
	return wire.EncodeCommand(traci.ResponseID(cmd), e.Bytes())
}

// VehicleResult builds a vehicle subscription result carrying vars.
func VehicleResult(v Vehicle, vars []byte) []byte {
	e := wire.NewEncoder()
	e.WriteString(v.ID)
	e.WriteUint8(uint8(len(vars)))
	for _, variable := range vars {
		e.WriteUint8(variable)
		e.WriteUint8(traci.StatusOK)
		switch variable {
		case traci.VarRoadID:
			e.WriteTypedString(v.Road)
		case traci.VarPosition:
			e.WriteTypedCoord(v.Position)
		case traci.VarSpeed:
			e.WriteTypedFloat64(v.Speed)
		case traci.VarAngle:
			e.WriteTypedFloat64(v.Angle)
		case traci.VarSignals:
			e.WriteTypedInt32(v.Signals)
		default:
			e.WriteTypedInt32(0)
		}
	}
	return wire.EncodeCommand(traci.ResponseSubscribeVehicleVariable, e.Bytes())
}
