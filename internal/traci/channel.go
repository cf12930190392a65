package traci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/traci-sync/internal/logging"
	"github.com/signalsfoundry/traci-sync/internal/traci/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/traci-sync/internal/traci"

// Command outcomes reported to a CommandRecorder.
const (
	OutcomeOK          = "ok"
	OutcomeCommandFail = "command_error"
	OutcomeFatal       = "fatal"
)

// CommandRecorder receives one observation per exchange.
type CommandRecorder interface {
	ObserveCommand(command byte, outcome string, d time.Duration)
}

// Result is the decoded result block of a get command.
type Result struct {
	Command  byte
	Variable byte
	ObjectID string
	Value    wire.Value
}

// Channel issues commands over a Transport one at a time and validates every
// response against its request.
type Channel struct {
	mu sync.Mutex

	conn       Transport
	broken     error
	maxMessage int

	log     logging.Logger
	metrics CommandRecorder
	tracer  trace.Tracer
}

// ChannelOption customises Channel construction.
type ChannelOption func(*Channel)

// WithChannelLogger attaches a logger for command failures.
func WithChannelLogger(l logging.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCommandRecorder attaches a per-command metrics sink.
func WithCommandRecorder(r CommandRecorder) ChannelOption {
	return func(c *Channel) {
		c.metrics = r
	}
}

// WithMaxMessageSize bounds inbound messages.
func WithMaxMessageSize(n int) ChannelOption {
	return func(c *Channel) {
		c.maxMessage = n
	}
}

// NewChannel wraps an established transport.
func NewChannel(conn Transport, opts ...ChannelOption) (*Channel, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn is nil")
	}
	c := &Channel{
		conn:       conn,
		maxMessage: wire.MaxMessageSize,
		log:        logging.Noop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Usable reports whether the channel can still carry commands.
func (c *Channel) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken == nil
}

// Err returns the error that broke the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Close tears down the transport. Further commands fail with ErrChannelBroken.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = ErrChannelBroken
	return c.conn.Close()
}

// Query sends one command with raw content and returns a decoder positioned
// after the OK status block. A non-OK status yields *CommandError and leaves
// the channel usable; anything else that goes wrong breaks the channel.
func (c *Channel) Query(ctx context.Context, cmd byte, content []byte) (*wire.Decoder, error) {
	return c.exchange(ctx, cmd, 0, "", content)
}

func (c *Channel) exchange(ctx context.Context, cmd, variable byte, objectID string, content []byte) (*wire.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "traci.command", trace.WithAttributes(
		attribute.Int("traci.command", int(cmd)),
		attribute.Int("traci.variable", int(variable)),
		attribute.String("traci.object_id", objectID),
	))
	defer span.End()
	start := time.Now()

	if c.broken != nil {
		err := &FatalError{Command: cmd, Variable: variable, ObjectID: objectID, Err: ErrChannelBroken}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	d, err := c.roundTrip(cmd, content)
	switch {
	case err == nil:
		c.observe(cmd, OutcomeOK, start)
		return d, nil
	case IsCommandError(err):
		c.observe(cmd, OutcomeCommandFail, start)
		span.RecordError(err)
		c.log.Warn(ctx, "simulator rejected command",
			logging.String("command", fmt.Sprintf("0x%02x", cmd)),
			logging.String("variable", fmt.Sprintf("0x%02x", variable)),
			logging.String("object_id", objectID),
			logging.Err(err),
		)
		return nil, err
	default:
		c.observe(cmd, OutcomeFatal, start)
		fatal := c.failLocked(ctx, cmd, variable, objectID, err)
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
		return nil, fatal
	}
}

func (c *Channel) roundTrip(cmd byte, content []byte) (*wire.Decoder, error) {
	if err := wire.WriteMessage(c.conn, wire.EncodeCommand(cmd, content)); err != nil {
		return nil, fmt.Errorf("%w: send: %w", ErrTransport, err)
	}
	payload, err := wire.ReadMessage(c.conn, c.maxMessage)
	if err != nil {
		if errors.Is(err, wire.ErrInvalidLength) || errors.Is(err, wire.ErrMessageTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		return nil, fmt.Errorf("%w: receive: %w", ErrTransport, err)
	}

	d := wire.NewDecoder(payload)
	h, status, err := d.ReadCommand()
	if err != nil {
		return nil, classifyDecodeError(err)
	}
	if h.ID != cmd {
		return nil, fmt.Errorf("%w: status block echoes command 0x%02x, sent 0x%02x", ErrProtocol, h.ID, cmd)
	}
	code, err := status.ReadUint8()
	if err != nil {
		return nil, classifyDecodeError(err)
	}
	description, err := status.ReadString()
	if err != nil {
		return nil, classifyDecodeError(err)
	}
	if code != StatusOK {
		return nil, &CommandError{Command: cmd, Status: code, Description: description}
	}
	return d, nil
}

func (c *Channel) failLocked(ctx context.Context, cmd, variable byte, objectID string, err error) *FatalError {
	fatal := &FatalError{Command: cmd, Variable: variable, ObjectID: objectID, Err: err}
	c.broken = fatal
	if cerr := c.conn.Close(); cerr != nil {
		c.log.Debug(ctx, "closing transport after fatal error", logging.Err(cerr))
	}
	c.log.Error(ctx, "traci session broken",
		logging.String("command", fmt.Sprintf("0x%02x", cmd)),
		logging.String("variable", fmt.Sprintf("0x%02x", variable)),
		logging.String("object_id", objectID),
		logging.Err(err),
	)
	return fatal
}

// fail breaks the channel from outside an exchange, used when a caller finds
// a desync while decoding a response it already received.
func (c *Channel) fail(ctx context.Context, cmd, variable byte, objectID string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		var fe *FatalError
		if errors.As(c.broken, &fe) {
			return fe
		}
		return &FatalError{Command: cmd, Variable: variable, ObjectID: objectID, Err: c.broken}
	}
	c.observe(cmd, OutcomeFatal, time.Now())
	return c.failLocked(ctx, cmd, variable, objectID, err)
}

func (c *Channel) observe(cmd byte, outcome string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveCommand(cmd, outcome, time.Since(start))
	}
}

func isGetCommand(cmd byte) bool {
	return cmd >= 0xa0 && cmd <= 0xaf
}

// Execute sends [variable][objectID][payload] under cmd. For get commands the
// single result block is validated (response id, variable and object echo)
// and decoded; for every other command the response must hold no result.
func (c *Channel) Execute(ctx context.Context, cmd byte, objectID string, variable byte, payload []byte) (*Result, error) {
	e := wire.NewEncoder()
	e.WriteUint8(variable)
	e.WriteString(objectID)
	e.WriteBytes(payload)

	d, err := c.exchange(ctx, cmd, variable, objectID, e.Bytes())
	if err != nil {
		return nil, err
	}
	if !isGetCommand(cmd) {
		if !d.EOF() {
			return nil, c.fail(ctx, cmd, variable, objectID, fmt.Errorf("%w: %d unexpected bytes after status", ErrProtocol, d.Remaining()))
		}
		return nil, nil
	}

	res, err := decodeResult(d, cmd, variable, objectID)
	if err != nil {
		return nil, c.fail(ctx, cmd, variable, objectID, err)
	}
	return res, nil
}

func decodeResult(d *wire.Decoder, cmd, variable byte, objectID string) (*Result, error) {
	h, body, err := d.ReadCommand()
	if err != nil {
		return nil, classifyDecodeError(err)
	}
	if want := ResponseID(cmd); h.ID != want {
		return nil, fmt.Errorf("%w: response id 0x%02x, want 0x%02x", ErrProtocol, h.ID, want)
	}
	gotVar, err := body.ReadUint8()
	if err != nil {
		return nil, classifyDecodeError(err)
	}
	if gotVar != variable {
		return nil, fmt.Errorf("%w: response variable 0x%02x, want 0x%02x", ErrProtocol, gotVar, variable)
	}
	gotObj, err := body.ReadString()
	if err != nil {
		return nil, classifyDecodeError(err)
	}
	if gotObj != objectID {
		return nil, fmt.Errorf("%w: response object %q, want %q", ErrProtocol, gotObj, objectID)
	}
	v, err := body.ReadTypedValue()
	if err != nil {
		return nil, classifyDecodeError(err)
	}
	if !body.EOF() || !d.EOF() {
		return nil, fmt.Errorf("%w: trailing bytes after result", ErrProtocol)
	}
	return &Result{Command: cmd, Variable: variable, ObjectID: objectID, Value: v}, nil
}
