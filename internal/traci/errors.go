package traci

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/traci-sync/internal/traci/wire"
)

// Error classes. Fatal classes end the session: the channel closes its
// transport and refuses further commands.
var (
	// ErrFormat indicates a malformed or short buffer during decode.
	ErrFormat = errors.New("traci: malformed response")
	// ErrProtocol indicates a response that does not answer the issued request.
	ErrProtocol = errors.New("traci: protocol desync")
	// ErrTransport indicates the underlying connection failed.
	ErrTransport = errors.New("traci: transport failure")
	// ErrChannelBroken is returned for any command after a fatal error.
	ErrChannelBroken = fmt.Errorf("%w: channel unusable until reconnect", ErrProtocol)
	// ErrStaleSubscription indicates the server pushed results for a vehicle the
	// client holds no subscription for.
	ErrStaleSubscription = fmt.Errorf("%w: stale subscription", ErrProtocol)
	// ErrInsertionRejected indicates the server refused a vehicle-add.
	ErrInsertionRejected = errors.New("traci: vehicle insertion rejected")
	// ErrUnsupportedVersion indicates the server speaks a different API version.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported API version", ErrProtocol)
)

// CommandError is a well-formed response carrying a non-OK status. The
// connection stays usable.
type CommandError struct {
	Command     byte
	Status      byte
	Description string
}

func (e *CommandError) Error() string {
	kind := "error"
	if e.Status == StatusNotImplemented {
		kind = "not implemented"
	}
	return fmt.Sprintf("traci: command 0x%02x failed (%s, status 0x%02x): %s", e.Command, kind, e.Status, e.Description)
}

// FatalError records which exchange broke the session. It unwraps to one of
// ErrFormat, ErrProtocol or ErrTransport.
type FatalError struct {
	Command  byte
	Variable byte
	ObjectID string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("traci: command 0x%02x var 0x%02x object %q: %v", e.Command, e.Variable, e.ObjectID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err must end the synchronization session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFormat) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrTransport)
}

// IsCommandError reports whether err is a recoverable non-OK status.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// classifyDecodeError maps wire decode failures onto the session error
// classes. A wrong type tag means the peer answered something else; every
// other decode failure is a malformed buffer.
func classifyDecodeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFormat) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrTransport) {
		return err
	}
	if errors.Is(err, wire.ErrUnexpectedType) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", ErrFormat, err)
}
