package traci

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/signalsfoundry/traci-sync/internal/logging"
)

// Transport is an established, blocking byte stream to the simulator.
// *net.TCPConn satisfies it.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// DialConfig controls how Dial reaches the simulator.
type DialConfig struct {
	Address string

	// InitialInterval and MaxInterval shape the exponential backoff between
	// attempts; MaxElapsed bounds the whole retry loop. Zero values use the
	// defaults below.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration

	Log logging.Logger
}

const (
	defaultDialInitial    = 100 * time.Millisecond
	defaultDialMax        = 2 * time.Second
	defaultDialMaxElapsed = 30 * time.Second
)

// Dial connects to the simulator, retrying with exponential backoff while the
// server is not yet accepting connections. It is commonly launched alongside
// the client and may take a moment to open its port.
func Dial(ctx context.Context, cfg DialConfig) (Transport, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address is empty")
	}
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = durationOr(cfg.InitialInterval, defaultDialInitial)
	b.MaxInterval = durationOr(cfg.MaxInterval, defaultDialMax)

	var dialer net.Dialer
	attempts := 0
	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		attempts++
		return dialer.DialContext(ctx, "tcp", cfg.Address)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(durationOr(cfg.MaxElapsed, defaultDialMaxElapsed)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug(ctx, "simulator not reachable yet",
				logging.String("address", cfg.Address),
				logging.Int("attempt", attempts),
				logging.String("retry_in", next.String()),
				logging.Err(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s after %d attempts: %w", ErrTransport, cfg.Address, attempts, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	log.Info(ctx, "connected to simulator", logging.String("address", cfg.Address), logging.Int("attempts", attempts))
	return conn, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
