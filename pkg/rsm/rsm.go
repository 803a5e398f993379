// Package rsm is the public entry point for the reliable sequenced
// multicast transport: join a group with Listen or Connect, then Write and
// ReadSync like any other reliable stream, minus ordering across writers.
package rsm

import (
	"context"
	"fmt"

	"github.com/meshwire/rsmcast/internal/rsm"
	"github.com/meshwire/rsmcast/internal/rsm/mcastsock"
)

// ConnectionID identifies one participant on the wire. Re-exported from
// the internal package so callers never need to import internal/rsm.
type ConnectionID = rsm.ConnectionID

// Logger is the leveled logging interface every subsystem of this module
// logs through. An hclog.Logger can be used through HCLogAdapter.
type Logger = rsm.Logger

// NewDefaultLogger returns the stdlib-backed logger used when a Config
// supplies none.
func NewDefaultLogger() *rsm.DefaultLogger { return rsm.NewDefaultLogger() }

// TuningKnobs are the protocol's tunable parameters (MTU, pacing rate,
// ack frequency, NAK coalescing delay, discovery timing).
type TuningKnobs = rsm.TuningKnobs

// DefaultTuningKnobs returns the knob values the original names or implies.
func DefaultTuningKnobs() *TuningKnobs { return rsm.DefaultTuningKnobs() }

// Config is the configuration a caller supplies to Listen/Connect.
type Config struct {
	// GroupAddress is the UDP multicast group and port, e.g. "224.0.1.10:7400".
	GroupAddress string

	// Interface optionally names the network interface to join the
	// group on; empty selects the default.
	Interface string

	// Knobs tunes the protocol; nil selects DefaultTuningKnobs().
	Knobs *TuningKnobs

	// Logger receives every subsystem's log output; nil selects
	// NewDefaultLogger().
	Logger Logger
}

// Default returns a Config ready to use once GroupAddress is filled in.
func Default() *Config {
	return &Config{
		Knobs:  DefaultTuningKnobs(),
		Logger: NewDefaultLogger(),
	}
}

// Validate fills in defaults for any zero fields and checks the rest.
func Validate(c *Config) error {
	if c.GroupAddress == "" {
		return fmt.Errorf("rsm: Config.GroupAddress must be set")
	}
	if c.Knobs == nil {
		c.Knobs = DefaultTuningKnobs()
	}
	if err := rsm.ValidateTuningKnobs(c.Knobs); err != nil {
		return err
	}
	if c.Logger == nil {
		c.Logger = NewDefaultLogger()
	}
	return nil
}

// Connection is one participant's handle onto the group: simultaneously a
// writer of its own sequence and a reader of everyone else's.
type Connection interface {
	// Write fragments and reliably multicasts buffer, blocking until
	// every known peer has acknowledged it, ctx is canceled or the ack
	// timeouts run out.
	Write(ctx context.Context, buffer []byte) (int, error)

	// ReadSync blocks for the next fully-reassembled message from any
	// writer in the group.
	ReadSync(ctx context.Context) ([]byte, ConnectionID, error)

	// AcceptSync blocks until peer discovery converges.
	AcceptSync(ctx context.Context) error

	// GetID returns this connection's assigned ConnectionID.
	GetID() ConnectionID

	// GetSendRate returns the writer's current pacing rate in
	// fragments per second.
	GetSendRate() int

	// Close shuts the connection down and waits for its I/O goroutine
	// to join before returning.
	Close() error
}

// Listen joins the multicast group described by cfg and starts discovery,
// returning as soon as the socket is open (not once discovery converges;
// call AcceptSync to wait for that).
func Listen(cfg *Config) (Connection, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	sock, err := mcastsock.Open(cfg.GroupAddress, cfg.Interface, cfg.Knobs.MTU)
	if err != nil {
		return nil, fmt.Errorf("rsm: listen: %w", err)
	}
	return rsm.NewConnection(sock, cfg.Knobs, cfg.Logger), nil
}

// Connect is Listen's peer-facing name: joining a multicast group to talk
// to peers already listening on it is the same operation either way, since
// there is no separate dial step in a multicast transport.
func Connect(cfg *Config) (Connection, error) {
	return Listen(cfg)
}
