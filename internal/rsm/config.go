package rsm

import (
	"fmt"
	"time"
)

// TuningKnobs holds the eight configuration values of the transport: MTU,
// packet send rate, window/ack frequency, NAK coalescing delay, the
// discovery timeout and round count, the ACKREQ timeout and the timeout
// limit.
type TuningKnobs struct {
	// MTU bounds the size of one fragment's wire datagram, payload plus
	// DataHeaderSize. Defaults to 1470, just under the 1472 bytes left of
	// an Ethernet MTU once the IP and UDP headers are taken off.
	MTU int

	// PacketRate is the steady-state number of fragments per second a
	// writer paces itself to, before rate adaptation kicks in (§4.6).
	PacketRate int

	// AckFrequency is the number of fragments buffered per reassembly
	// slot before an ACK becomes due (spec §3's "ackFreq").
	AckFrequency int

	// NackDelay is how long the writer's repeat loop collects incoming
	// NAKs before retransmitting the union of their ranges,
	// RSP_NACK_DELAY in spec §4.2.
	NackDelay time.Duration

	// DiscoveryTimeout is the tick interval of both discovery phases
	// (§4.4): one Hello per tick in phase A, one COUNT per tick in phase B.
	DiscoveryTimeout time.Duration

	// DiscoveryRounds is how many DiscoveryTimeout ticks phase A waits,
	// with no Deny in the last tick, before claiming its candidate ID.
	// Phase B does not use it and has no round limit.
	DiscoveryRounds int

	// AckTimeout is how long a writer waits for a response to an ACKREQ
	// before re-sending it, RSP_ACK_TIMEOUT in spec §6.
	AckTimeout time.Duration

	// MaxTimeouts bounds how many AckTimeout periods a write may wait for
	// every known reader to ACK; the write fails once more than
	// MaxTimeouts have passed, whether or not NAKs arrived in between.
	// RSP_MAX_TIMEOUTS in spec §6.
	MaxTimeouts int
}

// DefaultTuningKnobs returns the values the original names explicitly or
// implies via its constants.
func DefaultTuningKnobs() *TuningKnobs {
	return &TuningKnobs{
		MTU:              1470,
		PacketRate:       32,
		AckFrequency:     4,
		NackDelay:        2 * time.Millisecond,
		DiscoveryTimeout: 10 * time.Millisecond,
		DiscoveryRounds:  20,
		AckTimeout:       50 * time.Millisecond,
		MaxTimeouts:      5,
	}
}

// ValidateTuningKnobs checks the knobs for internal consistency, filling
// in defaults for anything left zero.
func ValidateTuningKnobs(k *TuningKnobs) error {
	defaults := DefaultTuningKnobs()

	if k.MTU == 0 {
		k.MTU = defaults.MTU
	}
	if k.MTU <= DataHeaderSize {
		return fmt.Errorf("rsm: MTU %d too small, must exceed header size %d", k.MTU, DataHeaderSize)
	}

	if k.PacketRate == 0 {
		k.PacketRate = defaults.PacketRate
	}
	if k.PacketRate < 0 {
		return fmt.Errorf("rsm: PacketRate must be positive, got %d", k.PacketRate)
	}

	if k.AckFrequency == 0 {
		k.AckFrequency = defaults.AckFrequency
	}
	if k.AckFrequency < 0 {
		return fmt.Errorf("rsm: AckFrequency must be positive, got %d", k.AckFrequency)
	}

	if k.NackDelay == 0 {
		k.NackDelay = defaults.NackDelay
	}

	if k.DiscoveryTimeout == 0 {
		k.DiscoveryTimeout = defaults.DiscoveryTimeout
	}

	if k.DiscoveryRounds == 0 {
		k.DiscoveryRounds = defaults.DiscoveryRounds
	}
	if k.DiscoveryRounds < 0 {
		return fmt.Errorf("rsm: DiscoveryRounds must be positive, got %d", k.DiscoveryRounds)
	}

	if k.AckTimeout == 0 {
		k.AckTimeout = defaults.AckTimeout
	}
	if k.AckTimeout < 0 {
		return fmt.Errorf("rsm: AckTimeout must be positive, got %v", k.AckTimeout)
	}

	if k.MaxTimeouts == 0 {
		k.MaxTimeouts = defaults.MaxTimeouts
	}
	if k.MaxTimeouts < 0 {
		return fmt.Errorf("rsm: MaxTimeouts must be positive, got %d", k.MaxTimeouts)
	}

	return nil
}

// PayloadSize is the number of fragment bytes that fit under MTU once the
// DATA header is accounted for.
func (k *TuningKnobs) PayloadSize() int {
	return k.MTU - DataHeaderSize
}
