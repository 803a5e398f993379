package rsm

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/meshwire/rsmcast/internal/rsm/simnet"
)

// Write must never hand a writer more than bufferSize =
// PayloadSize()*AckFrequency bytes to fragment in one call, per spec
// §4.2 step 1. With no reader in the group to ever ACK, the write fails
// once its ack timeouts run out, but the bytes actually fragmented and
// sent must still be clamped to bufferSize.
func TestWriteClampsToBufferSize(t *testing.T) {
	group := simnet.NewGroup(11, 0)
	sock, err := group.Join("solo")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer sock.Close()

	knobs := &TuningKnobs{
		MTU:              256,
		PacketRate:       1000,
		AckFrequency:     4,
		NackDelay:        time.Millisecond,
		DiscoveryTimeout: time.Millisecond,
		DiscoveryRounds:  1,
		AckTimeout:       5 * time.Millisecond,
		MaxTimeouts:      1,
	}
	if err := ValidateTuningKnobs(knobs); err != nil {
		t.Fatalf("validate knobs: %v", err)
	}

	w := newWriterEngine(1, knobs, sock, newPeerTable(), NewSendRateController(knobs), NewDefaultLogger())
	defer w.close()

	bufferSize := knobs.PayloadSize() * knobs.AckFrequency
	payload := bytes.Repeat([]byte("z"), bufferSize+500)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := w.Write(ctx, payload)
	if err != ErrMaxTimeoutsExceeded {
		t.Fatalf("err = %v, want ErrMaxTimeoutsExceeded (no reader ever acks)", err)
	}
	if n != bufferSize {
		t.Errorf("sent %d bytes, want exactly bufferSize %d", n, bufferSize)
	}
}
