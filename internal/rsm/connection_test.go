package rsm

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/meshwire/rsmcast/internal/rsm/simnet"
)

func testKnobs() *TuningKnobs {
	k := &TuningKnobs{
		MTU:              256,
		PacketRate:       1000,
		AckFrequency:     4,
		NackDelay:        5 * time.Millisecond,
		DiscoveryTimeout: 5 * time.Millisecond,
		DiscoveryRounds:  4,
	}
	_ = ValidateTuningKnobs(k)
	return k
}

func connectPair(t *testing.T, group *simnet.Group) (*Connection, *Connection) {
	t.Helper()
	sockA, err := group.Join("a")
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	sockB, err := group.Join("b")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}

	log := NewDefaultLogger()
	a := NewConnection(sockA, testKnobs(), log)
	b := NewConnection(sockB, testKnobs(), log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.AcceptSync(ctx); err != nil {
		t.Fatalf("a discovery: %v", err)
	}
	if err := b.AcceptSync(ctx); err != nil {
		t.Fatalf("b discovery: %v", err)
	}
	return a, b
}

// S1: lossless group, one write, one read, exact bytes delivered.
func TestConnectionLosslessDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	group := simnet.NewGroup(1, 0)
	a, b := connectPair(t, group)
	defer a.Close()
	defer b.Close()

	// One write never carries more than PayloadSize*AckFrequency bytes
	// (spec §4.2 step 1); size the payload to exactly that so a single
	// Write delivers it whole instead of silently truncating it.
	knobs := testKnobs()
	payload := bytes.Repeat([]byte("x"), knobs.PayloadSize()*knobs.AckFrequency)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	readErr := make(chan error, 1)
	var got []byte
	go func() {
		data, _, err := b.ReadSync(ctx)
		got = data
		readErr <- err
	}()

	if _, err := a.Write(ctx, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := <-readErr; err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %d bytes, want %d bytes equal to payload", len(got), len(payload))
	}
}

// S2: lossy group, write still delivers exact bytes via NACK-driven retransmission.
func TestConnectionRecoversFromLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	group := simnet.NewGroup(2, 0.3)
	a, b := connectPair(t, group)
	defer a.Close()
	defer b.Close()

	knobs := testKnobs()
	payload := bytes.Repeat([]byte("y"), knobs.PayloadSize()*knobs.AckFrequency)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	readErr := make(chan error, 1)
	var got []byte
	go func() {
		data, _, err := b.ReadSync(ctx)
		got = data
		readErr <- err
	}()

	if _, err := a.Write(ctx, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := <-readErr; err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %d bytes, want %d bytes equal to payload under loss", len(got), len(payload))
	}
}

// A writer must be able to ReadSync its own write, the way the original
// routes self-loopback traffic through its own slot machinery instead of
// discarding it.
func TestConnectionReadsOwnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	group := simnet.NewGroup(4, 0)
	a, b := connectPair(t, group)
	defer a.Close()
	defer b.Close()

	payload := bytes.Repeat([]byte("s"), 500)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	selfRead := make(chan error, 1)
	var gotSelf []byte
	go func() {
		data, writer, err := a.ReadSync(ctx)
		gotSelf = data
		if err == nil && writer != a.GetID() {
			err = fmt.Errorf("delivered writer %d, want own id %d", writer, a.GetID())
		}
		selfRead <- err
	}()

	if _, err := a.Write(ctx, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := <-selfRead; err != nil {
		t.Fatalf("self read: %v", err)
	}
	if !bytes.Equal(gotSelf, payload) {
		t.Errorf("got %d bytes, want %d bytes equal to own write", len(gotSelf), len(payload))
	}
}

func TestConnectionCloseJoinsIOGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	group := simnet.NewGroup(3, 0)
	a, b := connectPair(t, group)

	if err := a.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}
	if a.State() != StateClosed {
		t.Errorf("state = %v, want closed", a.State())
	}
	_ = b.Close()
}
