package rsm

import (
	"testing"
	"time"
)

func TestInBufferAcquireRotatesSlots(t *testing.T) {
	buf := NewInBuffer(1, 8, 16)

	s0 := buf.acquire(0)
	s0.got[0] = true

	s1 := buf.acquire(0)
	if s1 != s0 {
		t.Fatal("acquiring the same sequence twice should return the same slot")
	}

	// A slot is only reused once its consumer has drained it.
	buf.release(0)

	for seq := uint16(1); seq <= inSlots; seq++ {
		buf.acquire(seq)
	}

	if _, _, ok := buf.slotFor(0); ok {
		t.Error("sequence 0 should have been rotated out after filling all slots")
	}
}

func TestInSlotComplete(t *testing.T) {
	s := newInSlot(4, 16)
	s.reset(1)
	if s.complete() {
		t.Fatal("empty slot should not be complete")
	}
	for i := range s.got {
		s.got[i] = true
	}
	if !s.complete() {
		t.Fatal("slot with every fragment received should be complete")
	}
}

func TestSlotGateWaitAndSignal(t *testing.T) {
	g := newSlotGate()
	woke := make(chan bool, 1)
	go func() { woke <- g.wait() }()

	time.Sleep(20 * time.Millisecond) // give the waiter time to reach cond.Wait
	g.signal()
	if !<-woke {
		t.Fatal("wait should return true after signal")
	}
}

func TestSlotGateWaitAfterClose(t *testing.T) {
	g := newSlotGate()
	g.close()
	if g.wait() {
		t.Fatal("wait should return false once the gate is closed")
	}
}

func TestInBufferAcquireBlocksUntilDrained(t *testing.T) {
	buf := NewInBuffer(1, 1, 8)
	for seq := uint16(0); seq < inSlots; seq++ {
		buf.acquire(seq)
	}

	done := make(chan struct{}, 1)
	go func() {
		buf.acquire(inSlots)
		done <- struct{}{}
	}()

	select {
	case <-done:
		t.Fatal("acquire should block until the oldest slot is drained")
	case <-time.After(20 * time.Millisecond):
	}

	buf.release(0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire should unblock once the oldest slot is released")
	}
}

func TestInBufferIsStaleRetransmit(t *testing.T) {
	buf := NewInBuffer(1, 1, 8)
	buf.acquire(5)
	buf.markAcked(5)

	if !buf.isStaleRetransmit(3) {
		t.Error("a sequence older than lastAcked and no longer in the ring should be stale")
	}
	if buf.isStaleRetransmit(5) {
		t.Error("the currently active sequence should not be considered stale")
	}
	if buf.isStaleRetransmit(6) {
		t.Error("a sequence newer than lastAcked should not be considered stale")
	}
}

func TestPeerTableUpsertAndRemove(t *testing.T) {
	pt := newPeerTable()
	pt.upsert(1, nil)
	pt.upsert(2, nil)

	if pt.count() != 2 {
		t.Fatalf("count = %d, want 2", pt.count())
	}
	if !pt.has(1) {
		t.Fatal("expected peer 1 to be present")
	}

	pt.remove(1)
	if pt.has(1) {
		t.Fatal("peer 1 should have been removed")
	}
	if pt.count() != 1 {
		t.Fatalf("count = %d, want 1", pt.count())
	}
}
