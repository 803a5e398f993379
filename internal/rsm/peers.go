package rsm

import (
	"net"
	"sync"
)

// peerInfo is what a Connection remembers about a participant: its
// assigned ID and its network address. The child count a peer reports in
// its COUNT is not kept here; membership convergence lives in discovery.go.
type peerInfo struct {
	id   ConnectionID
	addr net.Addr
}

// peerTable is the connection's view of the group: every known
// participant's ID and address, guarded by one mutex since both the I/O
// goroutine and Write() callers can read it. The connection's own ID is
// in it too once its own looped-back COUNT has been received.
type peerTable struct {
	mu    sync.RWMutex
	byID  map[ConnectionID]*peerInfo
	order []ConnectionID
}

func newPeerTable() *peerTable {
	return &peerTable{byID: make(map[ConnectionID]*peerInfo)}
}

func (t *peerTable) upsert(id ConnectionID, addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byID[id]; ok {
		p.addr = addr
		return
	}
	t.byID[id] = &peerInfo{id: id, addr: addr}
	t.order = append(t.order, id)
}

func (t *peerTable) remove(id ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *peerTable) lookup(id ConnectionID) (net.Addr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return p.addr, true
}

func (t *peerTable) has(id ConnectionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byID[id]
	return ok
}

func (t *peerTable) all() []ConnectionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ConnectionID, len(t.order))
	copy(out, t.order)
	return out
}

func (t *peerTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
