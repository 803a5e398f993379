// Package simnet is an in-process multicast simulator used by the rsm test
// suite to exercise fragment-loss scenarios deterministically,
// without opening real UDP sockets or depending on OS scheduling.
package simnet

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// addr is the simulator's stand-in for a net.Addr: just a participant name.
type addr string

func (a addr) Network() string { return "simnet" }
func (a addr) String() string  { return string(a) }

type datagram struct {
	payload []byte
	from    net.Addr
}

// Group is a shared simulated multicast group. LossFn, when set, decides
// whether a given multicast datagram is dropped en route to a given
// receiver; it lets tests encode specific loss scenarios (S1-S6) instead of
// relying on randomness.
type Group struct {
	mu       sync.Mutex
	sockets  map[string]*Socket
	LossFn   func(from, to string, payload []byte) bool
	rng      *rand.Rand
	lossRate float64
}

// NewGroup creates an empty simulated group. lossRate, in [0,1], is the
// default uniform-random multicast drop probability used when LossFn is
// nil; pass 0 for a lossless group.
func NewGroup(seed int64, lossRate float64) *Group {
	return &Group{
		sockets:  make(map[string]*Socket),
		rng:      rand.New(rand.NewSource(seed)),
		lossRate: lossRate,
	}
}

// Socket simulates one participant's view of the group: a named inbox fed
// by every other participant's SendMulticast/SendUnicast calls.
type Socket struct {
	group *Group
	name  string
	inbox chan datagram
	done  chan struct{}
}

// Join creates a new simulated socket attached to g, named name. Names must
// be unique within a group.
func (g *Group) Join(name string) (*Socket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.sockets[name]; exists {
		return nil, fmt.Errorf("simnet: socket %q already joined", name)
	}
	s := &Socket{
		group: g,
		name:  name,
		inbox: make(chan datagram, 256),
		done:  make(chan struct{}),
	}
	g.sockets[name] = s
	return s, nil
}

func (g *Group) drop(from, to string, payload []byte) bool {
	if g.LossFn != nil {
		return g.LossFn(from, to, payload)
	}
	if g.lossRate <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() < g.lossRate
}

func (s *Socket) SendMulticast(b []byte) error {
	cp := append([]byte(nil), b...)
	s.group.mu.Lock()
	peers := make([]*Socket, 0, len(s.group.sockets))
	for _, p := range s.group.sockets {
		peers = append(peers, p)
	}
	s.group.mu.Unlock()

	for _, p := range peers {
		// Real IP multicast loops a sender's own datagrams back to it by
		// default (IP_MULTICAST_LOOP); this simulator matches that so a
		// writer can observe its own writes the same way production code
		// does, instead of only ever seeing peers' traffic.
		if s.group.drop(s.name, p.name, cp) {
			continue
		}
		select {
		case p.inbox <- datagram{payload: cp, from: addr(s.name)}:
		case <-p.done:
		}
	}
	return nil
}

func (s *Socket) SendUnicast(b []byte, to net.Addr) error {
	cp := append([]byte(nil), b...)
	s.group.mu.Lock()
	p, ok := s.group.sockets[to.String()]
	s.group.mu.Unlock()
	if !ok {
		return fmt.Errorf("simnet: unknown peer %q", to.String())
	}
	if s.group.drop(s.name, p.name, cp) {
		return nil
	}
	select {
	case p.inbox <- datagram{payload: cp, from: addr(s.name)}:
	case <-p.done:
	}
	return nil
}

func (s *Socket) Recv() ([]byte, net.Addr, error) {
	select {
	case d := <-s.inbox:
		return d.payload, d.from, nil
	case <-s.done:
		return nil, nil, fmt.Errorf("simnet: socket %q closed", s.name)
	}
}

func (s *Socket) LocalAddr() net.Addr { return addr(s.name) }

func (s *Socket) Close() error {
	s.group.mu.Lock()
	delete(s.group.sockets, s.name)
	s.group.mu.Unlock()
	close(s.done)
	return nil
}
