package rsm

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// Connection is one participant in a reliable sequenced multicast group: it
// is simultaneously a writer of its own sequence and a reader of every
// other participant's, exactly as spec §3 describes a single Participant.
// One dedicated I/O goroutine receives every datagram and dispatches it.
// Sends are made from that goroutine (ACK/NACK/Deny replies), from the
// discovery ticker (Hello/COUNT), from the writer's repeat loop
// (retransmits) and from the goroutine calling Write (fragments, ACKREQ).
type Connection struct {
	knobs *TuningKnobs
	log   Logger
	sock  Socket

	id        ConnectionID
	peers     *peerTable
	discovery *discovery
	writer    *writerEngine
	receiver  *receiverEngine
	rate      *SendRateController

	state   State
	stateMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	ioDone chan struct{}
}

// NewConnection starts discovery and the I/O goroutine over sock. It does
// not block; call AcceptSync to wait for discovery to converge. Write and
// ReadSync may be called before that; Write then waits only for ACKs from
// the readers already in the peer table.
func NewConnection(sock Socket, knobs *TuningKnobs, log Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		knobs:  knobs,
		log:    log,
		sock:   sock,
		peers:  newPeerTable(),
		state:  StateConnecting,
		ctx:    ctx,
		cancel: cancel,
		ioDone: make(chan struct{}),
	}
	c.discovery = newDiscovery(knobs, log)
	c.id = c.discovery.candidate
	c.rate = NewSendRateController(knobs)
	c.writer = newWriterEngine(c.id, knobs, sock, c.peers, c.rate, log)
	c.receiver = newReceiverEngine(c.id, knobs, sock, c.peers, log)

	go c.ioLoop()
	return c
}

// GetID returns this connection's assigned ConnectionID. Before discovery
// converges it is the candidate ID phase A is currently trying to claim.
func (c *Connection) GetID() ConnectionID { return c.id }

// GetSendRate returns the writer's current pacing rate in fragments per
// second, as adapted by the rate controller (spec §4.6).
func (c *Connection) GetSendRate() int { return c.rate.Rate() }

// AcceptSync blocks until peer discovery converges or ctx is canceled.
func (c *Connection) AcceptSync(ctx context.Context) error {
	select {
	case <-c.discovery.Done():
		c.setState(StateConnected)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ioDone:
		return io.EOF
	}
}

// Write fragments and reliably multicasts buffer, blocking until every
// known peer has acknowledged it, ctx is canceled or the ack timeouts run
// out with ErrMaxTimeoutsExceeded (spec §4.2).
func (c *Connection) Write(ctx context.Context, buffer []byte) (int, error) {
	return c.writer.Write(ctx, buffer)
}

// ReadSync blocks for the next fully-reassembled message from any writer.
func (c *Connection) ReadSync(ctx context.Context) ([]byte, ConnectionID, error) {
	select {
	case d := <-c.receiver.outbound:
		d.buf.release(d.seq)
		return d.data, d.writer, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-c.ioDone:
		return nil, 0, io.EOF
	}
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Close shuts the connection down: cancels the I/O goroutine, closes the
// socket and waits for the I/O goroutine to join before returning, the
// invariant spec §8 names explicitly ("After close() returns, the I/O
// thread has joined").
func (c *Connection) Close() error {
	c.setState(StateClosing)
	c.cancel()
	c.writer.close()
	c.receiver.closeAll()
	err := c.sock.Close()
	<-c.ioDone
	c.setState(StateClosed)
	return err
}

// ioLoop is the connection's I/O goroutine: it is the only caller of
// sock.Recv and dispatches every inbound datagram by type, per spec §4.3/§5.
func (c *Connection) ioLoop() {
	defer close(c.ioDone)

	go c.discoveryTicker()

	for {
		buf, from, err := c.sock.Recv()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
				c.log.Debugf("rsm: recv error: %v", err)
				return
			}
		}
		c.dispatch(buf, from)
	}
}

// discoveryTicker multicasts Hello while phase A is active and our own
// COUNT announcement while phase B is active, driving the convergence
// timers described in spec §4.4.
func (c *Connection) discoveryTicker() {
	ticker := time.NewTicker(c.knobs.DiscoveryTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.discoveryTick()
		case <-c.ctx.Done():
			return
		case <-c.discovery.Done():
			return
		}
	}
}

func (c *Connection) discoveryTick() {
	switch c.discovery.phase {
	case phaseClaimID:
		buf := EncodeNode(make([]byte, 0, 8), c.discovery.helloDatagram())
		if err := c.sock.SendMulticast(buf); err != nil {
			c.log.Debugf("rsm: hello send: %v", err)
		}
		if c.discovery.advanceRound() {
			c.id = c.discovery.claim()
			c.log.Infof("rsm: claimed connection id %d", c.id)
		}
	case phaseLearnPeers:
		cd := countDatagramFor(c.id, c.peers)
		buf := EncodeCount(make([]byte, 0, 16), cd)
		if err := c.sock.SendMulticast(buf); err != nil {
			c.log.Debugf("rsm: count send: %v", err)
		}
	}
}

// dispatch routes one inbound datagram to the right engine. COUNTNODE and
// ID_EXIT are handled in distinct case arms on purpose: the original's
// fall-through between them is not reproduced here (spec §9's discovery
// open question).
func (c *Connection) dispatch(buf []byte, from net.Addr) {
	typ, err := PeekType(buf)
	if err != nil {
		c.log.Debugf("rsm: short datagram from %v", from)
		return
	}

	switch typ {
	case TypeData:
		d, err := DecodeData(buf)
		if err != nil {
			c.log.Debugf("rsm: bad data datagram: %v", err)
			return
		}
		// Our own multicast loopback still flows through the receiver's
		// slot machinery, the same way the original routes self-traffic
		// through _handleData instead of discarding it, so a writer can
		// ReadSync its own writes.
		c.receiver.handleData(d, from)

	case TypeAckRequest:
		a, err := DecodeAckRequest(buf)
		if err != nil {
			c.log.Debugf("rsm: bad ackreq: %v", err)
			return
		}
		c.receiver.handleAckRequest(a, from)

	case TypeAck:
		a, err := DecodeAck(buf)
		if err != nil {
			return
		}
		if a.WriterID != c.id {
			return
		}
		if a.ReaderID != c.id {
			c.peers.upsert(a.ReaderID, from)
		}
		c.writer.onRepeatRequest(repeatRequest{sequenceID: a.SequenceID, reader: a.ReaderID, ack: true})

	case TypeNack:
		n, err := DecodeNack(buf)
		if err != nil {
			return
		}
		if n.WriterID != c.id {
			return
		}
		if n.ReaderID != c.id {
			c.peers.upsert(n.ReaderID, from)
		}
		c.writer.onRepeatRequest(repeatRequest{sequenceID: n.SequenceID, ranges: n.Ranges, reader: n.ReaderID})

	case TypeNodeHello:
		n, err := DecodeNode(buf)
		if err != nil {
			return
		}
		if addrKey(from) == addrKey(c.sock.LocalAddr()) {
			// Our own multicast loopback. The original's _checkNewID is
			// invoked per received *peer* ID only (rspConnection.cpp:1115)
			// — denying our own looped-back Hello would make onDeny roll a
			// fresh candidate every tick and phase A would never converge.
			return
		}
		if deny := c.discovery.onHello(n, n.ConnectionID != c.id && c.peers.has(n.ConnectionID)); deny {
			reply := EncodeNode(make([]byte, 0, 8), NodeDatagram{Type: TypeNodeDeny, ConnectionID: n.ConnectionID})
			_ = c.sock.SendMulticast(reply)
		}

	case TypeNodeDeny:
		n, err := DecodeNode(buf)
		if err != nil {
			return
		}
		c.discovery.onDeny(n)

	case TypeNodeConfirm:
		n, err := DecodeNode(buf)
		if err != nil {
			return
		}
		c.peers.upsert(n.ConnectionID, from)

	case TypeNodeExit:
		n, err := DecodeNode(buf)
		if err != nil {
			return
		}
		c.peers.remove(n.ConnectionID)

	case TypeCount:
		cnt, err := DecodeCount(buf)
		if err != nil {
			return
		}
		c.peers.upsert(cnt.ConnectionID, from)
		c.discovery.onCount(cnt)

	default:
		c.log.Debugf("rsm: unhandled datagram type %v from %v", typ, from)
	}
}
