package rsm

import (
	"net"
	"sync"
)

// maxNAck bounds how many fragment ranges one NACK datagram reports, the
// receiver-side half of spec §4.1's per-datagram size constraint.
const maxNAck = 16

// delivered is one fully-reassembled message handed to ReadSync. buf/seq
// let the consumer release the slot back to the ring once it has actually
// taken the payload, instead of at delivery-enqueue time.
type delivered struct {
	writer ConnectionID
	seq    uint16
	data   []byte
	buf    *InBuffer
}

// receiverEngine is the per-connection reassembly state: one InBuffer per
// writer it has ever heard from, plus the queue of fully-received messages
// waiting for the application to call ReadSync. It runs entirely on the
// connection's I/O goroutine, per spec §5.
type receiverEngine struct {
	self  ConnectionID
	knobs *TuningKnobs
	sock  Socket
	peers *peerTable
	log   Logger

	mu       sync.Mutex
	buffers  map[ConnectionID]*InBuffer
	outbound chan delivered
}

func newReceiverEngine(self ConnectionID, knobs *TuningKnobs, sock Socket, peers *peerTable, log Logger) *receiverEngine {
	return &receiverEngine{
		self:     self,
		knobs:    knobs,
		sock:     sock,
		peers:    peers,
		log:      log,
		buffers:  make(map[ConnectionID]*InBuffer),
		outbound: make(chan delivered, 64),
	}
}

// closeAll closes every writer's reassembly ring, waking any acquire()
// call blocked waiting for a slot to drain so the I/O goroutine can exit.
func (r *receiverEngine) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buffers {
		b.close()
	}
}

func (r *receiverEngine) bufferFor(writer ConnectionID) *InBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[writer]
	if !ok {
		b = NewInBuffer(writer, r.knobs.AckFrequency, r.knobs.PayloadSize())
		r.buffers[writer] = b
	}
	return b
}

// handleData reassembles one fragment, performing the early-NACK backward
// walk of spec §4.3: if a fragment arrives out of order, every fragment
// before it not yet seen in the same slot is NACKed immediately instead of
// waiting for the writer's end-of-write ACKREQ. A participant's own
// multicast loopback reaches this same path (dispatch no longer special-
// cases it away) so a writer can ReadSync its own writes, the way the
// original routes self-traffic through the same slot machinery instead of
// discarding it.
func (r *receiverEngine) handleData(d DataDatagram, from net.Addr) {
	writer := d.WriterID()
	if writer != r.self {
		r.peers.upsert(writer, from)
	}

	buf := r.bufferFor(writer)
	seq := d.SequenceID()
	if buf.isStaleRetransmit(seq) {
		return
	}
	slot := buf.acquire(seq)

	idx := int(d.FragmentIndex())
	if idx >= len(slot.got) {
		return
	}
	if !slot.got[idx] {
		slot.got[idx] = true
		off := idx * r.knobs.PayloadSize()
		copy(slot.payload[off:], d.Payload)
		if end := off + len(d.Payload); end > slot.dataLen {
			slot.dataLen = end
		}
	}

	var missing []FragmentRange
	for i := 0; i < idx; i++ {
		if !slot.got[i] {
			missing = append(missing, FragmentRange{Start: uint16(i), End: uint16(i)})
		}
	}
	if len(missing) > 0 {
		r.sendNack(writer, seq, coalesceRanges(missing), from)
	}

	if slot.complete() && !slot.queued {
		slot.queued = true
		buf.markAcked(seq)
		payload := append([]byte(nil), slot.payload[:slot.dataLen]...)
		select {
		case r.outbound <- delivered{writer: writer, seq: seq, data: payload, buf: buf}:
		default:
			r.log.Warnf("rsm: delivery queue full, dropping seq %d from writer %d", seq, writer)
			slot.allRead = true
			buf.wake()
		}
	}
}

// handleAckRequest answers an end-of-write request: a NACK naming every
// still-missing fragment range, or an ACK if the whole sequence is in. A
// complete sequence not yet delivered is then queued for ReadSync.
func (r *receiverEngine) handleAckRequest(a AckRequestDatagram, from net.Addr) {
	if a.WriterID != r.self {
		r.peers.upsert(a.WriterID, from)
	}
	buf := r.bufferFor(a.WriterID)

	slot, _, ok := buf.slotFor(a.SequenceID)
	if !ok {
		r.sendNack(a.WriterID, a.SequenceID, []FragmentRange{{Start: 0, End: a.LastFragmentID}}, from)
		return
	}

	var missing []FragmentRange
	for i := 0; i <= int(a.LastFragmentID) && i < len(slot.got); i++ {
		if !slot.got[i] {
			missing = append(missing, FragmentRange{Start: uint16(i), End: uint16(i)})
		}
	}

	if len(missing) == 0 {
		r.sendAck(a.WriterID, a.SequenceID, from)
		slot.ackSent = true
		// A write of fewer than AckFrequency fragments never fills every
		// got[] entry, so it is handed to ReadSync here instead.
		if !slot.queued {
			slot.queued = true
			buf.markAcked(a.SequenceID)
			payload := append([]byte(nil), slot.payload[:slot.dataLen]...)
			select {
			case r.outbound <- delivered{writer: a.WriterID, seq: a.SequenceID, data: payload, buf: buf}:
			default:
				r.log.Warnf("rsm: delivery queue full, dropping seq %d from writer %d", a.SequenceID, a.WriterID)
				slot.allRead = true
				buf.wake()
			}
		}
		return
	}
	r.sendNack(a.WriterID, a.SequenceID, coalesceRanges(missing), from)
}

func (r *receiverEngine) sendAck(writer ConnectionID, seq uint16, to net.Addr) {
	buf := EncodeAck(make([]byte, 0, 16), AckDatagram{ReaderID: r.self, WriterID: writer, SequenceID: seq})
	if err := r.sock.SendUnicast(buf, to); err != nil {
		r.log.Warnf("rsm: send ack: %v", err)
	}
}

func (r *receiverEngine) sendNack(writer ConnectionID, seq uint16, ranges []FragmentRange, to net.Addr) {
	if len(ranges) > maxNAck {
		ranges = ranges[:maxNAck]
	}
	buf, err := EncodeNack(make([]byte, 0, r.knobs.MTU), r.knobs.MTU, NackDatagram{
		ReaderID:   r.self,
		WriterID:   writer,
		SequenceID: seq,
		Ranges:     ranges,
	})
	if err != nil {
		r.log.Warnf("rsm: encode nack: %v", err)
		return
	}
	if err := r.sock.SendUnicast(buf, to); err != nil {
		r.log.Warnf("rsm: send nack: %v", err)
	}
}

// coalesceRanges merges adjacent single-fragment ranges into contiguous
// spans, keeping NACK datagrams small under spec §4.1's size constraint.
func coalesceRanges(in []FragmentRange) []FragmentRange {
	if len(in) == 0 {
		return nil
	}
	out := []FragmentRange{in[0]}
	for _, rg := range in[1:] {
		last := &out[len(out)-1]
		if rg.Start == last.End+1 {
			last.End = rg.End
			continue
		}
		out = append(out, rg)
	}
	return out
}
