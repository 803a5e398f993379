package rsm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrMaxTimeoutsExceeded is returned by Write when more than MaxTimeouts
// AckTimeout periods pass without every known reader having ACKed the
// write. The count is not reset by NACKs — the failure path spec §4.2 and
// §6's RSP_MAX_TIMEOUTS name explicitly.
var ErrMaxTimeoutsExceeded = fmt.Errorf("rsm: write abandoned, exceeded max ack timeouts")

// repeatRequest is one reader's reply directed at a writer, produced
// either by a NACK (specific fragment ranges) or by an ACK. An ACKREQ
// timeout produces none; Write itself resends the ACKREQ. The writer's
// repeat loop coalesces NACKs over NackDelay before acting, so that a
// burst of NACKs from several readers for the same gap costs one resend
// instead of one per reader (spec §4.2's NACK coalescing).
type repeatRequest struct {
	sequenceID uint16
	ranges     []FragmentRange // nil means "the reader ACKed, stop tracking them"
	reader     ConnectionID
	ack        bool
}

// outstandingWrite is the retransmission state kept for one in-flight
// write until every known reader has ACKed it or the write is abandoned.
type outstandingWrite struct {
	sequenceID uint16
	fragments  [][]byte // raw payload bytes per fragment, not yet header-encoded
	acked      map[ConnectionID]bool
	done       chan error
}

// writerEngine owns one connection's outbound sequence numbering and
// retransmission bookkeeping, implementing spec §4.2's fragmentation,
// ACKREQ and repeat-request handling.
type writerEngine struct {
	self  ConnectionID
	knobs *TuningKnobs
	sock  Socket
	peers *peerTable
	rate  *SendRateController
	log   Logger

	mu          sync.Mutex
	nextSeq     uint16
	outstanding map[uint16]*outstandingWrite

	repeatQueue chan repeatRequest
	closed      chan struct{}
}

func newWriterEngine(self ConnectionID, knobs *TuningKnobs, sock Socket, peers *peerTable, rate *SendRateController, log Logger) *writerEngine {
	w := &writerEngine{
		self:        self,
		knobs:       knobs,
		sock:        sock,
		peers:       peers,
		rate:        rate,
		log:         log,
		outstanding: make(map[uint16]*outstandingWrite),
		repeatQueue: make(chan repeatRequest, 256),
		closed:      make(chan struct{}),
	}
	go w.repeatLoop()
	return w
}

func (w *writerEngine) close() {
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
}

// Write implements spec §4.2: fragment, send, ACKREQ, then block until
// every known reader has ACKed, ctx is canceled, the engine is closed or
// ErrMaxTimeoutsExceeded is returned. Per step 1, one call
// never writes more than bufferSize = PayloadSize()*AckFrequency bytes —
// the same clamp the original's write() applies via EQ_MIN(bytes,
// _bufferSize) — so a caller passing a larger buffer gets a short write
// back instead of a payload silently too big for the receiver's slot ring
// to reassemble.
func (w *writerEngine) Write(ctx context.Context, payload []byte) (int, error) {
	select {
	case <-w.closed:
		return 0, io.EOF
	default:
	}

	payloadSize := w.knobs.PayloadSize()
	bufferSize := payloadSize * w.knobs.AckFrequency
	if len(payload) > bufferSize {
		payload = payload[:bufferSize]
	}

	nFragments := (len(payload) + payloadSize - 1) / payloadSize
	if nFragments == 0 {
		nFragments = 1
	}

	w.mu.Lock()
	sequenceID := w.nextSeq
	w.nextSeq++
	ow := &outstandingWrite{
		sequenceID: sequenceID,
		fragments:  make([][]byte, nFragments),
		acked:      make(map[ConnectionID]bool),
		done:       make(chan error, 1),
	}
	w.outstanding[sequenceID] = ow
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.outstanding, sequenceID)
		w.mu.Unlock()
	}()

	sent := 0
	var buf []byte
	interval := w.pacingInterval()
	for i := 0; i < nFragments; i++ {
		start := i * payloadSize
		end := start + payloadSize
		if end > len(payload) {
			end = len(payload)
		}
		frag := payload[start:end]
		ow.fragments[i] = frag

		buf = EncodeData(growBuf(buf, w.knobs.MTU), w.self, sequenceID, uint16(i), frag)
		if err := w.sock.SendMulticast(buf); err != nil {
			return sent, fmt.Errorf("rsm: send fragment %d: %w", i, err)
		}
		sent += len(frag)

		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-w.closed:
				return sent, io.EOF
			}
		}
	}

	ackReqBuf := EncodeAckRequest(make([]byte, 0, 16), AckRequestDatagram{
		WriterID:       w.self,
		LastFragmentID: uint16(nFragments - 1),
		SequenceID:     sequenceID,
	})
	if err := w.sock.SendMulticast(ackReqBuf); err != nil {
		return sent, fmt.Errorf("rsm: send ackreq: %w", err)
	}

	timer := time.NewTimer(w.knobs.AckTimeout)
	defer timer.Stop()
	timeouts := 0
	for {
		select {
		case err := <-ow.done:
			return sent, err
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-w.closed:
			return sent, io.EOF
		case <-timer.C:
			timeouts++
			if timeouts > w.knobs.MaxTimeouts {
				return sent, ErrMaxTimeoutsExceeded
			}
			if err := w.sock.SendMulticast(ackReqBuf); err != nil {
				return sent, fmt.Errorf("rsm: resend ackreq: %w", err)
			}
			timer.Reset(w.knobs.AckTimeout)
		}
	}
}

func (w *writerEngine) pacingInterval() time.Duration {
	rate := w.rate.Rate()
	if rate <= 0 {
		return 0
	}
	return time.Second / time.Duration(rate)
}

// onRepeatRequest is called from the connection's I/O goroutine dispatch
// when a NACK or ACK arrives for one of this writer's sequences.
func (w *writerEngine) onRepeatRequest(r repeatRequest) {
	select {
	case w.repeatQueue <- r:
	case <-w.closed:
	}
}

// repeatLoop coalesces repeat requests arriving within NackDelay and
// retransmits the union of requested ranges once per window, implementing
// spec §4.2's NACK coalescing (RSP_NACK_DELAY).
func (w *writerEngine) repeatLoop() {
	pending := make(map[uint16]map[FragmentRange]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false

	flush := func() {
		for seq, ranges := range pending {
			w.retransmit(seq, ranges)
			w.observeRate(seq, ranges)
		}
		pending = make(map[uint16]map[FragmentRange]bool)
		armed = false
	}

	for {
		select {
		case r := <-w.repeatQueue:
			w.mu.Lock()
			ow, ok := w.outstanding[r.sequenceID]
			w.mu.Unlock()
			if !ok {
				continue
			}
			if r.ack {
				w.mu.Lock()
				ow.acked[r.reader] = true
				allAcked := w.allKnownReadersAcked(ow)
				w.mu.Unlock()
				if allAcked {
					select {
					case ow.done <- nil:
					default:
					}
				}
				continue
			}
			if pending[r.sequenceID] == nil {
				pending[r.sequenceID] = make(map[FragmentRange]bool)
			}
			for _, rg := range r.ranges {
				pending[r.sequenceID][rg] = true
			}
			if !armed {
				armed = true
				timer.Reset(w.knobs.NackDelay)
			}
		case <-timer.C:
			flush()
		case <-w.closed:
			return
		}
	}
}

func (w *writerEngine) allKnownReadersAcked(ow *outstandingWrite) bool {
	for _, id := range w.peers.all() {
		if !ow.acked[id] {
			return false
		}
	}
	return true
}

func (w *writerEngine) retransmit(sequenceID uint16, ranges map[FragmentRange]bool) {
	w.mu.Lock()
	ow, ok := w.outstanding[sequenceID]
	w.mu.Unlock()
	if !ok {
		return
	}

	var buf []byte
	for rg := range ranges {
		for idx := rg.Start; idx <= rg.End; idx++ {
			if int(idx) >= len(ow.fragments) {
				continue
			}
			buf = EncodeData(growBuf(buf, w.knobs.MTU), w.self, sequenceID, idx, ow.fragments[idx])
			if err := w.sock.SendMulticast(buf); err != nil {
				w.log.Warnf("rsm: retransmit fragment %d of seq %d: %v", idx, sequenceID, err)
			}
			if idx == rg.End {
				break
			}
		}
	}
}

// observeRate feeds one merged retransmit batch into the rate controller,
// spec §4.6's adaptSendRate(deltaPercent). The denominator is the write's
// total fragment count (len(ow.fragments)), not the error count itself —
// the original computes errors/_nDatagrams over the whole write
// (rspConnection.cpp:1394-1398) and calls _adaptSendRate once per merged
// retransmit batch (rspConnection.cpp:1357-1366), not once per NACK.
func (w *writerEngine) observeRate(sequenceID uint16, ranges map[FragmentRange]bool) {
	w.mu.Lock()
	ow, ok := w.outstanding[sequenceID]
	w.mu.Unlock()
	if !ok {
		return
	}

	errors := 0
	for rg := range ranges {
		errors += int(rg.End-rg.Start) + 1
	}
	w.rate.Observe(len(ow.fragments), errors)
}

func growBuf(buf []byte, mtu int) []byte {
	if cap(buf) < mtu {
		return make([]byte, 0, mtu)
	}
	return buf[:0]
}
