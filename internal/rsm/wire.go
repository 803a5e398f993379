// Package rsm implements the reliable sequenced multicast transport: a
// NAK-based, windowed reliable multicast protocol layered over unreliable
// UDP multicast.
package rsm

import (
	"encoding/binary"
	"fmt"

	"github.com/prometheus/common/log"
)

// Datagram type tags. Every datagram on the wire begins with one of these
// as a little-endian uint16.
type DatagramType uint16

const (
	TypeData DatagramType = iota + 1
	TypeAck
	TypeNack
	TypeAckRequest
	TypeNodeHello
	TypeNodeConfirm
	TypeNodeDeny
	TypeNodeExit
	TypeCount
)

func (t DatagramType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeNack:
		return "NACK"
	case TypeAckRequest:
		return "ACKREQ"
	case TypeNodeHello:
		return "HELLO"
	case TypeNodeConfirm:
		return "CONFIRM"
	case TypeNodeDeny:
		return "DENY"
	case TypeNodeExit:
		return "EXIT"
	case TypeCount:
		return "COUNT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// ErrNackTooLarge is returned when a NACK datagram's range count would
// overflow the MTU.
var ErrNackTooLarge = fmt.Errorf("rsm: nack range count exceeds MTU budget")

// ErrShortBuffer is returned when a datagram is too short to decode.
var ErrShortBuffer = fmt.Errorf("rsm: datagram too short")

// ErrBadType is returned when a datagram's leading type tag does not match
// the decoder being used.
var ErrBadType = fmt.Errorf("rsm: unexpected datagram type")

const (
	dataHeaderSize       = 2 + 4 + 4 // type, writeSeqID, dataIDlength
	ackHeaderSize        = 2 + 2 + 2 + 2
	nackHeaderSize       = 2 + 2 + 2 + 2 + 1
	ackRequestHeaderSize = 2 + 2 + 2 + 2
	nodeHeaderSize       = 2 + 2
	countHeaderSize      = 2 + 2 + 8
)

// DataHeaderSize is the fixed header size prepended to every fragment's
// payload, used to derive payloadSize = MTU - DataHeaderSize (spec §4.2).
const DataHeaderSize = dataHeaderSize

// DataDatagram carries one fragment of a writer's sequence.
type DataDatagram struct {
	WriteSeqID   uint32 // high 16 bits: writer connection ID, low 16: sequence ID
	DataIDLength uint32 // high 16 bits: fragment index, low 16: byte length
	Payload      []byte
}

func (d DataDatagram) WriterID() ConnectionID  { return ConnectionID(d.WriteSeqID >> 16) }
func (d DataDatagram) SequenceID() uint16      { return uint16(d.WriteSeqID & 0xFFFF) }
func (d DataDatagram) FragmentIndex() uint16   { return uint16(d.DataIDLength >> 16) }
func (d DataDatagram) FragmentLength() uint16  { return uint16(d.DataIDLength & 0xFFFF) }

func makeWriteSeqID(writer ConnectionID, sequenceID uint16) uint32 {
	return uint32(writer)<<16 | uint32(sequenceID)
}

func makeDataIDLength(fragmentIndex uint16, length uint16) uint32 {
	return uint32(fragmentIndex)<<16 | uint32(length)
}

// EncodeData serializes a DATA datagram into dst, which must be at least
// dataHeaderSize+len(Payload) bytes.
func EncodeData(dst []byte, writer ConnectionID, sequenceID uint16, fragmentIndex uint16, payload []byte) []byte {
	buf := dst[:0]
	buf = appendUint16(buf, uint16(TypeData))
	buf = appendUint32(buf, makeWriteSeqID(writer, sequenceID))
	buf = appendUint32(buf, makeDataIDLength(fragmentIndex, uint16(len(payload))))
	buf = append(buf, payload...)
	return buf
}

// DecodeData parses a DATA datagram. The returned Payload aliases buf.
func DecodeData(buf []byte) (DataDatagram, error) {
	if len(buf) < dataHeaderSize {
		return DataDatagram{}, ErrShortBuffer
	}
	if DatagramType(binary.LittleEndian.Uint16(buf)) != TypeData {
		return DataDatagram{}, ErrBadType
	}
	d := DataDatagram{
		WriteSeqID:   binary.LittleEndian.Uint32(buf[2:6]),
		DataIDLength: binary.LittleEndian.Uint32(buf[6:10]),
	}
	d.Payload = buf[dataHeaderSize:]
	if int(d.FragmentLength()) > len(d.Payload) {
		return DataDatagram{}, ErrShortBuffer
	}
	d.Payload = d.Payload[:d.FragmentLength()]
	return d, nil
}

// AckDatagram acknowledges full receipt of one sequence.
type AckDatagram struct {
	ReaderID   ConnectionID
	WriterID   ConnectionID
	SequenceID uint16
}

func EncodeAck(dst []byte, a AckDatagram) []byte {
	buf := dst[:0]
	buf = appendUint16(buf, uint16(TypeAck))
	buf = appendUint16(buf, uint16(a.ReaderID))
	buf = appendUint16(buf, uint16(a.WriterID))
	buf = appendUint16(buf, a.SequenceID)
	return buf
}

func DecodeAck(buf []byte) (AckDatagram, error) {
	if len(buf) < ackHeaderSize {
		return AckDatagram{}, ErrShortBuffer
	}
	if DatagramType(binary.LittleEndian.Uint16(buf)) != TypeAck {
		return AckDatagram{}, ErrBadType
	}
	return AckDatagram{
		ReaderID:   ConnectionID(binary.LittleEndian.Uint16(buf[2:4])),
		WriterID:   ConnectionID(binary.LittleEndian.Uint16(buf[4:6])),
		SequenceID: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// FragmentRange is an inclusive [Start,End] fragment-index range, packed on
// the wire as start<<16 | end.
type FragmentRange struct {
	Start, End uint16
}

func (r FragmentRange) pack() uint32 { return uint32(r.Start)<<16 | uint32(r.End) }

func unpackRange(v uint32) FragmentRange {
	return FragmentRange{Start: uint16(v >> 16), End: uint16(v & 0xFFFF)}
}

// NackDatagram requests retransmission of one or more fragment ranges.
type NackDatagram struct {
	ReaderID   ConnectionID
	WriterID   ConnectionID
	SequenceID uint16
	Ranges     []FragmentRange
}

// MaxNackRanges returns the maximum number of ranges that fit in one NACK
// datagram for the given MTU (spec §4.1).
func MaxNackRanges(mtu int) int {
	n := (mtu - nackHeaderSize) / 4
	if n < 0 {
		return 0
	}
	return n
}

func EncodeNack(dst []byte, mtu int, n NackDatagram) ([]byte, error) {
	if len(n.Ranges) > MaxNackRanges(mtu) {
		log.Errorf("rsm: nack for writer %d seq %d wants %d ranges, mtu %d only fits %d",
			n.WriterID, n.SequenceID, len(n.Ranges), mtu, MaxNackRanges(mtu))
		return nil, ErrNackTooLarge
	}
	if len(n.Ranges) > 255 {
		return nil, ErrNackTooLarge
	}
	buf := dst[:0]
	buf = appendUint16(buf, uint16(TypeNack))
	buf = appendUint16(buf, uint16(n.ReaderID))
	buf = appendUint16(buf, uint16(n.WriterID))
	buf = appendUint16(buf, n.SequenceID)
	buf = append(buf, byte(len(n.Ranges)))
	for _, r := range n.Ranges {
		buf = appendUint32(buf, r.pack())
	}
	return buf, nil
}

func DecodeNack(buf []byte) (NackDatagram, error) {
	if len(buf) < nackHeaderSize {
		return NackDatagram{}, ErrShortBuffer
	}
	if DatagramType(binary.LittleEndian.Uint16(buf)) != TypeNack {
		return NackDatagram{}, ErrBadType
	}
	n := NackDatagram{
		ReaderID:   ConnectionID(binary.LittleEndian.Uint16(buf[2:4])),
		WriterID:   ConnectionID(binary.LittleEndian.Uint16(buf[4:6])),
		SequenceID: binary.LittleEndian.Uint16(buf[6:8]),
	}
	count := int(buf[8])
	rest := buf[9:]
	if len(rest) < count*4 {
		return NackDatagram{}, ErrShortBuffer
	}
	n.Ranges = make([]FragmentRange, count)
	for i := 0; i < count; i++ {
		n.Ranges[i] = unpackRange(binary.LittleEndian.Uint32(rest[i*4 : i*4+4]))
	}
	return n, nil
}

// AckRequestDatagram ends a write, asking every known reader to ACK or NACK.
type AckRequestDatagram struct {
	WriterID       ConnectionID
	LastFragmentID uint16
	SequenceID     uint16
}

func EncodeAckRequest(dst []byte, a AckRequestDatagram) []byte {
	buf := dst[:0]
	buf = appendUint16(buf, uint16(TypeAckRequest))
	buf = appendUint16(buf, uint16(a.WriterID))
	buf = appendUint16(buf, a.LastFragmentID)
	buf = appendUint16(buf, a.SequenceID)
	return buf
}

func DecodeAckRequest(buf []byte) (AckRequestDatagram, error) {
	if len(buf) < ackRequestHeaderSize {
		return AckRequestDatagram{}, ErrShortBuffer
	}
	if DatagramType(binary.LittleEndian.Uint16(buf)) != TypeAckRequest {
		return AckRequestDatagram{}, ErrBadType
	}
	return AckRequestDatagram{
		WriterID:       ConnectionID(binary.LittleEndian.Uint16(buf[2:4])),
		LastFragmentID: binary.LittleEndian.Uint16(buf[4:6]),
		SequenceID:     binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// NodeDatagram carries Hello, Confirm, Deny or Exit, distinguished by Type.
type NodeDatagram struct {
	Type         DatagramType
	ConnectionID ConnectionID
}

func EncodeNode(dst []byte, n NodeDatagram) []byte {
	buf := dst[:0]
	buf = appendUint16(buf, uint16(n.Type))
	buf = appendUint16(buf, uint16(n.ConnectionID))
	return buf
}

func DecodeNode(buf []byte) (NodeDatagram, error) {
	if len(buf) < nodeHeaderSize {
		return NodeDatagram{}, ErrShortBuffer
	}
	t := DatagramType(binary.LittleEndian.Uint16(buf))
	switch t {
	case TypeNodeHello, TypeNodeConfirm, TypeNodeDeny, TypeNodeExit:
	default:
		return NodeDatagram{}, ErrBadType
	}
	return NodeDatagram{
		Type:         t,
		ConnectionID: ConnectionID(binary.LittleEndian.Uint16(buf[2:4])),
	}, nil
}

// CountDatagram is authoritative membership-size information, emitted by a
// peer during discovery phase B.
type CountDatagram struct {
	ConnectionID ConnectionID
	NChildren    uint64
}

func EncodeCount(dst []byte, c CountDatagram) []byte {
	buf := dst[:0]
	buf = appendUint16(buf, uint16(TypeCount))
	buf = appendUint16(buf, uint16(c.ConnectionID))
	buf = appendUint64(buf, c.NChildren)
	return buf
}

func DecodeCount(buf []byte) (CountDatagram, error) {
	if len(buf) < countHeaderSize {
		return CountDatagram{}, ErrShortBuffer
	}
	if DatagramType(binary.LittleEndian.Uint16(buf)) != TypeCount {
		return CountDatagram{}, ErrBadType
	}
	return CountDatagram{
		ConnectionID: ConnectionID(binary.LittleEndian.Uint16(buf[2:4])),
		NChildren:    binary.LittleEndian.Uint64(buf[4:12]),
	}, nil
}

// PeekType reads the leading type tag without decoding the rest of the
// datagram.
func PeekType(buf []byte) (DatagramType, error) {
	if len(buf) < 2 {
		return 0, ErrShortBuffer
	}
	return DatagramType(binary.LittleEndian.Uint16(buf)), nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
