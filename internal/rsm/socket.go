package rsm

import "net"

// Socket is the transport's view of the network: one multicast group plus
// the ability to unicast back to whoever sent the last datagram. Both the
// real UDP implementation (mcastsock) and the in-process simulator used by
// tests (simnet) satisfy it, which is what lets §8's scenario tests run
// without opening a real socket.
type Socket interface {
	// SendMulticast writes b to the whole group.
	SendMulticast(b []byte) error

	// SendUnicast writes b to a single peer address, used for ACK/NACK
	// replies that should not wake every other receiver.
	SendUnicast(b []byte, addr net.Addr) error

	// Recv blocks for the next datagram and who sent it.
	Recv() ([]byte, net.Addr, error)

	// LocalAddr is this socket's own address, compared against a Hello's
	// sender address to drop a participant's own looped-back Hello.
	LocalAddr() net.Addr

	Close() error
}
