// Package mcastsock opens the UDP multicast socket the transport sends and
// receives datagrams on. It sets SO_REUSEADDR/SO_REUSEPORT before bind so
// more than one participant can run on the same host and port, the same
// trick used for the group listener in the reference multicast code this
// package is grounded on.
package mcastsock

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Socket is a UDP multicast socket bound to a group address, readable for
// both the group's multicast traffic and unicast replies sent directly to
// its own port.
type Socket struct {
	conn    *net.UDPConn
	group   *net.UDPAddr
	local   *net.UDPAddr
	maxSize int
}

// Open joins the multicast group at groupAddr ("224.0.0.1:7400"-style) on
// the named network interface (empty string picks the default).
func Open(groupAddr string, iface string, maxSize int) (*Socket, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("mcastsock: resolve group address: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("mcastsock: open socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mcastsock: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mcastsock: SO_REUSEPORT: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: gaddr.Port}
	copy(sa.Addr[:], net.IPv4zero.To4())
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mcastsock: bind: %w", err)
	}

	ifaceIP := net.IPv4zero
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("mcastsock: interface %s: %w", iface, err)
		}
		addrs, err := ifi.Addrs()
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("mcastsock: no address on interface %s", iface)
		}
		if ipNet, ok := addrs[0].(*net.IPNet); ok {
			ifaceIP = ipNet.IP
		}
	}

	var mreq unix.IPMreq
	copy(mreq.Multiaddr[:], gaddr.IP.To4())
	copy(mreq.Interface[:], ifaceIP.To4())
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &mreq); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mcastsock: join group: %w", err)
	}

	file := os.NewFile(uintptr(fd), "mcastsock")
	conn, err := net.FilePacketConn(file)
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("mcastsock: wrap fd: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("mcastsock: unexpected connection type %T", conn)
	}

	return &Socket{
		conn:    udpConn,
		group:   gaddr,
		local:   udpConn.LocalAddr().(*net.UDPAddr),
		maxSize: maxSize,
	}, nil
}

func (s *Socket) SendMulticast(b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.group)
	return err
}

func (s *Socket) SendUnicast(b []byte, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("mcastsock: unicast address %v is not UDP", addr)
	}
	_, err := s.conn.WriteToUDP(b, udpAddr)
	return err
}

func (s *Socket) Recv() ([]byte, net.Addr, error) {
	buf := make([]byte, s.maxSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

func (s *Socket) LocalAddr() net.Addr { return s.local }

func (s *Socket) Close() error { return s.conn.Close() }
