package lsoe

import (
	"context"
	"errors"
	"fmt"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"
)

// ErrLinkDown is returned by FrameConn.Send when the underlying
// interface has gone away.
var ErrLinkDown = errors.New("link down")

// FrameConn is a raw link-layer connection bound to the LSOE EtherType
// on one interface.  The engine owns exactly one per monitored
// interface.
type FrameConn interface {
	// Send transmits one frame to the destination hardware address.
	// Frames larger than the interface MTU are rejected.
	Send(dst MAC, b []byte) error
	// Recv blocks for the next received frame, returning the payload
	// and the source hardware address.  The stream is finite: Recv
	// fails permanently once the connection is closed or the
	// interface disappears.
	Recv() (b []byte, src MAC, err error)
	// Close shuts the connection down, unblocking any pending Recv.
	Close() error
}

// packetConn implements FrameConn over an AF_PACKET datagram socket.
// The kernel supplies and strips the Ethernet header, so payloads
// begin at the LSOE transport header.
type packetConn struct {
	ifindex   int
	mtu       int
	etherType uint16
	s         *socket.Conn
}

// DialInterface opens a raw link-layer connection for one interface,
// bound to the given EtherType.
func DialInterface(iface Interface, etherType uint16) (FrameConn, error) {
	if etherType == 0 {
		etherType = DefaultEtherType
	}
	proto := int(htons(etherType))

	// Datagram rather than raw socket: we never need to construct the
	// Ethernet header ourselves, and recvfrom hands us the source MAC
	// in the sockaddr.  The socket package integrates the fd with the
	// runtime poller and sets nonblocking and CLOEXEC for us.
	s, err := socket.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, proto, "lsoe", nil)
	if err != nil {
		return nil, fmt.Errorf("socket: %v", err)
	}

	sa := unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  iface.Index,
	}
	if err := s.Bind(&sa); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to bind to %s: %v", iface.Name, err)
	}

	return &packetConn{
		ifindex:   iface.Index,
		mtu:       iface.MTU,
		etherType: etherType,
		s:         s,
	}, nil
}

// Send implements the FrameConn interface.
func (c *packetConn) Send(dst MAC, b []byte) error {
	if len(b) > c.mtu {
		return fmt.Errorf("frame of %d bytes exceeds interface MTU %d", len(b), c.mtu)
	}
	sa := unix.SockaddrLinklayer{
		Protocol: htons(c.etherType),
		Ifindex:  c.ifindex,
		Halen:    6,
	}
	copy(sa.Addr[:], dst[:])
	err := c.s.Sendto(context.Background(), b, 0, &sa)
	if err != nil {
		if errors.Is(err, unix.ENETDOWN) || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.ENODEV) {
			return ErrLinkDown
		}
		return err
	}
	return nil
}

// Recv implements the FrameConn interface.
func (c *packetConn) Recv() (b []byte, src MAC, err error) {
	buf := make([]byte, int(^uint16(0)))
	for {
		n, from, err := c.s.Recvfrom(context.Background(), buf, 0)
		if err != nil {
			return nil, MAC{}, err
		}
		sall, ok := from.(*unix.SockaddrLinklayer)
		if !ok || sall.Halen != 6 {
			continue
		}
		// Looped-back copies of our own multicasts are not input.
		if sall.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		copy(src[:], sall.Addr[:6])
		return append([]byte(nil), buf[:n]...), src, nil
	}
}

// Close implements the FrameConn interface.
func (c *packetConn) Close() error {
	return c.s.Close()
}
