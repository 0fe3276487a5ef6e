package lsoe

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// MAC is an Ethernet hardware address.
type MAC [6]byte

// String provides the conventional colon-separated representation of
// the address.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses a hardware address expressed with ":" or "-"
// separated hex octets.
func ParseMAC(s string) (m MAC, err error) {
	parts := strings.Split(strings.ReplaceAll(s, "-", ":"), ":")
	if len(parts) != 6 {
		return m, fmt.Errorf("invalid MAC address %q", s)
	}
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil || len(p) != 2 {
			return m, fmt.Errorf("invalid MAC address %q", s)
		}
		m[i] = b
	}
	return m, nil
}

// Less compares addresses byte-wise.  The peer with the numerically
// lower address initiates the OPEN exchange, avoiding collisions.
func (m MAC) Less(other MAC) bool {
	for i := range m {
		if m[i] != other[i] {
			return m[i] < other[i]
		}
	}
	return false
}

// DefaultHelloMAC is the multicast address HELLO PDUs are sent to by
// default: the nearest-bridge scope group address.
var DefaultHelloMAC = MAC{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}

// PeerKey uniquely identifies a session: the local interface the peer
// was heard on, and the peer's hardware address.
type PeerKey struct {
	IfIndex int
	Peer    MAC
}

// String provides a human-readable representation of the key.
func (k PeerKey) String() string {
	return fmt.Sprintf("if%d/%s", k.IfIndex, k.Peer)
}

// htons converts a 16 bit value from host to network byte order, as
// required by the AF_PACKET socket API.
func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return uint16(b[1])<<8 | uint16(b[0])
}
