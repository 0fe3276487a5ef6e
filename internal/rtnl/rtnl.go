// Package rtnl wraps the rtnetlink interactions the LSOE daemon needs:
// dumping links and addresses, and subscribing to the multicast groups
// which carry link, address and route change notifications.
package rtnl

import (
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

const (
	ifInfoMsgLen = 16
	ifAddrMsgLen = 8
)

// Link describes one kernel network interface.
type Link struct {
	Index  int
	Name   string
	HWAddr [6]byte
	MTU    int
	Flags  uint32
}

// Up reports whether the link is administratively up.
func (l *Link) Up() bool {
	return l.Flags&unix.IFF_UP != 0
}

// Loopback reports whether the link is a loopback device.
func (l *Link) Loopback() bool {
	return l.Flags&unix.IFF_LOOPBACK != 0
}

// Addr describes one address assigned to a link.
type Addr struct {
	Index     int
	Family    uint8
	PrefixLen uint8
	Scope     uint8
	IP        net.IP
}

// EventKind classifies a received rtnetlink notification.
type EventKind int

const (
	// NewLink and DelLink report link creation, deletion and flag
	// changes.
	NewLink EventKind = iota + 1
	DelLink
	// NewAddr and DelAddr report address changes.
	NewAddr
	DelAddr
	// RouteChanged reports any routing table change.  It carries no
	// payload; it exists so the monitor can re-enumerate addresses on
	// kernels which fail to deliver IPv6 address events reliably.
	RouteChanged
)

// Event is one parsed rtnetlink notification.
type Event struct {
	Kind EventKind
	Link *Link
	Addr *Addr
}

// Conn is a NETLINK_ROUTE connection.
type Conn struct {
	c *netlink.Conn
}

// Dial opens a NETLINK_ROUTE connection subscribed to the link,
// address and route multicast groups.
func Dial() (*Conn, error) {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{
		Groups: unix.RTMGRP_LINK |
			unix.RTMGRP_IPV4_IFADDR |
			unix.RTMGRP_IPV6_IFADDR |
			unix.RTMGRP_IPV4_ROUTE |
			unix.RTMGRP_IPV6_ROUTE,
	})
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// Close closes the connection, unblocking any pending Receive.
func (c *Conn) Close() error {
	return c.c.Close()
}

// DumpLinks enumerates every link known to the kernel.
func (c *Conn) DumpLinks() ([]Link, error) {
	msgs, err := c.c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_GETLINK,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: make([]byte, ifInfoMsgLen),
	})
	if err != nil {
		return nil, fmt.Errorf("link dump: %v", err)
	}

	var links []Link
	for _, m := range msgs {
		link, err := ParseLink(m.Data)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, nil
}

// DumpAddrs enumerates every address known to the kernel, both
// families.
func (c *Conn) DumpAddrs() ([]Addr, error) {
	msgs, err := c.c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_GETADDR,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: make([]byte, ifAddrMsgLen),
	})
	if err != nil {
		return nil, fmt.Errorf("address dump: %v", err)
	}

	var addrs []Addr
	for _, m := range msgs {
		addr, err := ParseAddr(m.Data)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, *addr)
	}
	return addrs, nil
}

// Receive blocks for the next batch of multicast notifications and
// parses them into events.  Notifications which fail to parse are
// skipped: the monitor re-enumerates on demand, so nothing is lost.
func (c *Conn) Receive() ([]Event, error) {
	msgs, err := c.c.Receive()
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, m := range msgs {
		switch m.Header.Type {
		case unix.RTM_NEWLINK, unix.RTM_DELLINK:
			link, err := ParseLink(m.Data)
			if err != nil {
				continue
			}
			kind := NewLink
			if m.Header.Type == unix.RTM_DELLINK {
				kind = DelLink
			}
			events = append(events, Event{Kind: kind, Link: link})
		case unix.RTM_NEWADDR, unix.RTM_DELADDR:
			addr, err := ParseAddr(m.Data)
			if err != nil {
				continue
			}
			kind := NewAddr
			if m.Header.Type == unix.RTM_DELADDR {
				kind = DelAddr
			}
			events = append(events, Event{Kind: kind, Addr: addr})
		case unix.RTM_NEWROUTE, unix.RTM_DELROUTE:
			events = append(events, Event{Kind: RouteChanged})
		}
	}
	return events, nil
}

// ParseLink decodes the ifinfomsg header and attributes of a link
// message.
func ParseLink(data []byte) (*Link, error) {
	if len(data) < ifInfoMsgLen {
		return nil, fmt.Errorf("link message of %d bytes too short for ifinfomsg", len(data))
	}

	link := &Link{
		Index: int(int32(nlenc.Uint32(data[4:8]))),
		Flags: nlenc.Uint32(data[8:12]),
	}

	ad, err := netlink.NewAttributeDecoder(data[ifInfoMsgLen:])
	if err != nil {
		return nil, err
	}
	for ad.Next() {
		switch ad.Type() {
		case unix.IFLA_IFNAME:
			link.Name = ad.String()
		case unix.IFLA_MTU:
			link.MTU = int(ad.Uint32())
		case unix.IFLA_ADDRESS:
			if b := ad.Bytes(); len(b) == 6 {
				copy(link.HWAddr[:], b)
			}
		}
	}
	if err := ad.Err(); err != nil {
		return nil, err
	}
	return link, nil
}

// ParseAddr decodes the ifaddrmsg header and attributes of an address
// message.
func ParseAddr(data []byte) (*Addr, error) {
	if len(data) < ifAddrMsgLen {
		return nil, fmt.Errorf("address message of %d bytes too short for ifaddrmsg", len(data))
	}

	addr := &Addr{
		Family:    data[0],
		PrefixLen: data[1],
		Scope:     data[3],
		Index:     int(int32(nlenc.Uint32(data[4:8]))),
	}

	ad, err := netlink.NewAttributeDecoder(data[ifAddrMsgLen:])
	if err != nil {
		return nil, err
	}
	var address, local net.IP
	for ad.Next() {
		switch ad.Type() {
		case unix.IFA_ADDRESS:
			address = net.IP(ad.Bytes())
		case unix.IFA_LOCAL:
			local = net.IP(ad.Bytes())
		}
	}
	if err := ad.Err(); err != nil {
		return nil, err
	}

	// For IPv4 the IFA_LOCAL attribute holds the interface address;
	// IFA_ADDRESS is the peer on pointopoint links.  IPv6 carries the
	// interface address in IFA_ADDRESS.
	if local != nil {
		addr.IP = local
	} else {
		addr.IP = address
	}
	if addr.IP == nil {
		return nil, fmt.Errorf("address message carries no address attribute")
	}
	return addr, nil
}
