package ifmon

import (
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arrcus/go-lsoe/internal/rtnl"
	"github.com/arrcus/go-lsoe/lsoe"
)

// fakeConn is a scripted rtnetlink connection.
type fakeConn struct {
	mu     sync.Mutex
	links  []rtnl.Link
	addrs  []rtnl.Addr
	evCh   chan []rtnl.Event
	closed bool
}

func newFakeConn(links []rtnl.Link, addrs []rtnl.Addr) *fakeConn {
	return &fakeConn{
		links: links,
		addrs: addrs,
		evCh:  make(chan []rtnl.Event, 16),
	}
}

func (c *fakeConn) DumpLinks() ([]rtnl.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rtnl.Link(nil), c.links...), nil
}

func (c *fakeConn) DumpAddrs() ([]rtnl.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rtnl.Addr(nil), c.addrs...), nil
}

func (c *fakeConn) Receive() ([]rtnl.Event, error) {
	evs, ok := <-c.evCh
	if !ok {
		return nil, unix.EBADF
	}
	return evs, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.evCh)
	}
	return nil
}

func (c *fakeConn) setAddrs(addrs []rtnl.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs = addrs
}

var (
	upEth0 = rtnl.Link{
		Index:  2,
		Name:   "eth0",
		HWAddr: [6]byte{0x02, 0, 0, 0, 0, 0x01},
		MTU:    1500,
		Flags:  unix.IFF_UP,
	}
	loopback = rtnl.Link{
		Index: 1,
		Name:  "lo",
		MTU:   65536,
		Flags: unix.IFF_UP | unix.IFF_LOOPBACK,
	}
	eth0V4 = rtnl.Addr{
		Index:     2,
		Family:    unix.AF_INET,
		PrefixLen: 24,
		IP:        net.IPv4(192, 0, 2, 1).To4(),
	}
	loV4 = rtnl.Addr{
		Index:     1,
		Family:    unix.AF_INET,
		PrefixLen: 8,
		IP:        net.IPv4(127, 0, 0, 1).To4(),
	}
)

func startMonitor(t *testing.T, cfg Config, c *fakeConn) *Monitor {
	t.Helper()
	m := newWithConn(nil, cfg, c)
	go m.Run()
	t.Cleanup(func() { m.Close() })
	return m
}

func nextEvent(t *testing.T, m *Monitor) lsoe.IfaceEvent {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for monitor event")
	}
	panic("unreachable")
}

func expectNoEvent(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %v for %s", ev.Kind, ev.Iface.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorInitialEnumeration(t *testing.T) {
	c := newFakeConn([]rtnl.Link{upEth0, loopback}, []rtnl.Addr{eth0V4, loV4})
	m := startMonitor(t, Config{}, c)

	// eth0 is admitted; loopback is excluded by default.
	ev := nextEvent(t, m)
	if ev.Kind != lsoe.IfaceAppeared || ev.Iface.Name != "eth0" {
		t.Fatalf("got %v for %s, want interface-appeared for eth0", ev.Kind, ev.Iface.Name)
	}
	if len(ev.Iface.Addrs) != 1 || ev.Iface.Addrs[0].String() != "192.0.2.1/24" {
		t.Fatalf("unexpected addresses %v", ev.Iface.Addrs)
	}
	if ev.Iface.HWAddr != (lsoe.MAC{0x02, 0, 0, 0, 0, 0x01}) {
		t.Fatalf("unexpected MAC %v", ev.Iface.HWAddr)
	}
	expectNoEvent(t, m)
}

func TestMonitorIncludeLoopback(t *testing.T) {
	c := newFakeConn([]rtnl.Link{loopback}, []rtnl.Addr{loV4})
	m := startMonitor(t, Config{IncludeLoopback: true}, c)

	ev := nextEvent(t, m)
	if ev.Kind != lsoe.IfaceAppeared || ev.Iface.Name != "lo" {
		t.Fatalf("got %v for %s, want interface-appeared for lo", ev.Kind, ev.Iface.Name)
	}
	if !ev.Iface.Loopback {
		t.Fatalf("loopback not flagged")
	}
}

func TestMonitorAllowlist(t *testing.T) {
	other := upEth0
	other.Index = 3
	other.Name = "eth1"
	otherAddr := eth0V4
	otherAddr.Index = 3

	c := newFakeConn([]rtnl.Link{upEth0, other}, []rtnl.Addr{eth0V4, otherAddr})
	m := startMonitor(t, Config{Interfaces: []string{"eth1"}}, c)

	ev := nextEvent(t, m)
	if ev.Iface.Name != "eth1" {
		t.Fatalf("allowlist admitted %s", ev.Iface.Name)
	}
	expectNoEvent(t, m)
}

func TestMonitorAddressLifecycle(t *testing.T) {
	c := newFakeConn([]rtnl.Link{upEth0}, []rtnl.Addr{eth0V4})
	m := startMonitor(t, Config{}, c)

	if ev := nextEvent(t, m); ev.Kind != lsoe.IfaceAppeared {
		t.Fatalf("got %v, want interface-appeared", ev.Kind)
	}

	v6 := rtnl.Addr{
		Index:     2,
		Family:    unix.AF_INET6,
		PrefixLen: 64,
		IP:        net.ParseIP("2001:db8::1"),
	}
	c.evCh <- []rtnl.Event{{Kind: rtnl.NewAddr, Addr: &v6}}
	ev := nextEvent(t, m)
	if ev.Kind != lsoe.AddrAdded || ev.Addr == nil || ev.Addr.String() != "2001:db8::1/64" {
		t.Fatalf("got %v %v, want address-added 2001:db8::1/64", ev.Kind, ev.Addr)
	}
	if len(ev.Iface.Addrs) != 2 {
		t.Fatalf("interface snapshot carries %d addresses, want 2", len(ev.Iface.Addrs))
	}

	c.evCh <- []rtnl.Event{{Kind: rtnl.DelAddr, Addr: &v6}}
	ev = nextEvent(t, m)
	if ev.Kind != lsoe.AddrRemoved || ev.Addr == nil || ev.Addr.String() != "2001:db8::1/64" {
		t.Fatalf("got %v %v, want address-removed", ev.Kind, ev.Addr)
	}

	// Losing the last address hides the interface.
	v4 := eth0V4
	c.evCh <- []rtnl.Event{{Kind: rtnl.DelAddr, Addr: &v4}}
	ev = nextEvent(t, m)
	if ev.Kind != lsoe.IfaceGone {
		t.Fatalf("got %v, want interface-gone", ev.Kind)
	}
}

func TestMonitorLinkDown(t *testing.T) {
	c := newFakeConn([]rtnl.Link{upEth0}, []rtnl.Addr{eth0V4})
	m := startMonitor(t, Config{}, c)
	nextEvent(t, m)

	down := upEth0
	down.Flags = 0
	c.evCh <- []rtnl.Event{{Kind: rtnl.NewLink, Link: &down}}
	if ev := nextEvent(t, m); ev.Kind != lsoe.IfaceGone {
		t.Fatalf("got %v, want interface-gone", ev.Kind)
	}

	c.evCh <- []rtnl.Event{{Kind: rtnl.NewLink, Link: &upEth0}}
	if ev := nextEvent(t, m); ev.Kind != lsoe.IfaceAppeared {
		t.Fatalf("got %v, want interface-appeared", ev.Kind)
	}
}

func TestMonitorRouteChangeSynthesizesAddressEvents(t *testing.T) {
	// The kernel quirk: an IPv6 address appears without its
	// RTM_NEWADDR.  The monitor must find it on the next routing
	// table change.
	c := newFakeConn([]rtnl.Link{upEth0}, []rtnl.Addr{eth0V4})
	m := startMonitor(t, Config{}, c)
	nextEvent(t, m)

	v6 := rtnl.Addr{
		Index:     2,
		Family:    unix.AF_INET6,
		PrefixLen: 64,
		IP:        net.ParseIP("2001:db8::1"),
	}
	c.setAddrs([]rtnl.Addr{eth0V4, v6})
	c.evCh <- []rtnl.Event{{Kind: rtnl.RouteChanged}}

	ev := nextEvent(t, m)
	if ev.Kind != lsoe.AddrAdded || ev.Addr == nil || ev.Addr.String() != "2001:db8::1/64" {
		t.Fatalf("got %v %v, want synthesized address-added", ev.Kind, ev.Addr)
	}
}
