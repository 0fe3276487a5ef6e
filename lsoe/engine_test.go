package lsoe

import (
	"sync"
	"testing"
	"time"
)

// memConn is an in-memory FrameConn.  Two connected endpoints form a
// link; an optional per-endpoint filter drops outbound frames, which
// the failure scenarios use.
type memConn struct {
	mu     sync.Mutex
	local  MAC
	peer   *memConn
	rx     chan capturedFrame
	closed bool
	filter func(b []byte) bool
}

func newMemLink(a, b MAC) (*memConn, *memConn) {
	ca := &memConn{local: a, rx: make(chan capturedFrame, 128)}
	cb := &memConn{local: b, rx: make(chan capturedFrame, 128)}
	ca.peer = cb
	cb.peer = ca
	return ca, cb
}

func (c *memConn) setFilter(f func(b []byte) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = f
}

func (c *memConn) Send(dst MAC, b []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrLinkDown
	}
	drop := c.filter != nil && c.filter(b)
	c.mu.Unlock()
	if drop {
		return nil
	}
	if dst != c.peer.local && dst != DefaultHelloMAC {
		return nil
	}
	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()
	if c.peer.closed {
		return nil
	}
	select {
	case c.peer.rx <- capturedFrame{dst: c.local, b: append([]byte(nil), b...)}:
	default:
	}
	return nil
}

func (c *memConn) Recv() ([]byte, MAC, error) {
	f, ok := <-c.rx
	if !ok {
		return nil, MAC{}, ErrLinkDown
	}
	return f.b, f.dst, nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.rx)
	}
	return nil
}

// snapshotReporter records the most recent snapshot.
type snapshotReporter struct {
	mu   sync.Mutex
	last *Snapshot
}

func (r *snapshotReporter) Report(s *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = s
}

func (r *snapshotReporter) snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testNode struct {
	name     string
	mac      MAC
	eng      *Engine
	events   chan IfaceEvent
	reporter *snapshotReporter
	conn     *memConn
	iface    Interface
}

// startNodePair wires two engines together over an in-memory link and
// brings one interface up on each.
func startNodePair(t *testing.T) (a, b *testNode) {
	t.Helper()
	macA := MAC{0x02, 0, 0, 0, 0, 0x01}
	macB := MAC{0x02, 0, 0, 0, 0, 0x02}
	connA, connB := newMemLink(macA, macB)

	cfg := EngineConfig{
		HelloInterval:     50 * time.Millisecond,
		KeepaliveInterval: 100 * time.Millisecond,
		HoldTime:          600 * time.Millisecond,
		RetransmitBase:    50 * time.Millisecond,
		RetransmitCap:     200 * time.Millisecond,
		MaxAttempts:       5,
		ReassemblyTTL:     time.Second,
	}

	mk := func(name string, mac MAC, conn *memConn, id byte, addr Prefix) *testNode {
		n := &testNode{
			name:     name,
			mac:      mac,
			events:   make(chan IfaceEvent, 16),
			reporter: &snapshotReporter{},
			conn:     conn,
		}
		nodeCfg := cfg
		nodeCfg.LocalID = [10]byte{id, id, id, id, id, id, id, id, id, id}
		n.eng = NewEngine(nil, nodeCfg, n.reporter, n.events, nil)
		n.eng.dial = func(iface Interface, etherType uint16) (FrameConn, error) {
			return conn, nil
		}
		n.iface = Interface{
			Index:  2,
			Name:   "veth0",
			HWAddr: mac,
			MTU:    1500,
			Addrs:  []Prefix{addr},
		}
		go n.eng.Run()
		return n
	}

	a = mk("A", macA, connA, 0xaa, Prefix{IP: []byte{192, 0, 2, 1}, PrefixLen: 24})
	b = mk("B", macB, connB, 0xbb, Prefix{IP: []byte{192, 0, 2, 2}, PrefixLen: 24})
	t.Cleanup(func() {
		a.eng.Shutdown()
		b.eng.Shutdown()
	})
	return a, b
}

// up delivers the interface-appeared event, starting the exchange.
func (n *testNode) up() {
	n.events <- IfaceEvent{Kind: IfaceAppeared, Iface: n.iface}
}

func bringUp(t *testing.T, a, b *testNode) {
	t.Helper()
	a.up()
	b.up()
	waitFor(t, "bring-up", func() bool {
		return a.sees("192.0.2.2/24") && b.sees("192.0.2.1/24")
	})
}

// sees reports whether the node's latest snapshot shows an
// established session advertising the given prefix.
func (n *testNode) sees(prefix string) bool {
	snap := n.reporter.snapshot()
	if snap == nil {
		return false
	}
	for _, s := range snap.Sessions {
		if s.State != stateEstablished {
			continue
		}
		for _, p := range s.IPv4 {
			if p.Prefix == prefix {
				return true
			}
		}
		for _, p := range s.IPv6 {
			if p.Prefix == prefix {
				return true
			}
		}
	}
	return false
}

func (n *testNode) sessionCount() int {
	snap := n.reporter.snapshot()
	if snap == nil {
		return 0
	}
	return len(snap.Sessions)
}

func TestEngineCleanBringUp(t *testing.T) {
	a, b := startNodePair(t)
	a.up()
	b.up()

	// Both sides must learn the other's address via the exchange.
	waitFor(t, "A to see B's address", func() bool { return a.sees("192.0.2.2/24") })
	waitFor(t, "B to see A's address", func() bool { return b.sees("192.0.2.1/24") })

	// Exactly one session per peer.
	if n := a.sessionCount(); n != 1 {
		t.Fatalf("A has %d sessions, want 1", n)
	}
	if n := b.sessionCount(); n != 1 {
		t.Fatalf("B has %d sessions, want 1", n)
	}
}

func TestEngineKeepaliveTimeout(t *testing.T) {
	a, b := startNodePair(t)
	bringUp(t, a, b)

	// B falls silent.  A's session must expire at the hold time and
	// vanish from the northbound view.
	b.conn.setFilter(func([]byte) bool { return true })
	waitFor(t, "A to drop the dead session", func() bool {
		return a.sessionCount() == 0
	})
}

func TestEngineRetransmitThenSuccess(t *testing.T) {
	a, b := startNodePair(t)

	// Drop B's first ACK of A's encapsulation PDU.  A must retransmit
	// and the exchange still completes.
	var mu sync.Mutex
	droppedOnce := false
	b.conn.setFilter(func(fb []byte) bool {
		f, err := parseFrame(fb)
		if err != nil || !f.last {
			return false
		}
		pdu, err := DecodePDU(f.payload)
		if err != nil {
			return false
		}
		ack, ok := pdu.(*AckPDU)
		if !ok || ack.AckedType != PDUTypeIPv4Encap {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if droppedOnce {
			return false
		}
		droppedOnce = true
		return true
	})

	a.up()
	b.up()
	waitFor(t, "exchange to complete despite the lost ACK", func() bool {
		return b.sees("192.0.2.1/24") && a.sees("192.0.2.2/24")
	})
	mu.Lock()
	defer mu.Unlock()
	if !droppedOnce {
		t.Fatalf("filter never saw the ACK it was meant to drop")
	}
}

func TestEngineAddressChange(t *testing.T) {
	a, b := startNodePair(t)
	bringUp(t, a, b)

	// A gains an IPv6 address: B's snapshot must pick it up.
	v6 := Prefix{
		IP:        []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		PrefixLen: 64,
	}
	updated := a.iface
	updated.Addrs = append(append([]Prefix{}, a.iface.Addrs...), v6)
	a.events <- IfaceEvent{Kind: AddrAdded, Iface: updated, Addr: &v6}

	waitFor(t, "B to see A's new IPv6 address", func() bool {
		return b.sees("2001:db8::1/64")
	})
}

func TestEngineInterfaceGone(t *testing.T) {
	a, b := startNodePair(t)
	bringUp(t, a, b)

	a.events <- IfaceEvent{Kind: IfaceGone, Iface: a.iface}
	waitFor(t, "A to close sessions on the dead interface", func() bool {
		return a.sessionCount() == 0
	})
}

func TestEngineMalformedPDU(t *testing.T) {
	a, b := startNodePair(t)
	bringUp(t, a, b)

	// Inject a PDU whose count field overruns the buffer, correctly
	// framed so it survives the transport layer.
	bad := []byte{0x00, 0x05, 0x00, 0x10, 0, 0, 0, 9, 0, 3, 0x80, 192, 0, 2, 9, 24}
	frames, err := fragmentPDU(bad, 1500)
	if err != nil {
		t.Fatalf("fragmentPDU: %v", err)
	}
	for _, f := range frames {
		if err := b.conn.Send(a.mac, f); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}

	// A must stay established and keep reporting B.
	time.Sleep(200 * time.Millisecond)
	if !a.sees("192.0.2.2/24") {
		t.Fatalf("malformed PDU disturbed the session")
	}
}
