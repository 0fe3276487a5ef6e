/*
Package ifmon monitors kernel network interface and address state for
the LSOE engine.

The monitor enumerates interfaces at startup, subscribes to the
rtnetlink link, address and route multicast groups, and emits a
normalized event stream of interface and address changes.  It is the
engine's sole source of truth about local interface state.

Some kernels fail to deliver the IPv6 address-added notification
reliably.  As a fallback the monitor re-enumerates all addresses on
every routing table change and synthesizes the missing events from the
diff against its last known snapshot.
*/
package ifmon

import (
	"fmt"
	"sort"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/arrcus/go-lsoe/internal/rtnl"
	"github.com/arrcus/go-lsoe/lsoe"
)

// Config selects which interfaces the monitor reports.
type Config struct {
	// Interfaces is an optional allowlist of interface names.  Empty
	// means all interfaces.
	Interfaces []string
	// IncludeLoopback admits loopback interfaces, which are excluded
	// by default.
	IncludeLoopback bool
}

// conn is the slice of rtnl.Conn the monitor depends on, separable for
// testing.
type conn interface {
	DumpLinks() ([]rtnl.Link, error)
	DumpAddrs() ([]rtnl.Addr, error)
	Receive() ([]rtnl.Event, error)
	Close() error
}

// ifState tracks one link: the kernel's view, and what has been
// published downstream.
type ifState struct {
	link     rtnl.Link
	gone     bool
	addrs    map[string]lsoe.Prefix
	pub      bool
	pubAddrs map[string]lsoe.Prefix
}

// Monitor watches kernel interface state and emits lsoe.IfaceEvent
// values on its event channel.
type Monitor struct {
	logger log.Logger
	cfg    Config
	conn   conn
	events chan lsoe.IfaceEvent
	state  map[int]*ifState
}

// New creates a monitor attached to a fresh NETLINK_ROUTE connection.
func New(logger log.Logger, cfg Config) (*Monitor, error) {
	c, err := rtnl.Dial()
	if err != nil {
		return nil, fmt.Errorf("failed to open rtnetlink connection: %v", err)
	}
	return newWithConn(logger, cfg, c), nil
}

func newWithConn(logger log.Logger, cfg Config, c conn) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Monitor{
		logger: logger,
		cfg:    cfg,
		conn:   c,
		events: make(chan lsoe.IfaceEvent, 64),
		state:  make(map[int]*ifState),
	}
}

// Events returns the monitor's event channel.  It is closed when Run
// returns.
func (m *Monitor) Events() <-chan lsoe.IfaceEvent {
	return m.events
}

// Close shuts the monitor down, unblocking Run.
func (m *Monitor) Close() error {
	return m.conn.Close()
}

// Run enumerates current state, emits the initial events, and then
// processes kernel notifications until the connection is closed.
func (m *Monitor) Run() error {
	defer close(m.events)

	if err := m.enumerate(); err != nil {
		return err
	}

	for {
		events, err := m.conn.Receive()
		if err != nil {
			return nil
		}
		for _, ev := range events {
			m.handle(ev)
		}
	}
}

func (m *Monitor) enumerate() error {
	links, err := m.conn.DumpLinks()
	if err != nil {
		return err
	}
	addrs, err := m.conn.DumpAddrs()
	if err != nil {
		return err
	}
	for _, l := range links {
		m.state[l.Index] = &ifState{
			link:  l,
			addrs: make(map[string]lsoe.Prefix),
		}
	}
	for _, a := range addrs {
		if st, ok := m.state[a.Index]; ok {
			p := prefixOf(a)
			st.addrs[p.String()] = p
		}
	}
	for idx := range m.state {
		m.sync(idx)
	}
	return nil
}

func (m *Monitor) handle(ev rtnl.Event) {
	switch ev.Kind {
	case rtnl.NewLink:
		st, ok := m.state[ev.Link.Index]
		if !ok {
			st = &ifState{addrs: make(map[string]lsoe.Prefix)}
			m.state[ev.Link.Index] = st
		}
		st.link = *ev.Link
		st.gone = false
		m.sync(ev.Link.Index)

	case rtnl.DelLink:
		if st, ok := m.state[ev.Link.Index]; ok {
			st.gone = true
			m.sync(ev.Link.Index)
			delete(m.state, ev.Link.Index)
		}

	case rtnl.NewAddr:
		if st, ok := m.state[ev.Addr.Index]; ok {
			p := prefixOf(*ev.Addr)
			st.addrs[p.String()] = p
			m.sync(ev.Addr.Index)
		}

	case rtnl.DelAddr:
		if st, ok := m.state[ev.Addr.Index]; ok {
			p := prefixOf(*ev.Addr)
			delete(st.addrs, p.String())
			m.sync(ev.Addr.Index)
		}

	case rtnl.RouteChanged:
		// The IPv6 address event fallback: re-enumerate everything
		// and let the diff synthesize whatever the kernel failed to
		// deliver.
		m.resyncAddrs()
	}
}

// resyncAddrs replaces every link's address list with a fresh kernel
// dump and publishes the differences.
func (m *Monitor) resyncAddrs() {
	addrs, err := m.conn.DumpAddrs()
	if err != nil {
		level.Error(m.logger).Log("message", "address re-enumeration failed", "error", err)
		return
	}
	fresh := make(map[int]map[string]lsoe.Prefix)
	for _, a := range addrs {
		p := prefixOf(a)
		if fresh[a.Index] == nil {
			fresh[a.Index] = make(map[string]lsoe.Prefix)
		}
		fresh[a.Index][p.String()] = p
	}
	for idx, st := range m.state {
		if f := fresh[idx]; f != nil {
			st.addrs = f
		} else {
			st.addrs = make(map[string]lsoe.Prefix)
		}
		m.sync(idx)
	}
}

// admits applies the operator's interface policy.
func (m *Monitor) admits(l *rtnl.Link) bool {
	if !l.Up() {
		return false
	}
	if l.Loopback() && !m.cfg.IncludeLoopback {
		return false
	}
	if len(m.cfg.Interfaces) == 0 {
		return true
	}
	for _, name := range m.cfg.Interfaces {
		if name == l.Name {
			return true
		}
	}
	return false
}

// sync compares a link's current state with what has been published
// and emits the events which reconcile the two.
func (m *Monitor) sync(idx int) {
	st := m.state[idx]
	if st == nil {
		return
	}
	visible := !st.gone && m.admits(&st.link) && len(st.addrs) > 0

	switch {
	case !st.pub && visible:
		st.pub = true
		st.pubAddrs = copyAddrs(st.addrs)
		m.emit(lsoe.IfaceEvent{Kind: lsoe.IfaceAppeared, Iface: m.ifaceOf(st)})

	case st.pub && !visible:
		st.pub = false
		st.pubAddrs = nil
		m.emit(lsoe.IfaceEvent{Kind: lsoe.IfaceGone, Iface: m.ifaceOf(st)})

	case st.pub && visible:
		iface := m.ifaceOf(st)
		for _, key := range sortedKeys(st.addrs) {
			if _, ok := st.pubAddrs[key]; !ok {
				p := st.addrs[key]
				m.emit(lsoe.IfaceEvent{Kind: lsoe.AddrAdded, Iface: iface, Addr: &p})
			}
		}
		for _, key := range sortedKeys(st.pubAddrs) {
			if _, ok := st.addrs[key]; !ok {
				p := st.pubAddrs[key]
				m.emit(lsoe.IfaceEvent{Kind: lsoe.AddrRemoved, Iface: iface, Addr: &p})
			}
		}
		st.pubAddrs = copyAddrs(st.addrs)
	}
}

func (m *Monitor) emit(ev lsoe.IfaceEvent) {
	level.Debug(m.logger).Log("message", "interface event",
		"kind", ev.Kind, "interface", ev.Iface.Name)
	m.events <- ev
}

// ifaceOf renders the published view of a link.
func (m *Monitor) ifaceOf(st *ifState) lsoe.Interface {
	iface := lsoe.Interface{
		Index:    st.link.Index,
		Name:     st.link.Name,
		HWAddr:   lsoe.MAC(st.link.HWAddr),
		MTU:      st.link.MTU,
		Loopback: st.link.Loopback(),
	}
	for _, key := range sortedKeys(st.addrs) {
		iface.Addrs = append(iface.Addrs, st.addrs[key])
	}
	return iface
}

func prefixOf(a rtnl.Addr) lsoe.Prefix {
	return lsoe.Prefix{
		IP:        a.IP,
		PrefixLen: a.PrefixLen,
		Scope:     a.Scope,
	}
}

func copyAddrs(in map[string]lsoe.Prefix) map[string]lsoe.Prefix {
	out := make(map[string]lsoe.Prefix, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(in map[string]lsoe.Prefix) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
