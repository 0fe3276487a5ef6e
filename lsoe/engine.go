package lsoe

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// EngineConfig carries the tunable parameters governing the protocol
// engine.  Zero values are replaced with the protocol defaults.
type EngineConfig struct {
	// LocalID is this router's 10-byte identifier, advertised in OPEN.
	LocalID [10]byte
	// HelloMAC is the multicast destination for HELLO beacons.
	HelloMAC MAC
	// EtherType selects the EtherType LSOE frames are carried in.
	EtherType uint16
	// HelloInterval is the HELLO beacon period.
	HelloInterval time.Duration
	// KeepaliveInterval is the sending-silence interval after which a
	// KEEPALIVE is transmitted on an established session.
	KeepaliveInterval time.Duration
	// HoldTime is the advertised receive-silence interval after which
	// a session is declared dead.  The minimum of the two sides wins.
	HoldTime time.Duration
	// RetransmitBase is the initial retransmission timeout, doubling
	// on each retry up to RetransmitCap.
	RetransmitBase time.Duration
	// RetransmitCap bounds the exponential retransmission backoff.
	RetransmitCap time.Duration
	// MaxAttempts is the transmission attempt limit per PDU; reaching
	// it without an ACK tears the session down.
	MaxAttempts uint
	// ReassemblyTTL discards partial reassemblies which have made no
	// progress for this long.
	ReassemblyTTL time.Duration
	// MACCacheTimeout purges idle entries from the source MAC cache.
	MACCacheTimeout time.Duration
}

func (cfg *EngineConfig) applyDefaults() {
	if cfg.HelloMAC == (MAC{}) {
		cfg.HelloMAC = DefaultHelloMAC
	}
	if cfg.EtherType == 0 {
		cfg.EtherType = DefaultEtherType
	}
	if cfg.HelloInterval == 0 {
		cfg.HelloInterval = DefaultHelloInterval
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.HoldTime == 0 {
		cfg.HoldTime = DefaultHoldTime
	}
	if cfg.RetransmitBase == 0 {
		cfg.RetransmitBase = DefaultRetransmitBase
	}
	if cfg.RetransmitCap == 0 {
		cfg.RetransmitCap = DefaultRetransmitCap
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ReassemblyTTL == 0 {
		cfg.ReassemblyTTL = DefaultReassemblyTTL
	}
	if cfg.MACCacheTimeout == 0 {
		cfg.MACCacheTimeout = DefaultMACCacheTimeout
	}
}

// VendorHandler processes a vendor extension PDU for one registered
// enterprise number.  Returning nil acknowledges the PDU; returning an
// error rejects it with an ERROR PDU carrying the error text.
type VendorHandler func(peer PeerKey, pdu *VendorPDU) error

// DialFunc opens the raw link-layer connection for an interface.  The
// engine uses DialInterface unless overridden, which the tests do.
type DialFunc func(iface Interface, etherType uint16) (FrameConn, error)

// dropCounters tracks frames dropped without surfacing an error to the
// peer.  The values appear in the engine's periodic log line.
type dropCounters struct {
	shortFrame        uint64
	badVersion        uint64
	checksum          uint64
	outOfOrder        uint64
	reassemblyExpired uint64
	malformed         uint64
	unknownType       uint64
	macMoved          uint64
}

func (d *dropCounters) logValues() []interface{} {
	return []interface{}{
		"short_frame", d.shortFrame,
		"bad_version", d.badVersion,
		"checksum", d.checksum,
		"out_of_order", d.outOfOrder,
		"reassembly_expired", d.reassemblyExpired,
		"malformed", d.malformed,
		"unknown_type", d.unknownType,
		"mac_moved", d.macMoved,
	}
}

// port is one monitored interface with its open connection.
type port struct {
	iface Interface
	conn  FrameConn
}

type macEntry struct {
	ifindex  int
	lastSeen time.Time
}

// Engine events.  Everything that happens to the protocol arrives on
// the single event queue and is processed by the engine loop.
type frameEvent struct {
	ifindex int
	src     MAC
	b       []byte
}

type monitorEvent struct {
	ev IfaceEvent
}

type kickEvent struct{}

type shutdownEvent struct{}

// Engine is the process-wide protocol coordinator.  A single loop owns
// the session table, all connections, the HELLO beacon and the timer
// fabric; there is no shared mutable state because there are no other
// writers.
type Engine struct {
	logger         log.Logger
	cfg            EngineConfig
	reporter       Reporter
	dial           DialFunc
	vendorHandlers map[uint32]VendorHandler

	nowFn      func() time.Time
	ports      map[int]*port
	sessions   map[PeerKey]*session
	macCache   map[MAC]*macEntry
	reasm      *reassembler
	sched      *scheduler
	drops      dropCounters
	dirty      bool
	evChan     chan interface{}
	wg         sync.WaitGroup
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewEngine creates a protocol engine.
//
// Interface lifecycle is driven entirely by the events channel, which
// is normally fed by an ifmon.Monitor.  The vendor handler registry is
// fixed at construction.
func NewEngine(logger log.Logger, cfg EngineConfig, reporter Reporter, events <-chan IfaceEvent, handlers map[uint32]VendorHandler) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reporter == nil {
		reporter = nullReporter{}
	}
	registry := make(map[uint32]VendorHandler, len(handlers))
	for enterprise, h := range handlers {
		registry[enterprise] = h
	}
	e := &Engine{
		nowFn:          time.Now,
		logger:         logger,
		cfg:            cfg,
		reporter:       reporter,
		dial:           DialInterface,
		vendorHandlers: registry,
		ports:          make(map[int]*port),
		sessions:       make(map[PeerKey]*session),
		macCache:       make(map[MAC]*macEntry),
		reasm:          newReassembler(cfg.ReassemblyTTL),
		sched:          newScheduler(),
		evChan:         make(chan interface{}, 64),
	}
	if events != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for ev := range events {
				e.evChan <- monitorEvent{ev: ev}
			}
		}()
	}
	return e
}

func (e *Engine) now() time.Time { return e.nowFn() }

// Shutdown requests an orderly engine shutdown.  Safe to call from any
// goroutine; the engine sends best-effort CLOSE PDUs, closes its
// sockets and returns from Run.
func (e *Engine) Shutdown() {
	e.shutdownMu.Lock()
	defer e.shutdownMu.Unlock()
	if !e.isShutdown {
		e.isShutdown = true
		e.evChan <- shutdownEvent{}
	}
}

// Kick wakes the engine loop without delivering any work, forcing a
// deadline recalculation.  Safe to call from any goroutine.
func (e *Engine) Kick() {
	select {
	case e.evChan <- kickEvent{}:
	default:
	}
}

// Run executes the engine loop until Shutdown is called.  The loop
// waits on the event queue with a timeout of the earliest deadline
// across all sessions, services expired deadlines in time order, then
// dispatches queued events.
func (e *Engine) Run() error {
	now := e.now()
	e.sched.schedule(deadline{when: now, reason: reasonHello})
	e.sched.schedule(deadline{when: now.Add(e.cfg.ReassemblyTTL), reason: reasonReassemblyGC})
	e.sched.schedule(deadline{when: now.Add(e.cfg.MACCacheTimeout), reason: reasonMACCacheGC})

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now = e.now()
		e.serviceDeadlines(now)
		if e.dirty {
			e.dirty = false
			e.publish()
		}

		wait := time.Hour
		if d, ok := e.sched.peek(); ok {
			wait = d.when.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case ev := <-e.evChan:
			if e.handleEvent(ev) {
				return nil
			}
		case <-timer.C:
		}
	}
}

// handleEvent dispatches one queued event.  It reports true once the
// engine should exit.
func (e *Engine) handleEvent(ev interface{}) bool {
	now := e.now()
	switch ev := ev.(type) {
	case frameEvent:
		e.handleFrame(ev, now)
	case monitorEvent:
		e.handleMonitorEvent(ev.ev, now)
	case kickEvent:
	case shutdownEvent:
		e.shutdown(now)
		return true
	}
	return false
}

// serviceDeadlines pops and services every expired deadline in time
// order.
func (e *Engine) serviceDeadlines(now time.Time) {
	for {
		d, ok := e.sched.peek()
		if !ok || d.when.After(now) {
			return
		}
		d, _ = e.sched.pop()
		switch d.reason {
		case reasonSession:
			if s, ok := e.sessions[d.key]; ok {
				s.checkTimers(now)
				e.scheduleSession(s)
			}
		case reasonHello:
			e.sendHellos(now)
			e.sched.schedule(deadline{when: now.Add(e.cfg.HelloInterval), reason: reasonHello})
		case reasonReassemblyGC:
			if n := e.reasm.gc(now); n > 0 {
				e.drops.reassemblyExpired += uint64(n)
			}
			e.sched.schedule(deadline{when: now.Add(e.cfg.ReassemblyTTL), reason: reasonReassemblyGC})
		case reasonMACCacheGC:
			threshold := now.Add(-e.cfg.MACCacheTimeout)
			for mac, entry := range e.macCache {
				if entry.lastSeen.Before(threshold) {
					delete(e.macCache, mac)
				}
			}
			e.sched.schedule(deadline{when: now.Add(e.cfg.MACCacheTimeout), reason: reasonMACCacheGC})
		}
	}
}

// scheduleSession records the session's earliest deadline in the heap.
// Superseded entries stay in the heap; when popped they run the
// session's checkTimers, which does nothing before a deadline is due,
// and the session is rescheduled.
func (e *Engine) scheduleSession(s *session) {
	if s.terminal() {
		e.reapSession(s)
		return
	}
	if when, ok := s.nextDeadline(); ok {
		e.sched.schedule(deadline{when: when, reason: reasonSession, key: s.key})
	}
}

func (e *Engine) reapSession(s *session) {
	if _, ok := e.sessions[s.key]; ok {
		delete(e.sessions, s.key)
		e.reasm.drop(s.key)
		e.dirty = true
	}
}

// sessionChanged is called by sessions whenever their state or peer
// snapshot changes; the northbound push happens once per engine wake.
func (e *Engine) sessionChanged(s *session) {
	e.dirty = true
	if s.terminal() {
		e.reapSession(s)
	}
}

// sendHellos multicasts a HELLO beacon on every port.
func (e *Engine) sendHellos(now time.Time) {
	for _, p := range e.ports {
		pdu := &HelloPDU{HWAddr: p.iface.HWAddr}
		if err := e.writeTo(p, e.cfg.HelloMAC, pdu); err != nil {
			level.Error(e.logger).Log("message", "failed to send HELLO", "interface", p.iface.Name, "error", err)
		}
	}
	level.Debug(e.logger).Log(append([]interface{}{"message", "drop counters"}, e.drops.logValues()...)...)
}

// writePDU encodes, fragments and transmits a PDU to a session peer.
func (e *Engine) writePDU(key PeerKey, pdu PDU) error {
	p, ok := e.ports[key.IfIndex]
	if !ok {
		return ErrLinkDown
	}
	return e.writeTo(p, key.Peer, pdu)
}

func (e *Engine) writeTo(p *port, dst MAC, pdu PDU) error {
	b, err := pdu.ToBytes()
	if err != nil {
		return err
	}
	frames, err := fragmentPDU(b, p.iface.MTU)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := p.conn.Send(dst, f); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame runs the inbound path: transport verification,
// reassembly, PDU decode, session dispatch.
func (e *Engine) handleFrame(ev frameEvent, now time.Time) {
	p, ok := e.ports[ev.ifindex]
	if !ok {
		return
	}

	// First-seen interface binding per source MAC.  A MAC moving
	// between interfaces is suspicious on a point-to-point protocol;
	// drop until the cache entry ages out.
	if entry, ok := e.macCache[ev.src]; ok {
		if entry.ifindex != ev.ifindex {
			level.Error(e.logger).Log("message", "MAC address moved interfaces, dropping frame",
				"mac", ev.src, "from", entry.ifindex, "to", ev.ifindex)
			e.drops.macMoved++
			return
		}
		entry.lastSeen = now
	} else {
		e.macCache[ev.src] = &macEntry{ifindex: ev.ifindex, lastSeen: now}
	}

	f, err := parseFrame(ev.b)
	if err != nil {
		switch err {
		case frameErrShort:
			e.drops.shortFrame++
		case frameErrVersion:
			e.drops.badVersion++
		case frameErrChecksum:
			e.drops.checksum++
		}
		return
	}

	key := PeerKey{IfIndex: ev.ifindex, Peer: ev.src}
	buf, err := e.reasm.push(key, f, now)
	if err != nil {
		e.drops.outOfOrder++
		return
	}
	if buf == nil {
		return
	}

	pdu, err := DecodePDU(buf)
	if err != nil {
		perr, ok := err.(*protocolError)
		if !ok {
			e.drops.malformed++
			return
		}
		if perr.code == ErrorCodeUnknownPDUType {
			e.drops.unknownType++
			return
		}
		if s, ok := e.sessions[key]; ok {
			s.handleDecodeError(perr, now)
			e.scheduleSession(s)
		} else {
			e.drops.malformed++
		}
		return
	}

	s, ok := e.sessions[key]
	if !ok {
		// Sessions come into being on the first HELLO (or an OPEN,
		// for the case where the peer heard our HELLO first).
		switch pdu.Type() {
		case PDUTypeHello, PDUTypeOpen:
			s = newSession(e, key, p.iface.HWAddr, now)
			e.sessions[key] = s
			e.dirty = true
		default:
			level.Debug(e.logger).Log("message", "dropping PDU from unknown peer", "peer", key, "pdu", pdu)
			return
		}
	}
	s.handlePDU(pdu, now)
	e.scheduleSession(s)
}

// handleMonitorEvent applies one interface monitor event.
func (e *Engine) handleMonitorEvent(ev IfaceEvent, now time.Time) {
	switch ev.Kind {
	case IfaceAppeared:
		if _, ok := e.ports[ev.Iface.Index]; ok {
			e.ports[ev.Iface.Index].iface = ev.Iface
			return
		}
		conn, err := e.dial(ev.Iface, e.cfg.EtherType)
		if err != nil {
			level.Error(e.logger).Log("message", "failed to open interface", "interface", ev.Iface.Name, "error", err)
			return
		}
		p := &port{iface: ev.Iface, conn: conn}
		e.ports[ev.Iface.Index] = p
		e.startReader(p)
		level.Info(e.logger).Log("message", "interface up", "interface", ev.Iface.Name, "mac", ev.Iface.HWAddr, "mtu", ev.Iface.MTU)
		// Beacon immediately rather than waiting out the interval.
		pdu := &HelloPDU{HWAddr: ev.Iface.HWAddr}
		if err := e.writeTo(p, e.cfg.HelloMAC, pdu); err != nil {
			level.Error(e.logger).Log("message", "failed to send HELLO", "interface", ev.Iface.Name, "error", err)
		}
		e.dirty = true

	case IfaceGone:
		p, ok := e.ports[ev.Iface.Index]
		if !ok {
			return
		}
		delete(e.ports, ev.Iface.Index)
		p.conn.Close()
		for key, s := range e.sessions {
			if key.IfIndex == ev.Iface.Index {
				s.handleEvent("link-down")
				e.reapSession(s)
			}
		}
		level.Info(e.logger).Log("message", "interface gone", "interface", ev.Iface.Name)
		e.dirty = true

	case AddrAdded, AddrRemoved:
		p, ok := e.ports[ev.Iface.Index]
		if !ok {
			return
		}
		p.iface = ev.Iface
		e.readvertise(ev, now)
		e.dirty = true
	}
}

// readvertise re-sends the encapsulation PDU for the address family
// affected by a local address change, on every established session
// bound to the interface.
func (e *Engine) readvertise(ev IfaceEvent, now time.Time) {
	if ev.Addr == nil {
		return
	}
	var pdu func() ackable
	if ev.Addr.IsIPv4() {
		pdu = func() ackable { return e.buildIPv4Encap(ev.Iface.Index) }
	} else {
		pdu = func() ackable { return e.buildIPv6Encap(ev.Iface.Index) }
	}
	for key, s := range e.sessions {
		if key.IfIndex != ev.Iface.Index || !s.established() {
			continue
		}
		// Fresh PDU per session: sequence numbers are per-session.
		s.sendPDU(pdu(), now)
		e.scheduleSession(s)
	}
}

// localEncapPDUs builds the Established entry advertisements: one PDU
// per address family with non-empty content.
func (e *Engine) localEncapPDUs(ifindex int) []PDU {
	var pdus []PDU
	if pdu := e.buildIPv4Encap(ifindex); len(pdu.Encaps) > 0 {
		pdus = append(pdus, pdu)
	}
	if pdu := e.buildIPv6Encap(ifindex); len(pdu.Encaps) > 0 {
		pdus = append(pdus, pdu)
	}
	// MPLS advertisements are emitted empty until the draft's MPLS
	// semantics stabilise, which is to say not at all on entry.
	return pdus
}

func (e *Engine) buildIPv4Encap(ifindex int) *IPv4EncapPDU {
	pdu := &IPv4EncapPDU{}
	p, ok := e.ports[ifindex]
	if !ok {
		return pdu
	}
	for _, a := range p.iface.Addrs {
		v4 := a.IP.To4()
		if v4 == nil {
			continue
		}
		enc := IPv4Encap{PrefixLen: a.PrefixLen}
		copy(enc.Addr[:], v4)
		if len(pdu.Encaps) == 0 {
			enc.Flags |= EncapFlagPrimary
		}
		if p.iface.Loopback {
			enc.Flags |= EncapFlagLoopback
		}
		pdu.Encaps = append(pdu.Encaps, enc)
	}
	return pdu
}

func (e *Engine) buildIPv6Encap(ifindex int) *IPv6EncapPDU {
	pdu := &IPv6EncapPDU{}
	p, ok := e.ports[ifindex]
	if !ok {
		return pdu
	}
	for _, a := range p.iface.Addrs {
		if a.IP.To4() != nil {
			continue
		}
		v6 := a.IP.To16()
		if v6 == nil {
			continue
		}
		enc := IPv6Encap{PrefixLen: a.PrefixLen}
		copy(enc.Addr[:], v6)
		if len(pdu.Encaps) == 0 {
			enc.Flags |= EncapFlagPrimary
		}
		if p.iface.Loopback {
			enc.Flags |= EncapFlagLoopback
		}
		pdu.Encaps = append(pdu.Encaps, enc)
	}
	return pdu
}

// startReader spawns the receive goroutine for a port.  Raw frames are
// funnelled into the engine event queue; all protocol work happens on
// the engine loop.
func (e *Engine) startReader(p *port) {
	ifindex := p.iface.Index
	conn := p.conn
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			b, src, err := conn.Recv()
			if err != nil {
				return
			}
			e.evChan <- frameEvent{ifindex: ifindex, src: src, b: b}
		}
	}()
}

// shutdown sends a best-effort CLOSE on every established session and
// closes all connections.  No retransmission: the process is exiting.
func (e *Engine) shutdown(now time.Time) {
	level.Info(e.logger).Log(append([]interface{}{"message", "shutting down"}, e.drops.logValues()...)...)
	for key, s := range e.sessions {
		if s.established() {
			pdu := &ClosePDU{Reason: CloseReasonShutdown}
			pdu.setSeq(s.allocSeq())
			if err := e.writePDU(key, pdu); err != nil && err != ErrLinkDown {
				level.Error(e.logger).Log("message", "failed to send CLOSE", "session", key, "error", err)
			}
		}
	}
	for _, p := range e.ports {
		p.conn.Close()
	}
	e.ports = make(map[int]*port)
	e.sessions = make(map[PeerKey]*session)
	e.publish()
}

func (e *Engine) publish() {
	e.reporter.Report(e.buildSnapshot())
}

// Drops returns a copy of the rolling dropped-frame counters.
func (e *Engine) Drops() map[string]uint64 {
	vals := e.drops.logValues()
	out := make(map[string]uint64, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		out[vals[i].(string)] = vals[i+1].(uint64)
	}
	return out
}
