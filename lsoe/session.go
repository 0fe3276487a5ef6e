package lsoe

import (
	"crypto/rand"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Session states.
const (
	stateIdle        = "idle"
	stateOpenSent    = "opensent"
	stateOpenRcvd    = "openrcvd"
	stateEstablished = "established"
	stateClosing     = "closing"
	stateClosed      = "closed"
)

// rtxEntry is one unacknowledged PDU awaiting its ACK.
type rtxEntry struct {
	pdu       ackable
	firstSend time.Time
	nextRetry time.Time
	interval  time.Duration
	attempts  uint
}

// session is the protocol relationship with one peer on one interface.
// Sessions are owned by the engine loop and are never touched from any
// other goroutine.
type session struct {
	logger    log.Logger
	eng       *Engine
	key       PeerKey
	localMAC  MAC
	initiator bool
	fsm       fsm

	nextSeq  uint32
	rtxq     []*rtxEntry
	deferred map[PDUType]ackable

	localNonce   [4]byte
	ourOpenAcked bool
	peerOpen     *OpenPDU
	holdTime     time.Duration

	lastRecv time.Time
	lastSend time.Time

	peerIPv4 []IPv4Encap
	peerIPv6 []IPv6Encap
	peerMPLS []MPLSEncap
}

func newSession(eng *Engine, key PeerKey, localMAC MAC, now time.Time) *session {
	s := &session{
		logger:   log.With(eng.logger, "session", key.String()),
		eng:      eng,
		key:      key,
		localMAC: localMAC,
		deferred: make(map[PDUType]ackable),
		holdTime: eng.cfg.HoldTime,
		lastRecv: now,
	}
	_, _ = rand.Read(s.localNonce[:])

	// The peer with the numerically lower MAC initiates the OPEN
	// exchange.  Identical MACs cannot name an initiator; such a
	// session stays passive.
	if localMAC == key.Peer {
		level.Error(s.logger).Log("message", "local and peer MAC addresses are identical, staying passive")
	} else {
		s.initiator = localMAC.Less(key.Peer)
	}

	s.fsm = fsm{
		current: stateIdle,
		table: []eventDesc{
			{from: stateIdle, events: []string{"local-open"}, cb: s.fsmActSendOpen, to: stateOpenSent},
			{from: stateIdle, events: []string{"open"}, cb: s.fsmActOnOpen, to: stateOpenRcvd},
			{from: stateIdle, events: []string{"local-close"}, cb: nil, to: stateClosed},

			{from: stateOpenSent, events: []string{"open"}, cb: s.fsmActOnOpenEstablish, to: stateEstablished},
			{from: stateOpenSent, events: []string{"open-acked"}, cb: nil, to: stateOpenSent},
			{from: stateOpenSent, events: []string{"local-close"}, cb: s.fsmActSendClose, to: stateClosing},

			{from: stateOpenRcvd, events: []string{"open-acked"}, cb: s.fsmActEstablished, to: stateEstablished},
			{from: stateOpenRcvd, events: []string{"open"}, cb: s.fsmActOnOpen, to: stateOpenRcvd},
			{from: stateOpenRcvd, events: []string{"local-close"}, cb: s.fsmActSendClose, to: stateClosing},

			{from: stateEstablished, events: []string{"open-acked"}, cb: nil, to: stateEstablished},
			{from: stateEstablished, events: []string{"local-close"}, cb: s.fsmActSendClose, to: stateClosing},

			{from: stateClosing, events: []string{"close-acked"}, cb: nil, to: stateClosed},
			{from: stateClosing, events: []string{"open", "open-acked"}, cb: nil, to: stateClosing},

			// Peer-initiated close and local failures are terminal
			// from every non-terminal state.
			{from: stateIdle, events: []string{"close-recv", "hold-expired", "rtx-exhausted", "link-down"}, cb: nil, to: stateClosed},
			{from: stateOpenSent, events: []string{"close-recv", "hold-expired", "rtx-exhausted", "link-down"}, cb: nil, to: stateClosed},
			{from: stateOpenRcvd, events: []string{"close-recv", "hold-expired", "rtx-exhausted", "link-down"}, cb: nil, to: stateClosed},
			{from: stateEstablished, events: []string{"close-recv", "hold-expired", "rtx-exhausted", "link-down"}, cb: nil, to: stateClosed},
			{from: stateClosing, events: []string{"close-recv", "hold-expired", "rtx-exhausted", "link-down"}, cb: nil, to: stateClosed},
		},
	}

	level.Info(s.logger).Log("message", "session created", "initiator", s.initiator)
	return s
}

func (s *session) state() string { return s.fsm.current }

func (s *session) terminal() bool { return s.fsm.current == stateClosed }

func (s *session) established() bool { return s.fsm.current == stateEstablished }

// handleEvent drives the state machine and logs the transition.
func (s *session) handleEvent(ev string, args ...interface{}) {
	from := s.fsm.current
	if err := s.fsm.handleEvent(ev, args...); err != nil {
		level.Debug(s.logger).Log("message", "ignoring event", "event", ev, "error", err)
		return
	}
	if from != s.fsm.current {
		level.Info(s.logger).Log("message", "state transition", "event", ev, "from", from, "to", s.fsm.current)
		if s.fsm.current == stateClosed {
			s.onClosed()
		}
		s.eng.sessionChanged(s)
	}
}

func (s *session) allocSeq() uint32 {
	s.nextSeq++
	return s.nextSeq
}

func (s *session) hasInflight(typ PDUType) bool {
	for _, e := range s.rtxq {
		if e.pdu.Type() == typ {
			return true
		}
	}
	return false
}

// sendPDU transmits a PDU, placing acknowledgeable PDUs on the
// retransmit queue.  The protocol is lock-step per PDU kind: while one
// PDU of a kind awaits its ACK, a replacement encapsulation is
// deferred (superseding any earlier deferral) and anything else is
// simply not re-sent.
func (s *session) sendPDU(pdu PDU, now time.Time) {
	a, needsAck := pdu.(ackable)
	if needsAck {
		if s.hasInflight(a.Type()) {
			switch a.Type() {
			case PDUTypeIPv4Encap, PDUTypeIPv6Encap, PDUTypeMPLSEncap:
				level.Debug(s.logger).Log("message", "deferring replacement PDU", "type", a.Type())
				s.deferred[a.Type()] = a
			default:
				level.Debug(s.logger).Log("message", "suppressing duplicate in-flight PDU", "type", a.Type())
			}
			return
		}
		a.setSeq(s.allocSeq())
		s.rtxq = append(s.rtxq, &rtxEntry{
			pdu:       a,
			firstSend: now,
			nextRetry: now.Add(s.eng.cfg.RetransmitBase),
			interval:  s.eng.cfg.RetransmitBase,
			attempts:  1,
		})
	}
	s.write(pdu, now)
}

func (s *session) write(pdu PDU, now time.Time) {
	level.Debug(s.logger).Log("message", "send", "pdu", pdu)
	if err := s.eng.writePDU(s.key, pdu); err != nil {
		if err == ErrLinkDown {
			s.handleEvent("link-down")
			return
		}
		level.Error(s.logger).Log("message", "send failed", "pdu", pdu, "error", err)
		return
	}
	s.lastSend = now
}

func (s *session) sendAck(pdu ackable, now time.Time) {
	s.write(&AckPDU{AckedType: pdu.Type(), AckedSeq: pdu.seq()}, now)
}

// handlePDU processes one fully reassembled, decoded PDU.
func (s *session) handlePDU(pdu PDU, now time.Time) {
	s.lastRecv = now
	level.Debug(s.logger).Log("message", "recv", "pdu", pdu)

	switch p := pdu.(type) {
	case *HelloPDU:
		// HELLOs are stateless.  They trigger the OPEN exchange on
		// the initiating side and are otherwise ignored.
		if s.fsm.current == stateIdle && s.initiator {
			s.handleEvent("local-open")
		}

	case *OpenPDU:
		s.handleOpen(p, now)

	case *KeepalivePDU:
		s.sendAck(p, now)

	case *AckPDU:
		s.handleAck(p, now)

	case *IPv4EncapPDU:
		if !s.established() {
			level.Debug(s.logger).Log("message", "dropping encapsulation, session not established")
			return
		}
		s.sendAck(p, now)
		s.peerIPv4 = p.Encaps
		s.eng.sessionChanged(s)

	case *IPv6EncapPDU:
		if !s.established() {
			level.Debug(s.logger).Log("message", "dropping encapsulation, session not established")
			return
		}
		s.sendAck(p, now)
		s.peerIPv6 = p.Encaps
		s.eng.sessionChanged(s)

	case *MPLSEncapPDU:
		if !s.established() {
			level.Debug(s.logger).Log("message", "dropping encapsulation, session not established")
			return
		}
		s.sendAck(p, now)
		s.peerMPLS = p.Encaps
		s.eng.sessionChanged(s)

	case *VendorPDU:
		s.handleVendor(p, now)

	case *ErrorPDU:
		level.Error(s.logger).Log("message", "peer reported error", "code", p.Code, "detail", p.Message)
		s.sendAck(p, now)
		switch p.Code {
		case ErrorCodeVersionMismatch, ErrorCodeMissingMandatoryField:
			s.handleEvent("local-close", CloseReasonError)
		}

	case *ClosePDU:
		s.sendAck(p, now)
		s.handleEvent("close-recv")
	}
}

func (s *session) handleOpen(p *OpenPDU, now time.Time) {
	if s.peerOpen != nil {
		if p.Nonce == s.peerOpen.Nonce {
			// Duplicate: our ACK was lost.  Re-ack and carry on.
			level.Debug(s.logger).Log("message", "duplicate OPEN", "nonce", p.Nonce)
			s.sendAck(p, now)
			return
		}
		// A changed nonce means the peer restarted.  Tear the session
		// down; its next HELLO or OPEN starts afresh.
		level.Info(s.logger).Log("message", "peer restarted, closing session")
		s.handleEvent("close-recv")
		return
	}
	s.handleEvent("open", p, now)
}

// handleAck matches an ACK against the retransmit queue by type and
// sequence number.
func (s *session) handleAck(p *AckPDU, now time.Time) {
	for i, e := range s.rtxq {
		if e.pdu.Type() != p.AckedType || e.pdu.seq() != p.AckedSeq {
			continue
		}
		s.rtxq = append(s.rtxq[:i], s.rtxq[i+1:]...)
		switch p.AckedType {
		case PDUTypeOpen:
			s.ourOpenAcked = true
			s.handleEvent("open-acked")
		case PDUTypeClose:
			s.handleEvent("close-acked")
		}
		if next, ok := s.deferred[p.AckedType]; ok {
			delete(s.deferred, p.AckedType)
			s.sendPDU(next, now)
		}
		return
	}
	level.Debug(s.logger).Log("message", "ACK matches no in-flight PDU", "acked_type", p.AckedType, "acked_seq", p.AckedSeq)
}

func (s *session) handleVendor(p *VendorPDU, now time.Time) {
	handler, ok := s.eng.vendorHandlers[p.Enterprise]
	if !ok {
		// Unknown enterprise numbers are acknowledged and discarded.
		level.Debug(s.logger).Log("message", "discarding vendor PDU for unknown enterprise", "enterprise", p.Enterprise)
		s.sendAck(p, now)
		return
	}
	if err := handler(s.key, p); err != nil {
		level.Error(s.logger).Log("message", "vendor handler rejected PDU", "enterprise", p.Enterprise, "error", err)
		s.sendPDU(&ErrorPDU{Code: ErrorCodeVendorRejected, Message: err.Error()}, now)
		return
	}
	s.sendAck(p, now)
}

// handleDecodeError deals with a PDU which failed to decode: surface
// the failure to the peer, and for fatal errors drive the session to
// Closing.
func (s *session) handleDecodeError(perr *protocolError, now time.Time) {
	s.lastRecv = now
	level.Error(s.logger).Log("message", "bad PDU from peer", "error", perr)
	s.sendPDU(&ErrorPDU{Code: perr.code, Message: perr.msg}, now)
	if perr.fatal {
		s.handleEvent("local-close", CloseReasonError)
	}
}

func (s *session) fsmActSendOpen(args []interface{}) {
	s.sendPDU(&OpenPDU{
		Nonce:    s.localNonce,
		LocalID:  s.eng.cfg.LocalID,
		HoldTime: uint16(s.eng.cfg.HoldTime / time.Second),
	}, s.eng.now())
}

// fsmActOnOpen runs when the peer's OPEN arrives before ours has been
// acknowledged: acknowledge it and make sure our own OPEN is out.
func (s *session) fsmActOnOpen(args []interface{}) {
	p, now := argsToOpen(args)
	s.acceptPeerOpen(p, now)
	if s.ourOpenAcked {
		// Both sides have now exchanged OPEN.
		s.handleEvent("open-acked")
		return
	}
	if !s.hasInflight(PDUTypeOpen) {
		s.fsmActSendOpen(nil)
	}
}

// fsmActOnOpenEstablish runs when the peer's OPEN completes the
// exchange from OpenSent.
func (s *session) fsmActOnOpenEstablish(args []interface{}) {
	p, now := argsToOpen(args)
	s.acceptPeerOpen(p, now)
	s.fsmActEstablished(nil)
}

func (s *session) acceptPeerOpen(p *OpenPDU, now time.Time) {
	s.peerOpen = p
	// The shorter of the two advertised hold times wins.
	if peerHold := time.Duration(p.HoldTime) * time.Second; peerHold > 0 && peerHold < s.holdTime {
		s.holdTime = peerHold
	}
	s.sendAck(p, now)
}

// fsmActEstablished performs the Established entry actions: advertise
// every address family with non-empty content.
func (s *session) fsmActEstablished(args []interface{}) {
	level.Info(s.logger).Log("message", "session established", "peer_id", s.peerOpen.LocalID)
	now := s.eng.now()
	for _, pdu := range s.eng.localEncapPDUs(s.key.IfIndex) {
		s.sendPDU(pdu, now)
	}
}

func (s *session) fsmActSendClose(args []interface{}) {
	reason := CloseReasonShutdown
	if len(args) == 1 {
		if r, ok := args[0].(uint16); ok {
			reason = r
		}
	}
	s.sendPDU(&ClosePDU{Reason: reason}, s.eng.now())
}

func (s *session) onClosed() {
	s.rtxq = nil
	for k := range s.deferred {
		delete(s.deferred, k)
	}
	s.peerIPv4 = nil
	s.peerIPv6 = nil
	s.peerMPLS = nil
	level.Info(s.logger).Log("message", "session closed")
}

// checkTimers services any expired deadlines: retransmits, keepalive
// transmission, and hold-time expiry.
func (s *session) checkTimers(now time.Time) {
	if s.terminal() {
		return
	}

	// Hold-time expiry is terminal with no CLOSE: the peer is
	// presumed unreachable.
	if now.Sub(s.lastRecv) >= s.holdTime {
		level.Info(s.logger).Log("message", "hold time expired", "hold_time", s.holdTime)
		s.handleEvent("hold-expired")
		return
	}

	for _, e := range s.rtxq {
		if now.Before(e.nextRetry) {
			continue
		}
		if e.attempts >= s.eng.cfg.MaxAttempts {
			level.Info(s.logger).Log("message", "retransmit attempts exhausted", "pdu", e.pdu)
			s.handleEvent("rtx-exhausted")
			return
		}
		e.attempts++
		e.interval *= 2
		if e.interval > s.eng.cfg.RetransmitCap {
			e.interval = s.eng.cfg.RetransmitCap
		}
		e.nextRetry = now.Add(e.interval)
		level.Debug(s.logger).Log("message", "retransmit", "pdu", e.pdu, "attempt", e.attempts)
		s.write(e.pdu, now)
	}

	if s.established() && now.Sub(s.lastSend) >= s.eng.cfg.KeepaliveInterval {
		s.sendPDU(&KeepalivePDU{}, now)
	}
}

// nextDeadline reports the session's earliest pending deadline.
func (s *session) nextDeadline() (time.Time, bool) {
	if s.terminal() {
		return time.Time{}, false
	}
	deadline := s.lastRecv.Add(s.holdTime)
	for _, e := range s.rtxq {
		if e.nextRetry.Before(deadline) {
			deadline = e.nextRetry
		}
	}
	// While a KEEPALIVE awaits its ACK no new one is sent, so its
	// retransmit entry, not the keepalive interval, is the deadline.
	if s.established() && !s.hasInflight(PDUTypeKeepalive) {
		if ka := s.lastSend.Add(s.eng.cfg.KeepaliveInterval); ka.Before(deadline) {
			deadline = ka
		}
	}
	return deadline, true
}

func argsToOpen(args []interface{}) (*OpenPDU, time.Time) {
	if len(args) != 2 {
		panic("expected OPEN PDU and timestamp arguments")
	}
	return args[0].(*OpenPDU), args[1].(time.Time)
}
