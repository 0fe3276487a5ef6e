package lsoe

import (
	"fmt"
	"net"
)

// Reporter is the northbound consumer of session snapshots.  The engine
// guarantees snapshot atomicity and stable identifiers; the reporter
// owns transport and delivery.
type Reporter interface {
	Report(snapshot *Snapshot)
}

// nullReporter discards snapshots.
type nullReporter struct{}

func (nullReporter) Report(*Snapshot) {}

// Snapshot is an atomic view of all live sessions, suitable for JSON
// serialization in the shape expected by a BGP-LS style consumer.
// Disappeared sessions are simply absent from the next snapshot.
type Snapshot struct {
	// Unique holds one stable identifier per reported session,
	// letting the consumer deduplicate repeated pushes.
	Unique   []string        `json:"unique"`
	LocalID  string          `json:"local_id"`
	Sessions []SessionReport `json:"sessions"`
}

// SessionReport describes one session within a snapshot.
type SessionReport struct {
	Interface string           `json:"interface"`
	LocalMAC  string           `json:"local_mac"`
	PeerMAC   string           `json:"peer_mac"`
	PeerID    string           `json:"peer_id"`
	State     string           `json:"state"`
	IPv4      []ReportedPrefix `json:"ipv4,omitempty"`
	IPv6      []ReportedPrefix `json:"ipv6,omitempty"`
	MPLS      []ReportedMPLS   `json:"mpls,omitempty"`
}

// ReportedPrefix is one peer address advertisement.
type ReportedPrefix struct {
	Prefix   string `json:"prefix"`
	Primary  bool   `json:"primary,omitempty"`
	Loopback bool   `json:"loopback,omitempty"`
}

// ReportedMPLS is one peer MPLS encapsulation advertisement.
type ReportedMPLS struct {
	Prefix   string   `json:"prefix"`
	Labels   []uint32 `json:"labels,omitempty"`
	Primary  bool     `json:"primary,omitempty"`
	Loopback bool     `json:"loopback,omitempty"`
}

func labelValue(l [3]byte) uint32 {
	return uint32(l[0])<<16 | uint32(l[1])<<8 | uint32(l[2])
}

// buildSnapshot assembles the current northbound view.  Only live
// (non-terminal) sessions are included.
func (e *Engine) buildSnapshot() *Snapshot {
	snap := &Snapshot{
		Unique:   []string{},
		LocalID:  fmt.Sprintf("%x", e.cfg.LocalID),
		Sessions: []SessionReport{},
	}
	for key, s := range e.sessions {
		if s.terminal() {
			continue
		}
		port, ok := e.ports[key.IfIndex]
		if !ok {
			continue
		}
		sr := SessionReport{
			Interface: port.iface.Name,
			LocalMAC:  port.iface.HWAddr.String(),
			PeerMAC:   key.Peer.String(),
			State:     s.state(),
		}
		if s.peerOpen != nil {
			sr.PeerID = fmt.Sprintf("%x", s.peerOpen.LocalID)
		}
		for _, enc := range s.peerIPv4 {
			sr.IPv4 = append(sr.IPv4, ReportedPrefix{
				Prefix:   fmt.Sprintf("%s/%d", net.IP(enc.Addr[:]), enc.PrefixLen),
				Primary:  enc.Flags&EncapFlagPrimary != 0,
				Loopback: enc.Flags&EncapFlagLoopback != 0,
			})
		}
		for _, enc := range s.peerIPv6 {
			sr.IPv6 = append(sr.IPv6, ReportedPrefix{
				Prefix:   fmt.Sprintf("%s/%d", net.IP(enc.Addr[:]), enc.PrefixLen),
				Primary:  enc.Flags&EncapFlagPrimary != 0,
				Loopback: enc.Flags&EncapFlagLoopback != 0,
			})
		}
		for _, enc := range s.peerMPLS {
			rm := ReportedMPLS{
				Prefix:   fmt.Sprintf("%s/%d", net.IP(enc.Addr), enc.PrefixLen),
				Primary:  enc.Flags&EncapFlagPrimary != 0,
				Loopback: enc.Flags&EncapFlagLoopback != 0,
			}
			for _, l := range enc.Labels {
				rm.Labels = append(rm.Labels, labelValue(l))
			}
			sr.MPLS = append(sr.MPLS, rm)
		}
		snap.Unique = append(snap.Unique, fmt.Sprintf("%s/%s/%s", sr.Interface, sr.LocalMAC, sr.PeerMAC))
		snap.Sessions = append(snap.Sessions, sr)
	}
	return snap
}
