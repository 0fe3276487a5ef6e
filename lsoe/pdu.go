package lsoe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	pduHeaderLen = 4
	pduMaxLen    = int(^uint16(0))
)

// pduHeader is the common on-the-wire header shared by every PDU.
type pduHeader struct {
	Version uint8
	Type    uint8
	Length  uint16
}

// protocolError describes a failure to decode or process a PDU.  Fatal
// errors drive the session to Closing after the ERROR PDU is sent.
type protocolError struct {
	code  ErrorCode
	fatal bool
	msg   string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%v: %s", e.code, e.msg)
}

func malformed(format string, args ...interface{}) error {
	return &protocolError{code: ErrorCodeMalformedPDU, msg: fmt.Sprintf(format, args...)}
}

func malformedFatal(code ErrorCode, format string, args ...interface{}) error {
	return &protocolError{code: code, fatal: true, msg: fmt.Sprintf(format, args...)}
}

// PDU is the closed set of LSOE protocol data units.  Concrete types
// are dispatched over with a single type switch; the vendor extension
// PDU is the sole open extension point.
type PDU interface {
	// Type returns the PDU type tag.
	Type() PDUType
	// ToBytes renders the PDU, header included, for transmission.
	ToBytes() ([]byte, error)
	// parseBody decodes the body following the common header.
	parseBody(b []byte) error
}

// ackable is implemented by every PDU which must be acknowledged: all
// types except HELLO and ACK.  The sequence number is stamped by the
// session at first transmission and echoed back in the ACK.
type ackable interface {
	PDU
	seq() uint32
	setSeq(uint32)
}

// sequenced provides the sequence-number field shared by all
// acknowledgeable PDU bodies.
type sequenced struct {
	Seq uint32
}

func (s *sequenced) seq() uint32     { return s.Seq }
func (s *sequenced) setSeq(n uint32) { s.Seq = n }

// encodePDU wraps an encoded body in the common header.
func encodePDU(typ PDUType, body []byte) ([]byte, error) {
	if pduHeaderLen+len(body) > pduMaxLen {
		return nil, fmt.Errorf("%v PDU body of %d bytes overflows length field", typ, len(body))
	}
	buf := new(bytes.Buffer)
	hdr := pduHeader{
		Version: ProtocolVersion,
		Type:    uint8(typ),
		Length:  uint16(pduHeaderLen + len(body)),
	}
	if err := binary.Write(buf, binary.BigEndian, hdr); err != nil {
		return nil, err
	}
	_, _ = buf.Write(body)
	return buf.Bytes(), nil
}

// DecodePDU parses a reassembled PDU buffer.
//
// Unknown PDU types and version mismatches are reported as protocol
// errors with their own codes: the engine counts and drops unknown
// types, and surfaces a version mismatch to the peer; vendor
// PDUs with unknown enterprise numbers decode successfully and are
// dealt with by the handler registry.
func DecodePDU(b []byte) (PDU, error) {
	var hdr pduHeader
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, malformed("buffer of %d bytes too short for PDU header", len(b))
	}
	if hdr.Version != ProtocolVersion {
		return nil, malformedFatal(ErrorCodeVersionMismatch,
			"PDU version %d, expected %d", hdr.Version, ProtocolVersion)
	}
	if int(hdr.Length) != len(b) {
		return nil, malformed("PDU length %d does not match buffer of %d bytes", hdr.Length, len(b))
	}

	var pdu PDU
	switch PDUType(hdr.Type) {
	case PDUTypeHello:
		pdu = &HelloPDU{}
	case PDUTypeOpen:
		pdu = &OpenPDU{}
	case PDUTypeKeepalive:
		pdu = &KeepalivePDU{}
	case PDUTypeAck:
		pdu = &AckPDU{}
	case PDUTypeIPv4Encap:
		pdu = &IPv4EncapPDU{}
	case PDUTypeIPv6Encap:
		pdu = &IPv6EncapPDU{}
	case PDUTypeMPLSEncap:
		pdu = &MPLSEncapPDU{}
	case PDUTypeVendor:
		pdu = &VendorPDU{}
	case PDUTypeError:
		pdu = &ErrorPDU{}
	case PDUTypeClose:
		pdu = &ClosePDU{}
	default:
		return nil, &protocolError{
			code: ErrorCodeUnknownPDUType,
			msg:  fmt.Sprintf("unknown PDU type %d", hdr.Type),
		}
	}

	if err := pdu.parseBody(b[pduHeaderLen:]); err != nil {
		return nil, err
	}
	return pdu, nil
}

// HelloPDU is the periodic multicast discovery beacon.  It carries the
// sender's hardware address so receivers can learn the unicast
// destination for the rest of the exchange.
type HelloPDU struct {
	HWAddr MAC
}

// Type implements the PDU interface.
func (p *HelloPDU) Type() PDUType { return PDUTypeHello }

// ToBytes implements the PDU interface.
func (p *HelloPDU) ToBytes() ([]byte, error) {
	return encodePDU(PDUTypeHello, p.HWAddr[:])
}

func (p *HelloPDU) parseBody(b []byte) error {
	if len(b) != 6 {
		return malformed("HELLO body of %d bytes, expected 6", len(b))
	}
	copy(p.HWAddr[:], b)
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *HelloPDU) String() string {
	return fmt.Sprintf("<HELLO %s>", p.HWAddr)
}

// OpenPDU initiates a session.  The nonce distinguishes restarts of the
// same peer; the hold time advertises how long the sender is prepared
// to wait between frames before declaring the session dead, with the
// minimum of the two sides winning.
type OpenPDU struct {
	sequenced
	Nonce      [4]byte
	LocalID    [10]byte
	HoldTime   uint16
	Attributes []byte
}

// Type implements the PDU interface.
func (p *OpenPDU) Type() PDUType { return PDUTypeOpen }

// ToBytes implements the PDU interface.
func (p *OpenPDU) ToBytes() ([]byte, error) {
	if len(p.Attributes) > int(^uint16(0)) {
		return nil, fmt.Errorf("OPEN attributes of %d bytes overflow length field", len(p.Attributes))
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.Seq)
	_, _ = buf.Write(p.Nonce[:])
	_, _ = buf.Write(p.LocalID[:])
	_ = binary.Write(buf, binary.BigEndian, p.HoldTime)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(p.Attributes)))
	_, _ = buf.Write(p.Attributes)
	// Authentication length.  Implementation restriction until the
	// LSOE signature specification is written: always zero.
	_ = binary.Write(buf, binary.BigEndian, uint16(0))
	return encodePDU(PDUTypeOpen, buf.Bytes())
}

func (p *OpenPDU) parseBody(b []byte) error {
	const fixedLen = 4 + 4 + 10 + 2 + 2 + 2
	if len(b) < fixedLen {
		return malformed("OPEN body of %d bytes too short", len(b))
	}
	p.Seq = binary.BigEndian.Uint32(b)
	copy(p.Nonce[:], b[4:8])
	copy(p.LocalID[:], b[8:18])
	p.HoldTime = binary.BigEndian.Uint16(b[18:])
	attrLen := int(binary.BigEndian.Uint16(b[20:]))
	rest := b[22:]
	if attrLen > len(rest)-2 {
		return malformed("OPEN attribute length %d exceeds remaining %d bytes", attrLen, len(rest))
	}
	if attrLen > 0 {
		p.Attributes = append([]byte(nil), rest[:attrLen]...)
	}
	rest = rest[attrLen:]
	if authLen := binary.BigEndian.Uint16(rest); authLen != 0 {
		// Signed OPEN is anticipated but not yet specified.
		return malformed("OPEN authentication length %d, must be zero", authLen)
	}
	if len(rest) != 2 {
		return malformed("OPEN body has %d trailing bytes", len(rest)-2)
	}
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *OpenPDU) String() string {
	return fmt.Sprintf("<OPEN seq %d nonce %x id %x hold %ds>", p.Seq, p.Nonce, p.LocalID, p.HoldTime)
}

// KeepalivePDU keeps an established session alive during send silence.
type KeepalivePDU struct {
	sequenced
}

// Type implements the PDU interface.
func (p *KeepalivePDU) Type() PDUType { return PDUTypeKeepalive }

// ToBytes implements the PDU interface.
func (p *KeepalivePDU) ToBytes() ([]byte, error) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, p.Seq)
	return encodePDU(PDUTypeKeepalive, body)
}

func (p *KeepalivePDU) parseBody(b []byte) error {
	if len(b) != 4 {
		return malformed("KEEPALIVE body of %d bytes, expected 4", len(b))
	}
	p.Seq = binary.BigEndian.Uint32(b)
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *KeepalivePDU) String() string {
	return fmt.Sprintf("<KEEPALIVE seq %d>", p.Seq)
}

// AckPDU acknowledges a single PDU by type and sequence number.
type AckPDU struct {
	AckedType PDUType
	AckedSeq  uint32
}

// Type implements the PDU interface.
func (p *AckPDU) Type() PDUType { return PDUTypeAck }

// ToBytes implements the PDU interface.
func (p *AckPDU) ToBytes() ([]byte, error) {
	body := make([]byte, 6)
	body[0] = uint8(p.AckedType)
	binary.BigEndian.PutUint32(body[2:], p.AckedSeq)
	return encodePDU(PDUTypeAck, body)
}

func (p *AckPDU) parseBody(b []byte) error {
	if len(b) != 6 {
		return malformed("ACK body of %d bytes, expected 6", len(b))
	}
	typ := PDUType(b[0])
	switch typ {
	case PDUTypeHello, PDUTypeAck:
		return malformed("ACK of un-acknowledged PDU type %v", typ)
	case PDUTypeOpen, PDUTypeKeepalive, PDUTypeIPv4Encap, PDUTypeIPv6Encap,
		PDUTypeMPLSEncap, PDUTypeVendor, PDUTypeError, PDUTypeClose:
	default:
		return malformed("ACK of unknown PDU type %d", b[0])
	}
	if b[1] != 0 {
		return malformed("ACK reserved field 0x%02x, must be zero", b[1])
	}
	p.AckedType = typ
	p.AckedSeq = binary.BigEndian.Uint32(b[2:])
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *AckPDU) String() string {
	return fmt.Sprintf("<ACK %v seq %d>", p.AckedType, p.AckedSeq)
}

// EncapFlags carries the per-entry flag bits in an encapsulation list.
type EncapFlags uint8

const (
	// EncapFlagPrimary marks the entry the sender considers its
	// primary address for the family.
	EncapFlagPrimary EncapFlags = 0x80
	// EncapFlagLoopback marks an address borrowed from a loopback
	// interface.
	EncapFlagLoopback EncapFlags = 0x40

	encapFlagsMask = EncapFlagPrimary | EncapFlagLoopback
)

func checkEncapFlags(f EncapFlags) error {
	if f&^encapFlagsMask != 0 {
		return malformed("encapsulation flags 0x%02x have reserved bits set", uint8(f))
	}
	return nil
}

// IPv4Encap is one IPv4 address advertisement.
type IPv4Encap struct {
	Flags     EncapFlags
	Addr      [4]byte
	PrefixLen uint8
}

// IPv6Encap is one IPv6 address advertisement.
type IPv6Encap struct {
	Flags     EncapFlags
	Addr      [16]byte
	PrefixLen uint8
}

// MPLSEncap is one MPLS encapsulation advertisement: a label stack over
// an IPv4 or IPv6 nexthop.  The draft's MPLS semantics are not yet
// stable; the engine advertises no MPLS encapsulations and never sends
// an MPLS-ENCAPSULATION PDU, but decodes and reports received ones.
type MPLSEncap struct {
	Flags     EncapFlags
	Labels    [][3]byte
	Addr      []byte
	PrefixLen uint8
}

// IPv4EncapPDU advertises the sender's complete IPv4 address set.  It
// atomically replaces the receiver's previous IPv4 snapshot.
type IPv4EncapPDU struct {
	sequenced
	Encaps []IPv4Encap
}

// Type implements the PDU interface.
func (p *IPv4EncapPDU) Type() PDUType { return PDUTypeIPv4Encap }

// ToBytes implements the PDU interface.
func (p *IPv4EncapPDU) ToBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.Seq)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(p.Encaps)))
	for _, e := range p.Encaps {
		buf.WriteByte(uint8(e.Flags))
		_, _ = buf.Write(e.Addr[:])
		buf.WriteByte(e.PrefixLen)
	}
	return encodePDU(PDUTypeIPv4Encap, buf.Bytes())
}

func (p *IPv4EncapPDU) parseBody(b []byte) error {
	const entryLen = 6
	count, rest, err := parseEncapListHeader(&p.sequenced, "IPV4-ENCAPSULATION", b, entryLen)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		var e IPv4Encap
		e.Flags = EncapFlags(rest[0])
		if err := checkEncapFlags(e.Flags); err != nil {
			return err
		}
		copy(e.Addr[:], rest[1:5])
		e.PrefixLen = rest[5]
		p.Encaps = append(p.Encaps, e)
		rest = rest[entryLen:]
	}
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *IPv4EncapPDU) String() string {
	return fmt.Sprintf("<IPV4-ENCAPSULATION seq %d, %d entries>", p.Seq, len(p.Encaps))
}

// IPv6EncapPDU advertises the sender's complete IPv6 address set.
type IPv6EncapPDU struct {
	sequenced
	Encaps []IPv6Encap
}

// Type implements the PDU interface.
func (p *IPv6EncapPDU) Type() PDUType { return PDUTypeIPv6Encap }

// ToBytes implements the PDU interface.
func (p *IPv6EncapPDU) ToBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.Seq)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(p.Encaps)))
	for _, e := range p.Encaps {
		buf.WriteByte(uint8(e.Flags))
		_, _ = buf.Write(e.Addr[:])
		buf.WriteByte(e.PrefixLen)
	}
	return encodePDU(PDUTypeIPv6Encap, buf.Bytes())
}

func (p *IPv6EncapPDU) parseBody(b []byte) error {
	const entryLen = 18
	count, rest, err := parseEncapListHeader(&p.sequenced, "IPV6-ENCAPSULATION", b, entryLen)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		var e IPv6Encap
		e.Flags = EncapFlags(rest[0])
		if err := checkEncapFlags(e.Flags); err != nil {
			return err
		}
		copy(e.Addr[:], rest[1:17])
		e.PrefixLen = rest[17]
		p.Encaps = append(p.Encaps, e)
		rest = rest[entryLen:]
	}
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *IPv6EncapPDU) String() string {
	return fmt.Sprintf("<IPV6-ENCAPSULATION seq %d, %d entries>", p.Seq, len(p.Encaps))
}

// parseEncapListHeader decodes the shared seq + count prefix of an
// encapsulation PDU and bounds-checks the fixed-size entry list.
func parseEncapListHeader(s *sequenced, name string, b []byte, entryLen int) (count int, rest []byte, err error) {
	if len(b) < 6 {
		return 0, nil, malformed("%s body of %d bytes too short", name, len(b))
	}
	s.Seq = binary.BigEndian.Uint32(b)
	count = int(binary.BigEndian.Uint16(b[4:]))
	rest = b[6:]
	if count*entryLen != len(rest) {
		return 0, nil, malformed("%s count %d does not match %d body bytes", name, count, len(rest))
	}
	return count, rest, nil
}

// MPLSEncapPDU advertises the sender's MPLS encapsulations.
type MPLSEncapPDU struct {
	sequenced
	Encaps []MPLSEncap
}

// Type implements the PDU interface.
func (p *MPLSEncapPDU) Type() PDUType { return PDUTypeMPLSEncap }

// ToBytes implements the PDU interface.
func (p *MPLSEncapPDU) ToBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.Seq)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(p.Encaps)))
	for _, e := range p.Encaps {
		if len(e.Addr) != 4 && len(e.Addr) != 16 {
			return nil, fmt.Errorf("MPLS encapsulation address of %d bytes, expected 4 or 16", len(e.Addr))
		}
		if len(e.Labels) > int(^uint8(0)) {
			return nil, fmt.Errorf("MPLS label stack of %d labels overflows count field", len(e.Labels))
		}
		buf.WriteByte(uint8(e.Flags))
		buf.WriteByte(uint8(len(e.Labels)))
		for _, l := range e.Labels {
			_, _ = buf.Write(l[:])
		}
		buf.WriteByte(uint8(len(e.Addr)))
		_, _ = buf.Write(e.Addr)
		buf.WriteByte(e.PrefixLen)
	}
	return encodePDU(PDUTypeMPLSEncap, buf.Bytes())
}

func (p *MPLSEncapPDU) parseBody(b []byte) error {
	if len(b) < 6 {
		return malformed("MPLS-ENCAPSULATION body of %d bytes too short", len(b))
	}
	p.Seq = binary.BigEndian.Uint32(b)
	count := int(binary.BigEndian.Uint16(b[4:]))
	rest := b[6:]
	for i := 0; i < count; i++ {
		if len(rest) < 2 {
			return malformed("MPLS-ENCAPSULATION entry %d truncated", i)
		}
		var e MPLSEncap
		e.Flags = EncapFlags(rest[0])
		if err := checkEncapFlags(e.Flags); err != nil {
			return err
		}
		nlabels := int(rest[1])
		rest = rest[2:]
		if len(rest) < nlabels*3+1 {
			return malformed("MPLS-ENCAPSULATION entry %d label stack overruns buffer", i)
		}
		for j := 0; j < nlabels; j++ {
			var l [3]byte
			copy(l[:], rest[:3])
			e.Labels = append(e.Labels, l)
			rest = rest[3:]
		}
		alen := int(rest[0])
		rest = rest[1:]
		if alen != 4 && alen != 16 {
			return malformed("MPLS-ENCAPSULATION entry %d address length %d, expected 4 or 16", i, alen)
		}
		if len(rest) < alen+1 {
			return malformed("MPLS-ENCAPSULATION entry %d address overruns buffer", i)
		}
		e.Addr = append([]byte(nil), rest[:alen]...)
		e.PrefixLen = rest[alen]
		rest = rest[alen+1:]
		p.Encaps = append(p.Encaps, e)
	}
	if len(rest) != 0 {
		return malformed("MPLS-ENCAPSULATION body has %d trailing bytes", len(rest))
	}
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *MPLSEncapPDU) String() string {
	return fmt.Sprintf("<MPLS-ENCAPSULATION seq %d, %d entries>", p.Seq, len(p.Encaps))
}

// VendorPDU carries an opaque vendor extension keyed by IANA enterprise
// number.  Unknown enterprise numbers are acknowledged and discarded.
type VendorPDU struct {
	sequenced
	Enterprise uint32
	Data       []byte
}

// Type implements the PDU interface.
func (p *VendorPDU) Type() PDUType { return PDUTypeVendor }

// ToBytes implements the PDU interface.
func (p *VendorPDU) ToBytes() ([]byte, error) {
	body := make([]byte, 8, 8+len(p.Data))
	binary.BigEndian.PutUint32(body, p.Seq)
	binary.BigEndian.PutUint32(body[4:], p.Enterprise)
	body = append(body, p.Data...)
	return encodePDU(PDUTypeVendor, body)
}

func (p *VendorPDU) parseBody(b []byte) error {
	if len(b) < 8 {
		return malformed("VENDOR body of %d bytes too short", len(b))
	}
	p.Seq = binary.BigEndian.Uint32(b)
	p.Enterprise = binary.BigEndian.Uint32(b[4:])
	if len(b) > 8 {
		p.Data = append([]byte(nil), b[8:]...)
	}
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *VendorPDU) String() string {
	return fmt.Sprintf("<VENDOR seq %d enterprise %d, %d bytes>", p.Seq, p.Enterprise, len(p.Data))
}

// ErrorPDU reports a protocol error to the peer.
type ErrorPDU struct {
	sequenced
	Code    ErrorCode
	Message string
}

// Type implements the PDU interface.
func (p *ErrorPDU) Type() PDUType { return PDUTypeError }

// ToBytes implements the PDU interface.
func (p *ErrorPDU) ToBytes() ([]byte, error) {
	if len(p.Message) > int(^uint16(0)) {
		return nil, fmt.Errorf("ERROR message of %d bytes overflows length field", len(p.Message))
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.Seq)
	_ = binary.Write(buf, binary.BigEndian, uint16(p.Code))
	_ = binary.Write(buf, binary.BigEndian, uint16(len(p.Message)))
	_, _ = buf.WriteString(p.Message)
	return encodePDU(PDUTypeError, buf.Bytes())
}

func (p *ErrorPDU) parseBody(b []byte) error {
	if len(b) < 8 {
		return malformed("ERROR body of %d bytes too short", len(b))
	}
	p.Seq = binary.BigEndian.Uint32(b)
	p.Code = ErrorCode(binary.BigEndian.Uint16(b[4:]))
	msgLen := int(binary.BigEndian.Uint16(b[6:]))
	if msgLen != len(b)-8 {
		return malformed("ERROR message length %d does not match %d body bytes", msgLen, len(b)-8)
	}
	p.Message = string(b[8:])
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *ErrorPDU) String() string {
	return fmt.Sprintf("<ERROR seq %d %v %q>", p.Seq, p.Code, p.Message)
}

// ClosePDU requests an orderly session teardown.
type ClosePDU struct {
	sequenced
	Reason uint16
}

// Type implements the PDU interface.
func (p *ClosePDU) Type() PDUType { return PDUTypeClose }

// ToBytes implements the PDU interface.
func (p *ClosePDU) ToBytes() ([]byte, error) {
	body := make([]byte, 6)
	binary.BigEndian.PutUint32(body, p.Seq)
	binary.BigEndian.PutUint16(body[4:], p.Reason)
	return encodePDU(PDUTypeClose, body)
}

func (p *ClosePDU) parseBody(b []byte) error {
	if len(b) != 6 {
		return malformed("CLOSE body of %d bytes, expected 6", len(b))
	}
	p.Seq = binary.BigEndian.Uint32(b)
	p.Reason = binary.BigEndian.Uint16(b[4:])
	return nil
}

// String provides a human-readable representation of the PDU.
func (p *ClosePDU) String() string {
	return fmt.Sprintf("<CLOSE seq %d reason %d>", p.Seq, p.Reason)
}
