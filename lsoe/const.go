package lsoe

import "time"

// ProtocolVersion is the version of the LSOE protocol spoken by this
// implementation.  It appears both in the transport frame header and in
// the common PDU header.
const ProtocolVersion = 0

// DefaultEtherType is the EtherType LSOE frames are carried in by
// default.  LSOE does not yet have its own EtherType allocation, so the
// IEEE "Local Experimental EtherType 1" playground value is used.
const DefaultEtherType = 0x88B5

// PDUType identifies an LSOE PDU kind.
type PDUType uint8

const (
	PDUTypeHello     PDUType = 1
	PDUTypeOpen      PDUType = 2
	PDUTypeKeepalive PDUType = 3
	PDUTypeAck       PDUType = 4
	PDUTypeIPv4Encap PDUType = 5
	PDUTypeIPv6Encap PDUType = 6
	PDUTypeMPLSEncap PDUType = 7
	PDUTypeVendor    PDUType = 8
	PDUTypeError     PDUType = 9
	PDUTypeClose     PDUType = 10
)

// String provides a human-readable representation of PDUType.
func (t PDUType) String() string {
	switch t {
	case PDUTypeHello:
		return "HELLO"
	case PDUTypeOpen:
		return "OPEN"
	case PDUTypeKeepalive:
		return "KEEPALIVE"
	case PDUTypeAck:
		return "ACK"
	case PDUTypeIPv4Encap:
		return "IPV4-ENCAPSULATION"
	case PDUTypeIPv6Encap:
		return "IPV6-ENCAPSULATION"
	case PDUTypeMPLSEncap:
		return "MPLS-ENCAPSULATION"
	case PDUTypeVendor:
		return "VENDOR"
	case PDUTypeError:
		return "ERROR"
	case PDUTypeClose:
		return "CLOSE"
	}
	return "???"
}

// ErrorCode is the error code carried in an ERROR PDU.
type ErrorCode uint16

const (
	ErrorCodeMalformedPDU          ErrorCode = 1
	ErrorCodeVersionMismatch       ErrorCode = 2
	ErrorCodeUnknownPDUType        ErrorCode = 3
	ErrorCodeMissingMandatoryField ErrorCode = 4
	ErrorCodeVendorRejected        ErrorCode = 5
)

// String provides a human-readable representation of ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeMalformedPDU:
		return "malformed-pdu"
	case ErrorCodeVersionMismatch:
		return "version-mismatch"
	case ErrorCodeUnknownPDUType:
		return "unknown-pdu-type"
	case ErrorCodeMissingMandatoryField:
		return "missing-mandatory-field"
	case ErrorCodeVendorRejected:
		return "vendor-rejected"
	}
	return "???"
}

// Close reason codes carried in the CLOSE PDU.
const (
	CloseReasonShutdown  uint16 = 1
	CloseReasonAdminDown uint16 = 2
	CloseReasonError     uint16 = 3
)

// Timer defaults.  All of these may be overridden via EngineConfig.
const (
	DefaultHelloInterval     = 15 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultHoldTime          = 40 * time.Second
	DefaultRetransmitBase    = 1 * time.Second
	DefaultRetransmitCap     = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultReassemblyTTL     = 5 * time.Second
	DefaultMACCacheTimeout   = 300 * time.Second
)
