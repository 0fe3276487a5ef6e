package lsoe

import (
	"reflect"
	"testing"
)

func TestPDURoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pdu  PDU
	}{
		{
			name: "hello",
			pdu:  &HelloPDU{HWAddr: MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}},
		},
		{
			name: "open",
			pdu: &OpenPDU{
				sequenced: sequenced{Seq: 1},
				Nonce:     [4]byte{0xde, 0xad, 0xbe, 0xef},
				LocalID:   [10]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
				HoldTime:  40,
			},
		},
		{
			name: "open with attributes",
			pdu: &OpenPDU{
				sequenced:  sequenced{Seq: 9},
				Nonce:      [4]byte{0x01, 0x02, 0x03, 0x04},
				LocalID:    [10]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11, 0x22, 0x33},
				HoldTime:   90,
				Attributes: []byte{0x42, 0x43, 0x44},
			},
		},
		{
			name: "keepalive",
			pdu:  &KeepalivePDU{sequenced: sequenced{Seq: 77}},
		},
		{
			name: "ack",
			pdu:  &AckPDU{AckedType: PDUTypeOpen, AckedSeq: 12},
		},
		{
			name: "ipv4 encapsulation",
			pdu: &IPv4EncapPDU{
				sequenced: sequenced{Seq: 3},
				Encaps: []IPv4Encap{
					{Flags: EncapFlagPrimary, Addr: [4]byte{192, 0, 2, 1}, PrefixLen: 24},
					{Addr: [4]byte{198, 51, 100, 7}, PrefixLen: 31},
				},
			},
		},
		{
			name: "ipv4 encapsulation empty",
			pdu:  &IPv4EncapPDU{sequenced: sequenced{Seq: 4}},
		},
		{
			name: "ipv6 encapsulation",
			pdu: &IPv6EncapPDU{
				sequenced: sequenced{Seq: 5},
				Encaps: []IPv6Encap{
					{
						Flags:     EncapFlagPrimary | EncapFlagLoopback,
						Addr:      [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
						PrefixLen: 64,
					},
				},
			},
		},
		{
			name: "mpls encapsulation empty",
			pdu:  &MPLSEncapPDU{sequenced: sequenced{Seq: 6}},
		},
		{
			name: "mpls encapsulation",
			pdu: &MPLSEncapPDU{
				sequenced: sequenced{Seq: 7},
				Encaps: []MPLSEncap{
					{
						Flags:     EncapFlagPrimary,
						Labels:    [][3]byte{{0x00, 0x01, 0x01}, {0x00, 0x02, 0x01}},
						Addr:      []byte{203, 0, 113, 9},
						PrefixLen: 32,
					},
				},
			},
		},
		{
			name: "vendor",
			pdu: &VendorPDU{
				sequenced:  sequenced{Seq: 8},
				Enterprise: 30745,
				Data:       []byte{0x00, 0x01, 0x02, 0x03},
			},
		},
		{
			name: "vendor empty body",
			pdu:  &VendorPDU{sequenced: sequenced{Seq: 8}, Enterprise: 9},
		},
		{
			name: "error",
			pdu: &ErrorPDU{
				sequenced: sequenced{Seq: 10},
				Code:      ErrorCodeMalformedPDU,
				Message:   "count overruns buffer",
			},
		},
		{
			name: "close",
			pdu:  &ClosePDU{sequenced: sequenced{Seq: 11}, Reason: CloseReasonShutdown},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := c.pdu.ToBytes()
			if err != nil {
				t.Fatalf("ToBytes: %v", err)
			}
			got, err := DecodePDU(b)
			if err != nil {
				t.Fatalf("DecodePDU: %v", err)
			}
			if !reflect.DeepEqual(got, c.pdu) {
				t.Fatalf("round trip mismatch:\ngot  %#v\nwant %#v", got, c.pdu)
			}
		})
	}
}

func TestDecodePDUMalformed(t *testing.T) {
	openBytes := func(mutate func(b []byte)) []byte {
		pdu := &OpenPDU{
			Nonce:    [4]byte{1, 2, 3, 4},
			LocalID:  [10]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			HoldTime: 40,
		}
		b, err := pdu.ToBytes()
		if err != nil {
			t.Fatalf("ToBytes: %v", err)
		}
		if mutate != nil {
			mutate(b)
		}
		return b
	}

	cases := []struct {
		name  string
		in    []byte
		fatal bool
	}{
		{
			name: "empty buffer",
			in:   []byte{},
		},
		{
			name: "truncated header",
			in:   []byte{0x00, 0x01},
		},
		{
			name:  "version mismatch",
			in:    []byte{0x07, 0x01, 0x00, 0x0a, 2, 0, 0, 0, 0, 1},
			fatal: true,
		},
		{
			name: "length exceeds buffer",
			in:   []byte{0x00, 0x01, 0x00, 0xff, 2, 0, 0, 0, 0, 1},
		},
		{
			name: "hello body too short",
			in:   []byte{0x00, 0x01, 0x00, 0x09, 2, 0, 0, 0, 0},
		},
		{
			name: "ack of hello",
			in:   []byte{0x00, 0x04, 0x00, 0x0a, 1, 0, 0, 0, 0, 1},
		},
		{
			name: "ack reserved field set",
			in:   []byte{0x00, 0x04, 0x00, 0x0a, 2, 0xff, 0, 0, 0, 1},
		},
		{
			name: "ipv4 count overruns buffer",
			// count says 3 entries, body holds 1
			in: []byte{0x00, 0x05, 0x00, 0x10, 0, 0, 0, 1, 0, 3, 0x80, 192, 0, 2, 1, 24},
		},
		{
			name: "encapsulation reserved flag bits",
			in:   []byte{0x00, 0x05, 0x00, 0x10, 0, 0, 0, 1, 0, 1, 0x01, 192, 0, 2, 1, 24},
		},
		{
			name: "open nonzero auth length",
			in: openBytes(func(b []byte) {
				b[len(b)-2] = 0x00
				b[len(b)-1] = 0x04
			}),
		},
		{
			name: "open attribute overrun",
			in: openBytes(func(b []byte) {
				// attribute length field with no attribute bytes
				b[24] = 0xff
				b[25] = 0xff
			}),
		},
		{
			name: "keepalive trailing bytes",
			in:   []byte{0x00, 0x03, 0x00, 0x09, 0, 0, 0, 1, 0xff},
		},
		{
			name: "error message length mismatch",
			in:   []byte{0x00, 0x09, 0x00, 0x0e, 0, 0, 0, 1, 0, 1, 0, 9, 'h', 'i'},
		},
		{
			name: "mpls bad address length",
			in:   []byte{0x00, 0x07, 0x00, 0x10, 0, 0, 0, 1, 0, 1, 0x00, 0x00, 5, 1, 2, 3},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := DecodePDU(c.in)
			if err == nil {
				t.Fatalf("expected decode error, got none")
			}
			perr, ok := err.(*protocolError)
			if !ok {
				t.Fatalf("expected protocolError, got %T: %v", err, err)
			}
			if perr.fatal != c.fatal {
				t.Fatalf("fatal flag %v, want %v (%v)", perr.fatal, c.fatal, perr)
			}
		})
	}
}

func TestDecodePDUUnknownType(t *testing.T) {
	_, err := DecodePDU([]byte{0x00, 0x63, 0x00, 0x05, 0xab})
	perr, ok := err.(*protocolError)
	if !ok {
		t.Fatalf("expected protocolError, got %T: %v", err, err)
	}
	if perr.code != ErrorCodeUnknownPDUType {
		t.Fatalf("expected unknown-pdu-type, got %v", perr.code)
	}
}

func TestVendorPDUOpaquePassThrough(t *testing.T) {
	// An enterprise number nobody has registered must still decode:
	// the handler registry, not the codec, decides its fate.
	pdu := &VendorPDU{
		sequenced:  sequenced{Seq: 2},
		Enterprise: 0xffffffff,
		Data:       []byte{0xde, 0xad},
	}
	b, err := pdu.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	got, err := DecodePDU(b)
	if err != nil {
		t.Fatalf("DecodePDU: %v", err)
	}
	if !reflect.DeepEqual(got, pdu) {
		t.Fatalf("round trip mismatch: got %#v", got)
	}
}
