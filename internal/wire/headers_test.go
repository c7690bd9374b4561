package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLengths(t *testing.T) {
	tests := []struct {
		name string
		got  int
		want int
	}{
		{"eth", EthHdrLen, 14},
		{"ipv4", IPv4HdrLen, 20},
		{"udp", UDPHdrLen, 8},
		{"arp", ArpHdrLen, 28},
		{"framework", FrameworkHdrLen, 9},
		{"total", TotalHdrLen, 51},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s length = %d, want %d", tt.name, tt.got, tt.want)
			}
		})
	}
}

// Parsing then re-emitting a framework header must yield byte-identical
// bytes.
func TestFrameworkRoundTrip(t *testing.T) {
	orig := make([]byte, FrameworkHdrLen)
	h := FrameworkHdr{WorkloadType: 7, SegmentNum: 0x0102030405060708}
	h.Put(orig)

	parsed := ParseFramework(orig)
	assert.Equal(t, h, parsed)

	reemitted := make([]byte, FrameworkHdrLen)
	parsed.Put(reemitted)
	if !bytes.Equal(orig, reemitted) {
		t.Errorf("re-emitted framework header differs: %x vs %x", orig, reemitted)
	}
}

func TestEthRoundTrip(t *testing.T) {
	h := EthHdr{
		Dst:  MACAddr{0x08, 0xc0, 0xeb, 0x62, 0x41, 0x2b},
		Src:  MACAddr{0x08, 0xc0, 0xeb, 0x62, 0x41, 0x2a},
		Type: EtherTypeIPv4,
	}
	b := make([]byte, EthHdrLen)
	h.Put(b)
	assert.Equal(t, h, ParseEth(b))
}

func TestIPv4RoundTrip(t *testing.T) {
	h := IPv4Hdr{
		TotalLen: 1010,
		FragOff:  IPFlagDF,
		TTL:      IPTTL,
		Protocol: IPProtoUDP,
		Src:      0xc0a8010a,
		Dst:      0xc0a8010b,
	}
	b := make([]byte, IPv4HdrLen)
	h.Put(b)
	got := ParseIPv4(b)
	assert.Equal(t, h, got)
	assert.Equal(t, byte(0x45), b[0])
}

func TestIPv4Checksum(t *testing.T) {
	// Known vector from RFC 1071-style examples.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}
	csum := IPv4Checksum(hdr)
	require.Equal(t, uint16(0xb861), csum)
}

func TestUDPRoundTrip(t *testing.T) {
	h := UDPHdr{SrcPort: 10010, DstPort: 10011, Len: 100}
	b := make([]byte, UDPHdrLen)
	h.Put(b)
	assert.Equal(t, h, ParseUDP(b))
}

func TestArpRoundTrip(t *testing.T) {
	h := ArpHdr{
		Hrd: ArpHrdEther,
		Pro: EtherTypeIPv4,
		Hln: 6,
		Pln: 4,
		Op:  ArpOpReply,
		SHA: MACAddr{1, 2, 3, 4, 5, 6},
		SPA: 0xc0a8010a,
		THA: MACAddr{6, 5, 4, 3, 2, 1},
		TPA: 0xc0a8010b,
	}
	b := make([]byte, ArpHdrLen)
	h.Put(b)
	assert.Equal(t, h, ParseArp(b))
}

func TestMaxPayloadPerPkt(t *testing.T) {
	assert.Equal(t, 1024-20-8-9, MaxPayloadPerPkt(1024))
}
