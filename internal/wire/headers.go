// Package wire defines the on-wire layout used by dperf packets:
// Ethernet II, IPv4, UDP, ARP, and the framework header carried between UDP
// and the payload. Layouts are fixed and hand-marshalled; multi-byte network
// fields use big-endian byte order.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Header sizes in bytes.
const (
	EthHdrLen       = 14
	IPv4HdrLen      = 20
	UDPHdrLen       = 8
	ArpHdrLen       = 28
	FrameworkHdrLen = 9 // workload_type u8 + segment_num u64

	// TotalHdrLen is the overhead in front of the application payload.
	TotalHdrLen = EthHdrLen + IPv4HdrLen + UDPHdrLen + FrameworkHdrLen
)

// Ethernet types and ARP constants.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806

	ArpHrdEther = 1
	ArpOpReq    = 1
	ArpOpReply  = 2
)

// IPv4 constants.
const (
	IPProtoUDP = 17
	IPFlagDF   = 0x4000
	IPTTL      = 64
)

// MACAddr is a six-byte Ethernet address.
type MACAddr [6]byte

func (m MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// EthHdr is an Ethernet II header.
type EthHdr struct {
	Dst  MACAddr
	Src  MACAddr
	Type uint16
}

// Put writes the header into b, which must be at least EthHdrLen long.
func (h *EthHdr) Put(b []byte) {
	copy(b[0:6], h.Dst[:])
	copy(b[6:12], h.Src[:])
	binary.BigEndian.PutUint16(b[12:14], h.Type)
}

// ParseEth reads an Ethernet header from b.
func ParseEth(b []byte) EthHdr {
	var h EthHdr
	copy(h.Dst[:], b[0:6])
	copy(h.Src[:], b[6:12])
	h.Type = binary.BigEndian.Uint16(b[12:14])
	return h
}

// IPv4Hdr is an IPv4 header without options (IHL fixed at 5).
type IPv4Hdr struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      uint32 // host byte order
	Dst      uint32 // host byte order
}

// Put writes the header into b, which must be at least IPv4HdrLen long.
func (h *IPv4Hdr) Put(b []byte) {
	b[0] = 0x45 // version 4, IHL 5
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.FragOff)
	b[8] = h.TTL
	b[9] = h.Protocol
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
	binary.BigEndian.PutUint32(b[12:16], h.Src)
	binary.BigEndian.PutUint32(b[16:20], h.Dst)
}

// ParseIPv4 reads an IPv4 header from b.
func ParseIPv4(b []byte) IPv4Hdr {
	return IPv4Hdr{
		TOS:      b[1],
		TotalLen: binary.BigEndian.Uint16(b[2:4]),
		ID:       binary.BigEndian.Uint16(b[4:6]),
		FragOff:  binary.BigEndian.Uint16(b[6:8]),
		TTL:      b[8],
		Protocol: b[9],
		Checksum: binary.BigEndian.Uint16(b[10:12]),
		Src:      binary.BigEndian.Uint32(b[12:16]),
		Dst:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// IPv4Checksum computes the standard IP header checksum over b.
// The checksum field must be zeroed by the caller first.
func IPv4Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// UDPHdr is a UDP header.
type UDPHdr struct {
	SrcPort  uint16
	DstPort  uint16
	Len      uint16
	Checksum uint16
}

// Put writes the header into b, which must be at least UDPHdrLen long.
func (h *UDPHdr) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Len)
	binary.BigEndian.PutUint16(b[6:8], h.Checksum)
}

// ParseUDP reads a UDP header from b.
func ParseUDP(b []byte) UDPHdr {
	return UDPHdr{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Len:      binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}
}

// ArpHdr is an Ethernet/IPv4 ARP payload.
type ArpHdr struct {
	Hrd uint16
	Pro uint16
	Hln uint8
	Pln uint8
	Op  uint16
	SHA MACAddr
	SPA uint32 // network-meaning address held in host order
	THA MACAddr
	TPA uint32
}

// Put writes the ARP payload into b, which must be at least ArpHdrLen long.
func (h *ArpHdr) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.Hrd)
	binary.BigEndian.PutUint16(b[2:4], h.Pro)
	b[4] = h.Hln
	b[5] = h.Pln
	binary.BigEndian.PutUint16(b[6:8], h.Op)
	copy(b[8:14], h.SHA[:])
	binary.BigEndian.PutUint32(b[14:18], h.SPA)
	copy(b[18:24], h.THA[:])
	binary.BigEndian.PutUint32(b[24:28], h.TPA)
}

// ParseArp reads an ARP payload from b.
func ParseArp(b []byte) ArpHdr {
	var h ArpHdr
	h.Hrd = binary.BigEndian.Uint16(b[0:2])
	h.Pro = binary.BigEndian.Uint16(b[2:4])
	h.Hln = b[4]
	h.Pln = b[5]
	h.Op = binary.BigEndian.Uint16(b[6:8])
	copy(h.SHA[:], b[8:14])
	h.SPA = binary.BigEndian.Uint32(b[14:18])
	copy(h.THA[:], b[18:24])
	h.TPA = binary.BigEndian.Uint32(b[24:28])
	return h
}

// FrameworkHdr sits between the UDP header and the payload. SegmentNum carries
// the number of packets in the logical message the packet belongs to.
type FrameworkHdr struct {
	WorkloadType uint8
	SegmentNum   uint64
}

// Put writes the header into b, which must be at least FrameworkHdrLen long.
func (h *FrameworkHdr) Put(b []byte) {
	b[0] = h.WorkloadType
	binary.BigEndian.PutUint64(b[1:9], h.SegmentNum)
}

// ParseFramework reads a framework header from b.
func ParseFramework(b []byte) FrameworkHdr {
	return FrameworkHdr{
		WorkloadType: b[0],
		SegmentNum:   binary.BigEndian.Uint64(b[1:9]),
	}
}

// Offsets of each layer within a packet buffer.
const (
	EthOff       = 0
	IPv4Off      = EthHdrLen
	UDPOff       = IPv4Off + IPv4HdrLen
	FrameworkOff = UDPOff + UDPHdrLen
	PayloadOff   = FrameworkOff + FrameworkHdrLen
)

// MaxPayloadPerPkt is the largest application payload one packet can carry.
func MaxPayloadPerPkt(mtu int) int {
	return mtu - IPv4HdrLen - UDPHdrLen - FrameworkHdrLen
}
