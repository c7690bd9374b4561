package mem

import (
	"fmt"

	"github.com/dperf-io/dperf/internal/wire"
)

// Buffer states. RX buffers cycle Posted -> AppOwned -> Free -> Posted; the
// dispatcher reposts a cell only after the worker marks it Free, which gives
// zero-copy RX without reference counting.
const (
	StatePosted uint8 = iota
	StateAppOwned
	StateFree
)

// Buffer is a fixed-size memory-registered packet cell. The backing storage
// belongs to the Arena that produced the Buffer; the Buffer never frees it.
type Buffer struct {
	Data      []byte  // backing cell, len == class size
	ClassSize int     // allocator class size
	LKey      uint32  // memory-registration key, opaque to the application
	Length    int     // bytes of valid packet data
	Next      *Buffer // circular link, used by the RX ring
	Owner     *Arena  // arena the cell belongs to
	State     uint8
}

// Release returns the cell to the arena that owns it. Use when the buffer may
// have crossed between queue pairs and the holding side does not know the
// originating arena.
func (b *Buffer) Release() {
	b.Owner.Free(b)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("[buf %p, class sz %d, len %d]", b.Data, b.ClassSize, b.Length)
}

// Layer accessors. Offsets follow the wire layout; headers always start at the
// beginning of the cell.
func (b *Buffer) Eth() []byte        { return b.Data[wire.EthOff:] }
func (b *Buffer) IPv4() []byte       { return b.Data[wire.IPv4Off:] }
func (b *Buffer) UDP() []byte        { return b.Data[wire.UDPOff:] }
func (b *Buffer) Framework() []byte  { return b.Data[wire.FrameworkOff:] }
func (b *Buffer) AppPayload() []byte { return b.Data[wire.PayloadOff:] }

// SetPayload writes the UDP header, framework header, and an 'a'-filled
// NUL-terminated payload of payloadSize bytes, then sets Length to the full
// packet size including the Ethernet and IP headers (stamped later by the
// dispatcher).
func (b *Buffer) SetPayload(uh *wire.UDPHdr, fh *wire.FrameworkHdr, payloadSize int) {
	b.Length = wire.TotalHdrLen + payloadSize
	uh.Put(b.UDP())
	fh.Put(b.Framework())
	if payloadSize == 0 {
		return
	}
	p := b.AppPayload()[:payloadSize]
	for i := range p[:payloadSize-1] {
		p[i] = 'a'
	}
	p[payloadSize-1] = 0
}

// CopyPayload stamps dst's headers like SetPayload and copies src's payload
// instead of synthesizing one.
func (b *Buffer) CopyPayload(src *Buffer, uh *wire.UDPHdr, fh *wire.FrameworkHdr, payloadSize int) {
	b.Length = wire.TotalHdrLen + payloadSize
	uh.Put(b.UDP())
	fh.Put(b.Framework())
	copy(b.AppPayload()[:payloadSize], src.AppPayload()[:payloadSize])
}

// FrameworkHdr parses the framework header in place.
func (b *Buffer) FrameworkHdr() wire.FrameworkHdr {
	return wire.ParseFramework(b.Framework())
}
