package tsreasm

import (
	"fmt"

	"github.com/asticode/go-astikit"
)

// Scrambling Controls
const (
	ScramblingControlNotScrambled         = 0
	ScramblingControlReservedForFutureUse = 1
	ScramblingControlScrambledWithEvenKey = 2
	ScramblingControlScrambledWithOddKey  = 3
)

// Packet represents a packet
// https://en.wikipedia.org/wiki/MPEG_transport_stream
type Packet struct {
	AdaptationField *PacketAdaptationField
	Header          PacketHeader
	Payload         []byte // This is only the payload content
}

// PacketHeader represents a packet header
type PacketHeader struct {
	ContinuityCounter          uint8 // Sequence number of payload packets (0x00 to 0x0F) within each stream (except PID 8191)
	HasAdaptationField         bool
	HasPayload                 bool
	PayloadUnitStartIndicator  bool   // Set when a PES, PSI, or DVB-MIP packet begins immediately following the header.
	PID                        uint16 // Packet Identifier, describing the payload data.
	TransportErrorIndicator    bool   // Set when a demodulator can't correct errors from FEC data; indicating the packet is corrupt.
	TransportPriority          bool   // Set when the current packet has a higher priority than other packets with the same PID.
	TransportScramblingControl uint8
}

// PacketAdaptationField represents a packet adaptation field. Only the
// fields the reassembly engines care about are decoded; the remainder of
// the field (OPCR, splicing, private data, extension) is kept as opaque
// bytes so that it survives a rewrite.
type PacketAdaptationField struct {
	DiscontinuityIndicator            bool // Set if current TS packet is in a discontinuity state with respect to either the continuity counter or the program clock reference
	ElementaryStreamPriorityIndicator bool // Set when this stream should be considered "high priority"
	HasPCR                            bool
	Length                            int
	PCR                               int64  // Program clock reference, 33 bits base * 300 + 9 bits extension
	RandomAccessIndicator             bool   // Set when the stream may be decoded without errors from this point
	Remainder                         []byte // Undecoded rest of the adaptation field, stuffing included
}

// IsScrambled checks whether the packet payload is scrambled
func (p *Packet) IsScrambled() bool {
	return p.Header.TransportScramblingControl != ScramblingControlNotScrambled
}

// parsePacket parses a packet
func parsePacket(i *astikit.BytesIterator) (p *Packet, err error) {
	// Get next byte
	var b byte
	if b, err = i.NextByte(); err != nil {
		err = fmt.Errorf("tsreasm: fetching next byte failed: %w", err)
		return
	}

	// Packet must start with a sync byte
	if b != syncByte {
		err = ErrPacketMustStartWithASyncByte
		return
	}

	// Create packet
	p = &Packet{}

	// In case packet size is bigger than 188 bytes, we don't care for the trailing bytes
	// (e.g. the 16-byte Reed-Solomon block of 204-byte packets)
	if i.Len() > MpegTsPacketSize {
		i = astikit.NewBytesIterator(i.Dump()[:MpegTsPacketSize-1])
	}
	offsetStart := i.Offset()

	// Parse header
	if p.Header, err = parsePacketHeader(i); err != nil {
		err = fmt.Errorf("tsreasm: parsing packet header failed: %w", err)
		return
	}

	// Parse adaptation field
	if p.Header.HasAdaptationField {
		if p.AdaptationField, err = parsePacketAdaptationField(i); err != nil {
			err = fmt.Errorf("tsreasm: parsing packet adaptation field failed: %w", err)
			return
		}
	}

	// Build payload
	if p.Header.HasPayload {
		i.Seek(payloadOffset(offsetStart, p.Header, p.AdaptationField))
		p.Payload = i.Dump()
	}
	return
}

// payloadOffset returns the payload offset
func payloadOffset(offsetStart int, h PacketHeader, a *PacketAdaptationField) (offset int) {
	offset = offsetStart + 3
	if h.HasAdaptationField {
		offset += 1 + a.Length
	}
	return
}

// parsePacketHeader parses the packet header
func parsePacketHeader(i *astikit.BytesIterator) (h PacketHeader, err error) {
	// Get next bytes
	var bs []byte
	if bs, err = i.NextBytes(3); err != nil {
		err = fmt.Errorf("tsreasm: fetching next bytes failed: %w", err)
		return
	}

	// Create header
	h = PacketHeader{
		ContinuityCounter:          uint8(bs[2] & 0xf),
		HasAdaptationField:         bs[2]&0x20 > 0,
		HasPayload:                 bs[2]&0x10 > 0,
		PayloadUnitStartIndicator:  bs[0]&0x40 > 0,
		PID:                        uint16(bs[0]&0x1f)<<8 | uint16(bs[1]),
		TransportErrorIndicator:    bs[0]&0x80 > 0,
		TransportPriority:          bs[0]&0x20 > 0,
		TransportScramblingControl: uint8(bs[2]) >> 6 & 0x3,
	}
	return
}

// parsePacketAdaptationField parses the packet adaptation field
func parsePacketAdaptationField(i *astikit.BytesIterator) (a *PacketAdaptationField, err error) {
	// Create adaptation field
	a = &PacketAdaptationField{}

	// Get next byte
	var b byte
	if b, err = i.NextByte(); err != nil {
		err = fmt.Errorf("tsreasm: fetching next byte failed: %w", err)
		return
	}

	// Length
	a.Length = int(b)
	if a.Length == 0 {
		return
	}
	offsetEnd := i.Offset() + a.Length

	// Flags
	if b, err = i.NextByte(); err != nil {
		err = fmt.Errorf("tsreasm: fetching next byte failed: %w", err)
		return
	}
	a.DiscontinuityIndicator = b&0x80 > 0
	a.RandomAccessIndicator = b&0x40 > 0
	a.ElementaryStreamPriorityIndicator = b&0x20 > 0
	a.HasPCR = b&0x10 > 0

	// PCR, stored as 33 bits base, 6 bits reserved, 9 bits extension
	if a.HasPCR {
		var bs []byte
		if bs, err = i.NextBytes(6); err != nil {
			err = fmt.Errorf("tsreasm: fetching next bytes failed: %w", err)
			return
		}
		pcr := uint64(bs[0])<<40 | uint64(bs[1])<<32 | uint64(bs[2])<<24 | uint64(bs[3])<<16 | uint64(bs[4])<<8 | uint64(bs[5])
		a.PCR = int64(pcr>>15)*300 + int64(pcr&0x1ff)
	}

	// Keep the rest opaque
	if offsetEnd > i.Offset() {
		if a.Remainder, err = i.NextBytes(offsetEnd - i.Offset()); err != nil {
			err = fmt.Errorf("tsreasm: fetching next bytes failed: %w", err)
			return
		}
	}
	return
}

// writePacket writes a full 188-byte packet. Payloads shorter than the
// remaining space are padded through adaptation field stuffing, which is
// what the section packetizer relies on for the last packet of a section.
func writePacket(w *astikit.BitsWriter, p *Packet) (err error) {
	b := astikit.NewBitsWriterBatch(w)

	b.Write(uint8(syncByte))
	b.Write(p.Header.TransportErrorIndicator)
	b.Write(p.Header.PayloadUnitStartIndicator)
	b.Write(p.Header.TransportPriority)
	b.WriteN(p.Header.PID, 13)
	b.WriteN(p.Header.TransportScramblingControl, 2)
	b.Write(p.Header.HasAdaptationField)
	b.Write(p.Header.HasPayload)
	b.WriteN(p.Header.ContinuityCounter, 4)
	if err = b.Err(); err != nil {
		err = fmt.Errorf("tsreasm: writing packet header failed: %w", err)
		return
	}
	written := 4

	if p.Header.HasAdaptationField {
		a := p.AdaptationField
		b.Write(uint8(a.Length))
		written++
		if a.Length > 0 {
			var flags uint8
			if a.DiscontinuityIndicator {
				flags |= 0x80
			}
			if a.RandomAccessIndicator {
				flags |= 0x40
			}
			if a.ElementaryStreamPriorityIndicator {
				flags |= 0x20
			}
			if a.HasPCR {
				flags |= 0x10
			}
			b.Write(flags)
			written++
			if a.HasPCR {
				base := uint64(a.PCR / 300)
				ext := uint64(a.PCR % 300)
				b.WriteN(base, 33)
				b.WriteN(uint8(0xff), 6)
				b.WriteN(ext, 9)
				written += 6
			}
			b.Write(a.Remainder)
			written += len(a.Remainder)
			// Stuffing up to the declared adaptation field length
			for written < 5+a.Length {
				b.Write(uint8(0xff))
				written++
			}
		}
	}

	if p.Header.HasPayload {
		b.Write(p.Payload)
		written += len(p.Payload)
	}

	// A packet is always 188 bytes on the wire
	for written < MpegTsPacketSize {
		b.Write(uint8(0xff))
		written++
	}

	if err = b.Err(); err != nil {
		err = fmt.Errorf("tsreasm: writing packet failed: %w", err)
		return
	}
	return
}
