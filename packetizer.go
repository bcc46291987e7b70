package tsreasm

import (
	"fmt"
	"io"

	"github.com/asticode/go-astikit"
)

// Packetizer turns sections into 188-byte TS packets on one PID, the exact
// inverse of the section demux. Sections are packed back to back: a section
// may start in the packet where the previous one ends, with the pointer
// field marking the boundary. The continuity counter keeps incrementing
// across calls.
type Packetizer struct {
	continuity uint8
	pid        uint16
}

// NewPacketizer creates a new packetizer emitting packets on the given PID
func NewPacketizer(pid uint16) *Packetizer {
	return &Packetizer{pid: pid}
}

// PID returns the PID the packetizer emits on
func (pz *Packetizer) PID() uint16 { return pz.pid }

// ContinuityCounter returns the continuity counter of the next emitted
// packet
func (pz *Packetizer) ContinuityCounter() uint8 { return pz.continuity }

// Packetize serializes the sections into TS packets. The trailing space of
// the last packet is left to 0xFF stuffing. Invalid sections are rejected.
func (pz *Packetizer) Packetize(sections ...*Section) (ps []*Packet, err error) {
	for _, s := range sections {
		if !s.IsValid() {
			err = fmt.Errorf("tsreasm: packetizing an invalid section (%s)", s.Status())
			return
		}
	}

	secIdx, secOff := 0, 0
	for secIdx < len(sections) {
		payload := make([]byte, 0, mpegTsMaxPayloadSize)
		bs := sections[secIdx].Content()
		remaining := len(bs) - secOff

		// The packet carries a pointer field when a section starts in it:
		// either the current section starts at its very beginning, or the
		// current section ends in it and another section follows
		pusi := false
		switch {
		case secOff == 0:
			pusi = true
			payload = append(payload, 0)
		// The pointer field takes one byte, so the following section needs the
		// tail to leave at least one byte of room
		case remaining < mpegTsMaxPayloadSize-1 && secIdx+1 < len(sections):
			pusi = true
			payload = append(payload, uint8(remaining))
		}

		// Fill the packet with as much section data as fits
		for len(payload) < mpegTsMaxPayloadSize {
			n := mpegTsMaxPayloadSize - len(payload)
			if n > remaining {
				n = remaining
			}
			payload = append(payload, bs[secOff:secOff+n]...)
			secOff += n
			remaining -= n
			if remaining > 0 {
				break
			}
			// The current section is fully emitted
			secIdx, secOff = secIdx+1, 0
			// The next section may only start here when the packet has a
			// pointer field
			if secIdx >= len(sections) || !pusi {
				break
			}
			bs = sections[secIdx].Content()
			remaining = len(bs)
		}

		ps = append(ps, &Packet{
			Header: PacketHeader{
				ContinuityCounter:         pz.continuity,
				HasPayload:                true,
				PayloadUnitStartIndicator: pusi,
				PID:                       pz.pid,
			},
			Payload: payload,
		})
		pz.continuity = (pz.continuity + 1) % continuityCounterModulus
	}
	return
}

// WritePackets serializes packets to a writer, 188 bytes each
func WritePackets(w io.Writer, ps []*Packet) (err error) {
	bw := astikit.NewBitsWriter(astikit.BitsWriterOptions{Writer: w})
	for _, p := range ps {
		if err = writePacket(bw, p); err != nil {
			err = fmt.Errorf("tsreasm: writing packet failed: %w", err)
			return
		}
	}
	return
}
