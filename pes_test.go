package tsreasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePESPacket(t *testing.T) {
	payload := []byte{0xaa, 0xbb, 0xcc}
	bs := []byte{0x00, 0x00, 0x01, 0xe0, 0x00, 0x00}
	// Optional header with PTS and DTS
	bs = append(bs, 0x84, 0xc0, 0x0a)
	bs = append(bs, encodePTS(90000)...)
	bs = append(bs, encodePTS(87000)...)
	bs = append(bs, payload...)

	p := parsePESPacket(bs, 0x100)
	assert.True(t, p.IsValid())
	assert.Equal(t, bs, p.Content())
	h := p.Header()
	assert.Equal(t, uint8(0xe0), h.StreamID)
	assert.Equal(t, uint16(0), h.PacketLength)
	assert.Equal(t, uint8(PTSDTSIndicatorBothPresent), h.OptionalHeader.PTSDTSIndicator)
	assert.True(t, h.OptionalHeader.HasPTS)
	assert.True(t, h.OptionalHeader.HasDTS)
	assert.Equal(t, int64(90000), h.OptionalHeader.PTS)
	assert.Equal(t, int64(87000), h.OptionalHeader.DTS)
	assert.True(t, h.OptionalHeader.DataAlignmentIndicator)
	assert.Equal(t, payload, p.Payload())
	assert.Equal(t, uint16(0x100), p.PID())
	assert.Equal(t, int64(-1), p.PCR())
}

func TestParsePESPacketPadding(t *testing.T) {
	// The padding stream has no optional header
	bs := []byte{0x00, 0x00, 0x01, StreamIDPaddingStream, 0x00, 0x04, 0xff, 0xff, 0xff, 0xff}
	p := parsePESPacket(bs, 0x100)
	assert.True(t, p.IsValid())
	assert.Nil(t, p.Header().OptionalHeader)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, p.Payload())
}

func TestParsePESPacketTruncated(t *testing.T) {
	p := parsePESPacket([]byte{0x00, 0x00, 0x01, 0xe0}, 0x100)
	assert.False(t, p.IsValid())
	assert.Nil(t, p.Payload())
}
