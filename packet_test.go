package tsreasm

import (
	"bytes"
	"testing"

	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/assert"
)

// testPacketBytes serializes a packet to its 188-byte wire form
func testPacketBytes(t *testing.T, p *Packet) []byte {
	buf := &bytes.Buffer{}
	w := astikit.NewBitsWriter(astikit.BitsWriterOptions{Writer: buf})
	assert.NoError(t, writePacket(w, p))
	assert.Equal(t, MpegTsPacketSize, buf.Len())
	return buf.Bytes()
}

func TestParsePacket(t *testing.T) {
	p := &Packet{
		AdaptationField: &PacketAdaptationField{
			HasPCR:                true,
			Length:                7,
			PCR:                   27000000*300 + 127,
			RandomAccessIndicator: true,
		},
		Header: PacketHeader{
			ContinuityCounter:          9,
			HasAdaptationField:         true,
			HasPayload:                 true,
			PayloadUnitStartIndicator:  true,
			PID:                        0x1001,
			TransportPriority:          true,
			TransportScramblingControl: ScramblingControlNotScrambled,
		},
		Payload: make([]byte, MpegTsPacketSize-4-8),
	}
	for i := range p.Payload {
		p.Payload[i] = uint8(i)
	}

	n, err := parsePacket(astikit.NewBytesIterator(testPacketBytes(t, p)))
	assert.NoError(t, err)
	assert.Equal(t, p, n)
	assert.False(t, n.IsScrambled())
}

func TestParsePacketWithFEC(t *testing.T) {
	p := &Packet{
		Header:  PacketHeader{ContinuityCounter: 3, HasPayload: true, PID: 0x42},
		Payload: make([]byte, mpegTsMaxPayloadSize),
	}
	// The 16 trailing parity bytes of a 204-byte packet are ignored
	bs := append(testPacketBytes(t, p), make([]byte, MpegTsPacketSizeWithFEC-MpegTsPacketSize)...)
	n, err := parsePacket(astikit.NewBytesIterator(bs))
	assert.NoError(t, err)
	assert.Equal(t, p, n)
}

func TestParsePacketNoSyncByte(t *testing.T) {
	_, err := parsePacket(astikit.NewBytesIterator(make([]byte, MpegTsPacketSize)))
	assert.ErrorIs(t, err, ErrPacketMustStartWithASyncByte)
}

func TestWritePacketStuffing(t *testing.T) {
	// A short payload rides behind adaptation field stuffing
	p := &Packet{
		AdaptationField: &PacketAdaptationField{Length: 100},
		Header: PacketHeader{
			HasAdaptationField: true,
			HasPayload:         true,
			PID:                0x100,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	bs := testPacketBytes(t, p)

	n, err := parsePacket(astikit.NewBytesIterator(bs))
	assert.NoError(t, err)
	assert.Equal(t, 100, n.AdaptationField.Length)
	// Stuffing comes back as the opaque remainder
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 99), n.AdaptationField.Remainder)
	// 4 header bytes + 101 adaptation field bytes leave 83 payload bytes,
	// trailing padding included
	assert.Len(t, n.Payload, 83)
	assert.Equal(t, p.Payload, n.Payload[:3])
}

func TestParsePacketAdaptationFieldOnly(t *testing.T) {
	p := &Packet{
		AdaptationField: &PacketAdaptationField{
			DiscontinuityIndicator: true,
			Length:                 183,
		},
		Header: PacketHeader{HasAdaptationField: true, PID: 0x100},
	}
	n, err := parsePacket(astikit.NewBytesIterator(testPacketBytes(t, p)))
	assert.NoError(t, err)
	assert.True(t, n.AdaptationField.DiscontinuityIndicator)
	assert.False(t, n.Header.HasPayload)
	assert.Nil(t, n.Payload)
}
