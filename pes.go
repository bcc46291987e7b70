package tsreasm

import (
	"fmt"

	"github.com/asticode/go-astikit"
)

// PTS DTS indicator
const (
	PTSDTSIndicatorBothPresent = 3
	PTSDTSIndicatorIsForbidden = 1
	PTSDTSIndicatorNoPTSOrDTS  = 0
	PTSDTSIndicatorOnlyPTS     = 2
)

// Stream IDs
const (
	StreamIDPrivateStream1 = 189
	StreamIDPaddingStream  = 190
	StreamIDPrivateStream2 = 191
)

// pesStartCodePrefixSize is the size of the 00 00 01 prefix opening every
// PES packet
const pesStartCodePrefixSize = 3

// PESPacket represents a complete reassembled PES packet
// https://en.wikipedia.org/wiki/Packetized_elementary_stream
type PESPacket struct {
	content          []byte
	firstPacketIndex uint64
	header           PESHeader
	lastPacketIndex  uint64
	payloadOffset    int
	pcr              int64
	pid              uint16
	streamType       uint8
	valid            bool
}

// PESHeader represents a packet PES header
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	PacketLength   uint16 // Specifies the number of bytes remaining in the packet after this field. Can be zero. If the PES packet length is set to zero, the PES packet can be of any length. A value of zero for the PES packet length can be used only when the PES packet payload is a video elementary stream.
	StreamID       uint8  // Examples: Audio streams (0xC0-0xDF), Video streams (0xE0-0xEF)
}

// PESOptionalHeader represents a PES optional header. Extension fields are
// not decoded by the reassembly core; the header length field skips them.
type PESOptionalHeader struct {
	DataAlignmentIndicator bool // True indicates that the PES packet header is immediately followed by the video start code or audio syncword
	DTS                    int64
	HasDTS                 bool
	HasPTS                 bool
	HeaderLength           uint8
	IsCopyrighted          bool
	IsOriginal             bool
	Priority               bool
	PTS                    int64
	PTSDTSIndicator        uint8
	ScramblingControl      uint8
}

// hasPESOptionalHeader checks whether the stream id implies an optional header
func hasPESOptionalHeader(streamID uint8) bool {
	return streamID != StreamIDPaddingStream && streamID != StreamIDPrivateStream2
}

// parsePESPacket parses a complete PES packet from its reassembled bytes,
// start code prefix included
func parsePESPacket(content []byte, pid uint16) (p *PESPacket) {
	p = &PESPacket{content: content, pcr: -1, pid: pid}

	i := astikit.NewBytesIterator(content)
	// Skip the 3 bytes identifying the PES payload
	i.Seek(pesStartCodePrefixSize)

	var err error
	if p.header, p.payloadOffset, err = parsePESHeader(i); err != nil {
		logger.Debugf("tsreasm: parsing PES header failed: %s", err)
		return
	}
	if p.payloadOffset > len(content) {
		return
	}
	p.valid = true
	return
}

// parsePESHeader parses a PES header
func parsePESHeader(i *astikit.BytesIterator) (h PESHeader, dataStart int, err error) {
	// Get next byte
	var b byte
	if b, err = i.NextByte(); err != nil {
		err = fmt.Errorf("tsreasm: fetching next byte failed: %w", err)
		return
	}

	// Stream ID
	h.StreamID = uint8(b)

	// Get next bytes
	var bs []byte
	if bs, err = i.NextBytes(2); err != nil {
		err = fmt.Errorf("tsreasm: fetching next bytes failed: %w", err)
		return
	}

	// Length
	h.PacketLength = uint16(bs[0])<<8 | uint16(bs[1])

	// Optional header
	if hasPESOptionalHeader(h.StreamID) {
		if h.OptionalHeader, dataStart, err = parsePESOptionalHeader(i); err != nil {
			err = fmt.Errorf("tsreasm: parsing PES optional header failed: %w", err)
			return
		}
	} else {
		dataStart = i.Offset()
	}
	return
}

// parsePESOptionalHeader parses a PES optional header
func parsePESOptionalHeader(i *astikit.BytesIterator) (h *PESOptionalHeader, dataStart int, err error) {
	// Create header
	h = &PESOptionalHeader{}

	// Get next byte
	var b byte
	if b, err = i.NextByte(); err != nil {
		err = fmt.Errorf("tsreasm: fetching next byte failed: %w", err)
		return
	}

	// Scrambling control
	h.ScramblingControl = uint8(b) >> 4 & 0x3

	// Priority
	h.Priority = uint8(b)&0x8 > 0

	// Data alignment indicator
	h.DataAlignmentIndicator = uint8(b)&0x4 > 0

	// Copyrighted
	h.IsCopyrighted = uint(b)&0x2 > 0

	// Original or copy
	h.IsOriginal = uint8(b)&0x1 > 0

	// Get next byte
	if b, err = i.NextByte(); err != nil {
		err = fmt.Errorf("tsreasm: fetching next byte failed: %w", err)
		return
	}

	// PTS DTS indicator
	h.PTSDTSIndicator = uint8(b) >> 6 & 0x3
	h.HasPTS = h.PTSDTSIndicator == PTSDTSIndicatorOnlyPTS || h.PTSDTSIndicator == PTSDTSIndicatorBothPresent
	h.HasDTS = h.PTSDTSIndicator == PTSDTSIndicatorBothPresent

	// Get next byte
	if b, err = i.NextByte(); err != nil {
		err = fmt.Errorf("tsreasm: fetching next byte failed: %w", err)
		return
	}

	// Header length
	h.HeaderLength = uint8(b)

	// Update data start
	dataStart = i.Offset() + int(h.HeaderLength)

	// PTS/DTS
	if h.HasPTS {
		if h.PTS, err = parsePTSOrDTS(i); err != nil {
			err = fmt.Errorf("tsreasm: parsing PTS failed: %w", err)
			return
		}
	}
	if h.HasDTS {
		if h.DTS, err = parsePTSOrDTS(i); err != nil {
			err = fmt.Errorf("tsreasm: parsing DTS failed: %w", err)
			return
		}
	}
	return
}

// parsePTSOrDTS parses a PTS or a DTS, returned in 90 kHz units
func parsePTSOrDTS(i *astikit.BytesIterator) (cr int64, err error) {
	var bs []byte
	if bs, err = i.NextBytes(5); err != nil {
		err = fmt.Errorf("tsreasm: fetching next bytes failed: %w", err)
		return
	}
	cr = int64(uint64(bs[0])>>1&0x7<<30 | uint64(bs[1])<<22 | uint64(bs[2])>>1&0x7f<<15 | uint64(bs[3])<<7 | uint64(bs[4])>>1&0x7f)
	return
}

// IsValid checks whether the PES packet header could be parsed
func (p *PESPacket) IsValid() bool { return p.valid }

// Content returns the full binary content of the PES packet, start code
// prefix included
func (p *PESPacket) Content() []byte { return p.content }

// Header returns the parsed PES header
func (p *PESPacket) Header() PESHeader { return p.header }

// Payload returns the PES packet payload
func (p *PESPacket) Payload() []byte {
	if !p.valid {
		return nil
	}
	end := len(p.content)
	if p.header.PacketLength > 0 {
		if declared := pesStartCodePrefixSize + 3 + int(p.header.PacketLength); declared < end {
			end = declared
		}
	}
	if p.payloadOffset > end {
		return nil
	}
	return p.content[p.payloadOffset:end]
}

// PID returns the PID the PES packet was demultiplexed from
func (p *PESPacket) PID() uint16 { return p.pid }

// StreamType returns the stream type learned from the PMT, 0 when unknown
func (p *PESPacket) StreamType() uint8 { return p.streamType }

// PCR returns the first PCR observed within the PES packet, -1 when none
func (p *PESPacket) PCR() int64 { return p.pcr }

// FirstTSPacketIndex returns the index of the first TS packet of the PES
// packet in the demultiplexed stream
func (p *PESPacket) FirstTSPacketIndex() uint64 { return p.firstPacketIndex }

// LastTSPacketIndex returns the index of the last TS packet of the PES
// packet in the demultiplexed stream
func (p *PESPacket) LastTSPacketIndex() uint64 { return p.lastPacketIndex }

// isVideoStreamID checks whether the stream id carries video
func isVideoStreamID(streamID uint8) bool { return streamID >= 0xe0 && streamID <= 0xef }

// isAudioStreamID checks whether the stream id carries audio
func isAudioStreamID(streamID uint8) bool { return streamID >= 0xc0 && streamID <= 0xdf }

// IsMPEG2Video checks whether the packet carries MPEG-1/2 video
func (p *PESPacket) IsMPEG2Video() bool {
	return isVideoStreamType(p.streamType) || (p.streamType == 0 && isVideoStreamID(p.header.StreamID))
}

// IsAVC checks whether the packet carries AVC video
func (p *PESPacket) IsAVC() bool { return isAVCStreamType(p.streamType) }

// IsAC3 checks whether the packet carries AC-3 audio. AC-3 in DVB is carried
// in private stream 1 with stream type 6, in ATSC with stream type 0x81.
func (p *PESPacket) IsAC3() bool {
	return p.streamType == StreamTypeAC3Audio ||
		(p.streamType == StreamTypeMPEG2PacketizedData && p.header.StreamID == StreamIDPrivateStream1)
}

// IsMPEG2Audio checks whether the packet carries MPEG-1/2 audio
func (p *PESPacket) IsMPEG2Audio() bool {
	return isAudioStreamType(p.streamType) || (p.streamType == 0 && isAudioStreamID(p.header.StreamID))
}
