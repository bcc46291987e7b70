package tsreasm

import "fmt"

// Stream types
const (
	StreamTypeMPEG1Video                 uint8 = 1   // ISO/IEC 11172-2
	StreamTypeMPEG2Video                 uint8 = 2   // ITU-T Rec. H.262 and ISO/IEC 13818-2
	StreamTypeMPEG1Audio                 uint8 = 3   // ISO/IEC 11172-3
	StreamTypeMPEG2HalvedSampleRateAudio uint8 = 4   // ISO/IEC 13818-3
	StreamTypeMPEG2PacketizedData        uint8 = 6   // ITU-T Rec. H.222 and ISO/IEC 13818-1 i.e., DVB subtitles/VBI and AC-3
	StreamTypeDSMCCMultiprotocol         uint8 = 10  // ISO/IEC 13818-6 type A, Multi-Protocol Encapsulation
	StreamTypeDSMCCSections              uint8 = 13  // ISO/IEC 13818-6 type D
	StreamTypeADTS                       uint8 = 15  // ISO/IEC 13818-7 Audio with ADTS transport syntax
	StreamTypeAVCVideo                   uint8 = 27  // ITU-T Rec. H.264 and ISO/IEC 14496-10
	StreamTypeAC3Audio                   uint8 = 129 // ATSC A/52 AC-3 audio
)

// isVideoStreamType checks whether the stream type carries MPEG-1/2 video
func isVideoStreamType(t uint8) bool {
	return t == StreamTypeMPEG1Video || t == StreamTypeMPEG2Video
}

// isAudioStreamType checks whether the stream type carries MPEG audio
func isAudioStreamType(t uint8) bool {
	return t == StreamTypeMPEG1Audio || t == StreamTypeMPEG2HalvedSampleRateAudio || t == StreamTypeADTS
}

// isAVCStreamType checks whether the stream type carries AVC video
func isAVCStreamType(t uint8) bool { return t == StreamTypeAVCVideo }

// isMPEStreamType checks whether the stream type may carry MPE datagrams
func isMPEStreamType(t uint8) bool {
	return t == StreamTypeDSMCCMultiprotocol || t == StreamTypeDSMCCSections
}

// PMTData represents a PMT data
// https://en.wikipedia.org/wiki/Program-specific_information
type PMTData struct {
	ElementaryStreams []*PMTElementaryStream
	PCRPID            uint16 // The packet identifier that contains the program clock reference. Set to 0x1FFF when unused.
	ProgramNumber     uint16
}

// PMTElementaryStream represents a PMT elementary stream. Descriptor
// contents are opaque to the reassembly core and kept as raw bytes.
type PMTElementaryStream struct {
	Descriptors   []byte // Raw elementary stream descriptors
	ElementaryPID uint16 // The packet identifier that contains the stream type data
	StreamType    uint8  // This defines the structure of the data contained within the elementary packet identifier
}

// parsePMT parses a complete PMT table
func parsePMT(t *Table) (d *PMTData, err error) {
	if !t.IsValid() || t.TableID() != TableIDPMT {
		err = fmt.Errorf("tsreasm: table id %d is not a PMT", t.TableID())
		return
	}
	d = &PMTData{ProgramNumber: t.TableIDExtension()}
	for _, s := range t.Sections() {
		bs := s.Payload()
		if len(bs) < 4 {
			err = fmt.Errorf("tsreasm: PMT section payload too short (%d bytes)", len(bs))
			return
		}

		// PCR PID
		d.PCRPID = uint16(bs[0]&0x1f)<<8 | uint16(bs[1])

		// Program descriptors, skipped as opaque
		offset := 4 + int(uint16(bs[2]&0xf)<<8|uint16(bs[3]))
		if offset > len(bs) {
			err = fmt.Errorf("tsreasm: PMT program info length out of bounds")
			return
		}

		// Loop until the end of the section payload is reached
		for offset+5 <= len(bs) {
			e := &PMTElementaryStream{
				ElementaryPID: uint16(bs[offset+1]&0x1f)<<8 | uint16(bs[offset+2]),
				StreamType:    bs[offset],
			}
			infoLength := int(uint16(bs[offset+3]&0xf)<<8 | uint16(bs[offset+4]))
			offset += 5
			if offset+infoLength > len(bs) {
				err = fmt.Errorf("tsreasm: PMT ES info length out of bounds")
				return
			}
			e.Descriptors = bs[offset : offset+infoLength]
			offset += infoLength
			d.ElementaryStreams = append(d.ElementaryStreams, e)
		}
	}
	return
}

// writePMTPayload serializes the payload of a single-section PMT, used by
// tests and tooling to produce reference streams
func writePMTPayload(d *PMTData) (bs []byte) {
	bs = append(bs, 0xe0|uint8(d.PCRPID>>8)&0x1f, uint8(d.PCRPID), 0xf0, 0x00)
	for _, e := range d.ElementaryStreams {
		bs = append(bs,
			e.StreamType,
			0xe0|uint8(e.ElementaryPID>>8)&0x1f, uint8(e.ElementaryPID),
			0xf0|uint8(len(e.Descriptors)>>8)&0xf, uint8(len(e.Descriptors)))
		bs = append(bs, e.Descriptors...)
	}
	return
}
