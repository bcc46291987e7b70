package tsreasm

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

// AVC NAL unit types the demux cares about
const (
	avcNALSEI = 6
	avcNALSPS = 7
)

// MPEG2VideoAttributes describes an MPEG-1/2 video elementary stream, as
// extracted from its sequence headers
type MPEG2VideoAttributes struct {
	AspectRatioCode uint8
	FrameRateCode   uint8
	HorizontalSize  int
	VerticalSize    int
	valid           bool
}

// IsValid checks whether a sequence header was seen
func (a *MPEG2VideoAttributes) IsValid() bool { return a.valid }

// String implements fmt.Stringer
func (a *MPEG2VideoAttributes) String() string {
	if !a.valid {
		return "invalid"
	}
	return fmt.Sprintf("%dx%d, aspect ratio code %d, frame rate code %d", a.HorizontalSize, a.VerticalSize, a.AspectRatioCode, a.FrameRateCode)
}

// moreBinaryData feeds video elementary stream bytes and reports whether the
// attributes changed
func (a *MPEG2VideoAttributes) moreBinaryData(bs []byte) bool {
	// Look for a sequence header start code
	i := bytes.Index(bs, []byte{0x00, 0x00, 0x01, 0xb3})
	if i < 0 || len(bs[i+4:]) < 4 {
		return false
	}
	bs = bs[i+4:]
	n := MPEG2VideoAttributes{
		AspectRatioCode: bs[3] >> 4,
		FrameRateCode:   bs[3] & 0xf,
		HorizontalSize:  int(bs[0])<<4 | int(bs[1])>>4,
		VerticalSize:    int(bs[1]&0xf)<<8 | int(bs[2]),
		valid:           true,
	}
	if n == *a {
		return false
	}
	*a = n
	return true
}

// MPEG2AudioAttributes describes an MPEG-1/2 audio elementary stream, as
// extracted from its frame headers
type MPEG2AudioAttributes struct {
	BitrateCode      uint8
	ChannelMode      uint8
	Layer            uint8
	SamplingFreqCode uint8
	Version          uint8
	valid            bool
}

// IsValid checks whether an audio frame header was seen
func (a *MPEG2AudioAttributes) IsValid() bool { return a.valid }

// String implements fmt.Stringer
func (a *MPEG2AudioAttributes) String() string {
	if !a.valid {
		return "invalid"
	}
	return fmt.Sprintf("version %d, layer %d, bitrate code %d, sampling code %d, mode %d", a.Version, a.Layer, a.BitrateCode, a.SamplingFreqCode, a.ChannelMode)
}

// moreBinaryData feeds audio elementary stream bytes and reports whether the
// attributes changed
func (a *MPEG2AudioAttributes) moreBinaryData(bs []byte) bool {
	// Look for an audio frame header: 11-bit syncword, all ones
	for i := 0; i+3 < len(bs); i++ {
		if bs[i] != 0xff || bs[i+1]&0xe0 != 0xe0 {
			continue
		}
		n := MPEG2AudioAttributes{
			BitrateCode:      bs[i+2] >> 4,
			ChannelMode:      bs[i+3] >> 6,
			Layer:            bs[i+1] >> 1 & 0x3,
			SamplingFreqCode: bs[i+2] >> 2 & 0x3,
			Version:          bs[i+1] >> 3 & 0x3,
			valid:            true,
		}
		// Forbidden layer or reserved sampling code means a false syncword
		if n.Layer == 0 || n.SamplingFreqCode == 3 {
			continue
		}
		if n == *a {
			return false
		}
		*a = n
		return true
	}
	return false
}

// AVCAttributes describes an AVC video elementary stream, as extracted from
// its sequence parameter sets
type AVCAttributes struct {
	ChromaFormatIDC uint8
	Height          int
	LevelIDC        uint8
	ProfileIDC      uint8
	Width           int
	valid           bool
}

// IsValid checks whether an SPS was seen and parsed
func (a *AVCAttributes) IsValid() bool { return a.valid }

// String implements fmt.Stringer
func (a *AVCAttributes) String() string {
	if !a.valid {
		return "invalid"
	}
	return fmt.Sprintf("%dx%d, profile %d, level %d.%d", a.Width, a.Height, a.ProfileIDC, a.LevelIDC/10, a.LevelIDC%10)
}

// moreBinaryData feeds AVC elementary stream bytes and reports whether the
// attributes changed
func (a *AVCAttributes) moreBinaryData(bs []byte) bool {
	// Look for an SPS NAL unit
	offset := firstAVCUnit(bs)
	for offset < len(bs) {
		next, size := nextAVCUnit(bs, offset)
		if bs[offset]&0x1f == avcNALSPS {
			n, err := parseAVCSPS(bs[offset : offset+size])
			if err != nil {
				logger.Debugf("tsreasm: parsing AVC SPS failed: %s", err)
			} else if n != *a {
				*a = n
				return true
			}
			return false
		}
		offset = next
	}
	return false
}

// parseAVCSPS parses a sequence parameter set NAL unit, emulation prevention
// bytes included
func parseAVCSPS(nal []byte) (a AVCAttributes, err error) {
	if len(nal) < 4 {
		err = fmt.Errorf("tsreasm: SPS NAL unit too short (%d bytes)", len(nal))
		return
	}
	a.ProfileIDC = nal[1]
	a.LevelIDC = nal[3]

	// The remaining fields are Exp-Golomb coded in the RBSP
	r := bitio.NewReader(bytes.NewReader(avcRBSP(nal[4:])))
	readUE := func() uint32 {
		var zeros int
		for r.TryReadBool() == false && r.TryError == nil {
			zeros++
		}
		if r.TryError != nil || zeros > 31 {
			r.TryError = fmt.Errorf("tsreasm: invalid Exp-Golomb code")
			return 0
		}
		return uint32(1)<<zeros - 1 + uint32(r.TryReadBits(uint8(zeros)))
	}

	readUE() // seq_parameter_set_id
	a.ChromaFormatIDC = 1
	switch a.ProfileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128:
		a.ChromaFormatIDC = uint8(readUE())
		if a.ChromaFormatIDC == 3 {
			r.TryReadBool() // separate_colour_plane_flag
		}
		readUE()        // bit_depth_luma_minus8
		readUE()        // bit_depth_chroma_minus8
		r.TryReadBool() // qpprime_y_zero_transform_bypass_flag
		if r.TryReadBool() {
			err = fmt.Errorf("tsreasm: SPS with seq_scaling_matrix is not supported")
			return
		}
	}
	readUE() // log2_max_frame_num_minus4
	switch readUE() {
	case 0:
		readUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.TryReadBool() // delta_pic_order_always_zero_flag
		readUE()        // offset_for_non_ref_pic (se, same bit count)
		readUE()        // offset_for_top_to_bottom_field
		for i := readUE(); i > 0; i-- {
			readUE() // offset_for_ref_frame
		}
	}
	readUE()        // max_num_ref_frames
	r.TryReadBool() // gaps_in_frame_num_value_allowed_flag
	widthInMbs := readUE() + 1
	heightInMapUnits := readUE() + 1
	frameMbsOnly := r.TryReadBool()
	if !frameMbsOnly {
		r.TryReadBool() // mb_adaptive_frame_field_flag
	}
	r.TryReadBool() // direct_8x8_inference_flag
	var cropLeft, cropRight, cropTop, cropBottom uint32
	if r.TryReadBool() { // frame_cropping_flag
		cropLeft = readUE()
		cropRight = readUE()
		cropTop = readUE()
		cropBottom = readUE()
	}
	if r.TryError != nil {
		err = fmt.Errorf("tsreasm: reading SPS bits failed: %w", r.TryError)
		return
	}

	frameHeightInMbs := heightInMapUnits
	if !frameMbsOnly {
		frameHeightInMbs *= 2
	}
	cropUnitX, cropUnitY := uint32(1), uint32(1)
	if a.ChromaFormatIDC == 1 || a.ChromaFormatIDC == 2 {
		cropUnitX = 2
	}
	if a.ChromaFormatIDC == 1 {
		cropUnitY = 2
	}
	if !frameMbsOnly {
		cropUnitY *= 2
	}
	a.Width = int(widthInMbs*16 - cropUnitX*(cropLeft+cropRight))
	a.Height = int(frameHeightInMbs*16 - cropUnitY*(cropTop+cropBottom))
	a.valid = true
	return
}

// avcRBSP removes the emulation prevention bytes from a NAL unit payload
func avcRBSP(bs []byte) []byte {
	out := make([]byte, 0, len(bs))
	zeros := 0
	for _, b := range bs {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// AC-3 sample rates in Hz, indexed by fscod
var ac3SampleRates = [3]int{48000, 44100, 32000}

// AC-3 nominal bitrates in kb/s, indexed by frmsizcod >> 1
var ac3Bitrates = [19]int{32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 448, 512, 576, 640}

// AC-3 channel counts, LFE excluded, indexed by acmod
var ac3Channels = [8]int{2, 1, 2, 3, 3, 4, 4, 5}

// AC3Attributes describes an AC-3 audio elementary stream, as extracted from
// its syncframes
type AC3Attributes struct {
	BitrateKbps  int
	BitstreamID  uint8
	Channels     int
	CodingMode   uint8
	SamplingRate int
	valid        bool
}

// IsValid checks whether a syncframe was seen
func (a *AC3Attributes) IsValid() bool { return a.valid }

// String implements fmt.Stringer
func (a *AC3Attributes) String() string {
	if !a.valid {
		return "invalid"
	}
	return fmt.Sprintf("%d Hz, %d kb/s, %d channels, coding mode %d", a.SamplingRate, a.BitrateKbps, a.Channels, a.CodingMode)
}

// moreBinaryData feeds AC-3 elementary stream bytes and reports whether the
// attributes changed
func (a *AC3Attributes) moreBinaryData(bs []byte) bool {
	// Look for a syncframe
	for i := 0; i+6 < len(bs); i++ {
		if bs[i] != 0x0b || bs[i+1] != 0x77 {
			continue
		}
		fscod := bs[i+4] >> 6
		frmsizcod := bs[i+4] & 0x3f
		if fscod == 3 || frmsizcod>>1 >= uint8(len(ac3Bitrates)) {
			continue
		}
		acmod := bs[i+6] >> 5
		n := AC3Attributes{
			BitrateKbps:  ac3Bitrates[frmsizcod>>1],
			BitstreamID:  bs[i+5] >> 3,
			Channels:     ac3Channels[acmod],
			CodingMode:   acmod,
			SamplingRate: ac3SampleRates[fscod],
			valid:        true,
		}
		if n == *a {
			return false
		}
		*a = n
		return true
	}
	return false
}

// avcStartCodePrefix is the Annex B start code prefix separating NAL units
var avcStartCodePrefix = []byte{0x00, 0x00, 0x01}

// firstAVCUnit locates the first NAL unit of an Annex B byte stream. It
// returns the offset of its first byte, or len(bs) when there is none.
func firstAVCUnit(bs []byte) int {
	if i := bytes.Index(bs, avcStartCodePrefix); i >= 0 {
		return i + 3
	}
	return len(bs)
}

// nextAVCUnit locates the NAL unit following the one starting at offset. It
// returns the offset of the next unit's first byte (or len(bs) when none)
// and the size of the current unit, start codes and their leading zeros
// excluded.
func nextAVCUnit(bs []byte, offset int) (next, size int) {
	i := bytes.Index(bs[offset:], avcStartCodePrefix)
	if i < 0 {
		return len(bs), len(bs) - offset
	}
	next = offset + i + 3
	// A zero before the prefix belongs to a 4-byte start code
	end := offset + i
	for end > offset && bs[end-1] == 0x00 {
		end--
	}
	return next, end - offset
}
