package tsreasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testPMTPID   uint16 = 0x64
	testVideoPID uint16 = 0x65
	testAudioPID uint16 = 0x66
)

// pesRecorder records every PES handler invocation
type pesRecorder struct {
	ac3        []AC3Attributes
	audio      []MPEG2AudioAttributes
	avc        []AVCAttributes
	packets    []*PESPacket
	seis       []uint32
	startCodes []uint8
	units      []uint8
	video      []MPEG2VideoAttributes
}

func (r *pesRecorder) HandlePESPacket(d *PESDemux, p *PESPacket) { r.packets = append(r.packets, p) }
func (r *pesRecorder) HandleVideoStartCode(d *PESDemux, p *PESPacket, code uint8, offset, size int) {
	r.startCodes = append(r.startCodes, code)
}
func (r *pesRecorder) HandleAccessUnit(d *PESDemux, p *PESPacket, unitType uint8, offset, size int) {
	r.units = append(r.units, unitType)
}
func (r *pesRecorder) HandleSEI(d *PESDemux, p *PESPacket, seiType uint32, offset, size int) {
	r.seis = append(r.seis, seiType)
}
func (r *pesRecorder) HandleNewVideoAttributes(d *PESDemux, p *PESPacket, a *MPEG2VideoAttributes) {
	r.video = append(r.video, *a)
}
func (r *pesRecorder) HandleNewAudioAttributes(d *PESDemux, p *PESPacket, a *MPEG2AudioAttributes) {
	r.audio = append(r.audio, *a)
}
func (r *pesRecorder) HandleNewAVCAttributes(d *PESDemux, p *PESPacket, a *AVCAttributes) {
	r.avc = append(r.avc, *a)
}
func (r *pesRecorder) HandleNewAC3Attributes(d *PESDemux, p *PESPacket, a *AC3Attributes) {
	r.ac3 = append(r.ac3, *a)
}

// encodePTS serializes a PTS in the 5-byte '0010' form
func encodePTS(pts int64) []byte {
	return []byte{
		0x20 | uint8(pts>>29)&0x0e | 0x01,
		uint8(pts >> 22),
		uint8(pts>>14)&0xfe | 0x01,
		uint8(pts >> 7),
		uint8(pts<<1)&0xfe | 0x01,
	}
}

// buildPES serializes a PES packet. Length 0 builds an unbounded packet.
func buildPES(streamID uint8, bounded bool, pts int64, payload []byte) []byte {
	var opt []byte
	opt = append(opt, 0x80, 0x00, 0x00)
	if pts >= 0 {
		opt[1] = 0x80 // only PTS
		opt[2] = 5
		opt = append(opt, encodePTS(pts)...)
	}
	bs := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00}
	if bounded {
		length := len(opt) + len(payload)
		bs[4] = uint8(length >> 8)
		bs[5] = uint8(length)
	}
	bs = append(bs, opt...)
	return append(bs, payload...)
}

// buildPESPackets chunks a serialized PES packet into TS packets
func buildPESPackets(pid uint16, cc uint8, bs []byte) (ps []*Packet) {
	for offset := 0; offset < len(bs); offset += mpegTsMaxPayloadSize {
		end := offset + mpegTsMaxPayloadSize
		if end > len(bs) {
			end = len(bs)
		}
		ps = append(ps, &Packet{
			Header: PacketHeader{
				ContinuityCounter:         cc,
				HasPayload:                true,
				PayloadUnitStartIndicator: offset == 0,
				PID:                       pid,
			},
			Payload: bs[offset:end],
		})
		cc = (cc + 1) % continuityCounterModulus
	}
	return
}

func TestPESDemuxBounded(t *testing.T) {
	// An MPEG audio frame header inside the payload
	payload := make([]byte, 300)
	payload[0] = 0xff
	payload[1] = 0xfb
	payload[2] = 0x90

	r := &pesRecorder{}
	d := NewPESDemux(r, testAudioPID)
	ps := buildPESPackets(testAudioPID, 0, buildPES(0xc0, true, 90000, payload))
	assert.True(t, len(ps) >= 2)
	for _, p := range ps {
		d.FeedPacket(p)
	}

	// Bounded packets complete without waiting for the next unit start
	assert.Len(t, r.packets, 1)
	p := r.packets[0]
	assert.True(t, p.IsValid())
	assert.Equal(t, uint8(0xc0), p.Header().StreamID)
	assert.True(t, p.Header().OptionalHeader.HasPTS)
	assert.Equal(t, int64(90000), p.Header().OptionalHeader.PTS)
	assert.Equal(t, payload, p.Payload())
	assert.Equal(t, uint64(0), p.FirstTSPacketIndex())
	assert.Equal(t, uint64(len(ps)-1), p.LastTSPacketIndex())
	assert.True(t, p.IsMPEG2Audio())

	// The audio frame header was turned into attributes
	assert.Len(t, r.audio, 1)
	assert.Equal(t, uint8(1), r.audio[0].Layer)
	assert.Equal(t, uint8(9), r.audio[0].BitrateCode)
	assert.False(t, d.Status().HasErrors())
}

func TestPESDemuxUnbounded(t *testing.T) {
	// MPEG-2 video: a sequence header (720x576) and a picture start code
	payload := []byte{
		0x00, 0x00, 0x01, 0xb3, 0x2d, 0x02, 0x40, 0x23,
		0x00, 0x00, 0x01, 0x00, 0xaa, 0xbb,
	}

	r := &pesRecorder{}
	d := NewPESDemux(r, testVideoPID)
	first := buildPES(0xe0, false, 3600, payload)
	second := buildPES(0xe0, false, 7200, payload)
	ps := buildPESPackets(testVideoPID, 0, first)
	ps = append(ps, buildPESPackets(testVideoPID, uint8(len(ps)), second)...)
	for _, p := range ps {
		d.FeedPacket(p)
	}

	// The first packet completes at the second unit start
	assert.Len(t, r.packets, 1)
	assert.Equal(t, payload, r.packets[0].Payload())
	assert.True(t, r.packets[0].IsMPEG2Video())
	assert.Equal(t, []uint8{0xb3, 0x00}, r.startCodes)
	assert.Len(t, r.video, 1)
	assert.Equal(t, 720, r.video[0].HorizontalSize)
	assert.Equal(t, 576, r.video[0].VerticalSize)

	// The last packet needs an explicit flush
	d.FlushUnbounded()
	assert.Len(t, r.packets, 2)
	assert.Equal(t, int64(7200), r.packets[1].Header().OptionalHeader.PTS)
	// Attributes did not change, so no second notification
	assert.Len(t, r.video, 1)
}

// testFeedPSI feeds a single-program PAT and its PMT into the demux
func testFeedPSI(t *testing.T, d *PESDemux, streams ...*PMTElementaryStream) {
	patSection, err := NewLongSection(TableIDPAT, false, 1, 0, true, 0, 0,
		writePATPayload(&PATData{Programs: []*PATProgram{{ProgramMapID: testPMTPID, ProgramNumber: 1}}}))
	assert.NoError(t, err)
	ps, err := NewPacketizer(PIDPAT).Packetize(patSection)
	assert.NoError(t, err)
	for _, p := range ps {
		d.FeedPacket(p)
	}

	pmtSection, err := NewLongSection(TableIDPMT, false, 1, 0, true, 0, 0,
		writePMTPayload(&PMTData{PCRPID: testVideoPID, ElementaryStreams: streams}))
	assert.NoError(t, err)
	ps, err = NewPacketizer(testPMTPID).Packetize(pmtSection)
	assert.NoError(t, err)
	for _, p := range ps {
		d.FeedPacket(p)
	}
}

func TestPESDemuxStreamTypeFromPMT(t *testing.T) {
	r := &pesRecorder{}
	d := NewPESDemux(r, testAudioPID)
	testFeedPSI(t, d, &PMTElementaryStream{ElementaryPID: testAudioPID, StreamType: StreamTypeAC3Audio})

	// An AC-3 syncframe: 48 kHz, 112 kb/s, stereo
	payload := []byte{0x0b, 0x77, 0x00, 0x00, 0x0e, 0x40, 0x40, 0x00}
	for _, p := range buildPESPackets(testAudioPID, 0, buildPES(0xbd, true, -1, payload)) {
		d.FeedPacket(p)
	}

	assert.Len(t, r.packets, 1)
	assert.Equal(t, StreamTypeAC3Audio, r.packets[0].StreamType())
	assert.True(t, r.packets[0].IsAC3())
	assert.Len(t, r.ac3, 1)
	assert.Equal(t, 48000, r.ac3[0].SamplingRate)
	assert.Equal(t, 112, r.ac3[0].BitrateKbps)
	assert.Equal(t, 2, r.ac3[0].Channels)
}

func TestPESDemuxAVC(t *testing.T) {
	r := &pesRecorder{}
	d := NewPESDemux(r, testVideoPID)
	testFeedPSI(t, d, &PMTElementaryStream{ElementaryPID: testVideoPID, StreamType: StreamTypeAVCVideo})

	// Access unit delimiter, SEI with one message, and a 352x288 baseline SPS
	payload := []byte{0x00, 0x00, 0x01, 0x09, 0x10}
	payload = append(payload, 0x00, 0x00, 0x01, 0x06, 0x04, 0x02, 0xaa, 0xbb, 0x80)
	payload = append(payload, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1e, 0xf4, 0x0b, 0x04, 0xb0)

	for _, p := range buildPESPackets(testVideoPID, 0, buildPES(0xe0, false, -1, payload)) {
		d.FeedPacket(p)
	}
	d.FlushUnbounded()

	assert.Len(t, r.packets, 1)
	assert.True(t, r.packets[0].IsAVC())
	assert.Equal(t, []uint8{9, 6, 7}, r.units)
	assert.Equal(t, []uint32{4}, r.seis)
	assert.Len(t, r.avc, 1)
	assert.Equal(t, uint8(66), r.avc[0].ProfileIDC)
	assert.Equal(t, uint8(30), r.avc[0].LevelIDC)
	assert.Equal(t, 352, r.avc[0].Width)
	assert.Equal(t, 288, r.avc[0].Height)
}

func TestPESDemuxContinuityGap(t *testing.T) {
	payload := make([]byte, 500)
	r := &pesRecorder{}
	d := NewPESDemux(r, testAudioPID)
	ps := buildPESPackets(testAudioPID, 0, buildPES(0xc0, true, -1, payload))
	assert.True(t, len(ps) >= 3)

	// Drop a middle packet: the PES packet is lost
	d.FeedPacket(ps[0])
	for _, p := range ps[2:] {
		d.FeedPacket(p)
	}
	assert.Len(t, r.packets, 0)
	assert.Equal(t, uint64(1), d.Status().Discontinuities)
}

func TestPESDemuxOversized(t *testing.T) {
	r := &pesRecorder{}
	d := NewPESDemux(r, testVideoPID)
	d.SetMaxPESPacketSize(256)

	for _, p := range buildPESPackets(testVideoPID, 0, buildPES(0xe0, false, -1, make([]byte, 1000))) {
		d.FeedPacket(p)
	}
	d.FlushUnbounded()
	assert.Len(t, r.packets, 0)
	assert.Equal(t, uint64(1), d.Status().OversizedPES)
}

func TestPESDemuxNonPES(t *testing.T) {
	r := &pesRecorder{}
	d := NewPESDemux(r, testPID)
	d.FeedPacket(&Packet{
		Header: PacketHeader{
			HasPayload:                true,
			PayloadUnitStartIndicator: true,
			PID:                       testPID,
		},
		Payload: testSectionPAT,
	})
	assert.Len(t, r.packets, 0)
	assert.Equal(t, uint64(1), d.Status().NonPESUnits)
}
