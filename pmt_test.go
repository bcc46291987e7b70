package tsreasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testPMTData = &PMTData{
	ElementaryStreams: []*PMTElementaryStream{
		{Descriptors: []byte{}, ElementaryPID: 0x100, StreamType: StreamTypeAVCVideo},
		{Descriptors: []byte{0x0a, 0x04, 0x72, 0x75, 0x73, 0x00}, ElementaryPID: 0x104, StreamType: StreamTypeADTS},
	},
	PCRPID:        0x100,
	ProgramNumber: 1,
}

// testPMTTable builds a single-section PMT table
func testPMTTable(t *testing.T, d *PMTData) *Table {
	s, err := NewLongSection(TableIDPMT, false, d.ProgramNumber, 3, true, 0, 0, writePMTPayload(d))
	assert.NoError(t, err)
	return NewTableFromSections([]*Section{s}, false, false)
}

func TestParsePMT(t *testing.T) {
	d, err := parsePMT(testPMTTable(t, testPMTData))
	assert.NoError(t, err)
	assert.Equal(t, testPMTData, d)
}

func TestParsePMTReference(t *testing.T) {
	// The reference PMT section announces an AVC stream and an ADTS stream
	// with a language descriptor
	s := NewSection(testSectionPMT, 0x1000, CRCCheck)
	assert.True(t, s.IsValid())
	d, err := parsePMT(NewTableFromSections([]*Section{s}, false, false))
	assert.NoError(t, err)
	assert.Equal(t, testPMTData, d)
}

func TestParsePMTWrongTableID(t *testing.T) {
	_, err := parsePMT(NewTableFromSections([]*Section{testLongSection(t, 0, 0)}, false, false))
	assert.Error(t, err)
}

func TestStreamTypeClassifiers(t *testing.T) {
	assert.True(t, isVideoStreamType(StreamTypeMPEG2Video))
	assert.False(t, isVideoStreamType(StreamTypeAVCVideo))
	assert.True(t, isAVCStreamType(StreamTypeAVCVideo))
	assert.True(t, isAudioStreamType(StreamTypeADTS))
	assert.True(t, isMPEStreamType(StreamTypeDSMCCMultiprotocol))
	assert.False(t, isMPEStreamType(StreamTypeMPEG2PacketizedData))
}
