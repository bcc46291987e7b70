package tsreasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testPATData = &PATData{
	Programs: []*PATProgram{
		{ProgramMapID: 0x64, ProgramNumber: 1},
		{ProgramMapID: 0x65, ProgramNumber: 2},
	},
	TransportStreamID: 0x1234,
}

// testPATTable builds a single-section PAT table
func testPATTable(t *testing.T, d *PATData) *Table {
	s, err := NewLongSection(TableIDPAT, false, d.TransportStreamID, 5, true, 0, 0, writePATPayload(d))
	assert.NoError(t, err)
	return NewTableFromSections([]*Section{s}, false, false)
}

func TestParsePAT(t *testing.T) {
	d, err := parsePAT(testPATTable(t, testPATData))
	assert.NoError(t, err)
	assert.Equal(t, testPATData, d)
}

func TestParsePATReference(t *testing.T) {
	// The reference PAT section announces program 1 on PID 0x1000
	s := NewSection(testSectionPAT, PIDPAT, CRCCheck)
	assert.True(t, s.IsValid())
	d, err := parsePAT(NewTableFromSections([]*Section{s}, false, false))
	assert.NoError(t, err)
	assert.Len(t, d.Programs, 1)
	assert.Equal(t, uint16(1), d.Programs[0].ProgramNumber)
	assert.Equal(t, uint16(0x1000), d.Programs[0].ProgramMapID)
}

func TestParsePATWrongTableID(t *testing.T) {
	_, err := parsePAT(NewTableFromSections([]*Section{testLongSection(t, 0, 0)}, false, false))
	assert.Error(t, err)
}
