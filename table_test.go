package tsreasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLongSection(t *testing.T, sectionNumber, lastSectionNumber uint8) *Section {
	s, err := NewLongSection(0x42, true, 0x1234, 3, true, sectionNumber, lastSectionNumber, []byte{sectionNumber, 0xaa})
	assert.NoError(t, err)
	return s
}

func TestTableAddSection(t *testing.T) {
	tbl := NewTable()
	assert.False(t, tbl.IsValid())

	// The first section fixes the identity and the slot count
	assert.True(t, tbl.AddSection(testLongSection(t, 0, 2), false, false))
	assert.Equal(t, uint8(0x42), tbl.TableID())
	assert.Equal(t, uint16(0x1234), tbl.TableIDExtension())
	assert.Equal(t, uint8(3), tbl.Version())
	assert.Equal(t, 3, tbl.SectionCount())
	assert.Equal(t, 2, tbl.MissingSectionCount())
	assert.False(t, tbl.IsValid())

	// A section with another identity is rejected
	other, err := NewLongSection(0x43, true, 0x1234, 3, true, 1, 2, []byte{0x01})
	assert.NoError(t, err)
	assert.False(t, tbl.AddSection(other, false, false))

	// An invalid section is rejected
	assert.False(t, tbl.AddSection(NewSection([]byte{0x00}, PIDNull, CRCCheck), false, false))

	// An already filled slot is rejected unless replace is set
	assert.True(t, tbl.AddSection(testLongSection(t, 1, 2), false, false))
	assert.False(t, tbl.AddSection(testLongSection(t, 1, 2), false, false))
	assert.True(t, tbl.AddSection(testLongSection(t, 1, 2), true, false))

	// The table becomes valid once every slot is filled
	assert.True(t, tbl.AddSection(testLongSection(t, 2, 2), false, false))
	assert.True(t, tbl.IsValid())
	assert.Equal(t, 0, tbl.MissingSectionCount())
	assert.Equal(t, uint8(1), tbl.SectionAt(1).SectionNumber())
	assert.Nil(t, tbl.SectionAt(3))
}

func TestTableGrow(t *testing.T) {
	tbl := NewTable()
	assert.True(t, tbl.AddSection(testLongSection(t, 0, 1), false, true))

	// Without grow, a mismatched last section number is rejected
	assert.False(t, tbl.AddSection(testLongSection(t, 1, 3), false, false))

	// With grow, the table gains the missing slots and the stored sections
	// are renumbered, CRCs recomputed
	assert.True(t, tbl.AddSection(testLongSection(t, 1, 3), false, true))
	assert.Equal(t, 4, tbl.SectionCount())
	assert.Equal(t, 2, tbl.MissingSectionCount())
	s0 := tbl.SectionAt(0)
	assert.Equal(t, uint8(3), s0.LastSectionNumber())
	assert.True(t, NewSection(s0.Content(), s0.PID(), CRCCheck).IsValid())

	// A section declaring fewer sections than the table has is raised to the
	// table's count instead
	s2 := testLongSection(t, 2, 2)
	assert.True(t, tbl.AddSection(s2, false, true))
	assert.Equal(t, uint8(3), s2.LastSectionNumber())
	assert.Equal(t, 4, tbl.SectionCount())

	assert.True(t, tbl.AddSection(testLongSection(t, 3, 3), false, true))
	assert.True(t, tbl.IsValid())
}

func TestTablePackSections(t *testing.T) {
	tbl := NewTable()
	assert.True(t, tbl.AddSection(testLongSection(t, 0, 3), false, false))
	assert.True(t, tbl.AddSection(testLongSection(t, 2, 3), false, false))
	assert.False(t, tbl.IsValid())

	assert.True(t, tbl.PackSections())
	assert.True(t, tbl.IsValid())
	assert.Equal(t, 2, tbl.SectionCount())
	assert.Equal(t, 0, tbl.MissingSectionCount())
	for i := 0; i < 2; i++ {
		s := tbl.SectionAt(i)
		assert.Equal(t, uint8(i), s.SectionNumber())
		assert.Equal(t, uint8(1), s.LastSectionNumber())
		assert.True(t, NewSection(s.Content(), s.PID(), CRCCheck).IsValid())
	}
}

func TestNewTableFromSections(t *testing.T) {
	tbl := NewTableFromSections([]*Section{
		testLongSection(t, 0, 1),
		testLongSection(t, 1, 1),
	}, false, false)
	assert.True(t, tbl.IsValid())
	assert.Equal(t, 2, tbl.SectionCount())

	// A rejected section clears the whole table
	tbl = NewTableFromSections([]*Section{
		testLongSection(t, 0, 1),
		testLongSection(t, 1, 2),
	}, false, false)
	assert.False(t, tbl.IsValid())
	assert.Equal(t, 0, tbl.SectionCount())
}

func TestTableShortSection(t *testing.T) {
	s, err := NewShortSection(TableIDTDT, false, []byte{0x01})
	assert.NoError(t, err)
	tbl := NewTable()
	assert.True(t, tbl.AddSection(s, false, false))
	assert.True(t, tbl.IsValid())
	assert.True(t, tbl.IsShortSection())
	assert.Equal(t, 1, tbl.SectionCount())
}

func TestTableClone(t *testing.T) {
	tbl := NewTable()
	assert.True(t, tbl.AddSection(testLongSection(t, 0, 0), false, false))
	clone := tbl.Clone()
	assert.True(t, clone.IsValid())
	assert.NotSame(t, tbl.SectionAt(0), clone.SectionAt(0))
	assert.True(t, tbl.SectionAt(0).Equal(clone.SectionAt(0)))
}
