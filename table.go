package tsreasm

// Table aggregates the sections sharing one (table id, table id extension,
// version) identity. It is built by adding sections one at a time and
// becomes valid when every section number in 0..last section number has
// been filled. Sections are shared by pointer with the demux and with
// handlers; Clone the table when a mutable copy is needed.
type Table struct {
	isValid          bool
	missingCount     int
	sections         []*Section
	sourcePID        uint16
	tableID          uint8
	tableIDExtension uint16
	version          uint8
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{sourcePID: PIDNull}
}

// NewTableFromSections creates a table from a set of sections. The resulting
// table is cleared when any section is rejected.
func NewTableFromSections(sections []*Section, replace, grow bool) (t *Table) {
	t = NewTable()
	ok := true
	for _, s := range sections {
		ok = t.AddSection(s, replace, grow) && ok
	}
	if !ok {
		t.Clear()
	}
	return
}

// IsValid checks whether all sections of the table are present
func (t *Table) IsValid() bool { return t.isValid }

// TableID returns the table id, fixed by the first added section
func (t *Table) TableID() uint8 { return t.tableID }

// TableIDExtension returns the table id extension, fixed by the first added section
func (t *Table) TableIDExtension() uint16 { return t.tableIDExtension }

// Version returns the version number, fixed by the first added section
func (t *Table) Version() uint8 { return t.version }

// SourcePID returns the PID the table was demultiplexed from
func (t *Table) SourcePID() uint16 { return t.sourcePID }

// SectionCount returns the number of section slots, filled or not
func (t *Table) SectionCount() int { return len(t.sections) }

// MissingSectionCount returns the number of unfilled section slots
func (t *Table) MissingSectionCount() int { return t.missingCount }

// SectionAt returns the section stored at the given section number, nil when
// missing or out of range
func (t *Table) SectionAt(index int) *Section {
	if index < 0 || index >= len(t.sections) {
		return nil
	}
	return t.sections[index]
}

// Sections returns the section slots in section number order. Missing
// sections are nil entries.
func (t *Table) Sections() []*Section { return t.sections }

// IsShortSection checks whether the table is made of one short section
func (t *Table) IsShortSection() bool {
	return len(t.sections) == 1 && t.sections[0] != nil && t.sections[0].IsShortSection()
}

// TotalSize returns the total size in bytes of all present sections
func (t *Table) TotalSize() (size int) {
	for _, s := range t.sections {
		if s.IsValid() {
			size += s.Size()
		}
	}
	return
}

// FirstTSPacketIndex returns the smallest first-packet index of all present sections
func (t *Table) FirstTSPacketIndex() uint64 {
	var first uint64
	found := false
	for _, s := range t.sections {
		if s != nil && (!found || s.FirstTSPacketIndex() < first) {
			first = s.FirstTSPacketIndex()
			found = true
		}
	}
	return first
}

// LastTSPacketIndex returns the largest last-packet index of all present sections
func (t *Table) LastTSPacketIndex() (last uint64) {
	for _, s := range t.sections {
		if s != nil && s.LastTSPacketIndex() > last {
			last = s.LastTSPacketIndex()
		}
	}
	return
}

// Clear empties the table so that it can be rebuilt with AddSection
func (t *Table) Clear() {
	t.isValid = false
	t.tableID = TableIDReserved
	t.tableIDExtension = 0
	t.version = 0
	t.sourcePID = PIDNull
	t.missingCount = 0
	t.sections = nil
}

// AddSection adds one section to the table.
//
// The first added section fixes the table identity and allocates one slot
// per section number. A subsequent section carrying another identity is
// rejected. A section whose last section number disagrees with the slot
// count is rejected unless grow is true: a smaller last number is raised to
// match, a larger one grows the table and renumbers all stored sections. A
// section whose slot is already filled is rejected unless replace is true.
func (t *Table) AddSection(s *Section, replace, grow bool) bool {
	// Reject invalid sections
	if !s.IsValid() {
		return false
	}

	index := int(s.SectionNumber())

	if len(t.sections) == 0 {
		// This is the first section, it fixes the table identity
		t.sections = make([]*Section, int(s.LastSectionNumber())+1)
		t.tableID = s.TableID()
		t.tableIDExtension = s.TableIDExtension()
		t.version = s.Version()
		t.sourcePID = s.PID()
		t.missingCount = len(t.sections)
	} else if s.TableID() != t.tableID || s.TableIDExtension() != t.tableIDExtension || s.Version() != t.version {
		// Not the same table
		return false
	} else if !grow && (index >= len(t.sections) || int(s.LastSectionNumber()) != len(t.sections)-1) {
		// Incompatible number of sections
		return false
	} else if int(s.LastSectionNumber()) != len(t.sections)-1 {
		// Incompatible number of sections but the table is allowed to grow
		if int(s.LastSectionNumber()) < len(t.sections)-1 {
			// The new section must be updated
			s.SetLastSectionNumber(uint8(len(t.sections)-1), true)
		} else {
			// The table must be updated (more sections)
			t.missingCount += int(s.LastSectionNumber()) + 1 - len(t.sections)
			grown := make([]*Section, int(s.LastSectionNumber())+1)
			copy(grown, t.sections)
			t.sections = grown
			// Renumber all previously stored sections
			for _, stored := range t.sections {
				if stored != nil {
					stored.SetLastSectionNumber(s.LastSectionNumber(), true)
				}
			}
		}
	}

	if t.sections[index] == nil {
		// The section was not present, add it
		t.sections[index] = s
		t.missingCount--
	} else if !replace {
		// Section already present, don't replace
		return false
	} else {
		t.sections[index] = s
	}

	// The table becomes valid when there is no more missing section
	t.isValid = t.missingCount == 0
	return true
}

// PackSections compacts a partially filled table into a contiguous one,
// renumbering stored sections in place. Used by out-of-band tooling such as
// end-of-stream flushes, never by the live demux path.
func (t *Table) PackSections() bool {
	if t.missingCount > 0 {
		next := 0
		for _, s := range t.sections {
			if s != nil {
				t.sections[next] = s
				next++
			}
		}
		t.sections = t.sections[:next]
		t.missingCount = 0
		t.isValid = next > 0
		for i, s := range t.sections {
			s.SetSectionNumber(uint8(i), false)
			s.SetLastSectionNumber(uint8(next-1), true)
		}
	}
	return t.isValid
}

// Clone returns a deep copy of the table, sections included
func (t *Table) Clone() (o *Table) {
	o = &Table{
		isValid:          t.isValid,
		missingCount:     t.missingCount,
		sections:         make([]*Section, len(t.sections)),
		sourcePID:        t.sourcePID,
		tableID:          t.tableID,
		tableIDExtension: t.tableIDExtension,
		version:          t.version,
	}
	for i, s := range t.sections {
		if s != nil {
			o.sections[i] = s.Clone()
		}
	}
	return
}
