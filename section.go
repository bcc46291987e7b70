package tsreasm

import (
	"bytes"
	"fmt"
)

// Table IDs used by the reassembly core itself. The hundreds of other PSI/SI
// table layouts are opaque payloads to this package.
const (
	TableIDPAT      uint8 = 0x00
	TableIDCAT      uint8 = 0x01
	TableIDPMT      uint8 = 0x02
	TableIDST       uint8 = 0x72 // Stuffing sections, never a valid long section
	TableIDDSMCCPD  uint8 = 0x3e // DSM-CC private data, carries MPE datagrams
	TableIDTDT      uint8 = 0x70
	TableIDTOT      uint8 = 0x73
	TableIDReserved uint8 = 0xff
)

// SectionStatus describes the result of the structural validation of a section
type SectionStatus uint8

// Section statuses
const (
	SectionStatusValid SectionStatus = iota
	SectionStatusInvalidData
	SectionStatusInvalidHeader
	SectionStatusInvalidSize
	SectionStatusInvalidSectionNumber
	SectionStatusInvalidCRC
)

// String implements fmt.Stringer
func (s SectionStatus) String() string {
	switch s {
	case SectionStatusValid:
		return "valid"
	case SectionStatusInvalidData:
		return "no data"
	case SectionStatusInvalidHeader:
		return "truncated section header"
	case SectionStatusInvalidSize:
		return "invalid section size"
	case SectionStatusInvalidSectionNumber:
		return "invalid section number"
	case SectionStatusInvalidCRC:
		return "invalid CRC32"
	default:
		return "undefined error"
	}
}

// CRCValidation tells a Section constructor what to do with the trailing CRC32
type CRCValidation int

// CRC validations
const (
	CRCCheck   CRCValidation = iota // Validate the stored CRC32, invalidate the section on mismatch
	CRCCompute                      // Recompute and store the CRC32
	CRCIgnore                       // Leave the CRC32 bytes untouched
)

// Section represents one PSI/SI section, owning its full binary content
// (header, payload and trailing CRC32 for long sections). Sections handed to
// handlers are shared by pointer and must not be mutated afterwards; use
// Clone when a mutable copy is needed.
type Section struct {
	content          []byte
	firstPacketIndex uint64
	lastPacketIndex  uint64
	pid              uint16
	status           SectionStatus
}

// NewSection creates a section from its full binary content
func NewSection(content []byte, pid uint16, crcOp CRCValidation) (s *Section) {
	s = &Section{
		content: content,
		pid:     pid,
		status:  SectionStatusInvalidData,
	}
	s.validate(crcOp)
	return
}

// NewShortSection creates a short section from a table id and a payload
func NewShortSection(tableID uint8, private bool, payload []byte) (s *Section, err error) {
	if shortHeaderSize+len(payload) > maxPrivateSectionSize {
		err = fmt.Errorf("tsreasm: short section payload too large (%d bytes)", len(payload))
		return
	}
	content := make([]byte, shortHeaderSize+len(payload))
	content[0] = tableID
	length := uint16(len(payload))
	content[1] = 0x30 | uint8(length>>8)&0xf // syntax indicator not set
	if private {
		content[1] |= 0x40
	}
	content[2] = uint8(length)
	copy(content[shortHeaderSize:], payload)
	s = NewSection(content, PIDNull, CRCIgnore)
	return
}

// NewLongSection creates a long section from its header fields and a payload,
// computing the trailing CRC32
func NewLongSection(tableID uint8, private bool, tableIDExtension uint16, version uint8, current bool, sectionNumber, lastSectionNumber uint8, payload []byte) (s *Section, err error) {
	if longHeaderSize+len(payload)+sectionCRC32Size > maxPrivateSectionSize {
		err = fmt.Errorf("tsreasm: long section payload too large (%d bytes)", len(payload))
		return
	}
	if sectionNumber > lastSectionNumber {
		err = fmt.Errorf("tsreasm: section number %d > last section number %d", sectionNumber, lastSectionNumber)
		return
	}
	content := make([]byte, longHeaderSize+len(payload)+sectionCRC32Size)
	content[0] = tableID
	length := uint16(len(content) - shortHeaderSize)
	content[1] = 0xb0 | uint8(length>>8)&0xf // syntax indicator set
	if private {
		content[1] |= 0x40
	}
	content[2] = uint8(length)
	content[3] = uint8(tableIDExtension >> 8)
	content[4] = uint8(tableIDExtension)
	content[5] = 0xc0 | version<<1&0x3e
	if current {
		content[5] |= 0x01
	}
	content[6] = sectionNumber
	content[7] = lastSectionNumber
	copy(content[longHeaderSize:], payload)
	s = NewSection(content, PIDNull, CRCCompute)
	return
}

// sectionTotalSize returns the total section size as declared by the section
// length field, or 0 when the header is truncated
func sectionTotalSize(bs []byte) int {
	if len(bs) < shortHeaderSize {
		return 0
	}
	return shortHeaderSize + int(uint16(bs[1]&0xf)<<8|uint16(bs[2]))
}

// startLongSection checks whether the data starts with a long section header.
// Stuffing sections (table id 0x72) always use the short form.
func startLongSection(bs []byte) bool {
	return len(bs) >= minShortSectionSize && bs[1]&0x80 > 0 && bs[0] != TableIDST
}

// validate runs the structural checks on the section content
func (s *Section) validate(crcOp CRCValidation) {
	totalSize := sectionTotalSize(s.content)
	if totalSize == 0 {
		s.status = SectionStatusInvalidHeader
		return
	}
	if totalSize != len(s.content) || totalSize > maxPrivateSectionSize {
		s.status = SectionStatusInvalidSize
		return
	}
	if startLongSection(s.content) {
		if len(s.content) < minLongSectionSize {
			s.status = SectionStatusInvalidHeader
			return
		}
		if s.content[6] > s.content[7] {
			s.status = SectionStatusInvalidSectionNumber
			return
		}
		crcSize := len(s.content) - sectionCRC32Size
		switch crcOp {
		case CRCCheck:
			if computeCRC32(s.content[:crcSize]) != s.CRC32() {
				s.status = SectionStatusInvalidCRC
				return
			}
		case CRCCompute:
			s.storeCRC32()
		}
	}
	s.status = SectionStatusValid
}

// IsValid checks whether the section passed all structural checks
func (s *Section) IsValid() bool { return s != nil && s.status == SectionStatusValid }

// Status returns the validation status of the section
func (s *Section) Status() SectionStatus { return s.status }

// Content returns the full binary content of the section
func (s *Section) Content() []byte { return s.content }

// Size returns the total size of the section in bytes
func (s *Section) Size() int { return len(s.content) }

// TableID returns the table id
func (s *Section) TableID() uint8 { return s.content[0] }

// SectionLength returns the value of the 12-bit section length field
func (s *Section) SectionLength() uint16 {
	return uint16(s.content[1]&0xf)<<8 | uint16(s.content[2])
}

// IsLongSection checks whether the section uses the long (syntax) form
func (s *Section) IsLongSection() bool { return startLongSection(s.content) }

// IsShortSection checks whether the section uses the short form
func (s *Section) IsShortSection() bool { return !s.IsLongSection() }

// IsPrivateSection returns the private section flag
func (s *Section) IsPrivateSection() bool { return s.content[1]&0x40 > 0 }

// TableIDExtension returns the table id extension, 0 for short sections
func (s *Section) TableIDExtension() uint16 {
	if s.IsShortSection() {
		return 0
	}
	return uint16(s.content[3])<<8 | uint16(s.content[4])
}

// Version returns the 5-bit version number, 0 for short sections
func (s *Section) Version() uint8 {
	if s.IsShortSection() {
		return 0
	}
	return s.content[5] >> 1 & 0x1f
}

// IsCurrent returns the current/next indicator
func (s *Section) IsCurrent() bool { return s.IsShortSection() || s.content[5]&0x01 > 0 }

// IsNext checks whether the section is not yet applicable
func (s *Section) IsNext() bool { return !s.IsCurrent() }

// SectionNumber returns the section number, 0 for short sections
func (s *Section) SectionNumber() uint8 {
	if s.IsShortSection() {
		return 0
	}
	return s.content[6]
}

// LastSectionNumber returns the last section number, 0 for short sections
func (s *Section) LastSectionNumber() uint8 {
	if s.IsShortSection() {
		return 0
	}
	return s.content[7]
}

// Payload returns the section payload, excluding header and trailing CRC32
func (s *Section) Payload() []byte {
	if s.IsShortSection() {
		return s.content[shortHeaderSize:]
	}
	return s.content[longHeaderSize : len(s.content)-sectionCRC32Size]
}

// CRC32 returns the stored trailing CRC32, 0 for short sections
func (s *Section) CRC32() uint32 {
	if s.IsShortSection() {
		return 0
	}
	bs := s.content[len(s.content)-sectionCRC32Size:]
	return uint32(bs[0])<<24 | uint32(bs[1])<<16 | uint32(bs[2])<<8 | uint32(bs[3])
}

// storeCRC32 recomputes and stores the trailing CRC32
func (s *Section) storeCRC32() {
	crcSize := len(s.content) - sectionCRC32Size
	crc := computeCRC32(s.content[:crcSize])
	s.content[crcSize] = uint8(crc >> 24)
	s.content[crcSize+1] = uint8(crc >> 16)
	s.content[crcSize+2] = uint8(crc >> 8)
	s.content[crcSize+3] = uint8(crc)
}

// RecomputeCRC32 recomputes and stores the trailing CRC32 of a long section
func (s *Section) RecomputeCRC32() {
	if s.IsLongSection() {
		s.storeCRC32()
	}
}

// SetTableIDExtension replaces the table id extension of a long section
func (s *Section) SetTableIDExtension(v uint16, recomputeCRC bool) {
	if s.IsShortSection() {
		return
	}
	s.content[3] = uint8(v >> 8)
	s.content[4] = uint8(v)
	if recomputeCRC {
		s.storeCRC32()
	}
}

// SetVersion replaces the version number of a long section
func (s *Section) SetVersion(v uint8, recomputeCRC bool) {
	if s.IsShortSection() {
		return
	}
	s.content[5] = s.content[5]&0xc1 | v<<1&0x3e
	if recomputeCRC {
		s.storeCRC32()
	}
}

// SetSectionNumber replaces the section number of a long section
func (s *Section) SetSectionNumber(v uint8, recomputeCRC bool) {
	if s.IsShortSection() {
		return
	}
	s.content[6] = v
	if recomputeCRC {
		s.storeCRC32()
	}
}

// SetLastSectionNumber replaces the last section number of a long section
func (s *Section) SetLastSectionNumber(v uint8, recomputeCRC bool) {
	if s.IsShortSection() {
		return
	}
	s.content[7] = v
	if recomputeCRC {
		s.storeCRC32()
	}
}

// PID returns the PID the section was demultiplexed from
func (s *Section) PID() uint16 { return s.pid }

// SetPID sets the source PID
func (s *Section) SetPID(pid uint16) { s.pid = pid }

// FirstTSPacketIndex returns the index of the first TS packet of the section
// in the demultiplexed stream
func (s *Section) FirstTSPacketIndex() uint64 { return s.firstPacketIndex }

// LastTSPacketIndex returns the index of the last TS packet of the section
// in the demultiplexed stream
func (s *Section) LastTSPacketIndex() uint64 { return s.lastPacketIndex }

// setPacketIndexes sets the first/last TS packet indexes, for diagnostics
func (s *Section) setPacketIndexes(first, last uint64) {
	s.firstPacketIndex = first
	s.lastPacketIndex = last
}

// Equal checks whether two sections have the same binary content. Invalid
// sections are never equal.
func (s *Section) Equal(o *Section) bool {
	return s.IsValid() && o.IsValid() && bytes.Equal(s.content, o.content)
}

// Clone returns a deep copy of the section
func (s *Section) Clone() (o *Section) {
	o = &Section{
		content:          make([]byte, len(s.content)),
		firstPacketIndex: s.firstPacketIndex,
		lastPacketIndex:  s.lastPacketIndex,
		pid:              s.pid,
		status:           s.status,
	}
	copy(o.content, s.content)
	return
}
