package tsreasm

import "fmt"

// PATData represents a PAT data
// https://en.wikipedia.org/wiki/Program-specific_information
type PATData struct {
	Programs          []*PATProgram
	TransportStreamID uint16
}

// PATProgram represents a PAT program
type PATProgram struct {
	ProgramMapID  uint16 // The packet identifier that contains the associated PMT
	ProgramNumber uint16 // Relates to the Table ID extension in the associated PMT. A value of 0 is reserved for a NIT packet identifier.
}

// parsePAT parses a complete PAT table. Programs of all sections are
// aggregated.
func parsePAT(t *Table) (d *PATData, err error) {
	if !t.IsValid() || t.TableID() != TableIDPAT {
		err = fmt.Errorf("tsreasm: table id %d is not a PAT", t.TableID())
		return
	}
	d = &PATData{TransportStreamID: t.TableIDExtension()}
	for _, s := range t.Sections() {
		bs := s.Payload()
		for offset := 0; offset+4 <= len(bs); offset += 4 {
			d.Programs = append(d.Programs, &PATProgram{
				ProgramMapID:  uint16(bs[offset+2]&0x1f)<<8 | uint16(bs[offset+3]),
				ProgramNumber: uint16(bs[offset])<<8 | uint16(bs[offset+1]),
			})
		}
	}
	return
}

// writePATPayload serializes the payload of a single-section PAT, used by
// tests and tooling to produce reference streams
func writePATPayload(d *PATData) (bs []byte) {
	for _, p := range d.Programs {
		bs = append(bs,
			uint8(p.ProgramNumber>>8), uint8(p.ProgramNumber),
			0xe0|uint8(p.ProgramMapID>>8)&0x1f, uint8(p.ProgramMapID))
	}
	return
}
