package tsreasm

// TableHandler is notified of each complete table found by a SectionDemux.
// The table and its sections may be retained beyond the call but must not be
// mutated.
type TableHandler interface {
	HandleTable(d *SectionDemux, t *Table)
}

// TableHandlerFunc adapts a function to the TableHandler interface
type TableHandlerFunc func(d *SectionDemux, t *Table)

// HandleTable implements TableHandler
func (f TableHandlerFunc) HandleTable(d *SectionDemux, t *Table) { f(d, t) }

// SectionHandler is notified of each complete section found by a
// SectionDemux, including sections that never complete a table
type SectionHandler interface {
	HandleSection(d *SectionDemux, s *Section)
}

// SectionHandlerFunc adapts a function to the SectionHandler interface
type SectionHandlerFunc func(d *SectionDemux, s *Section)

// HandleSection implements SectionHandler
func (f SectionHandlerFunc) HandleSection(d *SectionDemux, s *Section) { f(d, s) }

// PESHandler is notified of each complete PES packet found by a PESDemux and
// of the elementary stream structures discovered inside it. Offsets are
// relative to the PES payload.
type PESHandler interface {
	// HandlePESPacket is called once per complete PES packet
	HandlePESPacket(d *PESDemux, p *PESPacket)
	// HandleVideoStartCode is called for each MPEG-1/2 video start code
	HandleVideoStartCode(d *PESDemux, p *PESPacket, code uint8, offset, size int)
	// HandleAccessUnit is called for each AVC access unit (NAL unit)
	HandleAccessUnit(d *PESDemux, p *PESPacket, unitType uint8, offset, size int)
	// HandleSEI is called for each SEI message found in an AVC SEI NAL unit
	HandleSEI(d *PESDemux, p *PESPacket, seiType uint32, offset, size int)
	// HandleNewVideoAttributes is called when MPEG-2 video attributes changed
	HandleNewVideoAttributes(d *PESDemux, p *PESPacket, a *MPEG2VideoAttributes)
	// HandleNewAudioAttributes is called when MPEG audio attributes changed
	HandleNewAudioAttributes(d *PESDemux, p *PESPacket, a *MPEG2AudioAttributes)
	// HandleNewAVCAttributes is called when AVC attributes changed
	HandleNewAVCAttributes(d *PESDemux, p *PESPacket, a *AVCAttributes)
	// HandleNewAC3Attributes is called when AC-3 attributes changed
	HandleNewAC3Attributes(d *PESDemux, p *PESPacket, a *AC3Attributes)
}

// MPEHandler is notified of MPE activity found by an MPEDemux
type MPEHandler interface {
	// HandleMPENewPID is called once per PID newly identified as carrying MPE
	HandleMPENewPID(d *MPEDemux, pid uint16)
	// HandleMPEPacket is called once per complete MPE packet
	HandleMPEPacket(d *MPEDemux, p *MPEPacket)
}

// T2MIHandler is notified of each complete T2-MI packet found by a T2MIDemux
type T2MIHandler interface {
	HandleT2MIPacket(d *T2MIDemux, p *T2MIPacket)
}

// T2MIHandlerFunc adapts a function to the T2MIHandler interface
type T2MIHandlerFunc func(d *T2MIDemux, p *T2MIPacket)

// HandleT2MIPacket implements T2MIHandler
func (f T2MIHandlerFunc) HandleT2MIPacket(d *T2MIDemux, p *T2MIPacket) { f(d, p) }
