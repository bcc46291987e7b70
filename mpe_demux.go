package tsreasm

// MPEDemux extracts multiprotocol encapsulation packets from a transport
// stream. It follows the PAT and the PMTs to discover the PIDs carrying MPE
// and reassembles the DSM-CC private data sections they carry into MPE
// packets. Like the section demux it is push based and single threaded.
type MPEDemux struct {
	handler      MPEHandler
	mpePIDs      map[uint16]bool
	sectionDemux *SectionDemux
}

// NewMPEDemux creates a new MPE demux delivering to the given handler.
// Additional PIDs known to carry MPE without being referenced by a PMT may
// be given explicitly.
func NewMPEDemux(handler MPEHandler, pids ...uint16) (d *MPEDemux) {
	d = &MPEDemux{
		handler: handler,
		mpePIDs: make(map[uint16]bool),
	}
	d.sectionDemux = NewSectionDemux(TableHandlerFunc(d.handleTable), SectionHandlerFunc(d.handleSection), PIDPAT)
	// Every MPE section reuses version 0, so successive datagrams to the same
	// MAC address look like a version-unchanged repeat. Content tracking is
	// what surfaces them.
	d.sectionDemux.SetTrackInvalidSectionVersions(true)
	for _, pid := range pids {
		d.AddPID(pid)
	}
	return
}

// Status returns a copy of the anomaly counters of the underlying section
// demux. Version-unchanged updates are the normal MPE delivery mechanism, not
// an anomaly, so that counter is cleared.
func (d *MPEDemux) Status() SectionDemuxStatus {
	s := d.sectionDemux.Status()
	s.InvalidSectionVersions = 0
	return s
}

// PacketCount returns the number of TS packets fed so far
func (d *MPEDemux) PacketCount() uint64 { return d.sectionDemux.PacketCount() }

// AddPID declares a PID as carrying MPE, in addition to the ones discovered
// through the PMTs
func (d *MPEDemux) AddPID(pid uint16) {
	if d.mpePIDs[pid] {
		return
	}
	d.mpePIDs[pid] = true
	d.sectionDemux.AddPID(pid)
	if d.handler != nil {
		d.handler.HandleMPENewPID(d, pid)
	}
}

// HasPID checks whether a PID is currently known to carry MPE
func (d *MPEDemux) HasPID(pid uint16) bool { return d.mpePIDs[pid] }

// Reset clears all reassembly contexts and forgets the discovered MPE PIDs
func (d *MPEDemux) Reset() {
	for pid := range d.mpePIDs {
		d.sectionDemux.RemovePID(pid)
	}
	d.mpePIDs = make(map[uint16]bool)
	d.sectionDemux.Reset()
}

// FeedPacket is the sole processing entry point: it feeds one TS packet into
// the demux
func (d *MPEDemux) FeedPacket(p *Packet) { d.sectionDemux.FeedPacket(p) }

// handleTable follows the PAT and the PMTs to discover the PIDs carrying MPE
func (d *MPEDemux) handleTable(sd *SectionDemux, t *Table) {
	switch t.TableID() {
	case TableIDPAT:
		pat, err := parsePAT(t)
		if err != nil {
			logger.Debugf("tsreasm: parsing PAT failed: %s", err)
			return
		}
		for _, pgm := range pat.Programs {
			if pgm.ProgramNumber > 0 {
				sd.AddPID(pgm.ProgramMapID)
			}
		}
	case TableIDPMT:
		pmt, err := parsePMT(t)
		if err != nil {
			logger.Debugf("tsreasm: parsing PMT failed: %s", err)
			return
		}
		for _, es := range pmt.ElementaryStreams {
			if isMPEStreamType(es.StreamType) {
				d.AddPID(es.ElementaryPID)
			}
		}
	}
}

// handleSection turns DSM-CC private data sections of MPE PIDs into MPE
// packets
func (d *MPEDemux) handleSection(sd *SectionDemux, s *Section) {
	if s.TableID() != TableIDDSMCCPD || !d.mpePIDs[s.PID()] {
		return
	}
	p, err := NewMPEPacketFromSection(s)
	if err != nil {
		logger.Debugf("tsreasm: building MPE packet failed: %s", err)
		return
	}
	if d.handler != nil {
		d.handler.HandleMPEPacket(d, p)
	}
}
