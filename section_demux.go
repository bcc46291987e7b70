package tsreasm

import (
	"bytes"

	"golang.org/x/exp/slices"
)

// SectionDemuxStatus exposes the counters of recoverable stream anomalies
// seen by a SectionDemux. None of them is fatal; they are the expected noise
// of real-world broadcast streams.
type SectionDemuxStatus struct {
	Discontinuities        uint64 // TS packets showing a continuity counter gap
	InvalidSectionIndexes  uint64 // Sections with section number > last section number or inconsistent last section number
	InvalidSectionLengths  uint64 // Sections with an out-of-bounds section length field or a malformed header
	InvalidSectionVersions uint64 // Sections updated without a version update (tracked on demand)
	InvalidTSPackets       uint64 // TS packets with the transport error indicator set
	NextSections           uint64 // Sections filtered out because marked "next"
	ScrambledPackets       uint64 // Scrambled TS packets on filtered PIDs
	TruncatedSections      uint64 // Sections cut short by an early payload unit start
	WrongCRCs              uint64 // Sections with a CRC32 mismatch
}

// HasErrors checks whether any counter is non zero
func (s SectionDemuxStatus) HasErrors() bool {
	return s.Discontinuities > 0 ||
		s.InvalidSectionIndexes > 0 ||
		s.InvalidSectionLengths > 0 ||
		s.InvalidSectionVersions > 0 ||
		s.InvalidTSPackets > 0 ||
		s.NextSections > 0 ||
		s.ScrambledPackets > 0 ||
		s.TruncatedSections > 0 ||
		s.WrongCRCs > 0
}

// etidKey identifies one table inside one PID
type etidKey struct {
	tableID          uint8
	tableIDExtension uint16
}

// etidContext is the table assembly context for one (table id, table id
// extension) inside one PID
type etidContext struct {
	notified         bool
	sections         []*Section
	sectionsExpected int
	sectionsReceived int
	version          uint8
}

// init resets the context for a new version of the table
func (tc *etidContext) init(version, lastSectionNumber uint8) {
	tc.notified = false
	tc.version = version
	tc.sectionsExpected = int(lastSectionNumber) + 1
	tc.sectionsReceived = 0
	tc.sections = make([]*Section, tc.sectionsExpected)
}

// notify invokes the table handler if the table is complete (or forcibly
// packed). It must run inside the demux handler guard.
func (tc *etidContext) notify(d *SectionDemux, pack bool) {
	if tc.notified || d.tableHandler == nil || (tc.sectionsReceived != tc.sectionsExpected && !pack) {
		return
	}
	t := NewTable()
	for _, s := range tc.sections {
		// Packing renumbers sections in place, so sections already handed to
		// the section handler are cloned first
		if pack && s != nil {
			s = s.Clone()
		}
		t.AddSection(s, false, false)
	}
	if pack {
		t.PackSections()
	}
	if t.IsValid() {
		tc.notified = true
		d.tableHandler.HandleTable(d, t)
	}
}

// sectionPIDContext is the reassembly context for one filtered PID
type sectionPIDContext struct {
	buffer          []byte
	continuity      uint8
	pusiPacketIndex uint64
	sync            bool
	tids            map[etidKey]*etidContext
}

// syncLost is called when packet synchronization is lost on the PID: the
// accumulated bytes are discarded and reassembly waits for the next payload
// unit start
func (pc *sectionPIDContext) syncLost() {
	pc.sync = false
	pc.buffer = pc.buffer[:0]
}

// SectionDemux reassembles complete sections and tables from the TS packets
// of a configurable PID set and delivers them to its handlers in packet
// arrival order. It is push based and single threaded: FeedPacket must never
// be called concurrently.
type SectionDemux struct {
	crcValidation        CRCValidation
	getCurrent           bool
	getNext              bool
	guard                handlerGuard
	packetCount          uint64
	pidFilter            map[uint16]bool
	pids                 map[uint16]*sectionPIDContext
	sectionHandler       SectionHandler
	status               SectionDemuxStatus
	tableHandler         TableHandler
	trackInvalidVersions bool
}

// NewSectionDemux creates a new section demux delivering to the given
// handlers, either of which may be nil, and initially filtering the given
// PIDs
func NewSectionDemux(tableHandler TableHandler, sectionHandler SectionHandler, pids ...uint16) (d *SectionDemux) {
	d = &SectionDemux{
		crcValidation:  CRCCheck,
		getCurrent:     true,
		pidFilter:      make(map[uint16]bool),
		pids:           make(map[uint16]*sectionPIDContext),
		sectionHandler: sectionHandler,
		tableHandler:   tableHandler,
	}
	d.guard.applyReset = d.immediateReset
	d.guard.applyResetID = d.immediateResetPID
	d.AddPIDs(pids...)
	return
}

// SetCurrentNext configures whether sections marked "current" and/or "next"
// are surfaced to handlers. By default only "current" sections are wanted.
func (d *SectionDemux) SetCurrentNext(current, next bool) {
	d.getCurrent = current
	d.getNext = next
}

// SetTrackInvalidSectionVersions enables surfacing sections whose version is
// unchanged but whose content differs. This is a standard violation;
// detection costs a content comparison per repeated section, hence opt-in.
func (d *SectionDemux) SetTrackInvalidSectionVersions(on bool) {
	d.trackInvalidVersions = on
}

// SetCRC32Validation configures what the demux does with section CRCs.
// Defaults to CRCCheck.
func (d *SectionDemux) SetCRC32Validation(v CRCValidation) { d.crcValidation = v }

// Status returns a copy of the anomaly counters
func (d *SectionDemux) Status() SectionDemuxStatus { return d.status }

// PacketCount returns the number of TS packets fed so far
func (d *SectionDemux) PacketCount() uint64 { return d.packetCount }

// AddPID adds a PID to the filter set. Adding a PID that is already filtered
// is a no-op.
func (d *SectionDemux) AddPID(pid uint16) { d.pidFilter[pid] = true }

// AddPIDs adds a set of PIDs to the filter set
func (d *SectionDemux) AddPIDs(pids ...uint16) {
	for _, pid := range pids {
		d.pidFilter[pid] = true
	}
}

// RemovePID removes a PID from the filter set and discards its reassembly
// context. Any partially built section on that PID is lost.
func (d *SectionDemux) RemovePID(pid uint16) {
	delete(d.pidFilter, pid)
	d.ResetPID(pid)
}

// HasPID checks whether a PID belongs to the filter set
func (d *SectionDemux) HasPID(pid uint16) bool { return d.pidFilter[pid] }

// HasPIDContext checks whether a reassembly context currently exists for the
// PID
func (d *SectionDemux) HasPIDContext(pid uint16) bool {
	_, ok := d.pids[pid]
	return ok
}

// Reset clears all reassembly contexts without altering the PID filter set.
// When called from inside a handler, the reset is deferred until the handler
// returns.
func (d *SectionDemux) Reset() {
	if !d.guard.deferReset() {
		d.immediateReset()
	}
}

// ResetPID clears the reassembly context of one PID without altering the PID
// filter set. When called from inside a handler, the reset is deferred until
// the handler returns.
func (d *SectionDemux) ResetPID(pid uint16) {
	if !d.guard.deferResetPID(pid) {
		d.immediateResetPID(pid)
	}
}

func (d *SectionDemux) immediateReset() { d.pids = make(map[uint16]*sectionPIDContext) }

func (d *SectionDemux) immediateResetPID(pid uint16) { delete(d.pids, pid) }

// FeedPacket is the sole processing entry point: it feeds one TS packet into
// the demux. Packets of non-filtered PIDs are ignored in O(1). Side effects
// are zero or more synchronous handler invocations; FeedPacket returns only
// once they all completed.
func (d *SectionDemux) FeedPacket(p *Packet) {
	defer func() { d.packetCount++ }()
	if p == nil || !d.pidFilter[p.Header.PID] {
		return
	}
	d.processPacket(p)
}

func (d *SectionDemux) processPacket(p *Packet) {
	// Reject corrupt packets
	if p.Header.TransportErrorIndicator {
		d.status.InvalidTSPackets++
		return
	}

	pid := p.Header.PID

	// If the TS packet is scrambled we cannot decode it. Once a PID goes
	// scrambled it usually stays scrambled, so the cleartext reassembly
	// context is stale and discarded entirely.
	if p.IsScrambled() {
		d.status.ScrambledPackets++
		delete(d.pids, pid)
		return
	}

	// Adaptation-field-only packets do not increment the continuity counter:
	// they are skipped before continuity validation so that they neither
	// advance the expected counter nor count as duplicates
	if !p.Header.HasPayload || len(p.Payload) == 0 {
		return
	}

	// Get or create the PID context
	pc, ok := d.pids[pid]
	if !ok {
		pc = &sectionPIDContext{tids: make(map[etidKey]*etidContext)}
		d.pids[pid] = pc
	}

	// Check the continuity counter, only meaningful while synchronized
	if pc.sync {
		if p.Header.ContinuityCounter == pc.continuity {
			// Duplicate packet (retransmission), not new data
			return
		}
		if !isNextContinuityCounter(pc.continuity, p.Header.ContinuityCounter) {
			logger.Debugf("tsreasm: sync lost on discontinuity, PID %d, packet index %d", pid, d.packetCount)
			d.status.Discontinuities++
			pc.syncLost()
		}
	}
	pc.continuity = p.Header.ContinuityCounter

	payload := p.Payload
	pointerField := -1
	pusiPacketIndex := pc.pusiPacketIndex

	if p.Header.PayloadUnitStartIndicator {
		// Keep track of the last packet containing a payload unit start
		pc.pusiPacketIndex = d.packetCount
		// Filter out PES packets. A PES packet starts with the start code
		// prefix 00 00 01, a sequence that cannot appear at a unit start in a
		// PID carrying sections (00 = pointer field, 00 = PAT, 01 impossible
		// for a PAT).
		if len(payload) >= 3 && payload[0] == 0x00 && payload[1] == 0x00 && payload[2] == 0x01 {
			pc.syncLost()
			return
		}
		// First byte of the payload is the pointer field
		pointerField = int(payload[0])
		payload = payload[1:]
		// Ignore the packet and lose sync on an inconsistent pointer field
		if pointerField >= len(payload) {
			pc.syncLost()
			return
		}
		// Adjust the packet index of the next section when nothing precedes it
		if pointerField == 0 && len(pc.buffer) == 0 {
			pusiPacketIndex = d.packetCount
		}
	}

	if len(payload) == 0 {
		return
	}

	// Without previous synchronization, incomplete section continuations are
	// skipped: bytes before the pointed-to offset would complete a section
	// whose start was never observed (e.g. right after attaching to a live
	// stream mid-table)
	if !pc.sync {
		if pointerField < 0 {
			return
		}
		payload = payload[pointerField:]
		pointerField = 0
		pc.sync = true
	}

	// Copy the TS payload into the PID context
	pc.buffer = appendGrown(pc.buffer, payload)

	// Offset of the section starting at the pointed-to position, used to
	// detect that the previous section was truncated
	pusiOffset := -1
	if pointerField >= 0 {
		pusiOffset = len(pc.buffer) - len(payload) + pointerField
	}

	// Loop on all complete sections in the buffer. With less than 3 bytes the
	// section length cannot even be determined.
	start := 0
	for len(pc.buffer)-start >= minShortSectionSize {
		bs := pc.buffer[start:]

		// A leading 0xFF (invalid table id) means the rest of the payload is
		// stuffing. Skip to the next unit start when there is one later in
		// the buffer, otherwise drop the rest of the packet.
		if bs[0] == TableIDReserved {
			if pusiOffset > start {
				start = pusiOffset
				continue
			}
			start = len(pc.buffer)
			break
		}

		sectionOK := true
		longHeader := startLongSection(bs)
		sectionLength := sectionTotalSize(bs)

		// Lose synchronization on an invalid section length
		if sectionLength > maxPrivateSectionSize || sectionLength < minShortSectionSize || (longHeader && sectionLength < minLongSectionSize) {
			logger.Debugf("tsreasm: invalid section length %d, PID %d, TID %d, packet index %d", sectionLength, pid, bs[0], d.packetCount)
			d.status.InvalidSectionLengths++
			if pusiOffset > start {
				start = pusiOffset
				continue
			}
			pc.syncLost()
			return
		}

		// A unit start arriving before the declared end of the section means
		// the section continuation never arrived. The truncated bytes are
		// dropped and reassembly restarts at the pointed-to offset.
		if pusiOffset > start && start+sectionLength > pusiOffset {
			logger.Debugf("tsreasm: truncated section, %d bytes instead of %d, PID %d, TID %d, packet index %d", pusiOffset-start, sectionLength, pid, bs[0], d.packetCount)
			d.status.TruncatedSections++
			sectionOK = false
			sectionLength = pusiOffset - start
		}

		// Wait for the next TS packets when the end of the section is missing
		if len(bs) < sectionLength {
			break
		}

		if sectionOK && !d.processSection(pid, pc, bs[:sectionLength:sectionLength], longHeader, pusiPacketIndex) {
			return // the PID context or the complete demux was reset by a handler
		}

		// Move to the next section in the buffer; it necessarily starts in
		// the current packet
		start += sectionLength
		pusiPacketIndex = d.packetCount
	}

	// Keep only the incomplete section remainder in the buffer
	if start >= len(pc.buffer) {
		pc.buffer = pc.buffer[:0]
	} else if start > 0 {
		n := copy(pc.buffer, pc.buffer[start:])
		pc.buffer = pc.buffer[:n]
	}
}

// processSection analyzes one complete section sitting in the PID buffer and
// delivers it. It reports false when a handler reset the PID context or the
// whole demux, in which case packet processing must stop.
func (d *SectionDemux) processSection(pid uint16, pc *sectionPIDContext, bs []byte, longHeader bool, pusiPacketIndex uint64) bool {
	key := etidKey{tableID: bs[0]}
	var version, sectionNumber, lastSectionNumber uint8
	isNext := false

	if longHeader {
		key.tableIDExtension = uint16(bs[3])<<8 | uint16(bs[4])
		version = bs[5] >> 1 & 0x1f
		isNext = bs[5]&0x01 == 0
		sectionNumber = bs[6]
		lastSectionNumber = bs[7]
		// The section number must fit in the declared range
		if sectionNumber > lastSectionNumber {
			logger.Debugf("tsreasm: invalid section index %d/%d, PID %d, TID %d, packet index %d", sectionNumber, lastSectionNumber, pid, key.tableID, d.packetCount)
			d.status.InvalidSectionIndexes++
			return true
		}
	}

	// Sections with the "next" indicator are filtered by options
	if isNext && !d.getNext {
		d.status.NextSections++
		return true
	}
	if !isNext && !d.getCurrent {
		return true
	}

	// Get or create the table context. Short sections carry no version, so
	// every short section is considered a new version: there is no way to
	// track them.
	tc, ok := pc.tids[key]
	if !ok {
		tc = &etidContext{}
		pc.tids[key] = tc
	}
	if !longHeader || tc.sectionsExpected == 0 || tc.version != version {
		tc.init(version, lastSectionNumber)
	}

	// The total number of sections in the table must not change within a version
	if int(lastSectionNumber) != tc.sectionsExpected-1 {
		logger.Debugf("tsreasm: inconsistent last section index %d, was %d, PID %d, TID %d, packet index %d", lastSectionNumber, tc.sectionsExpected-1, pid, key.tableID, d.packetCount)
		d.status.InvalidSectionIndexes++
		return true
	}

	// An already delivered section with an unchanged version is suppressed,
	// unless invalid version tracking is on and the content actually changed
	if old := tc.sections[sectionNumber]; old != nil {
		if !d.trackInvalidVersions || bytes.Equal(bs, old.Content()) {
			return true
		}
		logger.Debugf("tsreasm: section updated without version update, PID %d, TID %d, section %d, version %d, packet index %d", pid, key.tableID, sectionNumber, version, d.packetCount)
		d.status.InvalidSectionVersions++
		tc.sections[sectionNumber] = nil
		tc.sectionsReceived--
		tc.notified = false
	}

	// Build the section object. The buffer is reused across sections on the
	// same PID, so the content is copied out.
	content := make([]byte, len(bs))
	copy(content, bs)
	sect := NewSection(content, pid, d.crcValidation)
	sect.setPacketIndexes(pusiPacketIndex, d.packetCount)
	if !sect.IsValid() {
		logger.Debugf("tsreasm: invalid section (%s), PID %d, TID %d, section %d, version %d, packet index %d", sect.Status(), pid, key.tableID, sectionNumber, version, d.packetCount)
		switch sect.Status() {
		case SectionStatusInvalidSectionNumber:
			d.status.InvalidSectionIndexes++
		case SectionStatusInvalidCRC:
			d.status.WrongCRCs++
		default:
			d.status.InvalidSectionLengths++
		}
		return true
	}

	// Invoke the handlers under the guard: a handler may reset the very PID
	// being processed, in which case the deferred reset applies when the
	// handler returns and processing of this packet stops. The guard is left
	// on the panic path too, so that handler panics propagate with the demux
	// invariants restored.
	reset := false
	d.guard.enter(pid)
	func() {
		defer func() { reset = d.guard.leave() }()
		if d.sectionHandler != nil {
			d.sectionHandler.HandleSection(d, sect)
		}
		tc.sections[sectionNumber] = sect
		tc.sectionsReceived++
		tc.notify(d, false)
	}()
	return !reset
}

// Flush delivers the tables that are still incomplete, packing their
// sections, e.g. at end of stream. PIDs are walked in ascending order so
// that delivery is deterministic.
func (d *SectionDemux) Flush() {
	pids := make([]uint16, 0, len(d.pids))
	for pid := range d.pids {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	for _, pid := range pids {
		pc, ok := d.pids[pid]
		if !ok {
			continue
		}
		d.guard.enter(pid)
		func() {
			defer d.guard.leave()
			for _, tc := range pc.tids {
				tc.notify(d, true)
			}
		}()
	}
}
