package tsreasm

import (
	"golang.org/x/exp/slices"
)

// defaultMaxPESPacketSize bounds the reassembly buffer of unbounded PES
// packets (packet length zero). A corrupt stream must not grow a buffer
// forever.
const defaultMaxPESPacketSize = 8 * 1024 * 1024

// PESDemuxStatus exposes the counters of recoverable stream anomalies seen
// by a PESDemux
type PESDemuxStatus struct {
	Discontinuities  uint64 // TS packets showing a continuity counter gap
	InvalidTSPackets uint64 // TS packets with the transport error indicator set
	NonPESUnits      uint64 // Payload unit starts without a PES start code prefix
	OversizedPES     uint64 // Unbounded PES packets dropped for exceeding the size cap
	ScrambledPackets uint64 // Scrambled TS packets on filtered PIDs
}

// HasErrors checks whether any counter is non zero
func (s PESDemuxStatus) HasErrors() bool {
	return s.Discontinuities > 0 ||
		s.InvalidTSPackets > 0 ||
		s.NonPESUnits > 0 ||
		s.OversizedPES > 0 ||
		s.ScrambledPackets > 0
}

// pesPIDContext is the reassembly context for one filtered PID
type pesPIDContext struct {
	ac3Attributes    AC3Attributes
	audioAttributes  MPEG2AudioAttributes
	avcAttributes    AVCAttributes
	buffer           []byte
	continuity       uint8
	firstPacketIndex uint64
	pcr              int64
	streamType       uint8
	sync             bool
	videoAttributes  MPEG2VideoAttributes
}

// restart discards the current reassembly and waits for the next payload
// unit start. Learned attributes and stream type survive.
func (pc *pesPIDContext) restart() {
	pc.sync = false
	pc.buffer = pc.buffer[:0]
	pc.pcr = -1
}

// PESDemux reassembles complete PES packets from the TS packets of a
// configurable PID set and delivers them to its handler in packet arrival
// order, along with the elementary stream structures found inside them. An
// embedded section demux follows the PAT and the PMTs so that stream types
// are known without caller involvement. Like the section demux it is push
// based and single threaded.
type PESDemux struct {
	guard       handlerGuard
	handler     PESHandler
	maxPESSize  int
	packetCount uint64
	pidFilter   map[uint16]bool
	pids        map[uint16]*pesPIDContext
	psiDemux    *SectionDemux
	status      PESDemuxStatus
	streamTypes map[uint16]uint8
}

// NewPESDemux creates a new PES demux delivering to the given handler and
// initially filtering the given PIDs
func NewPESDemux(handler PESHandler, pids ...uint16) (d *PESDemux) {
	d = &PESDemux{
		handler:     handler,
		maxPESSize:  defaultMaxPESPacketSize,
		pidFilter:   make(map[uint16]bool),
		pids:        make(map[uint16]*pesPIDContext),
		streamTypes: make(map[uint16]uint8),
	}
	d.guard.applyReset = d.immediateReset
	d.guard.applyResetID = d.immediateResetPID
	d.psiDemux = NewSectionDemux(TableHandlerFunc(d.handlePSITable), nil, PIDPAT)
	d.AddPIDs(pids...)
	return
}

// SetMaxPESPacketSize caps the reassembly buffer of unbounded PES packets.
// Zero restores the default of 8 MiB.
func (d *PESDemux) SetMaxPESPacketSize(size int) {
	if size <= 0 {
		size = defaultMaxPESPacketSize
	}
	d.maxPESSize = size
}

// Status returns a copy of the anomaly counters
func (d *PESDemux) Status() PESDemuxStatus { return d.status }

// PacketCount returns the number of TS packets fed so far
func (d *PESDemux) PacketCount() uint64 { return d.packetCount }

// AddPID adds a PID to the filter set
func (d *PESDemux) AddPID(pid uint16) { d.pidFilter[pid] = true }

// AddPIDs adds a set of PIDs to the filter set
func (d *PESDemux) AddPIDs(pids ...uint16) {
	for _, pid := range pids {
		d.pidFilter[pid] = true
	}
}

// RemovePID removes a PID from the filter set and discards its reassembly
// context
func (d *PESDemux) RemovePID(pid uint16) {
	delete(d.pidFilter, pid)
	d.ResetPID(pid)
}

// HasPID checks whether a PID belongs to the filter set
func (d *PESDemux) HasPID(pid uint16) bool { return d.pidFilter[pid] }

// Reset clears all reassembly contexts without altering the PID filter set.
// When called from inside a handler, the reset is deferred until the handler
// returns.
func (d *PESDemux) Reset() {
	if !d.guard.deferReset() {
		d.immediateReset()
	}
}

// ResetPID clears the reassembly context of one PID without altering the PID
// filter set. When called from inside a handler, the reset is deferred until
// the handler returns.
func (d *PESDemux) ResetPID(pid uint16) {
	if !d.guard.deferResetPID(pid) {
		d.immediateResetPID(pid)
	}
}

func (d *PESDemux) immediateReset() { d.pids = make(map[uint16]*pesPIDContext) }

func (d *PESDemux) immediateResetPID(pid uint16) { delete(d.pids, pid) }

// handlePSITable follows the PAT and the PMTs to learn the PMT PIDs and the
// stream type of each elementary stream
func (d *PESDemux) handlePSITable(sd *SectionDemux, t *Table) {
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
			d.streamTypes[es.ElementaryPID] = es.StreamType
			if pc, ok := d.pids[es.ElementaryPID]; ok {
				pc.streamType = es.StreamType
			}
		}
	}
}

// FeedPacket is the sole processing entry point: it feeds one TS packet into
// the demux. Every packet also feeds the embedded PSI demux so that PAT and
// PMT changes are followed.
func (d *PESDemux) FeedPacket(p *Packet) {
	defer func() { d.packetCount++ }()
	if p == nil {
		return
	}
	d.psiDemux.FeedPacket(p)
	if !d.pidFilter[p.Header.PID] {
		return
	}
	d.processPacket(p)
}

func (d *PESDemux) processPacket(p *Packet) {
	// Reject corrupt packets
	if p.Header.TransportErrorIndicator {
		d.status.InvalidTSPackets++
		return
	}

	pid := p.Header.PID

	// Scrambled packets cannot be reassembled; the cleartext context is stale
	if p.IsScrambled() {
		d.status.ScrambledPackets++
		delete(d.pids, pid)
		return
	}

	// Get or create the PID context. The PCR is tracked even on packets
	// without payload.
	pc, ok := d.pids[pid]
	if !ok {
		pc = &pesPIDContext{pcr: -1, streamType: d.streamTypes[pid]}
		d.pids[pid] = pc
	}
	if pc.sync && pc.pcr < 0 && p.AdaptationField != nil && p.AdaptationField.HasPCR {
		pc.pcr = p.AdaptationField.PCR
	}

	// Adaptation-field-only packets do not increment the continuity counter
	if !p.Header.HasPayload || len(p.Payload) == 0 {
		return
	}

	// Check the continuity counter
	if pc.sync || len(pc.buffer) > 0 {
		if p.Header.ContinuityCounter == pc.continuity {
			return
		}
		if !isNextContinuityCounter(pc.continuity, p.Header.ContinuityCounter) {
			logger.Debugf("tsreasm: PES sync lost on discontinuity, PID %d, packet index %d", pid, d.packetCount)
			d.status.Discontinuities++
			pc.restart()
		}
	}
	pc.continuity = p.Header.ContinuityCounter

	if p.Header.PayloadUnitStartIndicator {
		// The previous PES packet, complete or not, ends here
		if pc.sync && len(pc.buffer) > 0 {
			if !d.deliverPESPacket(pid, pc) {
				return
			}
		}
		pc.restart()
		// A payload unit that does not start with the PES start code prefix
		// is not PES (e.g. sections were routed to this demux)
		if len(p.Payload) < pesStartCodePrefixSize || p.Payload[0] != 0x00 || p.Payload[1] != 0x00 || p.Payload[2] != 0x01 {
			d.status.NonPESUnits++
			return
		}
		pc.sync = true
		pc.firstPacketIndex = d.packetCount
		if p.AdaptationField != nil && p.AdaptationField.HasPCR {
			pc.pcr = p.AdaptationField.PCR
		}
	} else if !pc.sync {
		// Continuation of a packet whose start was never observed
		return
	}

	pc.buffer = appendGrown(pc.buffer, p.Payload)

	// A bounded PES packet completes as soon as its declared length is
	// reached, without waiting for the next payload unit start
	if size, bounded := pesPacketSize(pc.buffer); bounded && len(pc.buffer) >= size {
		d.deliverPESPacket(pid, pc)
		if pc, ok = d.pids[pid]; ok {
			pc.restart()
		}
		return
	}

	// Unbounded packets are capped; a stream where the terminating unit start
	// never arrives must not grow the buffer forever
	if len(pc.buffer) > d.maxPESSize {
		logger.Debugf("tsreasm: dropping oversized PES packet (%d bytes), PID %d, packet index %d", len(pc.buffer), pid, d.packetCount)
		d.status.OversizedPES++
		pc.restart()
	}
}

// pesPacketSize returns the total size declared in the PES header and
// whether the packet is bounded at all. It needs the first 6 bytes of the
// packet.
func pesPacketSize(bs []byte) (size int, bounded bool) {
	if len(bs) < pesStartCodePrefixSize+3 {
		return 0, false
	}
	length := int(bs[4])<<8 | int(bs[5])
	if length == 0 {
		return 0, false
	}
	return pesStartCodePrefixSize + 3 + length, true
}

// deliverPESPacket builds the PES packet sitting in the PID buffer and hands
// it to the handler. It reports false when a handler reset the PID context
// or the whole demux.
func (d *PESDemux) deliverPESPacket(pid uint16, pc *pesPIDContext) bool {
	// The buffer is reused across packets on the same PID, so the content is
	// copied out. Excess bytes beyond a bounded length are stray and trimmed.
	bs := pc.buffer
	if size, bounded := pesPacketSize(bs); bounded && size < len(bs) {
		bs = bs[:size]
	}
	content := make([]byte, len(bs))
	copy(content, bs)

	p := parsePESPacket(content, pid)
	p.streamType = pc.streamType
	p.pcr = pc.pcr
	p.firstPacketIndex = pc.firstPacketIndex
	p.lastPacketIndex = d.packetCount

	reset := false
	d.guard.enter(pid)
	func() {
		defer func() { reset = d.guard.leave() }()
		if d.handler != nil {
			d.handler.HandlePESPacket(d, p)
			if p.IsValid() {
				d.handlePESContent(pc, p)
			}
		}
	}()
	return !reset
}

// handlePESContent walks the payload of a complete PES packet and surfaces
// its elementary stream structures. It must run inside the handler guard.
func (d *PESDemux) handlePESContent(pc *pesPIDContext, p *PESPacket) {
	payload := p.Payload()
	switch {
	case p.IsAVC():
		d.handleAVCContent(p, payload)
		if pc.avcAttributes.moreBinaryData(payload) {
			d.handler.HandleNewAVCAttributes(d, p, &pc.avcAttributes)
		}
	case p.IsMPEG2Video():
		d.handleMPEG2VideoContent(p, payload)
		if pc.videoAttributes.moreBinaryData(payload) {
			d.handler.HandleNewVideoAttributes(d, p, &pc.videoAttributes)
		}
	case p.IsAC3():
		if pc.ac3Attributes.moreBinaryData(payload) {
			d.handler.HandleNewAC3Attributes(d, p, &pc.ac3Attributes)
		}
	case p.IsMPEG2Audio():
		if pc.audioAttributes.moreBinaryData(payload) {
			d.handler.HandleNewAudioAttributes(d, p, &pc.audioAttributes)
		}
	}
}

// handleAVCContent surfaces the NAL units of an AVC payload, and the SEI
// messages inside SEI units
func (d *PESDemux) handleAVCContent(p *PESPacket, payload []byte) {
	offset := firstAVCUnit(payload)
	for offset < len(payload) {
		next, size := nextAVCUnit(payload, offset)
		unitType := payload[offset] & 0x1f
		d.handler.HandleAccessUnit(d, p, unitType, offset, size)
		if unitType == avcNALSEI {
			d.handleAVCSEI(p, payload, offset+1, size-1)
		}
		offset = next
	}
}

// handleAVCSEI surfaces the SEI messages of one SEI NAL unit. Message type
// and size use the 0xFF-extended byte encoding.
func (d *PESDemux) handleAVCSEI(p *PESPacket, payload []byte, offset, size int) {
	bs := avcRBSP(payload[offset : offset+size])
	i := 0
	for i < len(bs) && bs[i] != 0x80 { // 0x80 is the RBSP trailing byte
		var seiType uint32
		for i < len(bs) && bs[i] == 0xff {
			seiType += 255
			i++
		}
		if i >= len(bs) {
			break
		}
		seiType += uint32(bs[i])
		i++
		seiSize := 0
		for i < len(bs) && bs[i] == 0xff {
			seiSize += 255
			i++
		}
		if i >= len(bs) {
			break
		}
		seiSize += int(bs[i])
		i++
		if i+seiSize > len(bs) {
			break
		}
		d.handler.HandleSEI(d, p, seiType, i, seiSize)
		i += seiSize
	}
}

// handleMPEG2VideoContent surfaces the start codes of an MPEG-1/2 video
// payload
func (d *PESDemux) handleMPEG2VideoContent(p *PESPacket, payload []byte) {
	offset := firstAVCUnit(payload) // same start code prefix as Annex B
	for offset < len(payload) {
		next, size := nextAVCUnit(payload, offset)
		d.handler.HandleVideoStartCode(d, p, payload[offset], offset, size)
		offset = next
	}
}

// FlushUnbounded delivers the unbounded PES packets that are still being
// reassembled, e.g. at end of stream, where the terminating payload unit
// start will never arrive. PIDs are walked in ascending order so that
// delivery is deterministic.
func (d *PESDemux) FlushUnbounded() {
	pids := make([]uint16, 0, len(d.pids))
	for pid := range d.pids {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	for _, pid := range pids {
		pc, ok := d.pids[pid]
		if !ok || !pc.sync || len(pc.buffer) == 0 {
			continue
		}
		if _, bounded := pesPacketSize(pc.buffer); bounded {
			continue
		}
		if d.deliverPESPacket(pid, pc) {
			pc.restart()
		}
	}
}
