package tsreasm

// T2-MI packet types
const (
	T2MIPacketTypeBasebandFrame     uint8 = 0x00
	T2MIPacketTypeAuxiliaryStreamIQ uint8 = 0x01
	T2MIPacketTypeArbitraryCell     uint8 = 0x02
	T2MIPacketTypeL1Current         uint8 = 0x10
	T2MIPacketTypeL1Future          uint8 = 0x11
	T2MIPacketTypeP2BiasBalancing   uint8 = 0x12
	T2MIPacketTypeTimestamp         uint8 = 0x20
	T2MIPacketTypeIndividualAddress uint8 = 0x21
	T2MIPacketTypeFEFNull           uint8 = 0x30
	T2MIPacketTypeFEFIQ             uint8 = 0x31
	T2MIPacketTypeFEFComposite      uint8 = 0x32
	T2MIPacketTypeFEFSubPart        uint8 = 0x33
)

// T2-MI packet layout: a 6-byte header, a payload whose length is given in
// bits, and a trailing CRC32
const (
	t2miHeaderSize = 6
	t2miCRC32Size  = 4
)

// T2MIPacket represents one T2 modulator interface packet
type T2MIPacket struct {
	content          []byte
	firstPacketIndex uint64
	lastPacketIndex  uint64
	pid              uint16
}

// Content returns the full binary content of the T2-MI packet, header and
// CRC32 included
func (p *T2MIPacket) Content() []byte { return p.content }

// PacketType returns the T2-MI packet type
func (p *T2MIPacket) PacketType() uint8 { return p.content[0] }

// PacketCount returns the modulo-256 packet count
func (p *T2MIPacket) PacketCount() uint8 { return p.content[1] }

// SuperframeIndex returns the index of the super frame the packet belongs to
func (p *T2MIPacket) SuperframeIndex() uint8 { return p.content[2] >> 4 }

// PayloadLengthBits returns the payload length in bits
func (p *T2MIPacket) PayloadLengthBits() int {
	return int(p.content[4])<<8 | int(p.content[5])
}

// Payload returns the packet payload. When the payload length is not a
// multiple of 8 bits the last byte carries padding in its low bits.
func (p *T2MIPacket) Payload() []byte {
	return p.content[t2miHeaderSize : len(p.content)-t2miCRC32Size]
}

// CRC32 returns the packet CRC32
func (p *T2MIPacket) CRC32() uint32 {
	bs := p.content[len(p.content)-t2miCRC32Size:]
	return uint32(bs[0])<<24 | uint32(bs[1])<<16 | uint32(bs[2])<<8 | uint32(bs[3])
}

// PID returns the PID the T2-MI packet was demultiplexed from
func (p *T2MIPacket) PID() uint16 { return p.pid }

// FirstTSPacketIndex returns the index of the first TS packet of the T2-MI
// packet in the demultiplexed stream
func (p *T2MIPacket) FirstTSPacketIndex() uint64 { return p.firstPacketIndex }

// LastTSPacketIndex returns the index of the last TS packet of the T2-MI
// packet in the demultiplexed stream
func (p *T2MIPacket) LastTSPacketIndex() uint64 { return p.lastPacketIndex }

// t2miTotalSize returns the total size of the T2-MI packet starting at the
// beginning of bs, or 0 when the header is not complete yet
func t2miTotalSize(bs []byte) int {
	if len(bs) < t2miHeaderSize {
		return 0
	}
	lengthBits := int(bs[4])<<8 | int(bs[5])
	return t2miHeaderSize + (lengthBits+7)/8 + t2miCRC32Size
}

// T2MIDemuxStatus exposes the counters of recoverable stream anomalies seen
// by a T2MIDemux
type T2MIDemuxStatus struct {
	Discontinuities  uint64 // TS packets showing a continuity counter gap
	InvalidTSPackets uint64 // TS packets with the transport error indicator set
	ScrambledPackets uint64 // Scrambled TS packets on filtered PIDs
	WrongCRCs        uint64 // T2-MI packets with a CRC32 mismatch
}

// HasErrors checks whether any counter is non zero
func (s T2MIDemuxStatus) HasErrors() bool {
	return s.Discontinuities > 0 ||
		s.InvalidTSPackets > 0 ||
		s.ScrambledPackets > 0 ||
		s.WrongCRCs > 0
}

// t2miPIDContext is the reassembly context for one filtered PID
type t2miPIDContext struct {
	buffer          []byte
	continuity      uint8
	pusiPacketIndex uint64
	sync            bool
}

func (pc *t2miPIDContext) syncLost() {
	pc.sync = false
	pc.buffer = pc.buffer[:0]
}

// T2MIDemux reassembles complete T2-MI packets from the TS packets of a
// configurable PID set and delivers them to its handler in packet arrival
// order. The inner framing differs from sections, the continuity and
// payload unit discipline is the same. Push based and single threaded.
type T2MIDemux struct {
	guard       handlerGuard
	handler     T2MIHandler
	packetCount uint64
	pidFilter   map[uint16]bool
	pids        map[uint16]*t2miPIDContext
	status      T2MIDemuxStatus
}

// NewT2MIDemux creates a new T2-MI demux delivering to the given handler and
// initially filtering the given PIDs
func NewT2MIDemux(handler T2MIHandler, pids ...uint16) (d *T2MIDemux) {
	d = &T2MIDemux{
		handler:   handler,
		pidFilter: make(map[uint16]bool),
		pids:      make(map[uint16]*t2miPIDContext),
	}
	d.guard.applyReset = d.immediateReset
	d.guard.applyResetID = d.immediateResetPID
	d.AddPIDs(pids...)
	return
}

// Status returns a copy of the anomaly counters
func (d *T2MIDemux) Status() T2MIDemuxStatus { return d.status }

// PacketCount returns the number of TS packets fed so far
func (d *T2MIDemux) PacketCount() uint64 { return d.packetCount }

// AddPID adds a PID to the filter set
func (d *T2MIDemux) AddPID(pid uint16) { d.pidFilter[pid] = true }

// AddPIDs adds a set of PIDs to the filter set
func (d *T2MIDemux) AddPIDs(pids ...uint16) {
	for _, pid := range pids {
		d.pidFilter[pid] = true
	}
}

// RemovePID removes a PID from the filter set and discards its reassembly
// context
func (d *T2MIDemux) RemovePID(pid uint16) {
	delete(d.pidFilter, pid)
	d.ResetPID(pid)
}

// HasPID checks whether a PID belongs to the filter set
func (d *T2MIDemux) HasPID(pid uint16) bool { return d.pidFilter[pid] }

// Reset clears all reassembly contexts without altering the PID filter set.
// When called from inside a handler, the reset is deferred until the handler
// returns.
func (d *T2MIDemux) Reset() {
	if !d.guard.deferReset() {
		d.immediateReset()
	}
}

// ResetPID clears the reassembly context of one PID without altering the PID
// filter set. When called from inside a handler, the reset is deferred until
// the handler returns.
func (d *T2MIDemux) ResetPID(pid uint16) {
	if !d.guard.deferResetPID(pid) {
		d.immediateResetPID(pid)
	}
}

func (d *T2MIDemux) immediateReset() { d.pids = make(map[uint16]*t2miPIDContext) }

func (d *T2MIDemux) immediateResetPID(pid uint16) { delete(d.pids, pid) }

// FeedPacket is the sole processing entry point: it feeds one TS packet into
// the demux
func (d *T2MIDemux) FeedPacket(p *Packet) {
	defer func() { d.packetCount++ }()
	if p == nil || !d.pidFilter[p.Header.PID] {
		return
	}
	d.processPacket(p)
}

func (d *T2MIDemux) processPacket(p *Packet) {
	if p.Header.TransportErrorIndicator {
		d.status.InvalidTSPackets++
		return
	}

	pid := p.Header.PID

	if p.IsScrambled() {
		d.status.ScrambledPackets++
		delete(d.pids, pid)
		return
	}

	// Adaptation-field-only packets do not increment the continuity counter
	if !p.Header.HasPayload || len(p.Payload) == 0 {
		return
	}

	pc, ok := d.pids[pid]
	if !ok {
		pc = &t2miPIDContext{}
		d.pids[pid] = pc
	}

	if pc.sync {
		if p.Header.ContinuityCounter == pc.continuity {
			return
		}
		if !isNextContinuityCounter(pc.continuity, p.Header.ContinuityCounter) {
			logger.Debugf("tsreasm: T2-MI sync lost on discontinuity, PID %d, packet index %d", pid, d.packetCount)
			d.status.Discontinuities++
			pc.syncLost()
		}
	}
	pc.continuity = p.Header.ContinuityCounter

	payload := p.Payload
	pointerField := -1

	if p.Header.PayloadUnitStartIndicator {
		pc.pusiPacketIndex = d.packetCount
		pointerField = int(payload[0])
		payload = payload[1:]
		if pointerField >= len(payload) {
			pc.syncLost()
			return
		}
	}

	// Without previous synchronization, wait for a payload unit start and
	// skip the bytes completing a packet whose start was never observed
	if !pc.sync {
		if pointerField < 0 {
			return
		}
		payload = payload[pointerField:]
		pc.sync = true
	}

	pc.buffer = appendGrown(pc.buffer, payload)

	// Loop on all complete T2-MI packets in the buffer
	start := 0
	for {
		size := t2miTotalSize(pc.buffer[start:])
		if size == 0 || len(pc.buffer)-start < size {
			break
		}
		if !d.processT2MIPacket(pid, pc, pc.buffer[start:start+size:start+size]) {
			return
		}
		start += size
	}

	if start >= len(pc.buffer) {
		pc.buffer = pc.buffer[:0]
	} else if start > 0 {
		n := copy(pc.buffer, pc.buffer[start:])
		pc.buffer = pc.buffer[:n]
	}
}

// processT2MIPacket validates one complete T2-MI packet and delivers it. It
// reports false when a handler reset the PID context or the whole demux.
func (d *T2MIDemux) processT2MIPacket(pid uint16, pc *t2miPIDContext, bs []byte) bool {
	// The CRC32 covers the header and the payload
	expected := uint32(bs[len(bs)-4])<<24 | uint32(bs[len(bs)-3])<<16 | uint32(bs[len(bs)-2])<<8 | uint32(bs[len(bs)-1])
	if computeCRC32(bs[:len(bs)-t2miCRC32Size]) != expected {
		logger.Debugf("tsreasm: wrong T2-MI packet CRC32, PID %d, packet index %d", pid, d.packetCount)
		d.status.WrongCRCs++
		return true
	}

	// The buffer is reused across packets on the same PID, so the content is
	// copied out
	content := make([]byte, len(bs))
	copy(content, bs)
	p := &T2MIPacket{
		content:          content,
		firstPacketIndex: pc.pusiPacketIndex,
		lastPacketIndex:  d.packetCount,
		pid:              pid,
	}

	reset := false
	d.guard.enter(pid)
	func() {
		defer func() { reset = d.guard.leave() }()
		if d.handler != nil {
			d.handler.HandleT2MIPacket(d, p)
		}
	}()
	return !reset
}
