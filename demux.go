package tsreasm

import "errors"

// Sync byte
const syncByte = '\x47'

// Packet sizes
const (
	MpegTsPacketSize         = 188
	MpegTsPacketSizeWithFEC  = 204 // Trailing 16 bytes are Reed-Solomon parity, opaque to the demux
	mpegTsMaxPayloadSize     = MpegTsPacketSize - 4
	continuityCounterModulus = 16
)

// Well known PIDs
const (
	PIDPAT  uint16 = 0x0    // Program Association Table (PAT) contains a directory listing of all Program Map Tables
	PIDCAT  uint16 = 0x1    // Conditional Access Table (CAT) contains a directory listing of all EMM streams
	PIDNull uint16 = 0x1fff // Null packets (used for fixed bandwidth padding)
)

// Section size bounds
const (
	maxPrivateSectionSize = 4096 // 3-byte header + 4093 bytes of payload
	minShortSectionSize   = 3
	minLongSectionSize    = 12 // Long header (8) + CRC32 (4)
	shortHeaderSize       = 3
	longHeaderSize        = 8
	sectionCRC32Size      = 4
)

// Errors
var (
	ErrNoMorePackets                = errors.New("tsreasm: no more packets")
	ErrPacketMustStartWithASyncByte = errors.New("tsreasm: packet must start with a sync byte")
)

// Reassembly buffer growth thresholds. PID buffers are never shrunk once
// grown so that PIDs with recurring large payloads don't reallocate on
// every unit.
const (
	bufferGrowthFirstThreshold  = 64 * 1024
	bufferGrowthSecondThreshold = 512 * 1024
)

// appendGrown appends bs to dst, reallocating by predefined thresholds
// (64 kB, then 512 kB, then doubling) instead of letting append pick the
// new capacity
func appendGrown(dst, bs []byte) []byte {
	if needed := len(dst) + len(bs); needed > cap(dst) {
		var capacity int
		switch {
		case needed <= bufferGrowthFirstThreshold:
			capacity = bufferGrowthFirstThreshold
		case needed <= bufferGrowthSecondThreshold:
			capacity = bufferGrowthSecondThreshold
		default:
			capacity = bufferGrowthSecondThreshold
			for capacity < needed {
				capacity *= 2
			}
		}
		ndst := make([]byte, len(dst), capacity)
		copy(ndst, dst)
		dst = ndst
	}
	return append(dst, bs...)
}

// isNextContinuityCounter checks whether next directly follows previous,
// mod 16
func isNextContinuityCounter(previous, next uint8) bool {
	return next == (previous+1)%continuityCounterModulus
}

// handlerGuard tracks whether a demux is currently executing a handler so
// that reset requests issued from inside the handler can be deferred
// instead of destroying the very context being processed
type handlerGuard struct {
	depth        int
	pid          uint16
	resetAll     bool
	resetPIDs    map[uint16]bool
	applyReset   func()
	applyResetID func(pid uint16)
}

// enter marks the beginning of a handler call for the given PID
func (g *handlerGuard) enter(pid uint16) {
	g.depth++
	g.pid = pid
}

// leave marks the end of a handler call and applies deferred resets. It
// reports whether the PID being processed (or the whole demux) was reset
// by the handler, in which case the caller must abandon its context.
// leave must run on the panic path too so that the guard depth stays
// consistent when a handler panics.
func (g *handlerGuard) leave() (currentReset bool) {
	g.depth--
	if g.depth > 0 {
		return
	}
	if g.resetAll {
		g.resetAll = false
		g.resetPIDs = nil
		g.applyReset()
		return true
	}
	for pid := range g.resetPIDs {
		if pid == g.pid {
			currentReset = true
		}
		g.applyResetID(pid)
	}
	g.resetPIDs = nil
	return
}

// deferReset requests a full reset, either immediately or at the end of
// the current handler call
func (g *handlerGuard) deferReset() bool {
	if g.depth == 0 {
		return false
	}
	g.resetAll = true
	return true
}

// deferResetPID requests a single PID reset, either immediately or at the
// end of the current handler call
func (g *handlerGuard) deferResetPID(pid uint16) bool {
	if g.depth == 0 {
		return false
	}
	if g.resetPIDs == nil {
		g.resetPIDs = make(map[uint16]bool)
	}
	g.resetPIDs[pid] = true
	return true
}
