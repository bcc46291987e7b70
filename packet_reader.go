package tsreasm

import (
	"fmt"
	"io"

	"github.com/asticode/go-astikit"
)

// PacketReader reads TS packets off an io.Reader, the natural way to feed a
// demux from a file or a socket
type PacketReader struct {
	packetSize int
	r          io.Reader
}

// NewPacketReader creates a new packet reader. Packet size 0 triggers auto
// detection (188 or 204 bytes) on the first bytes of the reader.
func NewPacketReader(r io.Reader, packetSize int) (pr *PacketReader, err error) {
	pr = &PacketReader{
		packetSize: packetSize,
		r:          r,
	}
	if pr.packetSize == 0 {
		if pr.packetSize, err = autoDetectPacketSize(r); err != nil {
			err = fmt.Errorf("tsreasm: auto detecting packet size failed: %w", err)
			return
		}
	}
	return
}

// PacketSize returns the detected or configured packet size
func (pr *PacketReader) PacketSize() int { return pr.packetSize }

// autoDetectPacketSize updates the packet size based on the first bytes
// Minimum packet size is 188 and is bounded by 2 sync bytes
// Assumption is made that the first byte of the reader is a sync byte
func autoDetectPacketSize(r io.Reader) (packetSize int, err error) {
	// Read first bytes
	const l = MpegTsPacketSizeWithFEC + 1
	var b = make([]byte, l)
	if _, err = io.ReadFull(r, b); err != nil {
		err = fmt.Errorf("tsreasm: reading first %d bytes failed: %w", l, err)
		return
	}

	// Packet must start with a sync byte
	if b[0] != syncByte {
		err = ErrPacketMustStartWithASyncByte
		return
	}

	// Look for the next sync byte
	for idx, c := range b {
		if c == syncByte && idx >= MpegTsPacketSize {
			// Update packet size
			packetSize = idx

			// Rewind or sync reader
			var n int64
			if n, err = rewind(r); err != nil {
				err = fmt.Errorf("tsreasm: rewinding failed: %w", err)
				return
			} else if n == -1 {
				var ls = packetSize - (l - packetSize)
				if _, err = io.ReadFull(r, make([]byte, ls)); err != nil {
					err = fmt.Errorf("tsreasm: reading %d bytes to sync reader failed: %w", ls, err)
					return
				}
			}
			return
		}
	}
	err = fmt.Errorf("tsreasm: only one sync byte detected in first %d bytes", l)
	return
}

// rewind rewinds the reader if possible, otherwise n = -1
func rewind(r io.Reader) (n int64, err error) {
	if s, ok := r.(io.Seeker); ok {
		if n, err = s.Seek(0, 0); err != nil {
			err = fmt.Errorf("tsreasm: seeking to 0 failed: %w", err)
			return
		}
		return
	}
	n = -1
	return
}

// Next fetches the next packet from the reader. At end of stream it returns
// ErrNoMorePackets.
func (pr *PacketReader) Next() (p *Packet, err error) {
	// Read
	var b = make([]byte, pr.packetSize)
	if _, err = io.ReadFull(pr.r, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = ErrNoMorePackets
		} else {
			err = fmt.Errorf("tsreasm: reading %d bytes failed: %w", pr.packetSize, err)
		}
		return
	}

	// Parse packet
	if p, err = parsePacket(astikit.NewBytesIterator(b)); err != nil {
		err = fmt.Errorf("tsreasm: building packet failed: %w", err)
		return
	}
	return
}
