package tsreasm

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testMPEPID uint16 = 0x200

var testMAC = net.HardwareAddr{0x01, 0x00, 0x5e, 0x01, 0x01, 0x01}

// testMPEPacket builds an MPE packet carrying the given UDP message
func testMPEPacket(t *testing.T, message []byte) *MPEPacket {
	p := NewMPEPacket(testMPEPID)
	p.SetDestinationMACAddress(testMAC)
	p.SetUDPMessage(message)
	assert.NoError(t, p.SetSourceIPAddress(net.IPv4(10, 0, 0, 1)))
	assert.NoError(t, p.SetDestinationIPAddress(net.IPv4(239, 1, 1, 1)))
	assert.NoError(t, p.SetSourceUDPPort(5000))
	assert.NoError(t, p.SetDestinationUDPPort(6000))
	return p
}

func TestMPEPacketUDP(t *testing.T) {
	message := []byte("hello datagram")
	p := testMPEPacket(t, message)

	assert.True(t, p.FindUDP())
	assert.Equal(t, testMAC, p.DestinationMACAddress())
	assert.Equal(t, "10.0.0.1", p.SourceIPAddress().String())
	assert.Equal(t, "239.1.1.1", p.DestinationIPAddress().String())
	assert.Equal(t, uint16(5000), p.SourceUDPPort())
	assert.Equal(t, uint16(6000), p.DestinationUDPPort())
	assert.Equal(t, message, p.UDPMessage())

	// The stored IP header checksum must verify: summing the header with its
	// checksum in place yields zero
	dg := p.Datagram()
	assert.Len(t, dg, ipv4HeaderSize+udpHeaderSize+len(message))
	assert.Equal(t, uint16(0), ipHeaderChecksum(dg[:ipv4HeaderSize]))

	// Mutations keep the checksum consistent
	assert.NoError(t, p.SetDestinationIPAddress(net.IPv4(239, 2, 2, 2)))
	assert.Equal(t, uint16(0), ipHeaderChecksum(dg[:ipv4HeaderSize]))

	// Replacing the message preserves addresses and ports
	p.SetUDPMessage([]byte("another message"))
	assert.Equal(t, "239.2.2.2", p.DestinationIPAddress().String())
	assert.Equal(t, uint16(6000), p.DestinationUDPPort())
	assert.Equal(t, []byte("another message"), p.UDPMessage())
}

func TestMPEPacketSectionRoundTrip(t *testing.T) {
	message := []byte("section round trip")
	p := testMPEPacket(t, message)

	s, err := p.Section()
	assert.NoError(t, err)
	assert.True(t, s.IsValid())
	assert.Equal(t, TableIDDSMCCPD, s.TableID())
	assert.Equal(t, uint8(0), s.Version())
	assert.Equal(t, testMPEPID, s.PID())

	n, err := NewMPEPacketFromSection(s)
	assert.NoError(t, err)
	assert.Equal(t, testMAC, n.DestinationMACAddress())
	assert.Equal(t, p.Datagram(), n.Datagram())
	assert.Equal(t, uint16(6000), n.DestinationUDPPort())
	assert.Equal(t, message, n.UDPMessage())
}

func TestMPEPacketFromSectionInvalid(t *testing.T) {
	// Wrong table id
	_, err := NewMPEPacketFromSection(testLongSection(t, 0, 0))
	assert.ErrorIs(t, err, ErrMPEInvalidSection)

	// Scrambled or LLC/SNAP sections carry a non-zero version
	s, err := testMPEPacket(t, []byte("scrambled")).Section()
	assert.NoError(t, err)
	s.SetVersion(1, true)
	_, err = NewMPEPacketFromSection(s)
	assert.ErrorIs(t, err, ErrMPEInvalidSection)

	// A valid DSM-CC envelope around bytes that are not an IPv4 UDP datagram
	content := make([]byte, mpeHeaderSize+10+sectionCRC32Size)
	length := len(content) - shortHeaderSize
	content[0] = TableIDDSMCCPD
	content[1] = 0xb0 | byte(length>>8)
	content[2] = byte(length)
	content[5] = 0xc1
	for i := mpeHeaderSize; i < len(content)-sectionCRC32Size; i++ {
		content[i] = 0xde
	}
	s = NewSection(content, testMPEPID, CRCCompute)
	assert.True(t, s.IsValid())
	p, err := NewMPEPacketFromSection(s)
	assert.ErrorIs(t, err, ErrMPEInvalidDatagram)
	assert.Nil(t, p)
}

func TestMPEPacketClone(t *testing.T) {
	p := testMPEPacket(t, []byte("clone me"))
	n := p.Clone()
	n.SetUDPMessage([]byte("changed"))
	assert.NoError(t, n.SetDestinationUDPPort(7000))
	assert.Equal(t, []byte("clone me"), p.UDPMessage())
	assert.Equal(t, uint16(6000), p.DestinationUDPPort())
}

// mpeRecorder records every MPE handler invocation
type mpeRecorder struct {
	packets []*MPEPacket
	pids    []uint16
}

func (r *mpeRecorder) HandleMPENewPID(d *MPEDemux, pid uint16) { r.pids = append(r.pids, pid) }
func (r *mpeRecorder) HandleMPEPacket(d *MPEDemux, p *MPEPacket) {
	r.packets = append(r.packets, p)
}

func TestMPEDemux(t *testing.T) {
	r := &mpeRecorder{}
	d := NewMPEDemux(r)

	// PAT and PMT advertise one MPE elementary stream
	patSection, err := NewLongSection(TableIDPAT, false, 1, 0, true, 0, 0,
		writePATPayload(&PATData{Programs: []*PATProgram{{ProgramMapID: testPMTPID, ProgramNumber: 1}}}))
	assert.NoError(t, err)
	pmtSection, err := NewLongSection(TableIDPMT, false, 1, 0, true, 0, 0,
		writePMTPayload(&PMTData{PCRPID: testMPEPID, ElementaryStreams: []*PMTElementaryStream{
			{ElementaryPID: testMPEPID, StreamType: StreamTypeDSMCCMultiprotocol},
		}}))
	assert.NoError(t, err)

	feedSections := func(pid uint16, sections ...*Section) {
		ps, err := NewPacketizer(pid).Packetize(sections...)
		assert.NoError(t, err)
		for _, p := range ps {
			d.FeedPacket(p)
		}
	}
	feedSections(PIDPAT, patSection)
	assert.Empty(t, r.pids)
	feedSections(testPMTPID, pmtSection)
	assert.Equal(t, []uint16{testMPEPID}, r.pids)
	assert.True(t, d.HasPID(testMPEPID))

	// Successive datagrams to the same MAC address share table identity and
	// version; both must still come through
	first, err := testMPEPacket(t, []byte("first datagram")).Section()
	assert.NoError(t, err)
	second, err := testMPEPacket(t, []byte("second datagram")).Section()
	assert.NoError(t, err)
	feedSections(testMPEPID, first, second)

	assert.Len(t, r.packets, 2)
	assert.Equal(t, []byte("first datagram"), r.packets[0].UDPMessage())
	assert.Equal(t, []byte("second datagram"), r.packets[1].UDPMessage())
	assert.Equal(t, testMPEPID, r.packets[0].PID())
	assert.Equal(t, testMAC, r.packets[1].DestinationMACAddress())
	assert.False(t, d.Status().HasErrors())
}
