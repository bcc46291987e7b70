package tsreasm

import (
	"errors"
	"fmt"
	"net"
)

// MPE section layout. The destination MAC address is scattered over the
// section header: bytes 1 and 2 sit in the table id extension field, bytes 3
// to 6 in the last four header bytes.
const (
	mpeHeaderSize   = 12
	mpeDefaultTTL   = 128
	ipv4HeaderSize  = 20
	ipv4ProtocolUDP = 17
	udpHeaderSize   = 8
)

// MPE errors
var (
	ErrMPEInvalidSection  = errors.New("tsreasm: section is not a valid MPE section")
	ErrMPENotUDP          = errors.New("tsreasm: MPE datagram is not IPv4 UDP")
	ErrMPEInvalidDatagram = errors.New("tsreasm: MPE datagram is invalid")
)

// MPEPacket represents one multiprotocol encapsulation packet: an IP
// datagram and its destination MAC address, as carried in a DSM-CC private
// data section
type MPEPacket struct {
	datagram []byte
	destMAC  net.HardwareAddr
	pid      uint16
}

// NewMPEPacket creates an empty MPE packet for the given PID
func NewMPEPacket(pid uint16) *MPEPacket {
	return &MPEPacket{destMAC: make(net.HardwareAddr, 6), pid: pid}
}

// NewMPEPacketFromSection builds an MPE packet from a DSM-CC private data
// section
func NewMPEPacketFromSection(s *Section) (p *MPEPacket, err error) {
	// The version field doubles as a scrambling and LLC/SNAP indicator; only
	// the cleartext, non-LLC/SNAP case (version 0) is supported
	if !s.IsValid() || s.TableID() != TableIDDSMCCPD || !s.IsLongSection() || s.Version() != 0 || s.Size() < mpeHeaderSize+sectionCRC32Size {
		err = ErrMPEInvalidSection
		return
	}
	content := s.Content()
	p = NewMPEPacket(s.PID())
	p.destMAC[0] = content[11]
	p.destMAC[1] = content[10]
	p.destMAC[2] = content[9]
	p.destMAC[3] = content[8]
	p.destMAC[4] = content[4]
	p.destMAC[5] = content[3]
	p.datagram = make([]byte, len(content)-mpeHeaderSize-sectionCRC32Size)
	copy(p.datagram, content[mpeHeaderSize:len(content)-sectionCRC32Size])
	// The encapsulated bytes must parse as an IPv4 UDP datagram
	if !p.FindUDP() {
		p = nil
		err = ErrMPEInvalidDatagram
	}
	return
}

// PID returns the PID the MPE packet was demultiplexed from
func (p *MPEPacket) PID() uint16 { return p.pid }

// SetPID sets the PID of the MPE packet
func (p *MPEPacket) SetPID(pid uint16) { p.pid = pid }

// Datagram returns the raw IP datagram
func (p *MPEPacket) Datagram() []byte { return p.datagram }

// DestinationMACAddress returns the destination MAC address
func (p *MPEPacket) DestinationMACAddress() net.HardwareAddr { return p.destMAC }

// SetDestinationMACAddress sets the destination MAC address. Addresses that
// are not 6 bytes long are ignored.
func (p *MPEPacket) SetDestinationMACAddress(mac net.HardwareAddr) {
	if len(mac) == 6 {
		copy(p.destMAC, mac)
	}
}

// ipHeaderSize returns the size in bytes of the IPv4 header of the datagram,
// 0 when the datagram does not start with a plausible IPv4 header
func (p *MPEPacket) ipHeaderSize() int {
	if len(p.datagram) < ipv4HeaderSize || p.datagram[0]>>4 != 4 {
		return 0
	}
	size := int(p.datagram[0]&0xf) * 4
	if size < ipv4HeaderSize || size > len(p.datagram) {
		return 0
	}
	return size
}

// FindUDP checks whether the datagram is an IPv4 UDP datagram
func (p *MPEPacket) FindUDP() bool {
	hs := p.ipHeaderSize()
	return hs > 0 && p.datagram[9] == ipv4ProtocolUDP && len(p.datagram) >= hs+udpHeaderSize
}

// SourceIPAddress returns the source IP address, nil when the datagram is
// not IPv4
func (p *MPEPacket) SourceIPAddress() net.IP {
	if p.ipHeaderSize() == 0 {
		return nil
	}
	return net.IP(p.datagram[12:16])
}

// DestinationIPAddress returns the destination IP address, nil when the
// datagram is not IPv4
func (p *MPEPacket) DestinationIPAddress() net.IP {
	if p.ipHeaderSize() == 0 {
		return nil
	}
	return net.IP(p.datagram[16:20])
}

// SetSourceIPAddress sets the source IP address and fixes the IP header
// checksum
func (p *MPEPacket) SetSourceIPAddress(ip net.IP) error { return p.setIPAddress(12, ip) }

// SetDestinationIPAddress sets the destination IP address and fixes the IP
// header checksum
func (p *MPEPacket) SetDestinationIPAddress(ip net.IP) error { return p.setIPAddress(16, ip) }

func (p *MPEPacket) setIPAddress(offset int, ip net.IP) (err error) {
	if p.ipHeaderSize() == 0 {
		return ErrMPEInvalidDatagram
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("tsreasm: %s is not an IPv4 address", ip)
	}
	copy(p.datagram[offset:offset+4], ip4)
	p.fixIPChecksum()
	return
}

// SourceUDPPort returns the source UDP port, 0 when the datagram is not UDP
func (p *MPEPacket) SourceUDPPort() uint16 {
	if !p.FindUDP() {
		return 0
	}
	hs := p.ipHeaderSize()
	return uint16(p.datagram[hs])<<8 | uint16(p.datagram[hs+1])
}

// DestinationUDPPort returns the destination UDP port, 0 when the datagram
// is not UDP
func (p *MPEPacket) DestinationUDPPort() uint16 {
	if !p.FindUDP() {
		return 0
	}
	hs := p.ipHeaderSize()
	return uint16(p.datagram[hs+2])<<8 | uint16(p.datagram[hs+3])
}

// SetSourceUDPPort sets the source UDP port
func (p *MPEPacket) SetSourceUDPPort(port uint16) error { return p.setUDPPort(0, port) }

// SetDestinationUDPPort sets the destination UDP port
func (p *MPEPacket) SetDestinationUDPPort(port uint16) error { return p.setUDPPort(2, port) }

func (p *MPEPacket) setUDPPort(offset int, port uint16) error {
	if !p.FindUDP() {
		return ErrMPENotUDP
	}
	hs := p.ipHeaderSize()
	p.datagram[hs+offset] = byte(port >> 8)
	p.datagram[hs+offset+1] = byte(port)
	// The UDP checksum would need recomputing over the pseudo header; zero
	// marks it unused
	p.datagram[hs+6] = 0
	p.datagram[hs+7] = 0
	return nil
}

// UDPMessage returns the UDP payload of the datagram, nil when the datagram
// is not UDP
func (p *MPEPacket) UDPMessage() []byte {
	if !p.FindUDP() {
		return nil
	}
	hs := p.ipHeaderSize()
	length := int(p.datagram[hs+4])<<8 | int(p.datagram[hs+5])
	if length < udpHeaderSize || hs+length > len(p.datagram) {
		return nil
	}
	return p.datagram[hs+udpHeaderSize : hs+length]
}

// SetUDPMessage replaces the UDP payload of the datagram, building a fresh
// IPv4 UDP datagram when needed, and fixes the length fields and the IP
// header checksum
func (p *MPEPacket) SetUDPMessage(bs []byte) {
	if !p.FindUDP() {
		p.configureUDP()
	}
	hs := p.ipHeaderSize()
	datagram := make([]byte, hs+udpHeaderSize+len(bs))
	copy(datagram, p.datagram[:hs+udpHeaderSize])
	copy(datagram[hs+udpHeaderSize:], bs)
	p.datagram = datagram
	// Total length in the IP header
	total := len(p.datagram)
	p.datagram[2] = byte(total >> 8)
	p.datagram[3] = byte(total)
	// UDP length and unused checksum
	udpLength := udpHeaderSize + len(bs)
	p.datagram[hs+4] = byte(udpLength >> 8)
	p.datagram[hs+5] = byte(udpLength)
	p.datagram[hs+6] = 0
	p.datagram[hs+7] = 0
	p.fixIPChecksum()
}

// configureUDP replaces the datagram with a minimal empty IPv4 UDP datagram
func (p *MPEPacket) configureUDP() {
	p.datagram = make([]byte, ipv4HeaderSize+udpHeaderSize)
	p.datagram[0] = 0x45 // version 4, 20-byte header
	p.datagram[8] = mpeDefaultTTL
	p.datagram[9] = ipv4ProtocolUDP
	total := len(p.datagram)
	p.datagram[2] = byte(total >> 8)
	p.datagram[3] = byte(total)
	p.datagram[ipv4HeaderSize+5] = udpHeaderSize
	p.fixIPChecksum()
}

// fixIPChecksum recomputes the IPv4 header checksum in place
func (p *MPEPacket) fixIPChecksum() {
	hs := p.ipHeaderSize()
	if hs == 0 {
		return
	}
	p.datagram[10] = 0
	p.datagram[11] = 0
	checksum := ipHeaderChecksum(p.datagram[:hs])
	p.datagram[10] = byte(checksum >> 8)
	p.datagram[11] = byte(checksum)
}

// ipHeaderChecksum computes the ones' complement checksum of an IPv4 header
func ipHeaderChecksum(bs []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(bs); i += 2 {
		sum += uint32(bs[i])<<8 | uint32(bs[i+1])
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// Section serializes the MPE packet into a DSM-CC private data section
func (p *MPEPacket) Section() (*Section, error) {
	if len(p.datagram) == 0 {
		return nil, ErrMPEInvalidDatagram
	}
	content := make([]byte, mpeHeaderSize+len(p.datagram)+sectionCRC32Size)
	length := len(content) - shortHeaderSize
	content[0] = TableIDDSMCCPD
	content[1] = 0xb0 | byte(length>>8)
	content[2] = byte(length)
	content[3] = p.destMAC[5]
	content[4] = p.destMAC[4]
	// Reserved bits, LLC/SNAP off, current
	content[5] = 0xc1
	content[8] = p.destMAC[3]
	content[9] = p.destMAC[2]
	content[10] = p.destMAC[1]
	content[11] = p.destMAC[0]
	copy(content[mpeHeaderSize:], p.datagram)
	s := NewSection(content, p.pid, CRCCompute)
	if !s.IsValid() {
		return nil, fmt.Errorf("tsreasm: serialized MPE section is invalid: %s", s.Status())
	}
	return s, nil
}

// Clone returns a deep copy of the MPE packet
func (p *MPEPacket) Clone() *MPEPacket {
	n := NewMPEPacket(p.pid)
	copy(n.destMAC, p.destMAC)
	n.datagram = make([]byte, len(p.datagram))
	copy(n.datagram, p.datagram)
	return n
}
