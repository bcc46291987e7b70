package tsreasm

const (
	crc32Polynomial   = uint32(0x04c11db7)
	crc32InitialValue = uint32(0xffffffff)
)

// Table-driven implementation of the MPEG CRC32, same scheme as the vlc
// muxer. The table costs 1kB and is computed once at load time.
var tableCRC32 = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 > 0 {
				crc = (crc << 1) ^ crc32Polynomial
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return
}()

func computeCRC32(bs []byte) uint32 {
	return updateCRC32(crc32InitialValue, bs)
}

func updateCRC32(iCrc uint32, bs []byte) uint32 {
	for _, b := range bs {
		iCrc = (iCrc << 8) ^ tableCRC32[((iCrc>>24)^uint32(b))&0xff]
	}
	return iCrc
}
