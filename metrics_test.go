package tsreasm

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusCollector(t *testing.T) {
	d := NewSectionDemux(nil, nil, testPID)
	c := NewStatusCollector(d, "test")
	assert.Equal(t, 10, testutil.CollectAndCount(c))

	reg := prometheus.NewPedanticRegistry()
	assert.NoError(t, reg.Register(c))

	ps, err := NewPacketizer(testPID).Packetize(testLongSection(t, 0, 0))
	assert.NoError(t, err)
	for _, p := range ps {
		d.FeedPacket(p)
	}

	expected := `
# HELP tsreasm_section_demux_packets_total TS packets fed into the demux
# TYPE tsreasm_section_demux_packets_total counter
tsreasm_section_demux_packets_total{stream="test"} 1
# HELP tsreasm_section_demux_wrong_crcs_total Sections with a CRC32 mismatch
# TYPE tsreasm_section_demux_wrong_crcs_total counter
tsreasm_section_demux_wrong_crcs_total{stream="test"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tsreasm_section_demux_packets_total", "tsreasm_section_demux_wrong_crcs_total"))
}
