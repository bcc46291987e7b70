package tsreasm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatusCollector exposes the counters of a section demux as prometheus
// metrics. Register it on a prometheus registry; the counters are read on
// the fly at scrape time, so scraping must not run concurrently with
// FeedPacket.
type StatusCollector struct {
	demux *SectionDemux

	discontinuities        *prometheus.Desc
	invalidSectionIndexes  *prometheus.Desc
	invalidSectionLengths  *prometheus.Desc
	invalidSectionVersions *prometheus.Desc
	invalidTSPackets       *prometheus.Desc
	nextSections           *prometheus.Desc
	packets                *prometheus.Desc
	scrambledPackets       *prometheus.Desc
	truncatedSections      *prometheus.Desc
	wrongCRCs              *prometheus.Desc
}

// NewStatusCollector creates a prometheus collector for the given section
// demux. The stream label tells apart several demuxes on the same registry.
func NewStatusCollector(d *SectionDemux, stream string) *StatusCollector {
	labels := prometheus.Labels{"stream": stream}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("tsreasm_section_demux_"+name, help, nil, labels)
	}
	return &StatusCollector{
		demux: d,

		discontinuities:        desc("discontinuities_total", "TS packets showing a continuity counter gap"),
		invalidSectionIndexes:  desc("invalid_section_indexes_total", "Sections with inconsistent section numbers"),
		invalidSectionLengths:  desc("invalid_section_lengths_total", "Sections with an out-of-bounds length field"),
		invalidSectionVersions: desc("invalid_section_versions_total", "Sections updated without a version update"),
		invalidTSPackets:       desc("invalid_ts_packets_total", "TS packets with the transport error indicator set"),
		nextSections:           desc("next_sections_total", "Sections filtered out because marked next"),
		packets:                desc("packets_total", "TS packets fed into the demux"),
		scrambledPackets:       desc("scrambled_packets_total", "Scrambled TS packets on filtered PIDs"),
		truncatedSections:      desc("truncated_sections_total", "Sections cut short by an early payload unit start"),
		wrongCRCs:              desc("wrong_crcs_total", "Sections with a CRC32 mismatch"),
	}
}

// Describe implements prometheus.Collector
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.discontinuities
	ch <- c.invalidSectionIndexes
	ch <- c.invalidSectionLengths
	ch <- c.invalidSectionVersions
	ch <- c.invalidTSPackets
	ch <- c.nextSections
	ch <- c.packets
	ch <- c.scrambledPackets
	ch <- c.truncatedSections
	ch <- c.wrongCRCs
}

// Collect implements prometheus.Collector
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.demux.Status()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.discontinuities, s.Discontinuities)
	counter(c.invalidSectionIndexes, s.InvalidSectionIndexes)
	counter(c.invalidSectionLengths, s.InvalidSectionLengths)
	counter(c.invalidSectionVersions, s.InvalidSectionVersions)
	counter(c.invalidTSPackets, s.InvalidTSPackets)
	counter(c.nextSections, s.NextSections)
	counter(c.packets, c.demux.PacketCount())
	counter(c.scrambledPackets, s.ScrambledPackets)
	counter(c.truncatedSections, s.TruncatedSections)
	counter(c.wrongCRCs, s.WrongCRCs)
}
