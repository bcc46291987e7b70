package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/asticode/go-astikit"
	"github.com/dvbgo/tsreasm"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Flags
var (
	ctx, cancel     = context.WithCancel(context.Background())
	cpuProfiling    = flag.Bool("cp", false, "if yes, cpu profiling is enabled")
	format          = flag.String("f", "", "the format")
	inputPath       = flag.String("i", "", "the input path")
	memoryProfiling = flag.Bool("mp", false, "if yes, memory profiling is enabled")
	metricsAddr     = flag.String("metrics", "", "if set, an http server exposing prometheus metrics on /metrics listens on this addr")
	pids            = astikit.NewFlagStrings()
)

func main() {
	// Init
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s <sections|pes|mpe|t2mi|default>:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Var(pids, "p", "the PIDs to filter (decimal, repeatable)")
	cmd := astikit.FlagCmd()
	flag.Parse()

	// Handle signals
	handleSignals()

	// Start profiling
	if *cpuProfiling {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	} else if *memoryProfiling {
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	// Build the reader
	var r io.Reader
	var err error
	if r, err = buildReader(ctx); err != nil {
		log.Fatal(fmt.Errorf("tsreasm-probe: parsing input failed: %w", err))
	}

	// Make sure the reader is closed properly
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	// Create the packet reader
	var pr *tsreasm.PacketReader
	if pr, err = tsreasm.NewPacketReader(r, 0); err != nil {
		log.Fatal(fmt.Errorf("tsreasm-probe: creating packet reader failed: %w", err))
	}

	// Switch on command
	switch cmd {
	case "sections":
		err = sections(pr)
	case "pes":
		err = pes(pr)
	case "mpe":
		err = mpe(pr)
	case "t2mi":
		err = t2mi(pr)
	default:
		err = programs(pr)
	}
	if err != nil && !errors.Is(err, tsreasm.ErrNoMorePackets) {
		log.Fatal(fmt.Errorf("tsreasm-probe: probing failed: %w", err))
	}
}

func handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch)
	go func() {
		for s := range ch {
			if s != syscall.SIGURG {
				log.Printf("Received signal %s\n", s)
			}
			switch s {
			case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
				cancel()
				return
			}
		}
	}()
}

func buildReader(ctx context.Context) (r io.Reader, err error) {
	// Validate input
	if len(*inputPath) <= 0 {
		err = errors.New("use -i to indicate an input path")
		return
	}

	// Parse input
	var u *url.URL
	if u, err = url.Parse(*inputPath); err != nil {
		err = fmt.Errorf("parsing input path failed: %w", err)
		return
	}

	// Switch on scheme
	switch u.Scheme {
	case "udp":
		// Resolve addr
		var addr *net.UDPAddr
		if addr, err = net.ResolveUDPAddr("udp", u.Host); err != nil {
			err = fmt.Errorf("resolving udp addr %s failed: %w", u.Host, err)
			return
		}

		// Listen to multicast UDP
		var c *net.UDPConn
		if c, err = net.ListenMulticastUDP("udp", nil, addr); err != nil {
			err = fmt.Errorf("listening on multicast udp addr %s failed: %w", u.Host, err)
			return
		}
		c.SetReadBuffer(4096)
		r = c
	default:
		// Open file
		var f *os.File
		if f, err = os.Open(*inputPath); err != nil {
			err = fmt.Errorf("opening %s failed: %w", *inputPath, err)
			return
		}
		r = f
	}
	return
}

// flagPIDs parses the -p flags
func flagPIDs() (o []uint16, err error) {
	for p := range pids.Map {
		var pid int
		if _, err = fmt.Sscanf(p, "%d", &pid); err != nil || pid < 0 || pid > 0x1fff {
			err = fmt.Errorf("invalid PID %q", p)
			return
		}
		o = append(o, uint16(pid))
	}
	sort.Slice(o, func(i, j int) bool { return o[i] < o[j] })
	return
}

// feed reads packets off the reader and pushes them into the demux until the
// context is canceled or the stream ends. When -metrics is set, an http
// server exposing the registry runs alongside the feed loop.
func feed(pr *tsreasm.PacketReader, reg *prometheus.Registry, fn func(p *tsreasm.Packet)) (err error) {
	g, gctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" && reg != nil {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			p, err := pr.Next()
			if err != nil {
				if errors.Is(err, tsreasm.ErrNoMorePackets) {
					return nil
				}
				return err
			}
			fn(p)
		}
	})
	return g.Wait()
}

func sections(pr *tsreasm.PacketReader) (err error) {
	var ps []uint16
	if ps, err = flagPIDs(); err != nil {
		return
	}
	if len(ps) == 0 {
		ps = []uint16{tsreasm.PIDPAT}
	}

	d := tsreasm.NewSectionDemux(nil, tsreasm.SectionHandlerFunc(func(d *tsreasm.SectionDemux, s *tsreasm.Section) {
		log.Printf("SECTION: PID %d | TID 0x%02x | size %d\n", s.PID(), s.TableID(), s.Size())
		if s.IsLongSection() {
			log.Printf("  Extension: %d | Version: %d | Section: %d/%d\n", s.TableIDExtension(), s.Version(), s.SectionNumber(), s.LastSectionNumber())
		}
	}), ps...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(tsreasm.NewStatusCollector(d, *inputPath))

	if err = feed(pr, reg, d.FeedPacket); err != nil {
		return
	}
	d.Flush()
	logSectionStatus(d.Status())
	return
}

func pes(pr *tsreasm.PacketReader) (err error) {
	var ps []uint16
	if ps, err = flagPIDs(); err != nil {
		return
	}

	d := tsreasm.NewPESDemux(pesLogger{}, ps...)
	if err = feed(pr, nil, d.FeedPacket); err != nil {
		return
	}
	d.FlushUnbounded()
	return
}

// pesLogger logs the PES packets and their content
type pesLogger struct{}

func (pesLogger) HandlePESPacket(d *tsreasm.PESDemux, p *tsreasm.PESPacket) {
	log.Printf("PES: PID %d | stream id 0x%02x | size %d | packets %d-%d\n", p.PID(), p.Header().StreamID, len(p.Content()), p.FirstTSPacketIndex(), p.LastTSPacketIndex())
	if oh := p.Header().OptionalHeader; oh != nil && oh.HasPTS {
		log.Printf("  PTS: %d\n", oh.PTS)
	}
}

func (pesLogger) HandleVideoStartCode(d *tsreasm.PESDemux, p *tsreasm.PESPacket, code uint8, offset, size int) {
	log.Printf("  video start code 0x%02x at %d, %d bytes\n", code, offset, size)
}

func (pesLogger) HandleAccessUnit(d *tsreasm.PESDemux, p *tsreasm.PESPacket, unitType uint8, offset, size int) {
	log.Printf("  NAL unit type %d at %d, %d bytes\n", unitType, offset, size)
}

func (pesLogger) HandleSEI(d *tsreasm.PESDemux, p *tsreasm.PESPacket, seiType uint32, offset, size int) {
	log.Printf("  SEI type %d, %d bytes\n", seiType, size)
}

func (pesLogger) HandleNewVideoAttributes(d *tsreasm.PESDemux, p *tsreasm.PESPacket, a *tsreasm.MPEG2VideoAttributes) {
	log.Printf("  new video attributes: %s\n", a)
}

func (pesLogger) HandleNewAudioAttributes(d *tsreasm.PESDemux, p *tsreasm.PESPacket, a *tsreasm.MPEG2AudioAttributes) {
	log.Printf("  new audio attributes: %s\n", a)
}

func (pesLogger) HandleNewAVCAttributes(d *tsreasm.PESDemux, p *tsreasm.PESPacket, a *tsreasm.AVCAttributes) {
	log.Printf("  new AVC attributes: %s\n", a)
}

func (pesLogger) HandleNewAC3Attributes(d *tsreasm.PESDemux, p *tsreasm.PESPacket, a *tsreasm.AC3Attributes) {
	log.Printf("  new AC-3 attributes: %s\n", a)
}

func mpe(pr *tsreasm.PacketReader) (err error) {
	var ps []uint16
	if ps, err = flagPIDs(); err != nil {
		return
	}

	d := tsreasm.NewMPEDemux(mpeLogger{}, ps...)
	return feed(pr, nil, d.FeedPacket)
}

// mpeLogger logs the MPE activity
type mpeLogger struct{}

func (mpeLogger) HandleMPENewPID(d *tsreasm.MPEDemux, pid uint16) {
	log.Printf("MPE: new PID %d\n", pid)
}

func (mpeLogger) HandleMPEPacket(d *tsreasm.MPEDemux, p *tsreasm.MPEPacket) {
	log.Printf("MPE: PID %d | %s:%d -> %s:%d | %d bytes\n", p.PID(), p.SourceIPAddress(), p.SourceUDPPort(), p.DestinationIPAddress(), p.DestinationUDPPort(), len(p.UDPMessage()))
}

func t2mi(pr *tsreasm.PacketReader) (err error) {
	var ps []uint16
	if ps, err = flagPIDs(); err != nil {
		return
	}
	if len(ps) == 0 {
		err = errors.New("use -p to indicate the T2-MI PIDs")
		return
	}

	d := tsreasm.NewT2MIDemux(tsreasm.T2MIHandlerFunc(func(d *tsreasm.T2MIDemux, p *tsreasm.T2MIPacket) {
		log.Printf("T2MI: PID %d | type 0x%02x | count %d | superframe %d | %d bits\n", p.PID(), p.PacketType(), p.PacketCount(), p.SuperframeIndex(), p.PayloadLengthBits())
	}), ps...)
	return feed(pr, nil, d.FeedPacket)
}

func programs(pr *tsreasm.PacketReader) (err error) {
	pgms := make(map[uint16]*Program)
	pgmsToProcess := make(map[uint16]bool)
	registry := tsreasm.NewRegistry()

	d := tsreasm.NewSectionDemux(tsreasm.TableHandlerFunc(func(d *tsreasm.SectionDemux, t *tsreasm.Table) {
		v, err := registry.Decode(t)
		if err != nil {
			log.Printf("decoding table failed: %s\n", err)
			return
		}
		switch data := v.(type) {
		case *tsreasm.PATData:
			for _, p := range data.Programs {
				// Program number 0 is reserved to NIT
				if p.ProgramNumber > 0 {
					if _, ok := pgms[p.ProgramNumber]; !ok {
						pgmsToProcess[p.ProgramNumber] = true
						pgms[p.ProgramNumber] = &Program{ID: p.ProgramNumber, MapID: p.ProgramMapID}
						d.AddPID(p.ProgramMapID)
					}
				}
			}
		case *tsreasm.PMTData:
			if !pgmsToProcess[data.ProgramNumber] {
				return
			}
			pgm := pgms[data.ProgramNumber]
			pgm.PCRPID = data.PCRPID
			for _, es := range data.ElementaryStreams {
				pgm.Streams = append(pgm.Streams, &Stream{ID: es.ElementaryPID, Type: es.StreamType})
			}
			delete(pgmsToProcess, data.ProgramNumber)
			// All PMTs have been processed
			if len(pgmsToProcess) == 0 {
				cancel()
			}
		}
	}), nil, tsreasm.PIDPAT)

	reg := prometheus.NewRegistry()
	reg.MustRegister(tsreasm.NewStatusCollector(d, *inputPath))

	if err = feed(pr, reg, d.FeedPacket); err != nil {
		return
	}

	// Build final data
	var o []*Program
	for _, p := range pgms {
		o = append(o, p)
	}
	sort.Slice(o, func(i, j int) bool { return o[i].ID < o[j].ID })

	// Print
	switch *format {
	case "json":
		var e = json.NewEncoder(os.Stdout)
		e.SetIndent("", "  ")
		if err = e.Encode(o); err != nil {
			err = fmt.Errorf("json encoding to stdout failed: %w", err)
			return
		}
	default:
		fmt.Println("Programs are:")
		for _, pgm := range o {
			log.Printf("* %s\n", pgm)
		}
	}
	return
}

func logSectionStatus(s tsreasm.SectionDemuxStatus) {
	if !s.HasErrors() {
		return
	}
	log.Printf("stream anomalies: %+v\n", s)
}

// Program represents a program
type Program struct {
	ID      uint16    `json:"id,omitempty"`
	MapID   uint16    `json:"map_id,omitempty"`
	PCRPID  uint16    `json:"pcr_pid,omitempty"`
	Streams []*Stream `json:"streams,omitempty"`
}

// Stream represents a stream
type Stream struct {
	ID   uint16 `json:"id,omitempty"`
	Type uint8  `json:"type,omitempty"`
}

// String implements the Stringer interface
func (p Program) String() (o string) {
	o = fmt.Sprintf("[%d] - Map ID: %d", p.ID, p.MapID)
	for _, s := range p.Streams {
		o += fmt.Sprintf("\n  * %s", s.String())
	}
	return
}

// String implements the Stringer interface
func (s Stream) String() (o string) {
	var t = fmt.Sprintf("unlisted stream type %d", s.Type)
	switch s.Type {
	case tsreasm.StreamTypeMPEG1Video:
		t = "MPEG-1 video"
	case tsreasm.StreamTypeMPEG2Video:
		t = "MPEG-2 video"
	case tsreasm.StreamTypeMPEG1Audio:
		t = "MPEG-1 audio"
	case tsreasm.StreamTypeMPEG2HalvedSampleRateAudio:
		t = "MPEG-2 halved sample rate audio"
	case tsreasm.StreamTypeMPEG2PacketizedData:
		t = "DVB subtitles/VBI or AC-3"
	case tsreasm.StreamTypeADTS:
		t = "ADTS"
	case tsreasm.StreamTypeAVCVideo:
		t = "H264 video"
	case tsreasm.StreamTypeDSMCCMultiprotocol:
		t = "DSM-CC multiprotocol encapsulation"
	case tsreasm.StreamTypeAC3Audio:
		t = "AC-3 audio"
	}
	return fmt.Sprintf("[%d] - Type: %s", s.ID, t)
}
