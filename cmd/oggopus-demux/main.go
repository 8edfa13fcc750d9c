// Command oggopus-demux extracts Opus packets from an Ogg/Opus file or
// stdin and hands them to a packet log, an RTP peer or redis.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"

	"opusdemux/internal/cid"
	"opusdemux/internal/config"
	"opusdemux/internal/logging"
	"opusdemux/internal/oggdemux"
	"opusdemux/internal/opus"
	"opusdemux/internal/sink"
	"opusdemux/internal/stream"
)

type options struct {
	in       string
	out      string
	verify   string
	streamID string
	asJSON   bool
	cfg      config.Config
}

// summary is printed after a demux run.
type summary struct {
	StreamID   string         `json:"stream_id"`
	SampleRate int            `json:"sample_rate"`
	Channels   int            `json:"channels"`
	PreSkip    int            `json:"pre_skip"`
	Vendor     string         `json:"vendor,omitempty"`
	Title      string         `json:"title,omitempty"`
	Packets    uint64         `json:"packets"`
	Samples    int64          `json:"samples"`
	Duration   string         `json:"duration"`
	SinkErrors int            `json:"sink_errors"`
	Input      stream.Result  `json:"input"`
	Demux      oggdemux.Stats `json:"demux"`
}

// demux pumps r through a demuxer and writes every audio packet to k.
func demux(ctx context.Context, r io.Reader, k sink.Sink, streamID string, chunkSize int) (summary, error) {
	sum := summary{StreamID: streamID}
	var firstErr error

	onHeader := func(kind oggdemux.HeaderKind, pkt []byte) {
		switch kind {
		case oggdemux.HeaderIdentification:
			h, err := opus.ParseHead(pkt)
			if err != nil {
				logger.Wf(ctx, "%v: %v", kind, err)
				return
			}
			sum.Channels, sum.PreSkip = int(h.Channels), int(h.PreSkip)
		case oggdemux.HeaderComment:
			t, err := opus.ParseTags(pkt)
			if err != nil {
				logger.Wf(ctx, "%v: %v", kind, err)
				return
			}
			sum.Vendor, sum.Title = t.Vendor, t.Get("TITLE")
		}
	}
	onPacket := func(pkt []byte, rate int) {
		p := sink.NewPacket(streamID, sum.Packets, pkt, rate)
		sum.Packets++
		sum.Samples += int64(p.Samples)
		if err := k.WritePacket(ctx, p); err != nil {
			sum.SinkErrors++
			if firstErr == nil {
				firstErr = err
				logger.Wf(ctx, "packet %d: %v", p.Seq, err)
			}
		}
	}

	d := oggdemux.New(
		oggdemux.WithLogger(logging.ForDemuxer(ctx, streamID)),
		oggdemux.WithHeaderFunc(onHeader),
		oggdemux.WithPacketFunc(onPacket),
	)
	res, err := stream.Pump(ctx, r, d, chunkSize)
	sum.Input = res
	sum.Demux = d.Stats()
	sum.SampleRate = d.Info().SampleRate
	// packet sample counts are always at 48 kHz
	sum.Duration = (time.Duration(sum.Samples) * time.Second / 48000).String()
	if err != nil {
		return sum, err
	}
	if !d.Info().IdentificationSeen {
		logger.Wf(ctx, "no OpusHead found in %d bytes", res.Bytes)
	}
	return sum, nil
}

// verifyResult describes a replayed packet log.
type verifyResult struct {
	Packets int               `json:"packets"`
	Bytes   int64             `json:"bytes"`
	Streams map[string]uint64 `json:"streams"`
	Gaps    int               `json:"gaps"`
}

// verify replays a packet log and counts sequence gaps per stream.
func verify(r io.Reader) (verifyResult, error) {
	vr := verifyResult{Streams: map[string]uint64{}}
	next := map[string]uint64{}
	_, err := sink.Replay(r, func(p sink.Packet) error {
		if want, ok := next[p.StreamID]; ok && p.Seq != want {
			vr.Gaps++
		}
		next[p.StreamID] = p.Seq + 1
		vr.Streams[p.StreamID]++
		vr.Packets++
		vr.Bytes += int64(len(p.Data))
		return nil
	})
	return vr, err
}

// openSinks builds the sinks selected on the command line. The returned
// Multi may be empty.
func openSinks(ctx context.Context, o options) (sink.Multi, error) {
	var m sink.Multi
	if o.out != "" {
		rec, err := sink.CreateRecorder(o.out)
		if err != nil {
			return nil, err
		}
		m = append(m, rec)
	}
	if o.cfg.RTPTarget != "" {
		f, err := sink.DialRTP(o.cfg.RTPTarget, uint8(o.cfg.RTPPayloadType), o.cfg.RTPSSRC)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		logger.Tf(ctx, "forwarding RTP to %v, ssrc=%d", o.cfg.RTPTarget, f.SSRC())
		m = append(m, f)
	}
	if o.cfg.RedisAddr != "" {
		rp, err := sink.DialRedis(ctx, sink.RedisOptions{
			Addr:     o.cfg.RedisAddr,
			Password: o.cfg.RedisPassword,
			DB:       o.cfg.RedisDB,
			Prefix:   o.cfg.RedisPrefix,
		})
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m = append(m, rp)
	}
	return m, nil
}

func printResult(w io.Writer, asJSON bool, v interface{}) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	switch r := v.(type) {
	case summary:
		fmt.Fprintf(w, "stream %s: %d Hz, %d ch, vendor %q\n", r.StreamID, r.SampleRate, r.Channels, r.Vendor)
		fmt.Fprintf(w, "  packets %d, samples %d, duration %s\n", r.Packets, r.Samples, r.Duration)
		fmt.Fprintf(w, "  read %d bytes in %d chunks, %d pages, %d discarded, %d overflows\n",
			r.Input.Bytes, r.Input.Chunks, r.Demux.Pages, r.Demux.Discarded, r.Demux.Overflows)
		if r.SinkErrors > 0 {
			fmt.Fprintf(w, "  %d sink errors\n", r.SinkErrors)
		}
	case verifyResult:
		fmt.Fprintf(w, "%d packets, %d bytes, %d streams, %d gaps\n", r.Packets, r.Bytes, len(r.Streams), r.Gaps)
	}
	return nil
}

func parseFlags(args []string) (options, error) {
	cfg, err := config.Load()
	if err != nil {
		return options{}, err
	}
	o := options{cfg: cfg}
	fs := flag.NewFlagSet("oggopus-demux", flag.ContinueOnError)
	fs.StringVar(&o.in, "in", "-", "Ogg/Opus input file, - for stdin")
	fs.StringVar(&o.out, "out", "", "write packets to this msgpack log")
	fs.StringVar(&o.verify, "verify", "", "replay a packet log and print a summary")
	fs.StringVar(&o.streamID, "id", "", "stream id stamped on packets (generated if empty)")
	fs.BoolVar(&o.asJSON, "json", false, "print the summary as JSON")
	fs.IntVar(&o.cfg.ChunkSize, "chunk", o.cfg.ChunkSize, "read chunk size in bytes")
	fs.StringVar(&o.cfg.RTPTarget, "rtp", o.cfg.RTPTarget, "host:port to forward packets as RTP")
	fs.StringVar(&o.cfg.RedisAddr, "redis", o.cfg.RedisAddr, "redis address for packet publishing")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if err := o.cfg.Validate(); err != nil {
		return options{}, err
	}
	if o.streamID == "" {
		o.streamID = cid.New()
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	ctx = cid.Ensure(ctx)
	if err := config.LoadEnvFile(ctx); err != nil {
		return err
	}
	o, err := parseFlags(args)
	if err != nil {
		return errors.Wrap(err, "flags")
	}

	if o.verify != "" {
		f, err := os.Open(o.verify)
		if err != nil {
			return errors.Wrap(err, "open log")
		}
		defer f.Close()
		vr, err := verify(f)
		if err != nil {
			return errors.Wrapf(err, "verify %v", o.verify)
		}
		return printResult(stdout, o.asJSON, vr)
	}

	in := stdin
	if o.in != "-" {
		f, err := os.Open(o.in)
		if err != nil {
			return errors.Wrap(err, "open input")
		}
		defer f.Close()
		in = f
	}

	sinks, err := openSinks(ctx, o)
	if err != nil {
		return errors.Wrap(err, "sinks")
	}
	var k sink.Sink = sinks
	if len(sinks) == 0 {
		k = sink.Discard{}
	}
	sum, err := demux(ctx, in, k, o.streamID, o.cfg.ChunkSize)
	if cerr := sinks.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close sinks")
	}
	if err != nil {
		return err
	}
	return printResult(stdout, o.asJSON, sum)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Ef(ctx, "oggopus-demux: %+v", err)
		os.Exit(1)
	}
}
