package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zsiec/h264feed/internal/captions"
	"github.com/zsiec/h264feed/internal/config"
	"github.com/zsiec/h264feed/internal/decoder"
	"github.com/zsiec/h264feed/internal/ingest"
	"github.com/zsiec/h264feed/internal/pipeline"
)

// DecodeCmd decodes a single file through the same pipeline the server uses.
type DecodeCmd struct {
	File string `arg:"" help:"Annex B H.264 file, or - for stdin."`

	Device     string `short:"D" default:"loopback" enum:"loopback,ffmpeg,mp4" help:"Decoder device (loopback, ffmpeg or mp4)."`
	FFmpegPath string `help:"Path to ffmpeg (default: search PATH)."`
	Output     string `short:"o" default:"." help:"Directory for MP4 recordings and snapshots."`
	Snapshot   bool   `help:"Write a PNG of the latest decoded picture (ffmpeg device only)."`
	Format     string `default:"auto" enum:"auto,annexb,mpegts" help:"Input format (auto, annexb or mpegts)."`

	Width     int           `short:"W" default:"640" help:"Dimensions used until the stream reveals its own."`
	Height    int           `short:"H" default:"368" help:"Dimensions used until the stream reveals its own."`
	ChunkSize int           `default:"65536" help:"Read size in bytes."`
	Recovery  string        `default:"last" enum:"last,fixed" help:"Dimensions used when the device is rebuilt after a fault."`
	Drain     time.Duration `default:"10s" help:"How long to wait for the decoder to empty after the input ends."`

	JSON      bool   `help:"Print the final statistics as JSON."`
	Debug     bool   `short:"d" help:"Enable debug logging."`
	LogFormat string `default:"auto" enum:"auto,text,json" help:"Log format (auto, text or json)."`
}

// Run decodes the file and prints statistics.
func (c *DecodeCmd) Run() error {
	log := newLogger(os.Stderr, c.LogFormat, c.Debug)

	var in io.Reader = os.Stdin
	key := "stdin"
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
		key = strings.TrimSuffix(filepath.Base(c.File), filepath.Ext(c.File))
	}

	in, ts := unwrapInput(c.Format, in)

	dcfg := config.Defaults().Decoder
	dcfg.Device = c.Device
	dcfg.FFmpegPath = c.FFmpegPath
	dcfg.RecordDir = c.Output
	dcfg.Width, dcfg.Height = c.Width, c.Height
	dcfg.Recovery = c.Recovery

	factory, err := deviceFactory(dcfg, key, log)
	if err != nil {
		return err
	}

	disp := config.Defaults().Display
	if c.Snapshot {
		disp.Target = config.TargetSnapshot
		disp.SnapshotDir = c.Output
	}
	target, err := newTarget(disp, key, log)
	if err != nil {
		return err
	}

	tap := captions.NewTap(0, log)
	dec := decoder.New(factory, decoderOptions(dcfg, log, tap.Observe))
	if target != nil {
		dec.AttachTarget(target)
	}

	p := pipeline.New(key, in, dec, pipeline.Config{
		ChunkSize: c.ChunkSize,
		Width:     c.Width,
		Height:    c.Height,
	}, log)
	p.SetProtocol(ingest.ProtocolFile)
	p.SetCaptions(tap)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := p.Run(ctx)
	if runErr == nil && ctx.Err() == nil && !waitIdle(ctx, dec, c.Drain) {
		log.Warn("decoder did not drain", "timeout", c.Drain)
	}
	snap := p.Snapshot()
	releaseErr := dec.Release()
	if ts != nil {
		log.Info("transport stream", "stats", ts.Stats())
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else {
		printSummary(os.Stdout, snap)
	}

	if runErr != nil {
		return runErr
	}
	return releaseErr
}

func printSummary(w io.Writer, s pipeline.Snapshot) {
	d := s.Decoder
	fmt.Fprintf(w, "stream     %s\n", s.Key)
	fmt.Fprintf(w, "read       %d bytes in %d chunks (%d dropped on overflow)\n", s.BytesRead, s.ChunksRead, s.Overflows)
	fmt.Fprintf(w, "units      %d (%d too short)\n", d.Units, d.ShortUnits)
	fmt.Fprintf(w, "submitted  %d (%d dropped)\n", d.Submitted, d.Dropped)
	fmt.Fprintf(w, "frames     %d, last pts %dus\n", d.Frames, d.LastPTS)
	if d.Width > 0 {
		fmt.Fprintf(w, "size       %dx%d\n", d.Width, d.Height)
	}
	fmt.Fprintf(w, "device     %d configs, %d recoveries\n", d.Configs, d.Recoveries)
	if d.LastError != "" {
		fmt.Fprintf(w, "last error %s\n", d.LastError)
	}
	if s.Captions != nil && s.Captions.Frames > 0 {
		fmt.Fprintf(w, "captions   %d frames\n", s.Captions.Frames)
		for _, text := range s.Captions.Recent {
			fmt.Fprintf(w, "  %s\n", text)
		}
	}
}
