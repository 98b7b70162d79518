// Command h264feed decodes H.264 Annex B streams received over SRT, QUIC,
// RTP or WebSocket, and can decode or publish files from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mattn/go-isatty"

	"github.com/zsiec/h264feed/internal/config"
	"github.com/zsiec/h264feed/internal/decoder"
	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/device/ffmpeg"
	"github.com/zsiec/h264feed/internal/device/loopback"
	"github.com/zsiec/h264feed/internal/device/mp4rec"
	"github.com/zsiec/h264feed/internal/display"
	"github.com/zsiec/h264feed/internal/mpegts"
	"github.com/zsiec/h264feed/internal/nal"
)

var version = "dev"

// CLI defines the command-line interface with subcommands.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the ingest servers and the status API."`
	Decode  DecodeCmd  `cmd:"" help:"Decode an Annex B file and print statistics."`
	Publish PublishCmd `cmd:"" help:"Publish an Annex B file to a QUIC ingest server."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// Run prints the version.
func (VersionCmd) Run() error {
	fmt.Printf("h264feed %s\n", version)
	return nil
}

func main() {
	cli := CLI{}

	ctx := kong.Parse(&cli,
		kong.Name("h264feed"),
		kong.Description("Headless H.264 Annex B ingest and decode."),
		kong.UsageOnError(),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

// newLogger builds the process logger. "auto" picks text on a terminal and
// JSON otherwise.
func newLogger(w io.Writer, format string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// safeName turns a stream key into something usable as a file name.
func safeName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, key)
	name = strings.Trim(name, ".")
	if name == "" {
		return "stream"
	}
	return name
}

// deviceFactory returns the device factory for one stream.
func deviceFactory(cfg config.DecoderConfig, key string, log *slog.Logger) (device.Factory, error) {
	switch cfg.Device {
	case config.DeviceLoopback:
		return loopback.Factory(0), nil
	case config.DeviceFFmpeg:
		return ffmpeg.Factory(ffmpeg.Options{Path: cfg.FFmpegPath, Logger: log})
	case config.DeviceMP4:
		return mp4rec.Factory(cfg.RecordDir, safeName(key), log), nil
	}
	return nil, fmt.Errorf("unknown device %q", cfg.Device)
}

func decoderOptions(cfg config.DecoderConfig, log *slog.Logger, onSubmit func(nal.Unit, int64)) decoder.Options {
	return decoder.Options{
		MaxBuffered:        cfg.MaxBuffered,
		InputTimeout:       cfg.InputTimeout,
		OutputTimeout:      cfg.OutputTimeout,
		DefaultWidth:       cfg.Width,
		DefaultHeight:      cfg.Height,
		RecoveryResolution: cfg.Recovery,
		FallbackWidth:      cfg.Width,
		FallbackHeight:     cfg.Height,
		Logger:             log,
		OnSubmit:           onSubmit,
	}
}

// newTarget returns the display target for one stream, or nil for "none".
func newTarget(cfg config.DisplayConfig, key string, log *slog.Logger) (display.Target, error) {
	switch cfg.Target {
	case config.TargetLog:
		return display.NewCounter(log, int(cfg.LogEvery)), nil
	case config.TargetSnapshot:
		snap, err := display.NewSnapshot(display.SnapshotConfig{
			Dir:      cfg.SnapshotDir,
			Name:     safeName(key),
			Every:    int(cfg.SnapshotEvery),
			MaxWidth: cfg.SnapshotMaxWidth,
		}, log)
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
	return nil, nil
}

// unwrapInput returns the Annex B view of input. TS input is demuxed; the
// returned *mpegts.Reader is nil for raw Annex B.
func unwrapInput(format string, input io.Reader) (io.Reader, *mpegts.Reader) {
	switch format {
	case config.FormatAnnexB:
		return input, nil
	case config.FormatMPEGTS:
		ts := mpegts.NewReader(input)
		return ts, ts
	}
	in, isTS := mpegts.Detect(input)
	if !isTS {
		return in, nil
	}
	ts := mpegts.NewReader(in)
	return ts, ts
}

// waitIdle polls until dec has nothing queued or in flight. It reports
// false if ctx ends or timeout elapses first.
func waitIdle(ctx context.Context, dec *decoder.Decoder, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if dec.Stats().Idle() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
