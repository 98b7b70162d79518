// Package config loads the h264feed configuration: built-in defaults, then
// an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Device kinds.
const (
	DeviceLoopback = "loopback"
	DeviceFFmpeg   = "ffmpeg"
	DeviceMP4      = "mp4"
)

// Ingest payload formats.
const (
	FormatAuto   = "auto"
	FormatAnnexB = "annexb"
	FormatMPEGTS = "mpegts"
)

// Display targets.
const (
	TargetNone     = "none"
	TargetLog      = "log"
	TargetSnapshot = "snapshot"
)

// Config represents the full configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Decoder  DecoderConfig  `yaml:"decoder"`
	Display  DisplayConfig  `yaml:"display"`
	Captions CaptionsConfig `yaml:"captions"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Debug bool `yaml:"debug"`
	// Format is "text", "json" or "auto" (text on a terminal, JSON otherwise).
	Format string `yaml:"format"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Addr  string `yaml:"addr"`
	HTTP3 bool   `yaml:"http3"`
}

// IngestConfig configures the ingest transports. An empty address disables
// the transport.
type IngestConfig struct {
	SRTAddr   string     `yaml:"srt_addr"`
	QUICAddr  string     `yaml:"quic_addr"`
	RTPAddr   string     `yaml:"rtp_addr"`
	RTPKey    string     `yaml:"rtp_key"`
	WebSocket []WSSource `yaml:"websocket"`
	ChunkSize int        `yaml:"chunk_size"`
	// Format is "annexb", "mpegts" or "auto" (sniff each stream).
	Format string `yaml:"format"`
}

// WSSource is a WebSocket server to pull from.
type WSSource struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// DecoderConfig configures each stream's decoder and device.
type DecoderConfig struct {
	Device        string        `yaml:"device"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	RecordDir     string        `yaml:"record_dir"`
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	MaxBuffered   int           `yaml:"max_buffered"`
	InputTimeout  time.Duration `yaml:"input_timeout"`
	OutputTimeout time.Duration `yaml:"output_timeout"`
	// Recovery is "last" or "fixed".
	Recovery string `yaml:"recovery"`
}

// DisplayConfig selects where decoded frames go.
type DisplayConfig struct {
	Target           string `yaml:"target"`
	LogEvery         int64  `yaml:"log_every"`
	SnapshotDir      string `yaml:"snapshot_dir"`
	SnapshotEvery    int64  `yaml:"snapshot_every"`
	SnapshotMaxWidth int    `yaml:"snapshot_max_width"`
}

// CaptionsConfig controls caption extraction.
type CaptionsConfig struct {
	Enabled bool `yaml:"enabled"`
	History int  `yaml:"history"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		Log: LogConfig{Format: "auto"},
		API: APIConfig{
			Addr:  ":4444",
			HTTP3: true,
		},
		Ingest: IngestConfig{
			SRTAddr:   ":6000",
			QUICAddr:  ":4445",
			ChunkSize: 64 * 1024,
			Format:    FormatAuto,
		},
		Decoder: DecoderConfig{
			Device:        DeviceLoopback,
			RecordDir:     "recordings",
			Width:         640,
			Height:        368,
			MaxBuffered:   1 << 20,
			InputTimeout:  10 * time.Millisecond,
			OutputTimeout: 10 * time.Millisecond,
			Recovery:      "last",
		},
		Display: DisplayConfig{
			Target:           TargetLog,
			LogEvery:         300,
			SnapshotDir:      "snapshots",
			SnapshotEvery:    30,
			SnapshotMaxWidth: 320,
		},
		Captions: CaptionsConfig{Enabled: true, History: 32},
	}
}

// Parse decodes YAML over the defaults without applying the environment.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads path over the defaults (an empty path skips the file),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.API.Addr = envOr(getenv, "API_ADDR", c.API.Addr)
	c.Ingest.SRTAddr = envOr(getenv, "SRT_ADDR", c.Ingest.SRTAddr)
	c.Ingest.QUICAddr = envOr(getenv, "QUIC_ADDR", c.Ingest.QUICAddr)
	c.Ingest.RTPAddr = envOr(getenv, "RTP_ADDR", c.Ingest.RTPAddr)
	c.Ingest.Format = envOr(getenv, "INGEST_FORMAT", c.Ingest.Format)
	c.Decoder.Device = envOr(getenv, "DECODER_DEVICE", c.Decoder.Device)
	c.Decoder.FFmpegPath = envOr(getenv, "FFMPEG_PATH", c.Decoder.FFmpegPath)
	c.Decoder.RecordDir = envOr(getenv, "RECORD_DIR", c.Decoder.RecordDir)
	c.Log.Format = envOr(getenv, "LOG_FORMAT", c.Log.Format)
	if v := getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			// Any non-boolean value still turns debugging on.
			b = true
		}
		c.Log.Debug = b
	}
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	var errs []error
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want auto, text or json", c.Log.Format))
	}
	switch c.Decoder.Device {
	case DeviceLoopback, DeviceFFmpeg, DeviceMP4:
	default:
		errs = append(errs, fmt.Errorf("decoder.device %q: want loopback, ffmpeg or mp4", c.Decoder.Device))
	}
	switch c.Decoder.Recovery {
	case "last", "fixed":
	default:
		errs = append(errs, fmt.Errorf("decoder.recovery %q: want last or fixed", c.Decoder.Recovery))
	}
	if c.Decoder.Width <= 0 || c.Decoder.Height <= 0 {
		errs = append(errs, fmt.Errorf("decoder size %dx%d must be positive", c.Decoder.Width, c.Decoder.Height))
	}
	if c.Decoder.Device == DeviceMP4 && c.Decoder.RecordDir == "" {
		errs = append(errs, errors.New("decoder.record_dir is required for the mp4 device"))
	}
	switch c.Display.Target {
	case TargetNone, TargetLog:
	case TargetSnapshot:
		if c.Display.SnapshotDir == "" {
			errs = append(errs, errors.New("display.snapshot_dir is required for the snapshot target"))
		}
	default:
		errs = append(errs, fmt.Errorf("display.target %q: want none, log or snapshot", c.Display.Target))
	}
	switch c.Ingest.Format {
	case FormatAuto, FormatAnnexB, FormatMPEGTS:
	default:
		errs = append(errs, fmt.Errorf("ingest.format %q: want auto, annexb or mpegts", c.Ingest.Format))
	}
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest.chunk_size %d must be positive", c.Ingest.ChunkSize))
	}
	seen := make(map[string]bool)
	for i, src := range c.Ingest.WebSocket {
		if src.URL == "" || src.Key == "" {
			errs = append(errs, fmt.Errorf("ingest.websocket[%d]: url and key are required", i))
			continue
		}
		if seen[src.Key] {
			errs = append(errs, fmt.Errorf("ingest.websocket[%d]: duplicate key %q", i, src.Key))
		}
		seen[src.Key] = true
	}
	return errors.Join(errs...)
}
