package decoder

import (
	"log/slog"
	"time"

	"github.com/zsiec/h264feed/internal/nal"
)

// Recovery resolution policies.
const (
	// RecoveryLast reconfigures with the last negotiated dimensions.
	RecoveryLast = "last"
	// RecoveryFixed reconfigures with FallbackWidth x FallbackHeight.
	RecoveryFixed = "fixed"
)

// Options tunes a Decoder. The zero value is usable.
type Options struct {
	// MaxBuffered bounds the ingest buffer; see nal.DefaultMaxBuffered.
	MaxBuffered int
	// InputTimeout and OutputTimeout bound each wait for a device slot.
	InputTimeout  time.Duration
	OutputTimeout time.Duration
	// PollInterval is how often the worker retries while blocked on the
	// device without being woken by new input.
	PollInterval time.Duration

	// DefaultWidth and DefaultHeight are used when no dimensions are known.
	DefaultWidth  int
	DefaultHeight int

	RecoveryResolution string
	FallbackWidth      int
	FallbackHeight     int

	Logger *slog.Logger

	// OnSubmit is called from the worker after each unit has been accepted
	// by the device, with the timestamp it was given. It runs with the
	// decoder locked and must not call back into the Decoder.
	OnSubmit func(u nal.Unit, ptsUs int64)
}

func (o Options) withDefaults() Options {
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = nal.DefaultMaxBuffered
	}
	if o.InputTimeout <= 0 {
		o.InputTimeout = 10 * time.Millisecond
	}
	if o.OutputTimeout <= 0 {
		o.OutputTimeout = 10 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = o.OutputTimeout
	}
	if o.DefaultWidth <= 0 || o.DefaultHeight <= 0 {
		o.DefaultWidth, o.DefaultHeight = 640, 368
	}
	if o.RecoveryResolution == "" {
		o.RecoveryResolution = RecoveryLast
	}
	if o.FallbackWidth <= 0 || o.FallbackHeight <= 0 {
		o.FallbackWidth, o.FallbackHeight = 640, 368
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats is a point-in-time view of a Decoder.
type Stats struct {
	State      string `json:"state"`
	Released   bool   `json:"released"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	HasSPS     bool   `json:"hasSPS"`
	HasPPS     bool   `json:"hasPPS"`
	HasTarget  bool   `json:"hasTarget"`
	Chunks     int64  `json:"chunks"`
	Bytes      int64  `json:"bytes"`
	Units      int64  `json:"units"`
	ShortUnits int64  `json:"shortUnits"`
	Queued     int    `json:"queued"`
	Buffered   int    `json:"buffered"`
	Submitted  int64  `json:"submitted"`
	Dropped    int64  `json:"dropped"`
	InFlight   int    `json:"inFlight"`
	Frames     int64  `json:"frames"`
	LastPTS    int64  `json:"lastPTS"`
	Overflows  int64  `json:"overflows"`
	Configs    int64  `json:"configs"`
	Recoveries int64  `json:"recoveries"`
	NextPTS    int64  `json:"nextPTS"`
	LastError  string `json:"lastError,omitempty"`
}

// Idle reports whether nothing is waiting to be submitted or decoded.
func (s Stats) Idle() bool {
	return s.Queued == 0 && s.InFlight == 0
}

// Stats returns a snapshot of the decoder's counters and session state.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		State:      d.state.String(),
		Released:   d.released,
		Width:      d.width,
		Height:     d.height,
		HasSPS:     d.params.sps != nil,
		HasPPS:     d.params.pps != nil,
		HasTarget:  d.target != nil,
		Chunks:     d.stats.chunks,
		Bytes:      d.stats.bytes,
		Units:      d.stats.units,
		ShortUnits: d.splitter.Dropped(),
		Queued:     d.queue.depth(),
		Buffered:   d.splitter.Buffered(),
		Submitted:  d.stats.submitted,
		Dropped:    d.stats.dropped,
		InFlight:   d.inFlight,
		Frames:     d.stats.frames,
		LastPTS:    d.stats.lastPTS,
		Overflows:  d.stats.overflows,
		Configs:    d.stats.configs,
		Recoveries: d.stats.recoveries,
		NextPTS:    PresentationTime(d.frameIndex),
		LastError:  d.stats.lastErr,
	}
}
