// Package pipeline moves one stream's raw bytes from its ingest pipe into a
// decoder, chunk by chunk, and collects the telemetry shown by the API.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/h264feed/internal/captions"
	"github.com/zsiec/h264feed/internal/decoder"
	"github.com/zsiec/h264feed/internal/ingest"
	"github.com/zsiec/h264feed/internal/nal"
)

// DefaultChunkSize is the read size used when Config.ChunkSize is unset.
const DefaultChunkSize = 64 * 1024

// Decoder is the subset of *decoder.Decoder the pipeline drives. Accepting
// an interface keeps the pipeline testable with stubs.
type Decoder interface {
	SubmitChunk(p []byte, width, height int) error
	Flush()
	Stats() decoder.Stats
}

// Config holds per-stream settings.
type Config struct {
	ChunkSize int
	// Width and Height are the advisory dimensions passed with every chunk.
	// Zero means unknown.
	Width  int
	Height int
}

// Pipeline reads a stream and feeds its decoder until EOF, cancellation, or
// the decoder going away.
type Pipeline struct {
	log       *slog.Logger
	streamKey string
	input     io.Reader
	dec       Decoder
	cfg       Config
	startTime time.Time
	protocol  atomic.Value
	tap       atomic.Pointer[captions.Tap]

	chunksRead  atomic.Int64
	bytesRead   atomic.Int64
	overflows   atomic.Int64
	lastChunkAt atomic.Int64
}

// New creates a Pipeline that feeds input to dec.
func New(streamKey string, input io.Reader, dec Decoder, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Pipeline{
		log:       log.With("component", "pipeline", "stream", streamKey),
		streamKey: streamKey,
		input:     input,
		dec:       dec,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// SetProtocol records the ingest protocol for the snapshot.
func (p *Pipeline) SetProtocol(proto ingest.Protocol) {
	p.protocol.Store(proto)
}

// SetCaptions attaches the caption tap whose results the snapshot reports.
// The tap itself is fed by the decoder.
func (p *Pipeline) SetCaptions(tap *captions.Tap) {
	p.tap.Store(tap)
}

// Run reads chunks until the input ends, then flushes the decoder's tail
// unit. Cancellation closes the input if it is an io.Closer and returns nil.
// Buffer overflows are counted and skipped; a released decoder ends Run
// with its error.
func (p *Pipeline) Run(ctx context.Context) error {
	if c, ok := p.input.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	buf := make([]byte, p.cfg.ChunkSize)
	for {
		n, err := p.input.Read(buf)
		if n > 0 {
			p.chunksRead.Add(1)
			p.bytesRead.Add(int64(n))
			p.lastChunkAt.Store(time.Now().UnixMilli())
			if serr := p.dec.SubmitChunk(buf[:n], p.cfg.Width, p.cfg.Height); serr != nil {
				switch {
				case errors.Is(serr, nal.ErrBufferOverflow):
					p.overflows.Add(1)
					p.log.Warn("chunk dropped", "error", serr)
				case errors.Is(serr, decoder.ErrReleased):
					p.log.Info("decoder released, stopping")
					return serr
				default:
					return serr
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, io.EOF) {
				p.log.Warn("input read failed", "error", err)
			}
			p.dec.Flush()
			p.log.Info("input ended", "chunks", p.chunksRead.Load(), "bytes", p.bytesRead.Load())
			return nil
		}
	}
}

// CaptionStats summarizes the caption tap.
type CaptionStats struct {
	Pairs  int64    `json:"pairs"`
	Frames int64    `json:"frames"`
	Recent []string `json:"recent,omitempty"`
}

// Snapshot is a point-in-time view of a stream for the API.
type Snapshot struct {
	Key         string          `json:"key"`
	Protocol    ingest.Protocol `json:"protocol"`
	UptimeMs    int64           `json:"uptimeMs"`
	ChunksRead  int64           `json:"chunksRead"`
	BytesRead   int64           `json:"bytesRead"`
	Overflows   int64           `json:"overflows"`
	LastChunkAt int64           `json:"lastChunkAt"`
	Decoder     decoder.Stats   `json:"decoder"`
	Captions    *CaptionStats   `json:"captions,omitempty"`
}

// Snapshot returns the current stream telemetry.
func (p *Pipeline) Snapshot() Snapshot {
	proto, _ := p.protocol.Load().(ingest.Protocol)
	s := Snapshot{
		Key:         p.streamKey,
		Protocol:    proto,
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		ChunksRead:  p.chunksRead.Load(),
		BytesRead:   p.bytesRead.Load(),
		Overflows:   p.overflows.Load(),
		LastChunkAt: p.lastChunkAt.Load(),
		Decoder:     p.dec.Stats(),
	}
	if tap := p.tap.Load(); tap != nil {
		pairs, frames := tap.Stats()
		cs := &CaptionStats{Pairs: pairs, Frames: frames}
		for _, f := range tap.Recent() {
			cs.Recent = append(cs.Recent, f.Text)
		}
		s.Captions = cs
	}
	return s
}
