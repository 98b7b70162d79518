package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/h264feed/internal/ingest"
)

// readBufferSize is the read buffer for SRT socket reads: ten default SRT
// payloads. Annex B has no packet alignment, so any size works.
const readBufferSize = 1316 * 10

// latencyNs is the SRT latency setting in nanoseconds (120ms).
const latencyNs = 120_000_000

// Server accepts incoming SRT publish connections and registers them with
// the ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts publishers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, live := s.registry.Get(extractStreamKey(req.StreamID)); live {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	stream, err := s.registry.Register(key, ingest.ProtocolSRT)
	if err != nil {
		s.log.Warn("publish rejected", "stream_key", key, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	copyStream(ctx, conn, stream, s.log)

	stats := stream.Stats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// copyStream moves bytes from r into the ingest stream until either side
// fails or ctx ends.
func copyStream(ctx context.Context, r io.Reader, stream *ingest.Stream, log *slog.Logger) {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				log.Debug("pipe write error", "stream_key", stream.Key, "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return
		}
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
