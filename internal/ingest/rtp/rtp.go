// Package rtp receives H.264 over RTP/UDP (RFC 6184) and turns each source
// back into an Annex B byte stream for the ingest registry. Every SSRC is a
// separate stream.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/h264feed/internal/ingest"
)

// DefaultIdleTimeout is how long a source may stay silent before its stream
// is closed.
const DefaultIdleTimeout = 5 * time.Second

const (
	maxDatagram  = 1500 * 2
	sweepEvery   = time.Second
	naluTypeFUA  = 28
	fuStartBit   = 0x80
	naluTypeMask = 0x1F
)

// Server listens on a UDP socket and depacketizes every source it hears.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry

	// Key, if set, is the stream key used for every source. Only the first
	// live source gets it; others are dropped until it goes idle. When empty,
	// sources are keyed "rtp-<ssrc>".
	Key string
	// IdleTimeout closes sources that stop sending. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	mu      sync.Mutex
	conn    net.PacketConn
	sources map[uint32]*source
}

// NewServer creates an RTP ingest server on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "rtp-ingest"),
		addr:     addr,
		registry: registry,
		sources:  make(map[uint32]*source),
	}
}

// Listen binds the UDP socket and returns its address.
func (s *Server) Listen() (net.Addr, error) {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("RTP listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("listening", "addr", conn.LocalAddr())
	return conn.LocalAddr(), nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve reads datagrams from a socket opened by Listen.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("RTP ingest: Serve called before Listen")
	}
	defer s.closeAll()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	idle := s.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	buf := make([]byte, maxDatagram)
	lastSweep := time.Now()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(sweepEvery))
		n, from, err := conn.ReadFrom(buf)
		if now := time.Now(); now.Sub(lastSweep) >= sweepEvery {
			s.sweep(now, idle)
			lastSweep = now
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("RTP read: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debug("bad packet", "remote", from, "error", err)
			continue
		}
		s.handlePacket(&pkt, from.String())
	}
}

func (s *Server) handlePacket(pkt *rtp.Packet, remote string) {
	ssrc := pkt.SSRC
	src, ok := s.sources[ssrc]
	if !ok {
		key := s.Key
		if key == "" {
			key = fmt.Sprintf("rtp-%08x", ssrc)
		}
		stream, err := s.registry.Register(key, ingest.ProtocolRTP)
		if err != nil {
			s.log.Debug("source rejected", "ssrc", ssrc, "stream_key", key, "error", err)
			return
		}
		stream.SetRemoteAddr(remote)
		src = newSource(key, stream)
		s.sources[ssrc] = src
		s.log.Info("publish", "stream_key", key, "ssrc", ssrc, "remote", remote)
	}
	src.lastSeen = time.Now()

	out := src.push(pkt)
	if len(out) == 0 {
		return
	}
	if _, err := src.stream.Write(out); err != nil {
		s.log.Warn("pipe write error", "stream_key", src.key, "error", err)
		s.drop(ssrc, src)
	}
}

func (s *Server) sweep(now time.Time, idle time.Duration) {
	for ssrc, src := range s.sources {
		if now.Sub(src.lastSeen) > idle {
			s.log.Info("source idle", "stream_key", src.key, "ssrc", ssrc)
			s.drop(ssrc, src)
		}
	}
}

func (s *Server) drop(ssrc uint32, src *source) {
	delete(s.sources, ssrc)
	stats := src.stream.Stats()
	s.registry.Unregister(src.key)
	s.log.Info("stream closed", "stream_key", src.key,
		"bytes", stats.BytesReceived, "gaps", src.gaps, "uptime_ms", stats.UptimeMs)
}

func (s *Server) closeAll() {
	for ssrc, src := range s.sources {
		s.drop(ssrc, src)
	}
}

// source is the depacketizer state of one SSRC. It is only touched by the
// Serve goroutine.
type source struct {
	key      string
	stream   *ingest.Stream
	depack   *codecs.H264Packet
	lastSeen time.Time

	started bool
	lastSeq uint16
	// resync skips FU-A continuation fragments after a loss until the next
	// fragment start.
	resync bool
	gaps   int64
}

func newSource(key string, stream *ingest.Stream) *source {
	return &source{key: key, stream: stream, depack: &codecs.H264Packet{}}
}

// push feeds one packet and returns any completed Annex B output.
func (s *source) push(pkt *rtp.Packet) []byte {
	if s.started && pkt.SequenceNumber != s.lastSeq+1 {
		if int16(pkt.SequenceNumber-s.lastSeq) <= 0 {
			// Duplicate or reordered late packet.
			return nil
		}
		s.gaps++
		s.depack = &codecs.H264Packet{}
		s.resync = true
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber

	payload := pkt.Payload
	if len(payload) == 0 {
		return nil
	}
	if s.resync {
		if payload[0]&naluTypeMask == naluTypeFUA && (len(payload) < 2 || payload[1]&fuStartBit == 0) {
			return nil
		}
		s.resync = false
	}

	out, err := s.depack.Unmarshal(payload)
	if err != nil {
		s.depack = &codecs.H264Packet{}
		return nil
	}
	return out
}
