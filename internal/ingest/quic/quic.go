// Package quic receives Annex B streams over QUIC. A publisher opens a
// stream, writes the stream key terminated by '\n' followed by the raw byte
// stream, and closes its write side. The server answers "OK\n" once every
// byte has been handed to the pipeline. One connection may carry several
// streams, each with its own key.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/h264feed/internal/ingest"
)

// ALPN is the application protocol negotiated by publishers.
const ALPN = "h264feed-ingest"

// MaxKeyLen bounds the stream key header.
const MaxKeyLen = 256

const readBufferSize = 64 * 1024

// Stream error codes sent to publishers with CancelRead.
const (
	errCodeBadHeader quic.StreamErrorCode = 1
	errCodeRejected  quic.StreamErrorCode = 2
)

// ErrBadHeader is returned for a missing, empty or oversized key line.
var ErrBadHeader = errors.New("quic ingest: bad stream header")

// Server accepts QUIC publishers and registers each stream with the ingest
// registry.
type Server struct {
	log      *slog.Logger
	addr     string
	tlsConf  *tls.Config
	registry *ingest.Registry

	mu sync.Mutex
	ln *quic.Listener
}

// NewServer creates a QUIC ingest server on addr. tlsConf must carry a
// certificate; ALPN is added to its NextProtos. If log is nil,
// slog.Default() is used.
func NewServer(addr string, tlsConf *tls.Config, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	conf := tlsConf.Clone()
	conf.NextProtos = []string{ALPN}
	return &Server{
		log:      log.With("component", "quic-ingest"),
		addr:     addr,
		tlsConf:  conf,
		registry: registry,
	}
}

// Listen binds the UDP socket and returns the bound address.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := quic.ListenAddr(s.addr, s.tlsConf, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("QUIC listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr())
	return ln.Addr(), nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on a listener opened by Listen.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("QUIC ingest: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		s.log.Debug("connection", "remote", conn.RemoteAddr())
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			s.log.Debug("connection closed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		go s.handleStream(ctx, conn.RemoteAddr().String(), str)
	}
}

func (s *Server) handleStream(ctx context.Context, remote string, str quic.Stream) {
	defer str.Close()

	br := bufio.NewReaderSize(str, readBufferSize)
	key, err := readKey(br)
	if err != nil {
		s.log.Warn("rejecting stream", "remote", remote, "error", err)
		str.CancelRead(errCodeBadHeader)
		return
	}

	stream, err := s.registry.Register(key, ingest.ProtocolQUIC)
	if err != nil {
		s.log.Warn("publish rejected", "stream_key", key, "error", err)
		str.CancelRead(errCodeRejected)
		return
	}
	stream.SetRemoteAddr(remote)
	s.log.Info("publish", "stream_key", key, "remote", remote)

	stop := context.AfterFunc(ctx, func() { str.CancelRead(0) })
	defer stop()

	complete := false
	buf := make([]byte, readBufferSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				s.log.Debug("pipe write error", "stream_key", key, "error", werr)
				str.CancelRead(errCodeRejected)
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				complete = true
			} else {
				s.log.Debug("read error", "stream_key", key, "error", err)
			}
			break
		}
	}
	if complete {
		if _, err := io.WriteString(str, "OK\n"); err != nil {
			s.log.Debug("ack write error", "stream_key", key, "error", err)
		}
	}

	stats := stream.Stats()
	s.registry.Unregister(key)
	s.log.Info("stream closed", "stream_key", key,
		"bytes", stats.BytesReceived, "uptime_ms", stats.UptimeMs)
}

// readKey reads the '\n'-terminated key line.
func readKey(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		if b == '\n' {
			break
		}
		if sb.Len() == MaxKeyLen {
			return "", fmt.Errorf("%w: key longer than %d bytes", ErrBadHeader, MaxKeyLen)
		}
		sb.WriteByte(b)
	}
	key := strings.TrimSpace(sb.String())
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "live/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrBadHeader)
	}
	return key, nil
}

// Publish dials addr and streams r under key until r is exhausted or ctx
// ends. tlsConf may be nil, in which case the server certificate is not
// verified.
func Publish(ctx context.Context, addr, key string, r io.Reader, tlsConf *tls.Config) (int64, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return 0, fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(0, "")

	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = str.SetDeadline(deadline)
	}
	if _, err := io.WriteString(str, key+"\n"); err != nil {
		return 0, fmt.Errorf("write key: %w", err)
	}
	n, err := io.Copy(str, r)
	if err != nil {
		str.CancelWrite(0)
		return n, fmt.Errorf("write stream: %w", err)
	}
	if err := str.Close(); err != nil {
		return n, fmt.Errorf("close stream: %w", err)
	}
	ack, err := io.ReadAll(str)
	if err != nil {
		return n, fmt.Errorf("read ack: %w", err)
	}
	if string(ack) != "OK\n" {
		return n, fmt.Errorf("unexpected ack %q", ack)
	}
	return n, nil
}
