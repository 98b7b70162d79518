// Package ingest tracks live Annex B sources and couples each one to the
// decode pipeline through a pipe. Transport packages (srt, quic, rtp, ws)
// register a stream, write raw bytes into it, and unregister on disconnect.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol names the transport a stream arrived on.
type Protocol string

// Supported ingest transports.
const (
	ProtocolSRT     Protocol = "srt"
	ProtocolSRTPull Protocol = "srt-pull"
	ProtocolQUIC    Protocol = "quic"
	ProtocolRTP     Protocol = "rtp"
	ProtocolWS      Protocol = "ws"
	ProtocolFile    Protocol = "file"
)

// ErrDuplicateKey is returned by Register when the key is already live.
var ErrDuplicateKey = errors.New("ingest: stream key already registered")

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	Protocol      Protocol `json:"protocol"`
	BytesReceived int64    `json:"bytesReceived"`
	ReadCount     int64    `json:"readCount"`
	ConnectedAt   int64    `json:"connectedAt"`
	UptimeMs      int64    `json:"uptimeMs"`
	RemoteAddr    string   `json:"remoteAddr"`
}

// Stream is an active ingest connection. Bytes written to it by a transport
// are read by the pipeline on the other end of an internal pipe.
type Stream struct {
	Key       string
	Protocol  Protocol
	StartedAt time.Time
	pr        *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Write forwards p to the pipeline and records it. It blocks until the
// pipeline has consumed p, which back-pressures the transport.
func (s *Stream) Write(p []byte) (int, error) {
	s.RecordRead(len(p))
	return s.pw.Write(p)
}

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the ingest connection for
// diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of ingest connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Protocol:      s.Protocol,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Handler is invoked for every newly registered stream with the reading end
// of its pipe.
type Handler func(key string, input io.Reader, proto Protocol)

// Registry tracks active ingest streams by key and dispatches new streams
// to the handler for pipeline setup.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream Handler
}

// NewRegistry creates a Registry. onStream, if non-nil, is invoked in its
// own goroutine whenever a stream is registered.
func NewRegistry(onStream Handler) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream for key. A key that is already live is
// rejected with ErrDuplicateKey.
func (r *Registry) Register(key string, proto Protocol) (*Stream, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		Protocol:  proto,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr, proto)
	}
	return stream, nil
}

// Unregister removes a stream by key, closing its pipe so the pipeline sees
// EOF, and signals Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Abort fails every pending and future Write on the stream with err, so the
// transport notices and disconnects. The pipeline uses it when it stops
// consuming a stream that is still connected.
func (r *Registry) Abort(key string, err error) {
	r.mu.RLock()
	stream, ok := r.streams[key]
	r.mu.RUnlock()
	if ok {
		stream.pr.CloseWithError(err)
	}
}

// Get returns the Stream for the given key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns active streams ordered by key.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
