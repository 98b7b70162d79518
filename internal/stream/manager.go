// Package stream tracks the live decode sessions, one per stream key, each
// owning a decoder and the pipeline that feeds it.
package stream

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/h264feed/internal/decoder"
	"github.com/zsiec/h264feed/internal/ingest"
	"github.com/zsiec/h264feed/internal/pipeline"
)

// Stream represents a live decode session.
type Stream struct {
	Key       string
	Protocol  ingest.Protocol
	StartedAt time.Time
	Decoder   *decoder.Decoder
	Pipeline  *pipeline.Pipeline
	done      chan struct{}
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Manager manages the lifecycle of active streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a session owning dec and p. Returns the stream and true
// if created, or nil and false if a stream with this key already exists; the
// caller still owns dec in that case.
func (m *Manager) Create(key string, proto ingest.Protocol, dec *decoder.Decoder, p *pipeline.Pipeline) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		Protocol:  proto,
		StartedAt: time.Now(),
		Decoder:   dec,
		Pipeline:  p,
		done:      make(chan struct{}),
	}

	m.streams[key] = s
	m.log.Info("stream created", "key", key, "protocol", proto)
	return s, true
}

// Get returns the stream for key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove removes a stream and releases its decoder. It reports whether the
// key was live; the error comes from device teardown.
func (m *Manager) Remove(key string) (bool, error) {
	return m.remove(key, nil)
}

// RemoveStream is Remove for a specific session: it does nothing if key has
// since been taken over by another stream.
func (m *Manager) RemoveStream(s *Stream) (bool, error) {
	return m.remove(s.Key, s)
}

func (m *Manager) remove(key string, want *Stream) (bool, error) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok && want != nil && s != want {
		ok = false
	}
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	close(s.done)
	var err error
	if s.Decoder != nil {
		err = s.Decoder.Release()
	}
	m.log.Info("stream removed", "key", key, "error", err)
	return true, err
}

// List returns all active streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// Close removes every stream.
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.List() {
		if _, err := m.Remove(s.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
