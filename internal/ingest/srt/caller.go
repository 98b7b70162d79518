package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/h264feed/internal/ingest"
)

// dialTimeout bounds how long Pull waits for the remote listener.
const dialTimeout = 10 * time.Second

// Pull errors.
var (
	ErrPullActive = errors.New("pull already active")
	ErrNoPull     = errors.New("no active pull")
)

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// Validate checks the required fields.
func (r PullRequest) Validate() error {
	if r.Address == "" {
		return errors.New("address is required")
	}
	if r.StreamKey == "" {
		return errors.New("streamKey is required")
	}
	return nil
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT sources and streams their data into the ingest
// registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote listener synchronously and, once connected, streams
// in the background until the remote closes, Stop is called or ctx ends.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	_, exists := c.pulls[req.StreamKey]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	// closeLate reaps a connection that completes after we gave up on it.
	closeLate := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		closeLate()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		closeLate()
		return ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	stream, err := c.registry.Register(req.StreamKey, ingest.ProtocolSRTPull)
	if err != nil {
		c.forget(req.StreamKey)
		cancel()
		conn.Close()
		return err
	}
	stream.SetRemoteAddr(req.Address)
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	// Closing the connection unblocks a pending Read when the pull is
	// stopped.
	go func() {
		<-pullCtx.Done()
		conn.Close()
	}()

	go func() {
		defer func() {
			cancel()
			stats := stream.Stats()
			c.registry.Unregister(req.StreamKey)
			c.forget(req.StreamKey)
			c.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		copyStream(pullCtx, conn, stream, c.log)
	}()

	return nil
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w for stream key %q", ErrNoPull, streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists running pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
