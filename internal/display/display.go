// Package display defines the output side of a decoder device: the Target
// that receives decoded frames. Targets are owned by the caller; a decoder
// only holds a reference and must cope with the target going away.
package display

import (
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrTargetGone is returned by Present once a target has been revoked by its
// owner. Devices treat it as "no target attached".
var ErrTargetGone = errors.New("display: target gone")

// Frame is a decoded picture handed to a Target. Image is nil for devices
// that do not produce pixels (for example the MP4 recorder).
type Frame struct {
	PTS    int64 // presentation time in microseconds
	Width  int
	Height int
	Image  *image.YCbCr
	Size   int // encoded size in bytes of the unit that produced the frame
}

// Target receives decoded frames. Present is called from the decode worker
// and must not block for long.
type Target interface {
	Present(f Frame) error
}

// Func adapts an ordinary function to a Target.
type Func func(f Frame) error

// Present calls fn(f).
func (fn Func) Present(f Frame) error {
	return fn(f)
}

// Revocable wraps a Target whose owner may withdraw it at any time, such as
// a UI surface being destroyed. After Revoke, Present returns ErrTargetGone
// without touching the wrapped target.
type Revocable struct {
	mu     sync.RWMutex
	target Target
}

// NewRevocable wraps t.
func NewRevocable(t Target) *Revocable {
	return &Revocable{target: t}
}

// Present forwards f to the wrapped target unless it has been revoked.
func (r *Revocable) Present(f Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.target == nil {
		return ErrTargetGone
	}
	return r.target.Present(f)
}

// Revoke detaches the wrapped target. It waits for an in-progress Present to
// return.
func (r *Revocable) Revoke() {
	r.mu.Lock()
	r.target = nil
	r.mu.Unlock()
}

// Revoked reports whether Revoke has been called.
func (r *Revocable) Revoked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target == nil
}

// Counter is a Target that counts frames and logs progress every Every
// frames. It backs the "log" display kind.
type Counter struct {
	log   *slog.Logger
	every int64

	frames  atomic.Int64
	lastPTS atomic.Int64
}

// NewCounter creates a Counter. If log is nil, slog.Default() is used. A
// non-positive every disables progress logging.
func NewCounter(log *slog.Logger, every int) *Counter {
	if log == nil {
		log = slog.Default()
	}
	return &Counter{
		log:   log.With("component", "display-counter"),
		every: int64(every),
	}
}

// Present records f.
func (c *Counter) Present(f Frame) error {
	n := c.frames.Add(1)
	c.lastPTS.Store(f.PTS)
	if c.every > 0 && n%c.every == 0 {
		c.log.Info("frames presented", "count", n, "pts_us", f.PTS, "width", f.Width, "height", f.Height)
	}
	return nil
}

// Frames returns the number of frames presented so far.
func (c *Counter) Frames() int64 {
	return c.frames.Load()
}

// LastPTS returns the presentation time of the most recent frame.
func (c *Counter) LastPTS() int64 {
	return c.lastPTS.Load()
}
