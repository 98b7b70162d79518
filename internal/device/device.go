// Package device defines the boundary between a Decoder and the opaque codec
// that turns access units into pictures. The model is a slot-based codec: the
// caller dequeues an input slot, fills it, queues it back, then dequeues
// output slots and releases them, optionally rendering to a display target.
//
// Every call is fallible. A returned error means the device is no longer
// usable and the owner must tear it down.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/h264feed/internal/display"
)

// MimeAVC is the media type for H.264 elementary streams.
const MimeAVC = "video/avc"

// ErrFault is the generic device failure. Implementations wrap it with
// context so callers can match it with errors.Is.
var ErrFault = errors.New("device: fault")

// Faultf returns an error wrapping ErrFault.
func Faultf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFault, fmt.Sprintf(format, args...))
}

// Config describes the stream a device is configured for. SPS and PPS are
// complete units including their start codes.
type Config struct {
	MIME   string
	Width  int
	Height int
	SPS    []byte
	PPS    []byte
}

// OutputStatus classifies the result of DequeueOutput.
type OutputStatus int

const (
	// OutputTryAgain means no output is ready within the timeout.
	OutputTryAgain OutputStatus = iota
	// OutputFrame means Index refers to a decoded frame that must be
	// released with ReleaseOutput.
	OutputFrame
	// OutputFormatChanged means the output format changed; the next call
	// may return frames in the new format.
	OutputFormatChanged
)

func (s OutputStatus) String() string {
	switch s {
	case OutputTryAgain:
		return "try-again"
	case OutputFrame:
		return "frame"
	case OutputFormatChanged:
		return "format-changed"
	default:
		return fmt.Sprintf("OutputStatus(%d)", int(s))
	}
}

// Output is the result of DequeueOutput.
type Output struct {
	Status OutputStatus
	Index  int
	PTS    int64 // microseconds
}

// Device is a hardware-style decoder. Implementations need not be safe for
// concurrent use; the owning Decoder serializes all calls.
type Device interface {
	// Configure prepares the device for cfg. target may be nil.
	Configure(cfg Config, target display.Target) error
	Start() error
	// SetTarget replaces the display target of a started device.
	SetTarget(target display.Target) error
	// DequeueInput waits up to timeout for a free input slot. ok is false
	// when none became free in time.
	DequeueInput(timeout time.Duration) (slot int, ok bool, err error)
	QueueInput(slot int, data []byte, ptsUs int64) error
	DequeueOutput(timeout time.Duration) (Output, error)
	// ReleaseOutput returns an output slot. With render set the frame is
	// presented on the display target, if one is attached.
	ReleaseOutput(index int, render bool) error
	Stop() error
	Release() error
}

// Factory creates a fresh, unconfigured device.
type Factory func() (Device, error)
