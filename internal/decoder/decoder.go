// Package decoder feeds a live H.264 Annex B stream into a device.Device.
//
// Raw chunks are split into NAL units, parameter sets are cached and used to
// configure the device exactly once per session, and all other units are
// queued and submitted in arrival order by a single worker goroutine with
// fixed-cadence timestamps. Device faults are absorbed by tearing the device
// down and building a fresh one; ingestion never stops because of them.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/display"
	"github.com/zsiec/h264feed/internal/nal"
)

// FrameStep is the presentation time step in microseconds (30 fps).
const FrameStep = 1_000_000 / 30

// PresentationTime returns the timestamp in microseconds of the i-th
// submitted unit.
func PresentationTime(i int64) int64 {
	return i * FrameStep
}

// maxIdlePolls bounds how long the worker keeps polling for outputs after the
// queue has drained. Devices may legitimately swallow units.
const maxIdlePolls = 50

// Decoder owns one device session for one stream. All methods are safe for
// concurrent use.
type Decoder struct {
	log     *slog.Logger
	opts    Options
	factory device.Factory

	mu         sync.Mutex
	splitter   *nal.Splitter
	params     paramSets
	queue      frameQueue
	dev        device.Device
	state      State
	released   bool
	target     display.Target
	width      int // negotiated at last successful configuration
	height     int
	lastWidth  int // most recent advisory dimensions from the caller
	lastHeight int
	frameIndex int64
	inFlight   int
	idlePolls  int
	stats      counters

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

type counters struct {
	chunks     int64
	bytes      int64
	units      int64
	submitted  int64
	dropped    int64
	frames     int64
	overflows  int64
	configs    int64
	recoveries int64
	lastPTS    int64
	lastErr    string
}

// New creates a Decoder and starts its worker. A device is created from
// factory right away; if that fails, creation is retried when configuration
// is first attempted.
func New(factory device.Factory, opts Options) *Decoder {
	opts = opts.withDefaults()
	d := &Decoder{
		log:      opts.Logger.With("component", "decoder"),
		opts:     opts,
		factory:  factory,
		splitter: nal.NewSplitter(opts.MaxBuffered),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	if dev, err := factory(); err != nil {
		d.log.Warn("device creation failed", "error", err)
	} else {
		d.dev = dev
	}
	go d.run()
	return d
}

// SubmitChunk appends p to the ingest buffer, routes every complete unit and
// wakes the worker. width and height are advisory dimensions used if this
// chunk completes the parameter sets; non-positive values mean unknown.
//
// Device faults are never reported here. The only errors are buffer
// overflow and submission after Release, both as *DecodeError.
func (d *Decoder) SubmitChunk(p []byte, width, height int) error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return &DecodeError{Op: "submit", Err: ErrReleased}
	}
	if len(p) == 0 {
		d.mu.Unlock()
		return nil
	}
	if width > 0 && height > 0 {
		d.lastWidth, d.lastHeight = width, height
	}
	d.stats.chunks++
	d.stats.bytes += int64(len(p))

	if err := d.splitter.Append(p); err != nil {
		d.stats.overflows++
		d.mu.Unlock()
		d.log.Warn("ingest buffer overflow, pending bytes discarded", "limit", d.opts.MaxBuffered)
		return &DecodeError{Op: "submit", Err: err}
	}
	d.splitter.Split(func(u nal.Unit) {
		d.route(u, width, height)
	})
	d.mu.Unlock()

	d.signal()
	return nil
}

// Flush treats the buffered tail as a complete unit. Call it at end of
// stream so the last unit is not lost.
func (d *Decoder) Flush() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	if u, ok := d.splitter.Flush(); ok {
		d.route(u, d.lastWidth, d.lastHeight)
	}
	d.mu.Unlock()
	d.signal()
}

// AttachTarget sets the display target; nil detaches it. If the session is
// unconfigured and both parameter sets are known, configuration is attempted
// with the last known dimensions. A running device receives the new target
// directly; failure to accept it is handled as a device fault.
func (d *Decoder) AttachTarget(t display.Target) {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.target = t
	switch d.state {
	case StateUninitialized:
		if t != nil {
			w, h := d.dimensions(0, 0)
			d.tryConfigure(w, h)
		}
	case StateRunning:
		if err := d.dev.SetTarget(t); err != nil {
			d.recoverDevice(fmt.Errorf("set target: %w", err))
		}
	}
	d.mu.Unlock()
	d.signal()
}

// Release stops the worker and tears the device down. It is idempotent; only
// the first call can return an error, and that error comes from device
// teardown. Queued units are discarded.
func (d *Decoder) Release() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	close(d.done)
	dev := d.dev
	d.dev = nil
	d.state = StateUninitialized
	d.target = nil
	d.queue.reset()
	d.splitter.Reset()
	d.mu.Unlock()

	<-d.exited

	if dev == nil {
		return nil
	}
	var errs []error
	if err := dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop device: %w", err))
	}
	if err := dev.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release device: %w", err))
	}
	d.log.Info("decoder released")
	return errors.Join(errs...)
}

// Released reports whether Release has been called.
func (d *Decoder) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// State returns the current session state.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// route dispatches one unit. Must hold d.mu.
func (d *Decoder) route(u nal.Unit, width, height int) {
	d.stats.units++
	switch u.Type() {
	case nal.TypeSPS:
		d.params.sps = u.Data
	case nal.TypePPS:
		d.params.pps = u.Data
		if d.state == StateUninitialized {
			w, h := d.dimensions(width, height)
			d.tryConfigure(w, h)
		}
	default:
		d.queue.push(u)
	}
}

// dimensions picks the configuration size: the given values if positive,
// then the last advisory values, then the last negotiated ones, then the
// configured defaults.
func (d *Decoder) dimensions(width, height int) (int, int) {
	switch {
	case width > 0 && height > 0:
		return width, height
	case d.lastWidth > 0 && d.lastHeight > 0:
		return d.lastWidth, d.lastHeight
	case d.width > 0 && d.height > 0:
		return d.width, d.height
	default:
		return d.opts.DefaultWidth, d.opts.DefaultHeight
	}
}

// tryConfigure configures and starts the device if both parameter sets are
// cached and the session is unconfigured. Must hold d.mu.
func (d *Decoder) tryConfigure(width, height int) {
	if d.released || d.state != StateUninitialized || !d.params.complete() {
		return
	}
	if d.dev == nil {
		dev, err := d.factory()
		if err != nil {
			d.stats.lastErr = err.Error()
			d.log.Error("device creation failed", "error", err)
			return
		}
		d.dev = dev
	}

	d.state = StateConfiguring
	cfg := device.Config{
		MIME:   device.MimeAVC,
		Width:  width,
		Height: height,
		SPS:    d.params.sps,
		PPS:    d.params.pps,
	}
	err := d.dev.Configure(cfg, d.target)
	if err == nil {
		err = d.dev.Start()
	}
	if err != nil {
		d.stats.lastErr = err.Error()
		d.log.Error("device configuration failed", "width", width, "height", height, "error", err)
		d.state = StateUninitialized
		d.replaceDevice()
		return
	}

	d.width, d.height = width, height
	d.state = StateRunning
	d.stats.configs++
	d.log.Info("device configured",
		"width", width, "height", height,
		"sps_len", len(cfg.SPS), "pps_len", len(cfg.PPS),
		"target", d.target != nil,
	)
}

// replaceDevice tears down the current device, ignoring errors, and creates
// a fresh one. Must hold d.mu.
func (d *Decoder) replaceDevice() {
	if d.dev != nil {
		if err := d.dev.Stop(); err != nil {
			d.log.Debug("device stop failed", "error", err)
		}
		if err := d.dev.Release(); err != nil {
			d.log.Debug("device release failed", "error", err)
		}
		d.dev = nil
	}
	dev, err := d.factory()
	if err != nil {
		d.stats.lastErr = err.Error()
		d.log.Error("device creation failed", "error", err)
		return
	}
	d.dev = dev
}

// recoverDevice handles a device fault: the device is replaced, and the session is
// reconfigured if everything it needs is at hand. Parameter sets and queued
// units survive. Must hold d.mu.
func (d *Decoder) recoverDevice(cause error) {
	d.state = StateError
	d.stats.recoveries++
	d.stats.lastErr = cause.Error()
	d.log.Warn("device fault, recovering", "error", cause, "queued", d.queue.depth())

	d.state = StateResetting
	d.inFlight = 0
	d.idlePolls = 0
	d.replaceDevice()
	d.state = StateUninitialized

	if d.params.complete() && d.target != nil {
		w, h := d.recoveryDimensions()
		d.tryConfigure(w, h)
	}
	if d.state == StateRunning {
		d.signal()
	}
}

func (d *Decoder) recoveryDimensions() (int, int) {
	if d.opts.RecoveryResolution == RecoveryFixed {
		return d.opts.FallbackWidth, d.opts.FallbackHeight
	}
	return d.dimensions(d.width, d.height)
}

func (d *Decoder) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop. It drains on every wake and polls while units are
// blocked on input slots or frames are still expected from the device.
func (d *Decoder) run() {
	defer close(d.exited)

	var retry <-chan time.Time
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		case <-retry:
		}
		retry = nil
		if d.drain() {
			retry = time.After(d.opts.PollInterval)
		}
	}
}

// drain runs unit steps until the queue is empty or blocked. It reports
// whether the worker should poll again without being woken.
func (d *Decoder) drain() bool {
	for {
		select {
		case <-d.done:
			return false
		default:
		}
		more, poll := d.step()
		if !more {
			return poll
		}
	}
}

// step submits at most one unit and drains ready outputs. The lock is held
// for the whole step so Release and ingest interleave only between units.
func (d *Decoder) step() (more, poll bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released || d.state != StateRunning {
		return false, false
	}

	u, ok := d.queue.peek()
	if !ok {
		if d.inFlight == 0 {
			return false, false
		}
		before := d.stats.frames
		if !d.drainOutput() {
			return false, false
		}
		if d.stats.frames == before {
			d.idlePolls++
			if d.idlePolls >= maxIdlePolls {
				d.inFlight = 0
			}
		}
		return false, d.inFlight > 0
	}

	slot, got, err := d.dev.DequeueInput(d.opts.InputTimeout)
	if err != nil {
		d.recoverDevice(fmt.Errorf("dequeue input: %w", err))
		return false, false
	}
	if !got {
		if !d.drainOutput() {
			return false, false
		}
		return false, true
	}

	d.queue.pop()
	pts := PresentationTime(d.frameIndex)
	if err := d.dev.QueueInput(slot, u.Data, pts); err != nil {
		d.stats.dropped++
		d.recoverDevice(fmt.Errorf("queue input: %w", err))
		return false, false
	}
	d.frameIndex++
	d.stats.submitted++
	if u.IsVCL() {
		d.inFlight++
	}
	d.idlePolls = 0
	if d.opts.OnSubmit != nil {
		d.opts.OnSubmit(u, pts)
	}

	if !d.drainOutput() {
		return false, false
	}
	return true, false
}

// drainOutput releases every ready output frame, rendering when a target is
// attached. It stops at the first try-again or format change. It returns
// false if the device faulted. Must hold d.mu.
func (d *Decoder) drainOutput() bool {
	for {
		out, err := d.dev.DequeueOutput(d.opts.OutputTimeout)
		if err != nil {
			d.recoverDevice(fmt.Errorf("dequeue output: %w", err))
			return false
		}
		switch out.Status {
		case device.OutputFrame:
			if err := d.dev.ReleaseOutput(out.Index, d.target != nil); err != nil {
				d.recoverDevice(fmt.Errorf("release output: %w", err))
				return false
			}
			d.stats.frames++
			d.stats.lastPTS = out.PTS
			if d.inFlight > 0 {
				d.inFlight--
			}
		case device.OutputFormatChanged:
			d.log.Debug("output format changed")
			return true
		default:
			return true
		}
	}
}
