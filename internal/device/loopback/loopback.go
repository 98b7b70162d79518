// Package loopback implements an in-memory device that "decodes" every coded
// slice into an empty frame carrying the slice's timestamp. It exercises the
// full slot protocol without a codec and backs dry runs of the decode command.
package loopback

import (
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/display"
	"github.com/zsiec/h264feed/internal/nal"
)

// DefaultSlots is the number of input and output slots.
const DefaultSlots = 4

type state int

const (
	stateIdle state = iota
	stateConfigured
	stateStarted
	stateReleased
)

type pending struct {
	pts  int64
	size int
}

// Device is a loopback device. It is safe for concurrent use.
type Device struct {
	slots int

	mu      sync.Mutex
	state   state
	cfg     device.Config
	target  display.Target
	free    []int
	inUse   map[int]bool
	outputs []pending
	held    map[int]pending
	nextOut int

	queued   int
	rendered int
}

// New creates a loopback device with n slots; n <= 0 selects DefaultSlots.
func New(n int) *Device {
	if n <= 0 {
		n = DefaultSlots
	}
	return &Device{
		slots: n,
		inUse: make(map[int]bool),
		held:  make(map[int]pending),
	}
}

// Factory returns a device.Factory producing loopback devices.
func Factory(n int) device.Factory {
	return func() (device.Device, error) {
		return New(n), nil
	}
}

func (d *Device) Configure(cfg device.Config, target display.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateIdle {
		return device.Faultf("configure in state %d", d.state)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return device.Faultf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.SPS) == 0 || len(cfg.PPS) == 0 {
		return device.Faultf("missing parameter sets")
	}
	d.cfg = cfg
	d.target = target
	d.state = stateConfigured
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateConfigured {
		return device.Faultf("start in state %d", d.state)
	}
	d.free = d.free[:0]
	for i := 0; i < d.slots; i++ {
		d.free = append(d.free, i)
	}
	d.state = stateStarted
	return nil
}

func (d *Device) SetTarget(target display.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateReleased {
		return device.Faultf("set target after release")
	}
	d.target = target
	return nil
}

// DequeueInput never blocks: the loopback device frees a slot as soon as it
// is queued, so a missing slot only happens when the caller holds all of
// them.
func (d *Device) DequeueInput(time.Duration) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateStarted {
		return 0, false, device.Faultf("dequeue input in state %d", d.state)
	}
	if len(d.free) == 0 {
		return 0, false, nil
	}
	slot := d.free[0]
	d.free = d.free[1:]
	d.inUse[slot] = true
	return slot, true, nil
}

func (d *Device) QueueInput(slot int, data []byte, ptsUs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateStarted {
		return device.Faultf("queue input in state %d", d.state)
	}
	if !d.inUse[slot] {
		return device.Faultf("queue input on slot %d not dequeued", slot)
	}
	delete(d.inUse, slot)
	d.free = append(d.free, slot)
	d.queued++

	u := nal.Unit{Data: data, StartCodeLen: nal.StartCodeLen(data)}
	if u.IsVCL() {
		d.outputs = append(d.outputs, pending{pts: ptsUs, size: len(data)})
	}
	return nil
}

func (d *Device) DequeueOutput(time.Duration) (device.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateStarted {
		return device.Output{}, device.Faultf("dequeue output in state %d", d.state)
	}
	if len(d.outputs) == 0 || len(d.held) >= d.slots {
		return device.Output{Status: device.OutputTryAgain}, nil
	}
	p := d.outputs[0]
	d.outputs = d.outputs[1:]
	idx := d.nextOut
	d.nextOut++
	d.held[idx] = p
	return device.Output{Status: device.OutputFrame, Index: idx, PTS: p.pts}, nil
}

func (d *Device) ReleaseOutput(index int, render bool) error {
	d.mu.Lock()
	p, ok := d.held[index]
	if !ok {
		d.mu.Unlock()
		return device.Faultf("release of unknown output %d", index)
	}
	delete(d.held, index)
	target := d.target
	w, h := d.cfg.Width, d.cfg.Height
	d.mu.Unlock()

	if !render || target == nil {
		return nil
	}
	err := target.Present(display.Frame{PTS: p.pts, Width: w, Height: h, Size: p.size})
	if err != nil {
		// A vanished target is not a device failure.
		return nil
	}
	d.mu.Lock()
	d.rendered++
	d.mu.Unlock()
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateReleased {
		return device.Faultf("stop after release")
	}
	d.outputs = nil
	d.held = make(map[int]pending)
	d.inUse = make(map[int]bool)
	d.state = stateIdle
	return nil
}

func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = stateReleased
	d.target = nil
	d.outputs = nil
	return nil
}

// Counts returns how many inputs were queued and how many frames were
// rendered.
func (d *Device) Counts() (queued, rendered int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued, d.rendered
}

func (d *Device) String() string {
	return fmt.Sprintf("loopback(%d slots)", d.slots)
}
