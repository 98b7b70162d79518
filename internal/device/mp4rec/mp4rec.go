// Package mp4rec implements a device that records the submitted stream as a
// fragmented MP4 file instead of decoding it. Each coded slice becomes one
// sample and is written as its own fragment when the output is released, so
// the file stays playable up to the last released frame.
package mp4rec

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/display"
	"github.com/zsiec/h264feed/internal/nal"
)

// Timescale is the track timescale (90 kHz).
const Timescale = 90000

// SampleDuration is one frame at 30 fps in Timescale units.
const SampleDuration = Timescale / 30

const (
	trackID      = 1
	defaultSlots = 8
)

type state int

const (
	stateIdle state = iota
	stateConfigured
	stateStarted
	stateReleased
)

type sample struct {
	pts  int64
	data []byte // length-prefixed
	sync bool
}

// Device writes one MP4 file per configuration.
type Device struct {
	log  *slog.Logger
	path string

	mu      sync.Mutex
	state   state
	file    *os.File
	width   int
	height  int
	target  display.Target
	free    []int
	inUse   map[int]bool
	prefix  []byte
	outputs []sample
	held    map[int]sample
	nextOut int
	seq     uint32
	written int
}

// New returns a device that records to path. The file is created by
// Configure. If log is nil, slog.Default() is used.
func New(path string, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		log:   log.With("component", "mp4rec", "path", path),
		path:  path,
		inUse: make(map[int]bool),
		held:  make(map[int]sample),
	}
}

// Factory returns a device.Factory that records into dir. Every device gets
// a fresh file named after name, the start time and a running number, so a
// recovered decoder starts a new file.
func Factory(dir, name string, log *slog.Logger) device.Factory {
	var n atomic.Int64
	stamp := time.Now().UTC().Format("20060102T150405")
	return func() (device.Device, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mp4rec: create %s: %w", dir, err)
		}
		file := fmt.Sprintf("%s-%s-%03d.mp4", name, stamp, n.Add(1))
		return New(filepath.Join(dir, file), log), nil
	}
}

func stripStartCode(b []byte) []byte {
	return b[nal.StartCodeLen(b):]
}

func (d *Device) Configure(cfg device.Config, target display.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateIdle {
		return device.Faultf("configure in state %d", d.state)
	}
	sps, pps := stripStartCode(cfg.SPS), stripStartCode(cfg.PPS)
	if len(sps) == 0 || len(pps) == 0 {
		return device.Faultf("missing parameter sets")
	}

	width, height := cfg.Width, cfg.Height
	if info, err := avc.ParseSPSNALUnit(sps, false); err == nil {
		width, height = int(info.Width), int(info.Height)
	} else {
		d.log.Warn("SPS not parsed, using configured size", "error", err)
	}
	if width <= 0 || height <= 0 {
		return device.Faultf("invalid dimensions %dx%d", width, height)
	}

	avcC, err := mp4.CreateAvcC([][]byte{sps}, [][]byte{pps}, true)
	if err != nil {
		return device.Faultf("avcC: %v", err)
	}
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(Timescale, "video", "und")
	trak := init.Moov.Trak
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateVisualSampleEntryBox("avc1", uint16(width), uint16(height), avcC))
	trak.Tkhd.Width = mp4.Fixed32(width << 16)
	trak.Tkhd.Height = mp4.Fixed32(height << 16)

	f, err := os.Create(d.path)
	if err != nil {
		return device.Faultf("create %s: %v", d.path, err)
	}
	if err := init.Encode(f); err != nil {
		f.Close()
		return device.Faultf("write init segment: %v", err)
	}

	d.file = f
	d.width, d.height = width, height
	d.target = target
	d.state = stateConfigured
	d.log.Info("recording", "width", width, "height", height)
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateConfigured {
		return device.Faultf("start in state %d", d.state)
	}
	d.free = d.free[:0]
	for i := 0; i < defaultSlots; i++ {
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

// QueueInput takes one unit. Parameter sets are already in the avcC box and
// are skipped; other non-VCL units are carried into the next slice's sample.
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

	u := nal.Unit{Data: data, StartCodeLen: nal.StartCodeLen(data)}
	switch {
	case u.IsSPS() || u.IsPPS():
	case !u.IsVCL():
		d.prefix = append(d.prefix, data...)
	default:
		stream := append(d.prefix, data...)
		d.prefix = nil
		d.outputs = append(d.outputs, sample{
			pts:  ptsUs,
			data: avc.ConvertByteStreamToNaluSample(stream),
			sync: u.IsKeyframe(),
		})
	}
	return nil
}

func (d *Device) DequeueOutput(time.Duration) (device.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateStarted {
		return device.Output{}, device.Faultf("dequeue output in state %d", d.state)
	}
	if len(d.outputs) == 0 {
		return device.Output{Status: device.OutputTryAgain}, nil
	}
	s := d.outputs[0]
	d.outputs = d.outputs[1:]
	idx := d.nextOut
	d.nextOut++
	d.held[idx] = s
	return device.Output{Status: device.OutputFrame, Index: idx, PTS: s.pts}, nil
}

// ReleaseOutput writes the sample as a fragment whether or not it is
// rendered.
func (d *Device) ReleaseOutput(index int, render bool) error {
	d.mu.Lock()
	s, ok := d.held[index]
	if !ok {
		d.mu.Unlock()
		return device.Faultf("release of unknown output %d", index)
	}
	delete(d.held, index)
	if err := d.writeSample(s); err != nil {
		d.mu.Unlock()
		return err
	}
	target := d.target
	w, h := d.width, d.height
	d.mu.Unlock()

	if render && target != nil {
		_ = target.Present(display.Frame{PTS: s.pts, Width: w, Height: h, Size: len(s.data)})
	}
	return nil
}

// writeSample must hold d.mu.
func (d *Device) writeSample(s sample) error {
	if d.file == nil {
		return device.Faultf("release without open file")
	}
	d.seq++
	frag, err := mp4.CreateFragment(d.seq, trackID)
	if err != nil {
		return device.Faultf("create fragment: %v", err)
	}
	flags := mp4.NonSyncSampleFlags
	if s.sync {
		flags = mp4.SyncSampleFlags
	}
	frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Size:  uint32(len(s.data)),
			Dur:   SampleDuration,
		},
		DecodeTime: uint64(s.pts) * Timescale / 1_000_000,
		Data:       s.data,
	})
	if err := frag.Encode(d.file); err != nil {
		return device.Faultf("write fragment: %v", err)
	}
	d.written++
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateReleased {
		return device.Faultf("stop after release")
	}
	d.outputs = nil
	d.prefix = nil
	d.held = make(map[int]sample)
	d.inUse = make(map[int]bool)
	d.state = stateIdle
	return d.closeFile()
}

func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = stateReleased
	d.target = nil
	d.outputs = nil
	return d.closeFile()
}

func (d *Device) closeFile() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.log.Info("recording closed", "samples", d.written)
	if err != nil {
		return device.Faultf("close: %v", err)
	}
	return nil
}

// Path returns the file the device records to.
func (d *Device) Path() string { return d.path }

// Written returns the number of samples written.
func (d *Device) Written() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}
