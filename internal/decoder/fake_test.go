package decoder

import (
	"sync"
	"time"

	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/display"
	"github.com/zsiec/h264feed/internal/nal"
)

type submitted struct {
	data []byte
	pts  int64
}

// fakeDevice is a scriptable device. Every VCL unit queued produces one
// output frame.
type fakeDevice struct {
	mu sync.Mutex

	configs   []device.Config
	target    display.Target
	setTarget int
	started   bool
	queued    []submitted
	outputs   []int64
	held      map[int]int64
	next      int
	stops     int
	releases  int

	// Failure knobs.
	failConfigure bool
	failSetTarget bool
	failQueueAt   int // 1-based QueueInput call that fails; 0 never
	queueCalls    int
	noSlots       bool

	failDequeueOutputAt int // 1-based DequeueOutput call that fails; 0 never
	formatChangeAt      int // 1-based DequeueOutput call that reports a format change
	dequeueCalls        int
	failReleaseOutput   bool
}

func (f *fakeDevice) Configure(cfg device.Config, target display.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	if f.failConfigure {
		return device.Faultf("configure refused")
	}
	f.target = target
	return nil
}

func (f *fakeDevice) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeDevice) SetTarget(t display.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setTarget++
	if f.failSetTarget {
		return device.Faultf("surface rejected")
	}
	f.target = t
	return nil
}

func (f *fakeDevice) DequeueInput(time.Duration) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noSlots {
		return 0, false, nil
	}
	return 0, true, nil
}

func (f *fakeDevice) QueueInput(_ int, data []byte, pts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueCalls++
	if f.failQueueAt > 0 && f.queueCalls == f.failQueueAt {
		return device.Faultf("codec died")
	}
	f.queued = append(f.queued, submitted{data: data, pts: pts})
	u := nal.Unit{Data: data, StartCodeLen: nal.StartCodeLen(data)}
	if u.IsVCL() {
		f.outputs = append(f.outputs, pts)
	}
	return nil
}

func (f *fakeDevice) DequeueOutput(time.Duration) (device.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeueCalls++
	switch f.dequeueCalls {
	case f.failDequeueOutputAt:
		return device.Output{}, device.Faultf("output buffer lost")
	case f.formatChangeAt:
		return device.Output{Status: device.OutputFormatChanged}, nil
	}
	if len(f.outputs) == 0 {
		return device.Output{Status: device.OutputTryAgain}, nil
	}
	pts := f.outputs[0]
	f.outputs = f.outputs[1:]
	if f.held == nil {
		f.held = make(map[int]int64)
	}
	idx := f.next
	f.next++
	f.held[idx] = pts
	return device.Output{Status: device.OutputFrame, Index: idx, PTS: pts}, nil
}

func (f *fakeDevice) ReleaseOutput(index int, render bool) error {
	f.mu.Lock()
	pts := f.held[index]
	delete(f.held, index)
	target := f.target
	fail := f.failReleaseOutput
	f.mu.Unlock()
	if fail {
		return device.Faultf("release output %d", index)
	}
	if render && target != nil {
		_ = target.Present(display.Frame{PTS: pts})
	}
	return nil
}

func (f *fakeDevice) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.started = false
	return nil
}

func (f *fakeDevice) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeDevice) snapshot() (configs []device.Config, queued []submitted) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Config(nil), f.configs...), append([]submitted(nil), f.queued...)
}

func (f *fakeDevice) teardowns() (stops, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, f.releases
}

func (f *fakeDevice) set(fn func(f *fakeDevice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeFactory records every device it creates. prepare, if set, is applied
// to the n-th device (0-based) before it is handed out.
type fakeFactory struct {
	mu      sync.Mutex
	devices []*fakeDevice
	prepare func(n int, f *fakeDevice)
}

func (ff *fakeFactory) factory() device.Factory {
	return func() (device.Device, error) {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		f := &fakeDevice{}
		if ff.prepare != nil {
			ff.prepare(len(ff.devices), f)
		}
		ff.devices = append(ff.devices, f)
		return f, nil
	}
}

func (ff *fakeFactory) device(n int) *fakeDevice {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if n >= len(ff.devices) {
		return nil
	}
	return ff.devices[n]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.devices)
}
