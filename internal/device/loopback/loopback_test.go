package loopback

import (
	"errors"
	"testing"

	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/display"
)

var (
	sps   = []byte{0, 0, 0, 1, 0x67, 0x42, 0xE0, 0x1E}
	pps   = []byte{0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80}
	idr   = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00}
	sei   = []byte{0, 0, 1, 0x06, 0x05, 0x10}
	slice = []byte{0, 0, 1, 0x41, 0x9A, 0x02}
)

func started(t *testing.T, target display.Target) *Device {
	t.Helper()
	d := New(2)
	cfg := device.Config{MIME: device.MimeAVC, Width: 640, Height: 368, SPS: sps, PPS: pps}
	if err := d.Configure(cfg, target); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d
}

func submit(t *testing.T, d *Device, data []byte, pts int64) {
	t.Helper()
	slot, ok, err := d.DequeueInput(0)
	if err != nil || !ok {
		t.Fatalf("DequeueInput = %d, %v, %v", slot, ok, err)
	}
	if err := d.QueueInput(slot, data, pts); err != nil {
		t.Fatalf("QueueInput: %v", err)
	}
}

func TestLoopbackEchoesSlicesAsFrames(t *testing.T) {
	t.Parallel()

	var got []display.Frame
	d := started(t, display.Func(func(f display.Frame) error {
		got = append(got, f)
		return nil
	}))

	submit(t, d, sei, 0)
	submit(t, d, idr, 0)
	submit(t, d, slice, 33333)

	for {
		out, err := d.DequeueOutput(0)
		if err != nil {
			t.Fatalf("DequeueOutput: %v", err)
		}
		if out.Status != device.OutputFrame {
			break
		}
		if err := d.ReleaseOutput(out.Index, true); err != nil {
			t.Fatalf("ReleaseOutput: %v", err)
		}
	}

	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0].PTS != 0 || got[1].PTS != 33333 {
		t.Errorf("PTS = %d,%d, want 0,33333", got[0].PTS, got[1].PTS)
	}
	if got[0].Width != 640 || got[0].Height != 368 {
		t.Errorf("frame size = %dx%d", got[0].Width, got[0].Height)
	}
	queued, rendered := d.Counts()
	if queued != 3 || rendered != 2 {
		t.Errorf("Counts = %d,%d, want 3,2", queued, rendered)
	}
}

func TestLoopbackRevokedTargetIsNotAFault(t *testing.T) {
	t.Parallel()

	r := display.NewRevocable(display.NewCounter(nil, 0))
	d := started(t, r)
	r.Revoke()

	submit(t, d, idr, 0)
	out, err := d.DequeueOutput(0)
	if err != nil || out.Status != device.OutputFrame {
		t.Fatalf("DequeueOutput = %+v, %v", out, err)
	}
	if err := d.ReleaseOutput(out.Index, true); err != nil {
		t.Errorf("ReleaseOutput with revoked target: %v", err)
	}
}

func TestLoopbackLifecycleErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		run  func(d *Device) error
	}{
		{"start before configure", func(d *Device) error { return d.Start() }},
		{"dequeue before start", func(d *Device) error {
			_, _, err := d.DequeueInput(0)
			return err
		}},
		{"configure without pps", func(d *Device) error {
			return d.Configure(device.Config{Width: 1, Height: 1, SPS: sps}, nil)
		}},
		{"queue unknown slot", func(d *Device) error {
			if err := d.Configure(device.Config{Width: 1, Height: 1, SPS: sps, PPS: pps}, nil); err != nil {
				return nil
			}
			if err := d.Start(); err != nil {
				return nil
			}
			return d.QueueInput(7, idr, 0)
		}},
		{"release unknown output", func(d *Device) error { return d.ReleaseOutput(3, false) }},
		{"stop after release", func(d *Device) error {
			_ = d.Release()
			return d.Stop()
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.run(New(1))
			if !errors.Is(err, device.ErrFault) {
				t.Errorf("err = %v, want ErrFault", err)
			}
		})
	}
}

func TestLoopbackSlotExhaustion(t *testing.T) {
	t.Parallel()

	d := started(t, nil)
	for i := 0; i < 2; i++ {
		if _, ok, err := d.DequeueInput(0); !ok || err != nil {
			t.Fatalf("DequeueInput %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, ok, err := d.DequeueInput(0); ok || err != nil {
		t.Errorf("DequeueInput with no free slots: ok=%v err=%v, want false,nil", ok, err)
	}
}
