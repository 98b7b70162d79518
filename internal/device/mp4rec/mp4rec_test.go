package mp4rec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/display"
)

// Baseline SPS for 640x368 (40x23 macroblocks, no VUI).
var (
	testSPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xC0, 0x1E, 0xDA, 0x02, 0x80, 0xBE, 0x40}
	testPPS = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x3C, 0x80}
)

func unit(typ byte, body ...byte) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x01, typ}, body...)
}

func feed(t *testing.T, d *Device, data []byte, pts int64) {
	t.Helper()
	slot, ok, err := d.DequeueInput(0)
	if err != nil || !ok {
		t.Fatalf("DequeueInput = %d, %v, %v", slot, ok, err)
	}
	if err := d.QueueInput(slot, data, pts); err != nil {
		t.Fatalf("QueueInput: %v", err)
	}
}

func TestRecordsFragmentedMP4(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rec.mp4")
	d := New(path, nil)

	var frames []display.Frame
	target := display.Func(func(f display.Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err := d.Configure(device.Config{MIME: device.MimeAVC, Width: 1, Height: 1, SPS: testSPS, PPS: testPPS}, target); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	feed(t, d, testSPS, 0)
	feed(t, d, testPPS, 0)
	feed(t, d, unit(0x06, 0x05, 0x01, 0xFF, 0x80), 0)
	feed(t, d, unit(0x65, 0x88, 0x84, 0x21, 0xA0), 0)
	feed(t, d, unit(0x41, 0x9A, 0x02, 0x0C), 33333)

	for i := 0; i < 2; i++ {
		out, err := d.DequeueOutput(0)
		if err != nil || out.Status != device.OutputFrame {
			t.Fatalf("DequeueOutput %d = %+v, %v", i, out, err)
		}
		if err := d.ReleaseOutput(out.Index, true); err != nil {
			t.Fatalf("ReleaseOutput: %v", err)
		}
	}
	if out, _ := d.DequeueOutput(0); out.Status != device.OutputTryAgain {
		t.Fatalf("extra output %+v", out)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if len(frames) != 2 || frames[0].Width != 640 || frames[0].Height != 368 || frames[1].PTS != 33333 {
		t.Fatalf("presented frames = %+v, want two 640x368 frames", frames)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	file, err := mp4.DecodeFile(f)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if file.Init == nil || len(file.Init.Moov.Traks) != 1 {
		t.Fatal("missing init segment or video track")
	}

	var samples []mp4.FullSample
	trex := file.Init.Moov.Mvex.Trex
	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			s, err := frag.GetFullSamples(trex)
			if err != nil {
				t.Fatalf("GetFullSamples: %v", err)
			}
			samples = append(samples, s...)
		}
	}
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
	if !mp4.IsSyncSampleFlags(samples[0].Flags) {
		t.Errorf("first sample not a sync sample")
	}
	if samples[1].DecodeTime != 2999 {
		t.Errorf("second decode time = %d, want 2999", samples[1].DecodeTime)
	}
	// SEI (4+5 bytes) and IDR (4+5 bytes), length-prefixed.
	if got := len(samples[0].Data); got != 18 {
		t.Errorf("first sample %d bytes, want 18", got)
	}
}

func TestConfigureRejectsMissingParameterSets(t *testing.T) {
	t.Parallel()

	d := New(filepath.Join(t.TempDir(), "x.mp4"), nil)
	err := d.Configure(device.Config{Width: 640, Height: 368, SPS: testSPS}, nil)
	if !errors.Is(err, device.ErrFault) {
		t.Fatalf("Configure = %v, want ErrFault", err)
	}
}

func TestFactoryNamesFilesPerDevice(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "rec")
	factory := Factory(dir, "cam1", nil)
	a, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	b, _ := factory()
	pa, pb := a.(*Device).Path(), b.(*Device).Path()
	if pa == pb {
		t.Fatalf("two devices share %s", pa)
	}
	if !strings.HasPrefix(filepath.Base(pa), "cam1-") || !strings.HasSuffix(pa, "-001.mp4") {
		t.Fatalf("path = %s", pa)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}
