// Package ffmpeg implements a device backed by an ffmpeg subprocess. Units
// are piped to ffmpeg's stdin as an H.264 elementary stream and raw yuv420p
// pictures of the configured size are read back from its stdout.
//
// ffmpeg does not carry timestamps through a raw pipe, so output pictures are
// paired with submitted coded slices in submission order.
package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/h264feed/internal/device"
	"github.com/zsiec/h264feed/internal/display"
	"github.com/zsiec/h264feed/internal/nal"
)

// ErrNotFound is returned when no ffmpeg binary can be located.
var ErrNotFound = errors.New("ffmpeg: executable not found")

const (
	defaultSlots = 8
	frameBacklog = 4
	stderrLines  = 20
	stopGrace    = 2 * time.Second
	minDimension = 2
)

// Options configures the device.
type Options struct {
	// Path to the ffmpeg binary; empty means look it up in PATH.
	Path string
	// Slots is the number of input slots.
	Slots  int
	Logger *slog.Logger
}

// Find resolves the ffmpeg binary.
func Find(path string) (string, error) {
	if path == "" {
		path = "ffmpeg"
	}
	p, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return p, nil
}

// Factory returns a device.Factory for ffmpeg devices. The binary is
// resolved once, up front.
func Factory(opts Options) (device.Factory, error) {
	path, err := Find(opts.Path)
	if err != nil {
		return nil, err
	}
	opts.Path = path
	return func() (device.Device, error) {
		return New(opts), nil
	}, nil
}

type input struct {
	slot int
	data []byte
}

type picture struct {
	img *image.YCbCr
	pts int64
}

// Device is a running or idle ffmpeg decoder.
type Device struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	width   int
	height  int
	target  display.Target
	started bool
	closed  bool

	// inputs feeds the writer goroutine; free returns slots after their
	// data reached ffmpeg.
	inputs  chan input
	free    chan int
	frames  chan *image.YCbCr
	exited  chan struct{}
	waitErr error

	ptsQueue  []int64
	announced bool
	stash     *image.YCbCr
	held      map[int]picture
	nextOut   int
	stderr    *tail
}

// New creates an unconfigured device.
func New(opts Options) *Device {
	if opts.Slots <= 0 {
		opts.Slots = defaultSlots
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		opts: opts,
		log:  log.With("component", "ffmpeg"),
		held: make(map[int]picture),
	}
}

// FrameSize returns the byte size of one yuv420p picture.
func FrameSize(w, h int) int {
	cw, ch := (w+1)/2, (h+1)/2
	return w*h + 2*cw*ch
}

func even(n int) int {
	if n < minDimension {
		return minDimension
	}
	return n &^ 1
}

func (d *Device) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "h264", "-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=%d:%d", d.width, d.height),
		"-f", "rawvideo", "-pix_fmt", "yuv420p", "pipe:1",
	}
}

// Configure spawns ffmpeg and primes it with the parameter sets.
func (d *Device) Configure(cfg device.Config, target display.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.cmd != nil {
		return device.Faultf("configure on used device")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return device.Faultf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.SPS) == 0 || len(cfg.PPS) == 0 {
		return device.Faultf("missing parameter sets")
	}
	d.width, d.height = even(cfg.Width), even(cfg.Height)
	d.target = target

	path := d.opts.Path
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.Command(path, d.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return device.Faultf("stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return device.Faultf("stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return device.Faultf("stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return device.Faultf("start %s: %v", path, err)
	}
	d.log.Info("spawned", "pid", cmd.Process.Pid, "width", d.width, "height", d.height)

	d.cmd = cmd
	d.inputs = make(chan input, d.opts.Slots)
	d.free = make(chan int, d.opts.Slots)
	d.frames = make(chan *image.YCbCr, frameBacklog)
	d.exited = make(chan struct{})
	d.stderr = newTail(stderrLines)

	// Wait must not run before the pipes are drained.
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		d.stderr.consume(stderr)
	}()
	go func() {
		defer pipes.Done()
		d.readFrames(stdout, d.width, d.height)
	}()
	go d.writeInputs(d.inputs, stdin)
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		d.mu.Lock()
		d.waitErr = err
		d.mu.Unlock()
		close(d.exited)
	}()

	prime := append(append([]byte(nil), cfg.SPS...), cfg.PPS...)
	d.inputs <- input{slot: -1, data: prime}
	return nil
}

func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil || d.started {
		return device.Faultf("start without configure")
	}
	for i := 0; i < d.opts.Slots; i++ {
		d.free <- i
	}
	d.started = true
	return nil
}

func (d *Device) SetTarget(target display.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.Faultf("set target after release")
	}
	d.target = target
	return nil
}

// fault builds an error carrying ffmpeg's recent stderr.
func (d *Device) fault(what string) error {
	d.mu.Lock()
	werr := d.waitErr
	d.mu.Unlock()
	return device.Faultf("%s: ffmpeg exited (%v): %s", what, werr, d.stderr.String())
}

func (d *Device) running() bool {
	select {
	case <-d.exited:
		return false
	default:
		return true
	}
}

func (d *Device) DequeueInput(timeout time.Duration) (int, bool, error) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return 0, false, device.Faultf("dequeue input before start")
	}
	if !d.running() {
		return 0, false, d.fault("dequeue input")
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case slot := <-d.free:
		return slot, true, nil
	case <-d.exited:
		return 0, false, d.fault("dequeue input")
	case <-t.C:
		return 0, false, nil
	}
}

func (d *Device) QueueInput(slot int, data []byte, ptsUs int64) error {
	if !d.running() {
		return d.fault("queue input")
	}
	d.mu.Lock()
	inputs := d.inputs
	if !d.started || inputs == nil {
		d.mu.Unlock()
		return device.Faultf("queue input before start")
	}
	u := nal.Unit{Data: data, StartCodeLen: nal.StartCodeLen(data)}
	if u.IsVCL() {
		d.ptsQueue = append(d.ptsQueue, ptsUs)
	}
	d.mu.Unlock()

	select {
	case inputs <- input{slot: slot, data: append([]byte(nil), data...)}:
		return nil
	case <-d.exited:
		return d.fault("queue input")
	}
}

func (d *Device) writeInputs(inputs <-chan input, stdin io.WriteCloser) {
	for in := range inputs {
		if _, err := stdin.Write(in.data); err != nil {
			d.log.Debug("stdin write failed", "error", err)
		}
		if in.slot >= 0 {
			d.free <- in.slot
		}
	}
	stdin.Close()
}

func (d *Device) readFrames(r io.Reader, w, h int) {
	defer close(d.frames)
	br := bufio.NewReaderSize(r, FrameSize(w, h))
	for {
		buf := make([]byte, FrameSize(w, h))
		if _, err := io.ReadFull(br, buf); err != nil {
			if !errors.Is(err, io.EOF) {
				d.log.Debug("stdout read ended", "error", err)
			}
			return
		}
		d.frames <- ToYCbCr(buf, w, h)
	}
}

// ToYCbCr wraps one planar yuv420p picture as an image. buf must hold
// FrameSize(w, h) bytes; it is referenced, not copied.
func ToYCbCr(buf []byte, w, h int) *image.YCbCr {
	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	return &image.YCbCr{
		Y:              buf[:ySize],
		Cb:             buf[ySize : ySize+cSize],
		Cr:             buf[ySize+cSize : ySize+2*cSize],
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}
}

// DequeueOutput reports a format change before the first picture, then
// returns pictures as ffmpeg produces them.
func (d *Device) DequeueOutput(timeout time.Duration) (device.Output, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return device.Output{}, device.Faultf("dequeue output before start")
	}
	img := d.stash
	d.stash = nil
	d.mu.Unlock()

	if img == nil {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case f, ok := <-d.frames:
			if !ok {
				// stdout is done; the exit status follows shortly.
				select {
				case <-d.exited:
					return device.Output{}, d.fault("dequeue output")
				case <-t.C:
					return device.Output{Status: device.OutputTryAgain}, nil
				}
			}
			img = f
		case <-t.C:
			return device.Output{Status: device.OutputTryAgain}, nil
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.announced {
		d.announced = true
		d.stash = img
		return device.Output{Status: device.OutputFormatChanged}, nil
	}
	var pts int64
	if len(d.ptsQueue) > 0 {
		pts = d.ptsQueue[0]
		d.ptsQueue = d.ptsQueue[1:]
	}
	idx := d.nextOut
	d.nextOut++
	d.held[idx] = picture{img: img, pts: pts}
	return device.Output{Status: device.OutputFrame, Index: idx, PTS: pts}, nil
}

func (d *Device) ReleaseOutput(index int, render bool) error {
	d.mu.Lock()
	p, ok := d.held[index]
	delete(d.held, index)
	target := d.target
	d.mu.Unlock()
	if !ok {
		return device.Faultf("release of unknown output %d", index)
	}
	if !render || target == nil {
		return nil
	}
	_ = target.Present(display.Frame{
		PTS:    p.pts,
		Width:  p.img.Rect.Dx(),
		Height: p.img.Rect.Dy(),
		Image:  p.img,
		Size:   len(p.img.Y) + len(p.img.Cb) + len(p.img.Cr),
	})
	return nil
}

// Stop closes ffmpeg's stdin and waits briefly for it to exit before
// killing it.
func (d *Device) Stop() error {
	d.mu.Lock()
	inputs := d.inputs
	cmd := d.cmd
	d.inputs = nil
	d.started = false
	d.mu.Unlock()
	if inputs == nil {
		return nil
	}

	// Keep the reader moving so ffmpeg can flush and exit.
	go func() {
		for range d.frames {
		}
	}()
	close(inputs)
	select {
	case <-d.exited:
	case <-time.After(stopGrace):
		d.log.Warn("ffmpeg did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-d.exited
	}
	d.log.Debug("stopped", "pid", cmd.Process.Pid)
	return nil
}

func (d *Device) Release() error {
	err := d.Stop()
	d.mu.Lock()
	d.closed = true
	d.target = nil
	d.held = make(map[int]picture)
	d.mu.Unlock()
	return err
}

// tail keeps the last lines written to ffmpeg's stderr.
type tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTail(max int) *tail { return &tail{max: max} }

func (t *tail) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		t.add(sc.Text())
	}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == t.max {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
}

func (t *tail) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}
