package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/h264feed/internal/captions"
	"github.com/zsiec/h264feed/internal/decoder"
	"github.com/zsiec/h264feed/internal/device/loopback"
	"github.com/zsiec/h264feed/internal/ingest"
	"github.com/zsiec/h264feed/internal/nal"
)

type stubDecoder struct {
	mu      sync.Mutex
	chunks  [][]byte
	dims    [][2]int
	flushed int
	errs    []error
}

func (s *stubDecoder) SubmitChunk(p []byte, w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), p...))
	s.dims = append(s.dims, [2]int{w, h})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *stubDecoder) Flush() {
	s.mu.Lock()
	s.flushed++
	s.mu.Unlock()
}

func (s *stubDecoder) Stats() decoder.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decoder.Stats{Chunks: int64(len(s.chunks))}
}

func TestRunChunksAndFlushes(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xAB}, 10)
	dec := &stubDecoder{}
	p := New("cam", bytes.NewReader(data), dec, Config{ChunkSize: 4, Width: 640, Height: 368}, nil)
	p.SetProtocol(ingest.ProtocolFile)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dec.chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(dec.chunks))
	}
	if dec.dims[0] != [2]int{640, 368} {
		t.Fatalf("dims = %v, want 640x368", dec.dims[0])
	}
	if dec.flushed != 1 {
		t.Fatalf("Flush called %d times, want 1", dec.flushed)
	}

	snap := p.Snapshot()
	if snap.BytesRead != 10 || snap.ChunksRead != 3 || snap.Protocol != ingest.ProtocolFile {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Decoder.Chunks != 3 {
		t.Fatalf("decoder stats not included: %+v", snap.Decoder)
	}
	if snap.Captions != nil {
		t.Fatal("captions reported without a tap")
	}
}

func TestRunSkipsOverflow(t *testing.T) {
	t.Parallel()

	dec := &stubDecoder{errs: []error{&decoder.DecodeError{Op: "submit", Err: nal.ErrBufferOverflow}}}
	p := New("cam", bytes.NewReader(make([]byte, 8)), dec, Config{ChunkSize: 4}, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := p.Snapshot().Overflows; got != 1 {
		t.Fatalf("Overflows = %d, want 1", got)
	}
	if len(dec.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(dec.chunks))
	}
}

func TestRunStopsWhenDecoderReleased(t *testing.T) {
	t.Parallel()

	dec := &stubDecoder{errs: []error{&decoder.DecodeError{Op: "submit", Err: decoder.ErrReleased}}}
	p := New("cam", bytes.NewReader(make([]byte, 8)), dec, Config{ChunkSize: 4}, nil)
	err := p.Run(context.Background())
	if !errors.Is(err, decoder.ErrReleased) {
		t.Fatalf("Run = %v, want ErrReleased", err)
	}
	if dec.flushed != 0 {
		t.Fatal("Flush called after release")
	}
}

func TestRunCancelClosesInput(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	p := New("cam", pr, &stubDecoder{}, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked after cancel")
	}
}

func TestRunFeedsRealDecoder(t *testing.T) {
	t.Parallel()

	var stream []byte
	stream = append(stream, 0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xC0, 0x1E, 0xDA)
	stream = append(stream, 0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x3C, 0x80)
	for i := 0; i < 3; i++ {
		stream = append(stream, 0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, byte(i))
	}

	tap := captions.NewTap(0, nil)
	dec := decoder.New(loopback.Factory(0), decoder.Options{
		InputTimeout:  time.Millisecond,
		OutputTimeout: time.Millisecond,
		OnSubmit:      tap.Observe,
	})
	defer dec.Release()

	p := New("cam", bytes.NewReader(stream), dec, Config{ChunkSize: 5, Width: 640, Height: 368}, nil)
	p.SetCaptions(tap)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := p.Snapshot()
		if snap.Decoder.Submitted == 3 {
			if snap.Decoder.State != "running" || snap.Decoder.Configs != 1 {
				t.Fatalf("decoder = %+v", snap.Decoder)
			}
			if snap.Captions == nil {
				t.Fatal("caption stats missing")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("submitted = %d, want 3", snap.Decoder.Submitted)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
