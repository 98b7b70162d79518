package rtp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/h264feed/internal/ingest"
)

func packet(seq uint16, payload ...byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           0xCAFE,
		},
		Payload: payload,
	}
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func TestSourceSingleAndFragmented(t *testing.T) {
	t.Parallel()

	src := newSource("k", nil)
	got := src.push(packet(1, 0x65, 0x88, 0x84, 0x21))
	want := append(append([]byte{}, startCode...), 0x65, 0x88, 0x84, 0x21)
	if !bytes.Equal(got, want) {
		t.Fatalf("single NAL = %x, want %x", got, want)
	}

	if out := src.push(packet(2, 0x7C, 0x85, 0xAA, 0xBB)); len(out) != 0 {
		t.Fatalf("FU-A start produced %x, want nothing", out)
	}
	got = src.push(packet(3, 0x7C, 0x45, 0xCC, 0xDD))
	want = append(append([]byte{}, startCode...), 0x65, 0xAA, 0xBB, 0xCC, 0xDD)
	if !bytes.Equal(got, want) {
		t.Fatalf("FU-A = %x, want %x", got, want)
	}
}

func TestSourceGapDropsPartialFragment(t *testing.T) {
	t.Parallel()

	src := newSource("k", nil)
	src.push(packet(10, 0x7C, 0x85, 0xAA))
	// Sequence 11 is lost; the end fragment must not yield a truncated unit.
	if out := src.push(packet(12, 0x7C, 0x45, 0xCC)); len(out) != 0 {
		t.Fatalf("end fragment after loss produced %x", out)
	}
	if src.gaps != 1 {
		t.Fatalf("gaps = %d, want 1", src.gaps)
	}

	got := src.push(packet(13, 0x41, 0x9A, 0x02))
	want := append(append([]byte{}, startCode...), 0x41, 0x9A, 0x02)
	if !bytes.Equal(got, want) {
		t.Fatalf("after resync = %x, want %x", got, want)
	}
}

func TestSourceIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	src := newSource("k", nil)
	src.push(packet(5, 0x65, 0x01))
	if out := src.push(packet(5, 0x65, 0x01)); len(out) != 0 {
		t.Fatalf("duplicate produced %x", out)
	}
	if src.gaps != 0 {
		t.Fatalf("gaps = %d, want 0", src.gaps)
	}
}

func TestServerDeliversAnnexB(t *testing.T) {
	t.Parallel()

	want := append(append([]byte{}, startCode...), 0x67, 0x42, 0x00, 0x1E)
	want = append(want, startCode...)
	want = append(want, 0x65, 0x88, 0x84, 0x21)

	type result struct {
		key  string
		data []byte
	}
	got := make(chan result, 1)
	registry := ingest.NewRegistry(func(key string, input io.Reader, _ ingest.Protocol) {
		b := make([]byte, len(want))
		_, _ = io.ReadFull(input, b)
		got <- result{key, b}
		_, _ = io.Copy(io.Discard, input)
	})

	srv := NewServer("127.0.0.1:0", registry, nil)
	addr, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	for i, p := range []*rtp.Packet{
		packet(100, 0x67, 0x42, 0x00, 0x1E),
		packet(101, 0x65, 0x88, 0x84, 0x21),
	} {
		b, err := p.Marshal()
		if err != nil {
			t.Fatalf("Marshal %d: %v", i, err)
		}
		if _, err := conn.Write(b); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	select {
	case r := <-got:
		if r.key != "rtp-0000cafe" {
			t.Errorf("key = %q, want rtp-0000cafe", r.key)
		}
		if !bytes.Equal(r.data, want) {
			t.Errorf("data = %x, want %x", r.data, want)
		}
	case <-ctx.Done():
		t.Fatal("no stream delivered")
	}
}
