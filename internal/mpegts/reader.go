package mpegts

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// Stats counts what a Reader has seen.
type Stats struct {
	Packets         int64  `json:"packets"`
	Resyncs         int64  `json:"resyncs"`
	Corrupt         int64  `json:"corrupt"`
	Discontinuities int64  `json:"discontinuities"`
	PES             int64  `json:"pes"`
	VideoPID        uint16 `json:"videoPID"`
}

// Reader yields the H.264 elementary stream of a transport stream. PES
// payload is passed through as soon as its header has been read, so the
// output is the Annex B byte stream the encoder produced. A continuity gap
// drops the rest of the current PES; the Annex B splitter resynchronizes at
// the next start code.
type Reader struct {
	src io.Reader
	buf [PacketSize]byte
	err error
	out bytes.Buffer

	pmtPIDs  map[uint16]bool
	videoPID uint16
	cc       map[uint16]uint8
	psi      map[uint16][]byte

	pesOpen    bool
	headerDone bool
	pending    []byte

	stats Stats
}

// NewReader creates a Reader over src. Close closes src if it is an
// io.Closer.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:     src,
		pmtPIDs: make(map[uint16]bool),
		cc:      make(map[uint16]uint8),
		psi:     make(map[uint16][]byte),
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if err := r.readPacket(); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			r.err = err
			continue
		}
		r.handle()
	}
	return r.out.Read(p)
}

// Close closes the underlying reader if it is an io.Closer.
func (r *Reader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Stats returns the counters. It must not race with Read.
func (r *Reader) Stats() Stats {
	s := r.stats
	s.VideoPID = r.videoPID
	return s
}

// readPacket fills buf with the next packet, skipping forward to the next
// sync byte after garbage.
func (r *Reader) readPacket() error {
	if _, err := io.ReadFull(r.src, r.buf[:]); err != nil {
		return err
	}
	for r.buf[0] != syncByte {
		r.stats.Resyncs++
		i := bytes.IndexByte(r.buf[1:], syncByte) + 1
		if i == 0 {
			i = PacketSize
		}
		n := copy(r.buf[:], r.buf[i:])
		if _, err := io.ReadFull(r.src, r.buf[n:]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) handle() {
	r.stats.Packets++
	pkt, err := parsePacket(r.buf[:])
	if err != nil {
		r.stats.Corrupt++
		return
	}
	if pkt.tei {
		r.stats.Corrupt++
		r.reset(pkt.pid)
		return
	}
	if !pkt.hasPayload {
		return
	}

	if last, ok := r.cc[pkt.pid]; ok && !pkt.discontinuity {
		if pkt.cc == last {
			return // duplicate
		}
		if pkt.cc != (last+1)&0x0F {
			r.stats.Discontinuities++
			r.reset(pkt.pid)
		}
	}
	r.cc[pkt.pid] = pkt.cc

	switch {
	case pkt.pid == pidPAT:
		r.handlePSI(pkt, r.onPAT)
	case r.pmtPIDs[pkt.pid]:
		r.handlePSI(pkt, r.onPMT)
	case r.videoPID != 0 && pkt.pid == r.videoPID:
		r.handlePES(pkt)
	}
}

// reset drops partial data buffered for pid.
func (r *Reader) reset(pid uint16) {
	delete(r.psi, pid)
	if pid == r.videoPID {
		r.pesOpen = false
	}
}

func (r *Reader) handlePSI(pkt packet, onSection func([]byte)) {
	acc, started := r.psi[pkt.pid]
	switch {
	case pkt.pusi:
		acc = append(acc[:0], pkt.payload...)
	case started:
		acc = append(acc, pkt.payload...)
	default:
		return
	}
	secs, complete := sections(acc)
	if !complete {
		r.psi[pkt.pid] = acc
		return
	}
	delete(r.psi, pkt.pid)
	for _, s := range secs {
		onSection(s)
	}
}

func (r *Reader) onPAT(section []byte) {
	if section[0] != tableIDPAT {
		return
	}
	pids, err := parsePAT(section)
	if err != nil {
		r.stats.Corrupt++
		return
	}
	clear(r.pmtPIDs)
	for _, pid := range pids {
		r.pmtPIDs[pid] = true
	}
}

func (r *Reader) onPMT(section []byte) {
	if section[0] != tableIDPMT {
		return
	}
	pid, ok, err := parsePMT(section)
	if err != nil {
		r.stats.Corrupt++
		return
	}
	if ok && pid != r.videoPID {
		r.videoPID = pid
		r.pesOpen = false
	}
}

func (r *Reader) handlePES(pkt packet) {
	switch {
	case pkt.pusi:
		r.stats.PES++
		r.pesOpen = true
		r.headerDone = false
		r.pending = append(r.pending[:0], pkt.payload...)
	case !r.pesOpen:
		return
	case r.headerDone:
		r.out.Write(pkt.payload)
		return
	default:
		r.pending = append(r.pending, pkt.payload...)
	}

	n, err := pesHeaderLen(r.pending)
	if errors.Is(err, errShortPES) {
		return
	}
	if err != nil {
		r.stats.Corrupt++
		r.pesOpen = false
		return
	}
	r.headerDone = true
	r.out.Write(r.pending[n:])
	r.pending = r.pending[:0]
}

var (
	errShortPES = errors.New("mpegts: PES header incomplete")
	errBadPES   = errors.New("mpegts: invalid PES start code")
)

// pesHeaderLen returns the size of the PES header at the start of b.
func pesHeaderLen(b []byte) (int, error) {
	if len(b) < 6 {
		return 0, errShortPES
	}
	if b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return 0, errBadPES
	}
	switch b[3] {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		// Stream IDs without the optional header.
		return 6, nil
	}
	if len(b) < 9 {
		return 0, errShortPES
	}
	n := 9 + int(b[8])
	if len(b) < n {
		return 0, errShortPES
	}
	return n, nil
}

type readCloser struct {
	io.Reader
	c io.Closer
}

func (rc readCloser) Close() error { return rc.c.Close() }

// Detect reports whether src starts with a transport stream: three sync
// bytes one packet apart. It blocks until that many bytes arrive or src
// ends. The returned reader replays the inspected bytes and keeps src's
// Close.
func Detect(src io.Reader) (io.Reader, bool) {
	br := bufio.NewReaderSize(src, 3*PacketSize)
	b, _ := br.Peek(3 * PacketSize)
	isTS := len(b) == 3*PacketSize &&
		b[0] == syncByte && b[PacketSize] == syncByte && b[2*PacketSize] == syncByte

	var out io.Reader = br
	if c, ok := src.(io.Closer); ok {
		out = readCloser{Reader: br, c: c}
	}
	return out, isTS
}
