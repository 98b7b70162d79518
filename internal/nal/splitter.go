package nal

import "errors"

// DefaultMaxBuffered bounds the bytes a Splitter holds while waiting for the
// start code that terminates the current unit.
const DefaultMaxBuffered = 1 << 20

// ErrBufferOverflow is returned by Append when the pending bytes would exceed
// the configured limit. The pending bytes are discarded; splitting resumes at
// the next start code in later input.
var ErrBufferOverflow = errors.New("nal: ingest buffer overflow")

// Splitter accumulates Annex B bytes and extracts complete NAL units. A unit
// is complete once the start code of the following unit has been seen, so
// the last unit of the input stays buffered until more data arrives or Flush
// is called.
//
// Splitter is not safe for concurrent use.
type Splitter struct {
	buf []byte
	// pos is the read cursor: bytes before it have been classified.
	pos int
	// scan is where the search for the terminating start code resumes. It
	// lets repeated appends to one large unit stay linear.
	scan int
	max  int

	dropped int64
}

// NewSplitter creates a Splitter holding at most maxBuffered pending bytes.
// A non-positive limit selects DefaultMaxBuffered.
func NewSplitter(maxBuffered int) *Splitter {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Splitter{max: maxBuffered}
}

// Append copies p to the tail of the buffer.
func (s *Splitter) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if len(s.buf)-s.pos+len(p) > s.max {
		s.Reset()
		return ErrBufferOverflow
	}
	s.buf = append(s.buf, p...)
	return nil
}

// Next returns the next complete unit. Units shorter than MinUnitLen are
// skipped and counted in Dropped. It returns false when no further unit can
// be resolved from the buffered bytes.
func (s *Splitter) Next() (Unit, bool) {
	for {
		start, scLen := findStartCode(s.buf, s.pos)
		if start < 0 {
			// Nothing before the last 3 bytes can begin a start code.
			if keep := len(s.buf) - 3; keep > s.pos {
				s.pos = keep
			}
			return Unit{}, false
		}
		if start != s.pos {
			s.pos = start
			s.scan = 0
		}

		from := start + scLen
		if s.scan > from {
			from = s.scan
		}
		end, _ := findStartCode(s.buf, from)
		if end < 0 {
			s.scan = len(s.buf) - 3
			if s.scan < start+scLen {
				s.scan = start + scLen
			}
			return Unit{}, false
		}

		s.pos = end
		s.scan = 0
		if end-start < MinUnitLen {
			s.dropped++
			continue
		}
		data := make([]byte, end-start)
		copy(data, s.buf[start:end])
		return Unit{Data: data, StartCodeLen: scLen}, true
	}
}

// Split passes every complete unit to fn in stream order, then compacts the
// buffer so the unresolved tail starts at offset zero.
func (s *Splitter) Split(fn func(Unit)) {
	for {
		u, ok := s.Next()
		if !ok {
			break
		}
		fn(u)
	}
	s.compact()
}

// Flush returns the buffered tail as a final unit, for use at end of stream.
// The buffer is empty afterwards.
func (s *Splitter) Flush() (Unit, bool) {
	defer s.Reset()

	start, scLen := findStartCode(s.buf, s.pos)
	if start < 0 {
		return Unit{}, false
	}
	if len(s.buf)-start < MinUnitLen {
		s.dropped++
		return Unit{}, false
	}
	data := make([]byte, len(s.buf)-start)
	copy(data, s.buf[start:])
	return Unit{Data: data, StartCodeLen: scLen}, true
}

// Buffered returns the number of bytes not yet classified into a unit.
func (s *Splitter) Buffered() int {
	return len(s.buf) - s.pos
}

// Dropped returns how many too-short units have been discarded.
func (s *Splitter) Dropped() int64 {
	return s.dropped
}

// Reset discards all buffered bytes.
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
	s.pos = 0
	s.scan = 0
}

func (s *Splitter) compact() {
	if s.pos == 0 {
		return
	}
	n := copy(s.buf, s.buf[s.pos:])
	s.buf = s.buf[:n]
	if s.scan > 0 {
		s.scan -= s.pos
		if s.scan < 0 {
			s.scan = 0
		}
	}
	s.pos = 0
}
