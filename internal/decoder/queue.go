package decoder

import "github.com/zsiec/h264feed/internal/nal"

// paramSets caches the most recent SPS and PPS. A newer set replaces the
// older one; neither is cleared by recovery.
type paramSets struct {
	sps []byte
	pps []byte
}

func (p *paramSets) complete() bool {
	return p.sps != nil && p.pps != nil
}

// frameQueue is an unbounded FIFO of units awaiting submission.
type frameQueue struct {
	units []nal.Unit
	head  int
}

func (q *frameQueue) push(u nal.Unit) {
	q.units = append(q.units, u)
}

func (q *frameQueue) peek() (nal.Unit, bool) {
	if q.head >= len(q.units) {
		return nal.Unit{}, false
	}
	return q.units[q.head], true
}

func (q *frameQueue) pop() {
	if q.head >= len(q.units) {
		return
	}
	q.units[q.head] = nal.Unit{}
	q.head++
	// Reclaim the consumed prefix once it dominates the slice.
	if q.head > 64 && q.head*2 >= len(q.units) {
		n := copy(q.units, q.units[q.head:])
		clear(q.units[n:])
		q.units = q.units[:n]
		q.head = 0
	}
}

func (q *frameQueue) depth() int {
	return len(q.units) - q.head
}

func (q *frameQueue) reset() {
	q.units = nil
	q.head = 0
}
