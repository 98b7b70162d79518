// Package captions extracts CEA-608 and CEA-708 closed captions from the SEI
// units of an H.264 stream as they are handed to the decoder.
package captions

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/h264feed/internal/nal"
)

// DefaultHistory is the number of caption frames a Tap retains.
const DefaultHistory = 32

// Tap decodes captions from SEI units. Observe is cheap enough to call from
// the decode worker; decoded frames are kept in a short history and, if set,
// passed to OnCaption.
type Tap struct {
	log *slog.Logger

	// OnCaption, if set, is called synchronously for each decoded frame.
	OnCaption func(*ccx.CaptionFrame)

	mu        sync.Mutex
	dec608    map[int]*ccx.CEA608Decoder
	svc708    map[int]*ccx.CEA708Service
	dtvccBuf  []byte
	seiCount  int64
	lastCtrl  [2][2]byte
	wasCtrl   [2]bool
	ctrlAt    [2]int64
	history   []*ccx.CaptionFrame
	maxFrames int

	pairs  atomic.Int64
	frames atomic.Int64
}

// NewTap creates a Tap keeping up to history frames (DefaultHistory if
// non-positive). If log is nil, slog.Default() is used.
func NewTap(history int, log *slog.Logger) *Tap {
	if log == nil {
		log = slog.Default()
	}
	if history <= 0 {
		history = DefaultHistory
	}
	t := &Tap{
		log:       log.With("component", "captions"),
		dec608:    make(map[int]*ccx.CEA608Decoder, 4),
		svc708:    make(map[int]*ccx.CEA708Service, 6),
		maxFrames: history,
	}
	for ch := 1; ch <= 4; ch++ {
		t.dec608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		t.svc708[svc] = ccx.NewCEA708Service()
	}
	return t
}

// Observe inspects one submitted unit. Only SEI units are examined; ptsUs is
// the timestamp the unit was submitted with and is copied to any caption
// frame it completes.
func (t *Tap) Observe(u nal.Unit, ptsUs int64) {
	if u.Type() != nal.TypeSEI {
		return
	}
	cd := ccx.ExtractCaptions(u.Payload())
	if cd == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seiCount++

	for _, pair := range cd.CC608Pairs {
		t.pairs.Add(1)
		cc1, cc2 := pair.Data[0], pair.Data[1]

		f := int(pair.Field)
		if f < 0 || f > 1 {
			continue
		}
		// Control codes are transmitted twice; act on the first copy only.
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if t.wasCtrl[f] && t.lastCtrl[f] == cp && t.seiCount-t.ctrlAt[f] <= 2 {
				t.wasCtrl[f] = false
				continue
			}
			t.lastCtrl[f] = cp
			t.wasCtrl[f] = true
			t.ctrlAt[f] = t.seiCount
		} else {
			t.wasCtrl[f] = false
		}

		dec := t.dec608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: ptsUs, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			t.emit(frame)
		}
	}

	for _, tr := range cd.DTVCC {
		if tr.Start {
			t.drainDTVCC(ptsUs)
			t.dtvccBuf = t.dtvccBuf[:0]
		}
		t.dtvccBuf = append(t.dtvccBuf, tr.Data[0], tr.Data[1])
	}
}

func (t *Tap) drainDTVCC(ptsUs int64) {
	if len(t.dtvccBuf) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(t.dtvccBuf[0])
	if len(t.dtvccBuf) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(t.dtvccBuf[:size]) {
		svc := t.svc708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			// 708 services are numbered after the four 608 channels.
			frame := &ccx.CaptionFrame{PTS: ptsUs, Text: text, Channel: block.ServiceNum + 6}
			frame.Regions = svc.StyledRegions()
			t.emit(frame)
		}
	}
	t.dtvccBuf = t.dtvccBuf[size:]
}

// emit records a frame. Must hold t.mu.
func (t *Tap) emit(frame *ccx.CaptionFrame) {
	t.frames.Add(1)
	if len(t.history) == t.maxFrames {
		copy(t.history, t.history[1:])
		t.history = t.history[:len(t.history)-1]
	}
	t.history = append(t.history, frame)
	t.log.Debug("caption", "channel", frame.Channel, "pts_us", frame.PTS, "text", frame.Text)
	if t.OnCaption != nil {
		t.OnCaption(frame)
	}
}

// Recent returns the retained caption frames, oldest first.
func (t *Tap) Recent() []*ccx.CaptionFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ccx.CaptionFrame(nil), t.history...)
}

// Stats reports how many 608 byte pairs were seen and how many caption
// frames were decoded.
func (t *Tap) Stats() (pairs, frames int64) {
	return t.pairs.Load(), t.frames.Load()
}
