// Package mpegts unwraps the H.264 elementary stream carried in an MPEG
// transport stream, so TS sources (typical for SRT encoders) can feed the
// Annex B pipeline unchanged. Only what that needs is parsed: PAT, PMT and
// PES headers of the first H.264 stream.
package mpegts

import "fmt"

// PacketSize is the size of a transport stream packet.
const PacketSize = 188

const (
	syncByte = 0x47
	pidPAT   = 0x0000

	streamTypeH264 = 0x1B
)

type packet struct {
	pid           uint16
	cc            uint8
	pusi          bool
	tei           bool
	discontinuity bool
	hasPayload    bool
	// payload aliases the read buffer and is only valid until the next read.
	payload []byte
}

func parsePacket(buf []byte) (packet, error) {
	if len(buf) != PacketSize {
		return packet{}, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return packet{}, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := packet{
		tei:        buf[1]&0x80 != 0,
		pusi:       buf[1]&0x40 != 0,
		pid:        uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		hasPayload: buf[3]&0x10 != 0,
		cc:         buf[3] & 0x0F,
	}

	offset := 4
	if buf[3]&0x20 != 0 {
		afLen := int(buf[offset])
		if afLen > 0 {
			p.discontinuity = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
	}

	if p.hasPayload && offset < PacketSize {
		p.payload = buf[offset:]
	}
	return p, nil
}
