// Package nal splits an H.264 Annex B byte stream into NAL units. The
// central type is [Splitter], an append-only accumulator that tolerates
// chunks ending in the middle of a unit or a start code.
package nal

import "fmt"

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	TypeSlice      = 1
	TypeIDR        = 5
	TypeSEI        = 6
	TypeSPS        = 7
	TypePPS        = 8
	TypeAUD        = 9
	TypeFillerData = 12
)

// MinUnitLen is the smallest classifiable unit, start code included.
// Anything shorter is bitstream noise and is dropped.
const MinUnitLen = 5

// Unit is a single NAL unit in Annex B framing. Data starts with the 3- or
// 4-byte start code that introduced the unit.
type Unit struct {
	Data         []byte
	StartCodeLen int
}

// Type returns the low 5 bits of the first byte after the start code.
func (u Unit) Type() byte {
	if len(u.Data) <= u.StartCodeLen {
		return 0
	}
	return u.Data[u.StartCodeLen] & 0x1F
}

// Payload returns the unit without its start code, i.e. the NAL header byte
// followed by the RBSP.
func (u Unit) Payload() []byte {
	if len(u.Data) <= u.StartCodeLen {
		return nil
	}
	return u.Data[u.StartCodeLen:]
}

// IsVCL reports whether the unit carries coded slice data (types 1-5).
func (u Unit) IsVCL() bool {
	t := u.Type()
	return t >= TypeSlice && t <= TypeIDR
}

// IsSPS reports whether the unit is a sequence parameter set.
func (u Unit) IsSPS() bool { return IsSPS(u.Type()) }

// IsPPS reports whether the unit is a picture parameter set.
func (u Unit) IsPPS() bool { return IsPPS(u.Type()) }

// IsKeyframe reports whether the unit is an IDR slice.
func (u Unit) IsKeyframe() bool { return IsKeyframe(u.Type()) }

func (u Unit) String() string {
	return fmt.Sprintf("%s(%d bytes)", TypeName(u.Type()), len(u.Data))
}

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(t byte) bool {
	return t == TypeSPS
}

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(t byte) bool {
	return t == TypePPS
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(t byte) bool {
	return t == TypeIDR
}

// TypeName returns a short human readable name for log output.
func TypeName(t byte) string {
	switch t {
	case TypeSlice:
		return "slice"
	case TypeIDR:
		return "idr"
	case TypeSEI:
		return "sei"
	case TypeSPS:
		return "sps"
	case TypePPS:
		return "pps"
	case TypeAUD:
		return "aud"
	case TypeFillerData:
		return "filler"
	default:
		return fmt.Sprintf("type%d", t)
	}
}

// findStartCode returns the offset and length of the first start code at or
// after from, or -1 if none is fully contained in data. The 4-byte form is
// preferred when both match at the same offset.
func findStartCode(data []byte, from int) (int, int) {
	n := len(data)
	for i := from; i+2 < n; i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, 3
		}
		if data[i+2] == 0 && i+3 < n && data[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}

// StartCodeLen returns 4 or 3 if data begins with the corresponding start
// code, or 0 otherwise.
func StartCodeLen(data []byte) int {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return 4
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return 3
	}
	return 0
}
