package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

var errCRC = errors.New("mpegts: CRC32 mismatch")

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// sections splits a PSI payload (starting with its pointer field) into
// complete sections. complete is false while a section is still missing
// bytes.
func sections(payload []byte) (out [][]byte, complete bool) {
	if len(payload) < 1 {
		return nil, false
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return out, true // stuffing
		}
		if offset+3 > len(payload) {
			return out, false
		}
		// section_syntax_indicator is set for PAT and PMT; zero padding is not.
		if payload[offset+1]&0x80 == 0 {
			return out, true
		}
		end := offset + 3 + (int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2]))
		if end > len(payload) {
			return out, false
		}
		out = append(out, payload[offset:end])
		offset = end
	}
	return out, true
}

// parsePAT returns the PMT PIDs listed in a PAT section.
func parsePAT(section []byte) ([]uint16, error) {
	if len(section) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if crc32MPEG(section) != 0 {
		return nil, fmt.Errorf("PAT: %w", errCRC)
	}
	var pids []uint16
	for i := 8; i+4 <= len(section)-4; i += 4 {
		program := uint16(section[i])<<8 | uint16(section[i+1])
		if program == 0 {
			continue // network PID
		}
		pids = append(pids, uint16(section[i+2]&0x1F)<<8|uint16(section[i+3]))
	}
	return pids, nil
}

// parsePMT returns the PID of the first H.264 stream in a PMT section.
func parsePMT(section []byte) (pid uint16, ok bool, err error) {
	if len(section) < 16 {
		return 0, false, fmt.Errorf("mpegts: PMT too short")
	}
	if crc32MPEG(section) != 0 {
		return 0, false, fmt.Errorf("PMT: %w", errCRC)
	}
	end := len(section) - 4
	offset := 12 + (int(section[10]&0x0F)<<8 | int(section[11]))
	for offset+5 <= end {
		streamType := section[offset]
		esPID := uint16(section[offset+1]&0x1F)<<8 | uint16(section[offset+2])
		if streamType == streamTypeH264 {
			return esPID, true, nil
		}
		offset += 5 + (int(section[offset+3]&0x0F)<<8 | int(section[offset+4]))
	}
	return 0, false, nil
}
