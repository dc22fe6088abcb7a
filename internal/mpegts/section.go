package mpegts

import (
	"encoding/binary"
	"errors"
)

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

var (
	errShortSection = errors.New("mpegts: section too short")
	errSectionCRC   = errors.New("mpegts: section CRC mismatch")
)

// elementaryStream is one PMT entry.
type elementaryStream struct {
	pid        uint16
	streamType uint8
}

// crcTable is the MSB-first table for the MPEG-2 CRC-32 (poly 0x04C11DB7),
// which hash/crc32 does not provide.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc32MPEG(b []byte) uint32 {
	c := uint32(0xFFFFFFFF)
	for _, v := range b {
		c = c<<8 ^ crcTable[byte(c>>24)^v]
	}
	return c
}

// sections splits a reassembled PSI payload (starting with the pointer
// field) into complete sections. complete is false when the last section
// is still missing bytes.
func sections(payload []byte) (secs [][]byte, complete bool) {
	if len(payload) == 0 {
		return nil, false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, false
	}
	for off < len(payload) {
		// 0xFF is stuffing; a clear section_syntax_indicator is zero fill.
		if payload[off] == 0xFF {
			return secs, true
		}
		if off+3 > len(payload) {
			return secs, false
		}
		if payload[off+1]&0x80 == 0 {
			return secs, true
		}
		end := off + 3 + int(binary.BigEndian.Uint16(payload[off+1:])&0x0FFF)
		if end > len(payload) {
			return secs, false
		}
		secs = append(secs, payload[off:end])
		off = end
	}
	return secs, true
}

// checkSection verifies the length and trailing CRC of a long-form section.
func checkSection(sec []byte, minLen int) error {
	if len(sec) < minLen {
		return errShortSection
	}
	if crc32MPEG(sec) != 0 {
		return errSectionCRC
	}
	return nil
}

// parsePAT returns the PMT PIDs of every program, skipping the NIT entry.
func parsePAT(sec []byte) ([]uint16, error) {
	// 8 header bytes and the CRC.
	if err := checkSection(sec, 12); err != nil {
		return nil, err
	}
	var pids []uint16
	for e := sec[8 : len(sec)-4]; len(e) >= 4; e = e[4:] {
		if binary.BigEndian.Uint16(e) == 0 {
			continue
		}
		pids = append(pids, binary.BigEndian.Uint16(e[2:])&0x1FFF)
	}
	return pids, nil
}

// parsePMT returns the elementary streams listed in a PMT section.
func parsePMT(sec []byte) ([]elementaryStream, error) {
	// 12 header bytes and the CRC.
	if err := checkSection(sec, 16); err != nil {
		return nil, err
	}
	off := 12 + int(binary.BigEndian.Uint16(sec[10:])&0x0FFF)
	end := len(sec) - 4

	var out []elementaryStream
	for off+5 <= end {
		out = append(out, elementaryStream{
			streamType: sec[off],
			pid:        binary.BigEndian.Uint16(sec[off+1:]) & 0x1FFF,
		})
		off += 5 + int(binary.BigEndian.Uint16(sec[off+3:])&0x0FFF)
	}
	return out, nil
}
