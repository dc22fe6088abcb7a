package mpegts

import "errors"

var errBadPES = errors.New("mpegts: malformed PES header")

// pesPacket is a reassembled PES unit. Timestamps are raw 33-bit 90 kHz
// values.
type pesPacket struct {
	streamID uint8
	pts, dts int64
	hasPTS   bool
	hasDTS   bool
	data     []byte
}

func hasStartCode(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// plainPES reports stream IDs whose PES packets carry no optional header:
// padding, private_stream_2, ECM, EMM, DSM-CC, H.222.1 type E and the
// program stream directory.
func plainPES(id uint8) bool {
	switch id {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return true
	}
	return false
}

func parsePES(b []byte) (pesPacket, error) {
	var p pesPacket
	if len(b) < 6 || !hasStartCode(b) {
		return p, errBadPES
	}
	p.streamID = b[3]
	// A zero length is allowed for video and means "until the next unit".
	end := len(b)
	if n := int(b[4])<<8 | int(b[5]); n > 0 && 6+n <= len(b) {
		end = 6 + n
	}

	if plainPES(p.streamID) {
		p.data = b[6:end]
		return p, nil
	}
	if len(b) < 9 {
		return p, errBadPES
	}

	start := min(9+int(b[8]), end)
	switch b[7] >> 6 {
	case 2:
		if len(b) >= 14 {
			p.pts, p.hasPTS = decodeTimestamp(b[9:14]), true
		}
	case 3:
		if len(b) >= 19 {
			p.pts, p.hasPTS = decodeTimestamp(b[9:14]), true
			p.dts, p.hasDTS = decodeTimestamp(b[14:19]), true
		}
	}
	p.data = b[start:end]
	return p, nil
}

// decodeTimestamp unpacks a 33-bit PTS or DTS from its 5-byte marker form.
func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
