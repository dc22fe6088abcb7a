package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
)

// tsPacket is one parsed transport stream packet. payload is a copy and
// stays valid after the read buffer is reused.
type tsPacket struct {
	pid           uint16
	cc            uint8
	start         bool // payload_unit_start_indicator
	transportErr  bool
	discontinuity bool
	hasPayload    bool
	payload       []byte
}

func parsePacket(buf []byte) (tsPacket, error) {
	var p tsPacket
	if len(buf) != packetSize {
		return p, fmt.Errorf("mpegts: packet of %d bytes", len(buf))
	}
	if buf[0] != syncByte {
		return p, fmt.Errorf("mpegts: bad sync byte 0x%02X", buf[0])
	}

	p.transportErr = buf[1]&0x80 != 0
	p.start = buf[1]&0x40 != 0
	p.pid = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	hasAdaptation := buf[3]&0x20 != 0
	p.hasPayload = buf[3]&0x10 != 0
	p.cc = buf[3] & 0x0F

	off := 4
	if hasAdaptation {
		n := int(buf[4])
		if n > 0 {
			p.discontinuity = buf[5]&0x80 != 0
		}
		off = min(off+1+n, packetSize)
	}
	if p.hasPayload && off < packetSize {
		p.payload = append([]byte(nil), buf[off:]...)
	}
	return p, nil
}
