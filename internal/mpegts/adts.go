package mpegts

import (
	"errors"
	"time"
)

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("mpegts: invalid ADTS header")

// samplesPerAACFrame is the AAC-LC frame length in samples.
const samplesPerAACFrame = 1024

var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame is one ADTS frame, header included.
type AACFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback time covered by the frame.
func (f AACFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(samplesPerAACFrame * int64(time.Second) / int64(f.SampleRate))
}

// ParseADTS splits an audio PES payload into ADTS frames. Bytes before a
// sync word are skipped; a truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	for off := 0; len(data)-off >= 7; {
		if data[off] != 0xFF || data[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}

		headerSize := 7
		if data[off+1]&0x01 == 0 {
			headerSize = 9 // CRC present
		}

		rateIdx := (data[off+2] >> 2) & 0x0F
		if int(rateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := (data[off+2]&0x01)<<2 | (data[off+3]>>6)&0x03
		frameLen := int(data[off+3]&0x03)<<11 | int(data[off+4])<<3 | int(data[off+5]>>5)
		if frameLen < headerSize || off+frameLen > len(data) {
			break
		}

		frames = append(frames, AACFrame{
			Data:       data[off : off+frameLen],
			SampleRate: aacSampleRates[rateIdx],
			Channels:   int(channels),
		})
		off += frameLen
	}
	return frames, nil
}
