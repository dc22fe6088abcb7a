// Package media defines the packet and stream types that flow from a
// source reader through the demux coordinator into the audio and video
// consumer pipelines.
package media

import "time"

// Queue sizes used when the caller does not configure its own. Sized to
// absorb jitter without excessive memory: ~2 seconds of video, ~2.5s of
// audio. The "enough" threshold sits at half capacity.
const (
	VideoQueueSize      = 60
	VideoQueueThreshold = 30
	AudioQueueSize      = 120
	AudioQueueThreshold = 60
)

// NoStream is the stream index reported when a source has no stream of
// the requested kind.
const NoStream = -1

// Kind classifies an elementary stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindAudio
	KindVideo
	KindSubtitle
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Packet is one demultiplexed unit of compressed data, or an end marker.
// An end marker carries no payload and tells the consumer to flush its
// decoder; when the source has also ended it means end of stream.
type Packet struct {
	StreamIndex int
	PTS         time.Duration
	DTS         time.Duration
	Duration    time.Duration
	IsKeyframe  bool
	Data        []byte
	End         bool
}

// EndPacket returns an end-of-stream / flush marker.
func EndPacket() Packet {
	return Packet{StreamIndex: NoStream, End: true}
}

// IsEnd reports whether p is an end marker.
func (p Packet) IsEnd() bool {
	return p.End
}

// Size returns the payload size in bytes.
func (p Packet) Size() int {
	return len(p.Data)
}
