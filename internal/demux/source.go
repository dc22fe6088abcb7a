package demux

import (
	"time"

	"github.com/zsiec/avfeed/internal/media"
	"github.com/zsiec/avfeed/internal/queue"
)

// Source produces packets sequentially. It is only ever called from the
// coordinator's loop goroutine.
type Source interface {
	// Next advances to the next packet. False means nothing is available
	// right now, not necessarily an error.
	Next() bool
	// Packet returns the current packet. An end-of-stream marker has End set.
	Packet() media.Packet
	// Seek repositions the source to an absolute presentation time.
	Seek(pos time.Duration) error
	// Duration returns the total duration, or 0 when unknown.
	Duration() time.Duration
	// AudioStream and VideoStream return the stream index routed to each
	// pipeline, or media.NoStream.
	AudioStream() int
	VideoStream() int
	// HasAttachedPicture reports a single still image (cover art) in place
	// of real video.
	HasAttachedPicture() bool
}

// Pipeline is a consumer that pulls packets from its own queue on its own
// goroutine.
type Pipeline interface {
	Queue() *queue.Queue
	// SetSourceEnded tells the pipeline no more data will arrive, so it
	// exits after draining instead of waiting.
	SetSourceEnded(ended bool)
	Pause(paused bool)
	Start()
	Stop()
	IsRunning() bool
	// Wait blocks until the pipeline goroutine exits or timeout elapses,
	// and reports whether it exited.
	Wait(timeout time.Duration) bool
	// OnNextFrame registers fn to run once, synchronously on the pipeline
	// goroutine, right after the next frame is delivered.
	OnNextFrame(fn func())
}
