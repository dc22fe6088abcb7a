// Package decode implements the consumer side of the demux coordinator: a
// pipeline goroutine that pulls packets from its queue, turns them into
// frames with a Decoder and hands each frame to a Renderer.
package decode

import (
	"time"

	"github.com/zsiec/avfeed/internal/media"
)

// Frame is one presentable unit produced by a Decoder.
type Frame struct {
	Kind       media.Kind
	PTS        time.Duration
	Duration   time.Duration
	IsKeyframe bool
	Data       []byte
}

// Decoder turns packets into frames. Decode and Flush are only called from
// the pipeline goroutine.
type Decoder interface {
	Decode(pkt media.Packet) ([]Frame, error)
	// Flush drains frames buffered inside the decoder. It is called when
	// the pipeline sees an end marker.
	Flush() []Frame
}

// Passthrough emits one frame per packet without decoding.
type Passthrough struct {
	Kind media.Kind
}

// Decode wraps pkt in a single frame.
func (d Passthrough) Decode(pkt media.Packet) ([]Frame, error) {
	return []Frame{{
		Kind:       d.Kind,
		PTS:        pkt.PTS,
		Duration:   pkt.Duration,
		IsKeyframe: pkt.IsKeyframe,
		Data:       pkt.Data,
	}}, nil
}

// Flush is a no-op; nothing is buffered.
func (Passthrough) Flush() []Frame { return nil }

// Renderer presents frames.
type Renderer interface {
	Render(f Frame) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(f Frame) error

// Render calls fn(f).
func (fn RendererFunc) Render(f Frame) error { return fn(f) }

// Discard is a Renderer that drops every frame.
var Discard Renderer = RendererFunc(func(Frame) error { return nil })
