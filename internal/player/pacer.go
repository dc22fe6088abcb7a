package player

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/avfeed/internal/clock"
	"github.com/zsiec/avfeed/internal/decode"
)

const (
	paceTick = 10 * time.Millisecond
	// maxLead is the furthest a frame may be ahead of the clock before it
	// is treated as a timestamp discontinuity and the clock jumps to it.
	maxLead = 2 * time.Second
)

// pacer holds each frame until the playback clock reaches its timestamp.
// A seek abandons the wait so a frame from before the seek cannot stall
// the pipeline.
type pacer struct {
	next    decode.Renderer
	clock   *clock.Clock
	seekGen *atomic.Uint64
	stopped <-chan struct{}
}

func newPacer(next decode.Renderer, c *clock.Clock, seekGen *atomic.Uint64, stopped <-chan struct{}) *pacer {
	if next == nil {
		next = decode.Discard
	}
	return &pacer{next: next, clock: c, seekGen: seekGen, stopped: stopped}
}

func (r *pacer) Render(f decode.Frame) error {
	gen := r.seekGen.Load()
	for {
		ahead := f.PTS - r.clock.Position()
		if ahead <= 0 || r.seekGen.Load() != gen {
			break
		}
		if ahead > maxLead && !r.clock.Paused() {
			r.clock.Set(f.PTS)
			break
		}
		t := time.NewTimer(min(ahead, paceTick))
		select {
		case <-r.stopped:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	return r.next.Render(f)
}
