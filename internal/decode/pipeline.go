package decode

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/zsiec/avfeed/internal/media"
	"github.com/zsiec/avfeed/internal/queue"
)

// defaultPauseWait bounds each wait of a paused pipeline before it
// rechecks its state.
const defaultPauseWait = 50 * time.Millisecond

// Stats captures per-pipeline delivery counters.
type Stats struct {
	Kind         string `json:"kind"`
	Running      bool   `json:"running"`
	Paused       bool   `json:"paused"`
	SourceEnded  bool   `json:"sourceEnded"`
	Frames       int64  `json:"frames"`
	Flushes      int64  `json:"flushes"`
	DecodeErrors int64  `json:"decodeErrors"`
	RenderErrors int64  `json:"renderErrors"`
	Panics       int64  `json:"panics"`
	LastPTS      int64  `json:"lastPtsMs"`
}

// Pipeline pulls packets from its queue on its own goroutine and delivers
// decoded frames to a Renderer. It can be paused, stopped and started
// again; each Start runs a fresh goroutine.
type Pipeline struct {
	log       *slog.Logger
	kind      media.Kind
	q         *queue.Queue
	dec       Decoder
	ren       Renderer
	pauseWait time.Duration
	wake      chan struct{}

	mu        sync.Mutex
	paused    bool
	stopReq   bool
	running   bool
	done      chan struct{}
	listeners []func()

	sourceEnded  atomic.Bool
	frames       atomic.Int64
	flushes      atomic.Int64
	decodeErrors atomic.Int64
	renderErrors atomic.Int64
	panics       atomic.Int64
	lastPTS      atomic.Int64
}

// New creates a stopped pipeline of the given kind consuming q. A nil dec
// defaults to Passthrough and a nil ren to Discard. If log is nil,
// slog.Default() is used.
func New(kind media.Kind, q *queue.Queue, dec Decoder, ren Renderer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if dec == nil {
		dec = Passthrough{Kind: kind}
	}
	if ren == nil {
		ren = Discard
	}
	return &Pipeline{
		log:       log.With("component", "decode", "kind", kind.String()),
		kind:      kind,
		q:         q,
		dec:       dec,
		ren:       ren,
		pauseWait: defaultPauseWait,
		wake:      make(chan struct{}, 1),
	}
}

// Kind returns the stream kind this pipeline consumes.
func (p *Pipeline) Kind() media.Kind { return p.kind }

// Queue returns the pipeline's input queue.
func (p *Pipeline) Queue() *queue.Queue { return p.q }

// SetSourceEnded marks whether the source has finished; an ended pipeline
// exits at the next end marker instead of waiting for more data.
func (p *Pipeline) SetSourceEnded(ended bool) {
	p.sourceEnded.Store(ended)
}

// Pause holds frame delivery. A frame already being decoded is delivered
// only after resume.
func (p *Pipeline) Pause(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	if !paused {
		p.signal()
	}
}

// IsPaused reports whether the pipeline is paused.
func (p *Pipeline) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// OnNextFrame registers fn to run once, on the pipeline goroutine, right
// after the next frame is delivered.
func (p *Pipeline) OnNextFrame(fn func()) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Start launches the pipeline goroutine. It is a no-op while running.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopReq = false
	p.done = make(chan struct{})
	go p.run(p.done)
	p.log.Debug("pipeline started")
}

// Stop asks the goroutine to exit and wakes it if it is waiting on its
// queue or paused. Use Wait to observe the exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopReq = true
	p.mu.Unlock()
	p.q.SetBlocking(false)
	p.signal()
}

// IsRunning reports whether the pipeline goroutine is alive.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until the goroutine exits or timeout elapses. It reports
// whether the pipeline is stopped.
func (p *Pipeline) Wait(timeout time.Duration) bool {
	p.mu.Lock()
	running, done := p.running, p.done
	p.mu.Unlock()
	if !running {
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	running, paused := p.running, p.paused
	p.mu.Unlock()
	return Stats{
		Kind:         p.kind.String(),
		Running:      running,
		Paused:       paused,
		SourceEnded:  p.sourceEnded.Load(),
		Frames:       p.frames.Load(),
		Flushes:      p.flushes.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		RenderErrors: p.renderErrors.Load(),
		Panics:       p.panics.Load(),
		LastPTS:      p.lastPTS.Load(),
	}
}

func (p *Pipeline) run(done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
		p.log.Debug("pipeline exited", "frames", p.frames.Load())
	}()

	for {
		if !p.hold() {
			return
		}

		pkt, ok := p.q.Take()
		if !ok {
			if p.sourceEnded.Load() || p.q.Closed() || p.stopRequested() {
				return
			}
			p.sleep(p.pauseWait)
			continue
		}

		if pkt.IsEnd() {
			if !p.flush() {
				return
			}
			if p.sourceEnded.Load() {
				return
			}
			continue
		}

		frames, ok := p.decode(pkt)
		if !ok {
			continue
		}
		for _, f := range frames {
			if !p.hold() {
				return
			}
			p.deliver(f)
		}
	}
}

func (p *Pipeline) decode(pkt media.Packet) ([]Frame, bool) {
	var (
		frames []Frame
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() { frames, err = p.dec.Decode(pkt) })
	if r := pc.Recovered(); r != nil {
		p.panics.Add(1)
		p.log.Error("decoder panic", "error", r.AsError())
		return nil, false
	}
	if err != nil {
		p.decodeErrors.Add(1)
		p.log.Debug("decode failed", "pts", pkt.PTS, "error", err)
		return nil, false
	}
	return frames, true
}

// flush drains the decoder at an end marker. It returns false if the
// pipeline was stopped while delivering.
func (p *Pipeline) flush() bool {
	p.flushes.Add(1)
	var (
		frames []Frame
		pc     panics.Catcher
	)
	pc.Try(func() { frames = p.dec.Flush() })
	if r := pc.Recovered(); r != nil {
		p.panics.Add(1)
		p.log.Error("decoder panic on flush", "error", r.AsError())
		return true
	}
	for _, f := range frames {
		if !p.hold() {
			return false
		}
		p.deliver(f)
	}
	return true
}

func (p *Pipeline) deliver(f Frame) {
	if err := p.ren.Render(f); err != nil {
		p.renderErrors.Add(1)
		p.log.Debug("render failed", "pts", f.PTS, "error", err)
	}
	p.frames.Add(1)
	p.lastPTS.Store(f.PTS.Milliseconds())

	p.mu.Lock()
	ls := p.listeners
	p.listeners = nil
	p.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

// hold waits while paused. It returns false once a stop is requested.
func (p *Pipeline) hold() bool {
	for {
		p.mu.Lock()
		stop, paused := p.stopReq, p.paused
		p.mu.Unlock()
		if stop {
			return false
		}
		if !paused {
			return true
		}
		p.sleep(p.pauseWait)
	}
}

func (p *Pipeline) stopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopReq
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.wake:
	case <-t.C:
	}
}
