package demux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/avfeed/internal/media"
	"github.com/zsiec/avfeed/internal/queue"
	"github.com/zsiec/avfeed/internal/taskslot"
)

// Defaults for the loop's bounded waits.
const (
	DefaultPauseWait     = 100 * time.Millisecond
	DefaultStopWait      = 500 * time.Millisecond
	DefaultRetryInterval = 10 * time.Millisecond
)

// ErrRunning is returned by Run when the loop is already running.
var ErrRunning = errors.New("demux: coordinator already running")

// Stats holds loop counters, exposed via the control API and metrics.
type Stats struct {
	PacketsRead    int64 `json:"packetsRead"`
	AudioRouted    int64 `json:"audioRouted"`
	VideoRouted    int64 `json:"videoRouted"`
	Dropped        int64 `json:"dropped"`
	ReadRetries    int64 `json:"readRetries"`
	SeeksRequested int64 `json:"seeksRequested"`
	SeeksExecuted  int64 `json:"seeksExecuted"`
	SeeksCollapsed int64 `json:"seeksCollapsed"`
	SeekErrors     int64 `json:"seekErrors"`
	Steps          int64 `json:"steps"`
	QueueEmptied   int64 `json:"queueEmptied"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. If log is nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log.With("component", "demux")
		}
	}
}

// WithClockPause sets the callback that mirrors pause transitions onto the
// playback clock. It runs synchronously at the moment of the transition.
func WithClockPause(fn func(paused bool)) Option {
	return func(c *Coordinator) {
		c.clockPause = fn
	}
}

// WithPauseWait bounds each wait of the paused loop before it rechecks state.
func WithPauseWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pauseWait = d
		}
	}
}

// WithStopWait bounds each wait for a pipeline to exit during shutdown.
func WithStopWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.stopWait = d
		}
	}
}

// WithRetryInterval sets the delay after a read that returned no data.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.retryInterval = d
		}
	}
}

// Coordinator owns the read loop and the pause, seek, step and stop state
// machine for one source and up to two pipelines.
type Coordinator struct {
	log           *slog.Logger
	src           Source
	clockPause    func(paused bool)
	pauseWait     time.Duration
	stopWait      time.Duration
	retryInterval time.Duration

	seeks taskslot.Slot
	wake  chan struct{}
	steps stepCounter

	mu         sync.Mutex
	paused     bool
	userPaused bool
	audio      Pipeline
	video      Pipeline

	running       atomic.Bool
	ending        atomic.Bool
	stopRequested atomic.Bool

	packetsRead    atomic.Int64
	audioRouted    atomic.Int64
	videoRouted    atomic.Int64
	dropped        atomic.Int64
	readRetries    atomic.Int64
	seeksRequested atomic.Int64
	seeksExecuted  atomic.Int64
	seeksCollapsed atomic.Int64
	seekErrors     atomic.Int64
	stepCount      atomic.Int64
	queueEmptied   atomic.Int64

	// stepOwed counts step frames each pipeline still has to deliver.
	// Guarded by mu.
	stepOwed map[Pipeline]int
}

// New creates a Coordinator reading from src.
func New(src Source, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:           slog.Default().With("component", "demux"),
		src:           src,
		pauseWait:     DefaultPauseWait,
		stopWait:      DefaultStopWait,
		retryInterval: DefaultRetryInterval,
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AttachAudio sets the audio pipeline. A nil p detaches. A replaced
// pipeline is stopped if running.
func (c *Coordinator) AttachAudio(p Pipeline) {
	c.attach(&c.audio, p, media.KindAudio)
}

// AttachVideo sets the video pipeline. A nil p detaches. A replaced
// pipeline is stopped if running.
func (c *Coordinator) AttachVideo(p Pipeline) {
	c.attach(&c.video, p, media.KindVideo)
}

func (c *Coordinator) attach(slot *Pipeline, p Pipeline, kind media.Kind) {
	c.mu.Lock()
	old := *slot
	if old == p {
		c.mu.Unlock()
		return
	}
	*slot = p
	c.mu.Unlock()

	if old != nil {
		old.Queue().SetEmptyListener(nil)
		if old.IsRunning() {
			old.Stop()
		}
	}
	if p != nil {
		p.Queue().SetEmptyListener(c)
	}
	c.log.Debug("pipeline attached", "kind", kind, "present", p != nil)
}

func (c *Coordinator) pipelines() (audio, video Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio, c.video
}

// attached returns the present pipelines, video first.
func (c *Coordinator) attached() []Pipeline {
	audio, video := c.pipelines()
	ps := make([]Pipeline, 0, 2)
	if video != nil {
		ps = append(ps, video)
	}
	if audio != nil {
		ps = append(ps, audio)
	}
	return ps
}

// Run executes the read loop until end of stream, Stop, loss of every
// running pipeline, or cancellation of ctx. Before returning it sends one
// end marker to each attached queue and waits for each pipeline to exit.
// Run may be called again after end of stream, but not after Stop.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.src == nil {
		return errors.New("demux: no source")
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	// Stop is terminal: a stop that arrived before Run still flushes and
	// closes the queues, and nothing is read.
	if c.stopRequested.Load() {
		c.ending.Store(true)
		c.finish()
		c.log.Debug("stopped before start")
		return nil
	}

	stop := context.AfterFunc(ctx, c.Stop)
	defer stop()

	c.ending.Store(false)

	for _, p := range c.attached() {
		q := p.Queue()
		q.Clear()
		q.Open()
		p.SetSourceEnded(false)
		if !p.IsRunning() {
			p.Start()
		}
	}
	c.Pause(false)

	c.log.Info("demux loop started",
		"audio_stream", c.src.AudioStream(),
		"video_stream", c.src.VideoStream(),
		"pipelines", len(c.attached()),
	)

	for !c.ending.Load() {
		c.seeks.RunPending()

		if c.waitWhilePaused() {
			continue
		}

		audio, video := c.pipelines()
		if !isRunning(audio) && !isRunning(video) {
			c.log.Info("no running pipelines, leaving read loop")
			break
		}

		if !c.src.Next() {
			c.readRetries.Add(1)
			c.sleep(c.retryInterval)
			continue
		}

		pkt := c.src.Packet()
		if pkt.IsEnd() {
			c.log.Info("end of stream")
			for _, p := range c.attached() {
				p.SetSourceEnded(true)
			}
			break
		}
		c.packetsRead.Add(1)
		c.route(pkt, audio, video)
	}

	c.ending.Store(true)
	c.finish()
	c.log.Info("demux loop stopped")
	return nil
}

// route pushes pkt to the matching queue, setting that queue's
// block-when-full flag from the sibling's state first. A queue only blocks
// the loop when its sibling cannot use more data: absent, stopped, already
// holding enough, or a single cover picture.
func (c *Coordinator) route(pkt media.Packet, audio, video Pipeline) {
	idx := pkt.StreamIndex
	switch {
	case idx != media.NoStream && idx == c.src.AudioStream():
		if audio == nil {
			c.dropped.Add(1)
			return
		}
		aq := audio.Queue()
		if !audio.IsRunning() {
			aq.Clear()
			c.dropped.Add(1)
			return
		}
		aq.SetBlockFull(!isRunning(video) || video.Queue().IsEnough() || c.src.HasAttachedPicture())
		if aq.Put(pkt) {
			c.audioRouted.Add(1)
		}

	case idx != media.NoStream && idx == c.src.VideoStream():
		if video == nil {
			c.dropped.Add(1)
			return
		}
		vq := video.Queue()
		if !video.IsRunning() {
			vq.Clear()
			c.dropped.Add(1)
			return
		}
		vq.SetBlockFull(!isRunning(audio) || audio.Queue().IsEnough())
		if vq.Put(pkt) {
			c.videoRouted.Add(1)
		}

	default:
		c.dropped.Add(1)
	}
}

func (c *Coordinator) finish() {
	ps := c.attached()
	for _, p := range ps {
		q := p.Queue()
		if c.stopRequested.Load() {
			q.Clear()
		}
		q.Put(media.EndPacket())
		q.Close()
	}
	for _, p := range ps {
		for p.IsRunning() {
			if !p.Wait(c.stopWait) {
				c.log.Debug("waiting for pipeline to drain")
			}
		}
	}
}

// QueueEmptied implements queue.EmptyListener. When either queue runs dry
// both queues stop blocking at capacity, so the loop cannot stay parked on
// a full sibling while this consumer starves. The next routed packet
// re-applies the policy.
func (c *Coordinator) QueueEmptied(*queue.Queue) {
	if c.ending.Load() {
		return
	}
	c.queueEmptied.Add(1)
	for _, p := range c.attached() {
		p.Queue().SetBlockFull(false)
	}
}

// Pause requests the loop to pause or resume reading. It records the
// caller's intent, which step and seek-while-paused restore afterwards.
// Pipelines and the clock are paused by the caller.
func (c *Coordinator) Pause(paused bool) {
	c.mu.Lock()
	c.userPaused = paused
	changed := c.paused != paused
	c.paused = paused
	c.mu.Unlock()

	if changed && !paused {
		c.wakeLoop()
	}
}

// pauseLoop changes the loop state without touching the caller's intent.
func (c *Coordinator) pauseLoop(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
	if !paused {
		c.wakeLoop()
	}
}

// IsPaused reports whether the loop is paused.
func (c *Coordinator) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsUserPaused reports the most recent pause intent of the caller.
func (c *Coordinator) IsUserPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userPaused
}

// IsEnded reports whether the loop has ended or is ending.
func (c *Coordinator) IsEnded() bool {
	return c.ending.Load()
}

// IsRunning reports whether Run is executing.
func (c *Coordinator) IsRunning() bool {
	return c.running.Load()
}

// SeekPending reports whether a seek is waiting for the loop.
func (c *Coordinator) SeekPending() bool {
	return c.seeks.Pending()
}

// Seek requests a reposition to pos. The source seek itself runs on the
// loop goroutine; a burst of requests collapses to the latest.
func (c *Coordinator) Seek(pos time.Duration) {
	if !c.stopRequested.Load() {
		c.ending.Store(false)
	}
	for _, p := range c.attached() {
		p.SetSourceEnded(false)
		p.Queue().Clear()
	}

	c.seeksRequested.Add(1)
	if c.seeks.Submit(func() { c.seek(pos) }) {
		c.seeksCollapsed.Add(1)
	}
	c.wakeLoop()
}

func (c *Coordinator) seek(pos time.Duration) {
	ps := c.attached()
	for _, p := range ps {
		p.SetSourceEnded(false)
		p.Queue().Clear()
	}

	log := c.log.With("pos", pos)
	if d := c.src.Duration(); d > 0 {
		log = log.With("percent", float64(pos)/float64(d)*100)
	}
	if err := c.src.Seek(pos); err != nil {
		c.seekErrors.Add(1)
		log.Warn("seek failed", "error", err)
	} else {
		log.Debug("seek")
	}
	c.seeksExecuted.Add(1)

	// Anything a blocked Put slipped in during the source seek is stale.
	for _, p := range ps {
		q := p.Queue()
		q.Clear()
		q.Put(media.EndPacket())
	}

	if !c.IsPaused() {
		return
	}

	// Show one post-seek frame on the first running pipeline, video
	// first, then restore the pause.
	var p Pipeline
	for _, cand := range ps {
		if cand.IsRunning() {
			p = cand
			break
		}
	}
	if p == nil {
		return
	}
	p.OnNextFrame(func() { c.seekFrameDelivered(p) })
	p.Pause(false)
	c.pauseLoop(false)
	c.notifyClock(false)
}

func (c *Coordinator) seekFrameDelivered(p Pipeline) {
	if !c.IsUserPaused() {
		return
	}
	c.pauseLoop(true)
	c.notifyClock(true)
	p.Pause(true)
}

// StepFrame delivers exactly one more frame on every running pipeline and
// leaves everything paused afterwards. Steps requested before the previous
// one completes add up: n calls deliver n frames per pipeline.
func (c *Coordinator) StepFrame() {
	c.Pause(true)

	var stepped []Pipeline
	for _, p := range c.attached() {
		if p.IsRunning() {
			stepped = append(stepped, p)
		}
	}
	if len(stepped) == 0 {
		c.log.Debug("step with no running pipeline")
		return
	}

	c.stepCount.Add(1)
	c.steps.add(len(stepped))

	// A pipeline with a step in flight already has a listener armed; it
	// re-arms itself while frames are owed.
	var arm []Pipeline
	c.mu.Lock()
	if c.stepOwed == nil {
		c.stepOwed = make(map[Pipeline]int)
	}
	for _, p := range stepped {
		c.stepOwed[p]++
		if c.stepOwed[p] == 1 {
			arm = append(arm, p)
		}
	}
	c.mu.Unlock()

	for _, p := range arm {
		p.OnNextFrame(func() { c.stepFrameDelivered(p) })
	}
	for _, p := range stepped {
		p.Queue().SetBlockFull(false)
		p.Pause(false)
	}
	c.notifyClock(false)
	c.pauseLoop(false)
}

func (c *Coordinator) stepFrameDelivered(p Pipeline) {
	if len(c.attached()) == 0 {
		panic("demux: step frame delivered with no pipeline attached")
	}
	// Pauses are applied under mu; StepFrame un-pauses only after it has
	// recorded its owed frames under mu.
	c.mu.Lock()
	c.stepOwed[p]--
	more := c.stepOwed[p] > 0
	if !more {
		delete(c.stepOwed, p)
		if c.userPaused {
			p.Pause(true)
		}
	}
	c.mu.Unlock()

	if more {
		p.OnNextFrame(func() { c.stepFrameDelivered(p) })
	}
	if c.steps.done() > 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.userPaused || len(c.stepOwed) > 0 {
		return
	}
	c.paused = true
	c.notifyClock(true)
	if c.audio != nil {
		c.audio.Pause(true)
	}
	if c.video != nil {
		c.video.Pause(true)
	}
}

// Stop ends the loop and shuts down every pipeline, waiting for each to
// exit. It is safe to call more than once and from any goroutine.
func (c *Coordinator) Stop() {
	c.stopRequested.Store(true)
	c.ending.Store(true)

	c.mu.Lock()
	clear(c.stepOwed)
	c.mu.Unlock()

	for _, p := range c.attached() {
		p.SetSourceEnded(true)
		q := p.Queue()
		q.Clear()
		q.SetBlockFull(false)
		q.SetBlocking(false)
		for p.IsRunning() {
			p.Stop()
			if !p.Wait(c.stopWait) {
				c.log.Debug("pipeline still stopping")
			}
		}
	}

	c.Pause(false)
	c.wakeLoop()
}

// Stats returns a snapshot of the loop counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		PacketsRead:    c.packetsRead.Load(),
		AudioRouted:    c.audioRouted.Load(),
		VideoRouted:    c.videoRouted.Load(),
		Dropped:        c.dropped.Load(),
		ReadRetries:    c.readRetries.Load(),
		SeeksRequested: c.seeksRequested.Load(),
		SeeksExecuted:  c.seeksExecuted.Load(),
		SeeksCollapsed: c.seeksCollapsed.Load(),
		SeekErrors:     c.seekErrors.Load(),
		Steps:          c.stepCount.Load(),
		QueueEmptied:   c.queueEmptied.Load(),
	}
}

func (c *Coordinator) notifyClock(paused bool) {
	if c.clockPause != nil {
		c.clockPause(paused)
	}
}

func (c *Coordinator) wakeLoop() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// waitWhilePaused blocks for at most pauseWait when paused and reports
// whether it did.
func (c *Coordinator) waitWhilePaused() bool {
	if !c.IsPaused() {
		return false
	}
	c.sleep(c.pauseWait)
	return true
}

// sleep waits for d or a wake signal, whichever comes first.
func (c *Coordinator) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.wake:
	case <-t.C:
	}
}

func isRunning(p Pipeline) bool {
	return p != nil && p.IsRunning()
}

// stepCounter counts frames still owed by an in-flight step.
type stepCounter struct {
	n atomic.Int32
}

func (s *stepCounter) add(n int) {
	s.n.Add(int32(n))
}

// done decrements the counter and returns the new value. Going below zero
// means a frame was reported that no step asked for.
func (s *stepCounter) done() int32 {
	for {
		cur := s.n.Load()
		if cur <= 0 {
			panic(fmt.Sprintf("demux: step counter decremented below zero (was %d)", cur))
		}
		if s.n.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}
