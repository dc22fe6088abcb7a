package demux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/avfeed/internal/decode"
	"github.com/zsiec/avfeed/internal/media"
	"github.com/zsiec/avfeed/internal/queue"
)

const (
	audioIdx = 0
	videoIdx = 1
)

// fakeSource replays a fixed packet list followed by an end marker, or
// generates packets forever when gen is set.
type fakeSource struct {
	mu      sync.Mutex
	pkts    []media.Packet
	gen     func(i int) media.Packet
	i       int
	cur     media.Packet
	seeks   []time.Duration
	seekErr error
	picture bool
}

func (s *fakeSource) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.gen != nil:
		s.cur = s.gen(s.i)
	case s.i >= len(s.pkts):
		s.cur = media.EndPacket()
	default:
		s.cur = s.pkts[s.i]
	}
	s.i++
	return true
}

func (s *fakeSource) Packet() media.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *fakeSource) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, pos)
	return s.seekErr
}

func (s *fakeSource) seekLog() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.seeks...)
}

func (s *fakeSource) Duration() time.Duration  { return time.Minute }
func (s *fakeSource) AudioStream() int         { return audioIdx }
func (s *fakeSource) VideoStream() int         { return videoIdx }
func (s *fakeSource) HasAttachedPicture() bool { return s.picture }

func packet(stream, seq int) media.Packet {
	return media.Packet{
		StreamIndex: stream,
		PTS:         time.Duration(seq) * 20 * time.Millisecond,
		Data:        []byte{byte(stream), byte(seq)},
	}
}

// interleaved alternates audio and video packets forever.
func interleaved(i int) media.Packet {
	return packet(i%2, i/2)
}

type sink struct {
	mu     sync.Mutex
	frames []decode.Frame
}

func (s *sink) Render(f decode.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *sink) seqs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.frames))
	for i, f := range s.frames {
		out[i] = int(f.Data[1])
	}
	return out
}

type clockLog struct {
	mu    sync.Mutex
	calls []bool
}

func (c *clockLog) pause(p bool) {
	c.mu.Lock()
	c.calls = append(c.calls, p)
	c.mu.Unlock()
}

func (c *clockLog) last() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return false, false
	}
	return c.calls[len(c.calls)-1], true
}

type harness struct {
	c            *Coordinator
	src          *fakeSource
	audio, video *decode.Pipeline
	aSink, vSink *sink
	clock        *clockLog
	runErr       chan error
}

func newHarness(t *testing.T, src *fakeSource, capacity, threshold int) *harness {
	t.Helper()
	h := &harness{
		src:    src,
		aSink:  &sink{},
		vSink:  &sink{},
		clock:  &clockLog{},
		runErr: make(chan error, 1),
	}
	h.audio = decode.New(media.KindAudio, queue.New(capacity, threshold), nil, h.aSink, nil)
	h.video = decode.New(media.KindVideo, queue.New(capacity, threshold), nil, h.vSink, nil)
	h.c = New(src,
		WithClockPause(h.clock.pause),
		WithPauseWait(5*time.Millisecond),
		WithStopWait(50*time.Millisecond),
		WithRetryInterval(time.Millisecond),
	)
	h.c.AttachAudio(h.audio)
	h.c.AttachVideo(h.video)
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.runErr <- h.c.Run(ctx) }()
}

func (h *harness) waitRun(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func (h *harness) pauseAll(paused bool) {
	h.c.Pause(paused)
	h.audio.Pause(paused)
	h.video.Pause(paused)
	h.clock.pause(paused)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoordinatorEndToEnd(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	for i := 0; i < 10; i++ {
		src.pkts = append(src.pkts, packet(audioIdx, i), packet(videoIdx, i))
	}
	h := newHarness(t, src, 4, 2)

	h.start(context.Background())
	h.waitRun(t)

	if !h.c.IsEnded() {
		t.Error("IsEnded should be true after end of stream")
	}
	if h.audio.IsRunning() || h.video.IsRunning() {
		t.Error("pipelines should have exited")
	}

	for name, s := range map[string]*sink{"audio": h.aSink, "video": h.vSink} {
		got := s.seqs()
		if len(got) != 10 {
			t.Fatalf("%s frames: got %d, want 10", name, len(got))
		}
		for i, seq := range got {
			if seq != i {
				t.Errorf("%s frame %d: got seq %d", name, i, seq)
			}
		}
	}

	st := h.c.Stats()
	if st.PacketsRead != 20 {
		t.Errorf("packets read: got %d, want 20", st.PacketsRead)
	}
	if st.AudioRouted != 10 || st.VideoRouted != 10 {
		t.Errorf("routed: got audio=%d video=%d, want 10/10", st.AudioRouted, st.VideoRouted)
	}
	for name, p := range map[string]*decode.Pipeline{"audio": h.audio, "video": h.video} {
		if got := p.Queue().Stats().EndMarkers; got != 1 {
			t.Errorf("%s end markers: got %d, want 1", name, got)
		}
	}
}

func TestCoordinatorSeekCollapsesToLatest(t *testing.T) {
	t.Parallel()
	src := &fakeSource{pkts: []media.Packet{packet(videoIdx, 0)}}
	h := newHarness(t, src, 4, 2)

	h.c.Seek(1 * time.Second)
	h.c.Seek(2 * time.Second)
	h.c.Seek(3 * time.Second)
	if !h.c.SeekPending() {
		t.Fatal("seek should be pending before Run")
	}

	h.start(context.Background())
	h.waitRun(t)

	got := src.seekLog()
	if len(got) != 1 || got[0] != 3*time.Second {
		t.Fatalf("executed seeks: got %v, want [3s]", got)
	}
	st := h.c.Stats()
	if st.SeeksRequested != 3 || st.SeeksCollapsed != 2 || st.SeeksExecuted != 1 {
		t.Errorf("seek stats: got %+v", st)
	}
}

func TestCoordinatorSeekErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		pkts:    []media.Packet{packet(videoIdx, 0), packet(audioIdx, 0)},
		seekErr: errors.New("not seekable"),
	}
	h := newHarness(t, src, 4, 2)
	h.c.Seek(time.Second)

	h.start(context.Background())
	h.waitRun(t)

	if got := h.c.Stats().SeekErrors; got != 1 {
		t.Errorf("seek errors: got %d, want 1", got)
	}
	if h.vSink.count() != 1 || h.aSink.count() != 1 {
		t.Errorf("frames after failed seek: got audio=%d video=%d, want 1/1", h.aSink.count(), h.vSink.count())
	}
}

func TestCoordinatorStepDeliversOneFramePerPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeSource{gen: interleaved}, 8, 4)
	h.start(context.Background())

	waitFor(t, "initial frames", func() bool { return h.aSink.count() > 2 && h.vSink.count() > 2 })
	h.pauseAll(true)
	time.Sleep(30 * time.Millisecond)
	a0, v0 := h.aSink.count(), h.vSink.count()

	h.c.StepFrame()
	waitFor(t, "stepped frames", func() bool {
		return h.aSink.count() == a0+1 && h.vSink.count() == v0+1 && h.c.IsPaused()
	})

	time.Sleep(30 * time.Millisecond)
	if a, v := h.aSink.count(), h.vSink.count(); a != a0+1 || v != v0+1 {
		t.Errorf("frames after step: got audio=+%d video=+%d, want +1/+1", a-a0, v-v0)
	}
	if !h.c.IsUserPaused() {
		t.Error("user pause intent should still be set after step")
	}
	if !h.audio.IsPaused() || !h.video.IsPaused() {
		t.Error("pipelines should be paused after step")
	}
	if last, ok := h.clock.last(); !ok || !last {
		t.Errorf("clock: last notification got %v (seen=%v), want paused", last, ok)
	}
	if got := h.c.Stats().Steps; got != 1 {
		t.Errorf("steps: got %d, want 1", got)
	}

	h.c.Stop()
	h.waitRun(t)
}

func TestCoordinatorStepsQueueOneFrameEach(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeSource{gen: interleaved}, 8, 4)
	h.start(context.Background())

	waitFor(t, "initial frames", func() bool { return h.aSink.count() > 2 && h.vSink.count() > 2 })
	h.pauseAll(true)
	time.Sleep(30 * time.Millisecond)
	a0, v0 := h.aSink.count(), h.vSink.count()

	h.c.StepFrame()
	h.c.StepFrame()
	waitFor(t, "stepped frames", func() bool {
		return h.aSink.count() == a0+2 && h.vSink.count() == v0+2 && h.c.IsPaused()
	})

	time.Sleep(30 * time.Millisecond)
	if a, v := h.aSink.count(), h.vSink.count(); a != a0+2 || v != v0+2 {
		t.Errorf("frames after two steps: got audio=+%d video=+%d, want +2/+2", a-a0, v-v0)
	}
	if !h.c.IsPaused() || !h.audio.IsPaused() || !h.video.IsPaused() {
		t.Error("coordinator and pipelines should be paused after the steps")
	}
	if got := h.c.Stats().Steps; got != 2 {
		t.Errorf("steps: got %d, want 2", got)
	}

	h.c.Stop()
	h.waitRun(t)
}

func TestCoordinatorSeekWhilePausedShowsOneFrame(t *testing.T) {
	t.Parallel()
	src := &fakeSource{gen: interleaved}
	h := newHarness(t, src, 8, 4)
	h.start(context.Background())

	waitFor(t, "initial frames", func() bool { return h.vSink.count() > 2 })
	h.pauseAll(true)
	time.Sleep(30 * time.Millisecond)
	a0, v0 := h.aSink.count(), h.vSink.count()

	h.c.Seek(5 * time.Second)
	waitFor(t, "post-seek frame", func() bool {
		return h.vSink.count() == v0+1 && h.c.IsPaused() && !h.c.SeekPending()
	})

	time.Sleep(30 * time.Millisecond)
	if v := h.vSink.count(); v != v0+1 {
		t.Errorf("video frames after seek: got +%d, want +1", v-v0)
	}
	if a := h.aSink.count(); a != a0 {
		t.Errorf("audio frames after seek: got +%d, want 0", a-a0)
	}
	if !h.video.IsPaused() {
		t.Error("video pipeline should be paused again")
	}
	if got := src.seekLog(); len(got) != 1 || got[0] != 5*time.Second {
		t.Errorf("seeks: got %v, want [5s]", got)
	}
	if last, _ := h.clock.last(); !last {
		t.Error("clock should be paused again")
	}

	h.c.Stop()
	h.waitRun(t)
}

func TestCoordinatorSeekWhilePausedSkipsStoppedPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeSource{gen: interleaved}, 8, 4)
	h.start(context.Background())

	waitFor(t, "initial frames", func() bool { return h.aSink.count() > 2 })
	h.video.Stop()
	if !h.video.Wait(5 * time.Second) {
		t.Fatal("video pipeline did not stop")
	}
	h.pauseAll(true)
	time.Sleep(30 * time.Millisecond)
	a0, v0 := h.aSink.count(), h.vSink.count()

	h.c.Seek(5 * time.Second)
	waitFor(t, "post-seek audio frame", func() bool {
		return h.aSink.count() == a0+1 && h.c.IsPaused() && !h.c.SeekPending()
	})

	time.Sleep(30 * time.Millisecond)
	if a := h.aSink.count(); a != a0+1 {
		t.Errorf("audio frames after seek: got +%d, want +1", a-a0)
	}
	if v := h.vSink.count(); v != v0 {
		t.Errorf("video frames after seek: got +%d, want 0", v-v0)
	}
	if !h.c.IsPaused() || !h.audio.IsPaused() {
		t.Error("coordinator and audio pipeline should be paused again")
	}

	h.c.Stop()
	h.waitRun(t)
}

func TestCoordinatorNoStarvationUnderAsymmetricRates(t *testing.T) {
	t.Parallel()
	// One audio packet for every 20 video packets, with the video consumer
	// stalled so its queue stays full.
	src := &fakeSource{gen: func(i int) media.Packet {
		if i%21 == 20 {
			return packet(audioIdx, i/21)
		}
		return packet(videoIdx, i)
	}}
	h := newHarness(t, src, 8, 4)
	h.video.Pause(true)
	h.start(context.Background())

	waitFor(t, "audio frames while video is full", func() bool { return h.aSink.count() >= 5 })
	if h.video.Queue().Len() < h.video.Queue().Cap() {
		t.Errorf("video queue: got len %d, want at least cap %d", h.video.Queue().Len(), h.video.Queue().Cap())
	}

	h.c.Stop()
	h.waitRun(t)
}

func TestCoordinatorStopTerminatesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeSource{gen: interleaved}, 4, 2)
	h.start(context.Background())

	waitFor(t, "frames", func() bool { return h.vSink.count() > 0 })
	h.pauseAll(true)

	done := make(chan struct{})
	go func() {
		h.c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	h.waitRun(t)

	h.c.Stop()
	if !h.c.IsEnded() {
		t.Error("IsEnded should be true after Stop")
	}
	for name, p := range map[string]*decode.Pipeline{"audio": h.audio, "video": h.video} {
		if p.IsRunning() {
			t.Errorf("%s pipeline still running", name)
		}
		q := p.Queue()
		if got := q.Stats().EndMarkers; got != 1 {
			t.Errorf("%s end markers: got %d, want 1", name, got)
		}
		if q.Put(packet(0, 0)) {
			t.Errorf("%s queue accepted a packet after Stop", name)
		}
	}
}

func TestCoordinatorStopBeforeRunIsTerminal(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	for i := 0; i < 10; i++ {
		src.pkts = append(src.pkts, packet(audioIdx, i), packet(videoIdx, i))
	}
	h := newHarness(t, src, 4, 2)

	h.c.Stop()
	h.start(context.Background())
	h.waitRun(t)

	if !h.c.IsEnded() {
		t.Error("IsEnded should be true")
	}
	if got := h.c.Stats().PacketsRead; got != 0 {
		t.Errorf("packets read: got %d, want 0", got)
	}
	for name, p := range map[string]*decode.Pipeline{"audio": h.audio, "video": h.video} {
		if p.IsRunning() {
			t.Errorf("%s pipeline should not be running", name)
		}
		q := p.Queue()
		if got := q.Stats().EndMarkers; got != 1 {
			t.Errorf("%s end markers: got %d, want 1", name, got)
		}
		if q.Put(packet(0, 0)) {
			t.Errorf("%s queue accepted a packet after Stop", name)
		}
	}
	if a, v := h.aSink.count(), h.vSink.count(); a != 0 || v != 0 {
		t.Errorf("frames: got audio=%d video=%d, want 0/0", a, v)
	}
}

func TestCoordinatorStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeSource{gen: interleaved}, 4, 2)
	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)

	waitFor(t, "frames", func() bool { return h.aSink.count() > 0 })
	cancel()
	h.waitRun(t)

	if h.audio.IsRunning() || h.video.IsRunning() {
		t.Error("pipelines should be stopped after cancel")
	}
}

func TestCoordinatorRunTwiceFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeSource{gen: interleaved}, 4, 2)
	h.start(context.Background())
	waitFor(t, "running", h.c.IsRunning)

	if err := h.c.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run: got %v, want ErrRunning", err)
	}

	h.c.Stop()
	h.waitRun(t)
}

func TestCoordinatorDropsUnroutedPackets(t *testing.T) {
	t.Parallel()
	src := &fakeSource{pkts: []media.Packet{
		packet(audioIdx, 0),
		packet(videoIdx, 0),
		packet(7, 0), // subtitle
		packet(audioIdx, 1),
		packet(videoIdx, 1),
	}}
	vSink := &sink{}
	video := decode.New(media.KindVideo, queue.New(4, 2), nil, vSink, nil)
	c := New(src, WithPauseWait(5*time.Millisecond), WithStopWait(50*time.Millisecond))
	c.AttachVideo(video)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if vSink.count() != 2 {
		t.Errorf("video frames: got %d, want 2", vSink.count())
	}
	if got := c.Stats().Dropped; got != 3 {
		t.Errorf("dropped: got %d, want 3", got)
	}
}

func TestCoordinatorExitsWithoutRunningPipelines(t *testing.T) {
	t.Parallel()
	c := New(&fakeSource{gen: interleaved}, WithPauseWait(5*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run with no pipelines should return")
	}
}

func TestQueueEmptiedOpensBothQueues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeSource{}, 4, 2)
	aq, vq := h.audio.Queue(), h.video.Queue()
	aq.SetBlockFull(true)
	vq.SetBlockFull(true)

	h.c.QueueEmptied(aq)
	if aq.BlockFull() || vq.BlockFull() {
		t.Error("empty transition should disable block-when-full on both queues")
	}

	h.c.Stop()
	aq.SetBlockFull(true)
	h.c.QueueEmptied(vq)
	if !aq.BlockFull() {
		t.Error("empty transition after Stop should be a no-op")
	}
}

func TestAttachReplacesAndStopsOldPipeline(t *testing.T) {
	t.Parallel()
	c := New(&fakeSource{})
	old := decode.New(media.KindAudio, queue.New(4, 2), nil, nil, nil)
	old.Start()
	c.AttachAudio(old)

	repl := decode.New(media.KindAudio, queue.New(4, 2), nil, nil, nil)
	c.AttachAudio(repl)

	if !old.Wait(2 * time.Second) {
		t.Fatal("replaced pipeline was not stopped")
	}
	if a, _ := c.pipelines(); a != Pipeline(repl) {
		t.Error("audio pipeline was not replaced")
	}

	c.AttachAudio(nil)
	if a, _ := c.pipelines(); a != nil {
		t.Error("nil attach should detach")
	}
}

func TestStepCounterPanicsBelowZero(t *testing.T) {
	t.Parallel()
	var s stepCounter
	s.add(2)
	if got := s.done(); got != 1 {
		t.Fatalf("done: got %d, want 1", got)
	}
	if got := s.done(); got != 0 {
		t.Fatalf("done: got %d, want 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("decrement below zero should panic")
		}
	}()
	s.done()
}

func TestStepCounterConcurrentDone(t *testing.T) {
	t.Parallel()
	var s stepCounter
	s.add(100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	zeros := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.done() == 0 {
				mu.Lock()
				zeros++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if zeros != 1 {
		t.Errorf("decrements reaching zero: got %d, want 1", zeros)
	}
}

// stubPipeline is an idle Pipeline whose running state is fixed.
type stubPipeline struct {
	q       *queue.Queue
	running bool
}

func (p *stubPipeline) Queue() *queue.Queue     { return p.q }
func (p *stubPipeline) SetSourceEnded(bool)     {}
func (p *stubPipeline) Pause(bool)              {}
func (p *stubPipeline) Start()                  {}
func (p *stubPipeline) Stop()                   {}
func (p *stubPipeline) IsRunning() bool         { return p.running }
func (p *stubPipeline) Wait(time.Duration) bool { return true }
func (p *stubPipeline) OnNextFrame(func())      {}

func TestRouteBackpressure(t *testing.T) {
	t.Parallel()

	const (
		absent  = "absent"
		stopped = "stopped"
		hungry  = "hungry"
		enough  = "enough"
	)
	tests := []struct {
		name    string
		stream  int
		sibling string
		picture bool
		want    bool
	}{
		{"audio with hungry video", audioIdx, hungry, false, false},
		{"audio with video holding enough", audioIdx, enough, false, true},
		{"audio with stopped video", audioIdx, stopped, false, true},
		{"audio with no video", audioIdx, absent, false, true},
		{"audio with cover picture", audioIdx, hungry, true, true},
		{"video with hungry audio", videoIdx, hungry, false, false},
		{"video with audio holding enough", videoIdx, enough, false, true},
		{"video with stopped audio", videoIdx, stopped, false, true},
		{"video with no audio", videoIdx, absent, false, true},
		{"video ignores cover picture", videoIdx, hungry, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			routed := &stubPipeline{q: queue.New(4, 2), running: true}
			var sibling Pipeline
			if tt.sibling != absent {
				sp := &stubPipeline{q: queue.New(4, 2), running: tt.sibling != stopped}
				if tt.sibling == enough {
					sp.q.Put(packet(0, 0))
					sp.q.Put(packet(0, 1))
				}
				sibling = sp
			}

			audio, video := Pipeline(routed), sibling
			if tt.stream == videoIdx {
				audio, video = sibling, routed
			}
			c := New(&fakeSource{picture: tt.picture})
			c.AttachAudio(audio)
			c.AttachVideo(video)

			c.route(packet(tt.stream, 0), audio, video)

			if got := routed.q.BlockFull(); got != tt.want {
				t.Errorf("block full: got %v, want %v", got, tt.want)
			}
			if got := routed.q.Len(); got != 1 {
				t.Errorf("routed queue len: got %d, want 1", got)
			}
		})
	}
}
