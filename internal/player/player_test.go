package player

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/avfeed/internal/clock"
	"github.com/zsiec/avfeed/internal/decode"
	"github.com/zsiec/avfeed/internal/media"
)

const (
	audioIdx = 0
	videoIdx = 1
)

// fakeSource replays n interleaved audio/video packets then an end marker,
// or generates packets forever when endless is set. Seek rewinds to the
// start.
type fakeSource struct {
	mu       sync.Mutex
	n        int
	endless  bool
	noAudio  bool
	live     bool
	duration time.Duration
	i        int
	cur      media.Packet
	seeks    []time.Duration
	closed   atomic.Int32
}

func (s *fakeSource) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endless && s.i >= 2*s.n {
		s.cur = media.EndPacket()
		return true
	}
	stream := s.i % 2
	if s.noAudio {
		stream = videoIdx
	}
	s.cur = media.Packet{
		StreamIndex: stream,
		PTS:         time.Duration(s.i/2) * time.Millisecond,
		Data:        []byte{byte(stream), byte(s.i / 2)},
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
	s.i = 0
	return nil
}

func (s *fakeSource) lastSeek() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seeks) == 0 {
		return 0, false
	}
	return s.seeks[len(s.seeks)-1], true
}

func (s *fakeSource) Duration() time.Duration { return s.duration }

func (s *fakeSource) AudioStream() int {
	if s.noAudio {
		return media.NoStream
	}
	return audioIdx
}

func (s *fakeSource) VideoStream() int         { return videoIdx }
func (s *fakeSource) HasAttachedPicture() bool { return false }
func (s *fakeSource) Seekable() bool           { return !s.live }

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

type counter struct{ n atomic.Int64 }

func (c *counter) Render(decode.Frame) error {
	c.n.Add(1)
	return nil
}

func (c *counter) count() int64 { return c.n.Load() }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PauseWait = 5 * time.Millisecond
	cfg.StopWait = 50 * time.Millisecond
	cfg.RetryInterval = time.Millisecond
	return cfg
}

type harness struct {
	p            *Player
	src          *fakeSource
	audio, video *counter
	runErr       chan error
}

func start(t *testing.T, src *fakeSource, cfg Config) *harness {
	t.Helper()
	h := &harness{src: src, audio: &counter{}, video: &counter{}, runErr: make(chan error, 1)}
	h.p = New(src, cfg, nil,
		WithRenderer(media.KindAudio, h.audio),
		WithRenderer(media.KindVideo, h.video),
	)
	go func() { h.runErr <- h.p.Run(context.Background()) }()
	t.Cleanup(h.p.Stop)
	return h
}

func (h *harness) wait(t *testing.T) {
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

func TestPlayerPlaysToEnd(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{n: 10}, testConfig())
	h.wait(t)

	if got := h.video.count(); got != 10 {
		t.Errorf("video frames: got %d, want 10", got)
	}
	if got := h.audio.count(); got != 10 {
		t.Errorf("audio frames: got %d, want 10", got)
	}
	st := h.p.Status()
	if !st.Ended || st.Running {
		t.Errorf("status after end: got ended=%v running=%v, want true/false", st.Ended, st.Running)
	}
	if got := h.src.closed.Load(); got != 1 {
		t.Errorf("source closed %d times, want 1", got)
	}
}

func TestPlayerKeepOpenRestartsOnSeek(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.KeepOpen = true
	h := start(t, &fakeSource{n: 10}, cfg)

	waitFor(t, "first end", func() bool { return h.p.Status().Ended })
	if !h.p.Status().Running {
		t.Fatal("Run returned at end with KeepOpen set")
	}

	if err := h.p.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	waitFor(t, "replay", func() bool {
		return h.video.count() == 20 && h.audio.count() == 20 && h.p.Status().Ended
	})
	if pos, ok := h.src.lastSeek(); !ok || pos != 0 {
		t.Errorf("source seek: got %v (seeked=%v), want 0", pos, ok)
	}

	h.p.Stop()
	h.wait(t)
}

func TestPlayerSeekClampsToDuration(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{endless: true, duration: 10 * time.Second}, testConfig())

	if err := h.p.Seek(time.Minute); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	waitFor(t, "source seek", func() bool {
		_, ok := h.src.lastSeek()
		return ok
	})
	if pos, _ := h.src.lastSeek(); pos != 10*time.Second {
		t.Errorf("seek position: got %v, want 10s", pos)
	}
}

func TestPlayerSeekNotSeekable(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{endless: true, live: true}, testConfig())

	if err := h.p.Seek(time.Second); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("Seek on live source: got %v, want ErrNotSeekable", err)
	}
}

func TestPlayerStop(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{endless: true}, testConfig())

	waitFor(t, "frames", func() bool { return h.video.count() > 0 })
	h.p.Stop()
	h.wait(t)
	h.p.Stop()

	if !h.p.Status().Stopped {
		t.Error("status not stopped")
	}
	if got := h.src.closed.Load(); got != 1 {
		t.Errorf("source closed %d times, want 1", got)
	}
	if err := h.p.Seek(0); !errors.Is(err, ErrStopped) {
		t.Errorf("Seek after Stop: got %v, want ErrStopped", err)
	}
	if err := h.p.Run(context.Background()); err != nil {
		t.Errorf("Run after Stop: got %v, want nil", err)
	}
}

func TestPlayerRunTwice(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{endless: true}, testConfig())
	waitFor(t, "running", func() bool { return h.p.Status().Running })

	if err := h.p.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run: got %v, want ErrRunning", err)
	}
}

func TestPlayerPauseAndResume(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{endless: true}, testConfig())
	waitFor(t, "frames", func() bool { return h.video.count() > 0 })

	h.p.Pause(true)
	time.Sleep(20 * time.Millisecond)
	v, a := h.video.count(), h.audio.count()
	pos := h.p.Position()
	time.Sleep(50 * time.Millisecond)

	if got := h.video.count(); got != v {
		t.Errorf("video frames while paused: got %d, want %d", got, v)
	}
	if got := h.audio.count(); got != a {
		t.Errorf("audio frames while paused: got %d, want %d", got, a)
	}
	if got := h.p.Position(); got != pos {
		t.Errorf("clock moved while paused: got %v, want %v", got, pos)
	}
	st := h.p.Status()
	if !st.Paused || !st.UserPaused {
		t.Errorf("status: got paused=%v userPaused=%v, want true/true", st.Paused, st.UserPaused)
	}

	h.p.Pause(false)
	waitFor(t, "resume", func() bool { return h.video.count() > v })
}

func TestPlayerStepFrame(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{endless: true}, testConfig())
	waitFor(t, "frames", func() bool { return h.video.count() > 0 })

	h.p.Pause(true)
	time.Sleep(20 * time.Millisecond)
	v, a := h.video.count(), h.audio.count()

	h.p.StepFrame()
	waitFor(t, "stepped frames", func() bool {
		return h.video.count() == v+1 && h.audio.count() == a+1
	})
	time.Sleep(30 * time.Millisecond)

	if got := h.video.count(); got != v+1 {
		t.Errorf("video frames after step: got %d, want %d", got, v+1)
	}
	if got := h.audio.count(); got != a+1 {
		t.Errorf("audio frames after step: got %d, want %d", got, a+1)
	}
	if !h.p.Status().Paused {
		t.Error("player not paused after step")
	}
}

func TestPlayerVideoOnly(t *testing.T) {
	t.Parallel()
	h := start(t, &fakeSource{n: 5, noAudio: true}, testConfig())
	h.wait(t)

	st := h.p.Status()
	if st.Audio != nil {
		t.Errorf("audio status present for a video-only source: %+v", st.Audio)
	}
	if st.Video == nil || st.Video.Index != videoIdx {
		t.Fatalf("video status: got %+v", st.Video)
	}
	if got := h.video.count(); got != 10 {
		t.Errorf("video frames: got %d, want 10", got)
	}

	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := m["audio"]; ok {
		t.Error("audio key should be omitted")
	}
	if m["ended"] != true {
		t.Errorf("ended: got %v, want true", m["ended"])
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{VideoQueueSize: 10, VideoQueueThreshold: 50}.withDefaults()

	if cfg.VideoQueueThreshold != 5 {
		t.Errorf("video threshold: got %d, want 5", cfg.VideoQueueThreshold)
	}
	if cfg.AudioQueueSize != media.AudioQueueSize || cfg.AudioQueueThreshold != media.AudioQueueThreshold {
		t.Errorf("audio queue: got %d/%d, want %d/%d", cfg.AudioQueueSize, cfg.AudioQueueThreshold,
			media.AudioQueueSize, media.AudioQueueThreshold)
	}
}

func TestPacerHoldsUntilClock(t *testing.T) {
	t.Parallel()
	c := clock.New()
	c.Pause(false)
	var gen atomic.Uint64
	ren := &counter{}
	p := newPacer(ren, c, &gen, make(chan struct{}))

	began := time.Now()
	if err := p.Render(decode.Frame{PTS: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if elapsed := time.Since(began); elapsed < 40*time.Millisecond {
		t.Errorf("frame rendered after %v, want at least 40ms", elapsed)
	}
	if ren.count() != 1 {
		t.Errorf("frames: got %d, want 1", ren.count())
	}
}

func TestPacerAbandonsWaitOnSeek(t *testing.T) {
	t.Parallel()
	c := clock.New()
	var gen atomic.Uint64
	ren := &counter{}
	p := newPacer(ren, c, &gen, make(chan struct{}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		gen.Add(1)
	}()
	done := make(chan struct{})
	go func() {
		p.Render(decode.Frame{PTS: time.Second})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Render still waiting after seek")
	}
	if ren.count() != 1 {
		t.Errorf("frames: got %d, want 1", ren.count())
	}
}

func TestPacerDropsOnStop(t *testing.T) {
	t.Parallel()
	c := clock.New()
	var gen atomic.Uint64
	stopped := make(chan struct{})
	ren := &counter{}
	p := newPacer(ren, c, &gen, stopped)

	close(stopped)
	if err := p.Render(decode.Frame{PTS: time.Second}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if ren.count() != 0 {
		t.Errorf("frames after stop: got %d, want 0", ren.count())
	}
}

func TestPacerResyncsOnJump(t *testing.T) {
	t.Parallel()
	c := clock.New()
	c.Pause(false)
	var gen atomic.Uint64
	ren := &counter{}
	p := newPacer(ren, c, &gen, make(chan struct{}))

	if err := p.Render(decode.Frame{PTS: time.Hour}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if pos := c.Position(); pos < time.Hour {
		t.Errorf("clock after jump: got %v, want at least 1h", pos)
	}
}
