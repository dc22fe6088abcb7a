package decode

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/avfeed/internal/media"
	"github.com/zsiec/avfeed/internal/queue"
)

type recorder struct {
	mu     sync.Mutex
	frames []Frame
	got    chan Frame
}

func newRecorder() *recorder {
	return &recorder{got: make(chan Frame, 256)}
}

func (r *recorder) Render(f Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.got <- f
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func videoPacket(i int) media.Packet {
	return media.Packet{StreamIndex: 0, PTS: time.Duration(i) * 40 * time.Millisecond, Data: []byte{byte(i)}}
}

func TestPipelineDeliversInOrderAndExitsAtEnd(t *testing.T) {
	t.Parallel()
	q := queue.New(16, 8)
	rec := newRecorder()
	p := New(media.KindVideo, q, nil, rec, nil)
	p.Start()

	for i := 0; i < 5; i++ {
		q.Put(videoPacket(i))
	}
	p.SetSourceEnded(true)
	q.Put(media.EndPacket())

	if !p.Wait(2 * time.Second) {
		t.Fatal("pipeline did not exit after end marker")
	}
	if p.IsRunning() {
		t.Error("IsRunning should be false after exit")
	}
	if rec.count() != 5 {
		t.Fatalf("frames: got %d, want 5", rec.count())
	}
	for i, f := range rec.frames {
		if int(f.Data[0]) != i {
			t.Errorf("frame %d: got packet %d", i, f.Data[0])
		}
		if f.Kind != media.KindVideo {
			t.Errorf("frame %d kind: got %v, want video", i, f.Kind)
		}
	}
	if got := p.Stats().Flushes; got != 1 {
		t.Errorf("flushes: got %d, want 1", got)
	}
}

func TestPipelineEndMarkerWithoutSourceEndContinues(t *testing.T) {
	t.Parallel()
	q := queue.New(16, 8)
	rec := newRecorder()
	p := New(media.KindAudio, q, nil, rec, nil)
	p.Start()
	defer func() {
		p.Stop()
		p.Wait(2 * time.Second)
	}()

	q.Put(media.EndPacket())
	q.Put(videoPacket(1))

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline should keep consuming after a flush marker")
	}
	if !p.IsRunning() {
		t.Error("pipeline should still be running")
	}
}

func TestPipelinePauseHoldsDelivery(t *testing.T) {
	t.Parallel()
	q := queue.New(16, 8)
	rec := newRecorder()
	p := New(media.KindVideo, q, nil, rec, nil)
	p.Pause(true)
	p.Start()
	defer func() {
		p.Stop()
		p.Wait(2 * time.Second)
	}()

	q.Put(videoPacket(0))
	q.Put(videoPacket(1))
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("frames while paused: got %d, want 0", rec.count())
	}

	var fired atomic.Int32
	p.OnNextFrame(func() {
		fired.Add(1)
		p.Pause(true)
	})
	p.Pause(false)

	waitFor(t, "one frame", func() bool { return rec.count() == 1 })
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("frames after one-shot re-pause: got %d, want 1", rec.count())
	}
	if fired.Load() != 1 {
		t.Errorf("listener calls: got %d, want 1", fired.Load())
	}

	p.Pause(false)
	waitFor(t, "second frame", func() bool { return rec.count() == 2 })
	if fired.Load() != 1 {
		t.Errorf("one-shot listener fired again: got %d calls", fired.Load())
	}
}

func TestPipelineStopWakesBlockedTake(t *testing.T) {
	t.Parallel()
	q := queue.New(4, 2)
	p := New(media.KindVideo, q, nil, nil, nil)
	p.Start()
	time.Sleep(10 * time.Millisecond)

	p.Stop()
	if !p.Wait(2 * time.Second) {
		t.Fatal("pipeline blocked on empty queue did not stop")
	}

	// Restartable after the queue is reopened.
	q.Open()
	p.Start()
	if !p.IsRunning() {
		t.Fatal("pipeline should run after restart")
	}
	p.Stop()
	if !p.Wait(2 * time.Second) {
		t.Fatal("restarted pipeline did not stop")
	}
}

type panicky struct{ n int }

func (d *panicky) Decode(pkt media.Packet) ([]Frame, error) {
	d.n++
	switch d.n {
	case 1:
		panic("corrupt bitstream")
	case 2:
		return nil, errors.New("need more data")
	}
	return Passthrough{Kind: media.KindVideo}.Decode(pkt)
}

func (d *panicky) Flush() []Frame { return nil }

func TestPipelineRecoversDecoderPanic(t *testing.T) {
	t.Parallel()
	q := queue.New(8, 4)
	rec := newRecorder()
	p := New(media.KindVideo, q, &panicky{}, rec, nil)
	p.Start()

	for i := 0; i < 3; i++ {
		q.Put(videoPacket(i))
	}
	p.SetSourceEnded(true)
	q.Put(media.EndPacket())
	if !p.Wait(2 * time.Second) {
		t.Fatal("pipeline did not exit")
	}

	s := p.Stats()
	if s.Panics != 1 {
		t.Errorf("panics: got %d, want 1", s.Panics)
	}
	if s.DecodeErrors != 1 {
		t.Errorf("decode errors: got %d, want 1", s.DecodeErrors)
	}
	if s.Frames != 1 {
		t.Errorf("frames: got %d, want 1", s.Frames)
	}
}

type flushing struct{ Passthrough }

func (flushing) Flush() []Frame {
	return []Frame{{Kind: media.KindVideo, PTS: time.Second}}
}

func TestPipelineFlushDeliversBufferedFrames(t *testing.T) {
	t.Parallel()
	q := queue.New(8, 4)
	rec := newRecorder()
	p := New(media.KindVideo, q, flushing{}, rec, nil)
	p.Start()

	p.SetSourceEnded(true)
	q.Put(media.EndPacket())
	if !p.Wait(2 * time.Second) {
		t.Fatal("pipeline did not exit")
	}
	if rec.count() != 1 || rec.frames[0].PTS != time.Second {
		t.Errorf("flushed frames: got %v", rec.frames)
	}
}
