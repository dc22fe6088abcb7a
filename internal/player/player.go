// Package player assembles a playable session from a source: the two
// packet queues, a consumer pipeline per present stream, the playback
// clock and the demux coordinator that drives them.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/avfeed/internal/clock"
	"github.com/zsiec/avfeed/internal/decode"
	"github.com/zsiec/avfeed/internal/demux"
	"github.com/zsiec/avfeed/internal/media"
	"github.com/zsiec/avfeed/internal/queue"
)

var (
	// ErrRunning is returned by Run when the player is already running.
	ErrRunning = errors.New("player: already running")
	// ErrNotSeekable is returned by Seek for live sources.
	ErrNotSeekable = errors.New("player: source is not seekable")
	// ErrStopped is returned by Seek after Stop.
	ErrStopped = errors.New("player: stopped")
)

// Source is a demux source the player owns and closes when done.
type Source interface {
	demux.Source
	io.Closer
}

// seekable is implemented by sources that know up front whether Seek can
// succeed.
type seekable interface {
	Seekable() bool
}

// Config sizes the queues and bounds the coordinator's waits.
type Config struct {
	VideoQueueSize      int
	VideoQueueThreshold int
	AudioQueueSize      int
	AudioQueueThreshold int

	PauseWait     time.Duration
	StopWait      time.Duration
	RetryInterval time.Duration

	// KeepOpen keeps Run alive after the end of the source so that a
	// later Seek restarts playback.
	KeepOpen bool
	// Paced holds every frame until the playback clock reaches its
	// timestamp. Without it frames are delivered as fast as the
	// renderers accept them.
	Paced bool
}

// DefaultConfig returns the default queue sizes and waits.
func DefaultConfig() Config {
	return Config{
		VideoQueueSize:      media.VideoQueueSize,
		VideoQueueThreshold: media.VideoQueueThreshold,
		AudioQueueSize:      media.AudioQueueSize,
		AudioQueueThreshold: media.AudioQueueThreshold,
		PauseWait:           demux.DefaultPauseWait,
		StopWait:            demux.DefaultStopWait,
		RetryInterval:       demux.DefaultRetryInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.VideoQueueSize <= 0 {
		c.VideoQueueSize, c.VideoQueueThreshold = d.VideoQueueSize, d.VideoQueueThreshold
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize, c.AudioQueueThreshold = d.AudioQueueSize, d.AudioQueueThreshold
	}
	if c.VideoQueueThreshold <= 0 || c.VideoQueueThreshold > c.VideoQueueSize {
		c.VideoQueueThreshold = c.VideoQueueSize / 2
	}
	if c.AudioQueueThreshold <= 0 || c.AudioQueueThreshold > c.AudioQueueSize {
		c.AudioQueueThreshold = c.AudioQueueSize / 2
	}
	return c
}

// Option customizes a Player.
type Option func(*Player)

// WithRenderer sets the renderer for one stream kind. The default drops
// every frame.
func WithRenderer(kind media.Kind, r decode.Renderer) Option {
	return func(p *Player) { p.renderers[kind] = r }
}

// WithDecoder sets the decoder for one stream kind. The default passes
// packets through as frames.
func WithDecoder(kind media.Kind, d decode.Decoder) Option {
	return func(p *Player) { p.decoders[kind] = d }
}

// StreamStatus describes one consumer pipeline and its queue.
type StreamStatus struct {
	Index    int          `json:"index"`
	Queue    queue.Stats  `json:"queue"`
	Pipeline decode.Stats `json:"pipeline"`
}

// Status is a point-in-time snapshot of a player.
type Status struct {
	Running     bool          `json:"running"`
	Paused      bool          `json:"paused"`
	UserPaused  bool          `json:"userPaused"`
	Ended       bool          `json:"ended"`
	Stopped     bool          `json:"stopped"`
	SeekPending bool          `json:"seekPending"`
	Seekable    bool          `json:"seekable"`
	PositionMs  int64         `json:"positionMs"`
	DurationMs  int64         `json:"durationMs"`
	Demux       demux.Stats   `json:"demux"`
	Audio       *StreamStatus `json:"audio,omitempty"`
	Video       *StreamStatus `json:"video,omitempty"`
}

// Player plays one source. Pause, Seek, StepFrame and Stop may be called
// from any goroutine while Run executes.
type Player struct {
	log   *slog.Logger
	cfg   Config
	src   Source
	clock *clock.Clock
	coord *demux.Coordinator
	audio *decode.Pipeline
	video *decode.Pipeline

	renderers map[media.Kind]decode.Renderer
	decoders  map[media.Kind]decode.Decoder

	restart   chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	running   atomic.Bool
	ended     atomic.Bool
	seekGen   atomic.Uint64
}

// New builds a player for src. Pipelines are created only for the streams
// src reports. If log is nil, slog.Default() is used.
func New(src Source, cfg Config, log *slog.Logger, opts ...Option) *Player {
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		log:       log.With("component", "player"),
		cfg:       cfg.withDefaults(),
		src:       src,
		clock:     clock.New(),
		renderers: make(map[media.Kind]decode.Renderer),
		decoders:  make(map[media.Kind]decode.Decoder),
		restart:   make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.coord = demux.New(src,
		demux.WithLogger(log),
		demux.WithClockPause(p.clock.Pause),
		demux.WithPauseWait(p.cfg.PauseWait),
		demux.WithStopWait(p.cfg.StopWait),
		demux.WithRetryInterval(p.cfg.RetryInterval),
	)
	if src.AudioStream() != media.NoStream {
		p.audio = p.newPipeline(media.KindAudio, queue.New(p.cfg.AudioQueueSize, p.cfg.AudioQueueThreshold), log)
		p.coord.AttachAudio(p.audio)
	}
	if src.VideoStream() != media.NoStream {
		p.video = p.newPipeline(media.KindVideo, queue.New(p.cfg.VideoQueueSize, p.cfg.VideoQueueThreshold), log)
		p.coord.AttachVideo(p.video)
	}
	return p
}

func (p *Player) newPipeline(kind media.Kind, q *queue.Queue, log *slog.Logger) *decode.Pipeline {
	ren := p.renderers[kind]
	if p.cfg.Paced {
		ren = newPacer(ren, p.clock, &p.seekGen, p.stopped)
	}
	return decode.New(kind, q, p.decoders[kind], ren, log)
}

func (p *Player) pipelines() []*decode.Pipeline {
	ps := make([]*decode.Pipeline, 0, 2)
	if p.video != nil {
		ps = append(ps, p.video)
	}
	if p.audio != nil {
		ps = append(ps, p.audio)
	}
	return ps
}

// Run plays the source until it ends, Stop is called or ctx is done, and
// closes the source before returning. Each pass starts unpaused. With
// KeepOpen, Run waits after the end for a Seek that restarts playback.
func (p *Player) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer p.running.Store(false)
	defer p.closeSource()

	for {
		if p.isStopped() || ctx.Err() != nil {
			return nil
		}
		select {
		case <-p.restart:
		default:
		}

		p.ended.Store(false)
		for _, pl := range p.pipelines() {
			pl.Pause(false)
		}
		p.clock.Pause(false)

		if err := p.coord.Run(ctx); err != nil {
			return fmt.Errorf("player: %w", err)
		}
		p.clock.Pause(true)

		if p.isStopped() || ctx.Err() != nil {
			return nil
		}
		if p.coord.SeekPending() {
			p.log.Debug("restarting for pending seek")
			continue
		}

		p.ended.Store(true)
		p.log.Info("playback ended", "position", p.clock.Position())
		if !p.cfg.KeepOpen {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopped:
			return nil
		case <-p.restart:
			p.log.Debug("restarting after end")
		}
	}
}

// Pause pauses or resumes reading, delivery and the clock together.
func (p *Player) Pause(paused bool) {
	p.coord.Pause(paused)
	for _, pl := range p.pipelines() {
		pl.Pause(paused)
	}
	p.clock.Pause(paused)
	p.log.Debug("pause", "paused", paused)
}

// Seek repositions playback to pos, clamped to the known duration. If the
// source already ended and KeepOpen is set, playback restarts.
func (p *Player) Seek(pos time.Duration) error {
	if p.isStopped() {
		return ErrStopped
	}
	if !p.Seekable() {
		return ErrNotSeekable
	}
	if pos < 0 {
		pos = 0
	}
	if d := p.src.Duration(); d > 0 && pos > d {
		pos = d
	}

	p.seekGen.Add(1)
	p.clock.Set(pos)
	p.coord.Seek(pos)
	select {
	case p.restart <- struct{}{}:
	default:
	}
	return nil
}

// StepFrame delivers one more frame on each stream and leaves playback
// paused.
func (p *Player) StepFrame() {
	p.coord.StepFrame()
}

// Stop ends playback for good and closes the source, which also unblocks
// a read pending on a live input. It is safe to call more than once.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.coord.Stop()
		p.clock.Pause(true)
		p.closeSource()
		p.log.Info("player stopped")
	})
}

// Done is closed once Stop has been called.
func (p *Player) Done() <-chan struct{} { return p.stopped }

// Seekable reports whether Seek can reposition the source.
func (p *Player) Seekable() bool {
	if s, ok := p.src.(seekable); ok {
		return s.Seekable()
	}
	return true
}

// Position returns the playback clock position.
func (p *Player) Position() time.Duration { return p.clock.Position() }

// Status returns a snapshot of the player.
func (p *Player) Status() Status {
	s := Status{
		Running:     p.running.Load(),
		Paused:      p.coord.IsPaused(),
		UserPaused:  p.coord.IsUserPaused(),
		Ended:       p.ended.Load(),
		Stopped:     p.isStopped(),
		SeekPending: p.coord.SeekPending(),
		Seekable:    p.Seekable(),
		PositionMs:  p.clock.Position().Milliseconds(),
		DurationMs:  p.src.Duration().Milliseconds(),
		Demux:       p.coord.Stats(),
	}
	if p.audio != nil {
		s.Audio = &StreamStatus{
			Index:    p.src.AudioStream(),
			Queue:    p.audio.Queue().Stats(),
			Pipeline: p.audio.Stats(),
		}
	}
	if p.video != nil {
		s.Video = &StreamStatus{
			Index:    p.src.VideoStream(),
			Queue:    p.video.Queue().Stats(),
			Pipeline: p.video.Stats(),
		}
	}
	return s
}

func (p *Player) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

func (p *Player) closeSource() {
	p.closeOnce.Do(func() {
		if err := p.src.Close(); err != nil {
			p.log.Debug("close source", "error", err)
		}
	})
}
