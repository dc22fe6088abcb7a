package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/zsiec/avfeed/internal/media"
)

// PMT stream types the reader maps to media streams.
const (
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAAC        = 0x0F
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24
	streamTypeAC3        = 0x81
)

const (
	// probeUnits bounds how many demuxed units are read looking for the PMT.
	probeUnits = 20000
	// tailScanBytes is how much of the end of a seekable input is scanned
	// for the last timestamp.
	tailScanBytes = 2 << 20
	// seekTolerancePackets stops the bisection once the window is this small.
	seekTolerancePackets = 64
	maxSeekSteps         = 48
	// ptsScanUnits bounds the units read after a bisection probe while
	// looking for a timestamp.
	ptsScanUnits = 4096

	ptsWrap = int64(1) << 33
)

var (
	// ErrNotSeekable is returned by Seek on inputs that cannot be
	// repositioned, such as live ingest.
	ErrNotSeekable = errors.New("mpegts: input is not seekable")
	// ErrNoStreams is returned when no audio or video stream is found.
	ErrNoStreams = errors.New("mpegts: no audio or video stream found")
)

// Stream describes one elementary stream exposed by a Reader.
type Stream struct {
	Index int        `json:"index"`
	Kind  media.Kind `json:"kind"`
	PID   uint16     `json:"pid"`
	Codec string     `json:"codec"`
}

// Reader turns a transport stream into timestamped media packets. It
// implements the source side of the demux coordinator and, like it, is
// not safe for concurrent use.
//
// Timestamps are relative to the first PES timestamp in the input. When
// the input is an io.ReadSeeker the reader also reports a duration and
// supports Seek; otherwise Seek returns ErrNotSeekable.
type Reader struct {
	ctx    context.Context
	log    *slog.Logger
	rs     io.ReadSeeker
	closer io.Closer
	size   int64
	dmx    *demuxer

	streams  []Stream
	byPID    map[uint16]int
	audio    int
	video    int
	subtitle int
	hevc     bool
	timing   uint16

	start    int64
	hasStart bool
	duration time.Duration

	cc      *captionDecoder
	lastPTS map[int]time.Duration
	pending []media.Packet
	cur     media.Packet
	eof     bool
	needKey bool
}

// Open opens a transport stream file. The file is closed by Close.
func Open(ctx context.Context, path string, log *slog.Logger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mpegts: %w", err)
	}
	r, err := NewReader(ctx, f, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader probes r for its program map and returns a reader positioned
// at the first packet. It blocks until the PMT arrives, the input ends, or
// ctx is done. If r is an io.Closer, Close closes it; closing unblocks a
// pending read on a pipe. If log is nil, slog.Default() is used.
func NewReader(ctx context.Context, r io.Reader, log *slog.Logger) (*Reader, error) {
	if log == nil {
		log = slog.Default()
	}
	rd := &Reader{
		ctx:      ctx,
		log:      log.With("component", "mpegts"),
		dmx:      newDemuxer(ctx, r),
		byPID:    make(map[uint16]int),
		audio:    media.NoStream,
		video:    media.NoStream,
		subtitle: media.NoStream,
		cc:       newCaptionDecoder(),
		lastPTS:  make(map[int]time.Duration),
	}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	if rs, ok := r.(io.ReadSeeker); ok {
		if size, err := rs.Seek(0, io.SeekEnd); err == nil {
			if _, err := rs.Seek(0, io.SeekStart); err == nil {
				rd.rs, rd.size = rs, size
			}
		}
	}

	for i := 0; i < probeUnits && !(len(rd.streams) > 0 && rd.hasStart); i++ {
		if !rd.readUnit() {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mpegts: probe: %w", err)
	}
	if rd.audio == media.NoStream && rd.video == media.NoStream {
		return nil, ErrNoStreams
	}

	if rd.rs != nil {
		rd.scanDuration()
		if err := rd.rewind(0); err != nil {
			return nil, fmt.Errorf("mpegts: rewind after probe: %w", err)
		}
	}

	rd.log.Info("transport stream opened",
		"streams", len(rd.streams),
		"video", rd.video,
		"audio", rd.audio,
		"seekable", rd.rs != nil,
		"duration", rd.duration,
	)
	return rd, nil
}

// Streams returns the streams found in the PMT, in index order.
func (r *Reader) Streams() []Stream {
	return append([]Stream(nil), r.streams...)
}

// AudioStream returns the index of the first audio stream.
func (r *Reader) AudioStream() int { return r.audio }

// VideoStream returns the index of the first video stream.
func (r *Reader) VideoStream() int { return r.video }

// SubtitleStream returns the index of the caption stream carried in the
// video, or media.NoStream when there is no video.
func (r *Reader) SubtitleStream() int { return r.subtitle }

// HasAttachedPicture is always false; transport streams carry no cover art.
func (r *Reader) HasAttachedPicture() bool { return false }

// Duration returns the span between the first and last timestamp of a
// seekable input, or 0 when unknown.
func (r *Reader) Duration() time.Duration { return r.duration }

// Next advances to the next packet. At the end of input it yields an end
// marker on every call.
func (r *Reader) Next() bool {
	for len(r.pending) == 0 {
		if !r.readUnit() {
			r.cur = media.EndPacket()
			return true
		}
	}
	r.cur = r.pending[0]
	r.pending[0] = media.Packet{}
	r.pending = r.pending[1:]
	return true
}

// Packet returns the packet selected by the last Next.
func (r *Reader) Packet() media.Packet { return r.cur }

// Seek repositions to the last packet boundary whose timestamp precedes
// pos, found by bisection, and skips ahead to the next video keyframe.
func (r *Reader) Seek(pos time.Duration) error {
	if r.rs == nil {
		return ErrNotSeekable
	}
	var off int64
	if pos > 0 && r.hasStart {
		var err error
		if off, err = r.locate(pos); err != nil {
			return fmt.Errorf("mpegts: seek to %v: %w", pos, err)
		}
	}
	if err := r.rewind(off); err != nil {
		return fmt.Errorf("mpegts: seek to %v: %w", pos, err)
	}
	r.needKey = off > 0 && r.video != media.NoStream
	return nil
}

// Seekable reports whether Seek can succeed.
func (r *Reader) Seekable() bool { return r.rs != nil }

// Close closes the underlying input. It may be called from any goroutine
// to unblock a pending read.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// readUnit demuxes one unit and converts it to packets. It returns false
// at the end of input.
func (r *Reader) readUnit() bool {
	if r.eof {
		return false
	}
	u, err := r.dmx.next()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), r.ctx.Err() != nil:
		case errors.Is(err, os.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			r.log.Debug("input closed")
		default:
			r.log.Warn("read failed, ending stream", "error", err)
		}
		r.eof = true
		return false
	}

	switch {
	case u.streams != nil:
		r.addStreams(u.streams)
	case u.pes != nil:
		r.handlePES(u.pid, u.pes)
	}
	return true
}

func (r *Reader) addStreams(streams []elementaryStream) {
	for _, es := range streams {
		if _, ok := r.byPID[es.pid]; ok {
			continue
		}
		kind, codec := classify(es.streamType)
		if kind == media.KindUnknown {
			continue
		}
		idx := len(r.streams)
		r.streams = append(r.streams, Stream{Index: idx, Kind: kind, PID: es.pid, Codec: codec})
		r.byPID[es.pid] = idx

		switch {
		case kind == media.KindVideo && r.video == media.NoStream:
			r.video = idx
			r.hevc = es.streamType == streamTypeH265
			r.timing = es.pid
			r.log.Info("found video stream", "pid", es.pid, "index", idx, "codec", codec)
		case kind == media.KindAudio && r.audio == media.NoStream:
			r.audio = idx
			if r.video == media.NoStream {
				r.timing = es.pid
			}
			r.log.Info("found audio stream", "pid", es.pid, "index", idx, "codec", codec)
		}
	}

	if r.video != media.NoStream && r.subtitle == media.NoStream {
		r.subtitle = len(r.streams)
		r.streams = append(r.streams, Stream{
			Index: r.subtitle,
			Kind:  media.KindSubtitle,
			PID:   r.streams[r.video].PID,
			Codec: "cea-608/708",
		})
	}
}

func classify(streamType uint8) (media.Kind, string) {
	switch streamType {
	case streamTypeH264:
		return media.KindVideo, "h264"
	case streamTypeH265:
		return media.KindVideo, "h265"
	case streamTypeAAC:
		return media.KindAudio, "aac"
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
		return media.KindAudio, "mp2"
	case streamTypeAC3:
		return media.KindAudio, "ac3"
	}
	return media.KindUnknown, ""
}

func (r *Reader) handlePES(pid uint16, pes *pesPacket) {
	idx, ok := r.byPID[pid]
	if !ok || len(pes.data) == 0 {
		return
	}

	pts, hasPTS := r.lastPTS[idx], false
	dts := pts
	if pes.hasPTS {
		if !r.hasStart {
			r.start, r.hasStart = pes.pts, true
		}
		pts, hasPTS = r.toDuration(pes.pts), true
		dts = pts
		if pes.hasDTS {
			dts = r.toDuration(pes.dts)
		}
	}
	if hasPTS {
		r.lastPTS[idx] = pts
	}

	st := r.streams[idx]
	switch st.Kind {
	case media.KindVideo:
		r.emitVideo(idx, pes.data, pts, dts)
	case media.KindAudio:
		r.emitAudio(idx, st.Codec, pes.data, pts)
	}
}

func (r *Reader) emitVideo(idx int, data []byte, pts, dts time.Duration) {
	primary := idx == r.video
	if primary {
		r.cc.nextFrame()
	}

	var nalus []NALUnit
	if r.hevc {
		nalus = ParseAnnexBHEVC(data)
	} else {
		nalus = ParseAnnexB(data)
	}

	key := false
	var captions []Caption
	for _, n := range nalus {
		if r.hevc {
			switch {
			case IsHEVCKeyframe(n.Type):
				key = true
			case n.Type == HEVCNALSEIPrefix && len(n.Data) > 2 && primary:
				captions = append(captions, r.cc.decode(n.Data)...)
			}
			continue
		}
		switch {
		case IsKeyframe(n.Type):
			key = true
		case n.Type == NALTypeSEI && primary:
			captions = append(captions, r.cc.decode(n.Data)...)
		}
	}

	if r.needKey {
		if !primary || !key {
			return
		}
		r.needKey = false
	}

	r.pending = append(r.pending, media.Packet{
		StreamIndex: idx,
		PTS:         pts,
		DTS:         dts,
		IsKeyframe:  key,
		Data:        data,
	})
	for _, c := range captions {
		r.pending = append(r.pending, media.Packet{
			StreamIndex: r.subtitle,
			PTS:         pts,
			DTS:         pts,
			IsKeyframe:  true,
			Data:        []byte(c.Text),
		})
	}
}

func (r *Reader) emitAudio(idx int, codec string, data []byte, pts time.Duration) {
	if r.needKey {
		return
	}

	if codec == "aac" {
		frames, err := ParseADTS(data)
		if err != nil {
			r.log.Debug("bad ADTS", "pts", pts, "error", err)
		}
		if len(frames) > 0 {
			at := pts
			for _, f := range frames {
				d := f.Duration()
				r.pending = append(r.pending, media.Packet{
					StreamIndex: idx,
					PTS:         at,
					DTS:         at,
					Duration:    d,
					IsKeyframe:  true,
					Data:        f.Data,
				})
				at += d
			}
			r.lastPTS[idx] = at
			return
		}
	}

	r.pending = append(r.pending, media.Packet{
		StreamIndex: idx,
		PTS:         pts,
		DTS:         pts,
		IsKeyframe:  true,
		Data:        data,
	})
}

// toDuration converts a 90 kHz timestamp to time since the first
// timestamp, unwrapping one 33-bit rollover.
func (r *Reader) toDuration(ticks int64) time.Duration {
	rel := ticks - r.start
	if rel < -ptsWrap/2 {
		rel += ptsWrap
	}
	if rel < 0 {
		rel = 0
	}
	return time.Duration(rel * 100000 / 9)
}

// rewind moves the input to off and drops all buffered state.
func (r *Reader) rewind(off int64) error {
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return err
	}
	r.dmx.reset(r.rs)
	clear(r.pending)
	r.pending = r.pending[:0]
	clear(r.lastPTS)
	r.cc.reset()
	r.eof = false
	r.needKey = false
	return nil
}

// locate bisects packet-aligned offsets for the last one whose first
// timing-stream timestamp is before pos.
func (r *Reader) locate(pos time.Duration) (int64, error) {
	lo, hi := int64(0), r.size/packetSize
	for step := 0; step < maxSeekSteps && hi-lo > seekTolerancePackets; step++ {
		mid := lo + (hi-lo)/2
		pts, ok, err := r.ptsAt(mid * packetSize)
		if err != nil {
			return 0, err
		}
		if ok && pts < pos {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo * packetSize, nil
}

// ptsAt returns the first timing-stream timestamp found after off.
func (r *Reader) ptsAt(off int64) (time.Duration, bool, error) {
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return 0, false, err
	}
	r.dmx.reset(r.rs)
	for i := 0; i < ptsScanUnits; i++ {
		u, err := r.dmx.next()
		if errors.Is(err, io.EOF) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		if pts, ok := r.timingPTS(u); ok {
			return r.toDuration(pts), true, nil
		}
	}
	return 0, false, nil
}

func (r *Reader) timingPTS(u unit) (int64, bool) {
	if u.pes == nil || u.pid != r.timing || !u.pes.hasPTS {
		return 0, false
	}
	return u.pes.pts, true
}

// scanDuration reads the tail of the input for the last timing-stream
// timestamp.
func (r *Reader) scanDuration() {
	if !r.hasStart {
		return
	}
	off := r.size - tailScanBytes
	if off < 0 {
		off = 0
	}
	off -= off % packetSize
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		r.log.Debug("duration scan failed", "error", err)
		return
	}
	r.dmx.reset(r.rs)

	var last int64
	found := false
	for {
		u, err := r.dmx.next()
		if err != nil {
			break
		}
		if pts, ok := r.timingPTS(u); ok {
			last, found = pts, true
		}
	}
	if found {
		r.duration = r.toDuration(last)
	}
}
