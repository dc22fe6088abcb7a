// Package mp4 reads ISO-BMFF files as a demux source.
package mp4

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nareix/joy4/format/mp4"

	"github.com/zsiec/avfeed/internal/media"
)

// ErrNoStreams is returned when the file has neither audio nor video.
var ErrNoStreams = errors.New("mp4: no audio or video stream found")

// Stream describes one track.
type Stream struct {
	Index int        `json:"index"`
	Kind  media.Kind `json:"kind"`
	Codec string     `json:"codec"`
}

// Reader yields the packets of an MP4 file in file order. It is not safe
// for concurrent use, except Close.
type Reader struct {
	log     *slog.Logger
	closer  io.Closer
	dmx     *mp4.Demuxer
	streams []Stream
	audio   int
	video   int
	cur     media.Packet
	ended   bool
}

// Open opens an MP4 file. The file is closed by Close.
func Open(path string, log *slog.Logger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mp4: %w", err)
	}
	r, err := NewReader(f, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader reads the movie header from rs and picks the first audio and
// first video track. If rs is an io.Closer, Close closes it. If log is
// nil, slog.Default() is used.
func NewReader(rs io.ReadSeeker, log *slog.Logger) (*Reader, error) {
	if log == nil {
		log = slog.Default()
	}
	dmx := mp4.NewDemuxer(rs)
	codecs, err := dmx.Streams()
	if err != nil {
		return nil, fmt.Errorf("mp4: read header: %w", err)
	}

	r := &Reader{
		log:   log.With("component", "mp4"),
		dmx:   dmx,
		audio: media.NoStream,
		video: media.NoStream,
	}
	if c, ok := rs.(io.Closer); ok {
		r.closer = c
	}
	for i, cd := range codecs {
		typ := cd.Type()
		s := Stream{Index: i, Codec: typ.String()}
		switch {
		case typ.IsVideo():
			s.Kind = media.KindVideo
			if r.video == media.NoStream {
				r.video = i
			}
		case typ.IsAudio():
			s.Kind = media.KindAudio
			if r.audio == media.NoStream {
				r.audio = i
			}
		}
		r.streams = append(r.streams, s)
	}
	if r.audio == media.NoStream && r.video == media.NoStream {
		return nil, ErrNoStreams
	}

	r.log.Info("mp4 opened", "streams", len(r.streams), "video", r.video, "audio", r.audio)
	return r, nil
}

// Streams returns every track in file order.
func (r *Reader) Streams() []Stream {
	return append([]Stream(nil), r.streams...)
}

// AudioStream returns the index of the first audio track, or
// media.NoStream if there is none.
func (r *Reader) AudioStream() int { return r.audio }

// VideoStream returns the index of the first video track, or
// media.NoStream if there is none.
func (r *Reader) VideoStream() int { return r.video }

// HasAttachedPicture is always false; cover art tracks are not exposed.
func (r *Reader) HasAttachedPicture() bool { return false }

// Duration is unknown to the demuxer and reported as 0.
func (r *Reader) Duration() time.Duration { return 0 }

// Next reads the next sample. After the last sample, or a read error, it
// yields an end marker on every call.
func (r *Reader) Next() bool {
	if r.ended {
		r.cur = media.EndPacket()
		return true
	}
	pkt, err := r.dmx.ReadPacket()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.log.Warn("read failed, ending stream", "error", err)
		}
		r.ended = true
		r.cur = media.EndPacket()
		return true
	}
	r.cur = media.Packet{
		StreamIndex: int(pkt.Idx),
		PTS:         pkt.Time + pkt.CompositionTime,
		DTS:         pkt.Time,
		IsKeyframe:  pkt.IsKeyFrame,
		Data:        pkt.Data,
	}
	return true
}

// Packet returns the sample selected by the last Next.
func (r *Reader) Packet() media.Packet { return r.cur }

// Seek moves every track to the sync sample at or before pos.
func (r *Reader) Seek(pos time.Duration) error {
	if err := r.dmx.SeekToTime(pos); err != nil {
		return fmt.Errorf("mp4: seek to %v: %w", pos, err)
	}
	r.ended = false
	return nil
}

// Seekable is always true.
func (r *Reader) Seekable() bool { return true }

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
