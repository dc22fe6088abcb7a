package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avfeed/internal/ingest"
)

// readBufferSize holds ten SRT payloads of 7 TS packets (1316 bytes) each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency (120ms).
const latencyNs = 120_000_000

// Server accepts SRT publish connections and registers each one as a live
// feed.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server listening on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	// Reject publishers without a stream ID, and a second publisher for a
	// key that is already live.
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, live := s.registry.Get(extractStreamKey(req.StreamID)); live {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handle(ctx, conn, key)
	}
}

func (s *Server) handle(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	feed, err := s.registry.Register(key)
	if err != nil {
		s.log.Warn("publish rejected", "stream_key", key, "error", err)
		return
	}
	feed.SetRemoteAddr(conn.RemoteAddr().String())

	copyFeed(ctx, conn, feed, s.log)

	stats := feed.Stats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// copyFeed moves bytes from conn into the feed until either side fails or
// ctx is done.
func copyFeed(ctx context.Context, conn io.Reader, feed *ingest.Feed, log *slog.Logger) {
	buf := make([]byte, readBufferSize)
	w := feed.Writer()
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", feed.Key, "error", err)
			}
			return
		}
		feed.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("feed closed by consumer", "stream_key", feed.Key, "error", err)
			return
		}
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
