// Package control serves the HTTP API that inspects and drives live
// sessions: list and status, pause, seek, single-frame step and stop,
// plus SRT pull management and Prometheus metrics.
package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avfeed/internal/certs"
	"github.com/zsiec/avfeed/internal/ingest"
	"github.com/zsiec/avfeed/internal/ingest/srt"
	"github.com/zsiec/avfeed/internal/session"
)

// Sessions resolves and lists live sessions.
type Sessions interface {
	Get(key string) (*session.Session, bool)
	List() []session.Info
}

// FeedListFunc returns the live ingest feeds.
type FeedListFunc func() []ingest.FeedStats

// PullFunc starts an SRT caller-mode pull.
type PullFunc func(req srt.PullRequest) error

// PullStopFunc stops an active SRT pull by stream key.
type PullStopFunc func(streamKey string) error

// PullListFunc returns every active SRT pull.
type PullListFunc func() []srt.PullRequest

// Config holds the Server's listen address, certificate and hooks. Only
// Addr and Sessions are required; a nil hook disables its routes.
type Config struct {
	Addr string
	// Cert enables TLS. Without it the API is served over plain HTTP.
	Cert *certs.CertInfo
	// HTTP3 additionally serves the API over QUIC on the same port and
	// advertises it with Alt-Svc. It requires Cert.
	HTTP3 bool

	Sessions Sessions
	Metrics  http.Handler
	Feeds    FeedListFunc
	Pull     PullFunc
	PullStop PullStopFunc
	PullList PullListFunc

	Log *slog.Logger
}

// Server is the control API server.
type Server struct {
	cfg Config
	log *slog.Logger
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("control: Addr is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("control: Sessions is required")
	}
	if cfg.HTTP3 && cfg.Cert == nil {
		return nil, errors.New("control: HTTP/3 requires a certificate")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log.With("component", "control")}, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{key}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{key}/pause", s.handlePause)
	mux.HandleFunc("POST /api/sessions/{key}/seek", s.handleSeek)
	mux.HandleFunc("POST /api/sessions/{key}/step", s.handleStep)
	mux.HandleFunc("POST /api/sessions/{key}/stop", s.handleStop)
	mux.HandleFunc("GET /api/ingest", s.handleListFeeds)
	mux.HandleFunc("GET /api/srt-pull", s.handlePullList)
	mux.HandleFunc("POST /api/srt-pull", s.handlePullCreate)
	mux.HandleFunc("DELETE /api/srt-pull/{key}", s.handlePullStop)
	if s.cfg.Cert != nil {
		mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 endpoint on TCP responses.
func altSvcMiddleware(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h3.SetQUICHeaders(w.Header()); err != nil {
			slog.Debug("set Alt-Svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves the API until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	g, ctx := errgroup.WithContext(ctx)

	var tlsConfig *tls.Config
	if s.cfg.Cert != nil {
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{s.cfg.Cert.TLSCert}}
	}

	if s.cfg.HTTP3 {
		h3 := &http3.Server{
			Addr:      s.cfg.Addr,
			Handler:   handler,
			TLSConfig: tlsConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
		handler = altSvcMiddleware(h3, handler)

		g.Go(func() error {
			stop := context.AfterFunc(ctx, func() { h3.Close() })
			defer stop()
			s.log.Info("HTTP/3 API listening", "addr", s.cfg.Addr)
			err := h3.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		stop := context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		})
		defer stop()

		s.log.Info("API listening", "addr", s.cfg.Addr, "tls", tlsConfig != nil)
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return g.Wait()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type certHashResponse struct {
	Hash     string `json:"hash"`
	NotAfter int64  `json:"notAfter"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:     s.cfg.Cert.FingerprintBase64(),
		NotAfter: s.cfg.Cert.NotAfter.UnixMilli(),
	})
}
