package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avfeed/internal/certs"
	"github.com/zsiec/avfeed/internal/config"
	"github.com/zsiec/avfeed/internal/control"
	"github.com/zsiec/avfeed/internal/ingest"
	srtingest "github.com/zsiec/avfeed/internal/ingest/srt"
	"github.com/zsiec/avfeed/internal/metrics"
	"github.com/zsiec/avfeed/internal/mp4"
	"github.com/zsiec/avfeed/internal/mpegts"
	"github.com/zsiec/avfeed/internal/player"
	"github.com/zsiec/avfeed/internal/session"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(newLogger(cfg.Log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cancel, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(lc config.LogConfig) *slog.Logger {
	level, _ := lc.SlogLevel()
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

type app struct {
	cfg       *config.Config
	sessions  *session.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
}

// run starts every configured component and blocks until ctx is done, a
// component fails, or the input file session ends without --keep-open.
func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	a := &app{
		cfg:      cfg,
		sessions: session.NewManager(nil),
	}

	cert, err := a.certificate()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Create registry and SRT caller after errgroup so closures capture the
	// errgroup-derived context, ensuring sessions shut down when any
	// component fails.
	a.registry = ingest.NewRegistry(func(f *ingest.Feed) {
		a.handleFeed(ctx, f)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(a.sessions),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := control.NewServer(control.Config{
		Addr:     cfg.Control.Addr,
		Cert:     cert,
		HTTP3:    cfg.Control.HTTP3,
		Sessions: a.sessions,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Feeds:    a.registry.List,
		Pull: func(req srtingest.PullRequest) error {
			return a.srtCaller.Pull(ctx, req)
		},
		PullStop: a.srtCaller.Stop,
		PullList: a.srtCaller.ActivePulls,
	})
	if err != nil {
		return err
	}

	slog.Info("avfeed starting",
		"version", version,
		"input", cfg.Input.Path,
		"srt", cfg.SRT.Addr,
		"api", cfg.Control.Addr,
		"http3", cfg.Control.HTTP3,
	)

	g.Go(func() error {
		return ctrl.Start(ctx)
	})

	if cfg.SRT.Addr != "" {
		srtSrv := srtingest.NewServer(cfg.SRT.Addr, a.registry, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	if cfg.Input.Path != "" {
		g.Go(func() error {
			if err := a.playFile(ctx); err != nil {
				return err
			}
			if ctx.Err() == nil {
				slog.Info("input finished, shutting down", "path", cfg.Input.Path)
				cancel()
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *app) certificate() (*certs.CertInfo, error) {
	cc := a.cfg.Control
	if !cc.TLS {
		return nil, nil
	}
	if cc.CertFile != "" {
		cert, err := certs.Load(cc.CertFile, cc.KeyFile)
		if err != nil {
			return nil, err
		}
		slog.Info("certificate loaded", "file", cc.CertFile, "expires", cert.NotAfter.Format(time.RFC3339))
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14*24*time.Hour, cc.Hosts...)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

// playFile plays the configured input file as a session until it ends.
func (a *app) playFile(ctx context.Context) error {
	path := a.cfg.Input.Path
	src, err := openFile(ctx, path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	p := player.New(src, a.cfg.Player(), nil)
	if err := a.sessions.Run(ctx, a.cfg.Input.Session, "file:"+path, p); err != nil {
		src.Close()
		return fmt.Errorf("session %q: %w", a.cfg.Input.Session, err)
	}
	return nil
}

// openFile picks the reader by file extension; anything that is not an
// MP4 family extension is read as a transport stream.
func openFile(ctx context.Context, path string) (player.Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".m4a", ".mov":
		r, err := mp4.Open(path, nil)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		r, err := mpegts.Open(ctx, path, nil)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// handleFeed plays a live ingest feed as a session named after its key.
func (a *app) handleFeed(ctx context.Context, f *ingest.Feed) {
	log := slog.With("key", f.Key)
	log.Info("new feed from ingest")

	r, err := mpegts.NewReader(ctx, f.Reader(), nil)
	if err != nil {
		log.Warn("feed rejected", "error", err)
		f.Reader().Close()
		return
	}

	pc := a.cfg.Player()
	pc.KeepOpen = false
	p := player.New(r, pc, nil)
	if err := a.sessions.Run(ctx, f.Key, "srt:"+f.Key, p); err != nil {
		log.Warn("session failed", "error", err)
		r.Close()
		return
	}
	log.Info("feed ended")
}
