// Package config loads avfeed's configuration from defaults, an optional
// TOML or YAML file, AVFEED_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zsiec/avfeed/internal/demux"
	"github.com/zsiec/avfeed/internal/media"
	"github.com/zsiec/avfeed/internal/player"
)

// Config is the complete application configuration.
type Config struct {
	Input   InputConfig   `mapstructure:"input"`
	SRT     SRTConfig     `mapstructure:"srt"`
	Control ControlConfig `mapstructure:"control"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Demux   DemuxConfig   `mapstructure:"demux"`
	Log     LogConfig     `mapstructure:"log"`
}

// InputConfig selects the file played at startup.
type InputConfig struct {
	// Path of a .ts or .mp4 file. Empty runs only live ingest.
	Path    string `mapstructure:"path"`
	Session string `mapstructure:"session"`
	// KeepOpen keeps a file session alive at the end for later seeks.
	KeepOpen bool `mapstructure:"keep_open"`
	// Paced delivers frames at their presentation time.
	Paced bool `mapstructure:"paced"`
}

// SRTConfig configures the SRT listener. An empty Addr disables it.
type SRTConfig struct {
	Addr string `mapstructure:"addr"`
}

// ControlConfig configures the control API.
type ControlConfig struct {
	Addr  string `mapstructure:"addr"`
	TLS   bool   `mapstructure:"tls"`
	HTTP3 bool   `mapstructure:"http3"`
	// CertFile and KeyFile load a certificate instead of generating a
	// self-signed one.
	CertFile string   `mapstructure:"cert_file"`
	KeyFile  string   `mapstructure:"key_file"`
	Hosts    []string `mapstructure:"hosts"`
}

// QueueConfig sizes the per-pipeline packet queues.
type QueueConfig struct {
	VideoSize      int `mapstructure:"video_size"`
	VideoThreshold int `mapstructure:"video_threshold"`
	AudioSize      int `mapstructure:"audio_size"`
	AudioThreshold int `mapstructure:"audio_threshold"`
}

// DemuxConfig bounds the coordinator's waits.
type DemuxConfig struct {
	PauseWait     time.Duration `mapstructure:"pause_wait"`
	StopWait      time.Duration `mapstructure:"stop_wait"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			Session: "main",
			Paced:   true,
		},
		SRT: SRTConfig{Addr: ":6000"},
		Control: ControlConfig{
			Addr: ":4444",
			TLS:  true,
		},
		Queue: QueueConfig{
			VideoSize:      media.VideoQueueSize,
			VideoThreshold: media.VideoQueueThreshold,
			AudioSize:      media.AudioQueueSize,
			AudioThreshold: media.AudioQueueThreshold,
		},
		Demux: DemuxConfig{
			PauseWait:     demux.DefaultPauseWait,
			StopWait:      demux.DefaultStopWait,
			RetryInterval: demux.DefaultRetryInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.VideoSize <= 0 || c.Queue.AudioSize <= 0 {
		errs = append(errs, errors.New("queue sizes must be positive"))
	}
	if c.Queue.VideoThreshold <= 0 || c.Queue.VideoThreshold > c.Queue.VideoSize {
		errs = append(errs, fmt.Errorf("queue.video_threshold %d outside 1..%d", c.Queue.VideoThreshold, c.Queue.VideoSize))
	}
	if c.Queue.AudioThreshold <= 0 || c.Queue.AudioThreshold > c.Queue.AudioSize {
		errs = append(errs, fmt.Errorf("queue.audio_threshold %d outside 1..%d", c.Queue.AudioThreshold, c.Queue.AudioSize))
	}
	if c.Demux.PauseWait <= 0 || c.Demux.StopWait <= 0 || c.Demux.RetryInterval < 0 {
		errs = append(errs, errors.New("demux waits must be positive"))
	}
	if c.Control.HTTP3 && !c.Control.TLS {
		errs = append(errs, errors.New("control.http3 requires control.tls"))
	}
	if (c.Control.CertFile == "") != (c.Control.KeyFile == "") {
		errs = append(errs, errors.New("control.cert_file and control.key_file must be set together"))
	}
	if c.Input.Path != "" && c.Input.Session == "" {
		errs = append(errs, errors.New("input.session must not be empty"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// Player returns the player configuration derived from c.
func (c *Config) Player() player.Config {
	return player.Config{
		VideoQueueSize:      c.Queue.VideoSize,
		VideoQueueThreshold: c.Queue.VideoThreshold,
		AudioQueueSize:      c.Queue.AudioSize,
		AudioQueueThreshold: c.Queue.AudioThreshold,
		PauseWait:           c.Demux.PauseWait,
		StopWait:            c.Demux.StopWait,
		RetryInterval:       c.Demux.RetryInterval,
		KeepOpen:            c.Input.KeepOpen,
		Paced:               c.Input.Paced,
	}
}
