package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AVFEED_CONTROL_ADDR.
const EnvPrefix = "AVFEED"

// ErrHelp is returned by Load when -h or --help was requested.
var ErrHelp = pflag.ErrHelp

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"input":        "input.path",
	"session":      "input.session",
	"keep-open":    "input.keep_open",
	"paced":        "input.paced",
	"srt-addr":     "srt.addr",
	"control-addr": "control.addr",
	"tls":          "control.tls",
	"http3":        "control.http3",
	"cert-file":    "control.cert_file",
	"key-file":     "control.key_file",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: bind --%s: %w", name, err)
		}
	}
	// A bare positional argument is the input file.
	if fs.NArg() > 0 && !fs.Changed("input") {
		v.Set("input.path", fs.Arg(0))
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newFlagSet() *pflag.FlagSet {
	d := DefaultConfig()
	fs := pflag.NewFlagSet("avfeed", pflag.ContinueOnError)
	fs.String("config", "", "path to a TOML or YAML config file")
	fs.String("input", d.Input.Path, "transport stream or MP4 file to play")
	fs.String("session", d.Input.Session, "session key of the input file")
	fs.Bool("keep-open", d.Input.KeepOpen, "keep the file session open at end of stream")
	fs.Bool("paced", d.Input.Paced, "deliver frames at their presentation time")
	fs.String("srt-addr", d.SRT.Addr, "SRT listen address, empty to disable")
	fs.String("control-addr", d.Control.Addr, "control API listen address")
	fs.Bool("tls", d.Control.TLS, "serve the control API over TLS")
	fs.Bool("http3", d.Control.HTTP3, "also serve the control API over HTTP/3")
	fs.String("cert-file", d.Control.CertFile, "PEM certificate for the control API")
	fs.String("key-file", d.Control.KeyFile, "PEM key for the control API")
	fs.String("log-level", d.Log.Level, "debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "text or json")
	return fs
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("input.path", d.Input.Path)
	v.SetDefault("input.session", d.Input.Session)
	v.SetDefault("input.keep_open", d.Input.KeepOpen)
	v.SetDefault("input.paced", d.Input.Paced)
	v.SetDefault("srt.addr", d.SRT.Addr)
	v.SetDefault("control.addr", d.Control.Addr)
	v.SetDefault("control.tls", d.Control.TLS)
	v.SetDefault("control.http3", d.Control.HTTP3)
	v.SetDefault("control.cert_file", d.Control.CertFile)
	v.SetDefault("control.key_file", d.Control.KeyFile)
	v.SetDefault("control.hosts", d.Control.Hosts)
	v.SetDefault("queue.video_size", d.Queue.VideoSize)
	v.SetDefault("queue.video_threshold", d.Queue.VideoThreshold)
	v.SetDefault("queue.audio_size", d.Queue.AudioSize)
	v.SetDefault("queue.audio_threshold", d.Queue.AudioThreshold)
	v.SetDefault("demux.pause_wait", d.Demux.PauseWait)
	v.SetDefault("demux.stop_wait", d.Demux.StopWait)
	v.SetDefault("demux.retry_interval", d.Demux.RetryInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
