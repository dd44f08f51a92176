// Package config loads runtime tuning for servers and clients from a TOML
// file, overlaying only the keys the file actually defines on top of the
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"proto-rpc/transport"
)

// Config is the resolved runtime configuration.
type Config struct {
	MaxFrameSize     int
	StreamQueueDepth int
	LogLevel         zerolog.Level
	RateLimit        float64 // calls per second; 0 disables the limiter
	RateBurst        int
	CallTimeout      time.Duration // server-side cap per call; 0 disables
}

// Default returns the configuration used when no file key overrides it.
func Default() Config {
	return Config{
		MaxFrameSize:     4 << 20,
		StreamQueueDepth: 32,
		LogLevel:         zerolog.InfoLevel,
	}
}

// fileConfig is the TOML key mapping.
type fileConfig struct {
	MaxFrameSize     int     `toml:"max_frame_size"`
	StreamQueueDepth int     `toml:"stream_queue_depth"`
	LogLevel         string  `toml:"log_level"`
	RateLimit        float64 `toml:"rate_limit"`
	RateBurst        int     `toml:"rate_burst"`
	CallTimeout      string  `toml:"call_timeout"`
}

// Load decodes path and overlays defined keys on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("stream_queue_depth") {
		cfg.StreamQueueDepth = raw.StreamQueueDepth
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
		if err != nil {
			return Config{}, fmt.Errorf("config: bad log_level %q: %w", raw.LogLevel, err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(raw.CallTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: bad call_timeout %q: %w", raw.CallTimeout, err)
		}
		cfg.CallTimeout = d
	}
	return cfg, nil
}

// TransportOptions maps the configuration onto transport options.
func (c Config) TransportOptions(log zerolog.Logger) transport.Options {
	return transport.Options{
		MaxFrameSize:     c.MaxFrameSize,
		StreamQueueDepth: c.StreamQueueDepth,
		Logger:           log.Level(c.LogLevel),
	}
}
