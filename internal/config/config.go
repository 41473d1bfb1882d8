// Package config loads orpheusd settings from defaults, an optional YAML
// file and ORPHEUS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"

	"github.com/jhead12/orpheus-engine/internal/audio"
	"github.com/jhead12/orpheus-engine/internal/timeline"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration.
type Config struct {
	// Server
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // websocket origins; empty allows any
	ICEServers     []string `yaml:"ice_servers"`     // STUN/TURN URLs for WebRTC peers
	LogLevel       string   `yaml:"log_level"`

	// Audio processing block
	SampleRate int `yaml:"sample_rate"`
	BufferSize int `yaml:"buffer_size"` // frames per cycle
	Channels   int `yaml:"channels"`

	// Initial project
	Tempo         float64 `yaml:"tempo"`
	TimeSignature string  `yaml:"time_signature"` // "N/D"

	// Broadcast
	HistorySize     int           `yaml:"history_size"`
	SendQueue       int           `yaml:"send_queue"` // frames per client before it counts as slow
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PublishInterval time.Duration `yaml:"publish_interval"` // playhead updates
	MetricsInterval time.Duration `yaml:"metrics_interval"` // performance updates
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8000,
		LogLevel:        "info",
		SampleRate:      audio.SampleRate,
		BufferSize:      audio.BufferSize,
		Channels:        audio.Channels,
		Tempo:           120,
		TimeSignature:   "4/4",
		HistorySize:     1000,
		SendQueue:       256,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		PongTimeout:     10 * time.Second,
		PublishInterval: 50 * time.Millisecond,
		MetricsInterval: time.Second,
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. Environment variables override the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = cfg.fromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) fromEnv() Config {
	c.Host = envStr("ORPHEUS_HOST", c.Host)
	c.Port = envInt("ORPHEUS_PORT", c.Port)
	c.AllowedOrigins = envList("ORPHEUS_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.ICEServers = envList("ORPHEUS_ICE_SERVERS", c.ICEServers)
	c.LogLevel = envStr("ORPHEUS_LOG_LEVEL", c.LogLevel)

	c.SampleRate = envInt("ORPHEUS_SAMPLE_RATE", c.SampleRate)
	c.BufferSize = envInt("ORPHEUS_BUFFER_SIZE", c.BufferSize)
	c.Channels = envInt("ORPHEUS_CHANNELS", c.Channels)

	c.Tempo = envFloat("ORPHEUS_TEMPO", c.Tempo)
	c.TimeSignature = envStr("ORPHEUS_TIME_SIGNATURE", c.TimeSignature)

	c.HistorySize = envInt("ORPHEUS_HISTORY_SIZE", c.HistorySize)
	c.SendQueue = envInt("ORPHEUS_SEND_QUEUE", c.SendQueue)
	c.WriteTimeout = envDuration("ORPHEUS_WRITE_TIMEOUT", c.WriteTimeout)
	c.PingInterval = envDuration("ORPHEUS_PING_INTERVAL", c.PingInterval)
	c.PongTimeout = envDuration("ORPHEUS_PONG_TIMEOUT", c.PongTimeout)
	c.PublishInterval = envDuration("ORPHEUS_PUBLISH_INTERVAL", c.PublishInterval)
	c.MetricsInterval = envDuration("ORPHEUS_METRICS_INTERVAL", c.MetricsInterval)
	return c
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level %q: %w", c.LogLevel, err))
	}
	if err := c.Format().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := timeline.ValidateTempo(c.Tempo); err != nil {
		errs = append(errs, fmt.Errorf("tempo: %w", err))
	}
	if _, err := c.Meter(); err != nil {
		errs = append(errs, err)
	}
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("history_size must be positive, got %d", c.HistorySize))
	}
	if c.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("send_queue must be positive, got %d", c.SendQueue))
	}
	for name, d := range map[string]time.Duration{
		"write_timeout":    c.WriteTimeout,
		"ping_interval":    c.PingInterval,
		"pong_timeout":     c.PongTimeout,
		"publish_interval": c.PublishInterval,
		"metrics_interval": c.MetricsInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Format is the audio block format.
func (c Config) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, BufferSize: c.BufferSize, Channels: c.Channels}
}

// Meter parses TimeSignature.
func (c Config) Meter() (timeline.TimeSignature, error) {
	return ParseTimeSignature(c.TimeSignature)
}

// ParseTimeSignature parses "N/D", e.g. "6/8".
func ParseTimeSignature(s string) (timeline.TimeSignature, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return timeline.TimeSignature{}, fmt.Errorf("%w: time signature %q", timeline.ErrInvalidParameter, s)
	}
	n, err1 := strconv.Atoi(strings.TrimSpace(num))
	d, err2 := strconv.Atoi(strings.TrimSpace(den))
	if err1 != nil || err2 != nil {
		return timeline.TimeSignature{}, fmt.Errorf("%w: time signature %q", timeline.ErrInvalidParameter, s)
	}
	ts := timeline.TimeSignature{Numerator: n, Denominator: d}
	if err := ts.Validate(); err != nil {
		return timeline.TimeSignature{}, err
	}
	return ts, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
