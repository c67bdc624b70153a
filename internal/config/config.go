// Package config loads and validates the feed server's runtime configuration
// from environment variables (prefix FEED) and an optional feed.yaml file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Producer modes.
const (
	ModeQuick          = "quick"
	ModeSession        = "session"
	ModeStreamLive     = "stream_live"
	ModeStreamPlayback = "stream_playback"
)

// Config holds all runtime configuration for the feed server.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Synth   SynthConfig   `mapstructure:"synth"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network settings for the WebSocket listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// FeedConfig controls the distribution engine: retention, batching, pacing
// and the wire format.
type FeedConfig struct {
	Mode              string  `mapstructure:"mode"`
	RingCapacity      int     `mapstructure:"ring_capacity"`
	HistoryChunk      int     `mapstructure:"history_chunk"`
	LiveBatch         int     `mapstructure:"live_batch"`
	HeartbeatSec      int     `mapstructure:"heartbeat_sec"`
	FlushMs           int     `mapstructure:"flush_ms"`
	WsFormat          string  `mapstructure:"ws_format"`
	EmitSamplesPerSec float64 `mapstructure:"emit_samples_per_sec"`
}

// SynthConfig controls the synthetic dataset builder used by the quick and
// session modes.
type SynthConfig struct {
	Instruments        string  `mapstructure:"instruments"`
	TotalSamples       int     `mapstructure:"total_samples"`
	SessionMs          int64   `mapstructure:"session_ms"`
	TickDtMs           int64   `mapstructure:"tick_dt_ms"`
	Seed               int64   `mapstructure:"seed"`
	PriceModel         string  `mapstructure:"price_model"`
	BasePrice          float64 `mapstructure:"base_price"`
	SinePeriodSec      float64 `mapstructure:"sine_period_sec"`
	SineAmp            float64 `mapstructure:"sine_amp"`
	SineNoise          float64 `mapstructure:"sine_noise"`
	RwDrift            float64 `mapstructure:"rw_drift"`
	RwVol              float64 `mapstructure:"rw_vol"`
	BarIntervals       string  `mapstructure:"bar_intervals"`
	IndicatorWindows   string  `mapstructure:"indicator_windows"`
	StrategyID         string  `mapstructure:"strategy_id"`
	StrategyRatePerMin float64 `mapstructure:"strategy_rate_per_min"`
	StrategyHoldBars   int     `mapstructure:"strategy_hold_bars"`
	StrategyMaxOpen    int     `mapstructure:"strategy_max_open"`
}

// StreamConfig points the stream_live / stream_playback producers at the
// JetStream source of truth.
type StreamConfig struct {
	URL            string `mapstructure:"url"`
	Stream         string `mapstructure:"stream"`
	SubjectPrefix  string `mapstructure:"subject_prefix"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	PlaybackFrom   string `mapstructure:"playback_from"`
	PlaybackTo     string `mapstructure:"playback_to"`
	StrategyID     string `mapstructure:"strategy_id"`
}

// MetricsConfig controls the diagnostics listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls the zap logger level and development mode.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional config
// file, then validates it.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)

	v.SetDefault("feed.mode", ModeQuick)
	v.SetDefault("feed.ring_capacity", 200000)
	v.SetDefault("feed.history_chunk", 4096)
	v.SetDefault("feed.live_batch", 512)
	v.SetDefault("feed.heartbeat_sec", 5)
	v.SetDefault("feed.flush_ms", 20)
	v.SetDefault("feed.ws_format", "text")
	v.SetDefault("feed.emit_samples_per_sec", 0.0)

	v.SetDefault("synth.instruments", "ES.c.0")
	v.SetDefault("synth.total_samples", 4000)
	v.SetDefault("synth.session_ms", 23_400_000) // 6.5h trading session
	v.SetDefault("synth.tick_dt_ms", 25)
	v.SetDefault("synth.seed", 0)
	v.SetDefault("synth.price_model", "sine")
	v.SetDefault("synth.base_price", 100.0)
	v.SetDefault("synth.sine_period_sec", 60.0)
	v.SetDefault("synth.sine_amp", 2.0)
	v.SetDefault("synth.sine_noise", 0.05)
	v.SetDefault("synth.rw_drift", 0.0)
	v.SetDefault("synth.rw_vol", 0.25)
	v.SetDefault("synth.bar_intervals", "10000,30000")
	v.SetDefault("synth.indicator_windows", "10")
	v.SetDefault("synth.strategy_id", "alpha")
	v.SetDefault("synth.strategy_rate_per_min", 6.0)
	v.SetDefault("synth.strategy_hold_bars", 5)
	v.SetDefault("synth.strategy_max_open", 3)

	v.SetDefault("stream.url", "nats://127.0.0.1:4222")
	v.SetDefault("stream.stream", "FEED")
	v.SetDefault("stream.subject_prefix", "feed.rows")
	v.SetDefault("stream.poll_interval_ms", 50)
	v.SetDefault("stream.playback_from", "")
	v.SetDefault("stream.playback_to", "")
	v.SetDefault("stream.strategy_id", "alpha")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("feed")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("FEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the fatal-at-startup rules.
func (c Config) Validate() error {
	if c.Feed.RingCapacity <= 0 {
		return fmt.Errorf("feed.ring_capacity must be > 0 (got %d)", c.Feed.RingCapacity)
	}
	if c.Feed.HistoryChunk <= 0 {
		return fmt.Errorf("feed.history_chunk must be > 0 (got %d)", c.Feed.HistoryChunk)
	}
	if c.Feed.LiveBatch <= 0 {
		return fmt.Errorf("feed.live_batch must be > 0 (got %d)", c.Feed.LiveBatch)
	}
	if c.Feed.HeartbeatSec <= 0 {
		return fmt.Errorf("feed.heartbeat_sec must be > 0 (got %d)", c.Feed.HeartbeatSec)
	}
	if c.Feed.WsFormat != "text" && c.Feed.WsFormat != "binary" {
		return fmt.Errorf("feed.ws_format must be text or binary (got %q)", c.Feed.WsFormat)
	}
	switch c.Feed.Mode {
	case ModeQuick, ModeSession, ModeStreamLive, ModeStreamPlayback:
	default:
		return fmt.Errorf("feed.mode must be one of quick, session, stream_live, stream_playback (got %q)", c.Feed.Mode)
	}
	if c.Feed.Mode == ModeStreamPlayback {
		if c.Stream.PlaybackFrom == "" || c.Stream.PlaybackTo == "" {
			return fmt.Errorf("stream.playback_from and stream.playback_to are required for %s", ModeStreamPlayback)
		}
		if _, err := time.Parse(time.RFC3339, c.Stream.PlaybackFrom); err != nil {
			return fmt.Errorf("stream.playback_from: %w", err)
		}
		if _, err := time.Parse(time.RFC3339, c.Stream.PlaybackTo); err != nil {
			return fmt.Errorf("stream.playback_to: %w", err)
		}
	}
	if c.Synth.TickDtMs <= 0 {
		return fmt.Errorf("synth.tick_dt_ms must be > 0 (got %d)", c.Synth.TickDtMs)
	}
	if _, err := c.Synth.BarIntervalList(); err != nil {
		return err
	}
	if _, err := c.Synth.IndicatorWindowList(); err != nil {
		return err
	}
	return nil
}

// Addr returns the host:port bind address of the WebSocket listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c FeedConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// FlushInterval returns the live sender's inter-batch sleep.
func (c FeedConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushMs) * time.Millisecond
}

// SenderCapacity estimates the per-session live throughput ceiling in
// samples/sec given live_batch and flush_ms.
func (c FeedConfig) SenderCapacity() float64 {
	flush := c.FlushMs
	if flush <= 0 {
		flush = 1
	}
	return float64(c.LiveBatch) / (float64(flush) / 1000.0)
}

// InstrumentList splits the comma-separated instrument set.
func (c SynthConfig) InstrumentList() []string {
	var out []string
	for _, part := range strings.Split(c.Instruments, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []string{"ES.c.0"}
	}
	return out
}

// BarIntervalList parses the comma-separated bar intervals (ms).
func (c SynthConfig) BarIntervalList() ([]int64, error) {
	return parseInt64List("synth.bar_intervals", c.BarIntervals, []int64{10000})
}

// IndicatorWindowList parses the comma-separated SMA windows.
func (c SynthConfig) IndicatorWindowList() ([]int64, error) {
	return parseInt64List("synth.indicator_windows", c.IndicatorWindows, []int64{10})
}

// PollInterval returns the tailer poll cadence as a duration.
func (c StreamConfig) PollInterval() time.Duration {
	ms := c.PollIntervalMs
	if ms <= 0 {
		ms = 50
	}
	return time.Duration(ms) * time.Millisecond
}

func parseInt64List(key, raw string, fallback []int64) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		s := strings.TrimSpace(part)
		if s == "" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad entry %q: %w", key, s, err)
		}
		if n > 0 {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		out = append(out, fallback...)
	}
	return out, nil
}
