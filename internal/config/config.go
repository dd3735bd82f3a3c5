package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores runtime configuration for the recording client.
type Config struct {
	ControlPlane ControlPlaneConfig
	Stream       StreamConfig
	Audio        AudioConfig
	Resilience   ResilienceConfig
	Silence      SilenceConfig
	Logging      LoggingConfig
}

type ControlPlaneConfig struct {
	BaseURL             string
	Token               string
	AgentID             string
	Language            string
	DetectorSensitivity string
	Timeout             time.Duration
}

type StreamConfig struct {
	Endpoint string
}

type AudioConfig struct {
	Backend       string // "portaudio" or "ffmpeg"
	FFmpegCommand string
	InputFormat   string
	InputDevice   string
	SampleRate    int
	Channels      int
	ChunkDuration time.Duration
}

// ResilienceConfig holds the canonical parameter set for stall detection,
// heartbeats, buffering, and reconnection.
type ResilienceConfig struct {
	GraceWindow       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	SilenceBound      time.Duration
	StallThreshold    time.Duration
	HealthTick        time.Duration
	MaxRestarts       int
	ReconnectBase     time.Duration
	ReconnectIdleBase time.Duration
	ReconnectCap      time.Duration
	ReconnectJitter   float64
	MaxAttempts       int
	StabilityWindow   time.Duration
}

type SilenceConfig struct {
	Window       time.Duration
	Cooldown     time.Duration
	Threshold    float64
	WarmupChunks int
}

type LoggingConfig struct {
	Level string
}

// Load resolves configuration from an optional config file and AIAREC_*
// environment variables, with coherent defaults for every resilience knob.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("AIAREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("aiarec")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.config/aiarec")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Config{
		ControlPlane: ControlPlaneConfig{
			BaseURL:             v.GetString("control_plane.base_url"),
			Token:               v.GetString("control_plane.token"),
			AgentID:             v.GetString("control_plane.agent_id"),
			Language:            v.GetString("control_plane.language"),
			DetectorSensitivity: v.GetString("control_plane.detector_sensitivity"),
			Timeout:             v.GetDuration("control_plane.timeout"),
		},
		Stream: StreamConfig{
			Endpoint: v.GetString("stream.endpoint"),
		},
		Audio: AudioConfig{
			Backend:       v.GetString("audio.backend"),
			FFmpegCommand: v.GetString("audio.ffmpeg_command"),
			InputFormat:   v.GetString("audio.input_format"),
			InputDevice:   v.GetString("audio.input_device"),
			SampleRate:    v.GetInt("audio.sample_rate"),
			Channels:      v.GetInt("audio.channels"),
			ChunkDuration: v.GetDuration("audio.chunk_duration"),
		},
		Resilience: ResilienceConfig{
			GraceWindow:       v.GetDuration("resilience.grace_window"),
			HandshakeTimeout:  v.GetDuration("resilience.handshake_timeout"),
			HeartbeatInterval: v.GetDuration("resilience.heartbeat_interval"),
			SilenceBound:      v.GetDuration("resilience.silence_bound"),
			StallThreshold:    v.GetDuration("resilience.stall_threshold"),
			HealthTick:        v.GetDuration("resilience.health_tick"),
			MaxRestarts:       v.GetInt("resilience.max_restarts"),
			ReconnectBase:     v.GetDuration("resilience.reconnect_base"),
			ReconnectIdleBase: v.GetDuration("resilience.reconnect_idle_base"),
			ReconnectCap:      v.GetDuration("resilience.reconnect_cap"),
			ReconnectJitter:   v.GetFloat64("resilience.reconnect_jitter"),
			MaxAttempts:       v.GetInt("resilience.max_attempts"),
			StabilityWindow:   v.GetDuration("resilience.stability_window"),
		},
		Silence: SilenceConfig{
			Window:       v.GetDuration("silence.window"),
			Cooldown:     v.GetDuration("silence.cooldown"),
			Threshold:    v.GetFloat64("silence.threshold"),
			WarmupChunks: v.GetInt("silence.warmup_chunks"),
		},
		Logging: LoggingConfig{
			Level: v.GetString("logging.level"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("control_plane.base_url", "")
	v.SetDefault("control_plane.language", "en")
	v.SetDefault("control_plane.timeout", 15*time.Second)

	v.SetDefault("stream.endpoint", "")

	v.SetDefault("audio.backend", "portaudio")
	v.SetDefault("audio.ffmpeg_command", "ffmpeg")
	v.SetDefault("audio.input_format", "pulse")
	v.SetDefault("audio.input_device", "default")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.chunk_duration", 3*time.Second)

	v.SetDefault("resilience.grace_window", 120*time.Second)
	v.SetDefault("resilience.handshake_timeout", 10*time.Second)
	v.SetDefault("resilience.heartbeat_interval", 20*time.Second)
	v.SetDefault("resilience.silence_bound", 90*time.Second)
	v.SetDefault("resilience.stall_threshold", 15*time.Second)
	v.SetDefault("resilience.health_tick", 10*time.Second)
	v.SetDefault("resilience.max_restarts", 3)
	v.SetDefault("resilience.reconnect_base", 1500*time.Millisecond)
	v.SetDefault("resilience.reconnect_idle_base", 2500*time.Millisecond)
	v.SetDefault("resilience.reconnect_cap", 30*time.Second)
	v.SetDefault("resilience.reconnect_jitter", 0.25)
	v.SetDefault("resilience.max_attempts", 10)
	v.SetDefault("resilience.stability_window", 30*time.Second)

	v.SetDefault("silence.window", 10*time.Second)
	v.SetDefault("silence.cooldown", 30*time.Second)
	v.SetDefault("silence.threshold", 0.01)
	v.SetDefault("silence.warmup_chunks", 2)

	v.SetDefault("logging.level", "info")
}

func (c Config) validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be positive, got %d", c.Audio.Channels)
	}
	if c.Audio.ChunkDuration <= 0 {
		return errors.New("audio.chunk_duration must be positive")
	}
	switch c.Audio.Backend {
	case "portaudio", "ffmpeg":
	default:
		return fmt.Errorf("audio.backend must be portaudio or ffmpeg, got %q", c.Audio.Backend)
	}
	if c.Resilience.GraceWindow < c.Audio.ChunkDuration {
		return errors.New("resilience.grace_window must hold at least one chunk")
	}
	if c.Resilience.ReconnectJitter < 0 || c.Resilience.ReconnectJitter > 0.5 {
		return fmt.Errorf("resilience.reconnect_jitter must be in [0, 0.5], got %v", c.Resilience.ReconnectJitter)
	}
	if c.Resilience.MaxRestarts <= 0 {
		return errors.New("resilience.max_restarts must be positive")
	}
	if c.Resilience.MaxAttempts <= 0 {
		return errors.New("resilience.max_attempts must be positive")
	}
	if c.Silence.Threshold <= 0 || c.Silence.Threshold >= 1 {
		return fmt.Errorf("silence.threshold must be in (0, 1), got %v", c.Silence.Threshold)
	}
	return nil
}
