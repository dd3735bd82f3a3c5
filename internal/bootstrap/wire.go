package bootstrap

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/backoff"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/capture"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/config"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/controlplane"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/metrics"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/transport"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Config     config.Config
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink, logger zerolog.Logger) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	source, err := captureSource(cfg.Audio)
	if err != nil {
		return Services{}, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	channels := transport.NewFactory(transport.Config{
		Endpoint:          cfg.Stream.Endpoint,
		Token:             cfg.ControlPlane.Token,
		HandshakeTimeout:  cfg.Resilience.HandshakeTimeout,
		HeartbeatInterval: cfg.Resilience.HeartbeatInterval,
		SilenceBound:      cfg.Resilience.SilenceBound,
		HeartbeatMisses:   m.HeartbeatMisses,
	}, logger, nil)

	control := controlplane.NewClient(controlplane.Config{
		BaseURL: cfg.ControlPlane.BaseURL,
		Token:   cfg.ControlPlane.Token,
		Timeout: cfg.ControlPlane.Timeout,
	}, logger)

	policy := backoff.NewPolicy(
		cfg.Resilience.ReconnectBase,
		cfg.Resilience.ReconnectIdleBase,
		cfg.Resilience.ReconnectCap,
		cfg.Resilience.ReconnectJitter,
	)

	captureFactory := func() usecase.CaptureRuntime {
		return capture.NewManager(source, capture.ManagerConfig{
			Capture: ports.CaptureConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputDevice: cfg.Audio.InputDevice,
			},
			ChunkDuration:  cfg.Audio.ChunkDuration,
			StallThreshold: cfg.Resilience.StallThreshold,
			HealthTick:     cfg.Resilience.HealthTick,
			MaxRestarts:    cfg.Resilience.MaxRestarts,
			Restarts:       m.CaptureRestarts,
		}, logger, nil)
	}

	controller := usecase.NewSessionController(
		captureFactory,
		channels,
		control,
		eventSink,
		policy,
		m,
		logger,
		nil,
		usecase.Config{
			AgentID:             cfg.ControlPlane.AgentID,
			Language:            cfg.ControlPlane.Language,
			DetectorSensitivity: cfg.ControlPlane.DetectorSensitivity,
			ChunkDuration:       cfg.Audio.ChunkDuration,
			GraceWindow:         cfg.Resilience.GraceWindow,
			MaxAttempts:         cfg.Resilience.MaxAttempts,
			StabilityWindow:     cfg.Resilience.StabilityWindow,
			SilenceWindow:       cfg.Silence.Window,
			SilenceCooldown:     cfg.Silence.Cooldown,
			SilenceThreshold:    cfg.Silence.Threshold,
			SilenceWarmupChunks: cfg.Silence.WarmupChunks,
		},
	)

	return Services{Controller: controller, Metrics: m, Registry: registry, Config: cfg}, nil
}

func captureSource(cfg config.AudioConfig) (ports.CaptureSource, error) {
	switch cfg.Backend {
	case "ffmpeg":
		return capture.NewFFmpegSource(cfg.FFmpegCommand, cfg.InputFormat), nil
	case "portaudio":
		return capture.NewPortAudioSource()
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}
