package recorder

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/bootstrap"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/config"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/usecase"
)

// Recorder is the embeddable entry point for the resilient recording
// backend. The event sink receives session and connection updates; it owns
// rendering and never influences the state machine.
type Recorder struct {
	controller *usecase.SessionController
	registry   *prometheus.Registry
	cfg        config.Config
}

// New assembles the recording backend from configuration.
func New(sink ports.EventSink, logger zerolog.Logger) (*Recorder, error) {
	services, err := bootstrap.Build(sink, logger)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		controller: services.Controller,
		registry:   services.Registry,
		cfg:        services.Config,
	}, nil
}

// Start begins a recording session.
func (r *Recorder) Start(ctx context.Context) (domain.Session, error) {
	return r.controller.Start(ctx)
}

// Pause suspends capture without ending the session.
func (r *Recorder) Pause() error {
	return r.controller.Pause()
}

// Resume restarts capture after a pause.
func (r *Recorder) Resume() error {
	return r.controller.Resume()
}

// Stop ends the session and finalizes the recording. Stopping an already
// idle recorder is not an error.
func (r *Recorder) Stop(ctx context.Context) (domain.FinalizedRecording, error) {
	record, err := r.controller.Stop(ctx)
	if errors.Is(err, usecase.ErrNoActiveSession) {
		return domain.FinalizedRecording{}, nil
	}
	return record, err
}

// Status returns the current session snapshot.
func (r *Recorder) Status() domain.Status {
	return r.controller.Status()
}

// Registry exposes the metrics registry for an HTTP scrape endpoint.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RuntimeInfo returns non-sensitive configuration for display.
func (r *Recorder) RuntimeInfo() map[string]string {
	return map[string]string{
		"controlPlane": r.cfg.ControlPlane.BaseURL,
		"stream":       r.cfg.Stream.Endpoint,
		"agent":        r.cfg.ControlPlane.AgentID,
		"language":     r.cfg.ControlPlane.Language,
		"audioBackend": r.cfg.Audio.Backend,
		"audioInput":   r.cfg.Audio.InputDevice,
	}
}

// SessionReasonMessage renders a state transition reason for display.
func SessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonStartRequested:
		return "Starting session"
	case domain.SessionReasonRecordingStarted:
		return "Recording"
	case domain.SessionReasonRecordingResumed:
		return "Recording resumed"
	case domain.SessionReasonPauseRequested:
		return "Paused"
	case domain.SessionReasonBufferLimit:
		return "Paused: offline too long, audio buffer is full"
	case domain.SessionReasonReconnectExhausted:
		return "Connection lost and could not be restored"
	case domain.SessionReasonStopRequested:
		return "Stopping session"
	case domain.SessionReasonCaptureFailed:
		return "Microphone failed; stopping session"
	case domain.SessionReasonStopped:
		return "Session ended"
	default:
		return ""
	}
}

// ErrorMessage renders an error code for display.
func ErrorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermission:
		return "Microphone permission denied"
	case domain.ErrorCodeCapture:
		return "Microphone capture failed"
	case domain.ErrorCodeTransport:
		return "Stream connection trouble"
	case domain.ErrorCodeControlPlane:
		return "Recording service rejected the request"
	case domain.ErrorCodeFinalize:
		return "Recording saved locally but could not be finalized"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

// SignalMessage renders a user-facing advisory signal for display.
func SignalMessage(kind domain.SignalKind) string {
	switch kind {
	case domain.SignalBuffering:
		return "Connection lost; audio is buffering locally"
	case domain.SignalNoAudio:
		return "No audio detected; check your microphone"
	default:
		return ""
	}
}
