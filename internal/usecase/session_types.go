package usecase

import (
	"context"
	"time"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/audio"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/backoff"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

// CaptureRuntime is the per-session capture pipeline owned by the controller.
type CaptureRuntime interface {
	StartCapture(ctx context.Context, onChunk func(domain.AudioChunk), onFatal func(error)) error
	Pause()
	Resume()
	Stop()
}

// CaptureFactory builds the single capture runtime owned by a session.
type CaptureFactory func() CaptureRuntime

// activeSession bundles everything owned by one recording session. All fields
// below the collaborators are guarded by the controller mutex; the controller
// is the only writer.
type activeSession struct {
	session domain.Session
	ctx     context.Context
	cancel  context.CancelFunc

	capture  CaptureRuntime
	channel  ports.Channel
	buffer   *audio.Buffer
	detector *audio.SilenceDetector
	schedule *backoff.Schedule

	state       domain.SessionState
	gracePaused bool
	buffering   bool
	stopping    bool
	chunksSent  uint64

	reconnectTimer *time.Timer
	stabilityTimer *time.Timer

	stopDone   chan struct{}
	stopRecord domain.FinalizedRecording
	stopErr    error
}

func (s *activeSession) clearTimers() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.stabilityTimer != nil {
		s.stabilityTimer.Stop()
		s.stabilityTimer = nil
	}
}
