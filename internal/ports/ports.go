package ports

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
)

// ErrPermissionDenied marks microphone acquisition failures caused by a
// denied or revoked permission grant. Fatal to the current session.
var ErrPermissionDenied = errors.New("microphone permission denied")

// CaptureConfig describes how the microphone should be captured.
type CaptureConfig struct {
	SampleRate  int
	Channels    int
	InputDevice string
}

// CaptureStream is a live microphone stream delivering raw PCM bytes.
type CaptureStream interface {
	io.Reader
	Stop() error
}

// CaptureSource acquires microphone streams. Acquisition failures caused by a
// denied permission grant must be reported as (or wrapped around)
// ErrPermissionDenied so callers can classify them as fatal.
type CaptureSource interface {
	Start(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
}

// ChannelHandlers receive transport channel events. Only OnClose with
// intentional=false while the session is still active should trigger the
// reconnection path.
type ChannelHandlers struct {
	OnOpen    func()
	OnClose   func(reason domain.CloseReason, intentional bool)
	OnMessage func(msg domain.ServerMessage)
}

// Channel owns one bidirectional connection to the streaming endpoint.
type Channel interface {
	// Connect opens the connection and starts the heartbeat loop. It fails on
	// handshake timeout or rejection.
	Connect(ctx context.Context) error
	// Send transmits one binary audio frame and reports whether the frame was
	// actually handed to an open connection. Callers buffer on false.
	Send(frame []byte) bool
	// Notify sends a JSON control frame (pause/resume) to the remote side.
	Notify(event string) error
	// Close tears the connection down. An intentional close must not be
	// reported to the owner as a failure requiring reconnection.
	Close(intentional bool)
	State() domain.ConnectionState
	Heartbeat() domain.HeartbeatRecord
}

// ChannelFactory builds the single channel owned by a session.
type ChannelFactory interface {
	New(session domain.Session, handlers ChannelHandlers) Channel
}

// StartSessionRequest carries session configuration to the control plane.
type StartSessionRequest struct {
	AgentID             string
	Language            string
	DetectorSensitivity string
}

// ControlPlane is the remote HTTP collaborator that mints and finalizes
// session ids.
type ControlPlane interface {
	StartSession(ctx context.Context, req StartSessionRequest) (string, error)
	StopSession(ctx context.Context, sessionID string) (domain.FinalizedRecording, error)
}

// EventSink emits session state, connection state, and advisory signals to
// the UI collaborator. It owns all rendering and never influences the state
// machine.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	ConnectionStateChanged(state domain.ConnectionState)
	SessionSignal(kind domain.SignalKind, detail string)
	SessionError(code domain.ErrorCode, detail string)
}

// Clock is the injectable time source used for timestamp arithmetic so the
// core is testable without a real microphone or socket.
type Clock func() time.Time
