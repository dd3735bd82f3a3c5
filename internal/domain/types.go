package domain

import "time"

// SessionState models the recording session lifecycle.
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStateStarting  SessionState = "starting"
	SessionStateRecording SessionState = "recording"
	SessionStatePaused    SessionState = "paused"
	SessionStateStopping  SessionState = "stopping"
)

// ConnectionState models the transport channel lifecycle. It is owned by the
// channel; the session controller reads it but only issues connect/close
// commands.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// CloseReason classifies a channel close. The streaming endpoint signals a
// duplicate-connection rejection with a dedicated close code, and the
// reconnect strategy treats it differently from ordinary network failure.
type CloseReason string

const (
	CloseReasonNormal            CloseReason = "normal"
	CloseReasonDuplicateRejected CloseReason = "duplicate_rejected"
	CloseReasonAbnormal          CloseReason = "abnormal"
	CloseReasonPolicyViolation   CloseReason = "policy_violation"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonStartRequested     SessionStateReason = "start_requested"
	SessionReasonRecordingStarted   SessionStateReason = "recording_started"
	SessionReasonRecordingResumed   SessionStateReason = "recording_resumed"
	SessionReasonPauseRequested     SessionStateReason = "pause_requested"
	SessionReasonBufferLimit        SessionStateReason = "buffer_limit"
	SessionReasonReconnectExhausted SessionStateReason = "reconnect_exhausted"
	SessionReasonStopRequested      SessionStateReason = "stop_requested"
	SessionReasonCaptureFailed      SessionStateReason = "capture_failed"
	SessionReasonStopped            SessionStateReason = "stopped"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup      ErrorCode = "startup"
	ErrorCodePermission   ErrorCode = "permission"
	ErrorCodeCapture      ErrorCode = "capture"
	ErrorCodeTransport    ErrorCode = "transport"
	ErrorCodeControlPlane ErrorCode = "control_plane"
	ErrorCodeFinalize     ErrorCode = "finalize"
)

// SignalKind identifies user-facing advisory signals. Signals never alter the
// state machine; the UI collaborator decides how to render them.
type SignalKind string

const (
	SignalBuffering SignalKind = "buffering"
	SignalNoAudio   SignalKind = "no_audio"
)

// Session identifies one recording accepted by the control plane. The ID is
// immutable once assigned and discarded only after stop completes.
type Session struct {
	ID        string
	State     SessionState
	StartedAt time.Time
}

// AudioChunk is one time-sliced unit of captured audio. Sequence is
// monotonically increasing per session, never reused, and is the ordering key
// for buffered replay.
type AudioChunk struct {
	Payload    []byte
	CapturedAt time.Time
	Sequence   uint64
}

// ServerMessage is a parsed JSON control frame from the streaming endpoint.
type ServerMessage struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// FinalizedRecording is the opaque handle returned by the control plane once
// a session is finalized.
type FinalizedRecording struct {
	SessionID   string
	ReferenceID string
}

// HeartbeatRecord summarizes channel liveness. Misses are a degradation
// warning only; closure is always driven by the underlying transport.
type HeartbeatRecord struct {
	LastServerSignalAt time.Time
	ConsecutiveMisses  int
	LastRTT            time.Duration
}

// Status summarizes the current runtime status for the UI collaborator.
type Status struct {
	SessionID        string          `json:"sessionId,omitempty"`
	State            SessionState    `json:"state"`
	Connection       ConnectionState `json:"connection"`
	Active           bool            `json:"active"`
	BufferedDuration time.Duration   `json:"bufferedDuration"`
	ChunksSent       uint64          `json:"chunksSent"`
	ChunksBuffered   uint64          `json:"chunksBuffered"`
}
