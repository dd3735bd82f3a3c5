package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/audio"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/backoff"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/metrics"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

var (
	ErrNoActiveSession = errors.New("no active recording session")
	ErrSessionActive   = errors.New("a recording session is already active")
	ErrNotRecording    = errors.New("session is not recording")
	ErrNotPaused       = errors.New("session is not paused")
	ErrStartAborted    = errors.New("session was stopped before start completed")
)

// Config controls session orchestration behavior.
type Config struct {
	AgentID             string
	Language            string
	DetectorSensitivity string

	ChunkDuration time.Duration
	GraceWindow   time.Duration

	MaxAttempts         int
	StabilityWindow     time.Duration
	DuplicateRetryDelay time.Duration

	SilenceWindow       time.Duration
	SilenceCooldown     time.Duration
	SilenceThreshold    float64
	SilenceWarmupChunks int
}

// SessionController is the state machine owning one recording session at a
// time. It wires captured chunks into the stream channel or the retention
// buffer, drives reconnection on unintentional closes, and is the only
// component allowed to create or destroy the channel and capture runtime.
type SessionController struct {
	capture   CaptureFactory
	channels  ports.ChannelFactory
	control   ports.ControlPlane
	events    ports.EventSink
	finalizer sessionFinalizer
	policy    backoff.Policy
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	clock     ports.Clock
	cfg       Config

	mu      sync.Mutex
	current *activeSession
}

func NewSessionController(
	capture CaptureFactory,
	channels ports.ChannelFactory,
	control ports.ControlPlane,
	events ports.EventSink,
	policy backoff.Policy,
	m *metrics.Metrics,
	logger zerolog.Logger,
	clock ports.Clock,
	cfg Config,
) *SessionController {
	if clock == nil {
		clock = time.Now
	}
	if cfg.DuplicateRetryDelay <= 0 {
		cfg.DuplicateRetryDelay = 500 * time.Millisecond
	}
	logger = logger.With().Str("component", "session").Logger()
	return &SessionController{
		capture:   capture,
		channels:  channels,
		control:   control,
		events:    events,
		finalizer: newSessionFinalizer(control, events, logger),
		policy:    policy,
		metrics:   m,
		logger:    logger,
		clock:     clock,
		cfg:       cfg,
	}
}

// Start begins a new recording session. It mints a session id from the
// control plane, opens the stream channel, and starts capture. A failed
// initial connect does not fail the start; audio buffers while the channel
// reconnects. A failed capture start is fatal and rolls the session back.
// A stop issued while the start is still in flight wins: Start abandons the
// session and returns ErrStartAborted.
func (c *SessionController) Start(ctx context.Context) (domain.Session, error) {
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeSession{
		ctx:      sessionCtx,
		cancel:   cancel,
		state:    domain.SessionStateStarting,
		stopDone: make(chan struct{}),
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		cancel()
		return domain.Session{}, ErrSessionActive
	}
	c.current = active
	c.mu.Unlock()

	c.events.SessionStateChanged(domain.SessionStateStarting, domain.SessionReasonStartRequested)

	sessionID, err := c.control.StartSession(ctx, ports.StartSessionRequest{
		AgentID:             c.cfg.AgentID,
		Language:            c.cfg.Language,
		DetectorSensitivity: c.cfg.DetectorSensitivity,
	})
	if err != nil {
		c.abandonStart(active)
		c.events.SessionError(domain.ErrorCodeControlPlane, "session start rejected: "+err.Error())
		return domain.Session{}, err
	}

	session := domain.Session{ID: sessionID, State: domain.SessionStateStarting, StartedAt: c.clock()}

	c.mu.Lock()
	if c.current != active || active.stopping {
		// a stop raced the control plane call; the stop path never saw the
		// minted id, so it is finalized here
		c.mu.Unlock()
		_, _ = c.finalizer.Finalize(ctx, sessionID)
		return domain.Session{}, ErrStartAborted
	}
	active.session = session
	active.buffer = audio.NewBuffer(c.cfg.ChunkDuration, c.cfg.GraceWindow)
	active.detector = audio.NewSilenceDetector(
		c.cfg.SilenceWindow, c.cfg.SilenceCooldown, c.cfg.SilenceThreshold, c.cfg.SilenceWarmupChunks)
	active.schedule = backoff.NewSchedule(c.policy, c.cfg.MaxAttempts)
	active.capture = c.capture()
	active.channel = c.channels.New(session, ports.ChannelHandlers{
		OnOpen:    func() { c.onChannelOpen(active) },
		OnClose:   func(reason domain.CloseReason, intentional bool) { c.onChannelClose(active, reason, intentional) },
		OnMessage: func(msg domain.ServerMessage) { c.onServerMessage(active, msg) },
	})
	c.mu.Unlock()

	c.events.ConnectionStateChanged(domain.ConnectionStateConnecting)
	if err := active.channel.Connect(sessionCtx); err != nil {
		// The session id is already minted; capture proceeds and audio
		// buffers while the channel retries.
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("initial connect failed, retrying")
		c.events.SessionError(domain.ErrorCodeTransport, "stream connect failed: "+err.Error())
		c.events.ConnectionStateChanged(domain.ConnectionStateDisconnected)
		c.mu.Lock()
		if c.current == active && !active.stopping {
			c.scheduleReconnectLocked(active)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	stopped := c.current != active || active.stopping
	c.mu.Unlock()
	if stopped {
		// the stop path owns teardown and finalize from here on
		return domain.Session{}, ErrStartAborted
	}

	if err := active.capture.StartCapture(sessionCtx, c.chunkHandler(active), c.fatalHandler(active)); err != nil {
		c.mu.Lock()
		stopped := c.current != active || active.stopping
		c.mu.Unlock()
		if stopped {
			return domain.Session{}, ErrStartAborted
		}
		code := domain.ErrorCodeStartup
		if errors.Is(err, ports.ErrPermissionDenied) {
			code = domain.ErrorCodePermission
		}
		c.events.SessionError(code, "capture start failed: "+err.Error())
		c.rollbackStart(ctx, active)
		return domain.Session{}, err
	}

	c.mu.Lock()
	if c.current != active || active.stopping {
		c.mu.Unlock()
		// a stop raced capture startup and could not see the stream yet
		active.capture.Stop()
		return domain.Session{}, ErrStartAborted
	}
	active.state = domain.SessionStateRecording
	active.session.State = domain.SessionStateRecording
	session = active.session
	c.mu.Unlock()

	go c.silenceFallbackLoop(active)

	c.metrics.SessionsStarted.Inc()
	c.logger.Info().Str("session_id", sessionID).Msg("recording session started")
	c.events.SessionStateChanged(domain.SessionStateRecording, domain.SessionReasonRecordingStarted)
	return session, nil
}

// abandonStart discards a session that never got past the control plane.
func (c *SessionController) abandonStart(active *activeSession) {
	active.cancel()
	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonStopped)
}

// rollbackStart tears down a session whose id was minted but whose capture
// never started. The control plane is told to finalize so the id is not
// leaked server-side.
func (c *SessionController) rollbackStart(ctx context.Context, active *activeSession) {
	active.channel.Close(true)
	_, _ = c.finalizer.Finalize(ctx, active.session.ID)
	active.cancel()

	c.mu.Lock()
	active.clearTimers()
	if c.current == active {
		c.current = nil
	}
	c.mu.Unlock()
	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonStopped)
}

// Pause suspends capture without releasing the microphone and tells the
// remote side to suspend downstream processing.
func (c *SessionController) Pause() error {
	c.mu.Lock()
	active := c.current
	if active == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if active.state != domain.SessionStateRecording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	active.capture.Pause()
	active.state = domain.SessionStatePaused
	channel := active.channel
	c.mu.Unlock()

	if err := channel.Notify("pause"); err != nil {
		c.logger.Debug().Err(err).Msg("pause notification not delivered")
	}
	c.events.SessionStateChanged(domain.SessionStatePaused, domain.SessionReasonPauseRequested)
	return nil
}

// Resume restarts capture from Paused. If the channel is down it triggers an
// explicit reconnect attempt rather than silently recording into the buffer
// forever.
func (c *SessionController) Resume() error {
	c.mu.Lock()
	active := c.current
	if active == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if active.state != domain.SessionStatePaused {
		c.mu.Unlock()
		return ErrNotPaused
	}

	reconnect := active.channel.State() == domain.ConnectionStateDisconnected
	if reconnect {
		// A user-initiated resume starts a fresh reconnect cycle even when
		// the automatic budget was spent.
		active.clearTimers()
		active.schedule = backoff.NewSchedule(c.policy, c.cfg.MaxAttempts)
	}
	active.capture.Resume()
	active.detector.Reset()
	active.state = domain.SessionStateRecording
	active.gracePaused = false
	channel := active.channel
	ctx := active.ctx
	c.mu.Unlock()

	if reconnect {
		go func() {
			c.events.ConnectionStateChanged(domain.ConnectionStateReconnecting)
			if err := channel.Connect(ctx); err != nil {
				c.mu.Lock()
				if c.current == active && !active.stopping {
					c.scheduleReconnectLocked(active)
				}
				c.mu.Unlock()
			}
		}()
	} else if err := channel.Notify("resume"); err != nil {
		c.logger.Debug().Err(err).Msg("resume notification not delivered")
	}

	c.events.SessionStateChanged(domain.SessionStateRecording, domain.SessionReasonRecordingResumed)
	return nil
}

// Stop ends the session: capture stops, the channel closes intentionally,
// and the control plane finalizes the recording. Repeated and concurrent
// calls join the stop already in flight; exactly one finalize happens.
func (c *SessionController) Stop(ctx context.Context) (domain.FinalizedRecording, error) {
	c.mu.Lock()
	active := c.current
	if active == nil {
		c.mu.Unlock()
		return domain.FinalizedRecording{}, ErrNoActiveSession
	}
	if active.stopping {
		done := active.stopDone
		c.mu.Unlock()
		<-done
		return active.stopRecord, active.stopErr
	}
	c.beginStopLocked(active)
	c.mu.Unlock()

	c.events.SessionStateChanged(domain.SessionStateStopping, domain.SessionReasonStopRequested)
	return c.finishStop(ctx, active)
}

// forceStop is the stop sequence initiated by the core itself after an
// unrecoverable failure.
func (c *SessionController) forceStop(active *activeSession, reason domain.SessionStateReason) {
	c.mu.Lock()
	if c.current != active || active.stopping {
		c.mu.Unlock()
		return
	}
	c.beginStopLocked(active)
	c.mu.Unlock()

	c.events.SessionStateChanged(domain.SessionStateStopping, reason)
	_, _ = c.finishStop(context.Background(), active)
}

func (c *SessionController) beginStopLocked(active *activeSession) {
	active.stopping = true
	active.state = domain.SessionStateStopping
	active.clearTimers()
}

func (c *SessionController) finishStop(ctx context.Context, active *activeSession) (domain.FinalizedRecording, error) {
	// capture and channel may not exist yet when a stop races the start
	if active.capture != nil {
		active.capture.Stop()
	}
	if active.channel != nil {
		active.channel.Close(true)
	}
	if active.buffer != nil {
		if n := active.buffer.Len(); n > 0 {
			c.logger.Warn().Int("chunks", n).Msg("discarding unsent buffered audio at stop")
		}
		active.buffer.Reset()
	}

	var record domain.FinalizedRecording
	var err error
	if active.session.ID != "" {
		record, err = c.finalizer.Finalize(ctx, active.session.ID)
	}
	active.cancel()

	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	active.stopRecord = record
	active.stopErr = err
	c.mu.Unlock()
	close(active.stopDone)

	if err == nil && active.session.ID != "" {
		c.metrics.SessionsFinalized.Inc()
	}
	c.metrics.BufferedAudio.Set(0)
	c.logger.Info().Str("session_id", active.session.ID).Msg("recording session stopped")
	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonStopped)
	return record, err
}

// Status reports a snapshot of the current session for the UI collaborator.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.Status{State: domain.SessionStateIdle, Connection: domain.ConnectionStateDisconnected}
	}
	active := c.current
	status := domain.Status{
		SessionID:  active.session.ID,
		State:      active.state,
		Connection: domain.ConnectionStateDisconnected,
		Active:     true,
		ChunksSent: active.chunksSent,
	}
	// channel and buffer are nil while the control plane call is in flight
	if active.channel != nil {
		status.Connection = active.channel.State()
	}
	if active.buffer != nil {
		status.BufferedDuration = active.buffer.Duration()
		status.ChunksBuffered = active.buffer.TotalEnqueued()
	}
	return status
}

// chunkHandler routes each captured chunk to the channel when it is open and
// the buffer is drained, and into the buffer otherwise. Routing decisions are
// made in production order under the controller mutex so buffered replay is
// never interleaved with fresh chunks.
func (c *SessionController) chunkHandler(active *activeSession) func(domain.AudioChunk) {
	return func(chunk domain.AudioChunk) {
		c.mu.Lock()
		if c.current != active || active.state != domain.SessionStateRecording {
			c.mu.Unlock()
			return
		}
		c.metrics.ChunksCaptured.Inc()

		silent := active.detector.Observe(chunk.Payload, chunk.CapturedAt)

		delivered := false
		if active.buffer.Len() == 0 {
			delivered = active.channel.Send(chunk.Payload)
		}
		if delivered {
			active.chunksSent++
			c.metrics.ChunksSent.Inc()
			c.mu.Unlock()
		} else {
			c.bufferChunkLocked(active, chunk)
		}

		if silent {
			c.metrics.SilenceSignals.Inc()
			c.events.SessionSignal(domain.SignalNoAudio, "no meaningful audio detected")
		}
	}
}

// bufferChunkLocked parks a chunk that could not be delivered. Crossing the
// grace window forces a pause; continuing to buffer past it risks unbounded
// growth. Unlocks c.mu before emitting events.
func (c *SessionController) bufferChunkLocked(active *activeSession, chunk domain.AudioChunk) {
	duration, overGrace, err := active.buffer.Enqueue(chunk)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Uint64("sequence", chunk.Sequence).Msg("chunk rejected by buffer")
		return
	}
	c.metrics.ChunksBuffered.Inc()
	c.metrics.BufferedAudio.Set(duration.Seconds())

	firstBuffered := !active.buffering
	active.buffering = true

	gracePause := overGrace && !active.gracePaused
	if gracePause {
		active.gracePaused = true
		active.capture.Pause()
		active.state = domain.SessionStatePaused
	}
	c.mu.Unlock()

	if firstBuffered {
		c.events.SessionSignal(domain.SignalBuffering, "stream unavailable, buffering audio locally")
	}
	if gracePause {
		c.logger.Warn().Dur("buffered", duration).Str("session_id", active.session.ID).Msg("buffer grace window reached, pausing")
		c.events.SessionStateChanged(domain.SessionStatePaused, domain.SessionReasonBufferLimit)
	}
}

func (c *SessionController) fatalHandler(active *activeSession) func(error) {
	return func(err error) {
		code := domain.ErrorCodeCapture
		if errors.Is(err, ports.ErrPermissionDenied) {
			code = domain.ErrorCodePermission
		}
		c.logger.Error().Err(err).Str("session_id", active.session.ID).Msg("capture failed, forcing stop")
		c.events.SessionError(code, "capture failed: "+err.Error())
		c.forceStop(active, domain.SessionReasonCaptureFailed)
	}
}

// onChannelOpen replays any buffered audio before fresh chunks are allowed to
// interleave, then arms the stability timer that eventually resets the
// backoff schedule.
func (c *SessionController) onChannelOpen(active *activeSession) {
	c.mu.Lock()
	if c.current != active || active.stopping {
		c.mu.Unlock()
		active.channel.Close(true)
		return
	}

	if active.stabilityTimer != nil {
		active.stabilityTimer.Stop()
	}
	active.stabilityTimer = time.AfterFunc(c.cfg.StabilityWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current == active && active.channel.State() == domain.ConnectionStateConnected {
			active.schedule.ConfirmStable()
		}
	})

	flushed := active.buffer.Flush(func(chunk domain.AudioChunk) bool {
		return active.channel.Send(chunk.Payload)
	})
	if flushed > 0 {
		active.chunksSent += uint64(flushed)
		c.metrics.ChunksFlushed.Add(float64(flushed))
		c.metrics.ChunksSent.Add(float64(flushed))
	}
	remaining := active.buffer.Len()
	c.metrics.BufferedAudio.Set(active.buffer.Duration().Seconds())
	if remaining == 0 {
		active.buffering = false
	}
	c.mu.Unlock()

	c.logger.Info().Int("flushed", flushed).Int("remaining", remaining).Msg("stream channel open")
	c.events.ConnectionStateChanged(domain.ConnectionStateConnected)
}

// onChannelClose drives the reconnection path. Intentional closes and closes
// observed after a stop began never reconnect.
func (c *SessionController) onChannelClose(active *activeSession, reason domain.CloseReason, intentional bool) {
	c.mu.Lock()
	if c.current != active || active.stopping || intentional {
		c.mu.Unlock()
		return
	}
	if active.stabilityTimer != nil {
		active.stabilityTimer.Stop()
		active.stabilityTimer = nil
	}
	if reason == domain.CloseReasonDuplicateRejected {
		// The server still held the previous connection. A fast single
		// retry is usually enough once it notices the old one is gone.
		active.schedule.Seed(c.cfg.DuplicateRetryDelay)
	}
	c.scheduleReconnectLocked(active)
	c.mu.Unlock()

	c.events.ConnectionStateChanged(domain.ConnectionStateDisconnected)
}

// scheduleReconnectLocked arms the next reconnect attempt, or handles budget
// exhaustion: paused if the buffer still has headroom, forced stop otherwise.
func (c *SessionController) scheduleReconnectLocked(active *activeSession) {
	delay, ok := active.schedule.Next(active.state == domain.SessionStateRecording)
	if !ok {
		overGrace := active.gracePaused
		c.logger.Error().
			Str("session_id", active.session.ID).
			Int("attempts", active.schedule.Attempts()).
			Msg("reconnect budget exhausted")
		if overGrace {
			go c.forceStop(active, domain.SessionReasonReconnectExhausted)
			return
		}
		if active.state == domain.SessionStateRecording {
			active.capture.Pause()
			active.state = domain.SessionStatePaused
			go func() {
				c.events.SessionError(domain.ErrorCodeTransport, "reconnect attempts exhausted")
				c.events.SessionStateChanged(domain.SessionStatePaused, domain.SessionReasonReconnectExhausted)
			}()
		}
		return
	}

	c.metrics.ReconnectAttempts.Inc()
	c.logger.Info().
		Dur("delay", delay).
		Int("attempt", active.schedule.Attempts()).
		Msg("reconnect scheduled")
	active.reconnectTimer = time.AfterFunc(delay, func() {
		c.attemptReconnect(active)
	})
}

func (c *SessionController) attemptReconnect(active *activeSession) {
	c.mu.Lock()
	if c.current != active || active.stopping {
		c.mu.Unlock()
		return
	}
	channel := active.channel
	ctx := active.ctx
	c.mu.Unlock()

	c.events.ConnectionStateChanged(domain.ConnectionStateReconnecting)
	if err := channel.Connect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("reconnect attempt failed")
		c.mu.Lock()
		if c.current == active && !active.stopping {
			c.scheduleReconnectLocked(active)
		}
		c.mu.Unlock()
	}
}

func (c *SessionController) onServerMessage(active *activeSession, msg domain.ServerMessage) {
	c.logger.Debug().
		Str("type", msg.Type).
		Str("status", msg.Status).
		Str("detail", msg.Detail).
		Msg("server notification")
}

// silenceFallbackLoop evaluates the silence window on a timer because chunk
// boundaries can be delayed under load.
func (c *SessionController) silenceFallbackLoop(active *activeSession) {
	interval := c.cfg.SilenceWindow / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-active.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		recording := c.current == active && active.state == domain.SessionStateRecording
		c.mu.Unlock()
		if recording && active.detector.Evaluate(c.clock()) {
			c.metrics.SilenceSignals.Inc()
			c.events.SessionSignal(domain.SignalNoAudio, "no meaningful audio detected")
		}
	}
}
