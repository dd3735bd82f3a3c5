package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/backoff"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/metrics"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

// fakeChannel simulates the stream channel. Tests drive disconnects through
// dropLink and control how many connect attempts fail before one succeeds.
type fakeChannel struct {
	mu            sync.Mutex
	handlers      ports.ChannelHandlers
	state         domain.ConnectionState
	failConnects  int
	connectCalls  int
	sent          [][]byte
	notifications []string
	closes        []bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{state: domain.ConnectionStateDisconnected}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	if f.failConnects > 0 {
		f.failConnects--
		f.state = domain.ConnectionStateDisconnected
		f.mu.Unlock()
		return errors.New("connect refused")
	}
	f.state = domain.ConnectionStateConnected
	handlers := f.handlers
	f.mu.Unlock()
	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}
	return nil
}

func (f *fakeChannel) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != domain.ConnectionStateConnected {
		return false
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return true
}

func (f *fakeChannel) Notify(event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != domain.ConnectionStateConnected {
		return errors.New("not connected")
	}
	f.notifications = append(f.notifications, event)
	return nil
}

func (f *fakeChannel) Close(intentional bool) {
	f.mu.Lock()
	f.state = domain.ConnectionStateDisconnected
	f.closes = append(f.closes, intentional)
	f.mu.Unlock()
}

func (f *fakeChannel) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Heartbeat() domain.HeartbeatRecord { return domain.HeartbeatRecord{} }

// dropLink simulates an unintentional close delivered by the transport.
func (f *fakeChannel) dropLink(reason domain.CloseReason) {
	f.mu.Lock()
	f.state = domain.ConnectionStateDisconnected
	handlers := f.handlers
	f.mu.Unlock()
	if handlers.OnClose != nil {
		handlers.OnClose(reason, false)
	}
}

func (f *fakeChannel) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([][]byte, len(f.sent))
	copy(frames, f.sent)
	return frames
}

func (f *fakeChannel) sentNotifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notifications...)
}

type fakeChannelFactory struct {
	mu      sync.Mutex
	channel *fakeChannel
}

func (f *fakeChannelFactory) New(session domain.Session, handlers ports.ChannelHandlers) ports.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel.handlers = handlers
	return f.channel
}

// fakeCapture lets tests emit chunks by hand instead of at a wall-clock
// cadence.
type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	started  bool
	pauses   int
	resumes  int
	stops    int
	onChunk  func(domain.AudioChunk)
	onFatal  func(error)
}

func (f *fakeCapture) StartCapture(ctx context.Context, onChunk func(domain.AudioChunk), onFatal func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.onChunk = onChunk
	f.onFatal = onFatal
	return nil
}

func (f *fakeCapture) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeCapture) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCapture) emit(sequence uint64, payload []byte, at time.Time) {
	f.mu.Lock()
	onChunk := f.onChunk
	f.mu.Unlock()
	if onChunk != nil {
		onChunk(domain.AudioChunk{Payload: payload, CapturedAt: at, Sequence: sequence})
	}
}

func (f *fakeCapture) fail(err error) {
	f.mu.Lock()
	onFatal := f.onFatal
	f.mu.Unlock()
	if onFatal != nil {
		onFatal(err)
	}
}

func (f *fakeCapture) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses
}

type fakeControlPlane struct {
	mu         sync.Mutex
	sessionID  string
	startErr   error
	startGate  chan struct{} // when set, StartSession blocks until it closes
	stopRecord domain.FinalizedRecording
	stopErr    error
	startCalls int
	stopCalls  int
	lastStart  ports.StartSessionRequest
}

func (f *fakeControlPlane) StartSession(ctx context.Context, req ports.StartSessionRequest) (string, error) {
	f.mu.Lock()
	f.startCalls++
	f.lastStart = req
	gate := f.startGate
	startErr := f.startErr
	sessionID := f.sessionID
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if startErr != nil {
		return "", startErr
	}
	return sessionID, nil
}

func (f *fakeControlPlane) StopSession(ctx context.Context, sessionID string) (domain.FinalizedRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopErr != nil {
		return domain.FinalizedRecording{}, f.stopErr
	}
	record := f.stopRecord
	record.SessionID = sessionID
	return record, nil
}

func (f *fakeControlPlane) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeControlPlane) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type stateChange struct {
	state  domain.SessionState
	reason domain.SessionStateReason
}

type signalEvent struct {
	kind   domain.SignalKind
	detail string
}

type errorEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu      sync.Mutex
	states  []stateChange
	conns   []domain.ConnectionState
	signals []signalEvent
	errs    []errorEvent
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateChange{state: state, reason: reason})
}

func (f *fakeEventSink) ConnectionStateChanged(state domain.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, state)
}

func (f *fakeEventSink) SessionSignal(kind domain.SignalKind, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signalEvent{kind: kind, detail: detail})
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errorEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateChange(nil), f.states...)
}

func (f *fakeEventSink) snapshotSignals() []signalEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signalEvent(nil), f.signals...)
}

func (f *fakeEventSink) snapshotErrors() []errorEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]errorEvent(nil), f.errs...)
}

func (f *fakeEventSink) countState(state domain.SessionState, reason domain.SessionStateReason) int {
	count := 0
	for _, change := range f.snapshotStates() {
		if change.state == state && change.reason == reason {
			count++
		}
	}
	return count
}

type harness struct {
	controller *SessionController
	channel    *fakeChannel
	capture    *fakeCapture
	control    *fakeControlPlane
	events     *fakeEventSink
}

func testConfig() Config {
	return Config{
		AgentID:             "agent-1",
		Language:            "en",
		ChunkDuration:       time.Second,
		GraceWindow:         10 * time.Second,
		MaxAttempts:         8,
		StabilityWindow:     30 * time.Millisecond,
		DuplicateRetryDelay: 2 * time.Millisecond,
		SilenceWindow:       time.Hour, // keep the fallback ticker out of the way
		SilenceCooldown:     time.Hour,
		SilenceThreshold:    0.01,
		SilenceWarmupChunks: 2,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		channel: newFakeChannel(),
		capture: &fakeCapture{},
		control: &fakeControlPlane{sessionID: "s-1", stopRecord: domain.FinalizedRecording{ReferenceID: "rec-1"}},
		events:  &fakeEventSink{},
	}
	policy := backoff.NewPolicy(2*time.Millisecond, 4*time.Millisecond, 16*time.Millisecond, 0)
	h.controller = NewSessionController(
		func() CaptureRuntime { return h.capture },
		&fakeChannelFactory{channel: h.channel},
		h.control,
		h.events,
		policy,
		metrics.NewMetrics(prometheus.NewRegistry()),
		zerolog.Nop(),
		time.Now,
		cfg,
	)
	return h
}

func chunkPayload(b byte) []byte { return []byte{b, 0x7f} }

func TestControllerStartStopLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())

	session, err := h.controller.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.ID)
	assert.Equal(t, "agent-1", h.control.lastStart.AgentID)

	h.capture.emit(1, chunkPayload(0x01), time.Now())
	h.capture.emit(2, chunkPayload(0x02), time.Now())

	record, err := h.controller.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s-1", record.SessionID)
	assert.Equal(t, "rec-1", record.ReferenceID)

	frames := h.channel.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, chunkPayload(0x01), frames[0])
	assert.Equal(t, chunkPayload(0x02), frames[1])

	states := h.events.snapshotStates()
	require.Len(t, states, 4)
	assert.Equal(t, stateChange{domain.SessionStateStarting, domain.SessionReasonStartRequested}, states[0])
	assert.Equal(t, stateChange{domain.SessionStateRecording, domain.SessionReasonRecordingStarted}, states[1])
	assert.Equal(t, stateChange{domain.SessionStateStopping, domain.SessionReasonStopRequested}, states[2])
	assert.Equal(t, stateChange{domain.SessionStateIdle, domain.SessionReasonStopped}, states[3])

	status := h.controller.Status()
	assert.Equal(t, domain.SessionStateIdle, status.State)
	assert.False(t, status.Active)
}

func TestControllerRejectsSecondStart(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	_, err = h.controller.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestControllerStartControlPlaneRejection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.control.startErr = errors.New("agent busy")

	_, err := h.controller.Start(context.Background())
	require.Error(t, err)

	states := h.events.snapshotStates()
	assert.Equal(t, domain.SessionStateIdle, states[len(states)-1].state)

	errs := h.events.snapshotErrors()
	require.NotEmpty(t, errs)
	assert.Equal(t, domain.ErrorCodeControlPlane, errs[0].code)
	assert.Zero(t, h.control.stopCount(), "nothing to finalize when start was rejected")
}

func TestControllerStartCaptureFailureRollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.capture.startErr = ports.ErrPermissionDenied

	_, err := h.controller.Start(context.Background())
	require.ErrorIs(t, err, ports.ErrPermissionDenied)

	errs := h.events.snapshotErrors()
	require.NotEmpty(t, errs)
	assert.Equal(t, domain.ErrorCodePermission, errs[0].code)

	assert.Equal(t, 1, h.control.stopCount(), "minted session must be finalized on rollback")
	states := h.events.snapshotStates()
	assert.Equal(t, domain.SessionStateIdle, states[len(states)-1].state)
}

func TestControllerPauseResume(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.controller.Pause())
	assert.Equal(t, 1, h.capture.pauseCount())
	assert.Equal(t, domain.SessionStatePaused, h.controller.Status().State)

	// Chunks produced while paused are ignored.
	h.capture.emit(1, chunkPayload(0x01), time.Now())
	assert.Empty(t, h.channel.sentFrames())

	require.ErrorIs(t, h.controller.Pause(), ErrNotRecording)

	require.NoError(t, h.controller.Resume())
	assert.Equal(t, domain.SessionStateRecording, h.controller.Status().State)
	assert.Equal(t, []string{"pause", "resume"}, h.channel.sentNotifications())

	require.ErrorIs(t, h.controller.Resume(), ErrNotPaused)

	assert.Equal(t, 1, h.events.countState(domain.SessionStatePaused, domain.SessionReasonPauseRequested))
	assert.Equal(t, 1, h.events.countState(domain.SessionStateRecording, domain.SessionReasonRecordingResumed))
}

func TestControllerBuffersDuringOutageAndFlushesInOrder(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	for seq := uint64(1); seq <= 5; seq++ {
		h.capture.emit(seq, chunkPayload(byte(seq)), time.Now())
	}
	require.Len(t, h.channel.sentFrames(), 5)

	// Hold the link down while chunks keep coming, then let it recover.
	h.channel.mu.Lock()
	h.channel.failConnects = 1 << 30
	h.channel.mu.Unlock()
	h.channel.dropLink(domain.CloseReasonAbnormal)

	for seq := uint64(6); seq <= 10; seq++ {
		h.capture.emit(seq, chunkPayload(byte(seq)), time.Now())
	}
	require.Len(t, h.channel.sentFrames(), 5, "no frames may be delivered while disconnected")

	signals := h.events.snapshotSignals()
	require.Len(t, signals, 1, "buffering is signaled once per outage")
	assert.Equal(t, domain.SignalBuffering, signals[0].kind)

	h.channel.mu.Lock()
	h.channel.failConnects = 0
	h.channel.mu.Unlock()

	assert.Eventually(t, func() bool {
		return len(h.channel.sentFrames()) == 10
	}, 2*time.Second, 5*time.Millisecond, "buffered chunks must replay after reconnect")

	frames := h.channel.sentFrames()
	for i, frame := range frames {
		assert.Equal(t, chunkPayload(byte(i+1)), frame, "replay must preserve sequence order")
	}

	// New chunks go straight through once the buffer is drained.
	h.capture.emit(11, chunkPayload(0x0b), time.Now())
	assert.Len(t, h.channel.sentFrames(), 11)
}

func TestControllerGraceWindowForcesPauseOnce(t *testing.T) {
	cfg := testConfig()
	cfg.GraceWindow = 3 * time.Second // three 1s chunks
	cfg.MaxAttempts = 1000
	h := newHarness(t, cfg)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.channel.mu.Lock()
	h.channel.failConnects = 1 << 30
	h.channel.mu.Unlock()
	h.channel.dropLink(domain.CloseReasonAbnormal)

	for seq := uint64(1); seq <= 3; seq++ {
		h.capture.emit(seq, chunkPayload(byte(seq)), time.Now())
	}

	assert.Equal(t, domain.SessionStatePaused, h.controller.Status().State)
	assert.Equal(t, 1, h.capture.pauseCount())
	assert.Equal(t, 1, h.events.countState(domain.SessionStatePaused, domain.SessionReasonBufferLimit))

	// A straggler chunk after the pause must not pause again.
	h.capture.emit(4, chunkPayload(0x04), time.Now())
	assert.Equal(t, 1, h.events.countState(domain.SessionStatePaused, domain.SessionReasonBufferLimit))
}

func TestControllerReconnectExhaustionPausesUnderGrace(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.channel.mu.Lock()
	h.channel.failConnects = 1 << 30
	h.channel.mu.Unlock()
	h.channel.dropLink(domain.CloseReasonAbnormal)

	assert.Eventually(t, func() bool {
		return h.events.countState(domain.SessionStatePaused, domain.SessionReasonReconnectExhausted) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SessionStatePaused, h.controller.Status().State)

	errs := h.events.snapshotErrors()
	require.NotEmpty(t, errs)
	assert.Equal(t, domain.ErrorCodeTransport, errs[len(errs)-1].code)
	assert.Zero(t, h.control.stopCount(), "session survives exhaustion while under grace")
}

func TestControllerReconnectExhaustionForcesStopOverGrace(t *testing.T) {
	cfg := testConfig()
	cfg.GraceWindow = 2 * time.Second
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.channel.mu.Lock()
	h.channel.failConnects = 1 << 30
	h.channel.mu.Unlock()
	h.channel.dropLink(domain.CloseReasonAbnormal)

	// Fill past the grace window before the attempt budget runs out.
	h.capture.emit(1, chunkPayload(0x01), time.Now())
	h.capture.emit(2, chunkPayload(0x02), time.Now())

	assert.Eventually(t, func() bool {
		return h.events.countState(domain.SessionStateStopping, domain.SessionReasonReconnectExhausted) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.control.stopCount() == 1
	}, 2*time.Second, 5*time.Millisecond, "forced stop must finalize the session")
	assert.Equal(t, domain.SessionStateIdle, h.controller.Status().State)
}

func TestControllerDuplicateRejectionRetriesFast(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.channel.dropLink(domain.CloseReasonDuplicateRejected)

	assert.Eventually(t, func() bool {
		return h.channel.State() == domain.ConnectionStateConnected
	}, time.Second, time.Millisecond, "duplicate rejection must retry quickly")
}

func TestControllerCaptureFatalForcesStop(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	h.capture.fail(errors.New("device wedged"))

	assert.Eventually(t, func() bool {
		return h.events.countState(domain.SessionStateIdle, domain.SessionReasonStopped) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.events.countState(domain.SessionStateStopping, domain.SessionReasonCaptureFailed))
	assert.Equal(t, 1, h.control.stopCount())

	errs := h.events.snapshotErrors()
	require.NotEmpty(t, errs)
	assert.Equal(t, domain.ErrorCodeCapture, errs[0].code)
}

func TestControllerStopIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	results := make(chan domain.FinalizedRecording, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := h.controller.Stop(context.Background())
			if err == nil {
				results <- record
			}
		}()
	}
	wg.Wait()
	close(results)

	require.Len(t, results, 2, "both stop calls must return the finalize result")
	first := <-results
	second := <-results
	assert.Equal(t, first, second)

	assert.Equal(t, 1, h.control.stopCount(), "exactly one finalize")
	assert.Equal(t, 1, h.events.countState(domain.SessionStateIdle, domain.SessionReasonStopped))
}

func TestControllerStopDuringStartAbandonsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	gate := make(chan struct{})
	h.control.startGate = gate

	startDone := make(chan error, 1)
	go func() {
		_, err := h.controller.Start(context.Background())
		startDone <- err
	}()

	// wait until the start is parked on the control plane call
	require.Eventually(t, func() bool {
		return h.control.startCount() == 1
	}, time.Second, time.Millisecond)

	_, err := h.controller.Stop(context.Background())
	require.NoError(t, err)

	close(gate)
	require.ErrorIs(t, <-startDone, ErrStartAborted)

	h.capture.mu.Lock()
	started := h.capture.started
	h.capture.mu.Unlock()
	assert.False(t, started, "capture must never start after the session stopped")

	assert.Equal(t, 1, h.control.stopCount(), "the minted id is finalized exactly once")
	assert.Zero(t, h.events.countState(domain.SessionStateRecording, domain.SessionReasonRecordingStarted))

	states := h.events.snapshotStates()
	require.NotEmpty(t, states)
	assert.Equal(t, domain.SessionStateIdle, states[len(states)-1].state)
	assert.Equal(t, domain.SessionStateIdle, h.controller.Status().State)
}

func TestControllerStopWithoutSession(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.controller.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestControllerFinalizeFailureStillReachesIdle(t *testing.T) {
	h := newHarness(t, testConfig())
	h.control.stopErr = errors.New("storage unavailable")

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	_, err = h.controller.Stop(context.Background())
	require.Error(t, err)

	assert.Equal(t, domain.SessionStateIdle, h.controller.Status().State)
	errs := h.events.snapshotErrors()
	require.NotEmpty(t, errs)
	assert.Equal(t, domain.ErrorCodeFinalize, errs[len(errs)-1].code)
}

func TestControllerSilenceSignalOnQuietChunks(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceWindow = 50 * time.Millisecond
	cfg.SilenceCooldown = time.Hour
	cfg.SilenceWarmupChunks = 0
	h := newHarness(t, cfg)

	_, err := h.controller.Start(context.Background())
	require.NoError(t, err)

	quiet := []byte{0x00, 0x00, 0x00, 0x00}
	base := time.Now()
	h.capture.emit(1, quiet, base)
	h.capture.emit(2, quiet, base.Add(60*time.Millisecond))

	signals := h.events.snapshotSignals()
	require.NotEmpty(t, signals)
	assert.Equal(t, domain.SignalNoAudio, signals[len(signals)-1].kind)
}
