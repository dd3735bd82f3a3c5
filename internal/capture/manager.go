package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
	"github.com/neonvoidvibes/aia-v4-sub001/internal/ports"
)

// ManagerConfig controls chunk cadence and stall self-healing.
type ManagerConfig struct {
	Capture ports.CaptureConfig
	// ChunkDuration is the cadence at which chunks are produced.
	ChunkDuration time.Duration
	// StallThreshold is how long chunk production may be silent before the
	// health check triggers an internal restart.
	StallThreshold time.Duration
	// HealthTick is the health check period.
	HealthTick time.Duration
	// MaxRestarts caps consecutive failed restart attempts; exceeding it is
	// fatal.
	MaxRestarts int
	// Restarts, when set, counts successful stream rebuilds.
	Restarts prometheus.Counter
}

// Manager owns the microphone stream and the chunk producer. It detects
// capture stalls and tears down/rebuilds the underlying stream without losing
// session identity: sequence numbers keep increasing across restarts.
type Manager struct {
	source ports.CaptureSource
	cfg    ManagerConfig
	logger zerolog.Logger
	clock  ports.Clock

	mu          sync.Mutex
	stream      ports.CaptureStream
	cancel      context.CancelFunc
	paused      bool
	stopped     bool
	restarting  bool
	restarts    int
	sequence    uint64
	lastChunkAt time.Time

	onChunk func(domain.AudioChunk)
	onFatal func(error)

	done       chan struct{}
	healthDone chan struct{}
}

// NewManager builds a capture manager around the given source.
func NewManager(source ports.CaptureSource, cfg ManagerConfig, logger zerolog.Logger, clock ports.Clock) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		source: source,
		cfg:    cfg,
		logger: logger.With().Str("component", "capture").Logger(),
		clock:  clock,
	}
}

// StartCapture acquires the microphone and begins producing chunks at the
// configured cadence, invoking onChunk for each. onFatal is invoked at most
// once, when capture cannot be recovered.
func (m *Manager) StartCapture(ctx context.Context, onChunk func(domain.AudioChunk), onFatal func(error)) error {
	m.mu.Lock()
	if m.stream != nil || m.stopped {
		m.mu.Unlock()
		return errors.New("capture already started")
	}
	m.onChunk = onChunk
	m.onFatal = onFatal
	m.lastChunkAt = m.clock()
	m.done = make(chan struct{})
	m.healthDone = make(chan struct{})
	m.mu.Unlock()

	captureCtx, cancel := context.WithCancel(ctx)

	stream, err := m.source.Start(captureCtx, m.cfg.Capture)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to acquire microphone: %w", err)
	}

	m.mu.Lock()
	m.stream = stream
	m.cancel = cancel
	m.mu.Unlock()

	go m.readLoop(captureCtx)
	go m.healthLoop(captureCtx)
	return nil
}

// Pause suspends chunk production without discarding the device stream, so
// resume is cheap. Bytes arriving while paused are drained and dropped.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume restarts chunk production. lastChunkAt is re-anchored so the pause
// itself is not diagnosed as a stall.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.lastChunkAt = m.clock()
}

// Stop tears the manager down. Safe to call during a restart.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	stream := m.stream
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Stop()
	}
	if m.done != nil {
		<-m.done
	}
	if m.healthDone != nil {
		<-m.healthDone
	}
}

// LastChunkAt returns the timestamp of the most recently produced chunk.
func (m *Manager) LastChunkAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChunkAt
}

func (m *Manager) bytesPerChunk() int {
	bytesPerSecond := m.cfg.Capture.SampleRate * m.cfg.Capture.Channels * 2
	n := int(float64(bytesPerSecond) * m.cfg.ChunkDuration.Seconds())
	// frame alignment
	frame := 2 * m.cfg.Capture.Channels
	return (n / frame) * frame
}

func (m *Manager) readLoop(ctx context.Context) {
	defer close(m.done)

	buf := make([]byte, m.bytesPerChunk())
	for {
		m.mu.Lock()
		stream := m.stream
		stopped := m.stopped
		m.mu.Unlock()
		if stopped || stream == nil {
			return
		}

		n, err := io.ReadFull(stream, buf)
		if err != nil {
			if m.handleReadFailure(ctx, err) {
				continue
			}
			return
		}
		_ = n

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		if m.paused {
			// drained and dropped: nothing is captured while paused
			m.mu.Unlock()
			continue
		}
		m.sequence++
		m.restarts = 0
		m.lastChunkAt = m.clock()
		chunk := domain.AudioChunk{
			Payload:    append([]byte(nil), buf...),
			CapturedAt: m.lastChunkAt,
			Sequence:   m.sequence,
		}
		onChunk := m.onChunk
		m.mu.Unlock()

		onChunk(chunk)
	}
}

// handleReadFailure decides between recovery and escalation after a stream
// read error. Returns true when the loop should continue on a fresh stream.
func (m *Manager) handleReadFailure(ctx context.Context, readErr error) bool {
	m.mu.Lock()
	if m.stopped || ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}

	if errors.Is(readErr, ports.ErrPermissionDenied) {
		// device-level failure: escalate immediately, no stall timer
		onFatal := m.onFatal
		m.stopped = true
		m.mu.Unlock()
		onFatal(readErr)
		return false
	}

	wasRequested := m.restarting
	m.restarting = false
	m.mu.Unlock()

	if !wasRequested {
		m.logger.Warn().Err(readErr).Msg("capture stream ended unexpectedly, rebuilding")
	}
	return m.rebuildStream(ctx)
}

// rebuildStream re-acquires the microphone, keeping sequence numbers
// continuous. Consecutive failures are capped; exceeding the cap escalates
// to onFatal.
func (m *Manager) rebuildStream(ctx context.Context) bool {
	for {
		m.mu.Lock()
		if m.stopped || ctx.Err() != nil {
			m.mu.Unlock()
			return false
		}
		m.restarts++
		attempt := m.restarts
		if attempt > m.cfg.MaxRestarts {
			onFatal := m.onFatal
			m.stopped = true
			m.mu.Unlock()
			onFatal(fmt.Errorf("capture restart budget exhausted after %d attempts", m.cfg.MaxRestarts))
			return false
		}
		m.mu.Unlock()

		stream, err := m.source.Start(ctx, m.cfg.Capture)
		if err == nil {
			m.mu.Lock()
			if m.stopped {
				m.mu.Unlock()
				_ = stream.Stop()
				return false
			}
			m.stream = stream
			m.lastChunkAt = m.clock()
			m.mu.Unlock()
			if m.cfg.Restarts != nil {
				m.cfg.Restarts.Inc()
			}
			m.logger.Info().Int("attempt", attempt).Msg("capture stream rebuilt")
			return true
		}

		if errors.Is(err, ports.ErrPermissionDenied) {
			m.mu.Lock()
			onFatal := m.onFatal
			m.stopped = true
			m.mu.Unlock()
			onFatal(err)
			return false
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("capture restart failed")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// healthLoop restarts a stalled stream: when no chunk has been produced for
// longer than the stall threshold and no restart is already underway, the
// current stream is stopped, which unblocks the read loop into rebuildStream.
func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.healthDone)

	ticker := time.NewTicker(m.cfg.HealthTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		stalled := !m.paused && !m.restarting &&
			m.clock().Sub(m.lastChunkAt) > m.cfg.StallThreshold
		var stream ports.CaptureStream
		if stalled {
			m.restarting = true
			stream = m.stream
		}
		m.mu.Unlock()

		if stalled && stream != nil {
			m.logger.Warn().
				Dur("threshold", m.cfg.StallThreshold).
				Msg("no chunks produced within stall threshold, restarting capture")
			_ = stream.Stop()
		}
	}
}
