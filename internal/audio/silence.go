package audio

import (
	"encoding/binary"
	"sync"
	"time"
)

// SilenceDetector watches peak amplitude over a rolling window and raises a
// throttled "no audio detected" signal when the microphone appears dead. It
// is purely observational: it never stops or alters capture.
type SilenceDetector struct {
	mu sync.Mutex

	window    time.Duration
	cooldown  time.Duration
	threshold float64
	warmup    int

	samples      []amplitudeSample
	chunksSeen   int
	lastNotified time.Time
	notified     bool
}

type amplitudeSample struct {
	peak float64
	at   time.Time
}

// NewSilenceDetector creates a detector. threshold is relative to full scale
// (0..1); window is the rolling measurement span; cooldown throttles repeat
// notifications; warmupChunks are ignored to avoid false positives while the
// device warms up.
func NewSilenceDetector(window, cooldown time.Duration, threshold float64, warmupChunks int) *SilenceDetector {
	return &SilenceDetector{
		window:    window,
		cooldown:  cooldown,
		threshold: threshold,
		warmup:    warmupChunks,
	}
}

// Observe records the peak amplitude of one PCM16LE chunk and evaluates the
// window at the chunk boundary. It returns true when a "no audio" signal
// should be raised now.
func (d *SilenceDetector) Observe(payload []byte, at time.Time) bool {
	peak := peakAmplitude(payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.chunksSeen++
	d.samples = append(d.samples, amplitudeSample{peak: peak, at: at})
	d.trimLocked(at)

	return d.evaluateLocked(at)
}

// Evaluate re-checks the window on a timer, since chunk boundaries can be
// delayed under load.
func (d *SilenceDetector) Evaluate(at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.trimLocked(at)
	return d.evaluateLocked(at)
}

// Reset clears all observations so a resumed or rebuilt device gets a fresh
// warm-up.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = nil
	d.chunksSeen = 0
	d.notified = false
	d.lastNotified = time.Time{}
}

func (d *SilenceDetector) evaluateLocked(at time.Time) bool {
	if d.chunksSeen <= d.warmup {
		return false
	}
	if len(d.samples) == 0 {
		return false
	}

	peak := 0.0
	for _, s := range d.samples {
		if s.peak > peak {
			peak = s.peak
		}
	}
	if peak >= d.threshold {
		d.notified = false
		return false
	}

	if d.notified && at.Sub(d.lastNotified) < d.cooldown {
		return false
	}
	d.notified = true
	d.lastNotified = at
	return true
}

func (d *SilenceDetector) trimLocked(now time.Time) {
	cutoff := now.Add(-d.window)
	keep := d.samples[:0]
	for _, s := range d.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	d.samples = keep
}

// peakAmplitude returns the largest absolute sample in a PCM16LE payload,
// normalized to 0..1.
func peakAmplitude(payload []byte) float64 {
	peak := int32(0)
	for i := 0; i+1 < len(payload); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(payload[i:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return float64(peak) / 32768.0
}
