package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/neonvoidvibes/aia-v4-sub001/internal/domain"
)

// Buffer holds captured chunks that could not be sent immediately. It is
// bounded by elapsed buffered duration (chunk count x nominal chunk
// duration), not by count: once the grace window is reached the session must
// pause capture, so the bound is a hard cap rather than a warning.
type Buffer struct {
	mu sync.Mutex

	chunks        []domain.AudioChunk
	nominalChunk  time.Duration
	graceWindow   time.Duration
	lastSequence  uint64
	haveSequence  bool
	totalEnqueued uint64
}

// NewBuffer creates a buffer for chunks of the given nominal duration with
// the given grace window.
func NewBuffer(nominalChunk, graceWindow time.Duration) *Buffer {
	return &Buffer{
		nominalChunk: nominalChunk,
		graceWindow:  graceWindow,
	}
}

// Enqueue appends a chunk and returns the updated buffered duration plus
// whether the grace window has been reached. Sequence numbers must be
// strictly increasing; anything else is a caller bug and is rejected so no
// chunk is ever silently dropped or reordered.
func (b *Buffer) Enqueue(chunk domain.AudioChunk) (time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.haveSequence && chunk.Sequence <= b.lastSequence {
		return b.durationLocked(), false, fmt.Errorf(
			"rejecting out-of-order chunk: seq=%d, lastSeq=%d", chunk.Sequence, b.lastSequence)
	}

	b.chunks = append(b.chunks, chunk)
	b.lastSequence = chunk.Sequence
	b.haveSequence = true
	b.totalEnqueued++

	buffered := b.durationLocked()
	return buffered, buffered >= b.graceWindow, nil
}

// Flush delivers buffered chunks to send in ascending sequence order. A send
// returning false stops the flush; the unsent remainder stays queued at the
// front so a later flush resumes in order with no duplicates and no gaps.
// It returns the number of chunks delivered.
func (b *Buffer) Flush(send func(domain.AudioChunk) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0
	for len(b.chunks) > 0 {
		if !send(b.chunks[0]) {
			break
		}
		b.chunks[0].Payload = nil
		b.chunks = b.chunks[1:]
		sent++
	}
	if len(b.chunks) == 0 {
		b.chunks = nil
	}
	return sent
}

// Len returns the number of queued chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Duration returns the total buffered duration.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durationLocked()
}

// TotalEnqueued returns how many chunks have ever been queued.
func (b *Buffer) TotalEnqueued() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalEnqueued
}

// Reset discards all queued chunks. Only the session teardown path calls it,
// after reporting the loss reason.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
}

func (b *Buffer) durationLocked() time.Duration {
	return time.Duration(len(b.chunks)) * b.nominalChunk
}
