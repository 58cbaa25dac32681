package audio

import (
	"log/slog"
	"sync"
)

const (
	// DefaultMaxSeconds caps the input buffer at 30 seconds of audio.
	DefaultMaxSeconds = 30

	// DefaultSampleRate is the expected client capture rate in Hz.
	DefaultSampleRate = 16000

	// bytesPerSample is fixed by the 16-bit PCM wire format.
	bytesPerSample = 2
)

// InputBuffer is a bounded byte buffer holding recent user audio. When an
// Add would exceed the capacity, the oldest bytes are discarded so the
// buffer never grows past its cap.
//
// All methods are safe for concurrent use.
type InputBuffer struct {
	mu       sync.Mutex
	buf      []byte
	maxSize  int
	received int64
}

// NewInputBuffer creates a buffer capped at maxSeconds of audio at the given
// sample rate (16-bit mono). Non-positive arguments fall back to the defaults.
func NewInputBuffer(maxSeconds, sampleRate int) *InputBuffer {
	if maxSeconds <= 0 {
		maxSeconds = DefaultMaxSeconds
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &InputBuffer{
		maxSize: maxSeconds * sampleRate * bytesPerSample,
	}
}

// Add appends chunk to the buffer, evicting the oldest bytes if the result
// would exceed the capacity.
func (b *InputBuffer) Add(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, chunk...)
	b.received += int64(len(chunk))

	if len(b.buf) > b.maxSize {
		overflow := len(b.buf) - b.maxSize
		// Copy to a fresh slice so the evicted prefix can be collected.
		fresh := make([]byte, b.maxSize)
		copy(fresh, b.buf[overflow:])
		b.buf = fresh
		slog.Warn("audio input buffer overflow", "dropped_bytes", overflow)
	}
}

// Bytes returns a copy of the buffered audio.
func (b *InputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Clear discards all buffered audio.
func (b *InputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = nil
}

// SizeBytes returns the current buffer size in bytes.
func (b *InputBuffer) SizeBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// TotalReceived returns the cumulative number of bytes ever added, including
// bytes since evicted. Intended for diagnostics.
func (b *InputBuffer) TotalReceived() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received
}

// DurationSeconds reports the duration of the buffered audio at the given
// sample rate, assuming 16-bit mono samples.
func (b *InputBuffer) DurationSeconds(sampleRate int) float64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	samples := len(b.buf) / bytesPerSample
	return float64(samples) / float64(sampleRate)
}
