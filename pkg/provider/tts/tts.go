// Package tts defines the speech-synthesis contract used by the turn
// pipeline.
package tts

import (
	"context"
	"sync"
)

// Client converts one sentence of text into a stream of audio chunks.
type Client interface {
	// Synthesize starts synthesis for text and returns a stream of audio
	// chunks in playback order. The stream's channel is closed when synthesis
	// ends for any reason; check Err afterwards to distinguish a clean finish
	// from a mid-stream failure. Cancel ctx to abandon synthesis. A non-nil
	// error means synthesis could not start.
	Synthesize(ctx context.Context, text string) (*AudioStream, error)
}

// AudioStream carries audio chunks from a provider goroutine to the consumer.
// The producer closes C when done and records a terminal error, if any, via
// SetErr before closing. Cancellation of the caller's context is not an
// error; providers leave Err nil in that case.
type AudioStream struct {
	// C emits audio chunks in playback order.
	C <-chan []byte

	mu  sync.Mutex
	err error
}

// NewAudioStream wraps a producer channel.
func NewAudioStream(c <-chan []byte) *AudioStream {
	return &AudioStream{C: c}
}

// SetErr records the terminal stream error. The first non-nil error wins.
func (s *AudioStream) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the terminal stream error. Valid once C is closed.
func (s *AudioStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
