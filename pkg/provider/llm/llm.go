// Package llm defines the sentence-streaming language-model contract used by
// the turn pipeline, plus the sentence splitter shared by providers.
//
// Providers deliver completed sentences rather than raw tokens so that
// text-to-speech can start as soon as the first sentence is usable.
package llm

import (
	"context"
	"sync"
)

// Chat roles for prompt messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged entry in a chat prompt.
type Message struct {
	Role    string
	Content string
}

// Sentence is one unit of generated text. Final marks the last sentence of a
// response; a response whose last sentence ended cleanly on punctuation may
// close the stream without a Final sentence.
type Sentence struct {
	Text  string
	Final bool
}

// Usage reports token accounting for a completed generation. Zero values
// mean the provider did not report usage.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Client produces a cancellable stream of sentences for a chat prompt.
type Client interface {
	// StreamSentences starts a streaming generation. Cancel ctx to abandon
	// the generation; cancellation is observed within one chunk boundary.
	// The returned stream's channel is closed when generation ends for any
	// reason; check Err afterwards.
	StreamSentences(ctx context.Context, messages []Message) (*SentenceStream, error)
}

// SentenceStream carries sentences from a provider goroutine to the consumer.
// The producer closes C when done and records a terminal error, if any, via
// SetErr before closing.
type SentenceStream struct {
	// C emits sentences in generation order.
	C <-chan Sentence

	mu    sync.Mutex
	err   error
	usage Usage
}

// NewSentenceStream wraps a producer channel.
func NewSentenceStream(c <-chan Sentence) *SentenceStream {
	return &SentenceStream{C: c}
}

// SetErr records the terminal stream error. The first non-nil error wins.
func (s *SentenceStream) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the terminal stream error. Valid once C is closed.
func (s *SentenceStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SetUsage records provider-reported token usage.
func (s *SentenceStream) SetUsage(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = u
}

// Usage returns provider-reported token usage, if any. Valid once C is closed.
func (s *SentenceStream) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
