// Package mock provides a test double for the llm.Client interface.
package mock

import (
	"context"
	"sync"

	"github.com/cadence-voice/cadence/pkg/provider/llm"
)

// Client is a mock implementation of llm.Client. The zero value streams no
// sentences. Configure Sentences, StreamErr, and Usage before use; read the
// call records after the test.
type Client struct {
	mu sync.Mutex

	// --- Configurable behavior ---

	// Sentences are emitted in order on each StreamSentences call.
	Sentences []llm.Sentence

	// StartErr, if non-nil, is returned from StreamSentences immediately.
	StartErr error

	// StreamErr, if non-nil, is recorded on the stream after all Sentences
	// were delivered.
	StreamErr error

	// Usage is recorded on the stream before it closes.
	Usage llm.Usage

	// Release, if non-nil, gates sentence delivery: one receive per sentence.
	// Close it to release everything. Lets tests hold a generation mid-stream.
	Release chan struct{}

	// --- Call records (read after test) ---

	// Calls records the message slice of every StreamSentences invocation.
	Calls [][]llm.Message
}

// Compile-time check that *Client satisfies llm.Client.
var _ llm.Client = (*Client)(nil)

// StreamSentences records the call and plays back the configured sentences.
// Cancellation of ctx stops playback and records ctx.Err on the stream.
func (c *Client) StreamSentences(ctx context.Context, messages []llm.Message) (*llm.SentenceStream, error) {
	c.mu.Lock()
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	c.Calls = append(c.Calls, msgs)
	sentences := make([]llm.Sentence, len(c.Sentences))
	copy(sentences, c.Sentences)
	startErr := c.StartErr
	streamErr := c.StreamErr
	usage := c.Usage
	release := c.Release
	c.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	ch := make(chan llm.Sentence)
	stream := llm.NewSentenceStream(ch)

	go func() {
		defer close(ch)
		for _, s := range sentences {
			if release != nil {
				select {
				case <-release:
				case <-ctx.Done():
					stream.SetErr(ctx.Err())
					return
				}
			}
			select {
			case ch <- s:
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				return
			}
		}
		stream.SetUsage(usage)
		if streamErr != nil {
			stream.SetErr(streamErr)
		}
	}()

	return stream, nil
}

// CallCount returns the number of StreamSentences invocations so far.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// LastCall returns the messages of the most recent invocation, or nil.
func (c *Client) LastCall() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Calls) == 0 {
		return nil
	}
	return c.Calls[len(c.Calls)-1]
}
