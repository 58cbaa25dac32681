// Package mock provides a test double for the tts.Client interface.
package mock

import (
	"context"
	"sync"

	"github.com/cadence-voice/cadence/pkg/provider/tts"
)

// Client is a mock implementation of tts.Client. The zero value emits one
// placeholder chunk per call. Configure Chunks and SynthesizeErr before use;
// read the call records after the test.
type Client struct {
	mu sync.Mutex

	// --- Configurable behavior ---

	// Chunks are emitted in order on each Synthesize call. When nil, a single
	// placeholder chunk is emitted so playback paths still run.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned from Synthesize immediately.
	// FailAfter delays the failure until that many calls have succeeded,
	// letting tests model a provider that breaks mid-turn.
	SynthesizeErr error
	FailAfter     int

	// StreamErr, if non-nil, is recorded on the stream after all Chunks were
	// delivered, modeling a response truncated mid-body.
	StreamErr error

	// Release, if non-nil, gates chunk delivery: one receive per chunk. Close
	// it to release everything. Lets tests hold playback mid-stream.
	Release chan struct{}

	// --- Call records (read after test) ---

	// Texts records every text passed to Synthesize, in order.
	Texts []string
}

// Compile-time check that *Client satisfies tts.Client.
var _ tts.Client = (*Client)(nil)

// Synthesize records the call and plays back the configured chunks.
func (c *Client) Synthesize(ctx context.Context, text string) (*tts.AudioStream, error) {
	c.mu.Lock()
	c.Texts = append(c.Texts, text)
	var err error
	if c.SynthesizeErr != nil && len(c.Texts) > c.FailAfter {
		err = c.SynthesizeErr
	}
	chunks := c.Chunks
	streamErr := c.StreamErr
	release := c.Release
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = [][]byte{[]byte("pcm")}
	}

	ch := make(chan []byte, len(chunks))
	stream := tts.NewAudioStream(ch)
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			if release != nil {
				select {
				case <-release:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			stream.SetErr(streamErr)
		}
	}()
	return stream, nil
}

// Synthesized returns a snapshot of all texts recorded so far.
func (c *Client) Synthesized() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Texts))
	copy(out, c.Texts)
	return out
}
