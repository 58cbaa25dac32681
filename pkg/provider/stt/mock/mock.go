// Package mock provides a test double for the stt.Client interface.
//
// Use Client in unit tests to verify audio routing without a live provider
// and to drive the partial/final callbacks from test code.
package mock

import (
	"context"
	"sync"

	"github.com/cadence-voice/cadence/pkg/provider/stt"
)

// Client is a mock implementation of stt.Client. The zero value is ready to
// use. Configure error fields to inject failures; read the call records after
// the test.
type Client struct {
	mu sync.Mutex

	// --- Configurable behavior ---

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// Callbacks is invoked by EmitPartial / EmitFinal / EmitError.
	Callbacks stt.Callbacks

	// --- Call records (read after test) ---

	// ConnectCalls counts Connect invocations.
	ConnectCalls int

	// DisconnectCalls counts Disconnect invocations.
	DisconnectCalls int

	// SentAudio records every chunk passed to SendAudio, in order.
	SentAudio [][]byte

	status stt.Status
}

// Compile-time check that *Client satisfies stt.Client.
var _ stt.Client = (*Client)(nil)

// Connect records the call and marks the client connected unless ConnectErr
// is set.
func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.status = stt.StatusConnected
	return nil
}

// SendAudio records the chunk.
func (c *Client) SendAudio(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.SentAudio = append(c.SentAudio, cp)
}

// Disconnect records the call and marks the client disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisconnectCalls++
	c.status = stt.StatusDisconnected
	return nil
}

// Status returns the current mock status.
func (c *Client) Status() stt.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == "" {
		return stt.StatusDisconnected
	}
	return c.status
}

// Sent returns a snapshot of all audio chunks recorded so far.
func (c *Client) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.SentAudio))
	copy(out, c.SentAudio)
	return out
}

// EmitPartial delivers a partial transcript through the configured callbacks.
func (c *Client) EmitPartial(text string, confidence float64) {
	if c.Callbacks.OnPartial != nil {
		c.Callbacks.OnPartial(text, confidence)
	}
}

// EmitFinal delivers a final transcript through the configured callbacks.
func (c *Client) EmitFinal(text string, confidence float64) {
	if c.Callbacks.OnFinal != nil {
		c.Callbacks.OnFinal(text, confidence)
	}
}

// EmitError delivers an error through the configured callbacks.
func (c *Client) EmitError(err error, recoverable bool) {
	if c.Callbacks.OnError != nil {
		c.Callbacks.OnError(err, recoverable)
	}
}
