// Package stt defines the speech-to-text contract used by the turn pipeline.
//
// An stt.Client wraps a persistent streaming connection to a transcription
// provider. Audio is pushed in with SendAudio and results come back through
// the Callbacks; the caller never blocks on the provider.
package stt

import "context"

// Status describes the connection state of a streaming STT client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosing      Status = "closing"
)

// Callbacks receives transcription results and transport errors. Fields may
// be nil; nil callbacks are skipped.
//
// Callbacks are invoked from the client's receive goroutine, so they must not
// block for long.
type Callbacks struct {
	// OnPartial is invoked for interim hypotheses that may still change.
	OnPartial func(text string, confidence float64)

	// OnFinal is invoked for stable segments suitable as LLM input.
	OnFinal func(text string, confidence float64)

	// OnError is invoked for transport and provider errors. recoverable is
	// false once reconnection attempts are exhausted.
	OnError func(err error, recoverable bool)
}

// Client is a streaming speech-to-text session.
type Client interface {
	// Connect establishes the provider connection and starts the send and
	// receive loops.
	Connect(ctx context.Context) error

	// SendAudio queues a raw PCM chunk for delivery. Chunks are dropped
	// rather than blocking when the provider cannot keep up.
	SendAudio(chunk []byte)

	// Disconnect closes the connection. It is idempotent.
	Disconnect() error

	// Status reports the current connection state.
	Status() Status
}
