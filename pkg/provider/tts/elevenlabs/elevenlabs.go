// Package elevenlabs provides an ElevenLabs-backed TTS client using the
// HTTP streaming synthesis API. It implements the tts.Client interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cadence-voice/cadence/pkg/provider/tts"
)

const (
	streamEndpointFmt = "https://api.elevenlabs.io/v1/text-to-speech/%s/stream?output_format=%s"
	defaultModel      = "eleven_turbo_v2_5"
	defaultOutputFmt  = "pcm_16000"

	// readChunkSize is the unit of one body read. Small enough that
	// cancellation is observed quickly, large enough to keep syscall
	// overhead down.
	readChunkSize = 4096
)

// Option is a functional option for configuring the ElevenLabs Client.
type Option func(*Client)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_turbo_v2_5").
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(c *Client) {
		c.outputFormat = format
	}
}

// WithEndpoint overrides the API base endpoint format. Used in tests.
func WithEndpoint(format string) Option {
	return func(c *Client) {
		c.endpointFmt = format
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithVoiceSettings overrides stability and similarity boost.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(c *Client) {
		c.stability = stability
		c.similarityBoost = similarityBoost
	}
}

// Client implements tts.Client backed by the ElevenLabs streaming API.
// One Synthesize call maps to one HTTP request; audio bytes are forwarded
// to the returned channel as they arrive.
type Client struct {
	apiKey          string
	voiceID         string
	model           string
	outputFormat    string
	endpointFmt     string
	stability       float64
	similarityBoost float64
	httpClient      *http.Client
}

// Compile-time check that *Client satisfies tts.Client.
var _ tts.Client = (*Client)(nil)

// New creates a new ElevenLabs Client. apiKey and voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	c := &Client{
		apiKey:          apiKey,
		voiceID:         voiceID,
		model:           defaultModel,
		outputFormat:    defaultOutputFmt,
		endpointFmt:     streamEndpointFmt,
		stability:       0.5,
		similarityBoost: 0.75,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// synthesizeRequest is the JSON payload for the streaming synthesis endpoint.
type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// errorResponse is the JSON error body ElevenLabs returns on non-2xx status.
type errorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize implements tts.Client. It POSTs text to the streaming endpoint
// and forwards raw PCM chunks on the returned stream. A body read failure
// before the provider finishes (a truncated response, a dropped connection)
// is recorded on the stream so the caller can tell partial audio from a
// clean finish; cancellation of ctx is not recorded as an error.
func (c *Client) Synthesize(ctx context.Context, text string) (*tts.AudioStream, error) {
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:    text,
		ModelID: c.model,
		VoiceSettings: voiceSettings{
			Stability:       c.stability,
			SimilarityBoost: c.similarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := fmt.Sprintf(c.endpointFmt, c.voiceID, c.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", decodeError(resp))
	}

	audioCh := make(chan []byte, 256)
	stream := tts.NewAudioStream(audioCh)

	go func() {
		defer close(audioCh)
		defer resp.Body.Close()

		buf := make([]byte, readChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					stream.SetErr(fmt.Errorf("elevenlabs: read audio: %w", err))
				}
				return
			}
		}
	}()

	return stream, nil
}

// decodeError turns a non-2xx response into an error carrying the provider's
// message when one is present.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Detail.Message != "" {
		return fmt.Errorf("status %d (%s): %s", resp.StatusCode, er.Detail.Status, er.Detail.Message)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
