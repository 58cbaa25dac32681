// Package deepgram implements the stt.Client contract on top of the Deepgram
// streaming WebSocket API.
//
// The client keeps a bounded send queue between the caller and the socket so
// that backpressure from Deepgram never stalls the turn pipeline, emits a
// keepalive when no audio has flowed for a while, and reconnects with
// exponential backoff when the transport drops.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadence-voice/cadence/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// sendQueueCap bounds the audio send queue between the caller and the
	// socket writer.
	sendQueueCap = 100

	// enqueueDeadline is how long SendAudio waits for queue space before
	// dropping the chunk.
	enqueueDeadline = 100 * time.Millisecond

	// keepaliveAfter is the idle period after which the send loop emits a
	// KeepAlive control frame.
	keepaliveAfter = 5 * time.Second

	// maxReconnectAttempts caps the reconnect schedule at {0,1,2,4,8}s.
	maxReconnectAttempts = 5
)

// ErrReconnectExhausted is reported through the error callback once all
// reconnection attempts have failed.
var ErrReconnectExhausted = errors.New("deepgram: connection lost and max reconnect attempts exceeded")

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithModel sets the Deepgram model (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(c *Client) { c.language = language }
}

// WithSampleRate sets the PCM sample rate in Hz. Default is 16000.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithEndpoint overrides the streaming endpoint URL. Used by tests to point
// the client at a local WebSocket server.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithDropCallback registers fn to be invoked with the chunk size whenever a
// full send queue forces an audio chunk to be dropped. Used to feed the
// dropped-chunk counter.
func WithDropCallback(fn func(droppedBytes int)) Option {
	return func(c *Client) { c.onDrop = fn }
}

// Client implements stt.Client backed by the Deepgram streaming API.
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
	callbacks  stt.Callbacks
	onDrop     func(droppedBytes int)

	// backoffBase scales the reconnect schedule. One second in production;
	// tests shrink it.
	backoffBase time.Duration

	// audio is the bounded send queue. It lives for the client lifetime and
	// survives reconnects so queued chunks are not lost with the socket.
	audio chan []byte

	mu                sync.Mutex
	conn              *websocket.Conn
	status            stt.Status
	closing           bool
	reconnectAttempts int
	loopCancel        context.CancelFunc
	wg                sync.WaitGroup
}

// Compile-time check that *Client satisfies stt.Client.
var _ stt.Client = (*Client)(nil)

// New creates a Deepgram streaming client. apiKey must be non-empty.
// Transcripts and errors are delivered through cb.
func New(apiKey string, cb stt.Callbacks, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	c := &Client{
		apiKey:      apiKey,
		endpoint:    defaultEndpoint,
		model:       defaultModel,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		callbacks:   cb,
		audio:       make(chan []byte, sendQueueCap),
		status:      stt.StatusDisconnected,
		backoffBase: time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect dials the Deepgram streaming endpoint and starts the send and
// receive loops. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return errors.New("deepgram: client is closed")
	}
	if c.status == stt.StatusConnected {
		c.mu.Unlock()
		slog.Warn("deepgram: already connected")
		return nil
	}
	c.mu.Unlock()

	wsURL, err := c.buildURL()
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	// Result frames with word-level detail exceed the library's 32 KiB default.
	conn.SetReadLimit(1 << 20)

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.status = stt.StatusConnected
	c.reconnectAttempts = 0
	c.loopCancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.sendLoop(loopCtx, conn)
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(loopCtx, conn)
	}()

	slog.Info("deepgram: connected", "model", c.model, "sample_rate", c.sampleRate)
	return nil
}

// SendAudio queues a PCM chunk for delivery. If the queue stays full for
// longer than the enqueue deadline the chunk is dropped with a warning so the
// caller never stalls.
func (c *Client) SendAudio(chunk []byte) {
	if c.Status() != stt.StatusConnected {
		slog.Warn("deepgram: cannot send audio, not connected", "status", c.Status())
		return
	}
	select {
	case c.audio <- chunk:
		return
	default:
	}
	t := time.NewTimer(enqueueDeadline)
	defer t.Stop()
	select {
	case c.audio <- chunk:
	case <-t.C:
		slog.Warn("deepgram: audio queue full, dropping chunk", "chunk_bytes", len(chunk))
		if c.onDrop != nil {
			c.onDrop(len(chunk))
		}
	}
}

// Disconnect closes the connection cleanly. It is safe to call multiple
// times and from any goroutine.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.status = stt.StatusClosing
	conn := c.conn
	cancel := c.loopCancel
	c.mu.Unlock()

	if conn != nil {
		// Ask Deepgram to flush pending audio before the socket goes away.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(closeCtx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		closeCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.status = stt.StatusDisconnected
	c.mu.Unlock()

	slog.Info("deepgram: disconnected")
	return nil
}

// Status reports the current connection state.
func (c *Client) Status() stt.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// buildURL constructs the streaming endpoint URL with the parameters the turn
// pipeline depends on: interim results, punctuation, and utterance-end events.
func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", c.language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sendLoop drains the audio queue into the socket and emits a keepalive when
// the queue has been idle. Exits on write failure or context cancellation.
func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn) {
	idle := time.NewTimer(keepaliveAfter)
	defer idle.Stop()

	for {
		select {
		case chunk := <-c.audio:
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				c.onTransportLost(fmt.Errorf("send audio: %w", err))
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(keepaliveAfter)

		case <-idle.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				c.onTransportLost(fmt.Errorf("send keepalive: %w", err))
				return
			}
			idle.Reset(keepaliveAfter)

		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives provider frames and dispatches transcripts to the
// callbacks. Exits on read failure or context cancellation.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.onTransportLost(fmt.Errorf("read: %w", err))
			}
			return
		}
		c.handleMessage(msg)
	}
}

// resultFrame is the subset of Deepgram's Results frame the pipeline needs.
type resultFrame struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Error       string `json:"error"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// handleMessage parses a single provider frame and invokes the matching
// callback. Empty transcripts and non-result frames are dropped.
func (c *Client) handleMessage(msg []byte) {
	text, confidence, final, err := parseResult(msg)
	if err != nil {
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(err, true)
		}
		return
	}
	if text == "" {
		return
	}
	if final {
		if c.callbacks.OnFinal != nil {
			c.callbacks.OnFinal(text, confidence)
		}
	} else {
		if c.callbacks.OnPartial != nil {
			c.callbacks.OnPartial(text, confidence)
		}
	}
}

// parseResult extracts (transcript, confidence, final) from a raw provider
// frame. A provider-reported error is returned as err; frames without a
// transcript yield empty text.
func parseResult(msg []byte) (text string, confidence float64, final bool, err error) {
	var frame resultFrame
	if jsonErr := json.Unmarshal(msg, &frame); jsonErr != nil {
		slog.Warn("deepgram: invalid JSON frame", "err", jsonErr)
		return "", 0, false, nil
	}
	if frame.Error != "" {
		return "", 0, false, fmt.Errorf("deepgram: provider error: %s", frame.Error)
	}
	if len(frame.Channel.Alternatives) == 0 {
		return "", 0, false, nil
	}
	alt := frame.Channel.Alternatives[0]
	return alt.Transcript, alt.Confidence, frame.IsFinal || frame.SpeechFinal, nil
}

// onTransportLost records an in-flight connection drop and schedules a
// reconnect unless the client is shutting down.
func (c *Client) onTransportLost(err error) {
	c.mu.Lock()
	if c.closing || c.status != stt.StatusConnected {
		c.mu.Unlock()
		return
	}
	c.status = stt.StatusReconnecting
	c.mu.Unlock()

	slog.Error("deepgram: transport lost", "err", err)
	go c.reconnect()
}

// reconnect retries the connection on the {0,1,2,4,8}s schedule. After the
// final attempt fails, the error callback is invoked with recoverable=false.
func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		attempt := c.reconnectAttempts
		if attempt >= maxReconnectAttempts {
			c.status = stt.StatusDisconnected
			c.mu.Unlock()
			slog.Error("deepgram: max reconnect attempts reached")
			if c.callbacks.OnError != nil {
				c.callbacks.OnError(ErrReconnectExhausted, false)
			}
			return
		}
		c.reconnectAttempts = attempt + 1
		c.mu.Unlock()

		var delay time.Duration
		if attempt > 0 {
			delay = time.Duration(1<<(attempt-1)) * c.backoffBase
		}
		slog.Info("deepgram: reconnecting",
			"attempt", attempt+1,
			"max_attempts", maxReconnectAttempts,
			"delay", delay,
		)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.status = stt.StatusDisconnected
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		slog.Warn("deepgram: reconnect attempt failed", "err", err)

		c.mu.Lock()
		c.status = stt.StatusReconnecting
		c.mu.Unlock()
	}
}
