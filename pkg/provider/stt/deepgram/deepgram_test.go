package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cadence-voice/cadence/pkg/provider/stt"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New("", stt.Callbacks{}); err == nil {
		t.Fatal("New with empty apiKey: want error, got nil")
	}
}

func TestBuildURL_Parameters(t *testing.T) {
	t.Parallel()

	c, err := New("key", stt.Callbacks{}, WithModel("nova-3"), WithLanguage("de"), WithSampleRate(8000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := c.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse built URL: %v", err)
	}

	q := u.Query()
	want := map[string]string{
		"model":            "nova-3",
		"language":         "de",
		"encoding":         "linear16",
		"sample_rate":      "8000",
		"channels":         "1",
		"interim_results":  "true",
		"punctuate":        "true",
		"utterance_end_ms": "1000",
		"vad_events":       "true",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s: want %q, got %q", k, v, got)
		}
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		raw            string
		wantText       string
		wantConfidence float64
		wantFinal      bool
		wantErr        bool
	}{
		{
			name:           "partial",
			raw:            `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello","confidence":0.8}]}}`,
			wantText:       "hello",
			wantConfidence: 0.8,
		},
		{
			name:           "is_final",
			raw:            `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.95}]}}`,
			wantText:       "hello there",
			wantConfidence: 0.95,
			wantFinal:      true,
		},
		{
			name:           "speech_final",
			raw:            `{"type":"Results","speech_final":true,"channel":{"alternatives":[{"transcript":"done now","confidence":0.9}]}}`,
			wantText:       "done now",
			wantConfidence: 0.9,
			wantFinal:      true,
		},
		{
			name: "empty transcript dropped",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0.0}]}}`,
		},
		{
			name: "no alternatives",
			raw:  `{"type":"Metadata","channel":{"alternatives":[]}}`,
		},
		{
			name: "invalid JSON ignored",
			raw:  `not json at all`,
		},
		{
			name:    "provider error",
			raw:     `{"error":"rate limit exceeded"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			text, confidence, final, err := parseResult([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if text != tt.wantText {
				t.Errorf("text: want %q, got %q", tt.wantText, text)
			}
			if confidence != tt.wantConfidence {
				t.Errorf("confidence: want %v, got %v", tt.wantConfidence, confidence)
			}
			if final != tt.wantFinal {
				t.Errorf("final: want %v, got %v", tt.wantFinal, final)
			}
		})
	}
}

func TestHandleMessage_Callbacks(t *testing.T) {
	t.Parallel()

	var partials, finals []string
	var errs []error
	c, err := New("key", stt.Callbacks{
		OnPartial: func(text string, _ float64) { partials = append(partials, text) },
		OnFinal:   func(text string, _ float64) { finals = append(finals, text) },
		OnError:   func(err error, _ bool) { errs = append(errs, err) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.handleMessage([]byte(`{"is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`))
	c.handleMessage([]byte(`{"is_final":true,"channel":{"alternatives":[{"transcript":"hello","confidence":0.9}]}}`))
	c.handleMessage([]byte(`{"error":"boom"}`))
	c.handleMessage([]byte(`{"is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`))

	if len(partials) != 1 || partials[0] != "hel" {
		t.Errorf("partials: want [hel], got %v", partials)
	}
	if len(finals) != 1 || finals[0] != "hello" {
		t.Errorf("finals: want [hello], got %v", finals)
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "boom") {
		t.Errorf("errors: want one containing 'boom', got %v", errs)
	}
}

func TestSendAudio_NotConnected(t *testing.T) {
	t.Parallel()

	c, err := New("key", stt.Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Must not block or panic while disconnected.
	c.SendAudio([]byte{1, 2, 3})
	if got := len(c.audio); got != 0 {
		t.Errorf("audio queue length: want 0, got %d", got)
	}
}

func TestSendAudio_QueueFullDropsAndReportsChunk(t *testing.T) {
	t.Parallel()

	var droppedBytes atomic.Int64
	c, err := New("key", stt.Callbacks{}, WithDropCallback(func(n int) {
		droppedBytes.Add(int64(n))
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.mu.Lock()
	c.status = stt.StatusConnected
	c.mu.Unlock()

	// Fill the queue; with no socket attached nothing drains it.
	for i := 0; i < sendQueueCap; i++ {
		c.audio <- []byte{0}
	}

	c.SendAudio([]byte{1, 2, 3, 4})

	if got := droppedBytes.Load(); got != 4 {
		t.Errorf("dropped bytes reported: want 4, got %d", got)
	}
	if got := len(c.audio); got != sendQueueCap {
		t.Errorf("queue length: want %d, got %d", sendQueueCap, got)
	}
}

func TestReconnect_ExhaustionReportedUnrecoverable(t *testing.T) {
	t.Parallel()

	// The first dial succeeds and the connection is dropped immediately;
	// every dial after that is refused so the reconnect schedule runs out.
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusInternalError, "dropping")
	}))
	defer srv.Close()

	type report struct {
		err         error
		recoverable bool
	}
	reports := make(chan report, 1)
	c, err := New("key", stt.Callbacks{
		OnError: func(err error, recoverable bool) {
			select {
			case reports <- report{err: err, recoverable: recoverable}:
			default:
			}
		},
	}, WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.backoffBase = time.Millisecond
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case got := <-reports:
		if !errors.Is(got.err, ErrReconnectExhausted) {
			t.Errorf("error: want ErrReconnectExhausted, got %v", got.err)
		}
		if got.recoverable {
			t.Error("exhausted reconnect reported as recoverable")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect exhaustion")
	}

	if got := dials.Load(); got != 1+maxReconnectAttempts {
		t.Errorf("dial attempts: want %d, got %d", 1+maxReconnectAttempts, got)
	}
	if got := c.Status(); got != stt.StatusDisconnected {
		t.Errorf("status after exhaustion: got %v", got)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	c, err := New("key", stt.Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if got := c.Status(); got != stt.StatusDisconnected && got != stt.StatusClosing {
		t.Errorf("status after Disconnect: got %v", got)
	}
}
