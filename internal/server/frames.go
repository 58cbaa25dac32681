package server

import "encoding/json"

// Incoming frame types.
const (
	frameConnect          = "connect"
	framePing             = "ping"
	framePong             = "pong"
	frameAudioChunk       = "audio_chunk"
	frameTextInput        = "text_input"
	frameInterrupt        = "interrupt"
	framePlaybackComplete = "playback_complete"
	frameUpdateSettings   = "update_settings"
	frameDisconnect       = "disconnect"
)

// Outgoing frame types.
const (
	frameStateChange       = "state_change"
	frameTranscriptPartial = "transcript_partial"
	frameTranscriptFinal   = "transcript_final"
	frameAgentAudioChunk   = "agent_audio_chunk"
	frameAgentTextFallback = "agent_text_fallback"
	frameTurnComplete      = "turn_complete"
	frameError             = "error"
)

// incomingFrame is the union of all client frame payloads; Type selects
// which fields are meaningful.
type incomingFrame struct {
	Type string `json:"type"`

	// audio_chunk. Format and SampleRate are declarative; the pipeline
	// processes audio as 16-bit mono PCM at the configured STT sample rate.
	Audio      string `json:"audio,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// text_input
	Text string `json:"text,omitempty"`

	// update_settings
	SilenceDebounceMS       *int     `json:"silence_debounce_ms,omitempty"`
	CancellationThreshold   *float64 `json:"cancellation_threshold,omitempty"`
	AdaptiveDebounceEnabled *bool    `json:"adaptive_debounce_enabled,omitempty"`
}

type stateChangeFrame struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type transcriptFrame struct {
	Type        string  `json:"type"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	TimestampMS int64   `json:"timestamp_ms"`
}

type agentAudioFrame struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	ChunkIndex int    `json:"chunk_index"`
	IsFinal    bool   `json:"is_final"`
}

type agentTextFallbackFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

type turnCompleteFrame struct {
	Type           string `json:"type"`
	TurnID         string `json:"turn_id"`
	UserText       string `json:"user_text"`
	AgentText      string `json:"agent_text"`
	DurationMS     int64  `json:"duration_ms"`
	WasInterrupted bool   `json:"was_interrupted"`
	TimestampMS    int64  `json:"timestamp_ms"`
}

type errorFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// controlFrame is a bare type-only frame, used for ping and pong.
type controlFrame struct {
	Type string `json:"type"`
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All frame types marshal cleanly; this is unreachable with the
		// types above.
		panic("server: marshal frame: " + err.Error())
	}
	return data
}
