// Package config provides the configuration schema and loader for the
// Cadence voice-agent server.
package config

// LogLevel controls log verbosity for the Cadence server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Cadence. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Turn      TurnConfig      `yaml:"turn"`
	Store     StoreConfig     `yaml:"store"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// FrontendOrigin is the origin allowed to open WebSocket connections.
	// Empty allows same-origin only.
	FrontendOrigin string `yaml:"frontend_origin"`

	// HeartbeatInterval is the server-side ping cadence in seconds.
	// Zero uses the default of 30.
	HeartbeatInterval int `yaml:"heartbeat_interval"`
}

// ProvidersConfig declares credentials and models for the three external
// providers of the pipeline.
type ProvidersConfig struct {
	STT STTProviderConfig `yaml:"stt"`
	LLM LLMProviderConfig `yaml:"llm"`
	TTS TTSProviderConfig `yaml:"tts"`
}

// STTProviderConfig configures the streaming speech-to-text provider.
type STTProviderConfig struct {
	// APIKey is the provider bearer token.
	APIKey string `yaml:"api_key"`

	// Model selects the transcription model (e.g., "nova-2").
	Model string `yaml:"model"`

	// Language is the expected spoken language (e.g., "en-US").
	Language string `yaml:"language"`

	// SampleRate is the PCM sample rate in Hz. Zero uses 16000.
	SampleRate int `yaml:"sample_rate"`
}

// LLMProviderConfig configures the streaming chat-completion provider.
type LLMProviderConfig struct {
	// APIKey is the provider bearer token.
	APIKey string `yaml:"api_key"`

	// Model selects the generation model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// PriorityTier requests the provider's low-latency processing tier.
	PriorityTier bool `yaml:"priority_tier"`

	// Temperature overrides the sampling temperature. Zero uses 0.7.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens overrides the output token cap. Zero uses 200.
	MaxTokens int `yaml:"max_tokens"`
}

// TTSProviderConfig configures the streaming synthesis provider.
type TTSProviderConfig struct {
	// APIKey is the provider bearer token.
	APIKey string `yaml:"api_key"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Model selects the synthesis model (e.g., "eleven_turbo_v2_5").
	Model string `yaml:"model"`

	// OutputFormat selects the audio output format (e.g., "pcm_16000").
	OutputFormat string `yaml:"output_format"`
}

// TurnConfig tunes the turn controller.
type TurnConfig struct {
	// SystemPrompt overrides the built-in system message.
	SystemPrompt string `yaml:"system_prompt"`

	// MinSilenceDebounceMS is the adaptive dwell floor. Range [200, 1000],
	// default 400.
	MinSilenceDebounceMS int `yaml:"min_silence_debounce_ms"`

	// MaxSilenceDebounceMS is the adaptive dwell cap. Range [500, 3000],
	// default 1200.
	MaxSilenceDebounceMS int `yaml:"max_silence_debounce_ms"`

	// CancellationRateThreshold is the cancelled/total ratio above which the
	// dwell grows. Range [0.1, 0.5], default 0.30.
	CancellationRateThreshold float64 `yaml:"cancellation_rate_threshold"`

	// AdaptiveDebounce enables dwell adjustment at turn completion.
	AdaptiveDebounce *bool `yaml:"adaptive_debounce"`

	// HistoryWindow bounds the number of past turns included in LLM prompts.
	// Zero keeps the full session.
	HistoryWindow int `yaml:"history_window"`
}

// StoreConfig configures optional turn-record persistence.
type StoreConfig struct {
	// PostgresDSN is the connection string for the turn store. Empty disables
	// persistence; the server keeps records in memory instead.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Adaptive reports the effective adaptive-debounce setting (default on).
func (t TurnConfig) Adaptive() bool {
	if t.AdaptiveDebounce == nil {
		return true
	}
	return *t.AdaptiveDebounce
}
