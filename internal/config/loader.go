package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_interval %d must not be negative", cfg.Server.HeartbeatInterval))
	}

	// Providers
	if cfg.Providers.STT.APIKey == "" {
		errs = append(errs, errors.New("providers.stt.api_key is required"))
	}
	if cfg.Providers.LLM.APIKey == "" {
		errs = append(errs, errors.New("providers.llm.api_key is required"))
	}
	if cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required"))
	}
	if cfg.Providers.TTS.APIKey == "" {
		errs = append(errs, errors.New("providers.tts.api_key is required"))
	}
	if cfg.Providers.TTS.VoiceID == "" {
		errs = append(errs, errors.New("providers.tts.voice_id is required"))
	}
	if t := cfg.Providers.LLM.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("providers.llm.temperature %.2f is out of range [0, 2]", t))
	}

	// Turn tuning
	if v := cfg.Turn.MinSilenceDebounceMS; v != 0 && (v < 200 || v > 1000) {
		errs = append(errs, fmt.Errorf("turn.min_silence_debounce_ms %d is out of range [200, 1000]", v))
	}
	if v := cfg.Turn.MaxSilenceDebounceMS; v != 0 && (v < 500 || v > 3000) {
		errs = append(errs, fmt.Errorf("turn.max_silence_debounce_ms %d is out of range [500, 3000]", v))
	}
	if min, max := cfg.Turn.MinSilenceDebounceMS, cfg.Turn.MaxSilenceDebounceMS; min != 0 && max != 0 && min > max {
		errs = append(errs, fmt.Errorf("turn.min_silence_debounce_ms %d exceeds turn.max_silence_debounce_ms %d", min, max))
	}
	if v := cfg.Turn.CancellationRateThreshold; v != 0 && (v < 0.1 || v > 0.5) {
		errs = append(errs, fmt.Errorf("turn.cancellation_rate_threshold %.2f is out of range [0.1, 0.5]", v))
	}
	if cfg.Turn.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("turn.history_window %d must not be negative", cfg.Turn.HistoryWindow))
	}

	return errors.Join(errs...)
}
