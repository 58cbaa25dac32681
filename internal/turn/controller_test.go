package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadence-voice/cadence/pkg/audio"
	"github.com/cadence-voice/cadence/pkg/provider/llm"
	llmmock "github.com/cadence-voice/cadence/pkg/provider/llm/mock"
	sttmock "github.com/cadence-voice/cadence/pkg/provider/stt/mock"
	ttsmock "github.com/cadence-voice/cadence/pkg/provider/tts/mock"
)

// eventRecorder captures every controller event for later assertions.
type eventRecorder struct {
	mu           sync.Mutex
	stateChanges [][2]State
	partials     []string
	finals       []string
	audioFrames  []audioFrame
	fallbacks    []string
	completes    []completeEvent
	errors       []errorEvent
}

type audioFrame struct {
	b64   string
	index int
	final bool
}

type completeEvent struct {
	turnID      string
	userText    string
	agentText   string
	durationMS  int64
	interrupted bool
}

type errorEvent struct {
	code        string
	message     string
	recoverable bool
}

func (r *eventRecorder) events() Events {
	return Events{
		OnStateChange: func(from, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stateChanges = append(r.stateChanges, [2]State{from, to})
		},
		OnTranscriptPartial: func(text string, _ float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.partials = append(r.partials, text)
		},
		OnTranscriptFinal: func(text string, _ float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finals = append(r.finals, text)
		},
		OnAgentAudio: func(b64 string, idx int, final bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.audioFrames = append(r.audioFrames, audioFrame{b64: b64, index: idx, final: final})
		},
		OnAgentTextFallback: func(text, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fallbacks = append(r.fallbacks, text)
		},
		OnTurnComplete: func(id, user, agent string, dur int64, interrupted bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, completeEvent{
				turnID: id, userText: user, agentText: agent,
				durationMS: dur, interrupted: interrupted,
			})
		},
		OnError: func(code, msg string, recoverable bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, errorEvent{code: code, message: msg, recoverable: recoverable})
		},
	}
}

func (r *eventRecorder) snapshot() eventRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return eventRecorder{
		stateChanges: append([][2]State(nil), r.stateChanges...),
		partials:     append([]string(nil), r.partials...),
		finals:       append([]string(nil), r.finals...),
		audioFrames:  append([]audioFrame(nil), r.audioFrames...),
		fallbacks:    append([]string(nil), r.fallbacks...),
		completes:    append([]completeEvent(nil), r.completes...),
		errors:       append([]errorEvent(nil), r.errors...),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSilenceDebounce = 30 * time.Millisecond
	cfg.MaxSilenceDebounce = 100 * time.Millisecond
	cfg.PlaybackTimeout = 2 * time.Second
	return cfg
}

// newTestController wires a controller to all three provider mocks.
func newTestController(t *testing.T, cfg Config, lm *llmmock.Client, tm *ttsmock.Client) (*Controller, *eventRecorder, *sttmock.Client) {
	t.Helper()
	rec := &eventRecorder{}
	c := New(cfg, lm, tm, rec.events())
	st := &sttmock.Client{Callbacks: c.STTCallbacks()}
	c.AttachSTT(st)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, rec, st
}

// waitFor polls until cond holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pcmChunk() string {
	return audio.EncodeBase64([]byte{0x01, 0x02, 0x03, 0x04})
}

func TestController_HappyPath(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{Sentences: []llm.Sentence{
		{Text: "Hi there."},
		{Text: "How can I help?"},
	}}
	tm := &ttsmock.Client{Chunks: [][]byte{[]byte("audio")}}
	c, rec, st := newTestController(t, testConfig(), lm, tm)

	c.HandleAudioChunk(pcmChunk())
	st.EmitPartial("hello", 0.5)
	st.EmitPartial("hello there", 0.6)
	st.EmitFinal("hello there", 0.95)

	waitFor(t, "turn complete", func() bool {
		return len(rec.snapshot().completes) == 1
	})
	got := rec.snapshot()

	wantStates := [][2]State{
		{StateIdle, StateListening},
		{StateListening, StateSpeculative},
		{StateSpeculative, StateCommitted},
		{StateCommitted, StateSpeaking},
	}
	if len(got.stateChanges) != len(wantStates) {
		t.Fatalf("state changes: got %v", got.stateChanges)
	}
	for i, want := range wantStates {
		if got.stateChanges[i] != want {
			t.Errorf("state change %d: want %v, got %v", i, want, got.stateChanges[i])
		}
	}

	if len(got.partials) != 2 || len(got.finals) != 1 {
		t.Errorf("transcript events: partials %v, finals %v", got.partials, got.finals)
	}

	// One chunk per sentence plus the terminator; indices strictly 0..N and
	// exactly the last frame is final.
	if len(got.audioFrames) != 3 {
		t.Fatalf("audio frames: got %v", got.audioFrames)
	}
	for i, f := range got.audioFrames {
		if f.index != i {
			t.Errorf("frame %d: index %d", i, f.index)
		}
		wantFinal := i == len(got.audioFrames)-1
		if f.final != wantFinal {
			t.Errorf("frame %d: final=%v", i, f.final)
		}
	}
	if last := got.audioFrames[len(got.audioFrames)-1]; last.b64 != "" {
		t.Errorf("terminator frame carries audio: %q", last.b64)
	}

	done := got.completes[0]
	if done.userText != "hello there" {
		t.Errorf("user text: got %q", done.userText)
	}
	if done.agentText != "Hi there. How can I help?" {
		t.Errorf("agent text: got %q", done.agentText)
	}
	if done.interrupted {
		t.Error("turn marked interrupted")
	}

	// Still speaking until the client acknowledges playback.
	if got := c.State(); got != StateSpeaking {
		t.Errorf("state before ack: %s", got)
	}
	c.HandlePlaybackComplete()
	if got := c.State(); got != StateIdle {
		t.Errorf("state after ack: %s", got)
	}

	tel := c.Telemetry()
	if tel.TotalTurns != 1 || tel.CancelledTurns != 0 {
		t.Errorf("telemetry: %+v", tel)
	}
	if len(rec.snapshot().completes) != 1 {
		t.Error("turn complete emitted more than once")
	}
}

func TestController_SpeculationCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	lm := &llmmock.Client{
		Sentences: []llm.Sentence{{Text: "It is noon."}},
		Release:   release,
	}
	tm := &ttsmock.Client{}
	c, rec, st := newTestController(t, testConfig(), lm, tm)

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("what time is it", 0.9)

	waitFor(t, "speculative state", func() bool {
		return c.State() == StateSpeculative
	})

	st.EmitPartial("actually never mind", 0.5)

	waitFor(t, "return to listening", func() bool {
		return c.State() == StateListening
	})
	got := rec.snapshot()
	last := got.stateChanges[len(got.stateChanges)-1]
	if last != [2]State{StateSpeculative, StateListening} {
		t.Errorf("last state change: got %v", last)
	}
	if len(got.audioFrames) != 0 {
		t.Errorf("audio frames after cancel: %v", got.audioFrames)
	}
	if tel := c.Telemetry(); tel.CancelledTurns != 1 {
		t.Errorf("cancelled turns: %d", tel.CancelledTurns)
	}

	// The transcript is unlocked again and keeps accumulating.
	st.EmitFinal("actually what day is it", 0.9)
	waitFor(t, "final recorded", func() bool {
		return len(rec.snapshot().finals) == 2
	})
}

func TestController_BargeInDuringSpeaking(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{Sentences: []llm.Sentence{{Text: "Once upon a time."}}}
	release := make(chan struct{})
	tm := &ttsmock.Client{
		Chunks:  [][]byte{[]byte("a"), []byte("b"), []byte("c")},
		Release: release,
	}
	c, rec, st := newTestController(t, testConfig(), lm, tm)

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("tell me a story", 0.9)

	release <- struct{}{}
	waitFor(t, "speaking state", func() bool {
		return c.State() == StateSpeaking
	})

	st.EmitPartial("wait", 0.5)

	waitFor(t, "listening after barge-in", func() bool {
		return c.State() == StateListening
	})
	close(release)

	time.Sleep(50 * time.Millisecond)
	got := rec.snapshot()

	if len(got.completes) != 1 || !got.completes[0].interrupted {
		t.Fatalf("completes: %+v", got.completes)
	}
	// No audio frame after the barge-in.
	frames := len(got.audioFrames)
	if frames != 1 {
		t.Errorf("audio frames: want 1, got %d", frames)
	}
	if tel := c.Telemetry(); tel.InterruptionCount != 1 || tel.TotalTurns != 1 {
		t.Errorf("telemetry: %+v", tel)
	}
	// The barge-in partial is still surfaced to the client.
	if len(got.partials) != 1 || got.partials[0] != "wait" {
		t.Errorf("partials: %v", got.partials)
	}
}

func TestController_PreSpeakInterrupt(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{Sentences: []llm.Sentence{{Text: "Let me explain."}}}
	release := make(chan struct{})
	defer close(release)
	// No values sent on release: synthesis starts but never yields audio, so
	// the turn holds in COMMITTED.
	tm := &ttsmock.Client{Release: release}
	c, rec, st := newTestController(t, testConfig(), lm, tm)

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("explain quantum physics", 0.9)

	waitFor(t, "committed state", func() bool {
		return c.State() == StateCommitted
	})

	st.EmitPartial("no wait", 0.5)

	waitFor(t, "listening after interrupt", func() bool {
		return c.State() == StateListening
	})
	got := rec.snapshot()
	if len(got.audioFrames) != 0 {
		t.Errorf("audio frames: %v", got.audioFrames)
	}
	n := len(got.stateChanges)
	if n < 2 ||
		got.stateChanges[n-2] != [2]State{StateCommitted, StateIdle} ||
		got.stateChanges[n-1] != [2]State{StateIdle, StateListening} {
		t.Errorf("state changes: %v", got.stateChanges)
	}
	if tel := c.Telemetry(); tel.CancelledTurns != 1 {
		t.Errorf("cancelled turns: %d", tel.CancelledTurns)
	}
}

func TestController_LLMTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	lm := &llmmock.Client{
		Sentences: []llm.Sentence{{Text: "too late"}},
		Release:   release,
	}
	cfg := testConfig()
	cfg.LLMTimeout = 60 * time.Millisecond
	c, rec, st := newTestController(t, cfg, lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("hello", 0.9)

	waitFor(t, "llm timeout error", func() bool {
		got := rec.snapshot()
		return len(got.errors) == 1 && got.errors[0].code == ErrCodeLLMTimeout
	})
	got := rec.snapshot()
	if !got.errors[0].recoverable {
		t.Error("llm_timeout not marked recoverable")
	}
	if c.State() != StateIdle {
		t.Errorf("state after timeout: %s", c.State())
	}
	if len(got.audioFrames) != 0 {
		t.Errorf("audio frames: %v", got.audioFrames)
	}
}

func TestController_LLMNoResponse(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{} // streams nothing
	c, rec, st := newTestController(t, testConfig(), lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("hello", 0.9)

	waitFor(t, "no-response error", func() bool {
		got := rec.snapshot()
		return len(got.errors) == 1 && got.errors[0].code == ErrCodeLLMNoResponse
	})
	if c.State() != StateIdle {
		t.Errorf("state: %s", c.State())
	}
}

func TestController_TTSFailureFallsBackToText(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{Sentences: []llm.Sentence{
		{Text: "First sentence."},
		{Text: "Second sentence."},
	}}
	tm := &ttsmock.Client{
		Chunks:        [][]byte{[]byte("x"), []byte("y"), []byte("z")},
		SynthesizeErr: errors.New("synthesis backend gone"),
		FailAfter:     1,
	}
	c, rec, st := newTestController(t, testConfig(), lm, tm)

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("say two things", 0.9)

	waitFor(t, "text fallback", func() bool {
		return len(rec.snapshot().fallbacks) == 1
	})
	waitFor(t, "idle after fallback", func() bool {
		return c.State() == StateIdle
	})
	got := rec.snapshot()

	if len(got.errors) != 1 || got.errors[0].code != ErrCodeTTSError {
		t.Fatalf("errors: %+v", got.errors)
	}
	if got.fallbacks[0] != "First sentence. Second sentence." {
		t.Errorf("fallback text: %q", got.fallbacks[0])
	}
	if len(got.completes) != 1 {
		t.Errorf("completes: %+v", got.completes)
	}
}

func TestController_TTSStreamFailureFallsBackToText(t *testing.T) {
	t.Parallel()

	// Synthesis starts fine but the audio stream dies mid-body. The partial
	// audio is unusable, so the client gets the reply as text.
	lm := &llmmock.Client{Sentences: []llm.Sentence{{Text: "Only sentence."}}}
	tm := &ttsmock.Client{
		Chunks:    [][]byte{[]byte("x")},
		StreamErr: errors.New("connection reset mid-stream"),
	}
	c, rec, st := newTestController(t, testConfig(), lm, tm)

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("say something", 0.9)

	waitFor(t, "text fallback", func() bool {
		return len(rec.snapshot().fallbacks) == 1
	})
	waitFor(t, "idle after fallback", func() bool {
		return c.State() == StateIdle
	})
	got := rec.snapshot()

	if len(got.errors) != 1 || got.errors[0].code != ErrCodeTTSError {
		t.Fatalf("errors: %+v", got.errors)
	}
	if !got.errors[0].recoverable {
		t.Error("tts_error not marked recoverable")
	}
	if got.fallbacks[0] != "Only sentence." {
		t.Errorf("fallback text: %q", got.fallbacks[0])
	}
	if len(got.completes) != 1 {
		t.Errorf("completes: %+v", got.completes)
	}
	// The chunk delivered before the failure was already forwarded.
	if len(got.audioFrames) != 1 {
		t.Errorf("audio frames: %+v", got.audioFrames)
	}
}

func TestController_TTSQueueTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	lm := &llmmock.Client{
		Sentences: []llm.Sentence{
			{Text: "First sentence."},
			{Text: "Never delivered."},
		},
		Release: release,
	}
	cfg := testConfig()
	cfg.TTSQueueTimeout = 120 * time.Millisecond
	c, rec, st := newTestController(t, cfg, lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("tell me two things", 0.9)

	// First sentence commits the turn and is synthesized; the second is held,
	// starving the sentence queue past its timeout.
	release <- struct{}{}

	waitFor(t, "queue timeout error", func() bool {
		got := rec.snapshot()
		return len(got.errors) == 1 && got.errors[0].code == ErrCodeTTSQueueTimeout
	})
	got := rec.snapshot()
	if !got.errors[0].recoverable {
		t.Error("tts_queue_timeout not marked recoverable")
	}
	waitFor(t, "idle after queue timeout", func() bool {
		return c.State() == StateIdle
	})
	if len(got.completes) != 0 {
		t.Errorf("completes after abandoned turn: %+v", got.completes)
	}
}

func TestController_PlaybackTimeoutAutoCompletes(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{Sentences: []llm.Sentence{{Text: "Hello."}}}
	cfg := testConfig()
	cfg.PlaybackTimeout = 80 * time.Millisecond
	c, rec, st := newTestController(t, cfg, lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("hi", 0.9)

	waitFor(t, "turn complete", func() bool {
		return len(rec.snapshot().completes) == 1
	})
	// No playback_complete from the client; the safety timeout closes it.
	waitFor(t, "idle after playback timeout", func() bool {
		return c.State() == StateIdle
	})
	if got := rec.snapshot(); len(got.completes) != 1 {
		t.Errorf("turn complete resent: %+v", got.completes)
	}
}

func TestController_InjectedTranscriptStartsTurn(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{Sentences: []llm.Sentence{{Text: "Typed reply."}}}
	c, rec, _ := newTestController(t, testConfig(), lm, &ttsmock.Client{})

	c.HandleFinalTranscript("typed message", 1.0)

	waitFor(t, "turn complete", func() bool {
		return len(rec.snapshot().completes) == 1
	})
	got := rec.snapshot()
	if got.completes[0].userText != "typed message" {
		t.Errorf("user text: %q", got.completes[0].userText)
	}
	if len(lm.LastCall()) == 0 {
		t.Fatal("llm never called")
	}
	last := lm.LastCall()[len(lm.LastCall())-1]
	if last.Role != llm.RoleUser || last.Content != "typed message" {
		t.Errorf("last prompt message: %+v", last)
	}
}

func TestController_FinalsIgnoredOutsideListening(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	lm := &llmmock.Client{
		Sentences: []llm.Sentence{{Text: "Answer."}},
		Release:   release,
	}
	c, _, st := newTestController(t, testConfig(), lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("question", 0.9)
	waitFor(t, "speculative", func() bool {
		return c.State() == StateSpeculative
	})

	st.EmitFinal("stray final", 0.9)
	if tel := c.Telemetry(); tel.IgnoredTranscripts != 1 {
		t.Errorf("ignored transcripts: %d", tel.IgnoredTranscripts)
	}
}

func TestController_HistoryCarriesAcrossTurns(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Client{Sentences: []llm.Sentence{{Text: "Reply one."}}}
	c, rec, st := newTestController(t, testConfig(), lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("first question", 0.9)
	waitFor(t, "first turn complete", func() bool {
		return len(rec.snapshot().completes) == 1
	})
	c.HandlePlaybackComplete()

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("second question", 0.9)
	waitFor(t, "second turn complete", func() bool {
		return len(rec.snapshot().completes) == 2
	})

	msgs := lm.LastCall()
	// system + first user + first assistant + second user.
	if len(msgs) != 4 {
		t.Fatalf("prompt messages: %+v", msgs)
	}
	if msgs[1].Content != "first question" || msgs[2].Content != "Reply one." {
		t.Errorf("history messages: %+v", msgs[1:3])
	}
}

func TestController_UpdateSettings(t *testing.T) {
	t.Parallel()

	c := New(testConfig(), &llmmock.Client{}, &ttsmock.Client{}, Events{})

	debounce := 90
	threshold := 0.45
	adaptive := false
	c.UpdateSettings(Settings{
		SilenceDebounceMS:     &debounce,
		CancellationThreshold: &threshold,
		AdaptiveDebounce:      &adaptive,
	})

	tel := c.Telemetry()
	if tel.CurrentDebounceMS != 90 {
		t.Errorf("debounce: %d", tel.CurrentDebounceMS)
	}
}

func TestController_ExplicitInterruptWhileSpeculative(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	lm := &llmmock.Client{
		Sentences: []llm.Sentence{{Text: "Held."}},
		Release:   release,
	}
	c, _, st := newTestController(t, testConfig(), lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("question", 0.9)
	waitFor(t, "speculative", func() bool {
		return c.State() == StateSpeculative
	})

	c.HandleInterrupt()
	waitFor(t, "listening", func() bool {
		return c.State() == StateListening
	})
	if tel := c.Telemetry(); tel.CancelledTurns != 1 {
		t.Errorf("cancelled turns: %d", tel.CancelledTurns)
	}
}

func TestController_AudioRoutedToSTTInAllActiveStates(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	lm := &llmmock.Client{
		Sentences: []llm.Sentence{{Text: "Streaming."}},
		Release:   release,
	}
	c, _, st := newTestController(t, testConfig(), lm, &ttsmock.Client{})

	c.HandleAudioChunk(pcmChunk())
	st.EmitFinal("hello", 0.9)
	waitFor(t, "speculative", func() bool {
		return c.State() == StateSpeculative
	})

	// Audio during speculation still reaches STT for barge-in detection.
	c.HandleAudioChunk(pcmChunk())
	if got := len(st.Sent()); got != 2 {
		t.Errorf("chunks sent to stt: want 2, got %d", got)
	}
}
