package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadence-voice/cadence/internal/observe"
	"github.com/cadence-voice/cadence/pkg/audio"
	"github.com/cadence-voice/cadence/pkg/provider/llm"
	"github.com/cadence-voice/cadence/pkg/provider/stt"
	"github.com/cadence-voice/cadence/pkg/provider/tts"
)

// Error codes emitted through Events.OnError.
const (
	ErrCodeSTTConnectionFailed = "stt_connection_failed"
	ErrCodeSTTTransportLost    = "stt_transport_lost"
	ErrCodeLLMTimeout          = "llm_timeout"
	ErrCodeLLMNoResponse       = "llm_no_response"
	ErrCodeLLMError            = "llm_error"
	ErrCodeTTSQueueTimeout     = "tts_queue_timeout"
	ErrCodeTTSError            = "tts_error"
	ErrCodeInternal            = "internal_error"
)

// defaultSystemPrompt instructs concise, speech-friendly output.
const defaultSystemPrompt = "You are a helpful voice assistant. Keep your responses concise and " +
	"conversational, suitable for being read aloud. Answer only the user's latest message."

// sentenceQueueCap bounds the in-flight sentence queue between the LLM
// producer and the TTS consumer.
const sentenceQueueCap = 32

// Config holds controller tuning. Use DefaultConfig as a starting point.
type Config struct {
	// SystemPrompt is the fixed system message prepended to every LLM prompt.
	SystemPrompt string

	// MinSilenceDebounce and MaxSilenceDebounce bound the adaptive
	// end-of-utterance dwell.
	MinSilenceDebounce time.Duration
	MaxSilenceDebounce time.Duration

	// CancellationRateThreshold is the cancelled/total ratio above which the
	// dwell grows.
	CancellationRateThreshold float64

	// AdaptiveDebounce enables dwell adjustment at turn completion.
	AdaptiveDebounce bool

	// LLMTimeout caps total generation time for one turn.
	LLMTimeout time.Duration

	// TTSQueueTimeout caps the wait for the next sentence during synthesis.
	TTSQueueTimeout time.Duration

	// PlaybackTimeout caps the wait for the client's playback acknowledgement.
	PlaybackTimeout time.Duration

	// SampleRate is the PCM sample rate of incoming audio in Hz.
	SampleRate int

	// MaxAudioSeconds bounds the audio input buffer.
	MaxAudioSeconds int

	// HistoryWindow bounds the number of past turns included in LLM prompts.
	// Zero keeps the full session.
	HistoryWindow int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:              defaultSystemPrompt,
		MinSilenceDebounce:        400 * time.Millisecond,
		MaxSilenceDebounce:        1200 * time.Millisecond,
		CancellationRateThreshold: 0.30,
		AdaptiveDebounce:          true,
		LLMTimeout:                15 * time.Second,
		TTSQueueTimeout:           20 * time.Second,
		PlaybackTimeout:           15 * time.Second,
		SampleRate:                16000,
		MaxAudioSeconds:           30,
	}
}

// Events are the callbacks the controller emits to its host. Nil fields are
// skipped. Callbacks are invoked with the controller lock held; they must not
// call back into the controller synchronously.
type Events struct {
	OnStateChange       func(from, to State)
	OnTranscriptPartial func(text string, confidence float64)
	OnTranscriptFinal   func(text string, confidence float64)
	OnAgentAudio        func(audioB64 string, chunkIndex int, final bool)
	OnAgentTextFallback func(text, reason string)
	OnTurnComplete      func(turnID, userText, agentText string, durationMS int64, wasInterrupted bool)
	OnError             func(code, message string, recoverable bool)
}

// Settings carries live tuning updates. Nil fields are left unchanged.
type Settings struct {
	SilenceDebounceMS     *int
	CancellationThreshold *float64
	AdaptiveDebounce      *bool
}

// Telemetry is a snapshot of the controller's session counters.
type Telemetry struct {
	CancellationRate   float64
	CurrentDebounceMS  int
	TotalTurns         int
	CancelledTurns     int
	InterruptionCount  int
	TokensWasted       int
	IgnoredTranscripts int
}

// activeTurn is the per-turn record. It outlives its generation when the
// turn is waiting for the client's playback acknowledgement.
type activeTurn struct {
	id                 string
	startTime          time.Time
	wasInterrupted     bool
	turnCompleteSent   bool
	waitingForPlayback bool
	playbackTimer      *time.Timer
	gen                *generation
}

// generation is one speculative LLM+TTS attempt within a turn. closed marks
// the point past which no side effect from its producer goroutines may be
// observed.
type generation struct {
	userText  string
	speechEnd time.Time
	llmStart  time.Time
	llmEnd    time.Time
	ttsStart  time.Time

	llmCtx    context.Context
	llmCancel context.CancelFunc
	ttsCtx    context.Context
	ttsCancel context.CancelFunc

	sentenceQ  chan llm.Sentence
	sentences  []string
	chunkIndex int
	closed     bool
}

// agentText returns the response text accumulated so far.
func (g *generation) agentText() string {
	return strings.Join(g.sentences, " ")
}

// Option configures optional Controller collaborators.
type Option func(*Controller)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithMetrics sets the metrics sink. Nil is valid and records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is the per-session orchestrator. All session-local state is
// guarded by mu; the STT callbacks, the silence timer, and the LLM and TTS
// goroutines all funnel through it.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	events  Events

	llm llm.Client
	tts tts.Client

	mu         sync.Mutex
	sttClient  stt.Client
	machine    *Machine
	transcript *TranscriptBuffer
	audioBuf   *audio.InputBuffer
	history    *ConversationHistory
	silence    *SilenceTimer
	turn       *activeTurn

	totalTurns         int
	cancelledTurns     int
	interruptions      int
	tokensWasted       int
	ignoredTranscripts int
}

// New creates a Controller. Attach the STT client with AttachSTT after
// constructing it with STTCallbacks.
func New(cfg Config, llmClient llm.Client, ttsClient tts.Client, events Events, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.MinSilenceDebounce == 0 {
		cfg.MinSilenceDebounce = def.MinSilenceDebounce
	}
	if cfg.MaxSilenceDebounce == 0 {
		cfg.MaxSilenceDebounce = def.MaxSilenceDebounce
	}
	if cfg.CancellationRateThreshold == 0 {
		cfg.CancellationRateThreshold = def.CancellationRateThreshold
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = def.LLMTimeout
	}
	if cfg.TTSQueueTimeout == 0 {
		cfg.TTSQueueTimeout = def.TTSQueueTimeout
	}
	if cfg.PlaybackTimeout == 0 {
		cfg.PlaybackTimeout = def.PlaybackTimeout
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MaxAudioSeconds == 0 {
		cfg.MaxAudioSeconds = def.MaxAudioSeconds
	}

	c := &Controller{
		cfg:        cfg,
		log:        slog.Default(),
		llm:        llmClient,
		tts:        ttsClient,
		transcript: &TranscriptBuffer{},
		audioBuf:   audio.NewInputBuffer(cfg.MaxAudioSeconds, cfg.SampleRate),
		history:    NewConversationHistory(cfg.HistoryWindow),
	}
	c.events = events
	c.machine = NewMachine(func(from, to State) {
		if c.events.OnStateChange != nil {
			c.events.OnStateChange(from, to)
		}
	})
	c.silence = NewSilenceTimer(cfg.MinSilenceDebounce, cfg.MaxSilenceDebounce,
		cfg.CancellationRateThreshold, c.onSilenceComplete)
	for _, o := range opts {
		o(c)
	}
	return c
}

// STTCallbacks returns the callback set to hand to the STT client
// constructor.
func (c *Controller) STTCallbacks() stt.Callbacks {
	return stt.Callbacks{
		OnPartial: c.handleSTTPartial,
		OnFinal:   c.handleSTTFinal,
		OnError:   c.handleSTTError,
	}
}

// AttachSTT binds the STT client. Must be called before Start.
func (c *Controller) AttachSTT(client stt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sttClient = client
}

// Start opens the STT connection. A failure is reported through OnError as
// recoverable and returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	client := c.sttClient
	c.mu.Unlock()
	if client == nil {
		return errors.New("turn: no stt client attached")
	}
	if err := client.Connect(ctx); err != nil {
		c.mu.Lock()
		c.emitError(ErrCodeSTTConnectionFailed, err.Error(), true)
		c.mu.Unlock()
		return fmt.Errorf("turn: stt connect: %w", err)
	}
	return nil
}

// Stop disconnects STT and cancels all pending work. The adapter is stopped
// first so its callbacks cannot observe the torn-down session.
func (c *Controller) Stop() {
	c.mu.Lock()
	client := c.sttClient
	c.mu.Unlock()
	if client != nil {
		if err := client.Disconnect(); err != nil {
			c.log.Warn("stt disconnect failed", "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.silence.Cancel()
	if t := c.turn; t != nil {
		if g := t.gen; g != nil {
			g.closed = true
			g.llmCancel()
			g.ttsCancel()
		}
		if t.playbackTimer != nil {
			t.playbackTimer.Stop()
		}
		c.turn = nil
	}
	c.transcript.Clear()
	c.audioBuf.Clear()
	c.machine.ForceIdle()
}

// HandleAudioChunk decodes and routes one client audio chunk. In IDLE it
// opens a new turn; in LISTENING it feeds the input buffer; in the active
// generation states it bypasses the buffer but still reaches STT so barge-in
// detection keeps working.
//
// The chunk is assumed to be 16-bit mono PCM at the sample rate the STT
// session was configured with. The format and sample_rate fields a client
// declares on its audio frames are informational only; no per-chunk
// conversion happens here.
func (c *Controller) HandleAudioChunk(audioB64 string) {
	raw := audio.DecodeBase64(audioB64)
	if len(raw) == 0 {
		c.log.Warn("dropping empty audio chunk")
		return
	}

	c.mu.Lock()
	client := c.sttClient
	switch c.machine.State() {
	case StateIdle:
		c.beginTurnLocked()
		c.audioBuf.Add(raw)
	case StateListening:
		c.audioBuf.Add(raw)
	default:
		// Speculative, committed, speaking: STT only.
	}
	c.mu.Unlock()

	if client != nil {
		client.SendAudio(raw)
	}
}

// HandleFinalTranscript injects a final transcript directly, bypassing STT.
// Used for typed text input and tests. Unlike the STT callback path it opens
// a turn from IDLE.
func (c *Controller) HandleFinalTranscript(text string, confidence float64) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() == StateIdle {
		c.beginTurnLocked()
	}
	if c.machine.State() != StateListening {
		c.ignoredTranscripts++
		c.log.Warn("ignoring injected transcript", "state", c.machine.State())
		return
	}
	c.acceptFinalLocked(text, confidence)
}

// HandlePlaybackComplete is the client's signal that rendered audio has
// finished playing.
func (c *Controller) HandlePlaybackComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.turn
	if t == nil || !t.waitingForPlayback {
		c.log.Debug("playback_complete with no turn awaiting it")
		return
	}
	c.finishTurnLocked(t)
}

// HandleInterrupt is a client-initiated barge-in.
func (c *Controller) HandleInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.machine.State() {
	case StateSpeculative:
		c.cancelSpeculationLocked()
	case StateCommitted:
		c.preSpeakInterruptLocked()
	case StateSpeaking:
		c.bargeInLocked()
	default:
		c.log.Debug("interrupt ignored", "state", c.machine.State())
	}
}

// UpdateSettings applies live tuning. Nil fields are unchanged.
func (c *Controller) UpdateSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.SilenceDebounceMS != nil {
		c.silence.SetDebounce(time.Duration(*s.SilenceDebounceMS) * time.Millisecond)
	}
	if s.CancellationThreshold != nil {
		c.cfg.CancellationRateThreshold = *s.CancellationThreshold
		c.silence.SetThreshold(*s.CancellationThreshold)
	}
	if s.AdaptiveDebounce != nil {
		c.cfg.AdaptiveDebounce = *s.AdaptiveDebounce
	}
	c.log.Info("settings updated",
		"debounce_ms", c.silence.Debounce().Milliseconds(),
		"cancellation_threshold", c.cfg.CancellationRateThreshold,
		"adaptive", c.cfg.AdaptiveDebounce)
}

// Telemetry returns a snapshot of the session counters.
func (c *Controller) Telemetry() Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Telemetry{
		CancellationRate:   c.cancellationRateLocked(),
		CurrentDebounceMS:  int(c.silence.Debounce().Milliseconds()),
		TotalTurns:         c.totalTurns,
		CancelledTurns:     c.cancelledTurns,
		InterruptionCount:  c.interruptions,
		TokensWasted:       c.tokensWasted,
		IgnoredTranscripts: c.ignoredTranscripts,
	}
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// ---- STT callbacks ----

func (c *Controller) handleSTTPartial(text string, confidence float64) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.machine.State() {
	case StateIdle:
		c.ignoredTranscripts++
		return
	case StateListening:
		if c.silence.Armed() {
			c.silence.Start()
		}
	case StateSpeculative:
		c.cancelSpeculationLocked()
	case StateCommitted:
		c.preSpeakInterruptLocked()
	case StateSpeaking:
		c.bargeInLocked()
	}

	c.transcript.AddPartial(text)
	if c.events.OnTranscriptPartial != nil {
		c.events.OnTranscriptPartial(text, confidence)
	}
}

func (c *Controller) handleSTTFinal(text string, confidence float64) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() != StateListening {
		c.ignoredTranscripts++
		c.log.Warn("ignoring final transcript", "state", c.machine.State())
		return
	}
	c.acceptFinalLocked(text, confidence)
}

func (c *Controller) handleSTTError(err error, recoverable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitError(ErrCodeSTTTransportLost, err.Error(), recoverable)
}

// acceptFinalLocked appends a finalized fragment and arms the silence timer.
func (c *Controller) acceptFinalLocked(text string, confidence float64) {
	c.transcript.AddFinal(text)
	if c.events.OnTranscriptFinal != nil {
		c.events.OnTranscriptFinal(text, confidence)
	}
	c.silence.Start()
}

// ---- turn lifecycle ----

// beginTurnLocked opens a new turn record and moves IDLE -> LISTENING.
func (c *Controller) beginTurnLocked() {
	t := &activeTurn{
		id:        uuid.NewString(),
		startTime: time.Now(),
	}
	c.turn = t
	c.transitionLocked(StateListening)
	c.log.Debug("turn started", "turn_id", t.id)
}

// onSilenceComplete fires when the end-of-utterance dwell elapses. It locks
// the transcript, moves to SPECULATIVE, and launches the LLM producer.
func (c *Controller) onSilenceComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.turn
	if t == nil || c.machine.State() != StateListening {
		return
	}

	c.transcript.Lock()
	userText := c.transcript.FinalText()
	if userText == "" {
		c.transcript.Unlock()
		c.transcript.Clear()
		c.transitionLocked(StateIdle)
		c.turn = nil
		return
	}

	llmCtx, llmCancel := context.WithCancel(context.Background())
	ttsCtx, ttsCancel := context.WithCancel(context.Background())
	g := &generation{
		userText:  userText,
		speechEnd: time.Now(),
		llmStart:  time.Now(),
		llmCtx:    llmCtx,
		llmCancel: llmCancel,
		ttsCtx:    ttsCtx,
		ttsCancel: ttsCancel,
		sentenceQ: make(chan llm.Sentence, sentenceQueueCap),
	}
	t.gen = g

	if !c.transitionLocked(StateSpeculative) {
		return
	}
	c.audioBuf.Clear()

	messages := make([]llm.Message, 0, c.history.Len()*2+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: c.cfg.SystemPrompt})
	messages = append(messages, c.history.Messages()...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})

	c.log.Debug("speculation started", "turn_id", t.id, "user_text", userText)
	go c.runLLM(g, messages)
}

// runLLM consumes the sentence stream and feeds the sentence queue. Runs
// without the controller lock; every side effect re-enters it.
func (c *Controller) runLLM(g *generation, messages []llm.Message) {
	ctx, cancel := context.WithTimeout(g.llmCtx, c.cfg.LLMTimeout)
	defer cancel()

	stream, err := c.llm.StreamSentences(ctx, messages)
	if err != nil {
		c.llmFailed(g, ErrCodeLLMError, err)
		return
	}

	first := true
	lastWasFinal := false
	for s := range stream.C {
		if s.Text == "" && !s.Final {
			continue
		}
		if first {
			first = false
			if !c.commitGeneration(g) {
				return
			}
		}
		if s.Text != "" {
			c.recordSentence(g, s.Text)
		}
		if !c.enqueueSentence(g, s) {
			return
		}
		lastWasFinal = s.Final
	}

	switch err := stream.Err(); {
	case errors.Is(err, context.Canceled):
		c.recordWasted(stream.Usage())
	case errors.Is(err, context.DeadlineExceeded):
		c.recordWasted(stream.Usage())
		c.llmFailed(g, ErrCodeLLMTimeout,
			fmt.Errorf("generation exceeded %s", c.cfg.LLMTimeout))
	case err != nil:
		c.llmFailed(g, ErrCodeLLMError, err)
	case first:
		c.llmFailed(g, ErrCodeLLMNoResponse, errors.New("stream produced no sentences"))
	default:
		c.mu.Lock()
		g.llmEnd = time.Now()
		c.mu.Unlock()
		if !lastWasFinal {
			// End-of-stream sentinel so the TTS consumer knows no more
			// sentences are coming.
			c.enqueueSentence(g, llm.Sentence{Final: true})
		}
	}
}

// commitGeneration moves SPECULATIVE -> COMMITTED on the first usable
// sentence and launches the TTS consumer. Returns false when the generation
// was cancelled in the meantime.
func (c *Controller) commitGeneration(g *generation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.closed || c.machine.State() != StateSpeculative {
		return false
	}
	if !c.transitionLocked(StateCommitted) {
		return false
	}
	c.metrics.RecordLLMFirstSentence(context.Background(), time.Since(g.speechEnd))
	go c.runTTS(g)
	return true
}

func (c *Controller) recordSentence(g *generation, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.closed {
		return
	}
	g.sentences = append(g.sentences, text)
}

func (c *Controller) recordWasted(u llm.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokensWasted += u.CompletionTokens
}

// enqueueSentence hands one sentence to the TTS consumer, giving up when
// either cancellation domain fires.
func (c *Controller) enqueueSentence(g *generation, s llm.Sentence) bool {
	select {
	case g.sentenceQ <- s:
		return true
	case <-g.ttsCtx.Done():
		return false
	case <-g.llmCtx.Done():
		return false
	}
}

// runTTS drains the sentence queue, synthesizing each sentence in order. The
// empty final sentinel, or a sentence carrying Final, ends the turn's audio.
func (c *Controller) runTTS(g *generation) {
	for {
		var s llm.Sentence
		timer := time.NewTimer(c.cfg.TTSQueueTimeout)
		select {
		case s = <-g.sentenceQ:
			timer.Stop()
		case <-g.ttsCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.ttsQueueTimedOut(g)
			return
		}

		if s.Text != "" {
			if !c.synthesizeSentence(g, s.Text) {
				return
			}
		}
		if s.Final {
			c.finishSpeaking(g)
			return
		}
	}
}

// synthesizeSentence streams one sentence's audio to the client. Returns
// false when the generation ended (cancel or failure). A stream that dies
// mid-body is a synthesis failure even though chunks were already delivered;
// partial audio for a sentence is unusable.
func (c *Controller) synthesizeSentence(g *generation, text string) bool {
	stream, err := c.tts.Synthesize(g.ttsCtx, text)
	if err != nil {
		c.ttsFailed(g, err)
		return false
	}
	for chunk := range stream.C {
		if g.ttsCtx.Err() != nil {
			return false
		}
		if !c.emitAudioChunk(g, chunk) {
			return false
		}
	}
	if g.ttsCtx.Err() != nil {
		return false
	}
	if err := stream.Err(); err != nil {
		c.ttsFailed(g, err)
		return false
	}
	return true
}

// emitAudioChunk delivers one audio frame. The first frame of the turn moves
// COMMITTED -> SPEAKING.
func (c *Controller) emitAudioChunk(g *generation, chunk []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.closed {
		return false
	}
	if c.machine.State() == StateCommitted {
		g.ttsStart = time.Now()
		if !c.transitionLocked(StateSpeaking) {
			return false
		}
		c.metrics.RecordTTSFirstAudio(context.Background(), time.Since(g.speechEnd))
	}
	if c.events.OnAgentAudio != nil {
		c.events.OnAgentAudio(audio.EncodeBase64(chunk), g.chunkIndex, false)
	}
	g.chunkIndex++
	return true
}

// finishSpeaking emits the terminator frame and either waits for the
// client's playback acknowledgement or, when no audio was ever produced,
// completes the turn immediately.
func (c *Controller) finishSpeaking(g *generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.turn
	if g.closed || t == nil || t.gen != g {
		return
	}

	if c.events.OnAgentAudio != nil {
		c.events.OnAgentAudio("", g.chunkIndex, true)
	}
	g.chunkIndex++

	if c.machine.State() != StateSpeaking {
		// No audio was produced; nothing for the client to play back.
		c.emitTurnCompleteLocked(t, g)
		c.transitionLocked(StateIdle)
		c.finalizeTurnLocked(t, g)
		return
	}

	t.waitingForPlayback = true
	c.emitTurnCompleteLocked(t, g)
	t.playbackTimer = time.AfterFunc(c.cfg.PlaybackTimeout, func() {
		c.playbackTimedOut(t)
	})
}

// finishTurnLocked closes a turn that was waiting for playback.
func (c *Controller) finishTurnLocked(t *activeTurn) {
	if t.playbackTimer != nil {
		t.playbackTimer.Stop()
	}
	g := t.gen
	c.transitionLocked(StateIdle)
	c.finalizeTurnLocked(t, g)
}

// playbackTimedOut auto-completes the turn when the client never
// acknowledges playback. The earlier turn-complete event is not resent.
func (c *Controller) playbackTimedOut(t *activeTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != t || !t.waitingForPlayback {
		return
	}
	c.log.Warn("playback acknowledgement timed out", "turn_id", t.id)
	c.finishTurnLocked(t)
}

// emitTurnCompleteLocked sends the turn-complete event at most once.
func (c *Controller) emitTurnCompleteLocked(t *activeTurn, g *generation) {
	if t.turnCompleteSent {
		return
	}
	t.turnCompleteSent = true
	if c.events.OnTurnComplete != nil {
		c.events.OnTurnComplete(t.id, g.userText, g.agentText(),
			time.Since(t.startTime).Milliseconds(), t.wasInterrupted)
	}
}

// finalizeTurnLocked records history and counters, runs the adaptive
// debounce update, and clears per-turn state. The caller has already
// transitioned the state machine.
func (c *Controller) finalizeTurnLocked(t *activeTurn, g *generation) {
	if g != nil {
		g.closed = true
		g.llmCancel()
		g.ttsCancel()
		c.history.AddTurn(g.userText, g.agentText())
	}
	c.totalTurns++
	if t.wasInterrupted {
		c.interruptions++
	}
	if c.cfg.AdaptiveDebounce {
		c.silence.AdjustDebounce(c.cancellationRateLocked())
	}
	c.metrics.RecordTurn(context.Background(), time.Since(t.startTime), t.wasInterrupted)
	c.log.Info("turn complete",
		"turn_id", t.id,
		"duration_ms", time.Since(t.startTime).Milliseconds(),
		"interrupted", t.wasInterrupted)
	if t.playbackTimer != nil {
		t.playbackTimer.Stop()
	}
	c.transcript.Clear()
	c.audioBuf.Clear()
	if c.turn == t {
		c.turn = nil
	}
}

// ---- cancellation paths ----

// cancelSpeculationLocked abandons the LLM attempt because the user resumed
// speaking before any sentence was usable. The turn itself continues in
// LISTENING with the transcript unlocked.
func (c *Controller) cancelSpeculationLocked() {
	t := c.turn
	if t == nil || t.gen == nil {
		return
	}
	c.closeGenerationLocked(t.gen)
	t.gen = nil
	c.silence.Cancel()
	c.transcript.Unlock()
	c.cancelledTurns++
	c.metrics.RecordCancelledTurn(context.Background())
	c.transitionLocked(StateListening)
	c.log.Debug("speculation cancelled", "turn_id", t.id)
}

// preSpeakInterruptLocked abandons a committed generation before any audio
// was produced. Counts as a cancellation for adaptive-debounce purposes.
func (c *Controller) preSpeakInterruptLocked() {
	t := c.turn
	if t == nil || t.gen == nil {
		return
	}
	c.closeGenerationLocked(t.gen)
	t.gen = nil
	c.transcript.Unlock()
	c.cancelledTurns++
	c.metrics.RecordCancelledTurn(context.Background())
	c.transitionLocked(StateIdle)
	c.transitionLocked(StateListening)
	c.log.Debug("committed generation interrupted", "turn_id", t.id)
}

// bargeInLocked handles user speech while the agent is speaking: the turn
// closes as interrupted with whatever agent text was produced, and a fresh
// turn opens in LISTENING for the new utterance.
func (c *Controller) bargeInLocked() {
	t := c.turn
	if t == nil {
		return
	}
	g := t.gen
	t.wasInterrupted = true
	if g != nil {
		c.closeGenerationLocked(g)
	}
	t.waitingForPlayback = false

	c.transitionLocked(StateListening)
	if g != nil {
		c.emitTurnCompleteLocked(t, g)
	}
	c.finalizeTurnLocked(t, g)

	c.turn = &activeTurn{
		id:        uuid.NewString(),
		startTime: time.Now(),
	}
	c.log.Debug("barge-in", "previous_turn_id", t.id, "turn_id", c.turn.id)
}

// closeGenerationLocked marks a generation closed and fires both
// cancellation domains. Idempotent.
func (c *Controller) closeGenerationLocked(g *generation) {
	if g.closed {
		return
	}
	g.closed = true
	g.llmCancel()
	g.ttsCancel()
	// Drain anything the producer already queued so nothing lingers.
	for {
		select {
		case <-g.sentenceQ:
		default:
			return
		}
	}
}

// ---- error paths ----

// llmFailed resets the turn after a generation failure or timeout.
func (c *Controller) llmFailed(g *generation, code string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.closed {
		return
	}
	c.log.Warn("llm generation failed", "code", code, "error", err)
	c.resetTurnLocked(g, code, err.Error())
}

// ttsQueueTimedOut resets the turn after 20 s without a next sentence.
func (c *Controller) ttsQueueTimedOut(g *generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.closed {
		return
	}
	c.log.Warn("sentence queue starved", "timeout", c.cfg.TTSQueueTimeout)
	c.resetTurnLocked(g, ErrCodeTTSQueueTimeout, "no sentence available for synthesis")
}

// ttsFailed handles a synthesis failure. If agent text already exists the
// client gets it as a text fallback and the turn completes; otherwise the
// turn resets.
func (c *Controller) ttsFailed(g *generation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.closed {
		return
	}
	t := c.turn
	text := g.agentText()
	c.log.Warn("tts synthesis failed", "error", err, "have_text", text != "")

	c.emitError(ErrCodeTTSError, err.Error(), true)
	if text == "" || t == nil {
		c.resetTurnLocked(g, "", "")
		return
	}

	if c.events.OnAgentTextFallback != nil {
		c.events.OnAgentTextFallback(text, err.Error())
	}
	c.closeGenerationLocked(g)
	c.emitTurnCompleteLocked(t, g)
	c.transitionLocked(StateIdle)
	c.finalizeTurnLocked(t, g)
}

// resetTurnLocked abandons the current turn without recording history.
// code may be empty when the error event was already emitted.
func (c *Controller) resetTurnLocked(g *generation, code, message string) {
	if code != "" {
		c.emitError(code, message, true)
	}
	c.closeGenerationLocked(g)
	c.silence.Cancel()
	if t := c.turn; t != nil && t.playbackTimer != nil {
		t.playbackTimer.Stop()
	}
	c.transcript.Unlock()
	c.transcript.Clear()
	c.audioBuf.Clear()
	if c.machine.State() != StateIdle {
		c.transitionLocked(StateIdle)
	}
	c.turn = nil
}

// emitError reports an error event and counts it.
func (c *Controller) emitError(code, message string, recoverable bool) {
	c.metrics.RecordTurnError(context.Background(), code)
	if c.events.OnError != nil {
		c.events.OnError(code, message, recoverable)
	}
}

// transitionLocked performs a state transition, treating an illegal one as a
// scheduler bug: the error is reported and the machine is forced to IDLE.
func (c *Controller) transitionLocked(to State) bool {
	if err := c.machine.Transition(to); err != nil {
		c.log.Error("illegal state transition", "to", to, "error", err)
		c.emitError(ErrCodeInternal, err.Error(), true)
		c.machine.ForceIdle()
		c.turn = nil
		return false
	}
	return true
}

func (c *Controller) cancellationRateLocked() float64 {
	total := c.totalTurns
	if total < 1 {
		total = 1
	}
	return float64(c.cancelledTurns) / float64(total)
}
