package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/cadence-voice/cadence/internal/observe"
	"github.com/cadence-voice/cadence/internal/store"
	"github.com/cadence-voice/cadence/internal/turn"
	"github.com/cadence-voice/cadence/pkg/provider/llm"
	"github.com/cadence-voice/cadence/pkg/provider/stt"
	"github.com/cadence-voice/cadence/pkg/provider/tts"
)

// writeTimeout caps a single outgoing frame write.
const writeTimeout = 5 * time.Second

// defaultHeartbeatInterval is the ping cadence when not configured.
const defaultHeartbeatInterval = 30 * time.Second

// missedHeartbeats is how many unanswered pings close the session.
const missedHeartbeats = 3

// Session owns one client connection and its turn controller. Frames from
// the controller's event callbacks are written directly to the socket; the
// write mutex keeps concurrent emitters from interleaving.
type Session struct {
	id        string
	log       *slog.Logger
	conn      *websocket.Conn
	ctrl      *turn.Controller
	turnStore store.TurnStore
	metrics   *observe.Metrics
	heartbeat time.Duration
	startedAt time.Time

	writeMu  sync.Mutex
	lastPong atomic.Int64
}

// sessionDeps are the shared collaborators a session is built from.
type sessionDeps struct {
	log       *slog.Logger
	metrics   *observe.Metrics
	llm       llm.Client
	tts       tts.Client
	newSTT    func(cb stt.Callbacks) (stt.Client, error)
	turnStore store.TurnStore
	turnCfg   turn.Config
	heartbeat time.Duration
}

// newSession wires a controller to the connection and constructs the
// per-session STT client.
func newSession(deps sessionDeps, conn *websocket.Conn) (*Session, error) {
	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		turnStore: deps.turnStore,
		metrics:   deps.metrics,
		heartbeat: deps.heartbeat,
		startedAt: time.Now(),
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeatInterval
	}
	s.log = deps.log.With("session_id", s.id)
	s.lastPong.Store(time.Now().UnixMilli())

	s.ctrl = turn.New(deps.turnCfg, deps.llm, deps.tts, s.events(),
		turn.WithLogger(s.log),
		turn.WithMetrics(deps.metrics),
	)
	sttClient, err := deps.newSTT(s.ctrl.STTCallbacks())
	if err != nil {
		return nil, err
	}
	s.ctrl.AttachSTT(sttClient)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current turn state.
func (s *Session) State() turn.State { return s.ctrl.State() }

// Telemetry returns the controller's session counters.
func (s *Session) Telemetry() turn.Telemetry { return s.ctrl.Telemetry() }

// run processes frames until the client disconnects or ctx is cancelled.
func (s *Session) run(ctx context.Context) {
	s.metrics.SessionStarted(ctx)
	defer s.metrics.SessionEnded(context.Background())
	defer s.ctrl.Stop()

	if err := s.ctrl.Start(ctx); err != nil {
		// The error frame already went out through the controller events;
		// keep the session so the client can fall back to text input.
		s.log.Warn("stt connect failed, continuing without live transcription", "error", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx)

	s.log.Info("session started")
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				s.log.Info("session closed", "status", status)
			} else {
				s.log.Warn("session read failed", "error", err)
			}
			return
		}

		var f incomingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("skipping malformed frame", "error", err)
			continue
		}
		if done := s.dispatch(f); done {
			return
		}
	}
}

// dispatch routes one incoming frame. Returns true when the session should
// end.
func (s *Session) dispatch(f incomingFrame) bool {
	switch f.Type {
	case frameConnect:
		// Transport is already established.
	case framePing:
		s.send(controlFrame{Type: framePong})
	case framePong:
		s.lastPong.Store(time.Now().UnixMilli())
	case frameAudioChunk:
		s.ctrl.HandleAudioChunk(f.Audio)
	case frameTextInput:
		s.ctrl.HandleFinalTranscript(f.Text, 1.0)
	case frameInterrupt:
		s.ctrl.HandleInterrupt()
	case framePlaybackComplete:
		s.ctrl.HandlePlaybackComplete()
	case frameUpdateSettings:
		s.ctrl.UpdateSettings(turn.Settings{
			SilenceDebounceMS:     f.SilenceDebounceMS,
			CancellationThreshold: f.CancellationThreshold,
			AdaptiveDebounce:      f.AdaptiveDebounceEnabled,
		})
	case frameDisconnect:
		s.log.Info("client requested disconnect")
		return true
	default:
		s.log.Warn("unknown frame type", "type", f.Type)
	}
	return false
}

// heartbeatLoop pings the client and closes the connection after too many
// missed pongs.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := time.Since(time.UnixMilli(s.lastPong.Load()))
			if stale > time.Duration(missedHeartbeats)*s.heartbeat {
				s.log.Warn("client unresponsive, closing", "stale", stale)
				s.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
			s.send(controlFrame{Type: framePing})
		}
	}
}

// send writes one frame with a bounded timeout. Write failures are logged
// and otherwise ignored; the read loop notices the dead connection.
func (s *Session) send(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, marshalFrame(v)); err != nil {
		s.log.Debug("frame write failed", "error", err)
	}
}

// events adapts controller callbacks to outgoing frames.
func (s *Session) events() turn.Events {
	return turn.Events{
		OnStateChange: func(from, to turn.State) {
			s.send(stateChangeFrame{Type: frameStateChange, From: string(from), To: string(to)})
		},
		OnTranscriptPartial: func(text string, confidence float64) {
			s.send(transcriptFrame{
				Type: frameTranscriptPartial, Text: text,
				Confidence: confidence, TimestampMS: time.Now().UnixMilli(),
			})
		},
		OnTranscriptFinal: func(text string, confidence float64) {
			s.send(transcriptFrame{
				Type: frameTranscriptFinal, Text: text,
				Confidence: confidence, TimestampMS: time.Now().UnixMilli(),
			})
		},
		OnAgentAudio: func(audioB64 string, chunkIndex int, final bool) {
			s.send(agentAudioFrame{
				Type: frameAgentAudioChunk, Audio: audioB64,
				ChunkIndex: chunkIndex, IsFinal: final,
			})
		},
		OnAgentTextFallback: func(text, reason string) {
			s.send(agentTextFallbackFrame{Type: frameAgentTextFallback, Text: text, Reason: reason})
		},
		OnTurnComplete: func(turnID, userText, agentText string, durationMS int64, wasInterrupted bool) {
			s.send(turnCompleteFrame{
				Type: frameTurnComplete, TurnID: turnID,
				UserText: userText, AgentText: agentText,
				DurationMS: durationMS, WasInterrupted: wasInterrupted,
				TimestampMS: time.Now().UnixMilli(),
			})
			s.persistTurn(turnID, userText, agentText, durationMS, wasInterrupted)
		},
		OnError: func(code, message string, recoverable bool) {
			s.send(errorFrame{Type: frameError, Code: code, Message: message, Recoverable: recoverable})
		},
	}
}

// persistTurn writes the record asynchronously; the event callback runs on
// the controller's critical path.
func (s *Session) persistTurn(turnID, userText, agentText string, durationMS int64, wasInterrupted bool) {
	if s.turnStore == nil {
		return
	}
	rec := store.TurnRecord{
		TurnID:         turnID,
		SessionID:      s.id,
		UserText:       userText,
		AgentText:      agentText,
		DurationMS:     durationMS,
		WasInterrupted: wasInterrupted,
		CreatedAt:      time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.turnStore.SaveTurn(ctx, rec); err != nil {
			s.log.Warn("turn record not persisted", "turn_id", turnID, "error", err)
		}
	}()
}
