package turn

import "github.com/cadence-voice/cadence/pkg/provider/llm"

// exchange is one user-speaks / agent-responds pair.
type exchange struct {
	user  string
	agent string
}

// ConversationHistory is the append-only, turn-structured chat history for
// one session. maxTurns bounds the window materialized into LLM prompts;
// zero means the full session.
type ConversationHistory struct {
	turns    []exchange
	maxTurns int
}

// NewConversationHistory returns an empty history with the given prompt
// window. maxTurns <= 0 keeps the full session.
func NewConversationHistory(maxTurns int) *ConversationHistory {
	return &ConversationHistory{maxTurns: maxTurns}
}

// AddTurn appends a pair. Pairs with both sides empty are dropped.
func (h *ConversationHistory) AddTurn(userText, agentText string) {
	if userText == "" && agentText == "" {
		return
	}
	h.turns = append(h.turns, exchange{user: userText, agent: agentText})
}

// Len returns the number of recorded turns.
func (h *ConversationHistory) Len() int {
	return len(h.turns)
}

// Messages materializes the recent window as role-tagged entries for LLM
// input, oldest first. Empty sides are skipped.
func (h *ConversationHistory) Messages() []llm.Message {
	turns := h.turns
	if h.maxTurns > 0 && len(turns) > h.maxTurns {
		turns = turns[len(turns)-h.maxTurns:]
	}
	out := make([]llm.Message, 0, len(turns)*2)
	for _, t := range turns {
		if t.user != "" {
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.user})
		}
		if t.agent != "" {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.agent})
		}
	}
	return out
}
