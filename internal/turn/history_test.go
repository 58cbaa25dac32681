package turn

import (
	"reflect"
	"testing"

	"github.com/cadence-voice/cadence/pkg/provider/llm"
)

func TestConversationHistory_Messages(t *testing.T) {
	t.Parallel()

	h := NewConversationHistory(0)
	h.AddTurn("hello", "Hi there.")
	h.AddTurn("what time is it", "")

	want := []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "Hi there."},
		{Role: llm.RoleUser, Content: "what time is it"},
	}
	if got := h.Messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("Messages: want %v, got %v", want, got)
	}
}

func TestConversationHistory_DropsEmptyPairs(t *testing.T) {
	t.Parallel()

	h := NewConversationHistory(0)
	h.AddTurn("", "")
	if h.Len() != 0 {
		t.Errorf("Len after empty pair: got %d", h.Len())
	}
	// An interrupted turn with only partial agent text is still recorded.
	h.AddTurn("", "I was saying")
	if h.Len() != 1 {
		t.Errorf("Len: got %d", h.Len())
	}
}

func TestConversationHistory_Window(t *testing.T) {
	t.Parallel()

	h := NewConversationHistory(2)
	h.AddTurn("one", "1")
	h.AddTurn("two", "2")
	h.AddTurn("three", "3")

	got := h.Messages()
	if len(got) != 4 {
		t.Fatalf("windowed messages: want 4, got %d", len(got))
	}
	if got[0].Content != "two" {
		t.Errorf("window start: got %q", got[0].Content)
	}
	// The full history is retained even when the prompt window is bounded.
	if h.Len() != 3 {
		t.Errorf("Len: got %d", h.Len())
	}
}
