package turn

import "testing"

func TestTranscriptBuffer_JoinsFinals(t *testing.T) {
	t.Parallel()

	var b TranscriptBuffer
	b.AddPartial("hel")
	b.AddFinal("hello there")
	b.AddFinal("how are you")
	if got := b.FinalText(); got != "hello there how are you" {
		t.Errorf("FinalText: got %q", got)
	}
	if b.Partial() != "" {
		t.Errorf("Partial after final: got %q", b.Partial())
	}
}

func TestTranscriptBuffer_LockFreezesSnapshot(t *testing.T) {
	t.Parallel()

	var b TranscriptBuffer
	b.AddFinal("what time is it")
	b.Lock()

	b.AddPartial("actually")
	b.AddFinal("actually never mind")
	if got := b.FinalText(); got != "what time is it" {
		t.Errorf("FinalText while locked: got %q", got)
	}

	b.Unlock()
	if got := b.FinalText(); got != "what time is it actually never mind" {
		t.Errorf("FinalText after unlock: got %q", got)
	}
}

func TestTranscriptBuffer_EmptyFinalIgnored(t *testing.T) {
	t.Parallel()

	var b TranscriptBuffer
	b.AddFinal("")
	if got := b.FinalText(); got != "" {
		t.Errorf("FinalText: got %q", got)
	}
}

func TestTranscriptBuffer_Clear(t *testing.T) {
	t.Parallel()

	var b TranscriptBuffer
	b.AddFinal("hello")
	b.Lock()
	b.Clear()
	if b.FinalText() != "" || b.Partial() != "" || b.Locked() {
		t.Error("Clear did not reset all state")
	}
}
