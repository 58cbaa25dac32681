package turn

import "strings"

// TranscriptBuffer accumulates partial and final transcript fragments for a
// single user utterance. Lock captures an immutable snapshot of the finalized
// text so speculative generation sees a stable prompt while the STT stream
// keeps writing. The buffer has a single writer (the STT callback chain); the
// controller serializes access under its own lock.
type TranscriptBuffer struct {
	finals   []string
	partial  string
	locked   bool
	snapshot string
}

// AddPartial replaces the current partial fragment.
func (b *TranscriptBuffer) AddPartial(text string) {
	b.partial = text
}

// AddFinal appends a finalized fragment and clears the current partial.
func (b *TranscriptBuffer) AddFinal(text string) {
	if text != "" {
		b.finals = append(b.finals, text)
	}
	b.partial = ""
}

// Lock freezes the finalized text. Until Unlock, FinalText returns the
// snapshot taken here regardless of later writes.
func (b *TranscriptBuffer) Lock() {
	b.snapshot = b.join()
	b.locked = true
}

// Unlock releases the snapshot; FinalText reflects live state again.
func (b *TranscriptBuffer) Unlock() {
	b.locked = false
	b.snapshot = ""
}

// Locked reports whether the buffer is currently locked.
func (b *TranscriptBuffer) Locked() bool {
	return b.locked
}

// FinalText returns the finalized utterance text: the lock-time snapshot when
// locked, the live joined fragments otherwise.
func (b *TranscriptBuffer) FinalText() string {
	if b.locked {
		return b.snapshot
	}
	return b.join()
}

// Partial returns the current partial fragment.
func (b *TranscriptBuffer) Partial() string {
	return b.partial
}

// Clear resets all state including the lock.
func (b *TranscriptBuffer) Clear() {
	b.finals = nil
	b.partial = ""
	b.locked = false
	b.snapshot = ""
}

func (b *TranscriptBuffer) join() string {
	return strings.Join(b.finals, " ")
}
