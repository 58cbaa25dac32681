package llm

import "strings"

// Splitter accumulates token text and slices off complete sentences. A
// sentence is complete when '.', '!', or '?' is followed by whitespace; a
// trailing fragment without terminal punctuation is only released by Flush.
//
// Splitter is not safe for concurrent use; each stream owns its own.
type Splitter struct {
	buf strings.Builder
}

// Push appends token text and returns any sentences completed by it, in
// order. Returns nil when no sentence boundary was reached.
func (s *Splitter) Push(token string) []string {
	if token == "" {
		return nil
	}
	s.buf.WriteString(token)

	var out []string
	for {
		idx := sentenceBoundary(s.buf.String())
		if idx < 0 {
			break
		}
		text := s.buf.String()
		sentence := strings.TrimSpace(text[:idx+1])
		rest := strings.TrimLeft(text[idx+1:], " \t\n\r")
		s.buf.Reset()
		s.buf.WriteString(rest)
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns the residual fragment and resets the splitter. The residue
// is trimmed; an empty string means nothing was pending.
func (s *Splitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// followed by a whitespace character. Punctuation at the very end of s is
// not a boundary; the stream may still be mid-sentence ("3.14") or simply
// done, in which case Flush picks it up.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
