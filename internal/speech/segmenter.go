package speech

import "strings"

// Segmenter splits incrementally arriving text into complete sentences.
// A sentence ends at '.', '!' or '?' (terminator kept attached); the
// unterminated remainder is retained across calls. Create a fresh
// Segmenter per turn.
type Segmenter struct {
	buf string
}

func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Push appends a chunk and returns every sentence completed by it, trimmed.
// A terminator closes a sentence once whitespace or further text follows it;
// a bare trailing terminator stays buffered until more input or Flush
// arrives, so that "3.14" split across chunks is not cut at the dot.
func (s *Segmenter) Push(chunk string) []string {
	s.buf += chunk
	var sentences []string
	for {
		cut := boundary(s.buf)
		if cut < 0 {
			break
		}
		sentences = append(sentences, strings.TrimSpace(s.buf[:cut]))
		s.buf = s.buf[cut:]
	}
	return sentences
}

// Flush emits the retained tail as a final sentence, or "" when empty.
// The buffer is cleared either way.
func (s *Segmenter) Flush() string {
	tail := strings.TrimSpace(s.buf)
	s.buf = ""
	return tail
}

// Tail returns the current unterminated remainder.
func (s *Segmenter) Tail() string {
	return s.buf
}

// boundary returns the index just past the first complete sentence
// (terminator plus any following whitespace), or -1 when the buffer holds
// no complete sentence yet. A terminator at the very end of the buffer is
// not a boundary unless whitespace already follows it.
func boundary(buf string) int {
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(buf) && isSpace(buf[j]) {
				j++
			}
			if j < len(buf) || j > i+1 {
				return j
			}
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
