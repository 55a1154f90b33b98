package scheduler

import "strings"

// stopType selects full-word or prefix matching when scanning
// generated text for antiprompts.
type stopType int

const (
	stopFull stopType = iota
	stopPartial
)

// findStoppingStrings scans text for any of the slot's stop words.
// lastTokenSize bounds the full-match window to the region a new token
// could have completed. Returns the match position or -1.
func (s *Slot) findStoppingStrings(text string, lastTokenSize int, st stopType) int {
	pos := -1
	for _, word := range s.params.stop {
		if word == "" {
			continue
		}
		var p int
		if st == stopFull {
			from := len(text) - (len(word) + lastTokenSize)
			if from < 0 {
				from = 0
			}
			idx := strings.Index(text[from:], word)
			if idx == -1 {
				continue
			}
			p = from + idx
		} else {
			p = findPartialStop(text, word)
			if p == -1 {
				continue
			}
		}
		if pos == -1 || p < pos {
			if st == stopFull {
				s.stoppedWord = true
				s.stoppingWord = word
				s.hasNextToken = false
			}
			pos = p
		}
	}
	return pos
}

// findPartialStop returns the position where a suffix of text matches
// a proper prefix of word, or -1. A later token may complete the stop
// word, so emission past this point must be held back.
func findPartialStop(text, word string) int {
	if len(text) == 0 || len(word) == 0 {
		return -1
	}
	max := len(word) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, word[:n]) {
			return len(text) - n
		}
	}
	return -1
}

// incompleteUTF8 reports whether text ends in a truncated multibyte
// sequence: the leading byte of a 2-, 3- or 4-byte character is
// present without all its continuation bytes.
func incompleteUTF8(text string) bool {
	for i := 1; i <= 4 && i <= len(text); i++ {
		c := text[len(text)-i]
		if (c & 0xC0) == 0x80 {
			// continuation byte, keep scanning
			continue
		}
		switch {
		case (c & 0xE0) == 0xC0:
			return i < 2
		case (c & 0xF0) == 0xE0:
			return i < 3
		case (c & 0xF8) == 0xF0:
			return i < 4
		}
		return false
	}
	return false
}
