package scheduler

import (
	"strings"

	"slotd/internal/llm"
)

// assemblePrompt tokenizes the slot's prompt according to its
// completion kind and fills promptTokens.
func (s *Scheduler) assemblePrompt(slot *Slot) {
	switch slot.kind {
	case KindInfill:
		slot.promptTokens = s.infillTokens(slot.prompt.Prefix, slot.prompt.Suffix)
	case KindRerank:
		slot.promptTokens = s.rerankTokens(slot.prompt.Query, slot.prompt.Document)
	default:
		if len(slot.prompt.Tokens) > 0 {
			// pre-tokenized prompt from the request
			slot.promptTokens = slot.prompt.Tokens
			break
		}
		// Prepend BOS only when no system prompt already carries it on
		// sequence 0.
		addBOS := s.model.AddBOSToken() && len(s.systemTokens) == 0
		slot.promptTokens = s.model.Tokenize(slot.prompt.Text, addBOS, true)
	}
	slot.nPromptTokens = len(slot.promptTokens)
}

// infillTokens builds a fill-in-the-middle prompt from the prefix and
// suffix halves using the model's infill marker tokens.
func (s *Scheduler) infillTokens(prefix, suffix string) []llm.Token {
	prefixTokens := s.model.Tokenize(prefix, false, true)
	// A leading space on the suffix is an artifact of tokenizer
	// round-tripping; drop one if present.
	suffix = strings.TrimPrefix(suffix, " ")
	suffixTokens := s.model.Tokenize(suffix, false, true)

	beforeMark, afterMark := s.model.InfillPrefix(), s.model.InfillSuffix()
	beforeTokens, afterTokens := prefixTokens, suffixTokens
	if s.cfg.SPMInfill {
		beforeMark, afterMark = s.model.InfillSuffix(), s.model.InfillPrefix()
		beforeTokens, afterTokens = suffixTokens, prefixTokens
	}

	var out []llm.Token
	if s.model.AddBOSToken() && len(s.systemTokens) == 0 {
		out = append(out, s.model.BOS())
	}
	if beforeMark != llm.TokenNone {
		out = append(out, beforeMark)
	}
	out = append(out, beforeTokens...)
	if afterMark != llm.TokenNone {
		out = append(out, afterMark)
	}
	out = append(out, afterTokens...)
	if mid := s.model.InfillMiddle(); mid != llm.TokenNone {
		out = append(out, mid)
	}
	return out
}

// rerankTokens emits [BOS] query [EOS] [SEP] doc [EOS] for
// cross-encoder scoring.
func (s *Scheduler) rerankTokens(query, doc string) []llm.Token {
	out := []llm.Token{s.model.BOS()}
	out = append(out, s.model.Tokenize(query, false, true)...)
	out = append(out, s.model.EOS())
	if sep := s.model.SEP(); sep != llm.TokenNone {
		out = append(out, sep)
	}
	out = append(out, s.model.Tokenize(doc, false, true)...)
	out = append(out, s.model.EOS())
	return out
}
