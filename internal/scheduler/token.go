package scheduler

import (
	"slotd/internal/llm"
	"slotd/pkg/types"
)

// processToken folds one produced token into the slot: detokenize,
// hold back incomplete UTF-8, scan for stop strings, stream new text
// and evaluate the stop conditions. Returns whether the slot should
// keep generating.
func (s *Scheduler) processToken(slot *Slot, tok llm.Token, probs []llm.TokenProb) bool {
	piece := s.model.TokenToPiece(tok)
	slot.sampled = tok
	slot.generatedText += piece

	for _, p := range probs {
		slot.queuedProbs = append(slot.queuedProbs, types.TokenProb{
			ID:    int(p.Tok),
			Piece: s.model.TokenToPiece(p.Tok),
			Prob:  p.Prob,
		})
	}

	// a token may end mid-character; hold emission until the
	// continuation bytes arrive
	incomplete := incompleteUTF8(slot.generatedText)

	if !incomplete {
		pos := min(slot.nSentText, len(slot.generatedText))
		strTest := slot.generatedText[pos:]

		isStopFull := false
		stopPos := slot.findStoppingStrings(strTest, len(piece), stopFull)
		if stopPos != -1 {
			isStopFull = true
			slot.generatedText = slot.generatedText[:pos+stopPos]
			pos = min(slot.nSentText, len(slot.generatedText))
		} else {
			stopPos = slot.findStoppingStrings(strTest, len(piece), stopPartial)
		}

		var textToSend string
		if stopPos == -1 || (!slot.hasNextToken && !isStopFull && stopPos > 0) {
			textToSend = slot.generatedText[pos:]
			slot.nSentText += len(textToSend)
		}

		if slot.params.stream {
			s.sendPartial(slot, textToSend)
		}
	}

	if incomplete {
		slot.hasNextToken = true
	}

	// generation budget
	if slot.nDecoded > 0 && slot.hasNextToken && !slot.hasBudget() {
		slot.stoppedLimit = true
		slot.hasNextToken = false
	}

	// the slot context is exhausted; without this cap an EOS-less
	// model would generate forever
	if slot.nDecoded >= slot.nCtx {
		slot.truncated = true
		slot.stoppedLimit = true
		slot.hasNextToken = false
	}

	if !s.model.HasEncoder() && s.model.IsEOG(tok) {
		slot.stoppedEOS = true
		slot.hasNextToken = false
	}

	// unlimited prediction with self-extend off: cap at the training
	// context to avoid an infinite no-EOS loop
	if slot.params.nPredict < 1 && s.cfg.NPredict < 1 && slot.gaN == 1 &&
		slot.nPromptTokens+slot.nDecoded >= s.model.NCtxTrain() {
		slot.truncated = true
		slot.stoppedLimit = true
		slot.hasNextToken = false
	}

	return slot.hasNextToken
}
