package scheduler

import (
	"time"

	"slotd/internal/llm"
)

// groupAttentionShift remaps a slot's KV positions once the
// self-extend cursor crosses the current window. The
// shift/divide/shift triple compresses positions [gaI, nPastSE) by
// the group factor in place.
func (s *Scheduler) groupAttentionShift(slot *Slot) {
	seq := int32(slot.id + 1)
	for slot.nPastSE >= slot.gaI+slot.gaW {
		ib := (slot.gaN * slot.gaI) / slot.gaW
		bd := (slot.gaW / slot.gaN) * (slot.gaN - 1)
		dd := (slot.gaW / slot.gaN) - ib*bd - slot.gaW

		s.ctx.KvSeqAdd(seq, int32(slot.gaI), int32(slot.nPastSE), int32(ib*bd))
		s.ctx.KvSeqDiv(seq, int32(slot.gaI+ib*bd), int32(slot.gaI+ib*bd+slot.gaW), int32(slot.gaN))
		s.ctx.KvSeqAdd(seq, int32(slot.gaI+ib*bd+slot.gaW), int32(slot.nPastSE+ib*bd), int32(dd))

		slot.nPastSE -= bd
		slot.gaI += slot.gaW / slot.gaN
	}
}

// decodeBatch runs the composed batch through the forward pass in
// chunks of at most NBatch tokens, then samples for every slot whose
// output lands in the decoded chunk. A full KV cache halves the chunk
// size and retries; at chunk size 1 the failure is fatal for every
// active slot.
func (s *Scheduler) decodeBatch() {
	nBatch := s.cfg.NBatch

	for i := 0; i < s.batch.Len(); {
		nTokens := min(nBatch, s.batch.Len()-i)

		// remap positions before the pass; admission already happened
		for _, slot := range s.slots {
			if slot.gaN != 1 {
				s.groupAttentionShift(slot)
				slot.nPastSE += nTokens
			}
		}

		view := s.batch.View(i, nTokens)
		ret := s.ctx.Decode(view)
		busy := 0
		for _, slot := range s.slots {
			if slot.isProcessing() {
				busy++
			}
		}
		s.metrics.onDecoded(busy)

		if ret != 0 {
			if nBatch == 1 || ret < 0 {
				s.log.Error().
					Int("i", i).
					Int("n_batch", nBatch).
					Int("ret", ret).
					Msg("failed to decode batch: KV cache is full - try increasing the context size")
				for _, slot := range s.slots {
					if !slot.isProcessing() {
						continue
					}
					taskID := slot.idTask
					s.releaseSlot(slot)
					s.sendError(taskID, ErrUnavailable("input prompt is too big compared to KV size. try increasing KV size"))
				}
				return
			}

			// retry the same window with half the batch size
			nBatch /= 2
			s.log.Warn().
				Int("i", i).
				Int("n_batch", nBatch).
				Int("ret", ret).
				Msg("no free space in the KV cache, retrying with smaller batch")
			continue
		}

		for _, slot := range s.slots {
			if slot.iBatch < i || slot.iBatch >= i+nTokens {
				continue
			}

			if slot.state == SlotDonePrompt {
				switch slot.kind {
				case KindEmbedding:
					s.sendEmbedding(slot)
					s.releaseSlot(slot)
					slot.iBatch = IDNone
					continue
				case KindRerank:
					s.sendRerank(slot)
					s.releaseSlot(slot)
					slot.iBatch = IDNone
					continue
				}
				slot.state = SlotGenerating
			} else if slot.state != SlotGenerating {
				continue
			}

			id := slot.smpl.Sample(s.ctx, slot.iBatch-i)
			slot.iBatch = IDNone

			slot.smpl.Accept(id, true)

			slot.nDecoded++
			if slot.nDecoded == 1 {
				slot.tStartGeneration = time.Now()
				slot.promptProcessingMS = float64(slot.tStartGeneration.Sub(slot.tStartProcessPrompt).Microseconds()) / 1e3
				s.metrics.onPromptEval(slot)
			}

			var probs []llm.TokenProb
			if slot.params.nProbs > 0 {
				probs = slot.smpl.Probs(slot.params.nProbs)
			}

			if !s.processToken(slot, id, probs) {
				s.finishSlot(slot)
				continue
			}

			if slot.canSpeculate() {
				s.speculate(slot, id)
			}
		}

		i += nTokens
	}
}
