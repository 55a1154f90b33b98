package scheduler

import (
	"time"

	"slotd/internal/llm"
)

func (s *Scheduler) kvCacheClear() {
	s.ctx.KvClear()
	s.cleanKvCache = false
	for _, slot := range s.slots {
		slot.cacheTokens = nil
	}
}

// updateSystemPrompt clears the KV, decodes the system prompt into
// sequence 0 and copies it to every slot sequence as a shared prefix.
func (s *Scheduler) updateSystemPrompt() {
	s.kvCacheClear()
	s.systemTokens = nil

	if s.systemPrompt != "" {
		s.systemTokens = s.model.Tokenize(s.systemPrompt, true, true)

		for i := 0; i < len(s.systemTokens); i += s.cfg.NBatch {
			n := min(s.cfg.NBatch, len(s.systemTokens)-i)
			s.batch.Clear()
			for j := 0; j < n; j++ {
				s.batch.Add(s.systemTokens[i+j], int32(i+j), 0, false)
			}
			if ret := s.ctx.Decode(s.batch); ret != 0 {
				s.log.Error().Int("ret", ret).Msg("system prompt decode failed")
				return
			}
		}

		for i := 1; i <= s.cfg.NSlots; i++ {
			s.ctx.KvSeqCp(0, int32(i), -1, -1)
		}
	}

	s.systemNeedUpdate = false
	s.cleanKvCache = true
}

// SetSystemPrompt schedules a system prompt rebuild on the next
// iteration. All slot positions restart from zero.
func (s *Scheduler) SetSystemPrompt(prompt string) {
	s.systemPrompt = prompt
	s.systemNeedUpdate = true
	for _, slot := range s.slots {
		slot.nPast = 0
		slot.nPastSE = 0
	}
}

// updateSlots runs one scheduler iteration: context shifts, batch
// composition across all active slots, the chunked forward pass,
// sampling and per-token post-processing.
func (s *Scheduler) updateSlots() {
	if s.systemNeedUpdate {
		s.updateSystemPrompt()
	}

	if s.allIdle() {
		if len(s.systemTokens) == 0 && s.cleanKvCache {
			s.kvCacheClear()
		}
		return
	}

	// slots now hold KV state; later idle iterations keep it
	s.cleanKvCache = false

	// wake any HTTP goroutine polling for progress
	s.queue.Post(&Task{ID: IDNone, Type: TaskNextResponse}, false)

	// apply context shift if needed
	for _, slot := range s.slots {
		if slot.gaN != 1 {
			continue
		}
		if !slot.isProcessing() || len(s.systemTokens)+slot.nPast < slot.nCtx-1 {
			continue
		}
		if !s.cfg.CtxShift {
			// processToken caps only the decoded count at n_ctx, so a slot
			// whose prompt plus output reaches the limit is released here
			taskID := slot.idTask
			s.releaseSlot(slot)
			s.sendError(taskID, ErrInvalidRequest("context shift is disabled"))
			continue
		}

		nKeep := slot.params.nKeep
		if s.model.AddBOSToken() {
			nKeep++
		}
		nLeft := len(s.systemTokens) + slot.nPast - nKeep
		nDiscard := slot.params.nDiscard
		if nDiscard <= 0 {
			nDiscard = nLeft / 2
		}

		s.log.Warn().
			Int("id_slot", slot.id).
			Int("n_keep", nKeep).
			Int("n_left", nLeft).
			Int("n_discard", nDiscard).
			Msg("slot context shift")

		seq := int32(slot.id + 1)
		s.ctx.KvSeqRm(seq, int32(nKeep), int32(nKeep+nDiscard))
		s.ctx.KvSeqAdd(seq, int32(nKeep+nDiscard), int32(len(s.systemTokens)+slot.nPast), int32(-nDiscard))

		if slot.params.cachePrompt {
			for i := nKeep + nDiscard; i < len(slot.cacheTokens); i++ {
				slot.cacheTokens[i-nDiscard] = slot.cacheTokens[i]
			}
			slot.cacheTokens = slot.cacheTokens[:len(slot.cacheTokens)-nDiscard]
		}

		slot.nPast -= nDiscard
		slot.truncated = true
	}

	s.batch.Clear()

	// first, add the sampled token from every generating slot
	for _, slot := range s.slots {
		if slot.state != SlotGenerating {
			continue
		}
		slot.iBatch = s.batch.Len()
		s.batch.Add(slot.sampled, int32(len(s.systemTokens)+slot.npast()), int32(slot.id+1), true)
		slot.nPast++
		if slot.params.cachePrompt {
			slot.cacheTokens = append(slot.cacheTokens, slot.sampled)
		}
	}

	// -1 none, 0 decoding, 1 embedding; the first admitted slot fixes
	// the type for this iteration
	batchType := -1
	if s.batch.Len() > 0 {
		batchType = 0
	}

	// next, admit pending prompts without exceeding the batch budget
	if s.cfg.ContBatching || s.batch.Len() == 0 {
		for _, slot := range s.slots {
			if slot.state != SlotProcessingPrompt {
				continue
			}
			if len(slot.promptTokens) == 0 {
				if !s.prepareSlotPrompt(slot) {
					continue
				}
			}

			// non-causal tasks must fit the whole prompt in one batch
			if slot.kind == KindEmbedding || slot.kind == KindRerank {
				if s.batch.Len()+slot.nPromptTokens > s.cfg.NBatch {
					continue
				}
			}

			slotType := 0
			if slot.kind == KindEmbedding || slot.kind == KindRerank {
				slotType = 1
			}
			if batchType == -1 {
				batchType = slotType
			} else if batchType != slotType {
				continue
			}

			// keep only the common part of the slot's sequence
			p0 := int32(len(s.systemTokens) + slot.nPast)
			seq := int32(slot.id + 1)
			if !s.ctx.KvSeqRm(seq, p0, -1) {
				// partial erase unsupported; restart from the system
				// prefix
				s.ctx.KvSeqRm(seq, -1, -1)
				if len(s.systemTokens) != 0 {
					s.ctx.KvSeqCp(0, seq, -1, -1)
				}
				slot.nPast = 0
				slot.nPastSE = 0
				slot.gaI = 0
				slot.smpl.Reset()
			}
			slot.cacheTokens = slot.cacheTokens[:min(len(slot.cacheTokens), slot.nPast)]

			slotNpast := slot.npast()
			gaI := slot.gaI

			for slot.nPast < slot.nPromptTokens && s.batch.Len() < s.cfg.NBatch {
				if slot.gaN != 1 {
					bd := (slot.gaW / slot.gaN) * (slot.gaN - 1)
					for slotNpast >= gaI+slot.gaW {
						slotNpast -= bd
						gaI += slot.gaW / slot.gaN
					}
				}
				s.batch.Add(slot.promptTokens[slot.nPast], int32(len(s.systemTokens)+slotNpast), seq, false)
				if slot.params.cachePrompt {
					slot.cacheTokens = append(slot.cacheTokens, slot.promptTokens[slot.nPast])
				}
				slot.nPromptTokensProcessed++
				slotNpast++
				slot.nPast++
			}

			// entire prompt in this batch: request logits on the last
			// token and move to DONE_PROMPT
			if slot.nPast == slot.nPromptTokens {
				slot.state = SlotDonePrompt
				slot.nDecoded = 0
				s.batch.Logits[s.batch.Len()-1] = true
				slot.iBatch = s.batch.Len() - 1
			}

			if s.batch.Len() >= s.cfg.NBatch {
				break
			}
		}
	}

	if s.batch.Len() == 0 {
		return
	}

	s.ctx.SetEmbeddings(batchType == 1)
	s.decodeBatch()
}

// prepareSlotPrompt tokenizes and validates the slot's prompt on its
// first admission attempt. Returns false when the slot was released
// (empty prompt or error).
func (s *Scheduler) prepareSlotPrompt(slot *Slot) bool {
	slot.tStartProcessPrompt = time.Now()
	slot.tStartGeneration = time.Time{}

	s.assemblePrompt(slot)
	slot.nPast = 0

	s.log.Info().
		Int("id_slot", slot.id).
		Int("n_ctx_slot", slot.nCtx).
		Int("n_prompt_tokens", slot.nPromptTokens).
		Msg("prompt tokenized")

	// empty prompt: nothing to decode, return an empty final response
	if slot.nPromptTokens == 0 {
		s.log.Warn().Int("id_slot", slot.id).Msg("empty prompt - releasing slot")
		s.finishSlot(slot)
		return false
	}

	if slot.kind == KindEmbedding || slot.kind == KindRerank {
		if slot.nPromptTokens > s.cfg.NUbatch {
			taskID := slot.idTask
			s.releaseSlot(slot)
			s.sendError(taskID, ErrInvalidRequest("input is too large to process. increase the physical batch size"))
			return false
		}
	} else {
		if !s.cfg.CtxShift {
			// without context shift the prompt must fit the slot
			if len(s.systemTokens)+slot.nPromptTokens >= slot.nCtx {
				taskID := slot.idTask
				s.releaseSlot(slot)
				s.sendError(taskID, ErrInvalidRequest("the request exceeds the available context size. try increasing the context size or enable context shift"))
				return false
			}
		}
		if slot.params.nKeep < 0 {
			slot.params.nKeep = len(s.systemTokens) + slot.nPromptTokens
		}
		slot.params.nKeep = min(slot.nCtx-4, slot.params.nKeep)

		// prompt too big: drop whole blocks from the middle, keeping
		// the head (n_keep) and as much of the tail as fits
		if slot.gaN == 1 && slot.nPromptTokens >= slot.nCtx {
			nLeft := slot.nCtx - slot.params.nKeep
			nBlock := nLeft / 2
			erased := (slot.nPromptTokens - slot.params.nKeep - nBlock) / nBlock

			newTokens := append([]llm.Token(nil), slot.promptTokens[:slot.params.nKeep]...)
			newTokens = append(newTokens, slot.promptTokens[slot.params.nKeep+erased*nBlock:]...)
			slot.promptTokens = newTokens
			slot.truncated = true
			slot.nPromptTokens = len(newTokens)

			s.log.Warn().
				Int("id_slot", slot.id).
				Int("n_left", nLeft).
				Int("n_prompt_tokens", slot.nPromptTokens).
				Msg("input truncated")
		}

		slot.smpl.Reset()

		if !slot.params.cachePrompt {
			slot.nPastSE = 0
			slot.gaI = 0
		} else {
			// reuse tokens already in the KV that prefix the new prompt
			slot.nPast = longestCommonPrefix(slot.cacheTokens, slot.promptTokens)

			// replay the reused prefix into the sampler (grammar not
			// applied to prompt tokens)
			for i := 0; i < slot.nPast; i++ {
				slot.smpl.Accept(slot.cacheTokens[i], false)
			}
		}
	}

	if slot.nPast == slot.nPromptTokens && slot.nPast > 0 {
		// at least one token must be evaluated to produce logits
		slot.nPast--
		if slot.gaI > 0 {
			slot.nPastSE--
		}
	}

	slot.nPromptTokensProcessed = 0
	return true
}
