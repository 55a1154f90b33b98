package scheduler

import "slotd/internal/llm"

// speculate extends a generating slot by one draft round: the draft
// model proposes a continuation of id, the target model verifies all
// candidates in a single decode, and the sampler accepts the longest
// agreeing prefix. The last accepted token stays owned by the sampler
// and is re-decoded next iteration, so a rejected tail needs no repair
// beyond trimming the KV.
func (s *Scheduler) speculate(slot *Slot, id llm.Token) {
	params := llm.SpecParams{
		NDraft: slot.params.spec.NMax,
		NReuse: slot.spec.NCtx() - slot.params.spec.NMax,
		PMin:   slot.params.spec.PMin,
	}

	draft := slot.spec.GenDraft(params, slot.cacheTokens, id)

	// ignore small drafts
	if len(draft) < slot.params.spec.NMin {
		return
	}

	seq := int32(slot.id + 1)
	sysLen := len(s.systemTokens)

	slot.batchSpec.Clear()
	slot.batchSpec.Add(id, int32(sysLen+slot.nPast), seq, true)
	for i, tok := range draft {
		slot.batchSpec.Add(tok, int32(sysLen+slot.nPast+1+i), seq, true)
	}

	if ret := s.ctx.Decode(slot.batchSpec); ret != 0 {
		s.log.Warn().Int("id_slot", slot.id).Int("ret", ret).Msg("speculative decode failed, discarding draft")
		s.ctx.KvSeqRm(seq, int32(sysLen+slot.nPast), -1)
		return
	}

	// accepted tokens, ending with one corrective sample
	ids := slot.smpl.SampleAndAcceptN(s.ctx, draft)

	slot.nPast += len(ids)
	slot.nDecoded += len(ids)

	// the last token is re-sampled next iteration and enters the
	// cache then
	slot.cacheTokens = append(slot.cacheTokens, id)
	slot.cacheTokens = append(slot.cacheTokens, ids[:len(ids)-1]...)

	// drop the rejected tail from the KV
	s.ctx.KvSeqRm(seq, int32(sysLen+slot.nPast), -1)

	s.metrics.onDraft(len(draft), len(ids)-1)

	for _, tok := range ids {
		if !s.processToken(slot, tok, nil) {
			s.finishSlot(slot)
			break
		}
	}

	s.log.Debug().
		Int("id_slot", slot.id).
		Int("accepted", len(ids)-1).
		Int("draft", len(draft)).
		Msg("speculation round")
}
