package scheduler

import (
	"path/filepath"
	"time"
)

// processSlotOp handles SLOT_SAVE, SLOT_RESTORE and SLOT_ERASE for an
// idle slot. Busy slots are deferred by the caller.
func (s *Scheduler) processSlotOp(slot *Slot, t *Task) {
	seq := int32(slot.id + 1)

	switch t.Type {
	case TaskSlotSave:
		start := time.Now()
		path := filepath.Join(s.cfg.SlotSavePath, t.Filename)
		written, err := s.ctx.SaveSeq(seq, path, slot.cacheTokens)
		if err != nil {
			s.sendError(t.ID, err)
			return
		}
		s.results.Send(&Result{TaskID: t.ID, Stop: true, Data: &SlotSaveResult{
			IDSlot:   slot.id,
			Filename: t.Filename,
			NSaved:   len(slot.cacheTokens),
			NWritten: written,
			TimeMS:   float64(time.Since(start).Microseconds()) / 1e3,
		}})

	case TaskSlotRestore:
		start := time.Now()
		path := filepath.Join(s.cfg.SlotSavePath, t.Filename)
		tokens, read, err := s.ctx.LoadSeq(seq, path)
		if err != nil {
			s.sendError(t.ID, err)
			return
		}
		if read == 0 {
			slot.cacheTokens = nil
			s.sendError(t.ID, ErrInvalidRequest("unable to restore slot, no available space in KV cache or invalid slot save file"))
			return
		}
		slot.cacheTokens = tokens
		slot.nPast = len(tokens)
		s.results.Send(&Result{TaskID: t.ID, Stop: true, Data: &SlotSaveResult{
			IDSlot:    slot.id,
			Filename:  t.Filename,
			NRestored: len(tokens),
			NRead:     read,
			TimeMS:    float64(time.Since(start).Microseconds()) / 1e3,
		}})

	case TaskSlotErase:
		nErased := len(slot.cacheTokens)
		s.ctx.KvSeqRm(seq, -1, -1)
		slot.cacheTokens = nil
		slot.nPast = 0
		s.results.Send(&Result{TaskID: t.ID, Stop: true, Data: &SlotSaveResult{
			IDSlot:  slot.id,
			NErased: nErased,
		}})
	}
}
