package scheduler

// longestCommonPrefixStr returns the shared-prefix length of two
// strings in bytes.
func longestCommonPrefixStr(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// longestCommonPrefix returns the shared-prefix length of two token
// sequences.
func longestCommonPrefix[T comparable](a, b []T) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// selectSlot picks an idle slot for a prompt. With a similarity
// threshold configured, prefer the idle slot whose previous prompt
// shares the longest prefix with the new one, provided the shared part
// covers more than τ of the old prompt; otherwise fall back to least
// recently used. Returns nil when every slot is busy.
func (s *Scheduler) selectSlot(prompt string) *Slot {
	tau := s.cfg.SlotPromptSimilarity
	if tau > 0 && prompt != "" {
		var best *Slot
		bestLCP := 0
		for _, slot := range s.slots {
			if slot.isProcessing() || len(slot.prompt.Text) == 0 {
				continue
			}
			lcp := longestCommonPrefixStr(slot.prompt.Text, prompt)
			similarity := float32(lcp) / float32(len(slot.prompt.Text))
			if lcp > bestLCP && similarity > tau {
				best = slot
				bestLCP = lcp
			}
		}
		if best != nil {
			s.log.Debug().Int("id_slot", best.id).Int("lcp", bestLCP).Msg("selected slot by prompt similarity")
			return best
		}
	}

	var lru *Slot
	for _, slot := range s.slots {
		if slot.isProcessing() {
			continue
		}
		if lru == nil || slot.tLastUsed.Before(lru.tLastUsed) {
			lru = slot
		}
	}
	if lru != nil {
		s.log.Debug().Int("id_slot", lru.id).Msg("selected slot by LRU")
	}
	return lru
}

// slotByID returns the slot with the given id, or nil.
func (s *Scheduler) slotByID(id int) *Slot {
	for _, slot := range s.slots {
		if slot.id == id {
			return slot
		}
	}
	return nil
}
