package scheduler

import (
	"time"

	"slotd/internal/llm"
	"slotd/pkg/types"
)

// SlotState is the per-slot lifecycle.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotProcessingPrompt
	SlotDonePrompt
	SlotGenerating
)

// slotParams is the merged (server defaults + request overrides)
// non-sampling configuration of one running task.
type slotParams struct {
	nPredict    int
	nKeep       int
	nDiscard    int
	stop        []string
	cachePrompt bool
	stream      bool
	nProbs      int
	spec        types.SpeculativeParams
}

// Slot is one of the fixed execution contexts sharing the KV cache.
// Bound to sequence id slot.id+1; sequence 0 carries the system
// prompt. Only the scheduler goroutine touches a slot.
type Slot struct {
	id   int
	nCtx int

	state  SlotState
	idTask int
	kind   CompletionKind
	index  int

	params  slotParams
	sparams llm.SamplerParams
	smpl    llm.Sampler

	// prompt is the current task's input. Text is kept across release
	// for similarity-based slot selection.
	prompt       Prompt
	promptTokens []llm.Token

	// cacheTokens mirrors the KV contents of this slot's sequence.
	cacheTokens []llm.Token

	nPast                   int
	nDecoded                int
	nPromptTokens           int
	nPromptTokensProcessed  int
	iBatch                  int

	// sampled is the token appended to the next decode batch.
	sampled llm.Token

	// Group-attention (self-extend) state.
	gaI     int
	gaN     int
	gaW     int
	nPastSE int

	// Speculative decoding.
	spec      llm.Speculator
	batchSpec *llm.Batch

	// Stop state.
	hasNextToken bool
	truncated    bool
	stoppedEOS   bool
	stoppedWord  bool
	stoppedLimit bool
	stoppingWord string

	generatedText string
	nSentText     int
	queuedProbs   []types.TokenProb

	// Timing.
	tLastUsed            time.Time
	tStartProcessPrompt  time.Time
	tStartGeneration     time.Time
	promptProcessingMS   float64
	tokenGenerationMS    float64
}

// reset clears per-task state; slot identity, cache tokens and
// group-attention configuration survive.
func (s *Slot) reset() {
	s.state = SlotIdle
	s.idTask = IDNone
	s.promptTokens = nil
	s.nPast = 0
	s.nPromptTokens = 0
	s.nPromptTokensProcessed = 0
	s.nDecoded = 0
	s.iBatch = IDNone
	s.gaI = 0
	s.nPastSE = 0

	s.hasNextToken = false
	s.truncated = false
	s.stoppedEOS = false
	s.stoppedWord = false
	s.stoppedLimit = false
	s.stoppingWord = ""
	s.generatedText = ""
	s.nSentText = 0
	s.queuedProbs = nil
	s.smpl = nil

	s.tStartProcessPrompt = time.Time{}
	s.tStartGeneration = time.Time{}
	s.promptProcessingMS = 0
	s.tokenGenerationMS = 0
}

// isProcessing reports whether the slot is anywhere between accepting
// a task and releasing it.
func (s *Slot) isProcessing() bool { return s.state != SlotIdle }

// hasBudget reports whether the generation limit still allows another
// token. nPredict < 0 means unlimited.
func (s *Slot) hasBudget() bool {
	if s.params.nPredict < 0 {
		return true
	}
	return s.nDecoded < s.params.nPredict
}

// canSpeculate gates the speculative path: a draft context must exist
// and prompt caching must be on (the draft reuses cacheTokens).
func (s *Slot) canSpeculate() bool {
	return s.spec != nil && s.params.spec.NMax > 0 && s.params.cachePrompt
}

// npast returns the position cursor, preferring the self-extend
// cursor when group attention is active.
func (s *Slot) npast() int {
	if s.nPastSE > 0 {
		return s.nPastSE
	}
	return s.nPast
}

// stopGenerationClock finalizes the generation timing once per task.
func (s *Slot) stopGenerationClock() {
	if !s.tStartGeneration.IsZero() && s.tokenGenerationMS == 0 {
		s.tokenGenerationMS = float64(time.Since(s.tStartGeneration).Microseconds()) / 1e3
	}
}

// timings summarizes prompt and generation throughput for the final
// response.
func (s *Slot) timings() *types.Timings {
	t := &types.Timings{
		PromptN:    s.nPromptTokensProcessed,
		PromptMS:   s.promptProcessingMS,
		PredictedN: s.nDecoded,
		PredictedMS: s.tokenGenerationMS,
	}
	if t.PromptN > 0 {
		t.PromptPerTokenMS = t.PromptMS / float64(t.PromptN)
	}
	if t.PromptMS > 0 {
		t.PromptPerSecond = 1e3 * float64(t.PromptN) / t.PromptMS
	}
	if t.PredictedN > 0 {
		t.PredictedPerTokenMS = t.PredictedMS / float64(t.PredictedN)
	}
	if t.PredictedMS > 0 {
		t.PredictedPerSecond = 1e3 * float64(t.PredictedN) / t.PredictedMS
	}
	return t
}

// SlotStatus is the /slots projection of a slot.
type SlotStatus struct {
	ID          int     `json:"id"`
	IDTask      int     `json:"id_task"`
	State       string  `json:"state"`
	NCtx        int     `json:"n_ctx"`
	NPast       int     `json:"n_past"`
	NDecoded    int     `json:"n_decoded"`
	CacheTokens int     `json:"tokens_cached"`
	Stream      bool    `json:"stream"`
	NPredict    int     `json:"n_predict"`
	Temperature float32 `json:"temperature"`
	Seed        uint32  `json:"seed"`
	CachePrompt bool    `json:"cache_prompt"`
	Stop        []string `json:"stop,omitempty"`
}

func (s *Slot) status() SlotStatus {
	st := "idle"
	switch s.state {
	case SlotProcessingPrompt:
		st = "processing_prompt"
	case SlotDonePrompt:
		st = "done_prompt"
	case SlotGenerating:
		st = "generating"
	}
	return SlotStatus{
		ID:          s.id,
		IDTask:      s.idTask,
		State:       st,
		NCtx:        s.nCtx,
		NPast:       s.nPast,
		NDecoded:    s.nDecoded,
		CacheTokens: len(s.cacheTokens),
		Stream:      s.params.stream,
		NPredict:    s.params.nPredict,
		Temperature: s.sparams.Temp,
		Seed:        s.sparams.Seed,
		CachePrompt: s.params.cachePrompt,
		Stop:        s.params.stop,
	}
}
