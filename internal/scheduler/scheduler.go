package scheduler

import (
	"context"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"slotd/internal/llm"
	"slotd/pkg/types"
)

const grammarCacheSize = 64

// Scheduler multiplexes completion tasks onto a fixed pool of slots
// sharing one KV cache. A single goroutine (Run) owns all slot state,
// the KV cache and the samplers; HTTP handlers only touch the task and
// result queues.
type Scheduler struct {
	cfg   Config
	model llm.Model
	ctx   llm.Context
	spec  llm.Speculator

	queue   *TaskQueue
	results *ResultQueue

	slots []*Slot
	batch *llm.Batch

	systemPrompt     string
	systemTokens     []llm.Token
	systemNeedUpdate bool
	cleanKvCache     bool

	metrics      Metrics
	grammarCache *lru.Cache[string, string]

	lora      []types.LoRAScale
	applyLoRA func([]types.LoRAScale) error

	log zerolog.Logger
}

// New builds a scheduler over a loaded model context. The slot pool
// and per-slot context budgets are fixed at construction.
func New(cfg Config, model llm.Model, lctx llm.Context, log zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	gc, _ := lru.New[string, string](grammarCacheSize)

	s := &Scheduler{
		cfg:          cfg,
		model:        model,
		ctx:          lctx,
		queue:        NewTaskQueue(),
		results:      NewResultQueue(),
		batch:        llm.NewBatch(max(cfg.NBatch, cfg.NSlots)),
		cleanKvCache: true,
		grammarCache: gc,
		log:          log.With().Str("component", "scheduler").Logger(),
	}

	// One sequence per slot plus sequence 0 for the system prompt.
	nCtxSlot := cfg.NCtx / (cfg.NSlots + 1)
	for i := 0; i < cfg.NSlots; i++ {
		slot := &Slot{
			id:     i,
			nCtx:   nCtxSlot,
			idTask: IDNone,
			gaN:    cfg.GrpAttnN,
			gaW:    cfg.GrpAttnW,
		}
		s.slots = append(s.slots, slot)
	}

	if cfg.SystemPrompt != "" {
		s.systemPrompt = cfg.SystemPrompt
		s.systemNeedUpdate = true
	}
	return s
}

// SetSpeculator installs a draft model; each slot gets a speculation
// batch sized to the configured draft maximum.
func (s *Scheduler) SetSpeculator(spec llm.Speculator) {
	s.spec = spec
	for _, slot := range s.slots {
		slot.spec = spec
		slot.batchSpec = llm.NewBatch(s.cfg.Speculative.NMax + 1)
	}
}

// SetLoRAApplier installs the callback that pushes adapter scales into
// the runtime.
func (s *Scheduler) SetLoRAApplier(apply func([]types.LoRAScale) error, initial []types.LoRAScale) {
	s.applyLoRA = apply
	s.lora = initial
}

// Queue exposes the task queue to producers.
func (s *Scheduler) Queue() *TaskQueue { return s.queue }

// Results exposes the result queue to consumers.
func (s *Scheduler) Results() *ResultQueue { return s.results }

// Model exposes tokenizer and metadata to the HTTP layer.
func (s *Scheduler) Model() llm.Model { return s.model }

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// LoRA returns the currently applied adapter scales.
func (s *Scheduler) LoRA() []types.LoRAScale {
	return append([]types.LoRAScale(nil), s.lora...)
}

// SystemPromptText returns the active system prompt.
func (s *Scheduler) SystemPromptText() string { return s.systemPrompt }

// DefaultGenerationSettings reports slot 0's shape for /props.
func (s *Scheduler) DefaultGenerationSettings() SlotStatus {
	if len(s.slots) == 0 {
		return SlotStatus{}
	}
	return s.slots[0].status()
}

// Shutdown terminates the task queue; Run returns after draining it and
// terminates the result queue on its way out.
func (s *Scheduler) Shutdown() {
	s.queue.Terminate()
}

func (s *Scheduler) allIdle() bool {
	for _, slot := range s.slots {
		if slot.isProcessing() {
			return false
		}
	}
	return true
}

// Run is the scheduler loop. It is the sole goroutine that mutates
// slot state and the KV cache. Returns once Shutdown is called (or
// ctx is cancelled) and the pending queue has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	s.log.Info().
		Int("n_slots", s.cfg.NSlots).
		Int("n_ctx_slot", s.cfg.NCtx/(s.cfg.NSlots+1)).
		Msg("scheduler running")

	for {
		for {
			t, ok := s.queue.Pop()
			if !ok {
				break
			}
			s.processTask(t)
		}
		if s.queue.Terminated() {
			break
		}

		s.updateSlots()

		if s.allIdle() {
			if !s.queue.WaitNonEmptyOrTerminated() {
				break
			}
		}
	}

	s.results.Terminate()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) processTask(t *Task) {
	switch t.Type {
	case TaskCompletion:
		var slot *Slot
		if t.Params.IDSlot != nil {
			slot = s.slotByID(*t.Params.IDSlot)
			if slot == nil {
				s.sendError(t.ID, ErrInvalidRequest("no slot with id %d", *t.Params.IDSlot))
				return
			}
			if slot.isProcessing() {
				s.queue.Defer(t)
				return
			}
		} else {
			slot = s.selectSlot(t.Prompt.Text)
			if slot == nil {
				// all slots busy; retry after the next release
				s.queue.Defer(t)
				return
			}
		}
		if err := s.launch(slot, t); err != nil {
			s.sendError(t.ID, err)
		}

	case TaskCancel:
		for _, slot := range s.slots {
			if slot.isProcessing() && slot.idTask == t.TargetID {
				s.log.Info().Int("id_slot", slot.id).Int("id_task", t.TargetID).Msg("task cancelled")
				s.releaseSlot(slot)
				break
			}
		}
		s.results.Send(&Result{
			TaskID: t.TargetID,
			Data:   &types.CompletionChunk{Stop: true, Cancelled: true},
			Stop:   true,
		})

	case TaskNextResponse:
		// wake marker, nothing to do

	case TaskMetrics:
		snap := s.snapshotMetrics()
		if t.ResetBucket {
			s.metrics.resetBucket()
		}
		s.results.Send(&Result{TaskID: t.ID, Data: snap, Stop: true})

	case TaskSlotSave, TaskSlotRestore, TaskSlotErase:
		slot := s.slotByID(t.SlotID)
		if slot == nil {
			s.sendError(t.ID, ErrInvalidRequest("invalid slot id %d", t.SlotID))
			return
		}
		if slot.isProcessing() {
			// postpone until the slot frees up
			s.queue.Defer(t)
			return
		}
		s.processSlotOp(slot, t)

	case TaskSetLoRA:
		if s.applyLoRA != nil {
			if err := s.applyLoRA(t.LoRA); err != nil {
				s.sendError(t.ID, err)
				return
			}
		}
		s.lora = t.LoRA
		s.results.Send(&Result{TaskID: t.ID, Data: map[string]bool{"success": true}, Stop: true})
	}
}

// releaseSlot returns a slot to the pool and lets one deferred task
// back into the main queue.
func (s *Scheduler) releaseSlot(slot *Slot) {
	if !slot.isProcessing() {
		return
	}
	slot.stopGenerationClock()
	slot.state = SlotIdle
	slot.idTask = IDNone
	slot.tLastUsed = time.Now()
	s.queue.PopDeferred()
}

func (s *Scheduler) snapshotMetrics() *MetricsSnapshot {
	snap := &MetricsSnapshot{Metrics: s.metrics}
	for _, slot := range s.slots {
		if slot.isProcessing() {
			snap.ProcessingSlots++
		} else {
			snap.IdleSlots++
		}
		snap.Slots = append(snap.Slots, slot.status())
	}
	snap.RequestsDeferred = s.queue.DeferredLen()
	snap.KvCacheTokens = s.ctx.KvUsedCells()
	if n := s.ctx.NCtx(); n > 0 {
		snap.KvCacheUsageRatio = float64(snap.KvCacheTokens) / float64(n)
	}
	return snap
}

func (s *Scheduler) sendError(taskID int, err error) {
	s.log.Error().Err(err).Int("id_task", taskID).Msg("task failed")
	s.results.Send(&Result{TaskID: taskID, Err: err, Stop: true})
}

// sendPartial streams freshly decoded text for a slot.
func (s *Scheduler) sendPartial(slot *Slot, content string) {
	chunk := &types.CompletionChunk{
		Index:   slot.index,
		Content: content,
		IDSlot:  slot.id,
	}
	if len(slot.queuedProbs) > 0 {
		chunk.Probs = slot.queuedProbs
		slot.queuedProbs = nil
	}
	s.results.Send(&Result{TaskID: slot.idTask, Data: chunk})
}

// finalChunk assembles the stop=true completion payload. Must be
// called before the slot is released.
func (s *Scheduler) finalChunk(slot *Slot) *types.CompletionChunk {
	content := slot.generatedText
	if slot.params.stream {
		content = ""
	}
	var probs []types.TokenProb
	if len(slot.queuedProbs) > 0 {
		probs = slot.queuedProbs
		slot.queuedProbs = nil
	}
	return &types.CompletionChunk{
		Probs:           probs,
		Index:           slot.index,
		Content:         content,
		IDSlot:          slot.id,
		Stop:            true,
		Model:           s.cfg.ModelAlias,
		TokensPredicted: slot.nDecoded,
		TokensEvaluated: slot.nPromptTokens,
		TokensCached:    len(slot.cacheTokens),
		Truncated:       slot.truncated,
		StoppedEOS:      slot.stoppedEOS,
		StoppedWord:     slot.stoppedWord,
		StoppedLimit:    slot.stoppedLimit,
		StoppingWord:    slot.stoppingWord,
		Timings:         slot.timings(),
	}
}

// finishSlot emits the final response and frees the slot.
func (s *Scheduler) finishSlot(slot *Slot) {
	taskID := slot.idTask
	slot.stopGenerationClock()
	chunk := s.finalChunk(slot)
	s.printTimings(slot)
	s.metrics.onPrediction(slot)
	s.releaseSlot(slot)
	s.results.Send(&Result{TaskID: taskID, Data: chunk, Stop: true})
}

func (s *Scheduler) printTimings(slot *Slot) {
	t := slot.timings()
	s.log.Info().
		Int("id_slot", slot.id).
		Int("prompt_n", t.PromptN).
		Float64("prompt_ms", t.PromptMS).
		Int("predicted_n", t.PredictedN).
		Float64("predicted_ms", t.PredictedMS).
		Msg("slot finished")
}

// sendEmbedding extracts, normalizes and emits the pooled embedding
// for a slot that finished its prompt in embedding mode.
func (s *Scheduler) sendEmbedding(slot *Slot) {
	embd := s.ctx.Embeddings(int32(slot.id + 1))
	if embd == nil {
		embd = s.ctx.EmbeddingsIth(slot.iBatch)
	}
	if embd == nil {
		s.sendError(slot.idTask, ErrUnavailable("failed to get embeddings"))
		return
	}
	s.results.Send(&Result{
		TaskID: slot.idTask,
		Data:   &EmbeddingResult{Index: slot.index, Embedding: normalizeL2(embd)},
		Stop:   true,
	})
}

// sendRerank emits the cross-encoder score for a query/document pair.
func (s *Scheduler) sendRerank(slot *Slot) {
	embd := s.ctx.Embeddings(int32(slot.id + 1))
	if embd == nil {
		embd = s.ctx.EmbeddingsIth(slot.iBatch)
	}
	if len(embd) == 0 {
		s.sendError(slot.idTask, ErrUnavailable("failed to get rerank score"))
		return
	}
	s.results.Send(&Result{
		TaskID: slot.idTask,
		Data:   &RerankResult{Index: slot.index, Score: embd[0]},
		Stop:   true,
	})
}

func normalizeL2(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
