package scheduler

import (
	"slotd/internal/llm"
	"slotd/pkg/types"
)

// TaskType discriminates queue entries.
type TaskType int

const (
	TaskCompletion TaskType = iota
	TaskCancel
	TaskNextResponse
	TaskMetrics
	TaskSlotSave
	TaskSlotRestore
	TaskSlotErase
	TaskSetLoRA
)

// CompletionKind selects the prompt-assembly and result path of a
// completion task.
type CompletionKind int

const (
	KindNormal CompletionKind = iota
	KindEmbedding
	KindRerank
	KindInfill
)

// IDNone marks an unassigned task id or a free slot.
const IDNone = -1

// Prompt carries the request input in whichever shape the completion
// kind needs. Text doubles as the similarity key for slot selection.
type Prompt struct {
	Text   string
	Tokens []llm.Token

	// Infill.
	Prefix string
	Suffix string

	// Rerank.
	Query    string
	Document string
}

// Task is one unit of scheduler work. Completion tasks carry the full
// request; admin tasks use the op fields.
type Task struct {
	ID   int
	Type TaskType
	Kind CompletionKind

	// Completion payload.
	Index  int
	Prompt Prompt
	Params types.CompletionRequest

	// Cancel target.
	TargetID int

	// Slot save/restore/erase payload.
	SlotID   int
	Filename string

	// SET_LORA payload.
	LoRA []types.LoRAScale

	// Metrics payload.
	ResetBucket bool
}

// Result is one entry of the result queue. Stop marks the final result
// for its task id.
type Result struct {
	TaskID int
	Data   any
	Stop   bool
	Err    error
}

// SlotSaveResult reports a completed save/restore/erase.
type SlotSaveResult struct {
	IDSlot   int     `json:"id_slot"`
	Filename string  `json:"filename,omitempty"`
	NSaved   int     `json:"n_saved,omitempty"`
	NRestored int    `json:"n_restored,omitempty"`
	NErased  int     `json:"n_erased,omitempty"`
	NWritten uint64  `json:"n_written,omitempty"`
	NRead    uint64  `json:"n_read,omitempty"`
	TimeMS   float64 `json:"timings_ms"`
}

// EmbeddingResult carries one pooled embedding.
type EmbeddingResult struct {
	Index     int
	Embedding []float32
}

// RerankResult carries one document score.
type RerankResult struct {
	Index int
	Score float32
}
