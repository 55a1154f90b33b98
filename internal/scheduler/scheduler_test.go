package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"slotd/internal/llm"
	"slotd/pkg/types"
)

func newTestScheduler(t *testing.T, cfg Config, model *fakeModel, fctx *fakeContext) *Scheduler {
	t.Helper()
	if fctx == nil {
		fctx = newFakeContext(cfg.NCtx)
	}
	return New(cfg, model, fctx, zerolog.Nop())
}

// drive runs the scheduler loop inline (the tests own the "scheduler
// goroutine") until every slot is idle.
func drive(t *testing.T, s *Scheduler) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		for {
			tk, ok := s.queue.Pop()
			if !ok {
				break
			}
			s.processTask(tk)
		}
		if s.allIdle() {
			return
		}
		s.updateSlots()
		checkInvariants(t, s)
	}
	t.Fatal("scheduler did not go idle")
}

// step runs exactly one drain+update iteration.
func step(t *testing.T, s *Scheduler) {
	t.Helper()
	for {
		tk, ok := s.queue.Pop()
		if !ok {
			break
		}
		s.processTask(tk)
	}
	s.updateSlots()
	checkInvariants(t, s)
}

func checkInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	for _, slot := range s.slots {
		if slot.state == SlotIdle {
			require.Equal(t, IDNone, slot.idTask, "idle slot %d must have no task", slot.id)
		} else {
			require.NotEqual(t, IDNone, slot.idTask, "busy slot %d must have a task", slot.id)
		}
		if slot.params.cachePrompt && slot.state == SlotGenerating {
			require.Len(t, slot.cacheTokens, slot.nPast,
				"slot %d cache tokens must mirror n_past", slot.id)
		}
	}
}

func postCompletion(s *Scheduler, req types.CompletionRequest, prompt string) int {
	id := s.NewTaskID()
	s.AddWaiters(id)
	s.Post(&Task{
		ID:     id,
		Type:   TaskCompletion,
		Kind:   KindNormal,
		Prompt: Prompt{Text: prompt},
		Params: req,
	}, false)
	return id
}

// collect drains results for one task until its stop result.
func collect(t *testing.T, s *Scheduler, id int) (string, *types.CompletionChunk) {
	t.Helper()
	var text strings.Builder
	for {
		res, err := s.results.Recv(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, res.Err)
		chunk, ok := res.Data.(*types.CompletionChunk)
		require.True(t, ok, "unexpected result payload %T", res.Data)
		text.WriteString(chunk.Content)
		if res.Stop {
			return text.String(), chunk
		}
	}
}

func TestBasicCompletionStopsAtBudget(t *testing.T) {
	model := newFakeModel(tokensOf("1234567890")...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := postCompletion(s, types.CompletionRequest{NPredict: 4, CachePrompt: true}, "2+2=")
	drive(t, s)

	text, final := collect(t, s, id)
	require.Equal(t, "1234", text)
	require.Equal(t, 4, final.TokensPredicted)
	require.Equal(t, 4, final.TokensEvaluated)
	require.True(t, final.StoppedLimit)
	require.False(t, final.StoppedEOS)
	s.RemoveWaiters(id)
}

func TestCompletionStopsAtEOG(t *testing.T) {
	script := append(tokensOf("ok"), fakeEOG)
	model := newFakeModel(script...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := postCompletion(s, types.CompletionRequest{CachePrompt: true}, "hi")
	drive(t, s)

	text, final := collect(t, s, id)
	require.Equal(t, "ok", text)
	require.True(t, final.StoppedEOS)
	s.RemoveWaiters(id)
}

func TestStreamingEmitsPartialResults(t *testing.T) {
	script := append(tokensOf("abc"), fakeEOG)
	model := newFakeModel(script...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := postCompletion(s, types.CompletionRequest{Stream: true, CachePrompt: true}, "x")
	drive(t, s)

	var partials int
	var text strings.Builder
	for {
		res, err := s.results.Recv(context.Background(), id)
		require.NoError(t, err)
		chunk := res.Data.(*types.CompletionChunk)
		text.WriteString(chunk.Content)
		if res.Stop {
			break
		}
		partials++
	}
	require.Equal(t, "abc", text.String())
	require.GreaterOrEqual(t, partials, 3)
	s.RemoveWaiters(id)
}

func TestStopWordTruncatesGeneratedText(t *testing.T) {
	script := append(tokensOf("a,b\nmore"), fakeEOG)
	model := newFakeModel(script...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := postCompletion(s, types.CompletionRequest{
		Stream:      true,
		Stop:        []string{"\n"},
		CachePrompt: true,
	}, "List: ")
	drive(t, s)

	text, final := collect(t, s, id)
	require.Equal(t, "a,b", text)
	require.True(t, final.StoppedWord)
	require.Equal(t, "\n", final.StoppingWord)
	require.NotContains(t, text, "\n")
	s.RemoveWaiters(id)
}

func TestStopWordAcrossTokenBoundaries(t *testing.T) {
	// "END" arrives one rune per token; no single token contains it
	script := append(tokensOf("xEND"), fakeEOG)
	model := newFakeModel(script...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := postCompletion(s, types.CompletionRequest{
		Stop:        []string{"END"},
		CachePrompt: true,
	}, "p")
	drive(t, s)

	text, final := collect(t, s, id)
	require.Equal(t, "x", text)
	require.True(t, final.StoppedWord)
	require.Equal(t, "END", final.StoppingWord)
	s.RemoveWaiters(id)
}

func TestPartialStopWordIsReleasedWhenNotCompleted(t *testing.T) {
	// "EN" primes a partial match of "END" that never completes
	script := append(tokensOf("xENy"), fakeEOG)
	model := newFakeModel(script...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := postCompletion(s, types.CompletionRequest{
		Stop:        []string{"END"},
		CachePrompt: true,
	}, "p")
	drive(t, s)

	text, final := collect(t, s, id)
	require.Equal(t, "xENy", text)
	require.False(t, final.StoppedWord)
	s.RemoveWaiters(id)
}

func TestSlotContentionDefersSecondTask(t *testing.T) {
	model := newFakeModel(tokensOf("abcdefgh")...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id1 := postCompletion(s, types.CompletionRequest{NPredict: 2, CachePrompt: true}, "one")
	id2 := postCompletion(s, types.CompletionRequest{NPredict: 2, CachePrompt: true}, "two")

	// first iteration: task 1 takes the slot, task 2 is deferred
	step(t, s)
	require.Equal(t, 1, s.queue.DeferredLen())

	drive(t, s)
	_, final1 := collect(t, s, id1)
	_, final2 := collect(t, s, id2)
	require.True(t, final1.StoppedLimit)
	require.True(t, final2.StoppedLimit)
	s.RemoveWaiters(id1, id2)
}

func TestPrefixReuseProcessesOnlyNewTokens(t *testing.T) {
	model := newFakeModel(append(tokensOf("X"), fakeEOG)...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	slotID := 0
	id1 := postCompletion(s, types.CompletionRequest{CachePrompt: true, IDSlot: &slotID}, "ABCDE")
	drive(t, s)
	_, final1 := collect(t, s, id1)
	require.Equal(t, 5, final1.TokensEvaluated)
	s.RemoveWaiters(id1)

	model.setScript(append(tokensOf("Y"), fakeEOG))
	id2 := postCompletion(s, types.CompletionRequest{CachePrompt: true, IDSlot: &slotID}, "ABCDEF")
	drive(t, s)
	_, final2 := collect(t, s, id2)
	require.Equal(t, 6, final2.TokensEvaluated)
	require.Equal(t, 1, final2.Timings.PromptN, "only the new suffix should be processed")
	s.RemoveWaiters(id2)
}

func TestCancelReleasesSlotAndSendsSyntheticResult(t *testing.T) {
	model := newFakeModel(tokensOf(strings.Repeat("a", 1000))...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 4096}, model, nil)

	id := postCompletion(s, types.CompletionRequest{Stream: true, CachePrompt: true}, "p")
	step(t, s)
	step(t, s)
	require.False(t, s.allIdle())

	s.Post(&Task{ID: IDNone, Type: TaskCancel, TargetID: id}, true)
	step(t, s)

	require.True(t, s.slots[0].state == SlotIdle)
	require.Equal(t, IDNone, s.slots[0].idTask)

	// drain partials until the synthetic cancelled result
	for {
		res, err := s.results.Recv(context.Background(), id)
		require.NoError(t, err)
		if res.Stop {
			chunk := res.Data.(*types.CompletionChunk)
			require.True(t, chunk.Cancelled)
			break
		}
	}
	s.RemoveWaiters(id)
}

func TestContextShiftTruncatesInsteadOfFailing(t *testing.T) {
	model := newFakeModel(tokensOf(strings.Repeat("z", 600))...)
	// n_ctx 128 over 1 slot+1 → 64 tokens per slot
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 128, CtxShift: true}, model, nil)

	id := postCompletion(s, types.CompletionRequest{NPredict: 100, NKeep: 8, CachePrompt: true}, "seed")
	drive(t, s)

	_, final := collect(t, s, id)
	require.True(t, final.Truncated)
	// generation runs past the shift point and stops at the slot
	// context cap, not the requested budget
	require.Greater(t, final.TokensPredicted, 59)
	require.LessOrEqual(t, final.TokensCached, 64)
	s.RemoveWaiters(id)
}

func TestPromptTooLongWithoutCtxShiftFails(t *testing.T) {
	model := newFakeModel()
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 40, CtxShift: false}, model, nil)

	id := postCompletion(s, types.CompletionRequest{}, strings.Repeat("p", 100))
	drive(t, s)

	res, err := s.results.Recv(context.Background(), id)
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.True(t, IsInvalidRequest(res.Err))
	s.RemoveWaiters(id)
}

func TestPromptTruncationWithCtxShift(t *testing.T) {
	model := newFakeModel(append(tokensOf("k"), fakeEOG)...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 40, CtxShift: true}, model, nil)

	// 20-token slot budget, 100-token prompt
	id := postCompletion(s, types.CompletionRequest{NKeep: 4, CachePrompt: true}, strings.Repeat("p", 100))
	drive(t, s)

	_, final := collect(t, s, id)
	require.True(t, final.Truncated)
	require.Less(t, final.TokensEvaluated, 20)
	s.RemoveWaiters(id)
}

func TestSpeculativeMatchesNonSpeculative(t *testing.T) {
	script := append(tokensOf("speculative decoding works"), fakeEOG)

	run := func(withDraft bool) string {
		model := newFakeModel(script...)
		cfg := Config{NSlots: 1, NCtx: 1024}
		if withDraft {
			cfg.Speculative = SpeculativeConfig{NMin: 2, NMax: 8, PMin: 0.5}
		}
		s := newTestScheduler(t, cfg, model, nil)
		if withDraft {
			s.SetSpeculator(&fakeSpeculator{draft: script[1:], nCtx: 512})
		}
		id := postCompletion(s, types.CompletionRequest{CachePrompt: true}, "q")
		drive(t, s)
		text, _ := collect(t, s, id)
		s.RemoveWaiters(id)
		return text
	}

	plain := run(false)
	spec := run(true)
	if diff := cmp.Diff(plain, spec); diff != "" {
		t.Fatalf("speculative output diverged (-plain +spec):\n%s", diff)
	}
}

func TestSpeculativeRejectionTrimsKv(t *testing.T) {
	script := append(tokensOf("abcdef"), fakeEOG)
	model := newFakeModel(script...)
	cfg := Config{NSlots: 1, NCtx: 1024, Speculative: SpeculativeConfig{NMin: 1, NMax: 4, PMin: 0.5}}
	s := newTestScheduler(t, cfg, model, nil)
	// draft diverges after two tokens
	s.SetSpeculator(&fakeSpeculator{draft: append(tokensOf("bc"), tokensOf("XY")...), nCtx: 512})

	id := postCompletion(s, types.CompletionRequest{CachePrompt: true}, "q")
	drive(t, s)

	text, _ := collect(t, s, id)
	require.Equal(t, "abcdef", text)
	s.RemoveWaiters(id)
}

func TestEmbeddingResultIsNormalized(t *testing.T) {
	model := newFakeModel()
	fctx := newFakeContext(256)
	fctx.embd = []float32{3, 4}
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256, Embedding: true}, model, fctx)

	id := s.NewTaskID()
	s.AddWaiters(id)
	s.Post(&Task{ID: id, Type: TaskCompletion, Kind: KindEmbedding, Prompt: Prompt{Text: "embed me"}}, false)
	drive(t, s)

	res, err := s.results.Recv(context.Background(), id)
	require.NoError(t, err)
	emb := res.Data.(*EmbeddingResult)
	require.InDelta(t, 0.6, emb.Embedding[0], 1e-6)
	require.InDelta(t, 0.8, emb.Embedding[1], 1e-6)
	s.RemoveWaiters(id)
}

func TestEmbeddingPromptTooLargeFails(t *testing.T) {
	model := newFakeModel()
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 4096, NUbatch: 8, Embedding: true}, model, nil)

	id := s.NewTaskID()
	s.AddWaiters(id)
	s.Post(&Task{ID: id, Type: TaskCompletion, Kind: KindEmbedding, Prompt: Prompt{Text: strings.Repeat("x", 64)}}, false)
	drive(t, s)

	res, err := s.results.Recv(context.Background(), id)
	require.NoError(t, err)
	require.Error(t, res.Err)
	s.RemoveWaiters(id)
}

func TestRerankReturnsScore(t *testing.T) {
	model := newFakeModel()
	fctx := newFakeContext(256)
	fctx.embd = []float32{0.75}
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256, Reranking: true}, model, fctx)

	id := s.NewTaskID()
	s.AddWaiters(id)
	s.Post(&Task{ID: id, Type: TaskCompletion, Kind: KindRerank, Index: 2, Prompt: Prompt{Query: "q", Document: "d"}}, false)
	drive(t, s)

	res, err := s.results.Recv(context.Background(), id)
	require.NoError(t, err)
	rr := res.Data.(*RerankResult)
	require.Equal(t, 2, rr.Index)
	require.InDelta(t, 0.75, rr.Score, 1e-6)
	s.RemoveWaiters(id)
}

func TestEmptyPromptReturnsEmptyFinalResponse(t *testing.T) {
	model := newFakeModel()
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := postCompletion(s, types.CompletionRequest{}, "")
	drive(t, s)

	text, final := collect(t, s, id)
	require.Empty(t, text)
	require.True(t, final.Stop)
	s.RemoveWaiters(id)
}

func TestMetricsSnapshot(t *testing.T) {
	model := newFakeModel(append(tokensOf("ab"), fakeEOG)...)
	s := newTestScheduler(t, Config{NSlots: 2, NCtx: 512}, model, nil)

	cid := postCompletion(s, types.CompletionRequest{CachePrompt: true}, "prompt")
	drive(t, s)
	collect(t, s, cid)
	s.RemoveWaiters(cid)

	mid := s.NewTaskID()
	s.AddWaiters(mid)
	s.Post(&Task{ID: mid, Type: TaskMetrics}, false)
	step(t, s)

	res, err := s.results.Recv(context.Background(), mid)
	require.NoError(t, err)
	snap := res.Data.(*MetricsSnapshot)
	require.Equal(t, 2, snap.IdleSlots)
	require.Equal(t, 6, snap.PromptTokensProcessed)
	require.Equal(t, 3, snap.TokensPredicted)
	require.Len(t, snap.Slots, 2)
	s.RemoveWaiters(mid)
}

func TestSlotSaveRestoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	model := newFakeModel(append(tokensOf("gen"), fakeEOG)...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256, SlotSavePath: dir}, model, nil)

	cid := postCompletion(s, types.CompletionRequest{CachePrompt: true}, "saved state")
	drive(t, s)
	collect(t, s, cid)
	s.RemoveWaiters(cid)

	saved := append([]llm.Token(nil), s.slots[0].cacheTokens...)
	require.NotEmpty(t, saved)

	sid := s.NewTaskID()
	s.AddWaiters(sid)
	s.Post(&Task{ID: sid, Type: TaskSlotSave, SlotID: 0, Filename: "slot0.bin"}, false)
	step(t, s)
	res, err := s.results.Recv(context.Background(), sid)
	require.NoError(t, err)
	save := res.Data.(*SlotSaveResult)
	require.Equal(t, len(saved), save.NSaved)
	require.NotZero(t, save.NWritten)
	s.RemoveWaiters(sid)

	// erase, then restore
	eid := s.NewTaskID()
	s.AddWaiters(eid)
	s.Post(&Task{ID: eid, Type: TaskSlotErase, SlotID: 0}, false)
	step(t, s)
	res, err = s.results.Recv(context.Background(), eid)
	require.NoError(t, err)
	require.Equal(t, len(saved), res.Data.(*SlotSaveResult).NErased)
	require.Empty(t, s.slots[0].cacheTokens)
	s.RemoveWaiters(eid)

	rid := s.NewTaskID()
	s.AddWaiters(rid)
	s.Post(&Task{ID: rid, Type: TaskSlotRestore, SlotID: 0, Filename: "slot0.bin"}, false)
	step(t, s)
	res, err = s.results.Recv(context.Background(), rid)
	require.NoError(t, err)
	require.Equal(t, len(saved), res.Data.(*SlotSaveResult).NRestored)
	if diff := cmp.Diff(saved, s.slots[0].cacheTokens); diff != "" {
		t.Fatalf("restored tokens differ (-saved +restored):\n%s", diff)
	}
	s.RemoveWaiters(rid)
}

func TestSystemPromptSharedAcrossSequences(t *testing.T) {
	model := newFakeModel(append(tokensOf("r"), fakeEOG)...)
	fctx := newFakeContext(512)
	s := newTestScheduler(t, Config{NSlots: 2, NCtx: 512, SystemPrompt: "sys"}, model, fctx)

	id := postCompletion(s, types.CompletionRequest{CachePrompt: true}, "user prompt")
	drive(t, s)
	collect(t, s, id)
	s.RemoveWaiters(id)

	// sequence 0 holds the system prompt, copied to slot sequences
	require.Len(t, fctx.seqs[0], 3)
	require.NotEmpty(t, fctx.seqs[1])
}

func TestExplicitSlotNotFound(t *testing.T) {
	model := newFakeModel()
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	bad := 7
	id := postCompletion(s, types.CompletionRequest{IDSlot: &bad}, "p")
	drive(t, s)

	res, err := s.results.Recv(context.Background(), id)
	require.NoError(t, err)
	require.Error(t, res.Err)
	s.RemoveWaiters(id)
}

func TestSchedulerRunTerminates(t *testing.T) {
	model := newFakeModel(append(tokensOf("a"), fakeEOG)...)
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	id := s.NewTaskID()
	s.AddWaiters(id)
	s.Post(&Task{ID: id, Type: TaskCompletion, Kind: KindNormal, Prompt: Prompt{Text: "p"}, Params: types.CompletionRequest{CachePrompt: true}}, false)

	var sawStop bool
	for !sawStop {
		res, err := s.results.Recv(context.Background(), id)
		require.NoError(t, err)
		sawStop = res.Stop
	}
	s.RemoveWaiters(id)

	s.Shutdown()
	require.NoError(t, <-done)
}

func TestGrammarSchemaConflictRejected(t *testing.T) {
	model := newFakeModel()
	s := newTestScheduler(t, Config{NSlots: 1, NCtx: 256}, model, nil)

	id := s.NewTaskID()
	s.AddWaiters(id)
	s.Post(&Task{ID: id, Type: TaskCompletion, Kind: KindNormal, Prompt: Prompt{Text: "p"},
		Params: types.CompletionRequest{
			Grammar:    "root ::= x",
			JSONSchema: json.RawMessage(`{"type":"object"}`),
		}}, false)
	drive(t, s)

	res, err := s.results.Recv(context.Background(), id)
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.True(t, IsInvalidRequest(res.Err))
	s.RemoveWaiters(id)
}
