package scheduler

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"slotd/internal/llm"
)

func promptScheduler(model *fakeModel, cfg Config) *Scheduler {
	if cfg.NSlots == 0 {
		cfg = Config{NSlots: 1, NCtx: 1024}
	}
	return New(cfg, model, newFakeContext(1024), zerolog.Nop())
}

func TestAssembleNormalPrompt(t *testing.T) {
	s := promptScheduler(newFakeModel(), Config{})
	slot := s.slots[0]
	slot.prompt = Prompt{Text: "hi"}
	s.assemblePrompt(slot)
	require.Equal(t, tokensOf("hi"), slot.promptTokens)
	require.Equal(t, 2, slot.nPromptTokens)
}

func TestAssembleNormalPromptAddsBOS(t *testing.T) {
	model := newFakeModel()
	model.addBOS = true
	s := promptScheduler(model, Config{})
	slot := s.slots[0]
	slot.prompt = Prompt{Text: "hi"}
	s.assemblePrompt(slot)
	require.Equal(t, fakeBOS, slot.promptTokens[0])
}

func TestAssembleNormalPromptSkipsBOSWithSystemPrompt(t *testing.T) {
	model := newFakeModel()
	model.addBOS = true
	s := promptScheduler(model, Config{})
	s.systemTokens = tokensOf("sys")
	slot := s.slots[0]
	slot.prompt = Prompt{Text: "hi"}
	s.assemblePrompt(slot)
	require.Equal(t, tokensOf("hi"), slot.promptTokens)
}

func TestAssemblePreTokenizedPrompt(t *testing.T) {
	s := promptScheduler(newFakeModel(), Config{})
	slot := s.slots[0]
	slot.prompt = Prompt{Tokens: []llm.Token{10, 11, 12}}
	s.assemblePrompt(slot)
	require.Equal(t, []llm.Token{10, 11, 12}, slot.promptTokens)
}

func TestAssembleInfillPrompt(t *testing.T) {
	s := promptScheduler(newFakeModel(), Config{})
	slot := s.slots[0]
	slot.kind = KindInfill
	slot.prompt = Prompt{Prefix: "func ", Suffix: " end"}
	s.assemblePrompt(slot)

	// leading space on the suffix is dropped; the fake model has no
	// infill marker tokens
	want := append(tokensOf("func "), tokensOf("end")...)
	if diff := cmp.Diff(want, slot.promptTokens); diff != "" {
		t.Fatalf("infill tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleRerankPrompt(t *testing.T) {
	s := promptScheduler(newFakeModel(), Config{})
	slot := s.slots[0]
	slot.kind = KindRerank
	slot.prompt = Prompt{Query: "q", Document: "d"}
	s.assemblePrompt(slot)

	want := []llm.Token{fakeBOS}
	want = append(want, tokensOf("q")...)
	want = append(want, fakeEOS, fakeSEP)
	want = append(want, tokensOf("d")...)
	want = append(want, fakeEOS)
	if diff := cmp.Diff(want, slot.promptTokens); diff != "" {
		t.Fatalf("rerank tokens mismatch (-want +got):\n%s", diff)
	}
}
