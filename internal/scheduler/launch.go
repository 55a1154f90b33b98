package scheduler

import (
	"encoding/json"
	"math"

	"slotd/internal/llm"
	"slotd/pkg/types"
)

// Sampler defaults, applied when neither the request nor the server
// config overrides a field.
const (
	defaultTemp         = 0.80
	defaultTopK         = 40
	defaultTopP         = 0.95
	defaultMinP         = 0.05
	defaultTypicalP     = 1.00
	defaultPenaltyLastN = 64
	defaultPenaltyRep   = 1.00
	defaultMirostatTau  = 5.00
	defaultMirostatEta  = 0.10
	defaultDynatempExp  = 1.00
)

func pickF(req, def *float32, fallback float32) float32 {
	if req != nil {
		return *req
	}
	if def != nil {
		return *def
	}
	return fallback
}

func pickI(req, def *int, fallback int) int {
	if req != nil {
		return *req
	}
	if def != nil {
		return *def
	}
	return fallback
}

// launch binds a completion task to the slot: merges parameters,
// compiles the grammar, builds the sampler and enters
// PROCESSING_PROMPT. The slot is left idle on error.
func (s *Scheduler) launch(slot *Slot, t *Task) (err error) {
	slot.reset()
	defer func() {
		if err != nil {
			slot.reset()
		}
	}()

	req := t.Params
	def := s.cfg.Defaults

	slot.idTask = t.ID
	slot.kind = t.Kind
	slot.index = t.Index
	slot.prompt = t.Prompt

	slot.params.stream = req.Stream
	slot.params.cachePrompt = req.CachePrompt
	slot.params.nPredict = req.NPredict
	if slot.params.nPredict == 0 {
		slot.params.nPredict = def.NPredict
	}
	if slot.params.nPredict == 0 {
		slot.params.nPredict = -1
	}
	slot.params.nKeep = req.NKeep
	if slot.params.nKeep == 0 {
		slot.params.nKeep = def.NKeep
	}
	slot.params.nDiscard = req.NDiscard
	slot.params.stop = req.Stop
	if len(slot.params.stop) == 0 {
		slot.params.stop = def.Stop
	}
	slot.params.nProbs = req.NProbs
	slot.params.spec = types.SpeculativeParams{
		NMin: s.cfg.Speculative.NMin,
		NMax: s.cfg.Speculative.NMax,
		PMin: s.cfg.Speculative.PMin,
	}
	if req.Speculative != nil {
		if req.Speculative.NMin > 0 {
			slot.params.spec.NMin = req.Speculative.NMin
		}
		if req.Speculative.NMax > 0 {
			slot.params.spec.NMax = req.Speculative.NMax
		}
		if req.Speculative.PMin > 0 {
			slot.params.spec.PMin = req.Speculative.PMin
		}
	}
	if slot.params.spec.NMin > slot.params.spec.NMax {
		slot.params.spec.NMin = slot.params.spec.NMax
	}

	// Clamp to the server bound.
	if s.cfg.NPredict > 0 && (slot.params.nPredict < 0 || slot.params.nPredict > s.cfg.NPredict) {
		slot.params.nPredict = s.cfg.NPredict
	}

	// Prompt caching cannot survive the group-attention position
	// remap.
	if slot.gaN != 1 {
		slot.params.cachePrompt = false
	}

	grammar := req.Grammar
	if len(req.JSONSchema) > 0 {
		if grammar != "" {
			return ErrInvalidRequest("either \"json_schema\" or \"grammar\" can be specified, but not both")
		}
		g, err := s.grammarForSchema(req.JSONSchema)
		if err != nil {
			return ErrInvalidRequest("invalid json_schema: %v", err)
		}
		grammar = g
	}

	sp := llm.SamplerParams{
		Temp:           pickF(req.Temperature, def.Temperature, defaultTemp),
		DynatempRange:  pickF(req.DynatempRange, def.DynatempRange, 0),
		DynatempExp:    pickF(req.DynatempExp, def.DynatempExp, defaultDynatempExp),
		TopK:           pickI(req.TopK, def.TopK, defaultTopK),
		TopP:           pickF(req.TopP, def.TopP, defaultTopP),
		MinP:           pickF(req.MinP, def.MinP, defaultMinP),
		TypicalP:       pickF(req.TypicalP, def.TypicalP, defaultTypicalP),
		MinKeep:        pickI(req.MinKeep, def.MinKeep, 0),
		PenaltyLastN:   pickI(req.RepeatLastN, def.RepeatLastN, defaultPenaltyLastN),
		PenaltyRepeat:  pickF(req.RepeatPenalty, def.RepeatPenalty, defaultPenaltyRep),
		PenaltyFreq:    pickF(req.FrequencyPenalty, def.FrequencyPenalty, 0),
		PenaltyPresent: pickF(req.PresencePenalty, def.PresencePenalty, 0),
		Mirostat:       pickI(req.Mirostat, def.Mirostat, 0),
		MirostatTau:    pickF(req.MirostatTau, def.MirostatTau, defaultMirostatTau),
		MirostatEta:    pickF(req.MirostatEta, def.MirostatEta, defaultMirostatEta),
		Grammar:        grammar,
		Samplers:       req.Samplers,
		NProbs:         req.NProbs,
		IgnoreEOS:      req.IgnoreEOS,
	}
	if req.PenalizeNL != nil {
		sp.PenalizeNL = *req.PenalizeNL
	}
	if req.Seed != 0 {
		sp.Seed = uint32(req.Seed)
	}
	if bias, err := parseLogitBias(req.LogitBias); err != nil {
		return ErrInvalidRequest("invalid logit_bias: %v", err)
	} else {
		sp.LogitBias = bias
	}

	smpl, err := s.model.NewSampler(sp)
	if err != nil {
		return ErrInvalidRequest("failed to parse grammar: %v", err)
	}

	slot.sparams = sp
	slot.smpl = smpl
	slot.hasNextToken = true
	slot.idTask = t.ID
	slot.state = SlotProcessingPrompt
	s.log.Info().Int("id_slot", slot.id).Int("id_task", t.ID).Msg("processing task")
	return nil
}

// grammarForSchema compiles a JSON schema to a grammar, memoized so
// repeated structured-output requests skip recompilation.
func (s *Scheduler) grammarForSchema(schema json.RawMessage) (string, error) {
	key := string(schema)
	if g, ok := s.grammarCache.Get(key); ok {
		return g, nil
	}
	g, err := s.model.SchemaToGrammar(schema)
	if err != nil {
		return "", err
	}
	s.grammarCache.Add(key, g)
	return g, nil
}

// parseLogitBias decodes [[id, bias], [id, false], ...]. A false bias
// bans the token.
func parseLogitBias(entries []json.RawMessage) (map[llm.Token]float32, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[llm.Token]float32, len(entries))
	for _, raw := range entries {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			continue
		}
		var id int32
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return nil, err
		}
		var bias float32
		if err := json.Unmarshal(pair[1], &bias); err == nil {
			out[llm.Token(id)] = bias
			continue
		}
		var ban bool
		if err := json.Unmarshal(pair[1], &ban); err != nil {
			return nil, err
		}
		if !ban {
			out[llm.Token(id)] = float32(math.Inf(-1))
		}
	}
	return out, nil
}
