package types

import "encoding/json"

// CompletionRequest is the body of POST /completion and /v1/completions.
// Prompt may be a string, an array of strings or an array of token ids;
// an array of strings fans out into one task per element, a token array
// is a single pre-tokenized prompt.
type CompletionRequest struct {
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Stream bool            `json:"stream,omitempty"`

	// Generation bounds.
	NPredict int `json:"n_predict,omitempty"`
	NKeep    int `json:"n_keep,omitempty"`
	NDiscard int `json:"n_discard,omitempty"`

	// Sampling.
	Seed             int64    `json:"seed,omitempty"`
	Temperature      *float32 `json:"temperature,omitempty"`
	DynatempRange    *float32 `json:"dynatemp_range,omitempty"`
	DynatempExp      *float32 `json:"dynatemp_exponent,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	MinP             *float32 `json:"min_p,omitempty"`
	TypicalP         *float32 `json:"typical_p,omitempty"`
	MinKeep          *int     `json:"min_keep,omitempty"`
	RepeatLastN      *int     `json:"repeat_last_n,omitempty"`
	RepeatPenalty    *float32 `json:"repeat_penalty,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	PenalizeNL       *bool    `json:"penalize_nl,omitempty"`
	Mirostat         *int     `json:"mirostat,omitempty"`
	MirostatTau      *float32 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float32 `json:"mirostat_eta,omitempty"`
	Samplers         []string `json:"samplers,omitempty"`
	NProbs           int      `json:"n_probs,omitempty"`
	IgnoreEOS        bool     `json:"ignore_eos,omitempty"`

	// Constrained generation. Mutually exclusive.
	Grammar    string          `json:"grammar,omitempty"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`

	// LogitBias entries are [token_id, bias] or [token_id, false].
	LogitBias []json.RawMessage `json:"logit_bias,omitempty"`

	// Stop strings (antiprompts).
	Stop []string `json:"stop,omitempty"`

	// Slot and cache control.
	IDSlot      *int `json:"id_slot,omitempty"`
	CachePrompt bool `json:"cache_prompt,omitempty"`

	// Infill fields (POST /infill).
	InputPrefix string `json:"input_prefix,omitempty"`
	InputSuffix string `json:"input_suffix,omitempty"`

	// Speculative overrides.
	Speculative *SpeculativeParams `json:"speculative,omitempty"`
}

// SpeculativeParams are the per-request speculative decoding knobs.
type SpeculativeParams struct {
	NMin int     `json:"n_min,omitempty"`
	NMax int     `json:"n_max,omitempty"`
	PMin float32 `json:"p_min,omitempty"`
}

// TokenProb is one candidate token with its probability.
type TokenProb struct {
	ID    int     `json:"id"`
	Piece string  `json:"piece"`
	Prob  float32 `json:"prob"`
}

// Timings reports per-request throughput, included in final responses.
type Timings struct {
	PromptN             int     `json:"prompt_n"`
	PromptMS            float64 `json:"prompt_ms"`
	PromptPerTokenMS    float64 `json:"prompt_per_token_ms"`
	PromptPerSecond     float64 `json:"prompt_per_second"`
	PredictedN          int     `json:"predicted_n"`
	PredictedMS         float64 `json:"predicted_ms"`
	PredictedPerTokenMS float64 `json:"predicted_per_token_ms"`
	PredictedPerSecond  float64 `json:"predicted_per_second"`
}

// CompletionChunk is one streamed (or the unary final) completion
// payload.
type CompletionChunk struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
	IDSlot  int    `json:"id_slot"`
	Stop    bool   `json:"stop"`

	Model           string      `json:"model,omitempty"`
	TokensPredicted int         `json:"tokens_predicted,omitempty"`
	TokensEvaluated int         `json:"tokens_evaluated,omitempty"`
	TokensCached    int         `json:"tokens_cached,omitempty"`
	Truncated       bool        `json:"truncated,omitempty"`
	StoppedEOS      bool        `json:"stopped_eos,omitempty"`
	StoppedWord     bool        `json:"stopped_word,omitempty"`
	StoppedLimit    bool        `json:"stopped_limit,omitempty"`
	StoppingWord    string      `json:"stopping_word,omitempty"`
	Cancelled       bool        `json:"cancelled,omitempty"`
	Probs           []TokenProb `json:"completion_probabilities,omitempty"`
	Timings         *Timings    `json:"timings,omitempty"`
}

// ChatMessage is one OpenAI-schema chat turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
	Stream   bool          `json:"stream,omitempty"`

	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      *float32 `json:"temperature,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	Seed             int64    `json:"seed,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
}

// EmbeddingRequest accepts either OpenAI "input" or native "content".
type EmbeddingRequest struct {
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// EmbeddingData is one OpenAI-shaped embedding entry.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// RerankRequest is the body of POST /v1/rerank.
type RerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// RerankResult scores one document against the query.
type RerankResult struct {
	Index int     `json:"index"`
	Score float32 `json:"relevance_score"`
}

// TokenizeRequest is the body of POST /tokenize.
type TokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special,omitempty"`
	WithPieces bool   `json:"with_pieces,omitempty"`
}

// DetokenizeRequest is the body of POST /detokenize.
type DetokenizeRequest struct {
	Tokens []int32 `json:"tokens"`
}

// CancelRequest is the body of POST /v1/cancel.
type CancelRequest struct {
	TaskID int `json:"task_id"`
}

// SlotAction is the body of POST /slots/{id}?action=save|restore.
type SlotAction struct {
	Filename string `json:"filename"`
}

// LoRAScale sets one adapter's scale via POST /lora-adapters.
type LoRAScale struct {
	ID    int     `json:"id"`
	Scale float32 `json:"scale"`
}

// ErrorBody is the inner error object of every error response.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
