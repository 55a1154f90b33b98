package llm

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string
	Content string
}

// Model exposes the tokenizer, vocabulary metadata and sampler factory
// of a loaded model.
type Model interface {
	// Tokenize converts text to tokens. addSpecial prepends BOS when the
	// model wants one; parseSpecial recognizes special-token text.
	Tokenize(text string, addSpecial, parseSpecial bool) []Token

	// TokenToPiece renders one token as its UTF-8 fragment. Fragments
	// may split multibyte characters across token boundaries.
	TokenToPiece(tok Token) string

	// IsEOG reports whether tok is an end-of-generation token.
	IsEOG(tok Token) bool

	// AddBOSToken reports whether the model expects a leading BOS.
	AddBOSToken() bool

	BOS() Token
	EOS() Token
	SEP() Token

	// Infill markers; TokenNone when the model has none.
	InfillPrefix() Token
	InfillSuffix() Token
	InfillMiddle() Token

	// NCtxTrain is the context length the model was trained with.
	NCtxTrain() int

	// HasEncoder reports an encoder-decoder architecture. Such models
	// stream differently and the EOG stop check does not apply.
	HasEncoder() bool

	// NEmbd is the embedding width.
	NEmbd() int

	// Desc is a short human-readable model description.
	Desc() string

	// ChatTemplate returns the template stored in model metadata, or "".
	ChatTemplate() string

	// ApplyChatTemplate renders messages into a single prompt string,
	// appending the assistant generation prefix.
	ApplyChatTemplate(messages []ChatMessage) (string, error)

	// NewSampler builds a sampler chain from params. Fails on an
	// invalid grammar.
	NewSampler(params SamplerParams) (Sampler, error)

	// SchemaToGrammar converts a JSON schema document to a grammar.
	SchemaToGrammar(schema []byte) (string, error)
}

// SamplerParams is the merged sampling configuration for one request.
type SamplerParams struct {
	Seed          uint32
	Temp          float32
	DynatempRange float32
	DynatempExp   float32
	TopK          int
	TopP          float32
	MinP          float32
	TypicalP      float32
	MinKeep       int

	PenaltyLastN   int
	PenaltyRepeat  float32
	PenaltyFreq    float32
	PenaltyPresent float32
	PenalizeNL     bool

	Mirostat    int
	MirostatTau float32
	MirostatEta float32

	Grammar    string
	LogitBias  map[Token]float32
	Samplers   []string
	NProbs     int
	IgnoreEOS  bool
}

// TokenProb pairs a token with its sampling probability.
type TokenProb struct {
	Tok  Token
	Prob float32
}

// Sampler owns the per-request sampling state: penalties, grammar,
// RNG. Mutated only by the scheduler goroutine.
type Sampler interface {
	// Sample picks a token from the logits at batch index iBatch.
	Sample(ctx Context, iBatch int) Token

	// Accept feeds a token back into the sampler state. acceptGrammar
	// also advances the grammar automaton.
	Accept(tok Token, acceptGrammar bool)

	// SampleAndAcceptN verifies a draft against the target logits and
	// returns the accepted prefix plus one corrective token. The last
	// returned token has been sampled but is re-owned by the caller.
	SampleAndAcceptN(ctx Context, draft []Token) []Token

	// Probs returns the top-n candidate probabilities from the last
	// Sample call.
	Probs(n int) []TokenProb

	Reset()
}

// SpecParams tunes one draft-generation call.
type SpecParams struct {
	NDraft int
	NReuse int
	PMin   float32
}

// Speculator wraps a draft model used for speculative decoding.
type Speculator interface {
	// NCtx is the draft context size.
	NCtx() int

	// GenDraft proposes up to NDraft continuation tokens for prompt
	// followed by last.
	GenDraft(p SpecParams, prompt []Token, last Token) []Token
}
