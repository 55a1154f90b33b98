package scheduler

import (
	"os"
	"sync"

	"slotd/internal/llm"
)

// Test doubles for the llm boundary. The fake tokenizer maps one rune
// to one token so prompt lengths are predictable; the fake sampler
// replays a scripted token sequence.

const (
	fakeEOG llm.Token = 0x110000 + iota
	fakeBOS
	fakeEOS
	fakeSEP
)

type fakeModel struct {
	mu     sync.Mutex
	script []llm.Token
	addBOS bool

	nCtxTrain  int
	hasEncoder bool
}

func newFakeModel(script ...llm.Token) *fakeModel {
	return &fakeModel{script: script, nCtxTrain: 1 << 20}
}

func tokensOf(s string) []llm.Token {
	var out []llm.Token
	for _, r := range s {
		out = append(out, llm.Token(r))
	}
	return out
}

func (m *fakeModel) setScript(script []llm.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append([]llm.Token(nil), script...)
}

func (m *fakeModel) Tokenize(text string, addSpecial, parseSpecial bool) []llm.Token {
	toks := tokensOf(text)
	if addSpecial && m.addBOS {
		toks = append([]llm.Token{fakeBOS}, toks...)
	}
	return toks
}

func (m *fakeModel) TokenToPiece(tok llm.Token) string {
	if tok >= fakeEOG {
		return ""
	}
	return string(rune(tok))
}

func (m *fakeModel) IsEOG(tok llm.Token) bool { return tok == fakeEOG }
func (m *fakeModel) AddBOSToken() bool        { return m.addBOS }
func (m *fakeModel) BOS() llm.Token           { return fakeBOS }
func (m *fakeModel) EOS() llm.Token           { return fakeEOS }
func (m *fakeModel) SEP() llm.Token           { return fakeSEP }
func (m *fakeModel) InfillPrefix() llm.Token  { return llm.TokenNone }
func (m *fakeModel) InfillSuffix() llm.Token  { return llm.TokenNone }
func (m *fakeModel) InfillMiddle() llm.Token  { return llm.TokenNone }
func (m *fakeModel) NCtxTrain() int           { return m.nCtxTrain }
func (m *fakeModel) HasEncoder() bool         { return m.hasEncoder }
func (m *fakeModel) NEmbd() int               { return 2 }
func (m *fakeModel) Desc() string             { return "fake model" }
func (m *fakeModel) ChatTemplate() string     { return "" }

func (m *fakeModel) ApplyChatTemplate(messages []llm.ChatMessage) (string, error) {
	var out string
	for _, msg := range messages {
		out += msg.Role + ": " + msg.Content + "\n"
	}
	return out, nil
}

func (m *fakeModel) NewSampler(params llm.SamplerParams) (llm.Sampler, error) {
	if params.Grammar == "bad grammar" {
		return nil, ErrInvalidRequest("failed to parse grammar")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &fakeSampler{tokens: append([]llm.Token(nil), m.script...)}, nil
}

func (m *fakeModel) SchemaToGrammar(schema []byte) (string, error) {
	if string(schema) == `{"bad":true}` {
		return "", ErrInvalidRequest("unsupported schema")
	}
	return "root ::= value", nil
}

type fakeSampler struct {
	tokens   []llm.Token
	accepted []llm.Token
}

func (s *fakeSampler) Sample(ctx llm.Context, iBatch int) llm.Token {
	if len(s.tokens) == 0 {
		return fakeEOG
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok
}

func (s *fakeSampler) Accept(tok llm.Token, acceptGrammar bool) {
	s.accepted = append(s.accepted, tok)
}

func (s *fakeSampler) SampleAndAcceptN(ctx llm.Context, draft []llm.Token) []llm.Token {
	var out []llm.Token
	for _, d := range draft {
		if len(s.tokens) == 0 || s.tokens[0] != d {
			break
		}
		out = append(out, d)
		s.tokens = s.tokens[1:]
	}
	// one corrective sample past the accepted prefix
	if len(s.tokens) == 0 {
		out = append(out, fakeEOG)
	} else {
		out = append(out, s.tokens[0])
		s.tokens = s.tokens[1:]
	}
	for _, tok := range out {
		s.accepted = append(s.accepted, tok)
	}
	return out
}

func (s *fakeSampler) Probs(n int) []llm.TokenProb { return nil }
func (s *fakeSampler) Reset()                      { s.accepted = nil }

// fakeContext tracks per-sequence KV positions so the tests can assert
// cache-consistency invariants.
type fakeContext struct {
	nCtx    int
	seqs    map[int32][]int32 // positions present per sequence
	decoded int
	embd    []float32

	// failures to inject: return DecodeNoSpace this many times
	noSpace int
}

func newFakeContext(nCtx int) *fakeContext {
	return &fakeContext{nCtx: nCtx, seqs: map[int32][]int32{}, embd: []float32{3, 4}}
}

func (c *fakeContext) Decode(b *llm.Batch) int {
	if c.noSpace > 0 {
		c.noSpace--
		return llm.DecodeNoSpace
	}
	c.decoded++
	for i := range b.Tokens {
		c.seqs[b.Seq[i]] = append(c.seqs[b.Seq[i]], b.Pos[i])
	}
	return llm.DecodeOK
}

func (c *fakeContext) SetEmbeddings(on bool)            {}
func (c *fakeContext) Embeddings(seq int32) []float32   { return c.embd }
func (c *fakeContext) EmbeddingsIth(i int) []float32    { return c.embd }
func (c *fakeContext) NCtx() int                        { return c.nCtx }

func (c *fakeContext) KvSeqRm(seq, p0, p1 int32) bool {
	if p1 < 0 {
		p1 = 1 << 30
	}
	if p0 < 0 {
		p0 = 0
	}
	kept := c.seqs[seq][:0]
	for _, p := range c.seqs[seq] {
		if p < p0 || p >= p1 {
			kept = append(kept, p)
		}
	}
	c.seqs[seq] = kept
	return true
}

func (c *fakeContext) KvSeqAdd(seq, p0, p1, delta int32) {
	for i, p := range c.seqs[seq] {
		if p >= p0 && p < p1 {
			c.seqs[seq][i] = p + delta
		}
	}
}

func (c *fakeContext) KvSeqDiv(seq, p0, p1, d int32) {
	for i, p := range c.seqs[seq] {
		if p >= p0 && p < p1 {
			c.seqs[seq][i] = p / d
		}
	}
}

func (c *fakeContext) KvSeqCp(src, dst, p0, p1 int32) {
	if p1 < 0 {
		p1 = 1 << 30
	}
	for _, p := range c.seqs[src] {
		if p >= p0 && p < p1 {
			c.seqs[dst] = append(c.seqs[dst], p)
		}
	}
}

func (c *fakeContext) KvClear() { c.seqs = map[int32][]int32{} }

func (c *fakeContext) KvUsedCells() int {
	n := 0
	for _, s := range c.seqs {
		n += len(s)
	}
	return n
}

func (c *fakeContext) SaveSeq(seq int32, path string, tokens []llm.Token) (uint64, error) {
	b := make([]byte, 0, len(tokens)*4)
	for _, t := range tokens {
		b = append(b, byte(t), byte(t>>8), byte(t>>16), byte(t>>24))
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

func (c *fakeContext) LoadSeq(seq int32, path string) ([]llm.Token, uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	tokens := make([]llm.Token, 0, len(b)/4)
	for i := 0; i+3 < len(b); i += 4 {
		tokens = append(tokens, llm.Token(uint32(b[i])|uint32(b[i+1])<<8|uint32(b[i+2])<<16|uint32(b[i+3])<<24))
	}
	return tokens, uint64(len(b)), nil
}

// fakeSpeculator drafts from a fixed continuation list, matching
// whatever the target sampler would emit.
type fakeSpeculator struct {
	draft []llm.Token
	nCtx  int
}

func (f *fakeSpeculator) NCtx() int { return f.nCtx }

func (f *fakeSpeculator) GenDraft(p llm.SpecParams, prompt []llm.Token, last llm.Token) []llm.Token {
	n := p.NDraft
	if n > len(f.draft) {
		n = len(f.draft)
	}
	return append([]llm.Token(nil), f.draft[:n]...)
}
