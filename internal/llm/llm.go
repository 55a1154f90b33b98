// Package llm defines the narrow boundary between the scheduler and the
// model runtime. The scheduler composes batches and drives KV-cache
// sequence operations through these interfaces; the heavy lifting
// (tensor math, tokenizer tables, sampler chains) lives behind them.
package llm

// Token is a vocabulary id.
type Token int32

// TokenNone marks "no token" in metadata lookups (e.g. a model without
// infill markers).
const TokenNone Token = -1

// Batch is a joint forward-pass input assembled from one or more
// sequences. Tokens, Pos, Seq and Logits are parallel slices.
type Batch struct {
	Tokens []Token
	Pos    []int32
	Seq    []int32
	Logits []bool
}

// NewBatch returns a batch with capacity for n tokens.
func NewBatch(n int) *Batch {
	return &Batch{
		Tokens: make([]Token, 0, n),
		Pos:    make([]int32, 0, n),
		Seq:    make([]int32, 0, n),
		Logits: make([]bool, 0, n),
	}
}

// Add appends one token at pos for sequence seq. logits requests output
// logits for this position.
func (b *Batch) Add(tok Token, pos int32, seq int32, logits bool) {
	b.Tokens = append(b.Tokens, tok)
	b.Pos = append(b.Pos, pos)
	b.Seq = append(b.Seq, seq)
	b.Logits = append(b.Logits, logits)
}

// Clear resets the batch without releasing capacity.
func (b *Batch) Clear() {
	b.Tokens = b.Tokens[:0]
	b.Pos = b.Pos[:0]
	b.Seq = b.Seq[:0]
	b.Logits = b.Logits[:0]
}

// Len returns the number of tokens in the batch.
func (b *Batch) Len() int { return len(b.Tokens) }

// View returns a window of n tokens starting at i, sharing storage.
func (b *Batch) View(i, n int) *Batch {
	return &Batch{
		Tokens: b.Tokens[i : i+n],
		Pos:    b.Pos[i : i+n],
		Seq:    b.Seq[i : i+n],
		Logits: b.Logits[i : i+n],
	}
}
