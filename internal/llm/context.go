package llm

// Decode return codes, mirroring the runtime: 0 success, >0 no KV space
// for the batch (retry with a smaller batch), <0 fatal.
const (
	DecodeOK      = 0
	DecodeNoSpace = 1
)

// Context is the handle on the shared KV cache and forward pass. The
// scheduler goroutine is its sole user; positions and sequence ids
// never leak to other goroutines.
type Context interface {
	// Decode runs one forward pass over b.
	Decode(b *Batch) int

	// SetEmbeddings switches the context between decoding and
	// embedding extraction mode.
	SetEmbeddings(on bool)

	// Embeddings returns the pooled embedding for a sequence, or nil.
	Embeddings(seq int32) []float32

	// EmbeddingsIth returns the embedding at batch output index i.
	EmbeddingsIth(i int) []float32

	// NCtx is the total KV capacity in tokens across all sequences.
	NCtx() int

	// KvSeqRm evicts positions [p0, p1) of seq; p1 < 0 means to the
	// end. Returns false when the runtime cannot partially erase.
	KvSeqRm(seq, p0, p1 int32) bool

	// KvSeqAdd shifts positions [p0, p1) of seq by delta.
	KvSeqAdd(seq, p0, p1, delta int32)

	// KvSeqDiv divides positions [p0, p1) of seq by d.
	KvSeqDiv(seq, p0, p1, d int32)

	// KvSeqCp copies positions [p0, p1) from src to dst.
	KvSeqCp(src, dst, p0, p1 int32)

	// KvClear evicts everything.
	KvClear()

	// KvUsedCells reports occupied KV cells, for metrics.
	KvUsedCells() int

	// SaveSeq serializes a sequence's KV state plus its token list to
	// path. Returns bytes written.
	SaveSeq(seq int32, path string, tokens []Token) (uint64, error)

	// LoadSeq restores a sequence saved with SaveSeq. Returns the
	// token list and bytes read; 0 bytes read means the file was
	// invalid or there was no KV space.
	LoadSeq(seq int32, path string) ([]Token, uint64, error)
}
