//go:build !llama

package llm

// This file provides a no-CGO stub for the runtime loader. It is
// compiled when the 'llama' build tag is NOT set, keeping default
// builds and CI CGO-free. A real loader registers itself behind the
// 'llama' build tag.

// Open loads a model and creates its shared context. Fail fast without
// the runtime; no mocked inference in production binaries.
func Open(path string, opts OpenOptions) (Model, Context, error) {
	return nil, nil, ErrRuntimeUnavailable
}

// OpenDraft loads a draft model for speculative decoding.
func OpenDraft(path string, opts OpenOptions) (Speculator, error) {
	return nil, ErrRuntimeUnavailable
}
