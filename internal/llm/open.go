package llm

import "errors"

// OpenOptions configures model loading.
type OpenOptions struct {
	NCtx       int
	NGPULayers int
	NThreads   int
}

// ErrRuntimeUnavailable is returned when no model runtime is compiled
// into the binary.
var ErrRuntimeUnavailable = errors.New("model runtime not built (missing 'llama' build tag)")
