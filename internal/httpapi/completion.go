package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"slotd/internal/llm"
	"slotd/internal/scheduler"
	"slotd/pkg/types"
)

// promptsFromRequest splits the request prompt into per-task inputs.
// A string yields one task; an array of strings fans out; an array of
// integers is treated as a pre-tokenized prompt.
func promptsFromRequest(raw json.RawMessage) ([]scheduler.Prompt, error) {
	if len(raw) == 0 {
		return nil, scheduler.ErrInvalidRequest("prompt is required")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []scheduler.Prompt{{Text: text}}, nil
	}

	var tokens []int32
	if err := json.Unmarshal(raw, &tokens); err == nil {
		toks := make([]llm.Token, len(tokens))
		for i, t := range tokens {
			toks[i] = llm.Token(t)
		}
		return []scheduler.Prompt{{Tokens: toks}}, nil
	}

	var texts []string
	if err := json.Unmarshal(raw, &texts); err == nil {
		if len(texts) == 0 {
			return nil, scheduler.ErrInvalidRequest("prompt array is empty")
		}
		out := make([]scheduler.Prompt, len(texts))
		for i, t := range texts {
			out[i] = scheduler.Prompt{Text: t}
		}
		return out, nil
	}

	return nil, scheduler.ErrInvalidRequest("prompt must be a string, an array of strings or an array of token ids")
}

// postCompletionTasks registers waiters and posts one task per prompt.
// Returns the posted task ids.
func (a *api) postCompletionTasks(req types.CompletionRequest, kind scheduler.CompletionKind, prompts []scheduler.Prompt) []int {
	tasks := make([]*scheduler.Task, len(prompts))
	ids := make([]int, len(prompts))
	for i, p := range prompts {
		id := a.svc.NewTaskID()
		ids[i] = id
		tasks[i] = &scheduler.Task{
			ID:     id,
			Type:   scheduler.TaskCompletion,
			Kind:   kind,
			Index:  i,
			Prompt: p,
			Params: req,
		}
	}
	a.svc.AddWaiters(ids...)
	a.svc.PostAll(tasks)
	return ids
}

// cancelTasks posts a front-of-queue cancel for every id.
func (a *api) cancelTasks(ids []int) {
	for _, id := range ids {
		a.svc.Post(&scheduler.Task{
			ID:       scheduler.IDNone,
			Type:     scheduler.TaskCancel,
			TargetID: id,
		}, true)
	}
}

func (a *api) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if !a.decode(w, r, &req) {
		return
	}
	prompts, err := promptsFromRequest(req.Prompt)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	a.runCompletion(w, r, req, scheduler.KindNormal, prompts)
}

func (a *api) handleInfill(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.InputPrefix == "" && req.InputSuffix == "" {
		writeError(w, http.StatusBadRequest, "input_prefix or input_suffix is required", errTypeInvalidRequest)
		return
	}
	prompts := []scheduler.Prompt{{
		Text:   req.InputPrefix,
		Prefix: req.InputPrefix,
		Suffix: req.InputSuffix,
	}}
	a.runCompletion(w, r, req, scheduler.KindInfill, prompts)
}

// runCompletion drives one or more completion tasks to the client,
// either buffered or as an SSE stream.
func (a *api) runCompletion(w http.ResponseWriter, r *http.Request, req types.CompletionRequest, kind scheduler.CompletionKind, prompts []scheduler.Prompt) {
	lvl := requestLogLevel(r)
	start := time.Now()
	ids := a.postCompletionTasks(req, kind, prompts)
	defer a.svc.RemoveWaiters(ids...)
	if lvl >= LevelInfo && zlog != nil {
		z := zlog.Info().Str("path", r.URL.Path).Ints("id_tasks", ids).Bool("stream", req.Stream)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("completion start")
	}
	defer func() {
		if lvl >= LevelInfo && zlog != nil {
			zlog.Info().Str("path", r.URL.Path).Dur("dur", time.Since(start)).Msg("completion end")
		}
	}()

	if req.Stream {
		a.streamResults(w, r, ids, func(sse *sseWriter, res *scheduler.Result) error {
			return sse.Send(res.Data)
		}, nil)
		return
	}

	chunks, err := a.collectResults(r, ids)
	if err != nil {
		a.cancelTasks(ids)
		writeSchedulerError(w, err)
		return
	}
	if len(chunks) == 1 {
		writeJSON(w, chunks[0])
		return
	}
	writeJSON(w, map[string]any{"results": chunks})
}

// collectResults waits for a stop result per task id and returns the
// final chunks ordered by prompt index.
func (a *api) collectResults(r *http.Request, ids []int) ([]*types.CompletionChunk, error) {
	var chunks []*types.CompletionChunk
	remaining := len(ids)
	for remaining > 0 {
		res, err := a.svc.Recv(r.Context(), ids...)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return nil, res.Err
		}
		if !res.Stop {
			continue
		}
		remaining--
		if c, ok := res.Data.(*types.CompletionChunk); ok {
			chunks = append(chunks, c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// streamResults forwards every result as an SSE event until all tasks
// emit their stop result. A client disconnect cancels the tasks. The
// optional finish hook runs after the last event (e.g. an OpenAI
// [DONE] marker).
func (a *api) streamResults(w http.ResponseWriter, r *http.Request, ids []int, send func(*sseWriter, *scheduler.Result) error, finish func(*sseWriter)) {
	sse := newSSEWriter(w)
	remaining := len(ids)
	for remaining > 0 {
		res, err := a.svc.Recv(r.Context(), ids...)
		if err != nil {
			// client went away or the server is shutting down
			a.cancelTasks(ids)
			return
		}
		if res.Err != nil {
			status, typ := mapError(res.Err)
			_ = sse.Send(types.ErrorResponse{Error: types.ErrorBody{
				Code:    status,
				Message: res.Err.Error(),
				Type:    typ,
			}})
			a.cancelTasks(ids)
			return
		}
		if err := send(sse, res); err != nil {
			a.cancelTasks(ids)
			return
		}
		if res.Stop {
			remaining--
		}
	}
	if finish != nil {
		finish(sse)
	}
}

func (a *api) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if !a.svc.Config().Embedding {
		writeError(w, http.StatusNotImplemented, "server is not started in embedding mode", errTypeNotSupported)
		return
	}
	var req types.EmbeddingRequest
	if !a.decode(w, r, &req) {
		return
	}
	raw := req.Input
	if len(raw) == 0 {
		raw = req.Content
	}
	prompts, err := promptsFromRequest(raw)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}

	ids := a.postCompletionTasks(types.CompletionRequest{CachePrompt: false}, scheduler.KindEmbedding, prompts)
	defer a.svc.RemoveWaiters(ids...)

	embeddings := make([][]float32, len(ids))
	remaining := len(ids)
	for remaining > 0 {
		res, err := a.svc.Recv(r.Context(), ids...)
		if err != nil {
			a.cancelTasks(ids)
			writeSchedulerError(w, err)
			return
		}
		if res.Err != nil {
			a.cancelTasks(ids)
			writeSchedulerError(w, res.Err)
			return
		}
		if !res.Stop {
			continue
		}
		remaining--
		if e, ok := res.Data.(*scheduler.EmbeddingResult); ok {
			embeddings[e.Index] = e.Embedding
		}
	}

	if strings.HasPrefix(r.URL.Path, "/v1/") {
		data := make([]types.EmbeddingData, len(embeddings))
		for i, e := range embeddings {
			data[i] = types.EmbeddingData{Object: "embedding", Index: i, Embedding: e}
		}
		writeJSON(w, map[string]any{
			"object": "list",
			"model":  a.svc.Config().ModelAlias,
			"data":   data,
		})
		return
	}
	if len(embeddings) == 1 {
		writeJSON(w, map[string]any{"embedding": embeddings[0]})
		return
	}
	writeJSON(w, map[string]any{"embeddings": embeddings})
}

func (a *api) handleRerank(w http.ResponseWriter, r *http.Request) {
	if !a.svc.Config().Reranking {
		writeError(w, http.StatusNotImplemented, "server is not started in reranking mode", errTypeNotSupported)
		return
	}
	var req types.RerankRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Query == "" || len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "query and documents are required", errTypeInvalidRequest)
		return
	}

	prompts := make([]scheduler.Prompt, len(req.Documents))
	for i, doc := range req.Documents {
		prompts[i] = scheduler.Prompt{Query: req.Query, Document: doc}
	}
	ids := a.postCompletionTasks(types.CompletionRequest{}, scheduler.KindRerank, prompts)
	defer a.svc.RemoveWaiters(ids...)

	results := make([]types.RerankResult, len(ids))
	remaining := len(ids)
	for remaining > 0 {
		res, err := a.svc.Recv(r.Context(), ids...)
		if err != nil {
			a.cancelTasks(ids)
			writeSchedulerError(w, err)
			return
		}
		if res.Err != nil {
			a.cancelTasks(ids)
			writeSchedulerError(w, res.Err)
			return
		}
		if !res.Stop {
			continue
		}
		remaining--
		if rr, ok := res.Data.(*scheduler.RerankResult); ok {
			results[rr.Index] = types.RerankResult{Index: rr.Index, Score: rr.Score}
		}
	}

	writeJSON(w, map[string]any{
		"model":   a.svc.Config().ModelAlias,
		"object":  "list",
		"results": results,
	})
}
