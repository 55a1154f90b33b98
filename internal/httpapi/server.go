package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotd/internal/llm"
	"slotd/internal/scheduler"
	"slotd/pkg/types"
)

// Service defines what the HTTP layer needs from the inference engine.
type Service interface {
	NewTaskID() int
	Post(t *scheduler.Task, front bool) int
	PostAll(ts []*scheduler.Task)
	AddWaiters(ids ...int)
	RemoveWaiters(ids ...int)
	Recv(ctx context.Context, ids ...int) (*scheduler.Result, error)
	Model() llm.Model
	Config() scheduler.Config
	LoRA() []types.LoRAScale
	SystemPromptText() string
	DefaultGenerationSettings() scheduler.SlotStatus
	Ready() bool
}

// Options tunes the HTTP surface.
type Options struct {
	APIKeys      []string
	CORSEnabled  bool
	CORSOrigins  []string
	MaxBodyBytes int64
}

type api struct {
	svc  Service
	opts Options
}

// NewMux builds the router with all endpoints registered.
func NewMux(svc Service, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}
	a := &api{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if opts.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(AuthMiddleware(opts.APIKeys))

	r.Get("/health", a.handleHealth)
	r.Get("/props", a.handleProps)
	r.Get("/v1/models", a.handleModels)
	r.Get("/models", a.handleModels)
	r.Get("/metrics", a.handleMetrics)
	r.Post("/metrics", a.handleMetrics)

	r.Post("/completion", a.handleCompletion)
	r.Post("/completions", a.handleCompletion)
	r.Post("/v1/completions", a.handleCompletion)
	r.Post("/chat/completions", a.handleChatCompletion)
	r.Post("/v1/chat/completions", a.handleChatCompletion)
	r.Post("/infill", a.handleInfill)

	r.Post("/embedding", a.handleEmbeddings)
	r.Post("/embeddings", a.handleEmbeddings)
	r.Post("/v1/embeddings", a.handleEmbeddings)
	r.Post("/rerank", a.handleRerank)
	r.Post("/reranking", a.handleRerank)
	r.Post("/v1/rerank", a.handleRerank)
	r.Post("/v1/reranking", a.handleRerank)

	r.Post("/tokenize", a.handleTokenize)
	r.Post("/detokenize", a.handleDetokenize)

	r.Get("/slots", a.handleSlots)
	r.Post("/slots/{id}", a.handleSlotAction)

	r.Get("/lora-adapters", a.handleLoRAList)
	r.Post("/lora-adapters", a.handleLoRAApply)

	r.Post("/v1/cancel", a.handleCancel)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response", errTypeServer)
	}
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", errTypeInvalidRequest)
		return false
	}
	return true
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !a.svc.Ready() {
		writeError(w, http.StatusServiceUnavailable, "loading model", errTypeUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *api) handleProps(w http.ResponseWriter, r *http.Request) {
	cfg := a.svc.Config()
	writeJSON(w, map[string]any{
		"system_prompt":               a.svc.SystemPromptText(),
		"default_generation_settings": a.svc.DefaultGenerationSettings(),
		"total_slots":                 cfg.NSlots,
		"chat_template":               a.svc.Model().ChatTemplate(),
	})
}

func (a *api) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := a.svc.Config()
	writeJSON(w, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       cfg.ModelAlias,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "slotd",
			"meta": map[string]any{
				"n_ctx_train": a.svc.Model().NCtxTrain(),
				"n_embd":      a.svc.Model().NEmbd(),
				"description": a.svc.Model().Desc(),
			},
		}},
	})
}

// handleMetrics asks the scheduler for a coherent snapshot, publishes
// the gauges and serves the Prometheus registry.
func (a *api) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := a.metricsSnapshot(r)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	snap.Publish()
	promhttp.Handler().ServeHTTP(w, r)
}

func (a *api) metricsSnapshot(r *http.Request) (*scheduler.MetricsSnapshot, error) {
	id := a.svc.NewTaskID()
	a.svc.AddWaiters(id)
	defer a.svc.RemoveWaiters(id)
	a.svc.Post(&scheduler.Task{
		ID:          id,
		Type:        scheduler.TaskMetrics,
		ResetBucket: r.Method == http.MethodPost && r.URL.Query().Get("reset") == "true",
	}, true)

	res, err := a.svc.Recv(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	snap, ok := res.Data.(*scheduler.MetricsSnapshot)
	if !ok {
		return nil, scheduler.ErrUnavailable("unexpected metrics payload")
	}
	return snap, nil
}

func (a *api) handleSlots(w http.ResponseWriter, r *http.Request) {
	snap, err := a.metricsSnapshot(r)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, snap.Slots)
}

func (a *api) handleSlotAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot id", errTypeInvalidRequest)
		return
	}

	var taskType scheduler.TaskType
	action := r.URL.Query().Get("action")
	switch action {
	case "save":
		taskType = scheduler.TaskSlotSave
	case "restore":
		taskType = scheduler.TaskSlotRestore
	case "erase":
		taskType = scheduler.TaskSlotErase
	default:
		writeError(w, http.StatusBadRequest, "invalid action: "+action, errTypeInvalidRequest)
		return
	}

	t := &scheduler.Task{ID: a.svc.NewTaskID(), Type: taskType, SlotID: id}
	if taskType != scheduler.TaskSlotErase {
		if a.svc.Config().SlotSavePath == "" {
			writeError(w, http.StatusNotImplemented, "slot save is not enabled (set slot_save_path)", errTypeNotSupported)
			return
		}
		var body types.SlotAction
		if !a.decode(w, r, &body) {
			return
		}
		if body.Filename == "" {
			writeError(w, http.StatusBadRequest, "filename is required", errTypeInvalidRequest)
			return
		}
		t.Filename = body.Filename
	}

	a.svc.AddWaiters(t.ID)
	defer a.svc.RemoveWaiters(t.ID)
	a.svc.Post(t, false)

	res, err := a.svc.Recv(r.Context(), t.ID)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	if res.Err != nil {
		writeSchedulerError(w, res.Err)
		return
	}
	writeJSON(w, res.Data)
}

func (a *api) handleLoRAList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.svc.LoRA())
}

func (a *api) handleLoRAApply(w http.ResponseWriter, r *http.Request) {
	var scales []types.LoRAScale
	if !a.decode(w, r, &scales) {
		return
	}
	t := &scheduler.Task{ID: a.svc.NewTaskID(), Type: scheduler.TaskSetLoRA, LoRA: scales}
	a.svc.AddWaiters(t.ID)
	defer a.svc.RemoveWaiters(t.ID)
	a.svc.Post(t, false)

	res, err := a.svc.Recv(r.Context(), t.ID)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	if res.Err != nil {
		writeSchedulerError(w, res.Err)
		return
	}
	writeJSON(w, res.Data)
}

// handleCancel stops a running task; the cancelled stream receives a
// synthetic final result from the scheduler.
func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req types.CancelRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.svc.Post(&scheduler.Task{
		ID:       scheduler.IDNone,
		Type:     scheduler.TaskCancel,
		TargetID: req.TaskID,
	}, true)
	writeJSON(w, map[string]bool{"success": true})
}

func (a *api) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req types.TokenizeRequest
	if !a.decode(w, r, &req) {
		return
	}
	tokens := a.svc.Model().Tokenize(req.Content, req.AddSpecial, true)
	if req.WithPieces {
		out := make([]map[string]any, 0, len(tokens))
		for _, t := range tokens {
			out = append(out, map[string]any{"id": t, "piece": a.svc.Model().TokenToPiece(t)})
		}
		writeJSON(w, map[string]any{"tokens": out})
		return
	}
	writeJSON(w, map[string]any{"tokens": tokens})
}

func (a *api) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req types.DetokenizeRequest
	if !a.decode(w, r, &req) {
		return
	}
	var content string
	for _, id := range req.Tokens {
		content += a.svc.Model().TokenToPiece(llm.Token(id))
	}
	writeJSON(w, map[string]string{"content": content})
}
