package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"slotd/internal/llm"
	"slotd/internal/scheduler"
	"slotd/pkg/types"
)

// handleChatCompletion applies the chat template to the messages and
// runs the result as an ordinary completion, reshaping responses into
// the OpenAI chat schema.
func (a *api) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.ChatCompletionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required", errTypeInvalidRequest)
		return
	}

	msgs := make([]llm.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = llm.ChatMessage{Role: m.Role, Content: m.Content}
	}
	prompt, err := a.svc.Model().ApplyChatTemplate(msgs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to apply chat template: "+err.Error(), errTypeInvalidRequest)
		return
	}

	promptJSON, _ := json.Marshal(prompt)
	creq := types.CompletionRequest{
		Prompt:           promptJSON,
		Stream:           req.Stream,
		NPredict:         req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Seed:             req.Seed,
		Stop:             req.Stop,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		CachePrompt:      true,
	}

	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := req.Model
	if model == "" {
		model = a.svc.Config().ModelAlias
	}

	ids := a.postCompletionTasks(creq, scheduler.KindNormal, []scheduler.Prompt{{Text: prompt}})
	defer a.svc.RemoveWaiters(ids...)

	if req.Stream {
		first := true
		a.streamResults(w, r, ids, func(sse *sseWriter, res *scheduler.Result) error {
			chunk, ok := res.Data.(*types.CompletionChunk)
			if !ok {
				return nil
			}
			if first {
				first = false
				if err := sse.Send(chatStreamChunk(completionID, model, created, map[string]any{"role": "assistant"}, nil)); err != nil {
					return err
				}
			}
			if chunk.Content != "" {
				if err := sse.Send(chatStreamChunk(completionID, model, created, map[string]any{"content": chunk.Content}, nil)); err != nil {
					return err
				}
			}
			if res.Stop {
				reason := finishReason(chunk)
				return sse.Send(chatStreamChunk(completionID, model, created, map[string]any{}, &reason))
			}
			return nil
		}, func(sse *sseWriter) {
			sse.Done()
		})
		return
	}

	chunks, err := a.collectResults(r, ids)
	if err != nil {
		a.cancelTasks(ids)
		writeSchedulerError(w, err)
		return
	}
	if len(chunks) == 0 {
		writeError(w, http.StatusInternalServerError, "no completion produced", errTypeServer)
		return
	}
	final := chunks[0]
	writeJSON(w, map[string]any{
		"id":      completionID,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": final.Content},
			"finish_reason": finishReason(final),
		}},
		"usage": map[string]any{
			"prompt_tokens":     final.TokensEvaluated,
			"completion_tokens": final.TokensPredicted,
			"total_tokens":      final.TokensEvaluated + final.TokensPredicted,
		},
	})
}

func finishReason(c *types.CompletionChunk) string {
	if c.StoppedLimit {
		return "length"
	}
	return "stop"
}

func chatStreamChunk(id, model string, created int64, delta map[string]any, finish *string) map[string]any {
	choice := map[string]any{
		"index":         0,
		"delta":         delta,
		"finish_reason": nil,
	}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{choice},
	}
}
