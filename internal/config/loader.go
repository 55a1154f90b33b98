package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// SpeculativeConfig configures the optional draft model.
type SpeculativeConfig struct {
	Model      string  `json:"model" yaml:"model" toml:"model"`
	NMin       int     `json:"n_min" yaml:"n_min" toml:"n_min"`
	NMax       int     `json:"n_max" yaml:"n_max" toml:"n_max"`
	PMin       float32 `json:"p_min" yaml:"p_min" toml:"p_min"`
	NCtx       int     `json:"n_ctx" yaml:"n_ctx" toml:"n_ctx"`
	NGPULayers int     `json:"n_gpu_layers" yaml:"n_gpu_layers" toml:"n_gpu_layers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified"; main passes them on as loaded, and
// scheduler.New replaces zero slot-count, context, batch, n_predict and
// group-attention values with its own defaults.
type Config struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	Model      string `json:"model" yaml:"model" toml:"model"`
	ModelAlias string `json:"model_alias" yaml:"model_alias" toml:"model_alias"`

	NParallel int `json:"n_parallel" yaml:"n_parallel" toml:"n_parallel"`
	NCtx      int `json:"n_ctx" yaml:"n_ctx" toml:"n_ctx"`
	NBatch    int `json:"n_batch" yaml:"n_batch" toml:"n_batch"`
	NUbatch   int `json:"n_ubatch" yaml:"n_ubatch" toml:"n_ubatch"`
	NPredict  int `json:"n_predict" yaml:"n_predict" toml:"n_predict"`

	ContBatching         bool    `json:"cont_batching" yaml:"cont_batching" toml:"cont_batching"`
	CtxShift             bool    `json:"ctx_shift" yaml:"ctx_shift" toml:"ctx_shift"`
	SlotPromptSimilarity float32 `json:"slot_prompt_similarity" yaml:"slot_prompt_similarity" toml:"slot_prompt_similarity"`
	SlotSavePath         string  `json:"slot_save_path" yaml:"slot_save_path" toml:"slot_save_path"`

	GrpAttnN int `json:"grp_attn_n" yaml:"grp_attn_n" toml:"grp_attn_n"`
	GrpAttnW int `json:"grp_attn_w" yaml:"grp_attn_w" toml:"grp_attn_w"`

	Embedding bool `json:"embedding" yaml:"embedding" toml:"embedding"`
	Reranking bool `json:"reranking" yaml:"reranking" toml:"reranking"`

	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	APIKeys      []string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`

	Speculative SpeculativeConfig `json:"speculative" yaml:"speculative" toml:"speculative"`

	LogFile string `json:"log_file" yaml:"log_file" toml:"log_file"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
