package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"slotd/internal/config"
	"slotd/internal/httpapi"
	"slotd/internal/llm"
	"slotd/internal/scheduler"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath string
		cfg     config.Config
	)

	cmd := &cobra.Command{
		Use:           "slotd",
		Short:         "HTTP inference server with slot-based batched decoding",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				fileCfg, err := config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				// explicitly set --addr, --model, --parallel, --ctx-size and
				// --api-key override file values; other flags are ignored
				fileCfg = mergeFlags(cmd, fileCfg, cfg)
				cfg = fileCfg
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "Config file (.yaml, .json or .toml)")
	f.StringVar(&cfg.Addr, "addr", envOr("SLOTD_ADDR", ":8080"), "HTTP listen address")
	f.StringVar(&cfg.Model, "model", "", "Path to the model file (*.gguf)")
	f.StringVar(&cfg.ModelAlias, "model-alias", "", "Model name reported in responses")
	f.IntVar(&cfg.NParallel, "parallel", 1, "Number of parallel slots")
	f.IntVar(&cfg.NCtx, "ctx-size", 4096, "Total context size across all slots")
	f.IntVar(&cfg.NBatch, "batch-size", 2048, "Logical batch size")
	f.IntVar(&cfg.NUbatch, "ubatch-size", 512, "Physical batch size")
	f.IntVar(&cfg.NPredict, "n-predict", -1, "Server-wide generation limit (-1 = unlimited)")
	f.BoolVar(&cfg.ContBatching, "cont-batching", true, "Mix prompt chunks with ongoing generation")
	f.BoolVar(&cfg.CtxShift, "ctx-shift", true, "Enable context shifting")
	f.Float32Var(&cfg.SlotPromptSimilarity, "slot-prompt-similarity", 0.5, "Prompt similarity threshold for slot selection (0 = disabled)")
	f.StringVar(&cfg.SlotSavePath, "slot-save-path", "", "Directory for slot KV snapshots")
	f.IntVar(&cfg.GrpAttnN, "grp-attn-n", 1, "Group attention factor")
	f.IntVar(&cfg.GrpAttnW, "grp-attn-w", 512, "Group attention width")
	f.BoolVar(&cfg.Embedding, "embedding", false, "Enable the embedding endpoints")
	f.BoolVar(&cfg.Reranking, "reranking", false, "Enable the reranking endpoints")
	f.StringVar(&cfg.SystemPrompt, "system-prompt", "", "System prompt shared by all slots")
	f.StringSliceVar(&cfg.APIKeys, "api-key", nil, "API key(s) required for protected endpoints")
	f.StringVar(&cfg.Speculative.Model, "model-draft", "", "Draft model for speculative decoding")
	f.IntVar(&cfg.Speculative.NMin, "draft-min", 5, "Minimum draft size to verify")
	f.IntVar(&cfg.Speculative.NMax, "draft-max", 16, "Maximum draft size")
	f.Float32Var(&cfg.Speculative.PMin, "draft-p-min", 0.9, "Minimum draft token probability")
	f.IntVar(&cfg.Speculative.NCtx, "ctx-size-draft", 0, "Draft model context size")
	f.IntVar(&cfg.Speculative.NGPULayers, "gpu-layers-draft", 0, "Draft model GPU layers")
	f.StringVar(&cfg.LogFile, "log-file", "", "Rotate logs to this file instead of stderr")

	return cmd
}

// mergeFlags overlays the addr, model, parallel, ctx-size and api-key
// flags, when explicitly set, on top of the file config. Other flags are
// not merged; the file value (or zero) is kept.
func mergeFlags(cmd *cobra.Command, base, flags config.Config) config.Config {
	if cmd.Flags().Changed("addr") {
		base.Addr = flags.Addr
	}
	if cmd.Flags().Changed("model") {
		base.Model = flags.Model
	}
	if cmd.Flags().Changed("parallel") {
		base.NParallel = flags.NParallel
	}
	if cmd.Flags().Changed("ctx-size") {
		base.NCtx = flags.NCtx
	}
	if cmd.Flags().Changed("api-key") {
		base.APIKeys = flags.APIKeys
	}
	return base
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(cfg config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    64, // MB
			MaxBackups: 4,
		}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func run(cfg config.Config) error {
	log := newLogger(cfg)
	httpapi.SetLogger(log)

	if cfg.Model == "" {
		return fmt.Errorf("--model is required")
	}

	model, lctx, err := llm.Open(cfg.Model, llm.OpenOptions{NCtx: cfg.NCtx})
	if err != nil {
		return fmt.Errorf("load model %q: %w", cfg.Model, err)
	}

	alias := cfg.ModelAlias
	if alias == "" {
		alias = cfg.Model
	}

	sched := scheduler.New(scheduler.Config{
		NSlots:               cfg.NParallel,
		NCtx:                 cfg.NCtx,
		NBatch:               cfg.NBatch,
		NUbatch:              cfg.NUbatch,
		NPredict:             cfg.NPredict,
		ContBatching:         cfg.ContBatching,
		CtxShift:             cfg.CtxShift,
		SlotPromptSimilarity: cfg.SlotPromptSimilarity,
		SlotSavePath:         cfg.SlotSavePath,
		GrpAttnN:             cfg.GrpAttnN,
		GrpAttnW:             cfg.GrpAttnW,
		Embedding:            cfg.Embedding,
		Reranking:            cfg.Reranking,
		SystemPrompt:         cfg.SystemPrompt,
		ModelAlias:           alias,
		Speculative: scheduler.SpeculativeConfig{
			NMin: cfg.Speculative.NMin,
			NMax: cfg.Speculative.NMax,
			PMin: cfg.Speculative.PMin,
		},
	}, model, lctx, log)

	if cfg.Speculative.Model != "" {
		spec, err := llm.OpenDraft(cfg.Speculative.Model, llm.OpenOptions{
			NCtx:       cfg.Speculative.NCtx,
			NGPULayers: cfg.Speculative.NGPULayers,
		})
		if err != nil {
			return fmt.Errorf("load draft model %q: %w", cfg.Speculative.Model, err)
		}
		sched.SetSpeculator(spec)
	}

	mux := httpapi.NewMux(sched, httpapi.Options{APIKeys: cfg.APIKeys})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("model", cfg.Model).Msg("slotd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
