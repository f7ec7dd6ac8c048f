package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/cost"
	"github.com/sells-group/legalkg/internal/pipeline"
	"github.com/sells-group/legalkg/internal/store"
	"github.com/sells-group/legalkg/internal/textgen"
	"github.com/sells-group/legalkg/internal/textract"
)

// pipelineEnv holds the initialized collaborators needed by the run and
// serve commands.
type pipelineEnv struct {
	Store  store.Store // nil when storage is disabled
	Runner *pipeline.BatchRunner
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates configuration for mode, connects the store when
// withStore is set, and builds the batch runner. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string, withStore bool) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	log := zap.L()

	gen, err := textgen.New(cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	deps, err := pipeline.NewDeps(cfg.Pipeline, gen, log)
	if err != nil {
		return nil, err
	}
	extractor, err := textract.New(cfg.Textract)
	if err != nil {
		return nil, err
	}

	env := &pipelineEnv{}
	if withStore {
		st, err := store.Open(ctx, cfg.Store, log)
		if err != nil {
			return nil, err
		}
		env.Store = st
	}

	calc := cost.FromConfig(cfg.Pricing)
	if !calc.Known(cfg.LLM.Model) {
		log.Warn("no pricing configured for model, costs will be reported as 0", zap.String("model", cfg.LLM.Model))
	}

	env.Runner = &pipeline.BatchRunner{
		Orchestrator: pipeline.New(deps),
		Extractor:    extractor,
		Cost:         calc,
		Model:        cfg.LLM.Model,
		Concurrency:  cfg.Batch.MaxConcurrentDocuments,
		Logger:       log,
	}
	if env.Store != nil {
		env.Runner.Sink = env.Store
	}

	zap.L().Info("pipeline initialized",
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model),
		zap.String("store", storeName(env.Store)),
	)
	return env, nil
}

func storeName(st store.Store) string {
	if st == nil {
		return "disabled"
	}
	return cfg.Store.Driver
}

// openStore connects to the configured store for the read-only commands.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("export"); err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.Store, zap.L())
}
