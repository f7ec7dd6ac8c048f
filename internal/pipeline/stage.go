package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/legalkg/internal/config"
	"github.com/sells-group/legalkg/internal/docparse"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/normalize"
	"github.com/sells-group/legalkg/internal/schema"
	"github.com/sells-group/legalkg/internal/textgen"
)

// Stage is one unit of the forward pipeline. Run receives a private copy of
// the state and returns it updated. A Failed outcome makes the orchestrator
// discard the returned state.
type Stage interface {
	ID() model.StageID
	Run(ctx context.Context, state *model.ExtractionState) (*model.ExtractionState, model.StageOutcome)
}

// Deps bundles the collaborators shared by every stage of a batch. All of
// them are read-only or safe for concurrent use.
type Deps struct {
	Generator  textgen.Generator
	Schema     *schema.Schema
	Normalizer *normalize.Normalizer
	Parser     docparse.Parser
	Config     config.PipelineConfig
	Logger     *zap.Logger
}

// DefaultConfig returns the pipeline defaults used when no configuration
// file is loaded.
func DefaultConfig() config.PipelineConfig {
	return config.PipelineConfig{
		QualityScoreThreshold: 0.8,
		PerStageMaxAttempts:   3,
		GlobalMaxAttempts:     3,
		RelationRounds:        3,
		CorefMaxHops:          3,
		CorefThreshold:        0.5,
		SimilarityThreshold:   0.6,
		BlockSizeLimit:        5000,
	}
}

// NewDeps loads the schema and alias dictionary named in cfg.
func NewDeps(cfg config.PipelineConfig, gen textgen.Generator, log *zap.Logger) (Deps, error) {
	s, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return Deps{}, err
	}
	dict, err := normalize.LoadDictionary(cfg.DictionaryPath)
	if err != nil {
		return Deps{}, err
	}
	d := Deps{
		Generator:  gen,
		Schema:     s,
		Normalizer: normalize.New(dict, cfg.SimilarityThreshold),
		Parser:     docparse.Parser{MaxBlockRunes: cfg.BlockSizeLimit},
		Config:     cfg,
		Logger:     log,
	}
	return d.withDefaults(), nil
}

// withDefaults fills unset tuning values. Attempt budgets are left alone:
// zero is a valid budget that disables backtracking.
func (d Deps) withDefaults() Deps {
	def := DefaultConfig()
	if d.Config.QualityScoreThreshold <= 0 {
		d.Config.QualityScoreThreshold = def.QualityScoreThreshold
	}
	if d.Config.RelationRounds <= 0 {
		d.Config.RelationRounds = def.RelationRounds
	}
	if d.Config.CorefMaxHops <= 0 {
		d.Config.CorefMaxHops = def.CorefMaxHops
	}
	if d.Config.CorefThreshold <= 0 {
		d.Config.CorefThreshold = def.CorefThreshold
	}
	if d.Schema == nil {
		d.Schema = schema.Default()
	}
	if d.Normalizer == nil {
		d.Normalizer = normalize.New(normalize.DefaultDictionary(), d.Config.SimilarityThreshold)
	}
	if d.Generator == nil {
		d.Generator = textgen.NewClient(textgen.Stub{}, textgen.Options{Logger: d.Logger})
	}
	if d.Logger == nil {
		d.Logger = zap.L()
	}
	return d
}

// Stages returns one instance of every stage in pipeline order.
func Stages(d Deps) []Stage {
	d = d.withDefaults()
	return []Stage{
		NewStructureParse(d),
		NewEntityRecognition(d),
		NewNormalization(d),
		NewRelationExtraction(d),
		NewRelationNormalization(d),
		NewCoreference(d),
		NewQualityCheck(d),
	}
}
