package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/legalkg/internal/cost"
	"github.com/sells-group/legalkg/internal/model"
	"github.com/sells-group/legalkg/internal/resilience"
	"github.com/sells-group/legalkg/internal/textgen"
)

// Extractor turns a source file into raw text.
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Sink persists finished documents and run records.
type Sink interface {
	BatchSave(ctx context.Context, states []*model.ExtractionState) error
	RecordRun(ctx context.Context, run *model.Run) error
}

// Document is one unit of batch input: a file to extract, or text already
// in hand.
type Document struct {
	ID   string
	Path string
	Text string
}

// DocumentResult is the outcome of one document.
type DocumentResult struct {
	Run    model.Run
	Result *model.RunResult
	Err    error
}

// BatchSummary aggregates a batch.
type BatchSummary struct {
	Results    []DocumentResult
	Accepted   int
	Degraded   int
	Failed     int
	Cancelled  int
	Usage      model.TokenUsage
	Cost       float64
	StorageErr error
}

// OK reports whether every document was accepted.
func (s *BatchSummary) OK() bool {
	return s.Degraded == 0 && s.Failed == 0 && s.Cancelled == 0
}

// BatchRunner runs one orchestrator per document with bounded concurrency.
// Documents share nothing but the read-only collaborators.
type BatchRunner struct {
	Orchestrator *Orchestrator
	Extractor    Extractor
	// Sink is optional. Storage failures are recorded on the summary and do
	// not change any document's outcome.
	Sink        Sink
	Cost        *cost.Calculator
	Model       string
	Concurrency int
	Logger      *zap.Logger
}

// DocumentID derives a stable id from a file name, or a random one when
// there is no path.
func DocumentID(path string) string {
	if path == "" {
		return uuid.NewString()
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Run processes docs. Per-document failures, including unreadable input,
// are recorded in the summary. Only configuration errors such as missing
// credentials, or cancellation of ctx, abort the batch and are returned.
func (b *BatchRunner) Run(ctx context.Context, docs []Document) (*BatchSummary, error) {
	log := b.Logger
	if log == nil {
		log = zap.L()
	}
	limit := b.Concurrency
	if limit < 1 {
		limit = 1
	}

	results := make([]DocumentResult, len(docs))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, doc := range docs {
		g.Go(func() error {
			res := b.runDocument(gCtx, log, doc)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if res.Err != nil && errors.Is(res.Err, textgen.ErrMissingCredentials) {
				return res.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return b.summarize(results), eris.Wrap(err, "pipeline: batch aborted")
	}

	summary := b.summarize(results)
	if b.Sink != nil {
		b.store(ctx, log, summary)
	}
	if err := ctx.Err(); err != nil {
		return summary, eris.Wrap(err, "pipeline: batch cancelled")
	}
	return summary, nil
}

func (b *BatchRunner) runDocument(ctx context.Context, log *zap.Logger, doc Document) DocumentResult {
	start := time.Now()
	id := doc.ID
	if id == "" {
		id = DocumentID(doc.Path)
	}
	run := model.Run{
		ID:         uuid.NewString(),
		DocumentID: id,
		SourcePath: doc.Path,
		Status:     model.RunStatusRunning,
		CreatedAt:  start.UTC(),
	}
	log = log.With(zap.String("document", id))

	text := doc.Text
	if text == "" && doc.Path != "" {
		extracted, err := b.Extractor.ExtractText(ctx, doc.Path)
		if err != nil {
			log.Error("pipeline: text extraction failed", zap.String("path", doc.Path), zap.Error(err))
			return b.finish(ctx, log, run, nil, err, start)
		}
		text = extracted
	}

	state := model.NewExtractionState(id, text)
	state.SourcePath = doc.Path
	res, err := b.Orchestrator.Run(ctx, state)
	return b.finish(ctx, log, run, res, err, start)
}

func (b *BatchRunner) finish(ctx context.Context, log *zap.Logger, run model.Run, res *model.RunResult, err error, start time.Time) DocumentResult {
	run.DurationMs = time.Since(start).Milliseconds()
	run.UpdatedAt = time.Now().UTC()
	switch {
	case res != nil:
		run.Status = res.Status()
		run.FinalState = res.FinalState
		s := res.State
		run.Passes = s.Passes
		run.Backtracks = s.TotalBacktracks()
		run.Entities = len(s.Entities)
		run.Relations = len(s.Relations)
		run.TokenUsage = s.Usage
		if s.QualityReport != nil {
			run.Score = s.QualityReport.Score
		}
		if b.Cost != nil {
			run.TotalCost = b.Cost.Usage(b.Model, s.Usage)
		}
	case err != nil && errors.Is(err, context.Canceled):
		run.Status = model.RunStatusCancelled
	default:
		run.Status = model.RunStatusFailed
	}
	if err != nil {
		run.Error = err.Error()
	}

	if b.Sink != nil {
		if recErr := b.Sink.RecordRun(context.WithoutCancel(ctx), &run); recErr != nil {
			log.Warn("pipeline: failed to record run", zap.Error(recErr))
		}
	}
	return DocumentResult{Run: run, Result: res, Err: err}
}

func (b *BatchRunner) summarize(results []DocumentResult) *BatchSummary {
	s := &BatchSummary{Results: results}
	for _, r := range results {
		switch r.Run.Status {
		case model.RunStatusAccepted:
			s.Accepted++
		case model.RunStatusDegraded:
			s.Degraded++
		case model.RunStatusCancelled:
			s.Cancelled++
		case model.RunStatusFailed:
			s.Failed++
		default:
			// Never started because the batch was aborted.
			s.Cancelled++
		}
		s.Usage.Add(r.Run.TokenUsage)
		s.Cost += r.Run.TotalCost
	}
	return s
}

// store saves every finished state, accepted or degraded, in one batch and
// marks the saved runs.
func (b *BatchRunner) store(ctx context.Context, log *zap.Logger, summary *BatchSummary) {
	var states []*model.ExtractionState
	var saved []int
	for i, r := range summary.Results {
		if r.Result == nil || (r.Run.Status != model.RunStatusAccepted && r.Run.Status != model.RunStatusDegraded) {
			continue
		}
		states = append(states, r.Result.State)
		saved = append(saved, i)
	}
	if len(states) == 0 {
		return
	}

	if err := b.Sink.BatchSave(ctx, states); err != nil {
		summary.StorageErr = err
		log.Error("pipeline: graph storage failed (extraction results kept)",
			zap.Int("documents", len(states)),
			zap.String("class", string(resilience.Classify(err))),
			zap.Error(err),
		)
		return
	}
	for _, i := range saved {
		run := &summary.Results[i].Run
		run.StoredGraph = true
		if err := b.Sink.RecordRun(ctx, run); err != nil {
			log.Warn("pipeline: failed to mark run stored", zap.String("run", run.ID), zap.Error(err))
		}
	}
	log.Info("pipeline: graph stored", zap.Int("documents", len(states)))
}
