package pipeline

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/resilience"
	"github.com/sells-group/sessions-cli/internal/store"
)

// defaultConcurrency bounds how many sessions are processed at once.
const defaultConcurrency = 5

// Processor handles one session for one stage.
type Processor interface {
	Process(ctx context.Context, from model.Stage, pending model.PendingSession) error
}

// StageRunResult summarizes one RunStage invocation.
type StageRunResult struct {
	Stage     model.Stage `json:"stage"`
	Pages     int         `json:"pages"`
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	NotReady  int         `json:"not_ready"`
}

// Orchestrator discovers sessions pending a stage in pages and fans them
// out to the stage's processor with bounded concurrency. One session's
// failure never aborts the batch.
type Orchestrator struct {
	store       store.Store
	procs       map[model.Stage]Processor
	batchSize   int
	concurrency int
	retry       resilience.RetryConfig
}

func NewOrchestrator(st store.Store, importer, enricher Processor, batchSize, concurrency int, retry resilience.RetryConfig) *Orchestrator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Orchestrator{
		store: st,
		procs: map[model.Stage]Processor{
			model.StageCSVImport:          importer,
			model.StageTranscriptFetch:    importer,
			model.StageSessionCreation:    importer,
			model.StageAIAnalysis:         enricher,
			model.StageQuestionExtraction: enricher,
		},
		batchSize:   batchSize,
		concurrency: concurrency,
		retry:       retry,
	}
}

// RunStage drains every session currently pending the stage. Discovery is
// paged by the batch size; a non-positive batch size fetches everything in
// one page. Paging stops when a page comes back short.
func (o *Orchestrator) RunStage(ctx context.Context, stg model.Stage) (*StageRunResult, error) {
	proc, ok := o.procs[stg]
	if !ok {
		return nil, eris.Errorf("no processor for stage %s", stg)
	}

	result := &StageRunResult{Stage: stg}
	var succeeded, failed, notReady atomic.Int64

	for {
		page, err := o.discover(ctx, stg)
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}
		result.Pages++
		result.Processed += len(page)
		pageSucceeded, pageFailed := succeeded.Load(), failed.Load()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.concurrency)
		for _, pending := range page {
			pending := pending
			g.Go(func() error {
				switch err := proc.Process(gctx, stg, pending); {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, ErrNotReady):
					notReady.Add(1)
				default:
					failed.Add(1)
					zap.L().Warn("session processing failed",
						zap.String("stage", string(stg)),
						zap.String("session_id", pending.SessionID),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}

		// Not-ready sessions stay PENDING, so a page that made no progress
		// would come back identical from discovery. Stop instead of spinning.
		if succeeded.Load() == pageSucceeded && failed.Load() == pageFailed {
			break
		}
		if o.batchSize <= 0 || len(page) < o.batchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	result.Succeeded = int(succeeded.Load())
	result.Failed = int(failed.Load())
	result.NotReady = int(notReady.Load())
	zap.L().Info("stage run finished",
		zap.String("stage", string(stg)),
		zap.Int("pages", result.Pages),
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("not_ready", result.NotReady),
	)
	return result, nil
}

// RunAll runs every stage once, in pipeline order.
func (o *Orchestrator) RunAll(ctx context.Context) ([]StageRunResult, error) {
	var results []StageRunResult
	for _, stg := range model.Stages {
		res, err := o.RunStage(ctx, stg)
		if res != nil {
			results = append(results, *res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// discover fetches one page of pending sessions. Import-family discovery
// hits larger joins against tables under concurrent write, so it retries
// transient database errors.
func (o *Orchestrator) discover(ctx context.Context, stg model.Stage) ([]model.PendingSession, error) {
	if !importFamilyStage(stg) {
		return o.store.SessionsNeedingProcessing(ctx, stg, o.batchSize)
	}
	retryCfg := o.retry
	retryCfg.OnRetry = resilience.RetryLogger("orchestrator", "discover sessions")
	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]model.PendingSession, error) {
		return o.store.SessionsNeedingProcessing(ctx, stg, o.batchSize)
	})
}

func importFamilyStage(stg model.Stage) bool {
	switch stg {
	case model.StageCSVImport, model.StageTranscriptFetch, model.StageSessionCreation:
		return true
	}
	return false
}
