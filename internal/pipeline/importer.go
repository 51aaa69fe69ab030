package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sessions-cli/internal/fetcher"
	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/resilience"
	"github.com/sells-group/sessions-cli/internal/stage"
	"github.com/sells-group/sessions-cli/internal/store"
)

// importStages is the chain the importer owns, in execution order.
var importStages = []model.Stage{
	model.StageCSVImport,
	model.StageTranscriptFetch,
	model.StageSessionCreation,
}

// ImportProcessor carries a session from its raw import record to a
// normalized session with parsed messages. It owns the first three stages
// and runs them as one chain: starting at any of the three, it continues
// through session creation, skipping stages already satisfied.
type ImportProcessor struct {
	store   store.Store
	tracker *stage.Tracker
	fetcher fetcher.Fetcher
	retry   resilience.RetryConfig
}

func NewImportProcessor(st store.Store, tr *stage.Tracker, f fetcher.Fetcher, retry resilience.RetryConfig) *ImportProcessor {
	return &ImportProcessor{store: st, tracker: tr, fetcher: f, retry: retry}
}

// Process runs the import chain for one session starting at from. On
// failure the error is attributed to the stage it belongs to and that
// stage is marked FAILED; the error is returned for counting.
func (p *ImportProcessor) Process(ctx context.Context, from model.Stage, pending model.PendingSession) error {
	ready, err := p.tracker.IsReadyForStage(ctx, pending.SessionID, from)
	if err != nil {
		return err
	}
	if !ready {
		return ErrNotReady
	}

	if err := p.run(ctx, from, pending); err != nil {
		failed := classifyImportError(err)
		if ferr := p.tracker.Fail(ctx, pending.SessionID, failed, err, nil); ferr != nil {
			zap.L().Error("record stage failure",
				zap.String("session_id", pending.SessionID),
				zap.String("stage", string(failed)),
				zap.Error(ferr),
			)
		}
		return err
	}
	return nil
}

func (p *ImportProcessor) run(ctx context.Context, from model.Stage, pending model.PendingSession) error {
	rec := pending.Import
	if rec == nil {
		var err error
		rec, err = p.store.GetImport(ctx, pending.SessionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return failStage(model.StageCSVImport, eris.Errorf("no import record for session %s", pending.SessionID))
		}
	}

	started := false
	for _, st := range importStages {
		if st == from {
			started = true
		}
		if !started {
			continue
		}

		current, err := p.tracker.Get(ctx, pending.SessionID, st)
		if err != nil {
			return err
		}
		if current != nil && (current.Status == model.StatusCompleted || current.Status == model.StatusSkipped) {
			continue
		}

		switch st {
		case model.StageCSVImport:
			err = p.runCSVImport(ctx, pending, rec)
		case model.StageTranscriptFetch:
			err = p.runTranscriptFetch(ctx, pending, rec)
		case model.StageSessionCreation:
			err = p.runSessionCreation(ctx, pending, rec)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// runCSVImport validates the raw row and writes the normalized session.
func (p *ImportProcessor) runCSVImport(ctx context.Context, pending model.PendingSession, rec *model.ImportRecord) error {
	if err := p.tracker.Start(ctx, pending.SessionID, model.StageCSVImport, nil); err != nil {
		return err
	}

	startTime, err := ParseTimestamp(rec.StartTimeRaw)
	if err != nil {
		return failStage(model.StageCSVImport, eris.Wrap(err, "start_time"))
	}
	sess := model.Session{
		ID:             pending.SessionID,
		CompanyID:      rec.CompanyID,
		ExternalID:     rec.ExternalID,
		StartTime:      startTime,
		IPAddress:      rec.IPAddress,
		CountryCode:    rec.CountryCode,
		TranscriptURL:  rec.TranscriptURL,
		InitialMessage: rec.InitialMessage,
	}
	if rec.EndTimeRaw != "" {
		endTime, err := ParseTimestamp(rec.EndTimeRaw)
		if err != nil {
			return failStage(model.StageCSVImport, eris.Wrap(err, "end_time"))
		}
		sess.EndTime = endTime
	}
	avg, err := ParseAvgResponse(rec.AvgResponseRaw)
	if err != nil {
		return failStage(model.StageCSVImport, err)
	}
	sess.AvgResponseSecs = avg

	if _, err := p.store.UpsertSession(ctx, sess); err != nil {
		return failStage(model.StageCSVImport, err)
	}

	return p.tracker.Complete(ctx, pending.SessionID, model.StageCSVImport, map[string]any{
		"external_id": rec.ExternalID,
	})
}

// runTranscriptFetch downloads the transcript when a URL is present.
// Already-fetched content completes the stage without another request,
// even without a URL; a record with neither content nor URL skips the
// stage rather than failing it.
func (p *ImportProcessor) runTranscriptFetch(ctx context.Context, pending model.PendingSession, rec *model.ImportRecord) error {
	if rec.TranscriptContent != "" {
		if err := p.tracker.Start(ctx, pending.SessionID, model.StageTranscriptFetch, nil); err != nil {
			return err
		}
		return p.tracker.Complete(ctx, pending.SessionID, model.StageTranscriptFetch, map[string]any{
			"source": "already_fetched",
		})
	}

	if rec.TranscriptURL == "" {
		return p.tracker.Skip(ctx, pending.SessionID, model.StageTranscriptFetch, "No transcript URL provided")
	}

	if err := p.tracker.Start(ctx, pending.SessionID, model.StageTranscriptFetch, nil); err != nil {
		return err
	}

	if !fetcher.ValidURL(rec.TranscriptURL) {
		return failStage(model.StageTranscriptFetch, eris.Errorf("invalid transcript url %q", rec.TranscriptURL))
	}

	retryCfg := p.retry
	retryCfg.OnRetry = resilience.RetryLogger("importer", "fetch transcript")
	res, _ := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (fetcher.Result, error) {
		r := p.fetcher.Fetch(ctx, rec.TranscriptURL, pending.TranscriptUsername, pending.TranscriptPassword)
		if !r.OK {
			err := eris.New(r.Reason)
			if resilience.IsTransient(err) {
				return r, err
			}
		}
		return r, nil
	})
	if !res.OK {
		return failStage(model.StageTranscriptFetch, eris.Errorf("fetch transcript: %s", res.Reason))
	}

	if err := p.store.SetImportTranscript(ctx, pending.SessionID, res.Content); err != nil {
		return failStage(model.StageTranscriptFetch, err)
	}
	rec.TranscriptContent = res.Content

	return p.tracker.Complete(ctx, pending.SessionID, model.StageTranscriptFetch, map[string]any{
		"bytes": len(res.Content),
	})
}

// runSessionCreation parses the transcript into ordered messages and
// replaces the session's message set wholesale, so reparsing is idempotent.
func (p *ImportProcessor) runSessionCreation(ctx context.Context, pending model.PendingSession, rec *model.ImportRecord) error {
	if err := p.tracker.Start(ctx, pending.SessionID, model.StageSessionCreation, nil); err != nil {
		return err
	}

	msgs := ParseTranscript(rec.TranscriptContent)
	if err := p.store.ReplaceMessages(ctx, pending.SessionID, msgs); err != nil {
		return failStage(model.StageSessionCreation, err)
	}

	return p.tracker.Complete(ctx, pending.SessionID, model.StageSessionCreation, map[string]any{
		"hasTranscript":    rec.TranscriptContent != "",
		"transcriptLength": len(rec.TranscriptContent),
	})
}
