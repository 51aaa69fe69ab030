// Package stage tracks per-session pipeline progress through the five
// processing stages and enforces the status transition rules.
package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/store"
)

// Tracker is the write surface for stage statuses. All status changes go
// through it so the transition rules live in one place.
type Tracker struct {
	store store.Store
}

func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st}
}

// Initialize creates all five stage rows as PENDING for a session.
// Idempotent: existing rows keep their status and retry counts.
func (t *Tracker) Initialize(ctx context.Context, sessionID string) error {
	return t.store.InitStageStatuses(ctx, sessionID)
}

// Start moves a stage to IN_PROGRESS and stamps startedAt. A COMPLETED
// stage may be restarted, which reopens it for reprocessing.
func (t *Tracker) Start(ctx context.Context, sessionID string, stage model.Stage, metadata map[string]any) error {
	st, err := t.loadOrInit(ctx, sessionID, stage)
	if err != nil {
		return err
	}
	if err := t.checkTransition(st, model.StatusInProgress); err != nil {
		return err
	}
	now := time.Now().UTC()
	st.Status = model.StatusInProgress
	st.StartedAt = &now
	st.CompletedAt = nil
	st.ErrorMessage = ""
	st.Metadata = mergeMetadata(st.Metadata, metadata)
	return t.store.SetStageStatus(ctx, *st)
}

// Complete moves a stage to COMPLETED and stamps completedAt. Any
// accumulated error message is cleared; retry history is kept.
func (t *Tracker) Complete(ctx context.Context, sessionID string, stage model.Stage, metadata map[string]any) error {
	st, err := t.loadOrInit(ctx, sessionID, stage)
	if err != nil {
		return err
	}
	if err := t.checkTransition(st, model.StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	st.Status = model.StatusCompleted
	st.CompletedAt = &now
	st.ErrorMessage = ""
	st.Metadata = mergeMetadata(st.Metadata, metadata)
	return t.store.SetStageStatus(ctx, *st)
}

// Fail moves a stage to FAILED, records the error message, and increments
// the retry counter. The counter only ever grows.
func (t *Tracker) Fail(ctx context.Context, sessionID string, stage model.Stage, failure error, metadata map[string]any) error {
	st, err := t.loadOrInit(ctx, sessionID, stage)
	if err != nil {
		return err
	}
	if err := t.checkTransition(st, model.StatusFailed); err != nil {
		return err
	}
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	zap.L().Warn("stage failed",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)),
		zap.String("error", msg),
	)
	return t.store.MarkStageFailed(ctx, sessionID, stage, msg, mergeMetadata(st.Metadata, metadata))
}

// Skip marks a stage SKIPPED with a human-readable reason. SKIPPED is
// terminal and counts as satisfied for downstream readiness checks.
func (t *Tracker) Skip(ctx context.Context, sessionID string, stage model.Stage, reason string) error {
	st, err := t.loadOrInit(ctx, sessionID, stage)
	if err != nil {
		return err
	}
	if err := t.checkTransition(st, model.StatusSkipped); err != nil {
		return err
	}
	now := time.Now().UTC()
	st.Status = model.StatusSkipped
	st.CompletedAt = &now
	st.ErrorMessage = reason
	return t.store.SetStageStatus(ctx, *st)
}

// ResetForRetry returns a FAILED or COMPLETED stage to PENDING so it gets
// picked up again. The retry counter is preserved.
func (t *Tracker) ResetForRetry(ctx context.Context, sessionID string, stage model.Stage) error {
	st, err := t.store.GetStageStatus(ctx, sessionID, stage)
	if err != nil {
		return err
	}
	if st == nil {
		return eris.Errorf("stage %s not initialized for session %s", stage, sessionID)
	}
	if st.Status != model.StatusFailed && st.Status != model.StatusCompleted {
		return eris.Errorf("stage %s/%s is %s, only FAILED or COMPLETED can be reset", sessionID, stage, st.Status)
	}
	st.Status = model.StatusPending
	st.StartedAt = nil
	st.CompletedAt = nil
	st.ErrorMessage = ""
	return t.store.SetStageStatus(ctx, *st)
}

// Get returns the stage row, or nil when it was never initialized.
func (t *Tracker) Get(ctx context.Context, sessionID string, stage model.Stage) (*model.StageStatus, error) {
	return t.store.GetStageStatus(ctx, sessionID, stage)
}

// List returns all stage rows for a session.
func (t *Tracker) List(ctx context.Context, sessionID string) ([]model.StageStatus, error) {
	return t.store.ListStageStatuses(ctx, sessionID)
}

// IsReadyForStage reports whether every stage before the given one is
// COMPLETED or SKIPPED. The first stage is always ready. Missing rows
// count as not satisfied.
func (t *Tracker) IsReadyForStage(ctx context.Context, sessionID string, stage model.Stage) (bool, error) {
	before := model.StagesBefore(stage)
	if len(before) == 0 {
		return true, nil
	}
	statuses, err := t.store.ListStageStatuses(ctx, sessionID)
	if err != nil {
		return false, err
	}
	byStage := make(map[model.Stage]model.Status, len(statuses))
	for _, st := range statuses {
		byStage[st.Stage] = st.Status
	}
	for _, prev := range before {
		status, ok := byStage[prev]
		if !ok {
			return false, nil
		}
		if status != model.StatusCompleted && status != model.StatusSkipped {
			return false, nil
		}
	}
	return true, nil
}

func (t *Tracker) loadOrInit(ctx context.Context, sessionID string, stage model.Stage) (*model.StageStatus, error) {
	st, err := t.store.GetStageStatus(ctx, sessionID, stage)
	if err != nil {
		return nil, err
	}
	if st == nil {
		if err := t.store.InitStageStatuses(ctx, sessionID); err != nil {
			return nil, err
		}
		st, err = t.store.GetStageStatus(ctx, sessionID, stage)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, eris.Errorf("stage %s not initialized for session %s", stage, sessionID)
		}
	}
	return st, nil
}

func (t *Tracker) checkTransition(st *model.StageStatus, to model.Status) error {
	if !model.CanTransition(st.Status, to) {
		return eris.Errorf("invalid transition %s -> %s for %s/%s", st.Status, to, st.SessionID, st.Stage)
	}
	return nil
}

func mergeMetadata(existing, updates map[string]any) map[string]any {
	if len(updates) == 0 {
		return existing
	}
	merged := make(map[string]any, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
