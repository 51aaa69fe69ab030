package pipeline

import (
	"context"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/store"
)

// Reporter exposes the pipeline's read-only progress views.
type Reporter struct {
	store store.Store
}

func NewReporter(st store.Store) *Reporter {
	return &Reporter{store: st}
}

// Status returns the total session count and the sparse per-stage status
// matrix. Combinations with zero sessions are absent.
func (r *Reporter) Status(ctx context.Context) (*model.PipelineStatus, error) {
	return r.store.PipelineStatus(ctx)
}

// Failed lists recently failed sessions, newest first, optionally filtered
// by stage. At most 100 rows are returned.
func (r *Reporter) Failed(ctx context.Context, stg model.Stage) ([]model.FailedSession, error) {
	return r.store.FailedSessions(ctx, stg)
}

// Session returns all stage rows for one session.
func (r *Reporter) Session(ctx context.Context, sessionID string) ([]model.StageStatus, error) {
	return r.store.ListStageStatuses(ctx, sessionID)
}

// Questions returns a session's extracted questions in extraction order.
func (r *Reporter) Questions(ctx context.Context, sessionID string) ([]model.Question, error) {
	return r.store.ListSessionQuestions(ctx, sessionID)
}
