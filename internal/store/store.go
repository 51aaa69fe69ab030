// Package store persists sessions, messages, stage statuses, enrichment
// accounting and the question pool behind a driver-agnostic interface, with
// Postgres (pgx) and SQLite (modernc) implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/sessions-cli/internal/model"
)

// Store defines the persistence surface the pipeline needs.
type Store interface {
	// Companies
	UpsertCompany(ctx context.Context, c model.Company) error
	GetCompany(ctx context.Context, id string) (*model.Company, error)

	// Sessions
	UpsertSession(ctx context.Context, s model.Session) (string, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSessionEnrichment(ctx context.Context, id string, e model.Enrichment, messagesSent int, endTime *time.Time) error

	// Messages
	ReplaceMessages(ctx context.Context, sessionID string, msgs []model.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)

	// Import records
	CreateImport(ctx context.Context, rec model.ImportRecord) error
	GetImport(ctx context.Context, sessionID string) (*model.ImportRecord, error)
	SetImportTranscript(ctx context.Context, sessionID, content string) error

	// Stage statuses
	InitStageStatuses(ctx context.Context, sessionID string) error
	GetStageStatus(ctx context.Context, sessionID string, stage model.Stage) (*model.StageStatus, error)
	ListStageStatuses(ctx context.Context, sessionID string) ([]model.StageStatus, error)
	SetStageStatus(ctx context.Context, st model.StageStatus) error
	MarkStageFailed(ctx context.Context, sessionID string, stage model.Stage, errMsg string, metadata map[string]any) error

	// Discovery and reporting
	SessionsNeedingProcessing(ctx context.Context, stage model.Stage, limit int) ([]model.PendingSession, error)
	PipelineStatus(ctx context.Context) (*model.PipelineStatus, error)
	FailedSessions(ctx context.Context, stage model.Stage) ([]model.FailedSession, error)

	// Enrichment accounting and questions
	CreateEnrichmentRequest(ctx context.Context, r model.EnrichmentRequest) error
	ListEnrichmentRequests(ctx context.Context, sessionID string) ([]model.EnrichmentRequest, error)
	UpsertQuestions(ctx context.Context, contents []string) ([]model.Question, error)
	ReplaceSessionQuestions(ctx context.Context, sessionID string, questionIDs []string) error
	ListSessionQuestions(ctx context.Context, sessionID string) ([]model.Question, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// failedSessionsLimit caps the failed-sessions listing for diagnosis.
const failedSessionsLimit = 100

// importFamily reports whether stage is handled by the import-to-session
// processor; its discovery projection includes the import record and
// transcript credentials.
func importFamily(stage model.Stage) bool {
	switch stage {
	case model.StageCSVImport, model.StageTranscriptFetch, model.StageSessionCreation:
		return true
	default:
		return false
	}
}
