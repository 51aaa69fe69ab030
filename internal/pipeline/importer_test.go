package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sessions-cli/internal/fetcher"
	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/resilience"
	"github.com/sells-group/sessions-cli/internal/stage"
	"github.com/sells-group/sessions-cli/internal/store"
)

// fastRetry keeps retries on but makes the backoff negligible.
func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return st
}

// seedImport registers a company, a session stub and the raw import record,
// the same way the import command does, and returns the discovery projection
// an import-family processor would receive.
func seedImport(t *testing.T, st store.Store, rec model.ImportRecord) model.PendingSession {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.UpsertCompany(ctx, model.Company{
		ID:     rec.CompanyID,
		Name:   rec.CompanyID,
		Status: model.CompanyActive,
	}))
	id, err := st.UpsertSession(ctx, model.Session{
		CompanyID:  rec.CompanyID,
		ExternalID: rec.ExternalID,
	})
	require.NoError(t, err)
	rec.SessionID = id
	require.NoError(t, st.CreateImport(ctx, rec))
	require.NoError(t, st.InitStageStatuses(ctx, id))

	return model.PendingSession{
		SessionID:  id,
		CompanyID:  rec.CompanyID,
		ExternalID: rec.ExternalID,
		Import:     &rec,
	}
}

func stageStatus(t *testing.T, st store.Store, sessionID string, stg model.Stage) *model.StageStatus {
	t.Helper()
	row, err := st.GetStageStatus(context.Background(), sessionID, stg)
	require.NoError(t, err)
	require.NotNil(t, row, "no %s row for %s", stg, sessionID)
	return row
}

// fakeFetcher returns canned results, recording what it was asked for.
type fakeFetcher struct {
	results []fetcher.Result
	calls   int
	lastURL string
	lastUsr string
	lastPwd string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL, username, password string) fetcher.Result {
	f.lastURL, f.lastUsr, f.lastPwd = rawURL, username, password
	res := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return res
}

func newImporter(st store.Store, f fetcher.Fetcher) *ImportProcessor {
	return NewImportProcessor(st, stage.NewTracker(st), f, fastRetry())
}

func TestImportChainWithoutTranscriptURL(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := &fakeFetcher{results: []fetcher.Result{{OK: true}}}
	p := newImporter(st, f)

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:      "acme",
		ExternalID:     "ext-1",
		StartTimeRaw:   "05.03.2024 09:15:00",
		EndTimeRaw:     "05.03.2024 09:45:30",
		AvgResponseRaw: "2,5",
		CountryCode:    "NL",
	})

	require.NoError(t, p.Process(ctx, model.StageCSVImport, pending))

	csvRow := stageStatus(t, st, pending.SessionID, model.StageCSVImport)
	assert.Equal(t, model.StatusCompleted, csvRow.Status)
	assert.Equal(t, "ext-1", csvRow.Metadata["external_id"])

	fetchRow := stageStatus(t, st, pending.SessionID, model.StageTranscriptFetch)
	assert.Equal(t, model.StatusSkipped, fetchRow.Status)
	assert.Equal(t, "No transcript URL provided", fetchRow.ErrorMessage)
	assert.Zero(t, f.calls)

	createRow := stageStatus(t, st, pending.SessionID, model.StageSessionCreation)
	assert.Equal(t, model.StatusCompleted, createRow.Status)
	assert.Equal(t, false, createRow.Metadata["hasTranscript"])
	assert.Equal(t, float64(0), createRow.Metadata["transcriptLength"])

	sess, err := st.GetSession(ctx, pending.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC), sess.StartTime.UTC())
	assert.Equal(t, time.Date(2024, 3, 5, 9, 45, 30, 0, time.UTC), sess.EndTime.UTC())
	assert.InDelta(t, 2.5, sess.AvgResponseSecs, 0.0001)
	assert.Equal(t, "NL", sess.CountryCode)
}

func TestImportChainFetchesAndParsesTranscript(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := &fakeFetcher{results: []fetcher.Result{{
		Content: "user: hi\nassistant: hello, how can I help?\nuser: when does my shift start?",
		OK:      true,
	}}}
	p := newImporter(st, f)

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:     "acme",
		ExternalID:    "ext-2",
		StartTimeRaw:  "05.03.2024 09:15:00",
		TranscriptURL: "https://transcripts.example.com/ext-2",
	})
	pending.TranscriptUsername = "bot"
	pending.TranscriptPassword = "secret"

	require.NoError(t, p.Process(ctx, model.StageCSVImport, pending))

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "https://transcripts.example.com/ext-2", f.lastURL)
	assert.Equal(t, "bot", f.lastUsr)
	assert.Equal(t, "secret", f.lastPwd)

	fetchRow := stageStatus(t, st, pending.SessionID, model.StageTranscriptFetch)
	assert.Equal(t, model.StatusCompleted, fetchRow.Status)
	assert.NotZero(t, fetchRow.Metadata["bytes"])

	rec, err := st.GetImport(ctx, pending.SessionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Contains(t, rec.TranscriptContent, "when does my shift start?")

	createRow := stageStatus(t, st, pending.SessionID, model.StageSessionCreation)
	assert.Equal(t, model.StatusCompleted, createRow.Status)
	assert.Equal(t, true, createRow.Metadata["hasTranscript"])
	assert.NotZero(t, createRow.Metadata["transcriptLength"])

	msgs, err := st.ListMessages(ctx, pending.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "when does my shift start?", msgs[2].Content)
}

func TestImportChainBadStartTimeFailsImportStage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newImporter(st, &fakeFetcher{results: []fetcher.Result{{OK: true}}})

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:    "acme",
		ExternalID:   "ext-3",
		StartTimeRaw: "2024-03-05 09:15:00", // ISO instead of the export layout
	})

	err := p.Process(ctx, model.StageCSVImport, pending)
	require.Error(t, err)

	csvRow := stageStatus(t, st, pending.SessionID, model.StageCSVImport)
	assert.Equal(t, model.StatusFailed, csvRow.Status)
	assert.Equal(t, 1, csvRow.RetryCount)
	assert.Contains(t, csvRow.ErrorMessage, "start_time")

	fetchRow := stageStatus(t, st, pending.SessionID, model.StageTranscriptFetch)
	assert.Equal(t, model.StatusPending, fetchRow.Status)
}

func TestImportChainFetchFailureIsAttributedToFetchStage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := &fakeFetcher{results: []fetcher.Result{{OK: false, Reason: "unexpected status 404"}}}
	p := newImporter(st, f)

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:     "acme",
		ExternalID:    "ext-4",
		StartTimeRaw:  "05.03.2024 09:15:00",
		TranscriptURL: "https://transcripts.example.com/ext-4",
	})

	err := p.Process(ctx, model.StageCSVImport, pending)
	require.Error(t, err)

	// A 404 is not transient, so there is exactly one attempt.
	assert.Equal(t, 1, f.calls)

	assert.Equal(t, model.StatusCompleted, stageStatus(t, st, pending.SessionID, model.StageCSVImport).Status)

	fetchRow := stageStatus(t, st, pending.SessionID, model.StageTranscriptFetch)
	assert.Equal(t, model.StatusFailed, fetchRow.Status)
	assert.Contains(t, fetchRow.ErrorMessage, "fetch transcript: unexpected status 404")

	assert.Equal(t, model.StatusPending, stageStatus(t, st, pending.SessionID, model.StageSessionCreation).Status)
}

func TestImportChainRetriesTransientFetchFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := &fakeFetcher{results: []fetcher.Result{
		{OK: false, Reason: "connection reset by peer"},
		{OK: false, Reason: "connection reset by peer"},
		{Content: "user: hi", OK: true},
	}}
	p := newImporter(st, f)

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:     "acme",
		ExternalID:    "ext-5",
		StartTimeRaw:  "05.03.2024 09:15:00",
		TranscriptURL: "https://transcripts.example.com/ext-5",
	})

	require.NoError(t, p.Process(ctx, model.StageCSVImport, pending))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, model.StatusCompleted, stageStatus(t, st, pending.SessionID, model.StageTranscriptFetch).Status)
}

func TestImportChainReusesCachedTranscript(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := &fakeFetcher{results: []fetcher.Result{{OK: false, Reason: "should not be called"}}}
	p := newImporter(st, f)

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:         "acme",
		ExternalID:        "ext-6",
		StartTimeRaw:      "05.03.2024 09:15:00",
		TranscriptURL:     "https://transcripts.example.com/ext-6",
		TranscriptContent: "user: cached hello",
	})

	require.NoError(t, p.Process(ctx, model.StageCSVImport, pending))
	assert.Zero(t, f.calls)

	fetchRow := stageStatus(t, st, pending.SessionID, model.StageTranscriptFetch)
	assert.Equal(t, model.StatusCompleted, fetchRow.Status)
	assert.Equal(t, "already_fetched", fetchRow.Metadata["source"])

	msgs, err := st.ListMessages(ctx, pending.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "cached hello", msgs[0].Content)
}

func TestImportChainCompletesFetchWithPreloadedContentAndNoURL(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := &fakeFetcher{}
	p := newImporter(st, f)

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:         "acme",
		ExternalID:        "ext-9",
		StartTimeRaw:      "05.03.2024 09:15:00",
		TranscriptContent: "user: preloaded hello",
	})

	require.NoError(t, p.Process(ctx, model.StageCSVImport, pending))
	assert.Zero(t, f.calls)

	fetchRow := stageStatus(t, st, pending.SessionID, model.StageTranscriptFetch)
	assert.Equal(t, model.StatusCompleted, fetchRow.Status)
	assert.Equal(t, "already_fetched", fetchRow.Metadata["source"])

	msgs, err := st.ListMessages(ctx, pending.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "preloaded hello", msgs[0].Content)
}

func TestImportChainResumeSkipsSatisfiedStages(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	f := &fakeFetcher{results: []fetcher.Result{{Content: "user: hi", OK: true}}}
	p := newImporter(st, f)
	tr := stage.NewTracker(st)

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:     "acme",
		ExternalID:    "ext-7",
		StartTimeRaw:  "05.03.2024 09:15:00",
		TranscriptURL: "https://transcripts.example.com/ext-7",
	})
	require.NoError(t, p.Process(ctx, model.StageCSVImport, pending))
	require.Equal(t, 1, f.calls)

	// Rerun just session creation; the import record is loaded from the
	// store and the fetch stage is left alone.
	require.NoError(t, tr.ResetForRetry(ctx, pending.SessionID, model.StageSessionCreation))
	resumed := model.PendingSession{SessionID: pending.SessionID, CompanyID: "acme", ExternalID: "ext-7"}
	require.NoError(t, p.Process(ctx, model.StageSessionCreation, resumed))

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, model.StatusCompleted, stageStatus(t, st, pending.SessionID, model.StageSessionCreation).Status)
}

func TestImportChainNotReady(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newImporter(st, &fakeFetcher{results: []fetcher.Result{{OK: true}}})

	pending := seedImport(t, st, model.ImportRecord{
		CompanyID:    "acme",
		ExternalID:   "ext-8",
		StartTimeRaw: "05.03.2024 09:15:00",
	})

	err := p.Process(ctx, model.StageSessionCreation, pending)
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, model.StatusPending, stageStatus(t, st, pending.SessionID, model.StageSessionCreation).Status)
}

func TestImportChainMissingImportRecord(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := newImporter(st, &fakeFetcher{results: []fetcher.Result{{OK: true}}})

	require.NoError(t, st.UpsertCompany(ctx, model.Company{ID: "acme", Name: "acme", Status: model.CompanyActive}))
	id, err := st.UpsertSession(ctx, model.Session{CompanyID: "acme", ExternalID: "ext-9"})
	require.NoError(t, err)
	require.NoError(t, st.InitStageStatuses(ctx, id))

	err = p.Process(ctx, model.StageCSVImport, model.PendingSession{SessionID: id, CompanyID: "acme", ExternalID: "ext-9"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotReady)

	csvRow := stageStatus(t, st, id, model.StageCSVImport)
	assert.Equal(t, model.StatusFailed, csvRow.Status)
	assert.Contains(t, csvRow.ErrorMessage, "no import record")
}
