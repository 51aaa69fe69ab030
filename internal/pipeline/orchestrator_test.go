package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/store"
)

// queueStore serves discovery pages from an in-memory queue, mimicking how
// processing moves sessions out of the PENDING set between pages.
type queueStore struct {
	store.Store

	mu            sync.Mutex
	pending       []model.PendingSession
	discoverCalls int
	discoverErr   error
}

func (s *queueStore) SessionsNeedingProcessing(_ context.Context, _ model.Stage, limit int) ([]model.PendingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoverCalls++
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	if limit <= 0 || limit > len(s.pending) {
		limit = len(s.pending)
	}
	page := s.pending[:limit]
	s.pending = s.pending[limit:]
	return page, nil
}

// stickyStore returns the same page on every discovery call, the way the
// real store behaves for sessions that stay PENDING.
type stickyStore struct {
	store.Store

	mu            sync.Mutex
	page          []model.PendingSession
	discoverCalls int
}

func (s *stickyStore) SessionsNeedingProcessing(_ context.Context, _ model.Stage, limit int) ([]model.PendingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoverCalls++
	if limit <= 0 || limit > len(s.page) {
		limit = len(s.page)
	}
	return s.page[:limit], nil
}

func pendingSessions(n int) []model.PendingSession {
	out := make([]model.PendingSession, n)
	for i := range out {
		out[i] = model.PendingSession{SessionID: fmt.Sprintf("sess-%03d", i)}
	}
	return out
}

// countingProcessor tracks concurrent Process calls and delegates the
// outcome per session.
type countingProcessor struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	outcome   func(pending model.PendingSession) error
}

func (p *countingProcessor) Process(_ context.Context, _ model.Stage, pending model.PendingSession) error {
	p.mu.Lock()
	p.calls++
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	if p.outcome != nil {
		return p.outcome(pending)
	}
	return nil
}

func TestRunStagePagesThroughPendingSessions(t *testing.T) {
	st := &queueStore{pending: pendingSessions(23)}
	proc := &countingProcessor{}
	o := NewOrchestrator(st, proc, proc, 10, 5, fastRetry())

	res, err := o.RunStage(context.Background(), model.StageCSVImport)
	require.NoError(t, err)

	// 10 + 10 + 3: the short third page ends the run.
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 3, st.discoverCalls)
	assert.Equal(t, 23, res.Processed)
	assert.Equal(t, 23, res.Succeeded)
	assert.Equal(t, 23, proc.calls)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.NotReady)
}

func TestRunStageUnboundedBatchFetchesOnePage(t *testing.T) {
	st := &queueStore{pending: pendingSessions(7)}
	proc := &countingProcessor{}
	o := NewOrchestrator(st, proc, proc, 0, 5, fastRetry())

	res, err := o.RunStage(context.Background(), model.StageAIAnalysis)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 1, st.discoverCalls)
	assert.Equal(t, 7, res.Processed)
}

func TestRunStageStopsWhenFullPageIsNotReady(t *testing.T) {
	st := &stickyStore{page: pendingSessions(10)}
	proc := &countingProcessor{outcome: func(model.PendingSession) error {
		return ErrNotReady
	}}
	o := NewOrchestrator(st, proc, proc, 10, 5, fastRetry())

	res, err := o.RunStage(context.Background(), model.StageTranscriptFetch)
	require.NoError(t, err)
	assert.Equal(t, 1, st.discoverCalls)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 10, res.NotReady)
	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Failed)
}

func TestRunStageCountsOutcomesSeparately(t *testing.T) {
	st := &queueStore{pending: pendingSessions(5)}
	proc := &countingProcessor{outcome: func(pending model.PendingSession) error {
		switch pending.SessionID {
		case "sess-001", "sess-003":
			return eris.New("boom")
		case "sess-004":
			return ErrNotReady
		}
		return nil
	}}
	o := NewOrchestrator(st, proc, proc, 0, 5, fastRetry())

	res, err := o.RunStage(context.Background(), model.StageTranscriptFetch)
	require.NoError(t, err, "one session's failure must not abort the batch")

	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.NotReady)
}

func TestRunStageBoundsConcurrency(t *testing.T) {
	st := &queueStore{pending: pendingSessions(20)}
	proc := &countingProcessor{}
	o := NewOrchestrator(st, proc, proc, 0, 3, fastRetry())

	_, err := o.RunStage(context.Background(), model.StageSessionCreation)
	require.NoError(t, err)

	assert.Equal(t, 20, proc.calls)
	assert.LessOrEqual(t, proc.maxActive, 3)
}

func TestRunStageUnknownStage(t *testing.T) {
	o := NewOrchestrator(&queueStore{}, &countingProcessor{}, &countingProcessor{}, 10, 5, fastRetry())
	_, err := o.RunStage(context.Background(), model.Stage("BOGUS"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no processor")
}

func TestRunStageDiscoveryError(t *testing.T) {
	st := &queueStore{discoverErr: eris.New("schema out of date")}
	o := NewOrchestrator(st, &countingProcessor{}, &countingProcessor{}, 10, 5, fastRetry())

	_, err := o.RunStage(context.Background(), model.StageQuestionExtraction)
	require.Error(t, err)
	// Enrichment-family discovery is not retried.
	assert.Equal(t, 1, st.discoverCalls)
}

func TestRunStageDiscoveryRetriesTransientImportErrors(t *testing.T) {
	st := &queueStore{discoverErr: eris.New("connection reset by peer")}
	o := NewOrchestrator(st, &countingProcessor{}, &countingProcessor{}, 10, 5, fastRetry())

	_, err := o.RunStage(context.Background(), model.StageCSVImport)
	require.Error(t, err)
	// Initial attempt plus three retries.
	assert.Equal(t, 4, st.discoverCalls)
}

func TestRunAllVisitsStagesInOrder(t *testing.T) {
	st := &queueStore{}
	o := NewOrchestrator(st, &countingProcessor{}, &countingProcessor{}, 10, 5, fastRetry())

	results, err := o.RunAll(context.Background())
	require.NoError(t, err)

	require.Len(t, results, len(model.Stages))
	for i, stg := range model.Stages {
		assert.Equal(t, stg, results[i].Stage)
		assert.Zero(t, results[i].Processed)
	}
	assert.Equal(t, len(model.Stages), st.discoverCalls)
}
