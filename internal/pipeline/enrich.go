package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sessions-cli/internal/cost"
	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/resilience"
	"github.com/sells-group/sessions-cli/internal/stage"
	"github.com/sells-group/sessions-cli/internal/store"
	"github.com/sells-group/sessions-cli/pkg/anthropic"
)

// analysisQuestionsKey is the AI_ANALYSIS metadata key under which the
// extracted questions are stashed (newline-joined) so the extraction stage
// can run on its own without a second model call.
const analysisQuestionsKey = "questions"

// EnrichProcessor owns the two AI stages. Analysis calls the model once,
// validates the structured result strictly, and persists it; extraction
// writes the returned questions into the shared question pool and rebuilds
// the session's ordered links.
type EnrichProcessor struct {
	store        store.Store
	tracker      *stage.Tracker
	client       anthropic.Client
	calc         *cost.Calculator
	defaultModel string
	maxTokens    int64
	retry        resilience.RetryConfig
}

func NewEnrichProcessor(st store.Store, tr *stage.Tracker, client anthropic.Client, calc *cost.Calculator, defaultModel string, maxTokens int64, retry resilience.RetryConfig) *EnrichProcessor {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &EnrichProcessor{
		store:        st,
		tracker:      tr,
		client:       client,
		calc:         calc,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		retry:        retry,
	}
}

// Process runs the enrichment chain for one session starting at from.
func (p *EnrichProcessor) Process(ctx context.Context, from model.Stage, pending model.PendingSession) error {
	ready, err := p.tracker.IsReadyForStage(ctx, pending.SessionID, from)
	if err != nil {
		return err
	}
	if !ready {
		return ErrNotReady
	}

	if err := p.run(ctx, from, pending); err != nil {
		failed := from
		var se *stageError
		if errors.As(err, &se) {
			failed = se.stage
		}
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

func (p *EnrichProcessor) run(ctx context.Context, from model.Stage, pending model.PendingSession) error {
	var enrichment *model.Enrichment

	if from == model.StageAIAnalysis {
		current, err := p.tracker.Get(ctx, pending.SessionID, model.StageAIAnalysis)
		if err != nil {
			return err
		}
		if current == nil || (current.Status != model.StatusCompleted && current.Status != model.StatusSkipped) {
			enrichment, err = p.runAnalysis(ctx, pending)
			if err != nil {
				return err
			}
		}
	}

	current, err := p.tracker.Get(ctx, pending.SessionID, model.StageQuestionExtraction)
	if err != nil {
		return err
	}
	if current != nil && (current.Status == model.StatusCompleted || current.Status == model.StatusSkipped) {
		return nil
	}
	return p.runQuestions(ctx, pending, enrichment)
}

// runAnalysis performs the model call and persists the validated result.
// An audit row is written for every attempt, success or not.
func (p *EnrichProcessor) runAnalysis(ctx context.Context, pending model.PendingSession) (*model.Enrichment, error) {
	if err := p.tracker.Start(ctx, pending.SessionID, model.StageAIAnalysis, nil); err != nil {
		return nil, err
	}

	msgs, err := p.store.ListMessages(ctx, pending.SessionID)
	if err != nil {
		return nil, failStage(model.StageAIAnalysis, err)
	}
	if len(msgs) == 0 {
		return nil, failStage(model.StageAIAnalysis, eris.Errorf("session %s has no messages", pending.SessionID))
	}

	modelName := pending.DefaultModel
	if modelName == "" {
		modelName = p.defaultModel
	}

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       modelName,
		MaxTokens:   p.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(analysisSystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: renderTranscript(msgs)}},
		Temperature: &temp,
	}

	retryCfg := p.retry
	retryCfg.OnRetry = resilience.RetryLogger("enricher", "create message")
	resp, callErr := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return p.client.CreateMessage(ctx, req)
	})

	audit := model.EnrichmentRequest{
		SessionID: pending.SessionID,
		Model:     modelName,
	}

	enrichment, err := p.decodeAndStore(ctx, pending, msgs, resp, callErr)
	audit.Success = err == nil
	if err != nil {
		// Failed attempts keep zeroed counts; only the error is recorded.
		audit.ErrorMessage = err.Error()
	} else {
		audit.PromptTokens = int(resp.Usage.InputTokens)
		audit.CompletionTokens = int(resp.Usage.OutputTokens)
		audit.TotalTokens = audit.PromptTokens + audit.CompletionTokens
		audit.CachedTokens = int(resp.Usage.CacheReadInputTokens)
		audit.CostUSD = p.calc.CostUSD(modelName, audit.PromptTokens, audit.CompletionTokens, time.Now().UTC())
	}
	if auditErr := p.store.CreateEnrichmentRequest(ctx, audit); auditErr != nil {
		zap.L().Error("record enrichment request",
			zap.String("session_id", pending.SessionID),
			zap.Error(auditErr),
		)
	}
	if err != nil {
		return nil, failStage(model.StageAIAnalysis, err)
	}

	resp.Usage.LogUsage(modelName, "session analysis")
	if err := p.tracker.Complete(ctx, pending.SessionID, model.StageAIAnalysis, map[string]any{
		"model":               modelName,
		"cost_usd":            audit.CostUSD,
		analysisQuestionsKey:  strings.Join(enrichment.Questions, "\n"),
		"question_count_seen": len(enrichment.Questions),
	}); err != nil {
		return nil, err
	}
	return enrichment, nil
}

// decodeAndStore turns the raw model response into a validated enrichment
// and applies it to the session. Nothing partial is persisted: a single
// invalid field rejects the whole payload.
func (p *EnrichProcessor) decodeAndStore(ctx context.Context, pending model.PendingSession, msgs []model.Message, resp *anthropic.MessageResponse, callErr error) (*model.Enrichment, error) {
	if callErr != nil {
		return nil, eris.Wrap(callErr, "model call")
	}

	raw := stripJSONFences(resp.Text())
	var enrichment model.Enrichment
	if err := json.Unmarshal([]byte(raw), &enrichment); err != nil {
		return nil, eris.Wrap(err, "decode model response")
	}
	if err := enrichment.Validate(); err != nil {
		return nil, err
	}

	messagesSent := countUserMessages(msgs)
	endTime := latestTimestamp(msgs)
	if err := p.store.UpdateSessionEnrichment(ctx, pending.SessionID, enrichment, messagesSent, endTime); err != nil {
		return nil, err
	}
	return &enrichment, nil
}

// runQuestions writes the extracted questions into the shared pool and
// rebuilds the session's ordered question links. When invoked standalone
// it reads the questions stashed by the analysis stage.
func (p *EnrichProcessor) runQuestions(ctx context.Context, pending model.PendingSession, enrichment *model.Enrichment) error {
	var questions []string
	if enrichment != nil {
		questions = enrichment.Questions
	} else {
		stashed, err := p.stashedQuestions(ctx, pending.SessionID)
		if err != nil {
			return err
		}
		questions = stashed
	}

	if err := p.tracker.Start(ctx, pending.SessionID, model.StageQuestionExtraction, nil); err != nil {
		return err
	}

	deduped := dedupeQuestions(questions)
	pooled, err := p.store.UpsertQuestions(ctx, deduped)
	if err != nil {
		return failStage(model.StageQuestionExtraction, err)
	}
	ids := make([]string, len(pooled))
	for i, q := range pooled {
		ids[i] = q.ID
	}
	if err := p.store.ReplaceSessionQuestions(ctx, pending.SessionID, ids); err != nil {
		return failStage(model.StageQuestionExtraction, err)
	}

	return p.tracker.Complete(ctx, pending.SessionID, model.StageQuestionExtraction, map[string]any{
		"question_count": len(ids),
	})
}

// stashedQuestions recovers the question list from the completed analysis
// stage's metadata.
func (p *EnrichProcessor) stashedQuestions(ctx context.Context, sessionID string) ([]string, error) {
	st, err := p.tracker.Get(ctx, sessionID, model.StageAIAnalysis)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Status != model.StatusCompleted {
		return nil, failStage(model.StageQuestionExtraction, eris.New("analysis not completed, no questions to extract"))
	}
	raw, ok := st.Metadata[analysisQuestionsKey]
	if !ok {
		return nil, failStage(model.StageQuestionExtraction, eris.New("analysis result carries no questions, reset the analysis stage"))
	}
	joined, _ := raw.(string)
	if joined == "" {
		return nil, nil
	}
	return strings.Split(joined, "\n"), nil
}

// dedupeQuestions drops exact duplicates, keeping first-occurrence order.
// Matching is case-sensitive on the trimmed content.
func dedupeQuestions(questions []string) []string {
	seen := make(map[string]bool, len(questions))
	var out []string
	for _, q := range questions {
		t := strings.TrimSpace(q)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
