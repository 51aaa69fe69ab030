package model

import "time"

// Stage identifies one of the five fixed pipeline steps for a session.
type Stage string

const (
	StageCSVImport          Stage = "CSV_IMPORT"
	StageTranscriptFetch    Stage = "TRANSCRIPT_FETCH"
	StageSessionCreation    Stage = "SESSION_CREATION"
	StageAIAnalysis         Stage = "AI_ANALYSIS"
	StageQuestionExtraction Stage = "QUESTION_EXTRACTION"
)

// Stages lists all pipeline stages in required completion order.
var Stages = []Stage{
	StageCSVImport,
	StageTranscriptFetch,
	StageSessionCreation,
	StageAIAnalysis,
	StageQuestionExtraction,
}

// ParseStage returns the Stage matching s, or false if s is not a known stage.
func ParseStage(s string) (Stage, bool) {
	for _, st := range Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// StagesBefore returns the stages strictly preceding stage in pipeline order.
// Returns nil for the first stage and for unknown stages.
func StagesBefore(stage Stage) []Stage {
	for i, st := range Stages {
		if st == stage {
			return Stages[:i]
		}
	}
	return nil
}

// Status is the processing state of a (session, stage) pair.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// CanTransition reports whether a stage status may move from one status to
// another. This is the explicit transition table; the store's upsert never
// decides a transition on its own.
//
// Notable entries: IN_PROGRESS is reachable from COMPLETED so a finished
// stage can be reopened for reprocessing, and PENDING is reachable only from
// FAILED or COMPLETED (the operator retry-reset path). SKIPPED is terminal.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusInProgress:
		return from != StatusSkipped
	case StatusCompleted, StatusFailed:
		return from != StatusSkipped
	case StatusSkipped:
		return from == StatusPending || from == StatusInProgress
	case StatusPending:
		return from == StatusFailed || from == StatusCompleted
	default:
		return false
	}
}

// StageStatus is one durable per-(session, stage) progress record.
type StageStatus struct {
	SessionID    string         `json:"session_id"`
	Stage        Stage          `json:"stage"`
	Status       Status         `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// maxMetadataEntries bounds the diagnostic metadata map.
const maxMetadataEntries = 16

// NormalizeMetadata restricts metadata to a small flat scalar map: string,
// bool, integer and float values pass through, everything else is dropped.
// Entry count is capped; nil input stays nil.
func NormalizeMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if len(out) >= maxMetadataEntries {
			break
		}
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
			out[k] = v
		}
	}
	return out
}
