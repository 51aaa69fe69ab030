package model

import "time"

// PipelineStatus is the read-only operational summary: total sessions plus a
// sparse (stage, status) count matrix. Absent combinations mean zero.
type PipelineStatus struct {
	TotalSessions int               `json:"total_sessions"`
	StageCounts   []StageStatusCount `json:"stage_counts"`
}

// StageStatusCount is one observed (stage, status) pair with its count.
type StageStatusCount struct {
	Stage  Stage  `json:"stage"`
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

// FailedSession carries enough session and import identity for a human to
// diagnose a FAILED stage row.
type FailedSession struct {
	SessionID    string     `json:"session_id"`
	CompanyID    string     `json:"company_id"`
	ExternalID   string     `json:"external_id"`
	Stage        Stage      `json:"stage"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// PendingSession is the discovery projection handed to a processor: the
// minimal session/company fields the target stage needs. The import-family
// stages carry the raw import record and transcript credentials; the
// enrichment-family stages carry identity only.
type PendingSession struct {
	SessionID  string    `json:"session_id"`
	CompanyID  string    `json:"company_id"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`

	// Populated only for CSV_IMPORT, TRANSCRIPT_FETCH and SESSION_CREATION.
	Import             *ImportRecord `json:"import,omitempty"`
	TranscriptUsername string        `json:"transcript_username,omitempty"`
	TranscriptPassword string        `json:"transcript_password,omitempty"`

	// Populated only for AI_ANALYSIS and QUESTION_EXTRACTION.
	DefaultModel string `json:"default_model,omitempty"`
}
