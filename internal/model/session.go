// Package model defines the entities shared across the session pipeline:
// sessions, messages, stage statuses, enrichment records and the question
// pool, plus the enums and validation rules that govern them.
package model

import "time"

// Role is the speaker of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleUnknown   Role = "unknown"
)

// Session is one normalized conversation owned by a company.
type Session struct {
	ID              string    `json:"id"`
	CompanyID       string    `json:"company_id"`
	ExternalID      string    `json:"external_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	IPAddress       string    `json:"ip_address,omitempty"`
	CountryCode     string    `json:"country_code,omitempty"`
	Language        string    `json:"language,omitempty"`
	Sentiment       Sentiment `json:"sentiment,omitempty"`
	Escalated       bool      `json:"escalated"`
	ForwardedHR     bool      `json:"forwarded_hr"`
	Category        Category  `json:"category,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	MessagesSent    int       `json:"messages_sent"`
	TranscriptURL   string    `json:"transcript_url,omitempty"`
	AvgResponseSecs float64   `json:"avg_response_secs,omitempty"`
	InitialMessage  string    `json:"initial_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Message is one transcript line, ordered within its session by Order.
// Timestamps may be absent or duplicated in source transcripts, so Order is
// the only ordering key.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Order     int        `json:"order"`
	CreatedAt time.Time  `json:"created_at"`
}

// ImportRecord is one raw export row before normalization. Fetched
// transcript content is written back onto the record so a re-run does not
// refetch.
type ImportRecord struct {
	SessionID         string    `json:"session_id"`
	CompanyID         string    `json:"company_id"`
	ExternalID        string    `json:"external_id"`
	StartTimeRaw      string    `json:"start_time_raw"`
	EndTimeRaw        string    `json:"end_time_raw"`
	IPAddress         string    `json:"ip_address,omitempty"`
	CountryCode       string    `json:"country_code,omitempty"`
	TranscriptURL     string    `json:"transcript_url,omitempty"`
	TranscriptContent string    `json:"transcript_content,omitempty"`
	AvgResponseRaw    string    `json:"avg_response_raw,omitempty"`
	InitialMessage    string    `json:"initial_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
