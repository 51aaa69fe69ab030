package model

import "time"

// CompanyStatus gates whether a company's sessions are eligible for
// pipeline processing.
type CompanyStatus string

const (
	CompanyActive   CompanyStatus = "ACTIVE"
	CompanyInactive CompanyStatus = "INACTIVE"
)

// Company owns sessions and carries the transcript credentials and model
// selection the pipeline needs on its behalf.
type Company struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Status             CompanyStatus `json:"status"`
	TranscriptUsername string        `json:"transcript_username,omitempty"`
	TranscriptPassword string        `json:"transcript_password,omitempty"`
	DefaultModel       string        `json:"default_model,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}
