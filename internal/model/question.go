package model

import "time"

// Question is one entry in the deduplicated global question pool. Content is
// unique case-sensitively after trimming.
type Question struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionQuestion links a session to a pool question, preserving the order
// the model returned. A session's links are rebuilt wholesale on each
// extraction; the shared pool is never touched for other sessions.
type SessionQuestion struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	Order      int    `json:"order"`
}
