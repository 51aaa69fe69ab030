package model

import (
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Sentiment is the AI-assessed overall tone of a session.
type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
)

// Category classifies what a session was about. The set is fixed; the model
// must pick exactly one.
type Category string

const (
	CategoryScheduleHours      Category = "SCHEDULE_HOURS"
	CategoryLeaveVacation      Category = "LEAVE_VACATION"
	CategorySickLeave          Category = "SICK_LEAVE"
	CategorySalaryCompensation Category = "SALARY_COMPENSATION"
	CategoryContractQuestions  Category = "CONTRACT_QUESTIONS"
	CategoryOnboarding         Category = "ONBOARDING"
	CategoryOffboarding        Category = "OFFBOARDING"
	CategoryWorkwearEquipment  Category = "WORKWEAR_EQUIPMENT"
	CategoryAccessLogin        Category = "ACCESS_LOGIN"
	CategoryPersonalQuestions  Category = "PERSONAL_QUESTIONS"
	CategorySocialQuestions    Category = "SOCIAL_QUESTIONS"
	CategoryRulesRegulations   Category = "RULES_REGULATIONS"
	CategoryUnrecognizedOther  Category = "UNRECOGNIZED_OTHER"
)

// Categories lists every valid session category.
var Categories = []Category{
	CategoryScheduleHours,
	CategoryLeaveVacation,
	CategorySickLeave,
	CategorySalaryCompensation,
	CategoryContractQuestions,
	CategoryOnboarding,
	CategoryOffboarding,
	CategoryWorkwearEquipment,
	CategoryAccessLogin,
	CategoryPersonalQuestions,
	CategorySocialQuestions,
	CategoryRulesRegulations,
	CategoryUnrecognizedOther,
}

// ValidCategory reports whether c is a member of the fixed category set.
func ValidCategory(c Category) bool {
	for _, cat := range Categories {
		if c == cat {
			return true
		}
	}
	return false
}

// ValidSentiment reports whether s is POSITIVE, NEUTRAL or NEGATIVE.
func ValidSentiment(s Sentiment) bool {
	return s == SentimentPositive || s == SentimentNeutral || s == SentimentNegative
}

var languageRe = regexp.MustCompile(`^[a-z]{2}$`)

const (
	summaryMinLen = 10
	summaryMaxLen = 300
	maxQuestions  = 5
)

// Enrichment is the structured payload the model must return for a session.
// Validate enforces every bound before any field is persisted.
type Enrichment struct {
	Language    string    `json:"language"`
	Sentiment   Sentiment `json:"sentiment"`
	Escalated   bool      `json:"escalated"`
	ForwardedHR bool      `json:"forwarded_hr"`
	Category    Category  `json:"category"`
	Questions   []string  `json:"questions"`
	Summary     string    `json:"summary"`
}

// Validate checks every field strictly. A single violation fails the whole
// enrichment attempt; nothing partial is ever persisted.
func (e *Enrichment) Validate() error {
	if !languageRe.MatchString(e.Language) {
		return eris.Errorf("enrichment: invalid language code %q", e.Language)
	}
	if !ValidSentiment(e.Sentiment) {
		return eris.Errorf("enrichment: invalid sentiment %q", e.Sentiment)
	}
	if !ValidCategory(e.Category) {
		return eris.Errorf("enrichment: invalid category %q", e.Category)
	}
	if e.Questions == nil {
		return eris.New("enrichment: questions must be an array")
	}
	if len(e.Questions) > maxQuestions {
		return eris.Errorf("enrichment: %d questions exceeds limit of %d", len(e.Questions), maxQuestions)
	}
	if n := utf8.RuneCountInString(e.Summary); n < summaryMinLen || n > summaryMaxLen {
		return eris.Errorf("enrichment: summary length %d outside [%d, %d]", n, summaryMinLen, summaryMaxLen)
	}
	return nil
}

// EnrichmentRequest is one append-only audit row per external-model call
// attempt. Rows are never updated; a retry appends a new row.
type EnrichmentRequest struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CachedTokens     int       `json:"cached_tokens,omitempty"`
	AudioTokens      int       `json:"audio_tokens,omitempty"`
	ReasoningTokens  int       `json:"reasoning_tokens,omitempty"`
	CostUSD          float64   `json:"cost_usd"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
