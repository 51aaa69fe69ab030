package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/sessions-cli/internal/model"
)

// analysisSystemPrompt instructs the model to return one strict JSON object.
// The category list must stay in sync with model.Categories.
const analysisSystemPrompt = `You analyze HR chatbot conversation transcripts. Given a transcript, respond with a single JSON object and nothing else. No markdown, no commentary.

The object must have exactly these fields:
- "language": ISO 639-1 code of the language the employee writes in, lowercase two letters (e.g. "nl", "de", "en").
- "sentiment": one of "POSITIVE", "NEUTRAL", "NEGATIVE". Judge the employee's overall tone.
- "escalated": true if the conversation was handed over to a human agent, else false.
- "forwarded_hr": true if the employee was told to contact HR directly, else false.
- "category": exactly one of: SCHEDULE_HOURS, LEAVE_VACATION, SICK_LEAVE, SALARY_COMPENSATION, CONTRACT_QUESTIONS, ONBOARDING, OFFBOARDING, WORKWEAR_EQUIPMENT, ACCESS_LOGIN, PERSONAL_QUESTIONS, SOCIAL_QUESTIONS, RULES_REGULATIONS, UNRECOGNIZED_OTHER. Pick the dominant topic; use UNRECOGNIZED_OTHER only when nothing fits.
- "questions": array of at most 5 strings, the distinct questions the employee asked, paraphrased as short standalone English questions. Empty array if none.
- "summary": one neutral summary of the conversation, 10 to 300 characters, in English.`

// renderTranscript formats messages for the analysis prompt, one line per
// message. Messages without a timestamp fall back to their ingestion time.
func renderTranscript(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		ts := m.CreatedAt
		if m.Timestamp != nil {
			ts = *m.Timestamp
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts.Format(TimestampLayout), m.Role, m.Content)
	}
	return b.String()
}

// stripJSONFences removes a surrounding markdown code fence if the model
// added one despite instructions.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
