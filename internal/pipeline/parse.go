// Package pipeline contains the stage processors and the batch orchestrator
// that drive sessions through the pipeline.
package pipeline

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sessions-cli/internal/model"
)

// TimestampLayout is the European export timestamp format, DD.MM.YYYY HH:mm:ss.
const TimestampLayout = "02.01.2006 15:04:05"

// transcriptLineRe matches an optional bracketed timestamp prefix followed
// by the rest of the line.
var transcriptLineRe = regexp.MustCompile(`^\[(\d{2}\.\d{2}\.\d{4} \d{2}:\d{2}:\d{2})\]\s*(.*)$`)

// roleRe matches a leading speaker label, case-insensitively.
var roleRe = regexp.MustCompile(`(?i)^(user|assistant|system):\s*(.*)$`)

// ParseTimestamp parses a raw export timestamp. The format is strict; any
// deviation is an error rather than a silent fallback.
func ParseTimestamp(raw string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse timestamp %q", raw)
	}
	return t, nil
}

// ParseAvgResponse parses an average response time in seconds. Exports use
// a comma decimal separator; empty raw means zero.
func ParseAvgResponse(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse avg response %q", raw)
	}
	return v, nil
}

// ParseTranscript splits raw transcript text into ordered messages. Each
// line may carry a bracketed timestamp prefix and a speaker label; lines
// with neither become messages with an unknown role. Blank lines and lines
// with an empty content remainder are dropped. Order starts at zero and is
// assigned by position, never by timestamp.
func ParseTranscript(content string) []model.Message {
	var msgs []model.Message
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	order := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ts *time.Time
		if m := transcriptLineRe.FindStringSubmatch(line); m != nil {
			if t, err := time.Parse(TimestampLayout, m[1]); err == nil {
				ts = &t
			}
			line = strings.TrimSpace(m[2])
		}

		role := model.RoleUnknown
		text := line
		if m := roleRe.FindStringSubmatch(line); m != nil {
			role = model.Role(strings.ToLower(m[1]))
			text = strings.TrimSpace(m[2])
		}
		if text == "" {
			continue
		}

		msgs = append(msgs, model.Message{
			Role:      role,
			Content:   text,
			Timestamp: ts,
			Order:     order,
		})
		order++
	}
	return msgs
}

// countUserMessages returns how many messages were sent by the end user.
func countUserMessages(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			n++
		}
	}
	return n
}

// latestTimestamp returns the latest message timestamp, or nil when no
// message carries one.
func latestTimestamp(msgs []model.Message) *time.Time {
	var latest *time.Time
	for _, m := range msgs {
		if m.Timestamp == nil {
			continue
		}
		if latest == nil || m.Timestamp.After(*latest) {
			t := *m.Timestamp
			latest = &t
		}
	}
	return latest
}
