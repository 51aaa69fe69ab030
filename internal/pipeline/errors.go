package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/sessions-cli/internal/model"
)

// ErrNotReady signals that a session's earlier stages are not yet
// COMPLETED or SKIPPED, so the requested stage cannot run.
var ErrNotReady = errors.New("earlier stages not complete")

// stageError attributes a failure to a specific stage. Throw sites inside
// the import chain wrap their errors so attribution is exact regardless of
// the error text.
type stageError struct {
	stage model.Stage
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error {
	return e.err
}

func failStage(stage model.Stage, err error) error {
	return &stageError{stage: stage, err: err}
}

// classifyImportError decides which import stage a failure belongs to.
// Typed attribution wins; otherwise the error text is sniffed the way the
// pipeline historically did: transcript or fetch wording points at the
// fetch stage, message or parse wording at session creation, anything else
// at CSV_IMPORT.
func classifyImportError(err error) model.Stage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "transcript") || strings.Contains(msg, "fetch"):
		return model.StageTranscriptFetch
	case strings.Contains(msg, "message") || strings.Contains(msg, "parse"):
		return model.StageSessionCreation
	default:
		return model.StageCSVImport
	}
}
