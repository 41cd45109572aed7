package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	if strings.HasPrefix(subject, TaskPrefix+".") {
		var p TaskEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("schema validation failed for %s: task_id is required", subject)
		}
		return nil
	}

	ws, verb, ok := ParseSessionSubject(subject)
	if !ok {
		return nil
	}

	var (
		target  any
		payload func() string
	)
	switch verb {
	case VerbSend:
		p := &SessionSendPayload{}
		target, payload = p, func() string { return p.WorkspaceID }
	case VerbResume:
		p := &SessionResumePayload{}
		target, payload = p, func() string { return p.WorkspaceID }
	case VerbStop:
		p := &SessionStopPayload{}
		target, payload = p, func() string { return p.WorkspaceID }
	case VerbStream:
		p := &SessionStreamPayload{}
		target, payload = p, func() string { return p.WorkspaceID }
	case VerbReport:
		p := &SessionReportPayload{}
		target, payload = p, func() string { return p.WorkspaceID }
	case VerbTurnEnd:
		p := &SessionTurnEndPayload{}
		target, payload = p, func() string { return p.WorkspaceID }
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if got := payload(); got != "" && got != ws {
		return fmt.Errorf("schema validation failed for %s: %w", subject, errWorkspaceMismatch)
	}
	return nil
}

var errWorkspaceMismatch = errors.New("workspace_id does not match subject")
