package task

import (
	"fmt"
	"strings"
)

// MaxReportBytes caps the size of a submitted report body.
const MaxReportBytes = 256 * 1024

// FallbackTitlePrefix labels reports synthesized from a task's last output.
const FallbackTitlePrefix = "(fallback)"

// Report is the terminal result a task hands back to its parent.
type Report struct {
	Markdown string `json:"report_markdown" yaml:"report_markdown"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Fallback bool   `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Validate enforces the final-report payload schema.
func (r *Report) Validate() error {
	if strings.TrimSpace(r.Markdown) == "" {
		return fmt.Errorf("%w: report_markdown is required", ErrInvalidReport)
	}
	if len(r.Markdown) > MaxReportBytes {
		return fmt.Errorf("%w: report_markdown exceeds %d bytes", ErrInvalidReport, MaxReportBytes)
	}
	if len(r.Title) > 256 {
		return fmt.Errorf("%w: title exceeds 256 bytes", ErrInvalidReport)
	}
	return nil
}

// FallbackReport builds the report used when a task ended its turn twice
// without submitting one.
func FallbackReport(t *Task, lastAssistantText string) Report {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = t.AgentID + " task " + t.ID
	}
	body := strings.TrimSpace(lastAssistantText)
	if body == "" {
		body = "The task ended without producing a report or any final output."
	}
	if len(body) > MaxReportBytes {
		body = body[:MaxReportBytes]
	}
	return Report{
		Markdown: body,
		Title:    FallbackTitlePrefix + " " + title,
		Fallback: true,
	}
}
