package reclaim

import (
	"fmt"
	"strings"
)

// OutcomeKind buckets a partial-success response.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomePartial OutcomeKind = "partial"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeNoop    OutcomeKind = "noop"
)

// Severity is how an outcome should be presented.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
)

// Outcome is the user-facing classification of a clear or unload response.
type Outcome struct {
	Kind     OutcomeKind
	Severity Severity
	Title    string
	Messages []string
}

// String joins title and messages for plain-text output.
func (o Outcome) String() string {
	return o.Title + ": " + strings.Join(o.Messages, " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// ClassifyClear maps cache-clear counts to an outcome.
// Both skip reasons count towards the skipped total.
func ClassifyClear(cleared, skippedInProgress, skippedAwaitingDownload int) Outcome {
	out := Outcome{Kind: OutcomeSuccess, Severity: SeveritySuccess, Title: "Success"}

	if cleared > 0 {
		out.Messages = append(out.Messages, fmt.Sprintf("Successfully cleared %d %s from the cache.",
			cleared, plural(cleared, "file", "files")))
	}
	if skippedInProgress > 0 {
		out.Messages = append(out.Messages, fmt.Sprintf("Skipped %d %s as %s currently being processed.",
			skippedInProgress, plural(skippedInProgress, "file", "files"), plural(skippedInProgress, "it is", "they are")))
	}
	if skippedAwaitingDownload > 0 {
		out.Messages = append(out.Messages, fmt.Sprintf("Skipped %d %s that %s awaiting download.",
			skippedAwaitingDownload, plural(skippedAwaitingDownload, "file", "files"), plural(skippedAwaitingDownload, "is", "are")))
	}

	skipped := skippedInProgress + skippedAwaitingDownload
	switch {
	case skipped > 0 && cleared > 0:
		out.Kind, out.Severity, out.Title = OutcomePartial, SeverityWarning, "Cache Partially Cleared"
	case skipped > 0:
		out.Kind, out.Severity = OutcomeFailure, SeverityError
		out.Title = plural(skipped, "Cache File in Use", "Cache Files in Use")
	case cleared == 0:
		out.Kind, out.Severity, out.Title = OutcomeNoop, SeverityInfo, "Info"
		out.Messages = append(out.Messages, "No files were eligible for clearing.")
	}
	return out
}

// ClassifyUnload maps model-unload lists to an outcome.
func ClassifyUnload(unloaded, skipped []string) Outcome {
	out := Outcome{Kind: OutcomeSuccess, Severity: SeveritySuccess, Title: "Success"}

	if n := len(unloaded); n > 0 {
		out.Messages = append(out.Messages, fmt.Sprintf("Successfully unloaded %d %s: %s.",
			n, plural(n, "model", "models"), strings.Join(unloaded, ", ")))
	}
	if n := len(skipped); n > 0 {
		out.Messages = append(out.Messages, fmt.Sprintf("Could not unload %d %s as %s in use: %s.",
			n, plural(n, "model", "models"), plural(n, "it is", "they are"), strings.Join(skipped, ", ")))
	}

	switch {
	case len(skipped) > 0 && len(unloaded) > 0:
		out.Kind, out.Severity, out.Title = OutcomePartial, SeverityWarning, "Action Partially Completed"
	case len(skipped) > 0:
		out.Kind, out.Severity = OutcomeFailure, SeverityError
		out.Title = plural(len(skipped), "Model in Use", "Models in Use")
	case len(unloaded) == 0:
		out.Kind, out.Severity, out.Title = OutcomeNoop, SeverityInfo, "Info"
		out.Messages = append(out.Messages, "No models were eligible for unloading.")
	}
	return out
}
