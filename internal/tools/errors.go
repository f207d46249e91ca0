package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not registered, or whose collaborator was not configured at
// startup. It is a capability mismatch, not a transient failure, and is
// reported to the model as an unsupported request.
type ErrToolUnavailable struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tool %q is not available in this context: %s", e.ToolName, e.Reason)
	}
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

func unavailable(tool, collaborator string) error {
	return &ErrToolUnavailable{ToolName: tool, Reason: collaborator + " is not configured"}
}
