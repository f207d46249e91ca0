package tools

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxContentBytes bounds the result text handed back to the model.
const MaxContentBytes = 64 << 10

// FailureKind classifies a tool failure.
type FailureKind string

// Failure kinds.
const (
	KindSchemaViolation     FailureKind = "schema_violation"
	KindCollaboratorFailure FailureKind = "collaborator_failure"
	KindTimeout             FailureKind = "timeout"
	KindUnsupported         FailureKind = "unsupported"
)

// Failure is the structured error half of a tool result. Handlers may
// return one directly to pick the kind; anything else is classified by
// the executor.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"error"`
	Detail  string      `json:"detail,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Detail != "" {
		return f.Message + ": " + f.Detail
	}
	return f.Message
}

// Warning records a requested value the tool changed before calling its
// collaborator, typically a clamped date.
type Warning struct {
	Field     string `json:"field"`
	Requested string `json:"requested"`
	Actual    string `json:"actual"`
	Message   string `json:"message"`
}

// Result is the envelope every execution returns: either Data or
// Failure is set, never both.
type Result struct {
	Tool     string        `json:"tool"`
	Data     any           `json:"data,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
	Warnings []Warning     `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the tool succeeded.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Content renders the result as the JSON text handed back to the model.
// Warnings are folded into object payloads under "warnings" so the
// model sees which ranges were altered. Text beyond MaxContentBytes is
// cut with a note asking for a narrower request.
func (r Result) Content() string {
	return capContent(r.content(), MaxContentBytes)
}

func (r Result) content() string {
	if r.Failure != nil {
		body := map[string]any{
			"error": r.Failure.Message,
			"kind":  r.Failure.Kind,
		}
		if r.Failure.Detail != "" {
			body["detail"] = r.Failure.Detail
		}
		if len(r.Warnings) > 0 {
			body["warnings"] = r.Warnings
		}
		return mustJSON(body)
	}

	raw, err := json.Marshal(r.Data)
	if err != nil {
		return mustJSON(map[string]any{"error": "encode result: " + err.Error(), "kind": KindCollaboratorFailure})
	}
	if len(r.Warnings) == 0 {
		return string(raw)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return string(raw)
	}
	obj["warnings"] = r.Warnings
	return mustJSON(obj)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"encode result"}`
	}
	return string(b)
}

func capContent(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[... %d bytes omitted; narrow the query, add a LIMIT or aggregate ...]", len(s)-cut)
}
