package router

import (
	"encoding/json"

	"github.com/KafClaw/switchboard/internal/worker"
)

// ErrorCode classifies a failed dispatch.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "validation"
	CodeSecurityViolation ErrorCode = "security_violation"
	CodeUnresolved        ErrorCode = "unresolved"
	CodeTransport         ErrorCode = "transport"
	CodeWorkerError       ErrorCode = "worker_error"
	CodeCancelled         ErrorCode = "cancelled"
)

// Result is one item of a dispatch stream: either a worker item passed
// through unchanged, or a single terminal error.
type Result struct {
	ConversationID string
	Item           worker.Item
	Error          string
	Code           ErrorCode
}

// IsError reports whether the result is a terminal error item.
func (r Result) IsError() bool {
	return r.Code != ""
}

// MarshalJSON encodes worker items verbatim and errors as
// {"error": ..., "code": ..., "conversation_id": ...}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.IsError() {
		out := map[string]any{"error": r.Error, "code": r.Code}
		if r.ConversationID != "" {
			out["conversation_id"] = r.ConversationID
		}
		return json.Marshal(out)
	}
	if r.Item == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(r.Item))
}

func errorResult(conversationID string, code ErrorCode, msg string) Result {
	return Result{ConversationID: conversationID, Error: msg, Code: code}
}
