package httpserver

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/MSR806/writers-llm-backend/internal/queue"
)

// jobFilter wraps a compiled CEL program evaluated against job envelopes by
// the list endpoint. When disabled, Match always returns true.
type jobFilter struct {
	prog    cel.Program
	enabled bool
}

func newJobFilter(expr string) (jobFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return jobFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("state", cel.StringType),
		cel.Variable("lane", cel.StringType),
		cel.Variable("attempts", cel.IntType),
		cel.Variable("max_attempts", cel.IntType),
		cel.Variable("submitted_by", cel.StringType),
		cel.Variable("cancel_requested", cel.BoolType),
		cel.Variable("error", cel.StringType),
		// Expose the parsed payload for field filtering
		cel.Variable("payload", cel.DynType),
		cel.Variable("enqueued_ms", cel.IntType),
		cel.Variable("updated_ms", cel.IntType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return jobFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return jobFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return jobFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return jobFilter{}, err
	}
	return jobFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the compiled expression against a job. When disabled,
// returns true.
func (f jobFilter) Match(j *queue.Job) bool {
	if !f.enabled {
		return true
	}
	var payload any
	_ = json.Unmarshal(j.Payload, &payload)
	out, _, err := f.prog.Eval(map[string]any{
		"id":               j.ID,
		"state":            string(j.State),
		"lane":             string(j.Lane),
		"attempts":         int64(j.Attempts),
		"max_attempts":     int64(j.MaxAttempts),
		"submitted_by":     j.SubmittedBy,
		"cancel_requested": j.CancelRequested,
		"error":            j.Error,
		"payload":          payload,
		"enqueued_ms":      j.EnqueuedAtMs,
		"updated_ms":       j.UpdatedAtMs,
		"now_ms":           time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
