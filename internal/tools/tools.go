// Package tools routes model-initiated function calls to tool
// implementations and always produces a structured result.
package tools

import (
	"context"
	"encoding/json"
)

// Definition is the function schema advertised to the realtime model.
type Definition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Result is the structured payload returned to the model. It always carries
// a "success" boolean.
type Result map[string]any

// Success returns a successful result carrying fields.
func Success(fields map[string]any) Result {
	r := Result{"success": true}
	for k, v := range fields {
		if k != "success" {
			r[k] = v
		}
	}
	return r
}

// Failure returns an unsuccessful result with an error message.
func Failure(msg string) Result {
	return Result{"success": false, "error": msg}
}

// OK reports the result's success flag.
func (r Result) OK() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// JSON encodes the result for a function_call_output item.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Failure("result not serializable: " + err.Error()))
	}
	return string(b)
}

// Tool is one capability a model can invoke. Execute returns an error only
// for failures worth retrying or reporting; expected business outcomes are
// expressed in the Result.
type Tool interface {
	Name() string
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// External is implemented by tools that call services outside the process.
// Only external tools run through the dispatcher's resilience policy, so a
// failing endpoint cannot open the breaker for in-process tools like
// end_call.
type External interface {
	External() bool
}

func isExternal(t Tool) bool {
	e, ok := t.(External)
	return ok && e.External()
}

// objectSchema builds a JSON-schema object with the given properties.
func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
