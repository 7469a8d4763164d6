package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/callbridge/internal/resilience"
)

// Dispatcher maps tool names to the tools enabled for one call.
type Dispatcher struct {
	tools  map[string]Tool
	policy *resilience.Policy
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. External tools run through policy
// when it is non-nil; in-process tools always run directly.
func NewDispatcher(policy *resilience.Policy, logger *slog.Logger, ts ...Tool) *Dispatcher {
	d := &Dispatcher{
		tools:  make(map[string]Tool, len(ts)),
		policy: policy,
		logger: logger.With("subsystem", "tools"),
	}
	for _, t := range ts {
		d.Register(t)
	}
	return d
}

// Register adds t, replacing any tool with the same name.
func (d *Dispatcher) Register(t Tool) {
	d.tools[t.Name()] = t
}

// Names returns the registered tool names in sorted order.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the schemas of every registered tool, sorted by name.
func (d *Dispatcher) Definitions() []Definition {
	names := d.Names()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, d.tools[name].Definition())
	}
	return defs
}

// Execute runs the named tool with JSON-encoded arguments. It never returns
// an error: unknown tools, bad arguments and tool failures all become
// unsuccessful results so the model is never left waiting.
func (d *Dispatcher) Execute(ctx context.Context, name, rawArgs string) Result {
	logger := d.logger.With("tool", name)

	t, ok := d.tools[name]
	if !ok {
		logger.Warn("unknown tool requested")
		return Failure("Unknown tool: " + name)
	}

	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			logger.Warn("invalid tool arguments", "error", err)
			return Failure(fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	start := time.Now()
	var (
		res Result
		err error
	)
	run := func(ctx context.Context) (Result, error) { return t.Execute(ctx, args) }
	if d.policy != nil && isExternal(t) {
		res, err = resilience.Do(ctx, d.policy, run)
	} else {
		res, err = run(ctx)
	}
	if err != nil {
		logger.Error("tool execution failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return Failure(err.Error())
	}
	if res == nil {
		res = Success(nil)
	}
	if _, ok := res["success"]; !ok {
		res["success"] = true
	}

	logger.Info("tool executed", "success", res.OK(), "duration_ms", time.Since(start).Milliseconds())
	return res
}
