package tools

import (
	"context"
	"time"
	_ "time/tzdata"
)

const (
	currentTimeName = "get_current_time"
	endCallName     = "end_call"
)

// CurrentTime reports the current time in the workspace timezone.
type CurrentTime struct {
	Timezone string
	now      func() time.Time
}

func (t *CurrentTime) Name() string { return currentTimeName }

func (t *CurrentTime) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        currentTimeName,
		Description: "Get the current date and time in the business's timezone.",
		Parameters:  objectSchema(map[string]any{}),
	}
}

func (t *CurrentTime) Execute(ctx context.Context, args map[string]any) (Result, error) {
	tz := t.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		tz = "UTC"
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	local := now().In(loc)
	return Success(map[string]any{
		"timezone": tz,
		"datetime": local.Format(time.RFC3339),
		"spoken":   local.Format("Monday, January 2, 2006 at 3:04 PM"),
	}), nil
}

// EndCall asks the bridge to hang up once the current response has been
// spoken.
type EndCall struct {
	Hangup func(reason string)
}

func (t *EndCall) Name() string { return endCallName }

func (t *EndCall) Definition() Definition {
	return Definition{
		Type:        "function",
		Name:        endCallName,
		Description: "End the phone call after saying goodbye.",
		Parameters: objectSchema(map[string]any{
			"reason": map[string]any{"type": "string", "description": "Why the call is ending."},
		}),
	}
}

func (t *EndCall) Execute(ctx context.Context, args map[string]any) (Result, error) {
	if t.Hangup == nil {
		return Failure("hang up is not available for this call"), nil
	}
	reason, _ := args["reason"].(string)
	t.Hangup(reason)
	return Success(map[string]any{"message": "Call will end after the current response."}), nil
}
