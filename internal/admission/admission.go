package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callbridge/internal/queue"
)

// Outcome of an admission decision.
type Outcome string

const (
	Admitted Outcome = "admitted"
	Rejected Outcome = "rejected"
)

// Rejection reasons.
const (
	ReasonShuttingDown = "shutting_down"
	ReasonAtCapacity   = "at_capacity"
	ReasonQueueFull    = "queue_full"
	ReasonQueueTimeout = "queue_timeout"
	ReasonCanceled     = "canceled"
)

// Registry is the subset of the call registry admission needs.
type Registry interface {
	IsShuttingDown() bool
	Count(ctx context.Context) int
}

// Queue is the subset of the admission queue admission needs.
type Queue interface {
	Enabled() bool
	Enqueue(ctx context.Context, call queue.QueuedCall) bool
	DequeueIf(ctx context.Context, callID string) bool
	Remove(ctx context.Context, callID string) bool
	Depth(ctx context.Context) int
}

// Request describes a call asking to be admitted.
type Request struct {
	CallID      string
	AgentID     string
	PhoneNumber string
	Priority    int
	Metadata    map[string]string
}

// Decision is the result of Admit.
type Decision struct {
	Outcome Outcome
	Reason  string
	Queued  bool          // the call waited in the queue
	Waited  time.Duration // time spent queued
}

// Options configures a Controller.
type Options struct {
	MaxConcurrent int // 0 means unlimited
	WaitTimeout   time.Duration
	PollInterval  time.Duration
}

// Controller decides whether a new call proceeds immediately, waits in the
// queue for a free slot, or is rejected.
type Controller struct {
	registry Registry
	queue    Queue
	opts     Options
	logger   *slog.Logger
}

// New creates a Controller.
func New(registry Registry, q Queue, opts Options, logger *slog.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Controller{
		registry: registry,
		queue:    q,
		opts:     opts,
		logger:   logger.With("subsystem", "admission"),
	}
}

func (c *Controller) hasCapacity(ctx context.Context) bool {
	return c.opts.MaxConcurrent <= 0 || c.registry.Count(ctx) < c.opts.MaxConcurrent
}

// Admit blocks until req is admitted or rejected. A queued call leaves the
// queue before it is admitted, so it is never both queued and active. While
// calls are waiting a new call joins the back of the queue even when a slot
// is free, so it cannot overtake them.
func (c *Controller) Admit(ctx context.Context, req Request) Decision {
	logger := c.logger.With("call_id", req.CallID, "agent_id", req.AgentID)

	if c.registry.IsShuttingDown() {
		logger.Warn("rejecting call, shutting down")
		return Decision{Outcome: Rejected, Reason: ReasonShuttingDown}
	}
	if c.hasCapacity(ctx) && (!c.queue.Enabled() || c.queue.Depth(ctx) == 0) {
		return Decision{Outcome: Admitted}
	}
	if !c.queue.Enabled() {
		logger.Warn("rejecting call, at capacity", "max_concurrent", c.opts.MaxConcurrent)
		return Decision{Outcome: Rejected, Reason: ReasonAtCapacity}
	}

	start := time.Now()
	queued := c.queue.Enqueue(ctx, queue.QueuedCall{
		CallID:      req.CallID,
		AgentID:     req.AgentID,
		PhoneNumber: req.PhoneNumber,
		Priority:    req.Priority,
		Metadata:    req.Metadata,
	})
	if !queued {
		return Decision{Outcome: Rejected, Reason: ReasonQueueFull}
	}

	d := c.wait(ctx, req.CallID)
	d.Queued = true
	d.Waited = time.Since(start)
	logger.Info("queued call resolved", "outcome", string(d.Outcome), "reason", d.Reason, "waited", d.Waited.Round(time.Millisecond).String())
	return d
}

func (c *Controller) wait(ctx context.Context, callID string) Decision {
	var timeout <-chan time.Time
	if c.opts.WaitTimeout > 0 {
		t := time.NewTimer(c.opts.WaitTimeout)
		defer t.Stop()
		timeout = t.C
	}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	// Removal uses a fresh context so a canceled caller still leaves the queue.
	leave := func(reason string) Decision {
		c.queue.Remove(context.WithoutCancel(ctx), callID)
		return Decision{Outcome: Rejected, Reason: reason}
	}

	for {
		if c.registry.IsShuttingDown() {
			return leave(ReasonShuttingDown)
		}
		if c.hasCapacity(ctx) && c.queue.DequeueIf(ctx, callID) {
			return Decision{Outcome: Admitted}
		}

		select {
		case <-ctx.Done():
			return leave(ReasonCanceled)
		case <-timeout:
			return leave(ReasonQueueTimeout)
		case <-ticker.C:
		}
	}
}
