package tools

import (
	"log/slog"
	"sort"

	"github.com/flowpbx/callbridge/internal/resilience"
)

// Env is the per-call context handed to tool factories.
type Env struct {
	AgentID    string
	CallID     string
	Timezone   string
	WebhookURL string
	Hangup     func(reason string)
}

// Factory builds a tool instance for one call.
type Factory func(env Env) Tool

// Catalog holds every tool the service knows how to build. Each call gets a
// Dispatcher containing only the tools its agent enables.
type Catalog struct {
	factories map[string]Factory
	policy    *resilience.Policy
	logger    *slog.Logger
}

// NewCatalog creates an empty Catalog. policy guards the external tools of
// every dispatcher the catalog builds.
func NewCatalog(policy *resilience.Policy, logger *slog.Logger) *Catalog {
	return &Catalog{
		factories: make(map[string]Factory),
		policy:    policy,
		logger:    logger,
	}
}

// Register adds a factory under name.
func (c *Catalog) Register(name string, f Factory) {
	c.factories[name] = f
}

// Names returns the registered tool names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatcher builds a Dispatcher holding the enabled tools. Names the
// catalog does not know are skipped.
func (c *Catalog) Dispatcher(enabled []string, env Env) *Dispatcher {
	d := NewDispatcher(c.policy, c.logger)
	for _, name := range enabled {
		f, ok := c.factories[name]
		if !ok {
			c.logger.Warn("agent enables unknown tool", "tool", name, "agent_id", env.AgentID)
			continue
		}
		d.Register(f(env))
	}
	return d
}

// RegisterBuiltins adds the tools that ship with the service.
func RegisterBuiltins(c *Catalog, webhooks *WebhookClient) {
	c.Register(currentTimeName, func(env Env) Tool { return &CurrentTime{Timezone: env.Timezone} })
	c.Register(endCallName, func(env Env) Tool { return &EndCall{Hangup: env.Hangup} })
	c.Register(webhookName, func(env Env) Tool {
		return &Webhook{Client: webhooks, URL: env.WebhookURL, AgentID: env.AgentID, CallID: env.CallID}
	})
}
