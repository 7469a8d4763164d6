package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "callbridge"
	metaFieldPrefix  = "meta:"
	scanBatch        = 100
)

// CallInfo is the registry record for one active call.
type CallInfo struct {
	CallID      string            `json:"call_id"`
	AgentID     string            `json:"agent_id"`
	StartedAt   time.Time         `json:"started_at"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Options configures a Registry.
type Options struct {
	Enabled      bool
	TTL          time.Duration
	DrainTimeout time.Duration // TTL of the mirrored shutdown flag
	KeyPrefix    string
}

// Registry tracks active calls in Redis for capacity accounting and graceful
// shutdown. Every operation is best-effort: store failures are logged and
// degrade to a neutral result, never an error.
type Registry struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *slog.Logger

	shuttingDown atomic.Bool
	pollInterval time.Duration
	now          func() time.Time
}

// New creates a Registry backed by rdb.
func New(rdb redis.UniversalClient, opts Options, logger *slog.Logger) *Registry {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	return &Registry{
		rdb:          rdb,
		opts:         opts,
		logger:       logger.With("subsystem", "registry"),
		pollInterval: time.Second,
		now:          time.Now,
	}
}

func (r *Registry) callKey(callID string) string {
	return r.opts.KeyPrefix + ":calls:" + callID
}

func (r *Registry) callPattern() string {
	return r.opts.KeyPrefix + ":calls:*"
}

func (r *Registry) shutdownKey() string {
	return r.opts.KeyPrefix + ":shutdown"
}

// Enabled reports whether registry tracking is turned on.
func (r *Registry) Enabled() bool { return r.opts.Enabled }

// Register records callID as active. Re-registering an id overwrites its
// fields and refreshes its TTL. It returns false only when the store write
// fails; the caller should proceed with the call regardless.
func (r *Registry) Register(ctx context.Context, callID, agentID, phoneNumber string, metadata map[string]string) bool {
	if !r.opts.Enabled {
		return true
	}

	key := r.callKey(callID)
	fields := map[string]any{
		"call_id":    callID,
		"agent_id":   agentID,
		"started_at": r.now().UTC().Format(time.RFC3339Nano),
	}
	if phoneNumber != "" {
		fields["phone_number"] = phoneNumber
	}
	for k, v := range metadata {
		fields[metaFieldPrefix+k] = v
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, r.opts.TTL)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to register call", "call_id", callID, "agent_id", agentID, "error", err)
		return false
	}

	r.logger.Info("call registered", "call_id", callID, "agent_id", agentID)
	return true
}

// Unregister removes callID. A missing record is not an error.
func (r *Registry) Unregister(ctx context.Context, callID string) bool {
	if !r.opts.Enabled {
		return true
	}

	n, err := r.rdb.Del(ctx, r.callKey(callID)).Result()
	if err != nil {
		r.logger.Error("failed to unregister call", "call_id", callID, "error", err)
		return false
	}
	if n == 0 {
		r.logger.Warn("call not found in registry", "call_id", callID)
	} else {
		r.logger.Info("call unregistered", "call_id", callID)
	}
	return true
}

// Get returns the record for callID.
func (r *Registry) Get(ctx context.Context, callID string) (CallInfo, bool) {
	if !r.opts.Enabled {
		return CallInfo{}, false
	}
	vals, err := r.rdb.HGetAll(ctx, r.callKey(callID)).Result()
	if err != nil {
		r.logger.Error("failed to read call", "call_id", callID, "error", err)
		return CallInfo{}, false
	}
	if len(vals) == 0 {
		return CallInfo{}, false
	}
	return parseCallInfo(vals), true
}

// Count returns the number of registered calls. It is an approximation: a
// record can expire while its call is still streaming.
func (r *Registry) Count(ctx context.Context) int {
	if !r.opts.Enabled {
		return 0
	}
	keys, err := r.scanKeys(ctx)
	if err != nil {
		r.logger.Error("failed to count calls", "error", err)
		return 0
	}
	return len(keys)
}

// ListActive returns every registered call.
func (r *Registry) ListActive(ctx context.Context) []CallInfo {
	if !r.opts.Enabled {
		return nil
	}
	keys, err := r.scanKeys(ctx)
	if err != nil {
		r.logger.Error("failed to list calls", "error", err)
		return nil
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error("failed to read calls", "error", err)
		return nil
	}

	calls := make([]CallInfo, 0, len(cmds))
	for _, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			// Expired between SCAN and HGETALL.
			continue
		}
		calls = append(calls, parseCallInfo(vals))
	}
	return calls
}

func (r *Registry) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.callPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning call keys: %w", err)
	}
	return keys, nil
}

func parseCallInfo(vals map[string]string) CallInfo {
	info := CallInfo{
		CallID:      vals["call_id"],
		AgentID:     vals["agent_id"],
		PhoneNumber: vals["phone_number"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["started_at"]); err == nil {
		info.StartedAt = ts
	}
	for k, v := range vals {
		if name, ok := strings.CutPrefix(k, metaFieldPrefix); ok {
			if info.Metadata == nil {
				info.Metadata = make(map[string]string)
			}
			info.Metadata[name] = v
		}
	}
	return info
}

// SetShuttingDown sets the process shutdown flag and mirrors it into Redis so
// readiness checks in other processes can observe it. The mirror expires
// after the drain timeout.
func (r *Registry) SetShuttingDown(ctx context.Context, v bool) {
	r.shuttingDown.Store(v)
	r.logger.Info("shutdown flag changed", "shutting_down", v)

	if !r.opts.Enabled {
		return
	}
	var err error
	if v {
		err = r.rdb.Set(ctx, r.shutdownKey(), "1", r.opts.DrainTimeout).Err()
	} else {
		err = r.rdb.Del(ctx, r.shutdownKey()).Err()
	}
	if err != nil {
		r.logger.Error("failed to mirror shutdown flag", "error", err)
	}
}

// IsShuttingDown reports the process shutdown flag.
func (r *Registry) IsShuttingDown() bool {
	return r.shuttingDown.Load()
}

// PeerShuttingDown reports whether any process sharing the store has set the
// shutdown flag.
func (r *Registry) PeerShuttingDown(ctx context.Context) bool {
	if r.IsShuttingDown() {
		return true
	}
	if !r.opts.Enabled {
		return false
	}
	n, err := r.rdb.Exists(ctx, r.shutdownKey()).Result()
	if err != nil {
		r.logger.Error("failed to read shutdown flag", "error", err)
		return false
	}
	return n > 0
}

// WaitForDrain polls Count once per poll interval until it reaches zero or
// timeout elapses. It reports whether the registry drained.
func (r *Registry) WaitForDrain(ctx context.Context, timeout time.Duration) bool {
	deadline := r.now().Add(timeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		n := r.Count(ctx)
		if n == 0 {
			r.logger.Info("all calls drained")
			return true
		}
		if !r.now().Before(deadline) {
			r.logger.Warn("drain timeout reached", "remaining_calls", n)
			return false
		}
		r.logger.Info("waiting for calls to drain", "active_calls", n, "remaining", deadline.Sub(r.now()).Round(time.Second).String())

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Ping checks store connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}
