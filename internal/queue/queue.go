package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "callbridge"

// QueuedCall is a call waiting for an active slot. Priority is stored but
// dequeue order is strict FIFO.
type QueuedCall struct {
	CallID      string            `json:"call_id"`
	AgentID     string            `json:"agent_id"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	QueuedAt    time.Time         `json:"queued_at"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Stats reports queue depth and lifetime counters.
type Stats struct {
	Enabled       bool  `json:"enabled"`
	Depth         int   `json:"depth"`
	MaxSize       int   `json:"max_size"`
	TotalQueued   int64 `json:"total_queued"`
	TotalDequeued int64 `json:"total_dequeued"`
}

// Options configures a Queue.
type Options struct {
	Enabled   bool
	MaxSize   int
	KeyPrefix string
}

// Queue is a bounded FIFO of calls held in a Redis list. Mutations are
// serialized by mu so the depth check and the push happen as one unit.
type Queue struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a Queue backed by rdb.
func New(rdb redis.UniversalClient, opts Options, logger *slog.Logger) *Queue {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	return &Queue{
		rdb:    rdb,
		opts:   opts,
		logger: logger.With("subsystem", "queue"),
		now:    time.Now,
	}
}

func (q *Queue) listKey() string  { return q.opts.KeyPrefix + ":queue:calls" }
func (q *Queue) statsKey() string { return q.opts.KeyPrefix + ":queue:stats" }

// Enabled reports whether queueing is turned on.
func (q *Queue) Enabled() bool { return q.opts.Enabled }

// MaxSize returns the configured depth limit.
func (q *Queue) MaxSize() int { return q.opts.MaxSize }

// Enqueue appends call to the tail. It returns false when the queue is
// disabled, full, or the store write fails.
func (q *Queue) Enqueue(ctx context.Context, call QueuedCall) bool {
	if !q.opts.Enabled {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	depth, err := q.rdb.LLen(ctx, q.listKey()).Result()
	if err != nil {
		q.logger.Error("failed to read queue depth", "call_id", call.CallID, "error", err)
		return false
	}
	if int(depth) >= q.opts.MaxSize {
		q.logger.Warn("queue full, rejecting call", "call_id", call.CallID, "depth", depth, "max_size", q.opts.MaxSize)
		return false
	}

	if call.QueuedAt.IsZero() {
		call.QueuedAt = q.now().UTC()
	}
	raw, err := json.Marshal(call)
	if err != nil {
		q.logger.Error("failed to encode queued call", "call_id", call.CallID, "error", err)
		return false
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, q.listKey(), raw)
		pipe.HIncrBy(ctx, q.statsKey(), "total_queued", 1)
		return nil
	})
	if err != nil {
		q.logger.Error("failed to enqueue call", "call_id", call.CallID, "error", err)
		return false
	}

	q.logger.Info("call queued", "call_id", call.CallID, "agent_id", call.AgentID, "position", depth+1)
	return true
}

// Dequeue removes and returns the oldest call.
func (q *Queue) Dequeue(ctx context.Context) (QueuedCall, bool) {
	if !q.opts.Enabled {
		return QueuedCall{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked(ctx)
}

func (q *Queue) popLocked(ctx context.Context) (QueuedCall, bool) {
	raw, err := q.rdb.LPop(ctx, q.listKey()).Result()
	if errors.Is(err, redis.Nil) {
		return QueuedCall{}, false
	}
	if err != nil {
		q.logger.Error("failed to dequeue call", "error", err)
		return QueuedCall{}, false
	}
	if err := q.rdb.HIncrBy(ctx, q.statsKey(), "total_dequeued", 1).Err(); err != nil {
		q.logger.Warn("failed to update queue stats", "error", err)
	}

	call, err := decode(raw)
	if err != nil {
		q.logger.Error("dropping undecodable queue entry", "error", err)
		return QueuedCall{}, false
	}
	q.logger.Info("call dequeued", "call_id", call.CallID, "waited", q.now().Sub(call.QueuedAt).Round(time.Millisecond).String())
	return call, true
}

// DequeueIf removes the head only when its call id matches callID. Waiters
// use it to claim their own slot without racing other waiters.
func (q *Queue) DequeueIf(ctx context.Context, callID string) bool {
	if !q.opts.Enabled {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	head, err := q.rdb.LIndex(ctx, q.listKey(), 0).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			q.logger.Error("failed to read queue head", "error", err)
		}
		return false
	}
	call, err := decode(head)
	if err != nil || call.CallID != callID {
		return false
	}
	_, ok := q.popLocked(ctx)
	return ok
}

// Peek returns up to n calls from the head without removing them.
func (q *Queue) Peek(ctx context.Context, n int) []QueuedCall {
	if !q.opts.Enabled || n <= 0 {
		return nil
	}
	raws, err := q.rdb.LRange(ctx, q.listKey(), 0, int64(n-1)).Result()
	if err != nil {
		q.logger.Error("failed to peek queue", "error", err)
		return nil
	}
	return decodeAll(raws, q.logger)
}

// Position returns the 1-based position of callID, or 0 when absent.
func (q *Queue) Position(ctx context.Context, callID string) int {
	if !q.opts.Enabled {
		return 0
	}
	raws, err := q.rdb.LRange(ctx, q.listKey(), 0, -1).Result()
	if err != nil {
		q.logger.Error("failed to read queue", "error", err)
		return 0
	}
	for i, raw := range raws {
		if call, err := decode(raw); err == nil && call.CallID == callID {
			return i + 1
		}
	}
	return 0
}

// Remove deletes the first queued entry for callID.
func (q *Queue) Remove(ctx context.Context, callID string) bool {
	if !q.opts.Enabled {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	raws, err := q.rdb.LRange(ctx, q.listKey(), 0, -1).Result()
	if err != nil {
		q.logger.Error("failed to read queue", "call_id", callID, "error", err)
		return false
	}
	for _, raw := range raws {
		call, err := decode(raw)
		if err != nil || call.CallID != callID {
			continue
		}
		n, err := q.rdb.LRem(ctx, q.listKey(), 1, raw).Result()
		if err != nil {
			q.logger.Error("failed to remove queued call", "call_id", callID, "error", err)
			return false
		}
		if n > 0 {
			q.logger.Info("call removed from queue", "call_id", callID)
			return true
		}
		return false
	}
	return false
}

// Clear empties the queue and returns how many calls were removed.
func (q *Queue) Clear(ctx context.Context) int {
	if !q.opts.Enabled {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var llen *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, q.listKey())
		pipe.Del(ctx, q.listKey())
		return nil
	})
	if err != nil {
		q.logger.Error("failed to clear queue", "error", err)
		return 0
	}
	n := int(llen.Val())
	q.logger.Info("queue cleared", "removed", n)
	return n
}

// Depth returns the number of queued calls.
func (q *Queue) Depth(ctx context.Context) int {
	if !q.opts.Enabled {
		return 0
	}
	n, err := q.rdb.LLen(ctx, q.listKey()).Result()
	if err != nil {
		q.logger.Error("failed to read queue depth", "error", err)
		return 0
	}
	return int(n)
}

// Stats returns depth, limit and lifetime counters.
func (q *Queue) Stats(ctx context.Context) Stats {
	st := Stats{Enabled: q.opts.Enabled, MaxSize: q.opts.MaxSize}
	if !q.opts.Enabled {
		return st
	}
	st.Depth = q.Depth(ctx)

	vals, err := q.rdb.HGetAll(ctx, q.statsKey()).Result()
	if err != nil {
		q.logger.Error("failed to read queue stats", "error", err)
		return st
	}
	st.TotalQueued, _ = strconv.ParseInt(vals["total_queued"], 10, 64)
	st.TotalDequeued, _ = strconv.ParseInt(vals["total_dequeued"], 10, 64)
	return st
}

func decode(raw string) (QueuedCall, error) {
	var call QueuedCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return QueuedCall{}, fmt.Errorf("decoding queued call: %w", err)
	}
	return call, nil
}

func decodeAll(raws []string, logger *slog.Logger) []QueuedCall {
	calls := make([]QueuedCall, 0, len(raws))
	for _, raw := range raws {
		call, err := decode(raw)
		if err != nil {
			logger.Warn("skipping undecodable queue entry", "error", err)
			continue
		}
		calls = append(calls, call)
	}
	return calls
}
