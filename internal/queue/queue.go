// Package queue implements the two-tier signal queue: fibonacci-priority
// signals drain ahead of bulk validated signals, but never monopolize a
// batch. Both queues are Redis sorted sets scored by insertion sequence, so
// restarts do not reorder pending work.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"scalping-engine/internal/kvstore"
	"scalping-engine/internal/signals"
)

// KV is the slice of the KV store the queue needs.
type KV interface {
	Incr(ctx context.Context, key string) (int64, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZPopMin(ctx context.Context, key string, count int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
}

// PriorityQueue routes validated signals into the priority or standard
// queue and drains them with a capped bias toward priority.
type PriorityQueue struct {
	kv     KV
	logger zerolog.Logger
}

// New creates the priority queue over a KV store.
func New(kv KV, logger zerolog.Logger) *PriorityQueue {
	return &PriorityQueue{
		kv:     kv,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds a validated signal to its queue, scored by a monotonic
// insertion sequence.
func (q *PriorityQueue) Enqueue(ctx context.Context, v *signals.ValidatedSignal) error {
	seq, err := q.kv.Incr(ctx, kvstore.QueueSeq)
	if err != nil {
		return fmt.Errorf("queue sequence: %w", err)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", v.SignalID, err)
	}

	key := kvstore.QueueValidated
	if v.PriorityQueue() {
		key = kvstore.QueuePriority
	}
	if err := q.kv.ZAdd(ctx, key, float64(seq), string(payload)); err != nil {
		return fmt.Errorf("enqueue signal %s: %w", v.SignalID, err)
	}
	return nil
}

// DrainBatch pops up to n signals: first up to ceil(n/2) from the priority
// queue, then the remaining capacity from the standard queue. The bias
// keeps fibonacci scalping off the head-of-line while leaving bulk signals
// at least half of every batch.
func (q *PriorityQueue) DrainBatch(ctx context.Context, n int) ([]*signals.ValidatedSignal, error) {
	if n <= 0 {
		return nil, nil
	}

	priorityShare := (n + 1) / 2
	out := make([]*signals.ValidatedSignal, 0, n)

	members, err := q.kv.ZPopMin(ctx, kvstore.QueuePriority, int64(priorityShare))
	if err != nil {
		return nil, fmt.Errorf("drain priority queue: %w", err)
	}
	out = q.decodeInto(out, members)

	if remaining := n - len(out); remaining > 0 {
		members, err = q.kv.ZPopMin(ctx, kvstore.QueueValidated, int64(remaining))
		if err != nil {
			// Priority signals are already popped; deliver them rather than
			// lose them over a standard-queue failure.
			if len(out) > 0 {
				q.logger.Warn().Err(err).Msg("standard queue drain failed, delivering priority batch")
				return out, nil
			}
			return nil, fmt.Errorf("drain validated queue: %w", err)
		}
		out = q.decodeInto(out, members)
	}

	return out, nil
}

// Depths reports the current queue lengths for metrics and health.
func (q *PriorityQueue) Depths(ctx context.Context) (priority, validated int64, err error) {
	if priority, err = q.kv.ZCard(ctx, kvstore.QueuePriority); err != nil {
		return 0, 0, err
	}
	if validated, err = q.kv.ZCard(ctx, kvstore.QueueValidated); err != nil {
		return 0, 0, err
	}
	return priority, validated, nil
}

// decodeInto unmarshals popped members, dropping any that fail to decode. A
// corrupt member is logged and skipped; the alternative is wedging the
// whole queue behind it.
func (q *PriorityQueue) decodeInto(out []*signals.ValidatedSignal, members []string) []*signals.ValidatedSignal {
	for _, m := range members {
		var v signals.ValidatedSignal
		if err := json.Unmarshal([]byte(m), &v); err != nil {
			q.logger.Error().Err(err).Msg("dropping undecodable queue member")
			continue
		}
		out = append(out, &v)
	}
	return out
}
