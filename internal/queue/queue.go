package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"kiaansync/internal/models"
	"kiaansync/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Queue is the durable FIFO of pending operations. The in-memory slice is
// authoritative between mutations; every mutation rewrites the backing
// partition in full (one transactional clear + re-put) so memory and
// storage never diverge. That is an O(n) write per mutation, acceptable
// while queues stay in the tens of entries.
type Queue struct {
	mu     sync.Mutex
	ops    []models.QueuedOperation
	seq    uint64
	store  *store.Store
	logger *zerolog.Logger
}

// New builds an empty queue over the given store.
func New(s *store.Store, logger *zerolog.Logger) *Queue {
	return &Queue{store: s, logger: logger}
}

// Load hydrates the in-memory queue from the store. Call once at startup,
// before the first drain; enqueue order is recovered from the sequence
// counter (creation time alone can tie within a millisecond).
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.store.GetAll(ctx, store.PartOperationQueue)
	if err != nil {
		return fmt.Errorf("load operation queue: %w", err)
	}

	ops := make([]models.QueuedOperation, 0, len(items))
	for _, item := range items {
		var op models.QueuedOperation
		if err := json.Unmarshal(item.Payload, &op); err != nil {
			q.logger.Error().Err(err).Str("id", item.ID).Msg("skipping undecodable queued operation")
			continue
		}
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })

	q.mu.Lock()
	q.ops = ops
	q.seq = 0
	for _, op := range ops {
		if op.Seq > q.seq {
			q.seq = op.Seq
		}
	}
	q.mu.Unlock()

	q.logger.Info().Int("pending", len(ops)).Msg("operation queue loaded")
	return nil
}

// Enqueue appends the operation with a fresh collision-resistant id and a
// zero retry counter, then persists. It returns only after the write is
// durable; on persistence failure the operation is not kept in memory
// either, so callers know it was never queued.
func (q *Queue) Enqueue(ctx context.Context, op models.QueuedOperation) (models.QueuedOperation, error) {
	now := time.Now()
	op.ID = fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	op.RetryCount = 0
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	op.Seq = q.seq
	q.ops = append(q.ops, op)
	if err := q.persistLocked(ctx); err != nil {
		q.ops = q.ops[:len(q.ops)-1]
		return models.QueuedOperation{}, fmt.Errorf("persist operation queue: %w", err)
	}
	return op, nil
}

// Snapshot returns a copy of the queue in FIFO order. Operations enqueued
// after the snapshot is taken belong to the next drain pass.
func (q *Queue) Snapshot() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.QueuedOperation(nil), q.ops...)
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Resolve applies a drain outcome: operations in remove disappear, retry
// counters in bump replace the stored ones, order is untouched. The updated
// queue is persisted in full before Resolve returns.
func (q *Queue) Resolve(ctx context.Context, remove map[string]bool, bump map[string]int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0:0]
	for _, op := range q.ops {
		if remove[op.ID] {
			continue
		}
		if count, ok := bump[op.ID]; ok {
			op.RetryCount = count
		}
		kept = append(kept, op)
	}
	q.ops = kept

	if err := q.persistLocked(ctx); err != nil {
		return fmt.Errorf("persist operation queue: %w", err)
	}
	return nil
}

// persistLocked rewrites the backing partition in one transaction, so a
// crash mid-rewrite can never lose operations that were already durable.
func (q *Queue) persistLocked(ctx context.Context) error {
	items := make([]store.Item, 0, len(q.ops))
	for _, op := range q.ops {
		payload, err := json.Marshal(op)
		if err != nil {
			return err
		}
		items = append(items, store.Item{
			ID:        op.ID,
			Kind:      op.Type,
			Key:       op.Endpoint,
			Payload:   payload,
			CreatedAt: op.CreatedAt,
		})
	}
	return q.store.ReplaceAll(ctx, store.PartOperationQueue, items)
}
