// Package engine drains the offline operation queue against the remote API
// whenever connectivity allows, and owns the offline response cache. It is
// the only component that mutates queued operations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"kiaansync/internal/connectivity"
	"kiaansync/internal/metrics"
	"kiaansync/internal/models"
	"kiaansync/internal/notify"
	"kiaansync/internal/queue"
	"kiaansync/internal/replay"
	"kiaansync/internal/repository"
	"kiaansync/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const deadLetterKey = "offline:deadletter"

// Options carries the engine tunables. Zero values fall back to the
// profile defaults from models.
type Options struct {
	MaxRetries      int
	DefaultCacheTTL time.Duration
	CleanupInterval time.Duration
	Backoff         RetryPolicy
}

// Engine coordinates queue, connectivity, replay transport and response
// cache. Construct one per application; tests build isolated instances.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	monitor  *connectivity.Monitor
	replayer replay.Replayer
	cache    repository.ResponseCache
	notifier *notify.Notifier
	redis    *redis.Client
	logger   *zerolog.Logger
	opts     Options

	passthrough bool

	mu       sync.Mutex
	syncing  bool
	started  bool
	failRuns int

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine over an initialized store. redisClient may be nil;
// it only carries the dead-letter list for dropped operations.
func New(
	s *store.Store,
	q *queue.Queue,
	mon *connectivity.Monitor,
	rep replay.Replayer,
	cache repository.ResponseCache,
	redisClient *redis.Client,
	logger *zerolog.Logger,
	opts Options,
) *Engine {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = models.DefaultMaxRetriesWeb
	}
	if opts.DefaultCacheTTL == 0 {
		opts.DefaultCacheTTL = models.DefaultCacheTTL
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = models.DefaultCleanupInterval
	}
	if opts.Backoff.InitialDelay == 0 {
		opts.Backoff.InitialDelay = 2 * time.Second
	}
	if opts.Backoff.MaxDelay == 0 {
		opts.Backoff.MaxDelay = time.Minute
	}
	if opts.Backoff.BackoffFactor == 0 {
		opts.Backoff.BackoffFactor = 2
	}

	return &Engine{
		store:    s,
		queue:    q,
		monitor:  mon,
		replayer: rep,
		cache:    cache,
		redis:    redisClient,
		logger:   logger,
		opts:     opts,
		notifier: notify.New(models.OfflineState{
			IsOnline:   mon.IsOnline(),
			SyncStatus: models.SyncStatusSynced,
		}),
		kick: make(chan struct{}, 1),
	}
}

// NewPassthrough builds the degraded engine used when the local store
// cannot be opened: operations replay immediately, nothing is queued or
// cached, and state reports always-online.
func NewPassthrough(rep replay.Replayer, logger *zerolog.Logger) *Engine {
	return &Engine{
		replayer:    rep,
		logger:      logger,
		passthrough: true,
		notifier: notify.New(models.OfflineState{
			IsOnline:   true,
			SyncStatus: models.SyncStatusSynced,
		}),
		kick: make(chan struct{}, 1),
	}
}

// Start hydrates the queue from storage, hooks connectivity transitions
// and launches the background loop (re-drain backoff, cache sweeps).
func (e *Engine) Start(ctx context.Context) error {
	if e.passthrough {
		e.logger.Warn().Msg("offline store unavailable, running in passthrough mode")
		return nil
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.queue.Load(ctx); err != nil {
		return fmt.Errorf("hydrate operation queue: %w", err)
	}
	pending := e.queue.Len()
	metrics.SetPending(pending)
	e.notifier.Update(func(s *models.OfflineState) {
		s.PendingCount = pending
		if pending > 0 {
			s.SyncStatus = models.SyncStatusPending
		}
	})

	e.monitor.Subscribe(func(online bool) {
		e.notifier.Update(func(s *models.OfflineState) { s.IsOnline = online })
		if online {
			e.requestDrain()
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx)

	if e.monitor.IsOnline() && pending > 0 {
		e.requestDrain()
	}
	return nil
}

// Stop halts the background loop. A drain in flight completes first.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	cleanup := time.NewTicker(e.opts.CleanupInterval)
	defer cleanup.Stop()

	var retryC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			e.cleanupCaches(ctx)
		case <-e.kick:
			retryC = e.drainAndSchedule(ctx)
		case <-retryC:
			retryC = e.drainAndSchedule(ctx)
		}
	}
}

// drainAndSchedule runs one drain and, when failed operations remain,
// returns a timer channel for the backed-off follow-up drain.
func (e *Engine) drainAndSchedule(ctx context.Context) <-chan time.Time {
	if !e.drain(ctx) {
		e.mu.Lock()
		e.failRuns = 0
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	e.failRuns++
	attempt := e.failRuns
	e.mu.Unlock()

	delay := e.opts.Backoff.NextDelay(attempt)
	e.logger.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("scheduling re-drain")
	return time.After(delay)
}

func (e *Engine) requestDrain() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// QueueOperation appends a mutation for later replay. It returns the
// operation with its assigned id once the queue rewrite is durable; an
// error means the operation was never queued and the caller may retry the
// enqueue itself.
func (e *Engine) QueueOperation(ctx context.Context, op models.QueuedOperation) (models.QueuedOperation, error) {
	if op.Type == "" {
		return models.QueuedOperation{}, errors.New("operation type is required")
	}
	if op.Endpoint == "" {
		return models.QueuedOperation{}, errors.New("operation endpoint is required")
	}

	if e.passthrough {
		return op, e.replayer.Replay(ctx, op)
	}

	queued, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return models.QueuedOperation{}, err
	}

	metrics.IncQueued()
	pending := e.queue.Len()
	metrics.SetPending(pending)
	e.notifier.Update(func(s *models.OfflineState) {
		s.PendingCount = pending
		if s.SyncStatus == models.SyncStatusSynced {
			s.SyncStatus = models.SyncStatusPending
		}
	})

	if e.monitor.IsOnline() {
		e.requestDrain()
	}
	return queued, nil
}

// SyncNow forces a single drain attempt, bypassing any re-drain backoff.
// It is a no-op while offline, while another drain is running, or when the
// queue is empty.
func (e *Engine) SyncNow(ctx context.Context) {
	if e.passthrough {
		return
	}
	e.drain(ctx)
}

// drain replays the queued operations in FIFO order. It reports whether
// any operation failed and stayed queued.
func (e *Engine) drain(ctx context.Context) bool {
	// Check-and-set before the first suspension point; this flag is the
	// system's only mutual exclusion.
	e.mu.Lock()
	if e.syncing || !e.monitor.IsOnline() || e.queue.Len() == 0 {
		e.mu.Unlock()
		return false
	}
	e.syncing = true
	e.mu.Unlock()

	e.notifier.Update(func(s *models.OfflineState) { s.SyncStatus = models.SyncStatusSyncing })

	// Operations enqueued from here on belong to the next pass.
	snapshot := e.queue.Snapshot()
	e.logger.Info().Int("operations", len(snapshot)).Msg("draining operation queue")

	remove := make(map[string]bool)
	bump := make(map[string]int)
	var dropped []models.DroppedOperation
	retrying := false

	for _, op := range snapshot {
		err := e.replayer.Replay(ctx, op)
		if err == nil {
			remove[op.ID] = true
			metrics.IncReplay("success")
			continue
		}

		// Failures are isolated per operation; the pass continues.
		op.RetryCount++
		if op.RetryCount >= e.opts.MaxRetries {
			remove[op.ID] = true
			metrics.IncReplay("dropped")
			e.logger.Warn().Err(err).
				Str("operation_id", op.ID).
				Str("type", op.Type).
				Str("endpoint", op.Endpoint).
				Int("retries", op.RetryCount).
				Msg("dropping operation after exhausting retries")
			drop := models.DroppedOperation{Operation: op, LastError: err.Error(), DroppedAt: time.Now()}
			dropped = append(dropped, drop)
			e.pushDeadLetter(ctx, drop)
		} else {
			bump[op.ID] = op.RetryCount
			retrying = true
			metrics.IncReplay("retry")
			e.logger.Warn().Err(err).
				Str("operation_id", op.ID).
				Int("retries", op.RetryCount).
				Msg("replay failed, will retry")
		}
	}

	if err := e.queue.Resolve(ctx, remove, bump); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist queue after drain")
	}

	pending := e.queue.Len()
	metrics.IncDrain()
	metrics.SetPending(pending)

	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()

	e.notifier.Update(func(s *models.OfflineState) {
		s.PendingCount = pending
		s.LastSyncedAt = time.Now()
		if pending > 0 {
			s.SyncStatus = models.SyncStatusPending
		} else {
			s.SyncStatus = models.SyncStatusSynced
		}
		s.Dropped = append(s.Dropped, dropped...)
		if len(s.Dropped) > models.MaxDroppedHistory {
			s.Dropped = s.Dropped[len(s.Dropped)-models.MaxDroppedHistory:]
		}
	})

	return retrying
}

func (e *Engine) pushDeadLetter(ctx context.Context, drop models.DroppedOperation) {
	if e.redis == nil {
		return
	}
	data, err := json.Marshal(drop)
	if err != nil {
		e.logger.Error().Err(err).Str("operation_id", drop.Operation.ID).Msg("encode deadletter")
		return
	}
	if err := e.redis.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		e.logger.Error().Err(err).Str("operation_id", drop.Operation.ID).Msg("deadletter push")
	}
}

// CacheResponse stores a remote response for offline fallback. A
// non-positive ttl selects the configured default.
func (e *Engine) CacheResponse(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if e.passthrough {
		return nil
	}
	if ttl <= 0 {
		ttl = e.opts.DefaultCacheTTL
	}
	return e.cache.Set(ctx, key, value, ttl)
}

// OfflineFallback returns the cached response for the key, or nil when the
// entry is absent or expired. Callers must keep a non-cache fallback path.
func (e *Engine) OfflineFallback(ctx context.Context, key string) ([]byte, error) {
	if e.passthrough {
		return nil, nil
	}
	val, err := e.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val == nil {
		metrics.IncCacheLookup("miss")
		return nil, nil
	}
	metrics.IncCacheLookup("hit")
	return val, nil
}

// cleanupCaches sweeps expired rows out of the response and content caches.
func (e *Engine) cleanupCaches(ctx context.Context) {
	for _, partition := range []string{store.PartCachedResponses, store.PartWisdomCache} {
		deleted, err := e.store.CleanupExpired(ctx, partition)
		if err != nil {
			e.logger.Error().Err(err).Str("partition", partition).Msg("cache cleanup failed")
			continue
		}
		if deleted > 0 {
			e.logger.Info().Int64("deleted", deleted).Str("partition", partition).Msg("expired cache entries removed")
		}
	}
}

// State returns a defensive copy of the current offline snapshot.
func (e *Engine) State() models.OfflineState {
	return e.notifier.State()
}

// Subscribe registers a state listener; it fires immediately with the
// current snapshot and the returned function unsubscribes.
func (e *Engine) Subscribe(fn func(models.OfflineState)) func() {
	return e.notifier.Subscribe(notify.Listener(fn))
}
