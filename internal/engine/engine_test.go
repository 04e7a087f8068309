package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kiaansync/internal/connectivity"
	"kiaansync/internal/models"
	"kiaansync/internal/queue"
	"kiaansync/internal/replay"
	"kiaansync/internal/repository"
	"kiaansync/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReplayer struct {
	mu       sync.Mutex
	replayed []models.QueuedOperation
	failFor  map[string]bool // endpoint -> always fail
	block    chan struct{}   // when set, Replay waits until closed
}

func (r *recordingReplayer) Replay(ctx context.Context, op models.QueuedOperation) error {
	r.mu.Lock()
	r.replayed = append(r.replayed, op)
	fail := r.failFor[op.Endpoint]
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return errors.New("remote unavailable")
	}
	return nil
}

func (r *recordingReplayer) endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.replayed))
	for i, op := range r.replayed {
		out[i] = op.Endpoint
	}
	return out
}

func setupEngine(t *testing.T, online bool, rep replay.Replayer, opts Options) (*Engine, *connectivity.Monitor, *store.Store) {
	t.Helper()
	logger := zerolog.Nop()

	s, err := store.New(filepath.Join(t.TempDir(), "offline.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mon := connectivity.New(online, &logger)
	q := queue.New(s, &logger)
	cache := repository.NewStoreCache(s, store.PartCachedResponses)

	e := New(s, q, mon, rep, cache, nil, &logger, opts)
	return e, mon, s
}

func enqueue(t *testing.T, e *Engine, opType, endpoint string, payload interface{}) models.QueuedOperation {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	op, err := e.QueueOperation(context.Background(), models.QueuedOperation{
		Type:     opType,
		Endpoint: endpoint,
		Payload:  raw,
	})
	require.NoError(t, err)
	return op
}

func TestDrain_FIFOOrder(t *testing.T) {
	rep := &recordingReplayer{failFor: map[string]bool{"/api/2": true}}
	e, mon, _ := setupEngine(t, false, rep, Options{MaxRetries: 3})

	for i := 1; i <= 4; i++ {
		enqueue(t, e, models.OpCreate, fmt.Sprintf("/api/%d", i), nil)
	}

	mon.SetOnline(true)
	e.SyncNow(context.Background())

	// All four attempted in enqueue order; the failure of /api/2 does not
	// block /api/3 and /api/4.
	assert.Equal(t, []string{"/api/1", "/api/2", "/api/3", "/api/4"}, rep.endpoints())
	assert.Equal(t, 1, e.State().PendingCount)
}

func TestDrain_NoOpPreconditions(t *testing.T) {
	rep := &recordingReplayer{}
	e, mon, _ := setupEngine(t, false, rep, Options{})

	// Offline: nothing happens.
	enqueue(t, e, models.OpCreate, "/api/mood", nil)
	e.SyncNow(context.Background())
	assert.Empty(t, rep.endpoints())

	// Online with an empty queue: still a no-op.
	mon.SetOnline(true)
	e.SyncNow(context.Background())
	e.SyncNow(context.Background())
	assert.Len(t, rep.endpoints(), 1)
}

func TestDrain_MutualExclusion(t *testing.T) {
	block := make(chan struct{})
	rep := &recordingReplayer{block: block}
	e, mon, _ := setupEngine(t, false, rep, Options{})

	enqueue(t, e, models.OpCreate, "/api/mood", nil)
	mon.SetOnline(true)

	first := make(chan struct{})
	go func() {
		e.SyncNow(context.Background())
		close(first)
	}()

	// Wait until the first drain is inside Replay.
	require.Eventually(t, func() bool { return len(rep.endpoints()) == 1 }, time.Second, 5*time.Millisecond)

	// Second concurrent call returns immediately as a no-op.
	e.SyncNow(context.Background())
	assert.Len(t, rep.endpoints(), 1)

	close(block)
	<-first
	assert.Equal(t, 0, e.State().PendingCount)
}

func TestDrain_RetryBoundEvictsOperation(t *testing.T) {
	rep := &recordingReplayer{failFor: map[string]bool{"/api/broken": true}}
	e, mon, _ := setupEngine(t, false, rep, Options{MaxRetries: 3})

	op := enqueue(t, e, models.OpCreate, "/api/broken", nil)
	mon.SetOnline(true)

	ctx := context.Background()
	e.SyncNow(ctx)
	assert.Equal(t, 1, e.State().PendingCount)
	e.SyncNow(ctx)
	assert.Equal(t, 1, e.State().PendingCount)
	e.SyncNow(ctx)

	// Third failure reaches maxRetries: evicted, surfaced as dropped.
	state := e.State()
	assert.Equal(t, 0, state.PendingCount)
	assert.Len(t, rep.endpoints(), 3)
	require.Len(t, state.Dropped, 1)
	assert.Equal(t, op.ID, state.Dropped[0].Operation.ID)
	assert.Equal(t, models.SyncStatusSynced, state.SyncStatus)

	// A fourth drain attempts nothing.
	e.SyncNow(ctx)
	assert.Len(t, rep.endpoints(), 3)
}

func TestAutoDrainOnReconnect(t *testing.T) {
	rep := &recordingReplayer{}
	e, mon, _ := setupEngine(t, false, rep, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	payload := map[string]int{"score": 7}
	enqueue(t, e, models.OpCreate, "/api/mood", payload)
	assert.Equal(t, 1, e.State().PendingCount)

	before := e.State().LastSyncedAt
	mon.SetOnline(true)

	require.Eventually(t, func() bool {
		return e.State().PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	state := e.State()
	assert.True(t, state.LastSyncedAt.After(before))
	assert.Equal(t, models.SyncStatusSynced, state.SyncStatus)
	require.Len(t, rep.endpoints(), 1)

	var sent map[string]int
	rep.mu.Lock()
	require.NoError(t, json.Unmarshal(rep.replayed[0].Payload, &sent))
	rep.mu.Unlock()
	assert.Equal(t, 7, sent["score"])
}

func TestPartialFailureAcrossDrains(t *testing.T) {
	rep := &recordingReplayer{failFor: map[string]bool{"/api/2": true}}
	e, mon, _ := setupEngine(t, false, rep, Options{MaxRetries: 3})

	enqueue(t, e, models.OpCreate, "/api/1", nil)
	enqueue(t, e, models.OpCreate, "/api/2", nil)
	enqueue(t, e, models.OpCreate, "/api/3", nil)

	mon.SetOnline(true)
	ctx := context.Background()

	e.SyncNow(ctx)
	// Ops 1 and 3 succeeded on the first drain; op 2 remains.
	assert.Equal(t, 1, e.State().PendingCount)

	e.SyncNow(ctx)
	e.SyncNow(ctx)

	state := e.State()
	assert.Equal(t, 0, state.PendingCount)
	require.Len(t, state.Dropped, 1)
	assert.Equal(t, "/api/2", state.Dropped[0].Operation.Endpoint)
	// 3 ops on drain one, then op 2 alone on drains two and three.
	assert.Len(t, rep.endpoints(), 5)
}

func TestQueueSurvivesRestartBeforeDrain(t *testing.T) {
	rep := &recordingReplayer{}
	logger := zerolog.Nop()

	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "offline.db"), &logger)
	require.NoError(t, err)

	mon := connectivity.New(false, &logger)
	e := New(s, queue.New(s, &logger), mon, rep, repository.NewStoreCache(s, store.PartCachedResponses), nil, &logger, Options{})

	queued := enqueue(t, e, models.OpCreate, "/api/journal", map[string]string{"text": "day one"})
	require.NoError(t, s.Close())

	// Restart: fresh store handle, fresh engine.
	s2, err := store.New(filepath.Join(dir, "offline.db"), &logger)
	require.NoError(t, err)
	defer s2.Close()

	mon2 := connectivity.New(true, &logger)
	e2 := New(s2, queue.New(s2, &logger), mon2, rep, repository.NewStoreCache(s2, store.PartCachedResponses), nil, &logger, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e2.Start(ctx))
	defer e2.Stop()

	require.Eventually(t, func() bool {
		return e2.State().PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, rep.endpoints(), 1)
	rep.mu.Lock()
	assert.Equal(t, queued.ID, rep.replayed[0].ID)
	assert.Equal(t, 0, rep.replayed[0].RetryCount)
	rep.mu.Unlock()
}

func TestCacheResponseAndFallback(t *testing.T) {
	rep := &recordingReplayer{}
	e, _, _ := setupEngine(t, true, rep, Options{})
	ctx := context.Background()

	wisdom := []byte(`{"text":"the mind is restless"}`)
	require.NoError(t, e.CacheResponse(ctx, "daily-wisdom", wisdom, 0))

	val, err := e.OfflineFallback(ctx, "daily-wisdom")
	require.NoError(t, err)
	assert.JSONEq(t, string(wisdom), string(val))

	val, err = e.OfflineFallback(ctx, "never-cached")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestCacheTTLExpiry(t *testing.T) {
	rep := &recordingReplayer{}
	e, _, _ := setupEngine(t, true, rep, Options{})
	ctx := context.Background()

	require.NoError(t, e.CacheResponse(ctx, "short-lived", []byte(`{"v":1}`), 100*time.Millisecond))

	val, err := e.OfflineFallback(ctx, "short-lived")
	require.NoError(t, err)
	assert.NotNil(t, val)

	time.Sleep(150 * time.Millisecond)

	val, err = e.OfflineFallback(ctx, "short-lived")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestDroppedOperationsReachDeadLetter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := zerolog.Nop()
	s, err := store.New(filepath.Join(t.TempDir(), "offline.db"), &logger)
	require.NoError(t, err)
	defer s.Close()

	rep := &recordingReplayer{failFor: map[string]bool{"/api/broken": true}}
	mon := connectivity.New(true, &logger)
	e := New(s, queue.New(s, &logger), mon, rep, repository.NewStoreCache(s, store.PartCachedResponses), client, &logger, Options{MaxRetries: 1})

	enqueue(t, e, models.OpDelete, "/api/broken", nil)
	e.SyncNow(context.Background())

	entries, err := client.LRange(context.Background(), deadLetterKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var drop models.DroppedOperation
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &drop))
	assert.Equal(t, "/api/broken", drop.Operation.Endpoint)
	assert.Equal(t, "remote unavailable", drop.LastError)
}

func TestSubscribeDeliversImmediateSnapshot(t *testing.T) {
	rep := &recordingReplayer{}
	e, _, _ := setupEngine(t, true, rep, Options{})

	var snapshots []models.OfflineState
	unsub := e.Subscribe(func(s models.OfflineState) { snapshots = append(snapshots, s) })
	defer unsub()

	require.Len(t, snapshots, 1)
	assert.True(t, snapshots[0].IsOnline)

	enqueue(t, e, models.OpCreate, "/api/mood", nil)
	require.Greater(t, len(snapshots), 1)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, 1, last.PendingCount)
	assert.Equal(t, models.SyncStatusPending, last.SyncStatus)
}

func TestQueueOperationValidation(t *testing.T) {
	rep := &recordingReplayer{}
	e, _, _ := setupEngine(t, false, rep, Options{})
	ctx := context.Background()

	_, err := e.QueueOperation(ctx, models.QueuedOperation{Endpoint: "/x"})
	assert.Error(t, err)

	_, err = e.QueueOperation(ctx, models.QueuedOperation{Type: models.OpCreate})
	assert.Error(t, err)
}

func TestPassthroughMode(t *testing.T) {
	rep := &recordingReplayer{}
	logger := zerolog.Nop()
	e := NewPassthrough(rep, &logger)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	// Operations replay immediately instead of queueing.
	_, err := e.QueueOperation(ctx, models.QueuedOperation{Type: models.OpCreate, Endpoint: "/api/mood"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/mood"}, rep.endpoints())

	state := e.State()
	assert.True(t, state.IsOnline)
	assert.Equal(t, 0, state.PendingCount)

	// Caching is disabled but never errors.
	require.NoError(t, e.CacheResponse(ctx, "k", []byte(`1`), time.Hour))
	val, err := e.OfflineFallback(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 2 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2}

	assert.Equal(t, 2*time.Second, p.NextDelay(1))
	assert.Equal(t, 4*time.Second, p.NextDelay(2))
	assert.Equal(t, 16*time.Second, p.NextDelay(4))
	assert.Equal(t, time.Minute, p.NextDelay(10))
	assert.Equal(t, 2*time.Second, p.NextDelay(0))

	// Zero policy still yields a sane delay.
	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(1))
}
