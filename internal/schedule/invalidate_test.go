package schedule_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
)

type invalidateCall struct {
	projectID  uuid.UUID
	entityType domain.EntityType
	ids        []uuid.UUID
}

type staleCall struct {
	ids []uuid.UUID
	at  time.Time
}

type publishedMsg struct {
	channel string
	payload []byte
}

// orchEnv records every side effect of an Orchestrator behind a mutex, since
// debounce timers apply queues from their own goroutines.
type orchEnv struct {
	mu            sync.Mutex
	invalidated   []invalidateCall
	staleMarks    []staleCall
	published     []publishedMsg
	rows          []*domain.DeferredInvalidation
	invalidateErr error

	projectID uuid.UUID
	orch      *schedule.Orchestrator
}

func newOrchEnv(t *testing.T, cfg schedule.OrchestratorConfig) *orchEnv {
	t.Helper()

	env := &orchEnv{projectID: uuid.New()}
	cache := &mockInvalidator{
		invalidateFunc: func(_ context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID) (int, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			if env.invalidateErr != nil {
				return 0, env.invalidateErr
			}
			env.invalidated = append(env.invalidated, invalidateCall{projectID, entityType, ids})
			return len(ids), nil
		},
		markStaleFunc: func(_ context.Context, _ uuid.UUID, _ domain.EntityType, ids []uuid.UUID, at time.Time) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.staleMarks = append(env.staleMarks, staleCall{ids: ids, at: at})
			return nil
		},
	}
	notify := &mockNotifier{
		publishFunc: func(_ context.Context, channel string, payload []byte) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.published = append(env.published, publishedMsg{channel: channel, payload: payload})
			return nil
		},
	}
	store := &mockDeferredRepo{
		enqueueFunc: func(_ context.Context, d *domain.DeferredInvalidation) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.rows = append(env.rows, d)
			return nil
		},
	}

	env.orch = schedule.NewOrchestrator(cache, notify, store, cfg)
	env.orch.Now = func() time.Time { return jan(15) }
	return env
}

func (env *orchEnv) event(strategy domain.InvalidationStrategy, ids ...uuid.UUID) domain.InvalidationEvent {
	return domain.InvalidationEvent{
		ProjectID:  env.projectID,
		EntityType: domain.EntityTask,
		EntityIDs:  ids,
		Operation:  domain.OperationUpdate,
		Strategy:   strategy,
	}
}

func (env *orchEnv) invalidateCalls() []invalidateCall {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]invalidateCall(nil), env.invalidated...)
}

func (env *orchEnv) publishCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return len(env.published)
}

func (env *orchEnv) setInvalidateErr(err error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.invalidateErr = err
}

func (env *orchEnv) pending() int {
	return env.orch.PendingEvents(env.projectID, domain.EntityTask)
}

// slowConfig keeps every background path out of the test's way so flushes
// only happen when the test forces them.
func slowConfig() schedule.OrchestratorConfig {
	return schedule.OrchestratorConfig{
		MaxBatchSize:   100,
		DebounceWindow: time.Hour,
		StalenessBound: 10 * time.Minute,
		SweepInterval:  time.Hour,
	}
}

// ---------------------------------------------------------------------------
// 1. Event screening.
// ---------------------------------------------------------------------------

func TestOrchestrator_RejectsMalformedEvents(t *testing.T) {
	t.Parallel()

	env := newOrchEnv(t, slowConfig())
	tests := []struct {
		name   string
		mutate func(*domain.InvalidationEvent)
	}{
		{"missing project", func(ev *domain.InvalidationEvent) { ev.ProjectID = uuid.Nil }},
		{"missing entity type", func(ev *domain.InvalidationEvent) { ev.EntityType = "" }},
		{"unknown operation", func(ev *domain.InvalidationEvent) { ev.Operation = "upsert" }},
		{"unknown strategy", func(ev *domain.InvalidationEvent) { ev.Strategy = "eventually" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := env.event(domain.InvalidateImmediate, uuid.New())
			tt.mutate(&ev)

			err := env.orch.Enqueue(context.Background(), ev)

			require.ErrorIs(t, err, schedule.ErrInvalidEvent)
		})
	}
	assert.Empty(t, env.invalidateCalls())
	assert.Zero(t, env.publishCount())
}

// ---------------------------------------------------------------------------
// 2. Strategy routing.
// ---------------------------------------------------------------------------

func TestOrchestrator_ImmediateAppliesSynchronously(t *testing.T) {
	t.Parallel()

	env := newOrchEnv(t, slowConfig())
	a, b := uuid.New(), uuid.New()

	err := env.orch.Enqueue(context.Background(), env.event(domain.InvalidateImmediate, a, b))

	require.NoError(t, err)
	calls := env.invalidateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, env.projectID, calls[0].projectID)
	assert.Equal(t, domain.EntityTask, calls[0].entityType)
	assert.Equal(t, []uuid.UUID{a, b}, calls[0].ids)
	assert.Zero(t, env.pending())

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.published, 1)
	assert.Equal(t, schedule.InvalidationChannel(env.projectID), env.published[0].channel)

	var msg struct {
		ProjectID  uuid.UUID   `json:"project_id"`
		EntityType string      `json:"entity_type"`
		EntityIDs  []uuid.UUID `json:"entity_ids"`
		Operation  string      `json:"operation"`
	}
	require.NoError(t, json.Unmarshal(env.published[0].payload, &msg))
	assert.Equal(t, env.projectID, msg.ProjectID)
	assert.Equal(t, "task", msg.EntityType)
	assert.Equal(t, []uuid.UUID{a, b}, msg.EntityIDs)
	assert.Equal(t, "update", msg.Operation, "a single event keeps its own operation")
}

func TestOrchestrator_ScheduledWritesDurableRow(t *testing.T) {
	t.Parallel()

	cfg := slowConfig()
	cfg.ScheduledDelay = 5 * time.Minute
	env := newOrchEnv(t, cfg)
	id := uuid.New()

	err := env.orch.Enqueue(context.Background(), env.event(domain.InvalidateScheduled, id))

	require.NoError(t, err)
	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.rows, 1)
	row := env.rows[0]
	assert.Equal(t, env.projectID, row.ProjectID)
	assert.Equal(t, []uuid.UUID{id}, row.EntityIDs)
	assert.Equal(t, domain.DeferredPending, row.Status)
	assert.Equal(t, jan(15), row.CreatedAt)
	assert.Equal(t, jan(15).Add(5*time.Minute), row.DueAt)
	assert.Empty(t, env.invalidated, "scheduled events do not touch the cache yet")
	assert.Empty(t, env.published)
}

func TestOrchestrator_LazyMarksStale(t *testing.T) {
	t.Parallel()

	env := newOrchEnv(t, slowConfig())
	id := uuid.New()

	err := env.orch.Enqueue(context.Background(), env.event(domain.InvalidateLazy, id))

	require.NoError(t, err)
	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.staleMarks, 1)
	assert.Equal(t, []uuid.UUID{id}, env.staleMarks[0].ids)
	assert.Equal(t, jan(15), env.staleMarks[0].at)
	assert.Empty(t, env.invalidated, "lazy keeps the keys, it only stamps them")
	assert.Empty(t, env.published)
}

// ---------------------------------------------------------------------------
// 3. Batched queueing.
// ---------------------------------------------------------------------------

func TestOrchestrator_BatchedDebounceFlushesOnce(t *testing.T) {
	t.Parallel()

	cfg := slowConfig()
	cfg.DebounceWindow = 30 * time.Millisecond
	env := newOrchEnv(t, cfg)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, a)))
	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, a, b)))

	assert.Equal(t, 2, env.pending())
	assert.Empty(t, env.invalidateCalls(), "nothing flushes inside the debounce window")

	require.Eventually(t, func() bool {
		return env.publishCount() == 1 && env.pending() == 0
	}, 2*time.Second, 5*time.Millisecond, "the window expiring flushes the queue exactly once")

	calls := env.invalidateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []uuid.UUID{a, b}, calls[0].ids, "flushed ids are deduplicated")
}

func TestOrchestrator_BatchedSizeThresholdFlushesEarly(t *testing.T) {
	t.Parallel()

	cfg := slowConfig()
	cfg.MaxBatchSize = 3
	env := newOrchEnv(t, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, uuid.New())))
	}

	// The third event crosses the threshold and flushes synchronously.
	calls := env.invalidateCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].ids, 3)
	assert.Zero(t, env.pending())
	assert.Equal(t, 1, env.publishCount())
}

func TestOrchestrator_WholeNamespaceEventWidensFlush(t *testing.T) {
	t.Parallel()

	cfg := slowConfig()
	cfg.MaxBatchSize = 2
	env := newOrchEnv(t, cfg)

	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, uuid.New())))
	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched))) // no ids: everything

	calls := env.invalidateCalls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].ids, "one namespace-wide event makes the whole flush namespace-wide")
}

func TestOrchestrator_FlushFailureKeepsEvents(t *testing.T) {
	t.Parallel()

	cfg := slowConfig()
	cfg.MaxBatchSize = 2
	env := newOrchEnv(t, cfg)
	env.setInvalidateErr(errors.New("redis down"))

	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, uuid.New())))
	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, uuid.New())))

	assert.Equal(t, 2, env.pending(), "failed flushes keep their events queued")
	assert.Zero(t, env.publishCount())

	env.setInvalidateErr(nil)
	env.orch.FlushAll(context.Background())

	assert.Zero(t, env.pending())
	assert.Equal(t, 1, env.publishCount())
}

func TestOrchestrator_ImmediateFailureParksForRetry(t *testing.T) {
	t.Parallel()

	env := newOrchEnv(t, slowConfig())
	env.setInvalidateErr(errors.New("redis down"))

	err := env.orch.Enqueue(context.Background(), env.event(domain.InvalidateImmediate, uuid.New()))

	require.NoError(t, err, "an apply failure parks the event instead of erroring")
	assert.Equal(t, 1, env.pending())

	env.setInvalidateErr(nil)
	env.orch.FlushAll(context.Background())
	assert.Zero(t, env.pending())
	assert.Len(t, env.invalidateCalls(), 1)
}

// ---------------------------------------------------------------------------
// 4. Sweeping and shutdown.
// ---------------------------------------------------------------------------

func TestOrchestrator_SweepFlushesOnlyStaleQueues(t *testing.T) {
	t.Parallel()

	env := newOrchEnv(t, slowConfig())

	old := env.event(domain.InvalidateBatched, uuid.New())
	old.EnqueuedAt = jan(15).Add(-11 * time.Minute)
	require.NoError(t, env.orch.Enqueue(context.Background(), old))

	fresh := env.event(domain.InvalidateBatched, uuid.New())
	fresh.EntityType = domain.EntityComputedSchedule
	fresh.EnqueuedAt = jan(15)
	require.NoError(t, env.orch.Enqueue(context.Background(), fresh))

	flushed := env.orch.Sweep(context.Background())

	assert.Equal(t, 1, flushed)
	assert.Zero(t, env.pending(), "the stale task queue is drained")
	assert.Equal(t, 1, env.orch.PendingEvents(env.projectID, domain.EntityComputedSchedule),
		"the fresh queue is left alone")
}

func TestOrchestrator_StopDrainsQueues(t *testing.T) {
	t.Parallel()

	env := newOrchEnv(t, slowConfig())
	env.orch.Start()

	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, uuid.New())))
	require.NoError(t, env.orch.Enqueue(context.Background(), env.event(domain.InvalidateBatched, uuid.New())))
	require.Equal(t, 2, env.pending())

	env.orch.Stop()

	assert.Zero(t, env.pending(), "shutdown flushes every accepted event")
	assert.Equal(t, 1, env.publishCount())
}
