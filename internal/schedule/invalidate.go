package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gantryhq/gantry/internal/domain"
)

// ErrInvalidEvent is returned for a malformed invalidation event.
var ErrInvalidEvent = errors.New("schedule: invalid invalidation event") //nolint:gochecknoglobals // sentinel error

// KeyInvalidator is the cache side of invalidation. Invalidate deletes the
// computed keys for the given entities (all of the entity type's keys when
// ids is empty) and returns how many keys went away; MarkStale stamps the
// same keys stale without deleting them.
type KeyInvalidator interface {
	Invalidate(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID) (int, error)
	MarkStale(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID, at time.Time) error
}

// Notifier fans a refresh request out to interested consumers.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// InvalidationChannel is the pub/sub channel carrying refresh requests for
// one project.
func InvalidationChannel(projectID uuid.UUID) string {
	return "gantry:invalidation:" + projectID.String()
}

// refreshMessage is the payload published on an invalidation channel.
type refreshMessage struct {
	ProjectID  uuid.UUID                    `json:"project_id"`
	EntityType domain.EntityType            `json:"entity_type"`
	EntityIDs  []uuid.UUID                  `json:"entity_ids,omitempty"`
	Operation  domain.InvalidationOperation `json:"operation"`
	At         time.Time                    `json:"at"`
}

// OrchestratorConfig tunes queueing and sweeping. Zero fields fall back to
// the defaults below.
type OrchestratorConfig struct {
	// MaxBatchSize flushes a queue as soon as it holds this many events.
	MaxBatchSize int
	// DebounceWindow flushes a queue this long after its first event.
	DebounceWindow time.Duration
	// ScheduledDelay is the fixed deferral of scheduled events.
	ScheduledDelay time.Duration
	// StalenessBound is the queue age past which the sweep forces a flush.
	StalenessBound time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

const (
	defaultMaxBatchSize   = 50
	defaultDebounceWindow = 5 * time.Second
	defaultScheduledDelay = 5 * time.Minute
	defaultStalenessBound = 10 * time.Minute
	defaultSweepInterval  = 30 * time.Second
)

func (c *OrchestratorConfig) fillDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = defaultDebounceWindow
	}
	if c.ScheduledDelay <= 0 {
		c.ScheduledDelay = defaultScheduledDelay
	}
	if c.StalenessBound <= 0 {
		c.StalenessBound = defaultStalenessBound
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
}

type queueKey struct {
	projectID  uuid.UUID
	entityType domain.EntityType
}

type eventQueue struct {
	events []domain.InvalidationEvent
	timer  *time.Timer
}

// Orchestrator routes invalidation events to their strategy: synchronous
// key deletion, per-(project, entity type) debounced batching, durable
// deferral, or stale marking. It owns all queue state and timers; nothing
// outside the orchestrator mutates them. Events are never silently dropped:
// an event that fails to apply is parked in its batching queue and retried
// by the periodic sweep, which also force-flushes queues whose oldest event
// outlived the staleness bound.
type Orchestrator struct {
	cache    KeyInvalidator
	notify   Notifier
	deferred domain.DeferredInvalidationRepository
	cfg      OrchestratorConfig

	mu     sync.Mutex
	queues map[queueKey]*eventQueue

	done chan struct{}
	wg   sync.WaitGroup

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

func NewOrchestrator(cache KeyInvalidator, notify Notifier, deferred domain.DeferredInvalidationRepository, cfg OrchestratorConfig) *Orchestrator {
	cfg.fillDefaults()
	return &Orchestrator{
		cache:    cache,
		notify:   notify,
		deferred: deferred,
		cfg:      cfg,
		queues:   make(map[queueKey]*eventQueue),
		done:     make(chan struct{}),
		Now:      time.Now,
	}
}

// Start launches the background sweep. Call Stop to drain and halt it.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.sweepLoop()
}

// Stop halts the sweep and drains every queue so no accepted event is lost
// across shutdown.
func (o *Orchestrator) Stop() {
	close(o.done)
	o.wg.Wait()
	o.FlushAll(context.Background())
}

// Enqueue accepts one invalidation event and routes it by strategy. Only
// malformed events error; apply failures are logged, parked in the batching
// queue, and retried by the sweep.
func (o *Orchestrator) Enqueue(ctx context.Context, ev domain.InvalidationEvent) error {
	if ev.ProjectID == uuid.Nil {
		return fmt.Errorf("%w: missing project id", ErrInvalidEvent)
	}
	if ev.EntityType == "" {
		return fmt.Errorf("%w: missing entity type", ErrInvalidEvent)
	}
	if !ev.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidEvent, ev.Operation)
	}
	if !ev.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidEvent, ev.Strategy)
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = o.Now()
	}

	switch ev.Strategy {
	case domain.InvalidateImmediate:
		if err := o.apply(ctx, queueKey{ev.ProjectID, ev.EntityType}, []domain.InvalidationEvent{ev}); err != nil {
			log.Error().Err(err).Stringer("event_id", ev.ID).Msg("immediate invalidation failed, parking event for retry")
			o.park(ev)
		}

	case domain.InvalidateScheduled:
		row := &domain.DeferredInvalidation{
			ID:         ev.ID,
			ProjectID:  ev.ProjectID,
			EntityType: ev.EntityType,
			EntityIDs:  ev.EntityIDs,
			Operation:  ev.Operation,
			DueAt:      ev.EnqueuedAt.Add(o.cfg.ScheduledDelay),
			Status:     domain.DeferredPending,
			CreatedAt:  ev.EnqueuedAt,
		}
		if err := o.deferred.Enqueue(ctx, row); err != nil {
			log.Error().Err(err).Stringer("event_id", ev.ID).Msg("deferred enqueue failed, parking event for retry")
			o.park(ev)
		}

	case domain.InvalidateLazy:
		if err := o.cache.MarkStale(ctx, ev.ProjectID, ev.EntityType, ev.EntityIDs, ev.EnqueuedAt); err != nil {
			log.Error().Err(err).Stringer("event_id", ev.ID).Msg("stale marking failed, parking event for retry")
			o.park(ev)
		}

	default: // domain.InvalidateBatched
		o.park(ev)
	}
	return nil
}

// park appends the event to its (project, entity type) queue, arming the
// debounce timer on the first event and flushing on the size threshold.
func (o *Orchestrator) park(ev domain.InvalidationEvent) {
	key := queueKey{ev.ProjectID, ev.EntityType}

	o.mu.Lock()
	q := o.queues[key]
	if q == nil {
		q = &eventQueue{}
		o.queues[key] = q
	}
	q.events = append(q.events, ev)
	if len(q.events) == 1 {
		q.timer = time.AfterFunc(o.cfg.DebounceWindow, func() {
			o.flushKey(context.Background(), key, "debounce")
		})
	}
	full := len(q.events) >= o.cfg.MaxBatchSize
	o.mu.Unlock()

	if full {
		o.flushKey(context.Background(), key, "size")
	}
}

// flushKey drains one queue and applies its events as a single deduplicated
// invalidation. On failure the events go back to the front of the queue for
// the sweep to retry.
func (o *Orchestrator) flushKey(ctx context.Context, key queueKey, reason string) {
	o.mu.Lock()
	q := o.queues[key]
	if q == nil || len(q.events) == 0 {
		o.mu.Unlock()
		return
	}
	events := q.events
	q.events = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	o.mu.Unlock()

	if err := o.apply(ctx, key, events); err != nil {
		log.Error().Err(err).
			Stringer("project_id", key.projectID).
			Str("entity_type", string(key.entityType)).
			Str("reason", reason).
			Int("events", len(events)).
			Msg("invalidation flush failed, keeping events for sweep")
		o.mu.Lock()
		q = o.queues[key]
		if q == nil {
			q = &eventQueue{}
			o.queues[key] = q
		}
		q.events = append(events, q.events...)
		o.mu.Unlock()
		return
	}
	log.Debug().
		Stringer("project_id", key.projectID).
		Str("entity_type", string(key.entityType)).
		Str("reason", reason).
		Int("events", len(events)).
		Msg("invalidation queue flushed")
}

// Apply executes one event synchronously, bypassing queues. The deferred
// worker uses it to run invalidations that came due.
func (o *Orchestrator) Apply(ctx context.Context, ev domain.InvalidationEvent) error {
	return o.apply(ctx, queueKey{ev.ProjectID, ev.EntityType}, []domain.InvalidationEvent{ev})
}

// apply deletes the deduplicated keys for a group of events and publishes
// one refresh request.
func (o *Orchestrator) apply(ctx context.Context, key queueKey, events []domain.InvalidationEvent) error {
	ids, whole := dedupeEntityIDs(events)
	if whole {
		ids = nil
	}
	if _, err := o.cache.Invalidate(ctx, key.projectID, key.entityType, ids); err != nil {
		return fmt.Errorf("invalidate keys: %w", err)
	}

	op := domain.OperationBulkUpdate
	if len(events) == 1 {
		op = events[0].Operation
	}
	payload, err := json.Marshal(refreshMessage{
		ProjectID:  key.projectID,
		EntityType: key.entityType,
		EntityIDs:  ids,
		Operation:  op,
		At:         o.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal refresh message: %w", err)
	}
	if err := o.notify.Publish(ctx, InvalidationChannel(key.projectID), payload); err != nil {
		return fmt.Errorf("publish refresh: %w", err)
	}
	return nil
}

// dedupeEntityIDs unions the entity ids of the events. whole is true when
// any event targeted the entire entity-type namespace.
func dedupeEntityIDs(events []domain.InvalidationEvent) (ids []uuid.UUID, whole bool) {
	seen := make(map[uuid.UUID]bool)
	for _, ev := range events {
		if len(ev.EntityIDs) == 0 {
			whole = true
			continue
		}
		for _, id := range ev.EntityIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, whole
}

// Sweep force-flushes every queue whose oldest event is older than the
// staleness bound and returns how many queues it flushed.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	cutoff := o.Now().Add(-o.cfg.StalenessBound)

	o.mu.Lock()
	var stale []queueKey
	for key, q := range o.queues {
		if len(q.events) > 0 && q.events[0].EnqueuedAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	o.mu.Unlock()

	for _, key := range stale {
		o.flushKey(ctx, key, "sweep")
	}
	return len(stale)
}

// FlushAll drains every queue regardless of age.
func (o *Orchestrator) FlushAll(ctx context.Context) {
	o.mu.Lock()
	keys := make([]queueKey, 0, len(o.queues))
	for key, q := range o.queues {
		if len(q.events) > 0 {
			keys = append(keys, key)
		}
	}
	o.mu.Unlock()

	for _, key := range keys {
		o.flushKey(ctx, key, "drain")
	}
}

// PendingEvents reports how many events are parked for the given project
// and entity type.
func (o *Orchestrator) PendingEvents(projectID uuid.UUID, entityType domain.EntityType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[queueKey{projectID, entityType}]
	if q == nil {
		return 0
	}
	return len(q.events)
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.Sweep(context.Background())
		}
	}
}
