package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantryhq/gantry/internal/domain"
)

const (
	defaultWorkerPollInterval = time.Minute
	defaultWorkerMaxPerPoll   = 100
	defaultWorkerMaxAttempts  = 5
	defaultWorkerRetryDelay   = time.Minute
)

// InvalidationWorkerConfig tunes the deferred invalidation poller.
type InvalidationWorkerConfig struct {
	PollInterval time.Duration
	MaxPerPoll   int
	MaxAttempts  int
	RetryDelay   time.Duration
}

// InvalidationWorker polls the durable queue of scheduled invalidations and
// executes rows that came due. Failed rows are rescheduled until their
// attempt budget runs out, then retired as failed; nothing is dropped
// without a persisted trace.
type InvalidationWorker struct {
	store        domain.DeferredInvalidationRepository
	orchestrator *Orchestrator
	cfg          InvalidationWorkerConfig

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

func NewInvalidationWorker(store domain.DeferredInvalidationRepository, orchestrator *Orchestrator, cfg InvalidationWorkerConfig) *InvalidationWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultWorkerPollInterval
	}
	if cfg.MaxPerPoll <= 0 {
		cfg.MaxPerPoll = defaultWorkerMaxPerPoll
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultWorkerMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultWorkerRetryDelay
	}
	return &InvalidationWorker{
		store:        store,
		orchestrator: orchestrator,
		cfg:          cfg,
		Now:          time.Now,
	}
}

// Start polls until the context is cancelled.
func (w *InvalidationWorker) Start(ctx context.Context) {
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("deferred invalidation poll failed")
		}
		if err := sleepWithContext(ctx, w.cfg.PollInterval); err != nil {
			return
		}
	}
}

// RunOnce processes one batch of due rows and returns how many it executed.
func (w *InvalidationWorker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.store.DuePending(ctx, w.Now(), w.cfg.MaxPerPoll)
	if err != nil {
		return 0, fmt.Errorf("schedule.InvalidationWorker.RunOnce: list due rows: %w", err)
	}

	processed := 0
	for _, row := range due {
		ev := domain.InvalidationEvent{
			ID:         row.ID,
			ProjectID:  row.ProjectID,
			EntityType: row.EntityType,
			EntityIDs:  row.EntityIDs,
			Operation:  row.Operation,
			Strategy:   domain.InvalidateImmediate,
			EnqueuedAt: row.CreatedAt,
		}
		if aerr := w.orchestrator.Apply(ctx, ev); aerr != nil {
			w.recordFailure(ctx, row, aerr)
			continue
		}
		if merr := w.store.MarkProcessed(ctx, row.ID, w.Now()); merr != nil {
			log.Error().Err(merr).Stringer("row_id", row.ID).Msg("failed to mark deferred invalidation processed")
			continue
		}
		processed++
	}
	return processed, nil
}

func (w *InvalidationWorker) recordFailure(ctx context.Context, row *domain.DeferredInvalidation, failure error) {
	if row.Attempts+1 >= w.cfg.MaxAttempts {
		if err := w.store.MarkFailed(ctx, row.ID, failure.Error()); err != nil {
			log.Error().Err(err).Stringer("row_id", row.ID).Msg("failed to retire deferred invalidation")
			return
		}
		log.Error().Err(failure).
			Stringer("row_id", row.ID).
			Int("attempts", row.Attempts+1).
			Msg("deferred invalidation gave up after max attempts")
		return
	}
	dueAt := w.Now().Add(w.cfg.RetryDelay)
	if err := w.store.Reschedule(ctx, row.ID, dueAt, failure.Error()); err != nil {
		log.Error().Err(err).Stringer("row_id", row.ID).Msg("failed to reschedule deferred invalidation")
		return
	}
	log.Warn().Err(failure).
		Stringer("row_id", row.ID).
		Time("due_at", dueAt).
		Msg("deferred invalidation failed, rescheduled")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
