package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gantryhq/gantry/internal/api/v1"
	"github.com/gantryhq/gantry/internal/domain"
	"github.com/gantryhq/gantry/internal/schedule"
)

// ---------------------------------------------------------------------------
// TestComputeSchedule
// ---------------------------------------------------------------------------

func TestComputeSchedule(t *testing.T) {
	t.Parallel()

	projectID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	makeComputation := func() *domain.ScheduleComputation {
		return &domain.ScheduleComputation{
			ID:           uuid.New(),
			ProjectID:    projectID,
			Algorithm:    "cpm",
			ComputedAt:   now,
			CriticalPath: []uuid.UUID{uuid.New(), uuid.New()},
		}
	}

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		comp := makeComputation()
		var recomputeCalled, cachePrimed bool
		_, api := humatest.New(t)
		store := &mockDataStore{
			schedules: &mockScheduleRepo{
				latestByProjectFunc: func(_ context.Context, pid uuid.UUID) (*domain.ScheduleComputation, error) {
					assert.Equal(t, projectID, pid)
					return comp, nil
				},
			},
		}
		coordinator := &mockCoordinator{
			recomputeFunc: func(_ context.Context, pid uuid.UUID) error {
				recomputeCalled = true
				assert.Equal(t, projectID, pid)
				return nil
			},
		}
		cache := &mockCache{
			setJSONFunc: func(_ context.Context, pid uuid.UUID, entityType domain.EntityType, id uuid.UUID, _ any) error {
				cachePrimed = true
				assert.Equal(t, projectID, pid)
				assert.Equal(t, domain.EntityComputedSchedule, entityType)
				assert.Equal(t, uuid.Nil, id)
				return nil
			},
		}
		v1.RegisterScheduleRoutes(api, store, coordinator, cache)

		resp := api.Post("/projects/"+projectID.String()+"/schedule/compute")

		require.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, recomputeCalled, "coordinator.Recompute must be invoked")
		assert.True(t, cachePrimed, "a fresh computation must be cached")

		var body domain.ScheduleComputation
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, comp.ID, body.ID)
		assert.Equal(t, "cpm", body.Algorithm)
		assert.Len(t, body.CriticalPath, 2)
	})

	t.Run("cycle", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{schedules: &mockScheduleRepo{}}
		coordinator := &mockCoordinator{
			recomputeFunc: func(_ context.Context, _ uuid.UUID) error {
				return schedule.ErrCycle
			},
		}
		v1.RegisterScheduleRoutes(api, store, coordinator, &mockCache{})

		resp := api.Post("/projects/"+projectID.String()+"/schedule/compute")

		assert.Equal(t, http.StatusConflict, resp.Code)

		var errBody map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
		assert.Contains(t, errBody["detail"], "cycle")
	})

	t.Run("project_not_found", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{schedules: &mockScheduleRepo{}}
		coordinator := &mockCoordinator{
			recomputeFunc: func(_ context.Context, _ uuid.UUID) error {
				return domain.ErrNotFound
			},
		}
		v1.RegisterScheduleRoutes(api, store, coordinator, &mockCache{})

		resp := api.Post("/projects/"+uuid.New().String()+"/schedule/compute")

		assert.Equal(t, http.StatusNotFound, resp.Code)

		var errBody map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
		assert.Contains(t, errBody["detail"], "project not found")
	})

	t.Run("invalid_calendar", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{schedules: &mockScheduleRepo{}}
		coordinator := &mockCoordinator{
			recomputeFunc: func(_ context.Context, _ uuid.UUID) error {
				return domain.ErrInvalidCalendar
			},
		}
		v1.RegisterScheduleRoutes(api, store, coordinator, &mockCache{})

		resp := api.Post("/projects/"+projectID.String()+"/schedule/compute")

		assert.Equal(t, http.StatusBadRequest, resp.Code)

		var errBody map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
		assert.Contains(t, errBody["detail"], "calendar is invalid")
	})

	t.Run("load_error", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{
			schedules: &mockScheduleRepo{
				latestByProjectFunc: func(_ context.Context, _ uuid.UUID) (*domain.ScheduleComputation, error) {
					return nil, errors.New("db timeout")
				},
			},
		}
		coordinator := &mockCoordinator{
			recomputeFunc: func(_ context.Context, _ uuid.UUID) error { return nil },
		}
		v1.RegisterScheduleRoutes(api, store, coordinator, &mockCache{})

		resp := api.Post("/projects/"+projectID.String()+"/schedule/compute")

		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// TestGetSchedule
// ---------------------------------------------------------------------------

func TestGetSchedule(t *testing.T) {
	t.Parallel()

	projectID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	makeComputation := func() *domain.ScheduleComputation {
		return &domain.ScheduleComputation{
			ID:         uuid.New(),
			ProjectID:  projectID,
			Algorithm:  "cpm",
			ComputedAt: now,
		}
	}

	t.Run("cache_hit", func(t *testing.T) {
		t.Parallel()

		comp := makeComputation()
		var storeCalled bool
		_, api := humatest.New(t)
		store := &mockDataStore{
			schedules: &mockScheduleRepo{
				latestByProjectFunc: func(_ context.Context, _ uuid.UUID) (*domain.ScheduleComputation, error) {
					storeCalled = true
					return nil, domain.ErrNotFound
				},
			},
		}
		cache := &mockCache{
			getJSONFunc: func(_ context.Context, pid uuid.UUID, entityType domain.EntityType, id uuid.UUID, dest any) (bool, error) {
				assert.Equal(t, projectID, pid)
				assert.Equal(t, domain.EntityComputedSchedule, entityType)
				assert.Equal(t, uuid.Nil, id)
				*dest.(*domain.ScheduleComputation) = *comp
				return true, nil
			},
		}
		v1.RegisterScheduleRoutes(api, store, &mockCoordinator{}, cache)

		resp := api.Get("/projects/" + projectID.String() + "/schedule")

		require.Equal(t, http.StatusOK, resp.Code)
		assert.False(t, storeCalled, "a cache hit must not touch the store")

		var body domain.ScheduleComputation
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, comp.ID, body.ID)
	})

	t.Run("cache_miss_primes_cache", func(t *testing.T) {
		t.Parallel()

		comp := makeComputation()
		var cachePrimed bool
		_, api := humatest.New(t)
		store := &mockDataStore{
			schedules: &mockScheduleRepo{
				latestByProjectFunc: func(_ context.Context, _ uuid.UUID) (*domain.ScheduleComputation, error) {
					return comp, nil
				},
			},
		}
		cache := &mockCache{
			getJSONFunc: func(_ context.Context, _ uuid.UUID, _ domain.EntityType, _ uuid.UUID, _ any) (bool, error) {
				return false, nil
			},
			setJSONFunc: func(_ context.Context, _ uuid.UUID, entityType domain.EntityType, _ uuid.UUID, value any) error {
				cachePrimed = true
				assert.Equal(t, domain.EntityComputedSchedule, entityType)
				assert.Equal(t, comp, value)
				return nil
			},
		}
		v1.RegisterScheduleRoutes(api, store, &mockCoordinator{}, cache)

		resp := api.Get("/projects/" + projectID.String() + "/schedule")

		require.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, cachePrimed, "a store read must re-prime the cache")

		var body domain.ScheduleComputation
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, comp.ID, body.ID)
	})

	t.Run("no_computation", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		store := &mockDataStore{
			schedules: &mockScheduleRepo{
				latestByProjectFunc: func(_ context.Context, _ uuid.UUID) (*domain.ScheduleComputation, error) {
					return nil, domain.ErrNotFound
				},
			},
		}
		cache := &mockCache{
			getJSONFunc: func(_ context.Context, _ uuid.UUID, _ domain.EntityType, _ uuid.UUID, _ any) (bool, error) {
				return false, nil
			},
		}
		v1.RegisterScheduleRoutes(api, store, &mockCoordinator{}, cache)

		resp := api.Get("/projects/" + projectID.String() + "/schedule")

		assert.Equal(t, http.StatusNotFound, resp.Code)

		var errBody map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
		assert.Contains(t, errBody["detail"], "no schedule computed")
	})

	t.Run("cache_error_degrades_to_store", func(t *testing.T) {
		t.Parallel()

		comp := makeComputation()
		_, api := humatest.New(t)
		store := &mockDataStore{
			schedules: &mockScheduleRepo{
				latestByProjectFunc: func(_ context.Context, _ uuid.UUID) (*domain.ScheduleComputation, error) {
					return comp, nil
				},
			},
		}
		cache := &mockCache{
			getJSONFunc: func(_ context.Context, _ uuid.UUID, _ domain.EntityType, _ uuid.UUID, _ any) (bool, error) {
				return false, errors.New("redis connection refused")
			},
			setJSONFunc: func(_ context.Context, _ uuid.UUID, _ domain.EntityType, _ uuid.UUID, _ any) error {
				return errors.New("redis connection refused")
			},
		}
		v1.RegisterScheduleRoutes(api, store, &mockCoordinator{}, cache)

		resp := api.Get("/projects/" + projectID.String() + "/schedule")

		require.Equal(t, http.StatusOK, resp.Code, "a broken cache must not fail the read")

		var body domain.ScheduleComputation
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, comp.ID, body.ID)
	})
}
