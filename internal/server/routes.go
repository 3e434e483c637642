package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gantryhq/gantry/internal/api/v1"
	"github.com/gantryhq/gantry/internal/api/ws"
	"github.com/gantryhq/gantry/internal/schedule"
	"github.com/gantryhq/gantry/internal/store/postgres"
	redisstore "github.com/gantryhq/gantry/internal/store/redis"
)

func registerAPIRoutes(
	api huma.API,
	store *postgres.Store,
	cache *redisstore.Cache,
	coordinator *schedule.Coordinator,
	resolver *schedule.Resolver,
	orchestrator *schedule.Orchestrator,
) {
	v1.RegisterTaskRoutes(api, store, orchestrator)
	v1.RegisterDependencyRoutes(api, store, orchestrator)
	v1.RegisterBatchRoutes(api, coordinator)
	v1.RegisterScheduleRoutes(api, store, coordinator, cache)
	v1.RegisterConflictRoutes(api, store, resolver)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/projects/{projectID}/schedule", hub.ServeSchedule)
}
