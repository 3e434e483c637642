package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryhq/gantry/internal/domain"
)

type Store struct {
	pool         *pgxpool.Pool
	projects     *ProjectRepo
	tasks        *TaskRepo
	dependencies *DependencyRepo
	conflicts    *ConflictRepo
	schedules    *ScheduleRepo
	deferred     *DeferredInvalidationRepo
	locker       *ProjectLocker
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:         pool,
		projects:     NewProjectRepo(pool),
		tasks:        NewTaskRepo(pool),
		dependencies: NewDependencyRepo(pool),
		conflicts:    NewConflictRepo(pool),
		schedules:    NewScheduleRepo(pool),
		deferred:     NewDeferredInvalidationRepo(pool),
		locker:       NewProjectLocker(pool),
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Projects() domain.ProjectRepository { return s.projects }
func (s *Store) Tasks() domain.TaskRepository       { return s.tasks }
func (s *Store) Dependencies() domain.DependencyRepository {
	return s.dependencies
}
func (s *Store) Conflicts() domain.ConflictRepository { return s.conflicts }
func (s *Store) Schedules() domain.ScheduleRepository { return s.schedules }
func (s *Store) DeferredInvalidations() domain.DeferredInvalidationRepository {
	return s.deferred
}
func (s *Store) Locker() *ProjectLocker { return s.locker }
