package redis_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/gantryhq/gantry/internal/domain"
	redisstore "github.com/gantryhq/gantry/internal/store/redis"
)

func TestNamespaceKey(t *testing.T) {
	t.Parallel()

	projectID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		got := redisstore.NamespaceKey(projectID, domain.EntityComputedSchedule)
		assert.Equal(t, "gantry:cache:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee:computed_schedule", got)
	})

	t.Run("nil UUID", func(t *testing.T) {
		t.Parallel()

		got := redisstore.NamespaceKey(uuid.Nil, domain.EntityTask)
		assert.Equal(t, "gantry:cache:00000000-0000-0000-0000-000000000000:task", got)
	})

	t.Run("prefix", func(t *testing.T) {
		t.Parallel()

		got := redisstore.NamespaceKey(projectID, domain.EntityTask)
		assert.True(t, strings.HasPrefix(got, "gantry:cache:"), "expected prefix 'gantry:cache:', got %q", got)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		a := redisstore.NamespaceKey(projectID, domain.EntityTask)
		b := redisstore.NamespaceKey(projectID, domain.EntityTask)
		assert.Equal(t, a, b)
	})

	t.Run("different entity types produce different keys", func(t *testing.T) {
		t.Parallel()

		a := redisstore.NamespaceKey(projectID, domain.EntityTask)
		b := redisstore.NamespaceKey(projectID, domain.EntityDependency)
		assert.NotEqual(t, a, b)
	})

	t.Run("different projects produce different keys", func(t *testing.T) {
		t.Parallel()

		other := uuid.MustParse("11111111-2222-3333-4444-555555555555")
		a := redisstore.NamespaceKey(projectID, domain.EntityTask)
		b := redisstore.NamespaceKey(other, domain.EntityTask)
		assert.NotEqual(t, a, b)
	})
}

func TestEntityKey(t *testing.T) {
	t.Parallel()

	projectID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	taskID := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		got := redisstore.EntityKey(projectID, domain.EntityTask, taskID)
		assert.Equal(t, "gantry:cache:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee:task:11111111-2222-3333-4444-555555555555", got)
	})

	t.Run("extends the namespace key", func(t *testing.T) {
		t.Parallel()

		namespace := redisstore.NamespaceKey(projectID, domain.EntityTask)
		got := redisstore.EntityKey(projectID, domain.EntityTask, taskID)
		assert.True(t, strings.HasPrefix(got, namespace+":"), "expected prefix %q, got %q", namespace+":", got)
	})

	t.Run("contains the entity UUID", func(t *testing.T) {
		t.Parallel()

		got := redisstore.EntityKey(projectID, domain.EntityTask, taskID)
		assert.Contains(t, got, taskID.String())
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		a := redisstore.EntityKey(projectID, domain.EntityTask, taskID)
		b := redisstore.EntityKey(projectID, domain.EntityTask, taskID)
		assert.Equal(t, a, b)
	})

	t.Run("different entities produce different keys", func(t *testing.T) {
		t.Parallel()

		other := uuid.MustParse("99999999-8888-7777-6666-555544443333")
		a := redisstore.EntityKey(projectID, domain.EntityTask, taskID)
		b := redisstore.EntityKey(projectID, domain.EntityTask, other)
		assert.NotEqual(t, a, b)
	})
}

func TestCacheKeys_NoCollisionAcrossTypes(t *testing.T) {
	t.Parallel()

	projectID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	entityID := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	task := redisstore.NamespaceKey(projectID, domain.EntityTask)
	dependency := redisstore.NamespaceKey(projectID, domain.EntityDependency)
	schedule := redisstore.NamespaceKey(projectID, domain.EntityComputedSchedule)
	view := redisstore.NamespaceKey(projectID, domain.EntityMaterializedView)

	assert.NotEqual(t, task, dependency, "task and dependency namespaces must not collide")
	assert.NotEqual(t, task, schedule, "task and schedule namespaces must not collide")
	assert.NotEqual(t, schedule, view, "schedule and view namespaces must not collide")

	entity := redisstore.EntityKey(projectID, domain.EntityTask, entityID)
	assert.NotEqual(t, task, entity, "namespace and entity keys must not collide")
}
