package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const ContextKeyActorID contextKey = "actor_id"

func ActorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyActorID).(uuid.UUID)
	return v, ok
}

func WithActorID(ctx context.Context, actorID uuid.UUID) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actorID)
}
