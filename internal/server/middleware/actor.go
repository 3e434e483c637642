package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// Actor extracts the optional X-Actor-ID header into the request context.
// The engine carries no authentication of its own; callers that sit behind
// an identity layer pass an opaque actor id through for attribution.
func Actor() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("X-Actor-ID")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			actorID, err := uuid.Parse(header)
			if err != nil {
				http.Error(w, `{"title":"Bad Request","status":400,"detail":"invalid X-Actor-ID header"}`, http.StatusBadRequest)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActorID(r.Context(), actorID)))
		})
	}
}
