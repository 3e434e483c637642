package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gantryhq/gantry/internal/schedule"
	redisstore "github.com/gantryhq/gantry/internal/store/redis"
)

// writeWait bounds a single frame write so one stalled client cannot pin
// its relay goroutine.
const writeWait = 10 * time.Second

// Hub upgrades schedule-feed requests and bridges them to Redis pub/sub.
type Hub struct {
	pubsub *redisstore.PubSub
}

func NewHub(pubsub *redisstore.PubSub) *Hub {
	return &Hub{pubsub: pubsub}
}

// ServeSchedule streams a project's refresh notices over a WebSocket.
// Every applied invalidation for the project arrives as one text frame;
// consumers refetch the affected reads instead of polling.
func (h *Hub) ServeSchedule(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Stringer("project_id", projectID).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// The feed is write-only. CloseRead drains incoming frames and cancels
	// the context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.pubsub.Subscribe(ctx, schedule.InvalidationChannel(projectID))
	if err != nil {
		log.Error().Err(err).Stringer("project_id", projectID).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	// Confirm the subscription before the first notice so clients can tell
	// "connected, quiet project" from "not yet subscribed".
	hello, err := json.Marshal(map[string]string{
		"type":       "subscribed",
		"project_id": projectID.String(),
	})
	if err != nil {
		return
	}
	if err := writeFrame(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, open := <-messages:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			if err := writeFrame(ctx, conn, msg); err != nil {
				log.Debug().Err(err).Stringer("project_id", projectID).Msg("websocket write")
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
