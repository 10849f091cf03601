// Package stream implements the SSE-equivalent event multiplexer from
// spec.md §4.8, adapted from the teacher's pkg/events.ConnectionManager:
// same subscribe/fan-out/heartbeat shape, generalized from a WebSocket
// transport onto line-oriented `data: <json>\n\n` frames over a plain
// HTTP connection kept open with gin's streaming response writer.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// heartbeatInterval matches spec.md §4.8's "heartbeat timer every 30 s".
const heartbeatInterval = 30 * time.Second

// ErrNotOwner is returned when the resolved caller does not own the run
// being streamed.
var ErrNotOwner = errors.New("stream: caller does not own this run")

// Handler serves the live event stream and its companion snapshot
// endpoint. Authentication of the caller happens upstream (spec.md §1's
// "the core sees an already-resolved user id"); Handler only checks
// ownership of the already-authenticated user against the run.
type Handler struct {
	store  *runstore.Store
	bus    *eventbus.Bus
	logger *slog.Logger
}

// New builds a Handler.
func New(store *runstore.Store, bus *eventbus.Bus) *Handler {
	return &Handler{store: store, bus: bus, logger: slog.With("component", "stream")}
}

// RegisterRoutes mounts the client-facing streaming and snapshot
// endpoints (spec.md §6). userIDKey is the gin context key an upstream
// auth middleware is expected to have populated with the resolved caller.
func (h *Handler) RegisterRoutes(router *gin.Engine, userIDKey string) {
	router.GET("/conversations/:cid/idea/research-run/:run_id/events", h.serveEvents(userIDKey))
	router.GET("/conversations/:cid/idea/research-run/:run_id/snapshot", h.serveSnapshot(userIDKey))
}

func (h *Handler) resolveAuthorizedRun(c *gin.Context, userIDKey string) (*runstore.RunSnapshot, error) {
	runID := c.Param("run_id")
	userID, _ := c.Get(userIDKey)
	authorizedUser, _ := userID.(string)

	snap, err := h.store.Projections.GetSnapshot(c.Request.Context(), runID)
	if err != nil {
		return nil, err
	}
	if authorizedUser == "" || snap.Run.UserID != authorizedUser {
		return nil, ErrNotOwner
	}
	return snap, nil
}

func (h *Handler) serveSnapshot(userIDKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.resolveAuthorizedRun(c, userIDKey)
		if errors.Is(err, ErrNotOwner) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not the run owner"})
			return
		}
		if errors.Is(err, runstore.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "loading snapshot failed"})
			return
		}
		c.JSON(http.StatusOK, snapshotPayload(snap))
	}
}

// serveEvents implements the stream lifecycle from spec.md §4.8: verify
// ownership, emit a snapshot, subscribe, then loop forwarding bus events,
// heartbeats, and synthesized cost ticks until the client disconnects or
// a `complete` event is observed.
func (h *Handler) serveEvents(userIDKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.resolveAuthorizedRun(c, userIDKey)
		if errors.Is(err, ErrNotOwner) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not the run owner"})
			return
		}
		if errors.Is(err, runstore.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "loading snapshot failed"})
			return
		}
		runID := c.Param("run_id")

		w := c.Writer
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		state := newCostState(snap.Run)
		writeFrame(w, "initial", snapshotPayload(snap))
		w.Flush()

		sub := h.bus.Subscribe(runID)
		defer h.bus.Unsubscribe(sub)

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return

			case <-sub.Closed():
				writeFrame(w, "error", map[string]any{"message": "subscription overflowed, reconnect"})
				w.Flush()
				return

			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				eventType, _ := ev["type"].(string)
				data, _ := ev["data"].(map[string]any)

				writeFrame(w, eventType, data)
				state.observeEvent(eventType, data)
				if tick, ok := state.estimate(); ok {
					writeFrame(w, "hw_cost_estimate", tick)
				}
				if actual, ok := state.actualFromEvent(eventType, data); ok {
					writeFrame(w, "hw_cost_actual", actual)
				}
				w.Flush()

				if eventType == "complete" {
					return
				}

			case <-heartbeat.C:
				writeFrame(w, "heartbeat", nil)
				if tick, ok := state.estimate(); ok {
					writeFrame(w, "hw_cost_estimate", tick)
				}
				w.Flush()
			}
		}
	}
}

// writeFrame writes one `data: <json>\n\n` SSE frame. Marshal errors are
// logged and dropped rather than killing the whole connection over one
// malformed event.
func writeFrame(w http.ResponseWriter, eventType string, data any) {
	buf, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		slog.Warn("dropping stream frame: marshal failed", "type", eventType, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", buf)
}
