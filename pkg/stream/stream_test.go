package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

type fakeSnapshotRepo struct {
	runstore.ProjectionRepo
	snap *runstore.RunSnapshot
	err  error
}

func (f *fakeSnapshotRepo) GetSnapshot(ctx context.Context, runID string) (*runstore.RunSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

const userIDKey = "resolved_user_id"

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User-Id"); uid != "" {
			c.Set(userIDKey, uid)
		}
		c.Next()
	})
	h.RegisterRoutes(router, userIDKey)
	return router
}

func TestServeSnapshot_ForbidsNonOwner(t *testing.T) {
	snap := &runstore.RunSnapshot{Run: &models.Run{RunID: "r1", UserID: "owner"}}
	store := &runstore.Store{Projections: &fakeSnapshotRepo{snap: snap}}
	router := newTestRouter(New(store, eventbus.New()))

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1/idea/research-run/r1/snapshot", nil)
	req.Header.Set("X-User-Id", "someone-else")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeSnapshot_NotFoundPropagatesAs404(t *testing.T) {
	store := &runstore.Store{Projections: &fakeSnapshotRepo{err: runstore.ErrRunNotFound}}
	router := newTestRouter(New(store, eventbus.New()))

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1/idea/research-run/missing/snapshot", nil)
	req.Header.Set("X-User-Id", "owner")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeSnapshot_OwnerReceivesPayload(t *testing.T) {
	snap := &runstore.RunSnapshot{Run: &models.Run{RunID: "r1", UserID: "owner", Status: models.RunStatusRunning}}
	store := &runstore.Store{Projections: &fakeSnapshotRepo{snap: snap}}
	router := newTestRouter(New(store, eventbus.New()))

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1/idea/research-run/r1/snapshot", nil)
	req.Header.Set("X-User-Id", "owner")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"r1"`)
}

// TestServeEvents_StreamsInitialSnapshotThenCompletes drives the full
// subscribe/fan-out/close loop: the handler is expected to emit an
// "initial" frame synchronously, then keep streaming bus events until one
// of type "complete" arrives, at which point it returns and the
// connection closes.
func TestServeEvents_StreamsInitialSnapshotThenCompletes(t *testing.T) {
	snap := &runstore.RunSnapshot{Run: &models.Run{RunID: "r1", UserID: "owner", Status: models.RunStatusRunning}}
	bus := eventbus.New()
	store := &runstore.Store{Projections: &fakeSnapshotRepo{snap: snap}}
	router := newTestRouter(New(store, bus))

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1/idea/research-run/r1/events", nil)
	req.Header.Set("X-User-Id", "owner")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return bus.SubscriberCount("r1") == 1 }, time.Second, time.Millisecond)
	bus.Publish("r1", eventbus.Event{"type": "stage_progress", "data": map[string]any{"stage": "ideation"}})
	bus.Publish("r1", eventbus.Event{"type": "complete", "data": map[string]any{}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveEvents did not return after a complete event")
	}

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `"type":"initial"`))
	assert.True(t, strings.Contains(body, `"type":"stage_progress"`))
	assert.True(t, strings.Contains(body, `"type":"complete"`))
	assert.Equal(t, 0, bus.SubscriberCount("r1"), "handler must unsubscribe on return")
}

func TestServeEvents_ForbidsNonOwner(t *testing.T) {
	snap := &runstore.RunSnapshot{Run: &models.Run{RunID: "r1", UserID: "owner"}}
	store := &runstore.Store{Projections: &fakeSnapshotRepo{snap: snap}}
	router := newTestRouter(New(store, eventbus.New()))

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1/idea/research-run/r1/events", nil)
	req.Header.Set("X-User-Id", "intruder")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
