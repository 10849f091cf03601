package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// fakeRunRepo and fakeTerminationRepo implement only what each test
// exercises; unused methods panic so an unexercised path fails loudly
// instead of silently passing.

type fakeRunRepo struct {
	runstore.RunRepo
	run          *models.Run
	tokenHash    string
	getErr       error
	patches      []models.RunPatch
	eventsLogged []string
	updateErr    error
}

func (f *fakeRunRepo) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.run, nil
}

func (f *fakeRunRepo) GetWebhookTokenHash(ctx context.Context, runID string) (string, error) {
	if f.run == nil {
		return "", runstore.ErrRunNotFound
	}
	return f.tokenHash, nil
}

func (f *fakeRunRepo) UpdateRun(ctx context.Context, runID string, patch models.RunPatch) error {
	f.patches = append(f.patches, patch)
	return f.updateErr
}

func (f *fakeRunRepo) AppendEvent(ctx context.Context, runID, eventType string, metadata map[string]any, occurredAt time.Time) error {
	f.eventsLogged = append(f.eventsLogged, eventType)
	return nil
}

type fakeTerminationRepo struct {
	runstore.TerminationRepo
	enqueued []string
}

func (f *fakeTerminationRepo) EnqueueTermination(ctx context.Context, runID, trigger string) error {
	f.enqueued = append(f.enqueued, runID+":"+trigger)
	return nil
}

type fakeWaker struct {
	woken int
}

func (f *fakeWaker) Wake() { f.woken++ }

func tokenHashFor(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newTestServer(runs *fakeRunRepo, terms *fakeTerminationRepo, waker Waker) (*Server, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	store := &runstore.Store{Runs: runs, Terminations: terms}
	bus := eventbus.New()
	s := New(store, bus, nil, nil, nil, nil, waker)
	router := gin.New()
	s.RegisterRoutes(router)
	return s, router
}

func doPost(router *gin.Engine, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAuth_MissingAuthorizationHeaderIsUnauthorized(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/heartbeat", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_WrongTokenIsUnauthorized(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/heartbeat", "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_UnknownRunIsUnauthorized(t *testing.T) {
	runs := &fakeRunRepo{run: nil}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/missing/heartbeat", "secret", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRunStarted_TransitionsPendingToRunning(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1", Status: models.RunStatusPending}, tokenHash: tokenHashFor("secret")}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/run-started", "secret", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Len(t, runs.patches, 1)
	assert.Equal(t, models.RunStatusRunning, *runs.patches[0].Status)
}

func TestHandleRunStarted_TerminalRunIsIdempotentNoOp(t *testing.T) {
	runs := &fakeRunRepo{
		run:       &models.Run{RunID: "r1", Status: models.RunStatusFailed},
		tokenHash: tokenHashFor("secret"),
		updateErr: runstore.ErrInvalidTransition,
	}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/run-started", "secret", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, "a redelivered run-started against a terminal run must no-op, not 400")
	assert.Empty(t, runs.eventsLogged, "a no-op transition must not append a status_changed event")
}

func TestHandleRunStarted_AlreadyRunningIsIdempotentNoOp(t *testing.T) {
	runs := &fakeRunRepo{
		run:       &models.Run{RunID: "r1", Status: models.RunStatusRunning},
		tokenHash: tokenHashFor("secret"),
		updateErr: runstore.ErrInvalidTransition,
	}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/run-started", "secret", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, "a redelivered run-started against an already-running run must no-op, not 400")
}

func TestHandleHeartbeat_UnknownRunStillReturns204(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret"), updateErr: runstore.ErrRunNotFound}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/heartbeat", "secret", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleRunFinished_SuccessEnqueuesTerminationAndWakesWorker(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1", Status: models.RunStatusRunning}, tokenHash: tokenHashFor("secret")}
	terms := &fakeTerminationRepo{}
	waker := &fakeWaker{}
	_, router := newTestServer(runs, terms, waker)

	rec := doPost(router, "/rp/r1/run-finished", "secret", `{"success":true}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Len(t, runs.patches, 1)
	assert.Equal(t, models.RunStatusCompleted, *runs.patches[0].Status)
	assert.Equal(t, []string{"r1:pipeline_event_finish"}, terms.enqueued)
	assert.Equal(t, 1, waker.woken)
}

func TestHandleRunFinished_FailureSetsFailedStatus(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1", Status: models.RunStatusRunning}, tokenHash: tokenHashFor("secret")}
	terms := &fakeTerminationRepo{}
	_, router := newTestServer(runs, terms, nil)

	rec := doPost(router, "/rp/r1/run-finished", "secret", `{"success":false,"message":"pipeline crashed"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, models.RunStatusFailed, *runs.patches[0].Status)
	assert.Equal(t, "pipeline crashed", *runs.patches[0].ErrorMessage)
}

func TestHandleRunFinished_DuplicateOnTerminalRunIsIdempotentNoOp(t *testing.T) {
	runs := &fakeRunRepo{
		run:       &models.Run{RunID: "r1", Status: models.RunStatusCompleted},
		tokenHash: tokenHashFor("secret"),
		updateErr: runstore.ErrInvalidTransition,
	}
	terms := &fakeTerminationRepo{}
	waker := &fakeWaker{}
	_, router := newTestServer(runs, terms, waker)

	rec := doPost(router, "/rp/r1/run-finished", "secret", `{"success":true}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, "a redelivered run-finished against a terminal run must no-op, not 400")
	assert.Empty(t, terms.enqueued, "a no-op delivery must not re-enqueue termination")
	assert.Equal(t, 0, waker.woken, "a no-op delivery must not wake the termination worker")
}

func TestHandleInitializationProgress_RequiresMessage(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/initialization-progress", "secret", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInitializationProgress_UpdatesStatus(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	_, router := newTestServer(runs, &fakeTerminationRepo{}, nil)

	rec := doPost(router, "/rp/r1/initialization-progress", "secret", `{"message":"downloading weights"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "downloading weights", *runs.patches[0].InitializationStatus)
}
