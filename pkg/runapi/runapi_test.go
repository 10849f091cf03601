package runapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/launcher"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/podprovider"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

type fakeIdeaRepo struct{}

func (fakeIdeaRepo) GetIdeaSnapshot(ctx context.Context, ideaVersionID int64) (*runstore.IdeaSnapshot, error) {
	return &runstore.IdeaSnapshot{IdeaVersionID: ideaVersionID, Title: "t", Markdown: "# idea"}, nil
}

func (fakeIdeaRepo) ResolveOwnerDisplayName(ctx context.Context, userID string) (string, error) {
	return "Ada", nil
}

func newTestRouter(t *testing.T, l *launcher.Launcher) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User-Id"); uid != "" {
			c.Set("resolved_user_id", uid)
		}
		c.Next()
	})
	New(l).RegisterRoutes(router, "resolved_user_id")
	return router
}

func TestHandleSubmit_MissingCallerIdIsUnauthorized(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := launcher.New(runstore.NewRunRepo(db), fakeIdeaRepo{}, podprovider.NewFakeProvider(), nil, nil, 10*time.Minute, "https://example.test")
	router := newTestRouter(t, l)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleSubmit_InvalidBodyIsBadRequest(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := launcher.New(runstore.NewRunRepo(db), fakeIdeaRepo{}, podprovider.NewFakeProvider(), nil, nil, 10*time.Minute, "https://example.test")
	router := newTestRouter(t, l)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(`{"idea_version_id": 1}`))
	req.Header.Set("X-User-Id", "user-1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_ValidRequestReturnsRunID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET pod_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_events").WillReturnResult(sqlmock.NewResult(0, 1))

	l := launcher.New(runstore.NewRunRepo(db), fakeIdeaRepo{}, podprovider.NewFakeProvider(), nil, nil, 10*time.Minute, "https://example.test")
	router := newTestRouter(t, l)

	body := `{"idea_version_id":1,"requester_display_name":"Ada","gpu_preferences":["A100"],"conversation_id":"conv-1"}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	req.Header.Set("X-User-Id", "user-1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "run_id")

	time.Sleep(50 * time.Millisecond)
}

func TestHandleStop_NoRegisteredTaskIsConflict(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := launcher.New(runstore.NewRunRepo(db), fakeIdeaRepo{}, podprovider.NewFakeProvider(), nil, nil, 10*time.Minute, "https://example.test")
	router := newTestRouter(t, l)

	req := httptest.NewRequest(http.MethodPost, "/runs/unknown-run/stop", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
