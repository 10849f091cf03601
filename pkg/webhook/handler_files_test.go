package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/objectstore"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

func doGet(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlePresignedUploadURL_ReturnsDeterministicKey(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	store := objectstore.NewFakeStore()
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}}, newTestBus(), store, nil, nil, nil, nil)
	router := newGinRouter(server)

	body := `{"artifact_type":"paper","filename":"draft.pdf","content_type":"application/pdf"}`
	rec := doPost(router, "/rp/r1/presigned-upload-url", "secret", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "research-pipeline/r1/paper/draft.pdf")
}

func TestHandleArtifactExists_MissingQueryParamIsBadRequest(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	store := objectstore.NewFakeStore()
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}}, newTestBus(), store, nil, nil, nil, nil)
	router := newGinRouter(server)

	rec := doGet(router, "/rp/r1/artifact-exists", "secret")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleArtifactExists_FoundAfterUpload(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	store := objectstore.NewFakeStore()
	require.NoError(t, store.PutObject(context.Background(), "research-pipeline/r1/paper/draft.pdf", []byte("data"), "application/pdf"))
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}}, newTestBus(), store, nil, nil, nil, nil)
	router := newGinRouter(server)

	rec := doGet(router, "/rp/r1/artifact-exists?s3_key=research-pipeline/r1/paper/draft.pdf", "secret")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"exists":true`)
}

func TestHandleParentRunFiles_NoParentReturnsEmptyList(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1", ParentRunID: nil}, tokenHash: tokenHashFor("secret")}
	store := objectstore.NewFakeStore()
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}}, newTestBus(), store, nil, nil, nil, nil)
	router := newGinRouter(server)

	rec := doGet(router, "/rp/r1/parent-run-files", "secret")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"files":[]`)
}
