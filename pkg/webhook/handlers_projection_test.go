package webhook

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

type fakeProjectionRepo struct {
	runstore.ProjectionRepo
	stageProgress   []models.StageProgress
	artifacts       []models.RunArtifact
	reviews         []models.LlmReview
	codexEvents     []models.CodexEvent
	insertReviewErr error
}

func (f *fakeProjectionRepo) InsertStageProgress(ctx context.Context, p models.StageProgress) error {
	f.stageProgress = append(f.stageProgress, p)
	return nil
}

func (f *fakeProjectionRepo) UpsertArtifact(ctx context.Context, a models.RunArtifact) error {
	f.artifacts = append(f.artifacts, a)
	return nil
}

func (f *fakeProjectionRepo) InsertLLMReview(ctx context.Context, r models.LlmReview) (int64, error) {
	if f.insertReviewErr != nil {
		return 0, f.insertReviewErr
	}
	f.reviews = append(f.reviews, r)
	return int64(len(f.reviews)), nil
}

func (f *fakeProjectionRepo) InsertCodexEvent(ctx context.Context, e models.CodexEvent) error {
	f.codexEvents = append(f.codexEvents, e)
	return nil
}

type fakeTokenUsageRepo struct {
	runstore.TokenUsageRepo
	usages []models.TokenUsage
}

func (f *fakeTokenUsageRepo) InsertTokenUsage(ctx context.Context, u models.TokenUsage) error {
	f.usages = append(f.usages, u)
	return nil
}

func newTestBus() *eventbus.Bus {
	return eventbus.New()
}

func newGinRouter(s *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	s.RegisterRoutes(router)
	return router
}

func TestHandleStageProgress_PersistsAndPublishes(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	projections := &fakeProjectionRepo{}
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}, Projections: projections}, newTestBus(), nil, nil, nil, nil, nil)
	router := newGinRouter(server)

	body := `{"event":{"stage":"ideation","iteration":2,"max_iterations":10,"progress":0.2}}`
	rec := doPost(router, "/rp/r1/stage-progress", "secret", body)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, projections.stageProgress, 1)
	assert.Equal(t, "ideation", projections.stageProgress[0].Stage)
	assert.Equal(t, 2, projections.stageProgress[0].Iteration)
}

func TestHandleArtifactUploaded_BuildsDeterministicS3Key(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	projections := &fakeProjectionRepo{}
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}, Projections: projections}, newTestBus(), nil, nil, nil, nil, nil)
	router := newGinRouter(server)

	body := `{"event":{"artifact_type":"paper","filename":"draft.pdf","file_size":1024}}`
	rec := doPost(router, "/rp/r1/artifact-uploaded", "secret", body)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, projections.artifacts, 1)
	assert.Equal(t, "research-pipeline/r1/paper/draft.pdf", projections.artifacts[0].S3Key)
}

func TestHandleTokenUsage_SplitsProviderAndModel(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1", ConversationID: "conv-1"}, tokenHash: tokenHashFor("secret")}
	tokenUsage := &fakeTokenUsageRepo{}
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}, TokenUsage: tokenUsage}, newTestBus(), nil, nil, nil, nil, nil)
	router := newGinRouter(server)

	body := `{"event":{"model":"openai:gpt-4o","input_tokens":100,"output_tokens":50}}`
	rec := doPost(router, "/rp/r1/token-usage", "secret", body)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, tokenUsage.usages, 1)
	assert.Equal(t, "openai", tokenUsage.usages[0].Provider)
	assert.Equal(t, "gpt-4o", tokenUsage.usages[0].Model)
	assert.Equal(t, "conv-1", tokenUsage.usages[0].ConversationID)
}

func TestHandleReviewCompleted_ReturnsInsertedID(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	projections := &fakeProjectionRepo{}
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}, Projections: projections}, newTestBus(), nil, nil, nil, nil, nil)
	router := newGinRouter(server)

	rec := doPost(router, "/rp/r1/review-completed", "secret", `{"scores":{"novelty":4.5}}`)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, projections.reviews, 1)
	assert.Equal(t, 4.5, projections.reviews[0].Scores["novelty"])
}

func TestHandleCodexEvent_ExtractsRoutingFieldsAndKeepsPayload(t *testing.T) {
	runs := &fakeRunRepo{run: &models.Run{RunID: "r1"}, tokenHash: tokenHashFor("secret")}
	projections := &fakeProjectionRepo{}
	server := New(&runstore.Store{Runs: runs, Terminations: &fakeTerminationRepo{}, Projections: projections}, newTestBus(), nil, nil, nil, nil, nil)
	router := newGinRouter(server)

	body := `{"event":{"stage":"ideation","node":"n1","event_type":"tool_call","detail":"ran grep"}}`
	rec := doPost(router, "/rp/r1/codex-event", "secret", body)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, projections.codexEvents, 1)
	assert.Equal(t, "ideation", projections.codexEvents[0].Stage)
	assert.Equal(t, "tool_call", projections.codexEvents[0].EventType)
	assert.Equal(t, "ran grep", projections.codexEvents[0].Payload["detail"])
}
