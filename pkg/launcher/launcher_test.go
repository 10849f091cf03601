package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

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

func TestLauncher_Submit_ReturnsRunIDAndInsertsPendingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	// SetPodIdentity + AppendEvent happen asynchronously in provision(); allow them.
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("UPDATE runs SET pod_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO run_events").WillReturnResult(sqlmock.NewResult(0, 1))

	runs := runstore.NewRunRepo(db)
	l := New(runs, fakeIdeaRepo{}, podprovider.NewFakeProvider(), nil, nil, 10*time.Minute, "https://example.test")

	runID, err := l.Submit(context.Background(), SubmitRequest{
		IdeaVersionID:        1,
		UserID:               "user-1",
		RequesterDisplayName: "Ada",
		ConversationID:       "conv-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	// Provisioning runs in a background goroutine; give it a moment.
	time.Sleep(50 * time.Millisecond)
}
