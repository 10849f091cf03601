package termination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/podprovider"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// fakeRunRepo and fakeTerminationRepo implement only the behavior each
// test needs; unused methods panic if called so a test fails loudly
// instead of silently passing on an unexercised path.

type fakeRunRepo struct {
	runstore.RunRepo
	run *models.Run
	err error
}

func (f *fakeRunRepo) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return f.run, f.err
}

type fakeTerminationRepo struct {
	runstore.TerminationRepo
	artifactsUploaded bool
	podTerminated     bool
	terminated        bool
	failed            bool
	failReason        string
	rescheduled       bool
	rescheduleReason  string
}

func (f *fakeTerminationRepo) MarkArtifactsUploaded(ctx context.Context, runID, owner string) error {
	f.artifactsUploaded = true
	return nil
}

func (f *fakeTerminationRepo) MarkPodTerminated(ctx context.Context, runID, owner string) error {
	f.podTerminated = true
	return nil
}

func (f *fakeTerminationRepo) MarkTerminated(ctx context.Context, runID, owner string) error {
	f.terminated = true
	return nil
}

func (f *fakeTerminationRepo) MarkFailed(ctx context.Context, runID, owner, reason string) error {
	f.failed = true
	f.failReason = reason
	return nil
}

func (f *fakeTerminationRepo) RescheduleTermination(ctx context.Context, runID, owner, reason string, delay time.Duration) error {
	f.rescheduled = true
	f.rescheduleReason = reason
	return nil
}

type fakeUploader struct {
	err   error
	calls int
}

func (f *fakeUploader) UploadArtifacts(ctx context.Context, host string, port int, runID, trigger string) error {
	f.calls++
	return f.err
}

type fakeProvider struct {
	podprovider.Provider
	deleteErr error
}

func (f *fakeProvider) DeletePod(ctx context.Context, podID string) error {
	return f.deleteErr
}

func newTestPool(t *testing.T, runs *fakeRunRepo, terms *fakeTerminationRepo, uploader ArtifactUploader, provider podprovider.Provider) (*Pool, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	store := &runstore.Store{Runs: runs, Terminations: terms}
	pool := NewPool(store, provider, uploader, bus, nil, nil, 1)
	return pool, bus
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestProcessJob_HappyPath(t *testing.T) {
	podID := "pod-1"
	run := &models.Run{RunID: "r1", Status: models.RunStatusCompleted, PublicIP: strPtr("1.2.3.4"), SSHPort: intPtr(22), PodID: &podID}
	runs := &fakeRunRepo{run: run}
	terms := &fakeTerminationRepo{}
	uploader := &fakeUploader{}
	provider := &fakeProvider{}

	pool, bus := newTestPool(t, runs, terms, uploader, provider)
	sub := bus.Subscribe("r1")

	job := &models.Termination{RunID: "r1", Trigger: "pipeline_event_finish", Attempts: 1}
	pool.processJob(context.Background(), job)

	assert.Equal(t, 1, uploader.calls)
	assert.True(t, terms.artifactsUploaded)
	assert.True(t, terms.podTerminated)
	assert.True(t, terms.terminated)
	assert.False(t, terms.failed)
	assert.False(t, terms.rescheduled)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "complete", ev["type"])
	default:
		t.Fatal("expected a complete event to be published")
	}
}

func TestProcessJob_UploadFailureReschedulesUnderAttemptBudget(t *testing.T) {
	podID := "pod-1"
	run := &models.Run{RunID: "r1", PublicIP: strPtr("1.2.3.4"), SSHPort: intPtr(22), PodID: &podID}
	runs := &fakeRunRepo{run: run}
	terms := &fakeTerminationRepo{}
	uploader := &fakeUploader{err: errors.New("ssh timeout")}
	provider := &fakeProvider{}

	pool, _ := newTestPool(t, runs, terms, uploader, provider)
	job := &models.Termination{RunID: "r1", Attempts: 1}
	pool.processJob(context.Background(), job)

	assert.True(t, terms.rescheduled)
	assert.Equal(t, "ssh timeout", terms.rescheduleReason)
	assert.False(t, terms.podTerminated, "pod deletion must not run while a retryable upload failure is pending")
}

func TestProcessJob_UploadFailureExhaustedFallsThroughToPodDeletion(t *testing.T) {
	podID := "pod-1"
	run := &models.Run{RunID: "r1", PublicIP: strPtr("1.2.3.4"), SSHPort: intPtr(22), PodID: &podID}
	runs := &fakeRunRepo{run: run}
	terms := &fakeTerminationRepo{}
	uploader := &fakeUploader{err: errors.New("ssh timeout")}
	provider := &fakeProvider{}

	pool, _ := newTestPool(t, runs, terms, uploader, provider)
	job := &models.Termination{RunID: "r1", Attempts: models.MaxTerminationAttempts}
	pool.processJob(context.Background(), job)

	assert.False(t, terms.rescheduled)
	assert.True(t, terms.podTerminated)
	assert.True(t, terms.terminated)
}

func TestProcessJob_MissingSSHInfoReschedules(t *testing.T) {
	podID := "pod-1"
	run := &models.Run{RunID: "r1", PodID: &podID}
	runs := &fakeRunRepo{run: run}
	terms := &fakeTerminationRepo{}
	uploader := &fakeUploader{}
	provider := &fakeProvider{}

	pool, _ := newTestPool(t, runs, terms, uploader, provider)
	job := &models.Termination{RunID: "r1", Attempts: 1}
	pool.processJob(context.Background(), job)

	assert.Equal(t, 0, uploader.calls)
	assert.True(t, terms.rescheduled)
	assert.Equal(t, "missing SSH info", terms.rescheduleReason)
}

func TestProcessJob_PodNotFoundTreatedAsTerminated(t *testing.T) {
	podID := "pod-1"
	run := &models.Run{RunID: "r1", PodID: &podID}
	runs := &fakeRunRepo{run: run}
	terms := &fakeTerminationRepo{artifactsUploaded: true}
	uploader := &fakeUploader{}
	provider := &fakeProvider{deleteErr: podprovider.ErrPodNotFound}

	job := &models.Termination{RunID: "r1", Attempts: 1, ArtifactsUploadedAt: timePtr()}
	pool, _ := newTestPool(t, runs, terms, uploader, provider)
	pool.processJob(context.Background(), job)

	assert.True(t, terms.podTerminated)
	assert.True(t, terms.terminated)
	assert.False(t, terms.failed)
}

func TestProcessJob_DeletePodFailureExhaustedMarksFailed(t *testing.T) {
	podID := "pod-1"
	run := &models.Run{RunID: "r1", Status: models.RunStatusFailed, PodID: &podID}
	runs := &fakeRunRepo{run: run}
	terms := &fakeTerminationRepo{}
	uploader := &fakeUploader{}
	provider := &fakeProvider{deleteErr: errors.New("provider unavailable")}

	job := &models.Termination{RunID: "r1", Attempts: models.MaxTerminationAttempts, ArtifactsUploadedAt: timePtr()}
	pool, bus := newTestPool(t, runs, terms, uploader, provider)
	sub := bus.Subscribe("r1")
	pool.processJob(context.Background(), job)

	assert.True(t, terms.failed)
	assert.False(t, terms.terminated)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "complete", ev["type"])
	default:
		t.Fatal("a failed termination must still emit a complete event")
	}
}

func TestProcessJob_NoPodIDMarksTerminatedDirectly(t *testing.T) {
	run := &models.Run{RunID: "r1", Status: models.RunStatusCompleted}
	runs := &fakeRunRepo{run: run}
	terms := &fakeTerminationRepo{artifactsUploaded: true}
	uploader := &fakeUploader{}
	provider := &fakeProvider{}

	job := &models.Termination{RunID: "r1", Attempts: 1, ArtifactsUploadedAt: timePtr()}
	pool, _ := newTestPool(t, runs, terms, uploader, provider)
	pool.processJob(context.Background(), job)

	assert.True(t, terms.podTerminated)
	assert.True(t, terms.terminated)
}

func TestProcessJob_RunMissingMarksFailed(t *testing.T) {
	runs := &fakeRunRepo{err: runstore.ErrRunNotFound}
	terms := &fakeTerminationRepo{}
	pool, _ := newTestPool(t, runs, terms, &fakeUploader{}, &fakeProvider{})

	job := &models.Termination{RunID: "r1", Attempts: 1}
	pool.processJob(context.Background(), job)

	assert.True(t, terms.failed)
	assert.Equal(t, "run not found", terms.failReason)
}

func TestWake_IsNonBlockingAndCoalesces(t *testing.T) {
	store := &runstore.Store{Runs: &fakeRunRepo{}, Terminations: &fakeTerminationRepo{}}
	pool := NewPool(store, &fakeProvider{}, &fakeUploader{}, eventbus.New(), nil, nil, 1)

	pool.Wake()
	pool.Wake()
	pool.Wake()

	select {
	case <-pool.wakeCh:
	default:
		t.Fatal("expected a pending wake signal")
	}
	select {
	case <-pool.wakeCh:
		t.Fatal("wake signal must coalesce, not queue")
	default:
	}
}

func timePtr() *time.Time {
	now := time.Now()
	return &now
}
