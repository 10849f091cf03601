// Package termination implements the lease-based background worker from
// spec.md §4.9: it drains the run_terminations queue, uploading pod
// artifacts over SSH and deleting the pod at the provider, retrying under
// a bounded attempt budget. Its poll/dispatch shape is adapted from the
// teacher's pkg/queue.WorkerPool/Worker: a stop-channel select loop per
// goroutine, bounded concurrency, graceful Stop.
package termination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/notify"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/podprovider"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// Configuration constants from spec.md §4.9.
const (
	LeaseSeconds     = 50 * 60
	StuckSeconds     = 60 * 60
	DefaultPoll      = time.Second
	HeartbeatTimeout = 10 * time.Minute
)

// ArtifactUploader is the subset of *remoteshell.Adapter the termination
// worker needs; narrowed to an interface so job processing can be tested
// without a live SSH target.
type ArtifactUploader interface {
	UploadArtifacts(ctx context.Context, host string, port int, runID, trigger string) error
}

// Pool runs one poll loop draining the termination queue, with at most
// concurrency jobs processed at a time.
type Pool struct {
	owner        string
	store        *runstore.Store
	provider     podprovider.Provider
	shell        ArtifactUploader
	bus          *eventbus.Bus
	notifier     notify.Notifier
	locker       AdvisoryLocker
	concurrency  int
	pollInterval time.Duration

	wakeCh chan struct{}
	stopCh chan struct{}
	sem    chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewPool builds a Pool. notifier and locker may both be nil: a nil
// notifier simply skips out-of-band warnings, and a nil locker runs
// startup recovery unguarded (safe on a single-replica deployment).
func NewPool(store *runstore.Store, provider podprovider.Provider, shell ArtifactUploader, bus *eventbus.Bus, notifier notify.Notifier, locker AdvisoryLocker, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		// owner uniquely identifies this worker process as a lease holder
		// (spec.md §4.9's claim/lease protocol); a uuid suffix keeps it
		// distinct across restarts on the same host/pid.
		owner:        fmt.Sprintf("termination-%s-%d@%s", uuid.New().String()[:8], os.Getpid(), hostname()),
		store:        store,
		provider:     provider,
		shell:        shell,
		bus:          bus,
		notifier:     notifier,
		locker:       locker,
		concurrency:  concurrency,
		pollInterval: DefaultPoll,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		sem:          make(chan struct{}, concurrency),
		logger:       slog.With("component", "termination"),
	}
}

// SetPollInterval overrides the poll loop's timeout between wake signals.
// Must be called before Start.
func (p *Pool) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Start runs the recovery pass once and then launches the poll loop in a
// goroutine. Start returns once recovery has completed.
func (p *Pool) Start(ctx context.Context) error {
	if err := runRecovery(ctx, p.store, p.owner, p.locker); err != nil {
		p.logger.Error("startup recovery failed", "error", err)
	}

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop signals the poll loop to exit and waits for it and for every
// in-flight job goroutine to return.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Wake nudges the poll loop to claim immediately rather than waiting out
// pollInterval. Implements webhook.Waker. Non-blocking: if a wake is
// already pending, this is a no-op.
func (p *Pool) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()

	log := p.logger
	log.Info("termination worker started", "owner", p.owner, "concurrency", p.concurrency)

	for {
		select {
		case <-p.stopCh:
			log.Info("termination worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, termination worker shutting down")
			return
		case <-p.wakeCh:
		case <-time.After(p.pollInterval):
		}

		p.drain(ctx)
	}
}

// drain claims and dispatches jobs until the queue reports nothing
// claimable, bounded by Concurrency in-flight jobs at a time.
func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case p.sem <- struct{}{}:
		}

		job, err := p.store.Terminations.ClaimNextTermination(ctx, p.owner, LeaseSeconds*time.Second, StuckSeconds*time.Second)
		if err != nil {
			p.logger.Error("claiming termination job failed", "error", err)
			<-p.sem
			return
		}
		if job == nil {
			<-p.sem
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.processJob(ctx, job)
		}()
	}
}

// processJob errors are self-contained: every path either reschedules,
// marks the job terminal, or marks it failed — processJob itself never
// returns an error to the caller.
func (p *Pool) processJob(ctx context.Context, job *models.Termination) {
	log := p.logger.With("run_id", job.RunID, "attempt", job.Attempts, "trigger", job.Trigger)

	run, err := p.store.Runs.GetRun(ctx, job.RunID)
	if err != nil {
		log.Error("run missing for termination job", "error", err)
		p.finishFailed(ctx, job, nil, "run not found")
		return
	}

	uploadFailedThisJob := false
	if !job.ArtifactsUploaded() {
		if run.PublicIP != nil && run.SSHPort != nil {
			if err := p.shell.UploadArtifacts(ctx, *run.PublicIP, *run.SSHPort, job.RunID, job.Trigger); err != nil {
				log.Warn("uploading artifacts failed", "error", err)
				uploadFailedThisJob = true
				if job.Attempts < models.MaxTerminationAttempts {
					p.reschedule(ctx, job, err.Error())
					return
				}
				// Attempts exhausted: fall through to pod termination anyway.
			} else if err := p.store.Terminations.MarkArtifactsUploaded(ctx, job.RunID, p.owner); err != nil {
				log.Error("marking artifacts uploaded failed", "error", err)
			}
		} else {
			uploadFailedThisJob = true
			if job.Attempts < models.MaxTerminationAttempts {
				p.reschedule(ctx, job, "missing SSH info")
				return
			}
		}
	}

	if run.PodID != nil {
		err := p.provider.DeletePod(ctx, *run.PodID)
		switch {
		case err == nil:
			if err := p.store.Terminations.MarkPodTerminated(ctx, job.RunID, p.owner); err != nil {
				log.Error("marking pod terminated failed", "error", err)
			}
		case isPodNotFound(err):
			if err := p.store.Terminations.MarkPodTerminated(ctx, job.RunID, p.owner); err != nil {
				log.Error("marking pod terminated failed", "error", err)
			}
		default:
			log.Warn("deleting pod failed", "error", err)
			if job.Attempts < models.MaxTerminationAttempts {
				p.reschedule(ctx, job, err.Error())
				return
			}
			p.finishFailed(ctx, job, run, err.Error())
			return
		}
	} else if err := p.store.Terminations.MarkPodTerminated(ctx, job.RunID, p.owner); err != nil {
		log.Error("marking pod terminated failed", "error", err)
	}

	if err := p.store.Terminations.MarkTerminated(ctx, job.RunID, p.owner); err != nil {
		log.Error("marking termination terminated failed", "error", err)
	}
	p.emitComplete(job.RunID, run)

	if uploadFailedThisJob && job.Attempts >= models.MaxTerminationAttempts && p.notifier != nil {
		_ = p.notifier.Notify(ctx, notify.SeverityWarning, "Artifact upload failed",
			fmt.Sprintf("termination for run %s reached the pod-deletion step with artifacts never uploaded", job.RunID),
			map[string]any{"run_id": job.RunID})
	}
}

func isPodNotFound(err error) bool {
	return errors.Is(err, podprovider.ErrPodNotFound)
}

func (p *Pool) reschedule(ctx context.Context, job *models.Termination, reason string) {
	delay := time.Duration(job.Attempts) * 10 * time.Second
	if err := p.store.Terminations.RescheduleTermination(ctx, job.RunID, p.owner, reason, delay); err != nil {
		p.logger.Error("rescheduling termination failed", "run_id", job.RunID, "error", err)
	}
}

func (p *Pool) finishFailed(ctx context.Context, job *models.Termination, run *models.Run, reason string) {
	if err := p.store.Terminations.MarkFailed(ctx, job.RunID, p.owner, reason); err != nil {
		p.logger.Error("marking termination failed", "run_id", job.RunID, "error", err)
	}
	p.emitComplete(job.RunID, run)
}

// emitComplete publishes the synthesized `complete` stream event
// spec.md §4.9's pseudocode calls for. run may be nil if it could not be
// reloaded; the client's snapshot reload on `complete` recovers the
// authoritative final status in that case.
func (p *Pool) emitComplete(runID string, run *models.Run) {
	data := map[string]any{"run_id": runID}
	if run != nil {
		data["status"] = string(run.Status)
	}
	p.bus.Publish(runID, eventbus.Event{"type": "complete", "data": data})
}
