package runstore

import (
	"context"
	"fmt"
	"time"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
)

// ProjectionRepo persists the append-only and upsert telemetry projections
// driven by the webhook endpoints in spec.md §6. Each method corresponds to
// exactly one webhook type; none of them touch the runs table.
type ProjectionRepo interface {
	InsertStageProgress(ctx context.Context, p models.StageProgress) error
	InsertSubstageCompleted(ctx context.Context, p models.SubstageCompleted) error
	InsertSubstageSummary(ctx context.Context, p models.SubstageSummary) error
	InsertPaperGenerationProgress(ctx context.Context, p models.PaperGenerationProgress) error
	UpsertCodeExecution(ctx context.Context, c models.CodeExecution) error
	UpsertStageSkipWindow(ctx context.Context, w models.StageSkipWindow) error
	UpsertTreeViz(ctx context.Context, v models.TreeViz) error
	InsertRunLog(ctx context.Context, l models.RunLog) error
	InsertFigureReviews(ctx context.Context, reviews []models.VlmFigureReview) error
	InsertLLMReview(ctx context.Context, r models.LlmReview) (int64, error)
	UpsertArtifact(ctx context.Context, a models.RunArtifact) error
	InsertBestNodeSelection(ctx context.Context, s models.BestNodeSelection) error
	InsertCodexEvent(ctx context.Context, e models.CodexEvent) error

	// GetSnapshot assembles the current-state summary the SSE stream sends
	// as its first event to a newly connecting subscriber (spec.md §4.8).
	GetSnapshot(ctx context.Context, runID string) (*RunSnapshot, error)
}

// RunSnapshot is the point-in-time aggregation of a run's latest known
// projections, used to seed a newly opened event stream.
type RunSnapshot struct {
	Run               *models.Run
	LatestStage       *models.StageProgress
	LatestPaperStep   *models.PaperGenerationProgress
	Artifacts         []models.RunArtifact
	RecentLogs        []models.RunLog
	Termination       *models.Termination
}

type pgProjectionRepo struct {
	db        Queryer
	runs      RunRepo
	terms     TerminationRepo
}

// NewProjectionRepo builds a ProjectionRepo. It also depends on RunRepo and
// TerminationRepo so GetSnapshot can assemble a cross-table view without
// forcing callers to stitch repos together themselves.
func NewProjectionRepo(db Queryer, runs RunRepo, terms TerminationRepo) ProjectionRepo {
	return &pgProjectionRepo{db: db, runs: runs, terms: terms}
}

func (r *pgProjectionRepo) InsertStageProgress(ctx context.Context, p models.StageProgress) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_stage_progress (
			run_id, stage, iteration, max_iterations, progress, total_nodes,
			buggy_nodes, good_nodes, best_metric, is_seed_node, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, p.RunID, p.Stage, p.Iteration, p.MaxIterations, p.Progress, p.TotalNodes,
		p.BuggyNodes, p.GoodNodes, p.BestMetric, p.IsSeedNode, occurredAtOrNow(p.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting stage progress for run %s: %w", p.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) InsertSubstageCompleted(ctx context.Context, p models.SubstageCompleted) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_substage_completed (run_id, stage, main_stage_number, reason, summary, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, p.RunID, p.Stage, p.MainStageNumber, p.Reason, jsonMap(p.Summary), occurredAtOrNow(p.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting substage completed for run %s: %w", p.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) InsertSubstageSummary(ctx context.Context, p models.SubstageSummary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_substage_summaries (run_id, stage, summary, occurred_at)
		VALUES ($1,$2,$3,$4)
	`, p.RunID, p.Stage, jsonMap(p.Summary), occurredAtOrNow(p.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting substage summary for run %s: %w", p.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) InsertPaperGenerationProgress(ctx context.Context, p models.PaperGenerationProgress) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_paper_generation_progress (run_id, step, substep, progress, step_progress, details, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.RunID, p.Step, p.Substep, p.Progress, p.StepProgress, jsonMap(p.Details), occurredAtOrNow(p.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting paper generation progress for run %s: %w", p.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) UpsertCodeExecution(ctx context.Context, c models.CodeExecution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_code_executions (
			run_id, execution_id, stage_name, run_type, execution_type, code,
			node_index, status, started_at, completed_at, exec_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (run_id, execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			exec_time = EXCLUDED.exec_time
	`, c.RunID, c.ExecutionID, c.StageName, c.RunType, c.ExecutionType, c.Code,
		c.NodeIndex, c.Status, c.StartedAt, c.CompletedAt, c.ExecTime)
	if err != nil {
		return fmt.Errorf("upserting code execution %s for run %s: %w", c.ExecutionID, c.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) UpsertStageSkipWindow(ctx context.Context, w models.StageSkipWindow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_stage_skip_windows (run_id, stage, state, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			state = EXCLUDED.state, reason = EXCLUDED.reason, occurred_at = EXCLUDED.occurred_at
	`, w.RunID, w.Stage, w.State, w.Reason, occurredAtOrNow(w.OccurredAt))
	if err != nil {
		return fmt.Errorf("upserting stage skip window for run %s stage %s: %w", w.RunID, w.Stage, err)
	}
	return nil
}

func (r *pgProjectionRepo) UpsertTreeViz(ctx context.Context, v models.TreeViz) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_tree_viz (run_id, stage_id, viz, version, occurred_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (run_id, stage_id) DO UPDATE SET
			viz = EXCLUDED.viz, version = EXCLUDED.version, occurred_at = EXCLUDED.occurred_at
		WHERE run_tree_viz.version <= EXCLUDED.version
	`, v.RunID, v.StageID, jsonMap(v.Viz), v.Version, occurredAtOrNow(v.OccurredAt))
	if err != nil {
		return fmt.Errorf("upserting tree viz for run %s stage %s: %w", v.RunID, v.StageID, err)
	}
	return nil
}

func (r *pgProjectionRepo) InsertRunLog(ctx context.Context, l models.RunLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, level, message, occurred_at) VALUES ($1,$2,$3,$4)
	`, l.RunID, l.Level, l.Message, occurredAtOrNow(l.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting run log for run %s: %w", l.RunID, err)
	}
	return nil
}

// InsertFigureReviews writes a figure-reviews batch in a single statement.
func (r *pgProjectionRepo) InsertFigureReviews(ctx context.Context, reviews []models.VlmFigureReview) error {
	if len(reviews) == 0 {
		return nil
	}
	query := `INSERT INTO run_vlm_figure_reviews (
		run_id, figure_name, img_description, img_review, caption_review, figrefs_review, source_path, occurred_at
	) VALUES `
	args := make([]any, 0, len(reviews)*8)
	for i, rev := range reviews {
		if i > 0 {
			query += ","
		}
		base := len(args)
		query += fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, rev.RunID, rev.FigureName, rev.ImgDescription, rev.ImgReview,
			rev.CaptionReview, rev.FigrefsReview, rev.SourcePath, occurredAtOrNow(rev.OccurredAt))
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %d figure reviews: %w", len(reviews), err)
	}
	return nil
}

func (r *pgProjectionRepo) InsertLLMReview(ctx context.Context, rev models.LlmReview) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO run_llm_reviews (run_id, scores, strings, lists, occurred_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id
	`, rev.RunID, jsonFloatMap(rev.Scores), jsonStringMap(rev.Strings), jsonStringListMap(rev.Lists),
		occurredAtOrNow(rev.OccurredAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting llm review for run %s: %w", rev.RunID, err)
	}
	return id, nil
}

func (r *pgProjectionRepo) UpsertArtifact(ctx context.Context, a models.RunArtifact) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_artifacts (run_id, s3_key, artifact_type, filename, file_size, file_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id, s3_key) DO UPDATE SET
			artifact_type = EXCLUDED.artifact_type, filename = EXCLUDED.filename,
			file_size = EXCLUDED.file_size, file_type = EXCLUDED.file_type
	`, a.RunID, a.S3Key, a.ArtifactType, a.Filename, a.FileSize, a.FileType, occurredAtOrNow(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting artifact %s for run %s: %w", a.S3Key, a.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) InsertBestNodeSelection(ctx context.Context, s models.BestNodeSelection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_best_node_selections (run_id, stage, node_index, metric, details, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, s.RunID, s.Stage, s.NodeIndex, s.Metric, jsonMap(s.Details), occurredAtOrNow(s.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting best node selection for run %s: %w", s.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) InsertCodexEvent(ctx context.Context, e models.CodexEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_codex_events (run_id, stage, node, event_type, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.RunID, e.Stage, e.Node, e.EventType, jsonMap(e.Payload), occurredAtOrNow(e.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting codex event for run %s: %w", e.RunID, err)
	}
	return nil
}

func (r *pgProjectionRepo) GetSnapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	snap := &RunSnapshot{Run: run}

	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, stage, iteration, max_iterations, progress, total_nodes, buggy_nodes, good_nodes,
			best_metric, is_seed_node, occurred_at
		FROM run_stage_progress WHERE run_id = $1 ORDER BY occurred_at DESC LIMIT 1
	`, runID)
	var sp models.StageProgress
	if err := row.Scan(&sp.RunID, &sp.Stage, &sp.Iteration, &sp.MaxIterations, &sp.Progress, &sp.TotalNodes,
		&sp.BuggyNodes, &sp.GoodNodes, &sp.BestMetric, &sp.IsSeedNode, &sp.OccurredAt); err == nil {
		snap.LatestStage = &sp
	}

	row = r.db.QueryRowContext(ctx, `
		SELECT run_id, step, substep, progress, step_progress, details, occurred_at
		FROM run_paper_generation_progress WHERE run_id = $1 ORDER BY occurred_at DESC LIMIT 1
	`, runID)
	var pp models.PaperGenerationProgress
	var details jsonMap
	if err := row.Scan(&pp.RunID, &pp.Step, &pp.Substep, &pp.Progress, &pp.StepProgress, &details, &pp.OccurredAt); err == nil {
		pp.Details = details
		snap.LatestPaperStep = &pp
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, s3_key, artifact_type, filename, file_size, file_type, created_at
		FROM run_artifacts WHERE run_id = $1 ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading artifacts for snapshot of run %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a models.RunArtifact
		if err := rows.Scan(&a.RunID, &a.S3Key, &a.ArtifactType, &a.Filename, &a.FileSize, &a.FileType, &a.CreatedAt); err != nil {
			return nil, err
		}
		snap.Artifacts = append(snap.Artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logRows, err := r.db.QueryContext(ctx, `
		SELECT run_id, level, message, occurred_at FROM run_logs
		WHERE run_id = $1 ORDER BY occurred_at DESC LIMIT 100
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("loading recent logs for snapshot of run %s: %w", runID, err)
	}
	defer logRows.Close()
	for logRows.Next() {
		var l models.RunLog
		if err := logRows.Scan(&l.RunID, &l.Level, &l.Message, &l.OccurredAt); err != nil {
			return nil, err
		}
		snap.RecentLogs = append(snap.RecentLogs, l)
	}
	if err := logRows.Err(); err != nil {
		return nil, err
	}

	term, err := r.terms.GetTermination(ctx, runID)
	if err == nil {
		snap.Termination = term
	}

	return snap, nil
}

func occurredAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
