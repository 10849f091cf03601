package stream

import "github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"

// snapshotPayload flattens a RunSnapshot into the wire shape the stream's
// initial event and the standalone snapshot endpoint both send
// (spec.md §6: "the same initial payload the stream emits first").
func snapshotPayload(snap *runstore.RunSnapshot) map[string]any {
	run := snap.Run
	payload := map[string]any{
		"run_id":                run.RunID,
		"status":                run.Status,
		"initialization_status": run.InitializationStatus,
		"error_message":         run.ErrorMessage,
		"gpu_type":              run.GPUType,
		"cost_per_hour":         run.CostPerHour,
		"started_running_at":    run.StartedRunningAt,
		"artifacts":             snap.Artifacts,
		"recent_logs":           snap.RecentLogs,
	}
	if snap.LatestStage != nil {
		payload["latest_stage"] = snap.LatestStage
	}
	if snap.LatestPaperStep != nil {
		payload["latest_paper_step"] = snap.LatestPaperStep
	}
	if snap.Termination != nil {
		payload["termination"] = map[string]any{
			"status":     snap.Termination.Status,
			"last_error": snap.Termination.LastError,
		}
	}
	return payload
}
