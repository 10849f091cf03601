package models

import "time"

// StageProgress projects a stage-progress webhook.
type StageProgress struct {
	RunID         string
	Stage         string
	Iteration     int
	MaxIterations int
	Progress      float64
	TotalNodes    int
	BuggyNodes    int
	GoodNodes     int
	BestMetric    *float64
	IsSeedNode    *bool
	OccurredAt    time.Time
}

// SubstageCompleted projects a substage-completed webhook.
type SubstageCompleted struct {
	RunID            string
	Stage            string
	MainStageNumber  int
	Reason           string
	Summary          map[string]any
	OccurredAt       time.Time
}

// SubstageSummary projects a substage-summary webhook.
type SubstageSummary struct {
	RunID      string
	Stage      string
	Summary    map[string]any
	OccurredAt time.Time
}

// PaperGenerationProgress projects a paper-generation-progress webhook.
type PaperGenerationProgress struct {
	RunID        string
	Step         string
	Substep      *string
	Progress     float64
	StepProgress float64
	Details      map[string]any
	OccurredAt   time.Time
}

// CodeExecution is the upsert-by-execution_id projection of
// running-code/run-completed.
type CodeExecution struct {
	RunID         string
	ExecutionID   string
	StageName     string
	RunType       string
	ExecutionType string
	Code          string
	NodeIndex     *int
	Status        string // "running", "success", "failed"
	StartedAt     time.Time
	CompletedAt   *time.Time
	ExecTime      *float64
}

// StageSkipWindow is the upsert-by-(run_id,stage) projection of
// stage-skip-window.
type StageSkipWindow struct {
	RunID      string
	Stage      string
	State      string
	Reason     *string
	OccurredAt time.Time
}

// TreeViz is the upsert-by-(run_id,stage_id) projection of tree-viz-stored.
type TreeViz struct {
	RunID      string
	StageID    string
	Viz        map[string]any
	Version    int
	OccurredAt time.Time
}

// RunLog is an append-only log line projection.
type RunLog struct {
	RunID      string
	Level      string
	Message    string
	OccurredAt time.Time
}

// VlmFigureReview is one figure review row from a figure-reviews batch.
type VlmFigureReview struct {
	RunID          string
	FigureName     string
	ImgDescription string
	ImgReview      string
	CaptionReview  string
	FigrefsReview  string
	SourcePath     *string
	OccurredAt     time.Time
}

// LlmReview is the full review-completed payload. Numeric fields are kept
// as float64; the endpoint accepts 14 numeric fields plus strings/lists
// per spec.md §6 and this type stores them opaquely in Scores/Strings/Lists to
// avoid hard-coding a reviewer-specific schema into the control plane.
type LlmReview struct {
	ID         int64
	RunID      string
	Scores     map[string]float64
	Strings    map[string]string
	Lists      map[string][]string
	OccurredAt time.Time
}

// BestNodeSelection projects a best-node-selection webhook.
type BestNodeSelection struct {
	RunID      string
	Stage      string
	NodeIndex  int
	Metric     *float64
	Details    map[string]any
	OccurredAt time.Time
}

// RunArtifact is the upsert-by-(run_id,s3_key) projection of
// artifact-uploaded.
type RunArtifact struct {
	RunID        string
	ArtifactType string
	Filename     string
	FileSize     int64
	FileType     string
	S3Key        string
	CreatedAt    time.Time
}

// CodexEvent is the opaque pass-through row for the codex-event endpoint.
// Never interpreted by the control plane; stored for dashboard/debug use.
type CodexEvent struct {
	RunID      string
	Stage      string
	Node       string
	EventType  string
	Payload    map[string]any
	OccurredAt time.Time
}

// TokenUsage is an aggregated LLM token-consumption row.
type TokenUsage struct {
	ID                int64
	ConversationID    string
	RunID             *string
	Provider          string
	Model             string
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
	CreatedAt         time.Time
}

// PodBillingRecord is the hardware billing summary emitted once per pod
// after termination.
type PodBillingRecord struct {
	RunID       string
	AmountUSD   float64
	TimeBilledMS int64
	Records     []map[string]any
	Context     map[string]any
	OccurredAt  time.Time
}
