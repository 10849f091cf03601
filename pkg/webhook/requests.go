package webhook

// Request bodies, named and shaped per spec.md §6's table. Each `Event`
// field mirrors the pipeline's `{event: {...}}` envelope convention; a
// handful of endpoints (run-finished, hw-stats, gpu-shortage) are sent
// unwrapped, matching the table exactly.

type stageProgressRequest struct {
	Event struct {
		Stage         string   `json:"stage" binding:"required"`
		Iteration     int      `json:"iteration"`
		MaxIterations int      `json:"max_iterations"`
		Progress      float64  `json:"progress"`
		TotalNodes    int      `json:"total_nodes"`
		BuggyNodes    int      `json:"buggy_nodes"`
		GoodNodes     int      `json:"good_nodes"`
		BestMetric    *float64 `json:"best_metric"`
		IsSeedNode    *bool    `json:"is_seed_node"`
	} `json:"event" binding:"required"`
}

type substageCompletedRequest struct {
	Event struct {
		Stage           string         `json:"stage" binding:"required"`
		MainStageNumber int            `json:"main_stage_number"`
		Reason          string         `json:"reason"`
		Summary         map[string]any `json:"summary"`
	} `json:"event" binding:"required"`
}

type substageSummaryRequest struct {
	Event struct {
		Stage   string         `json:"stage" binding:"required"`
		Summary map[string]any `json:"summary"`
	} `json:"event" binding:"required"`
}

type paperGenerationProgressRequest struct {
	Event struct {
		Step         string         `json:"step" binding:"required"`
		Substep      *string        `json:"substep"`
		Progress     float64        `json:"progress"`
		StepProgress float64        `json:"step_progress"`
		Details      map[string]any `json:"details"`
	} `json:"event" binding:"required"`
}

type treeVizStoredRequest struct {
	Event struct {
		StageID string         `json:"stage_id" binding:"required"`
		Viz     map[string]any `json:"viz"`
		Version int            `json:"version"`
	} `json:"event" binding:"required"`
}

type stageSkipWindowRequest struct {
	Event struct {
		Stage     string  `json:"stage" binding:"required"`
		State     string  `json:"state" binding:"required"`
		Timestamp *string `json:"timestamp"`
		Reason    *string `json:"reason"`
	} `json:"event" binding:"required"`
}

type runLogRequest struct {
	Event struct {
		Level   string `json:"level" binding:"required"`
		Message string `json:"message"`
	} `json:"event" binding:"required"`
}

type bestNodeSelectionRequest struct {
	Event struct {
		Stage     string         `json:"stage" binding:"required"`
		NodeIndex int            `json:"node_index"`
		Metric    *float64       `json:"metric"`
		Details   map[string]any `json:"details"`
	} `json:"event" binding:"required"`
}

type runningCodeRequest struct {
	Event struct {
		ExecutionID   string `json:"execution_id" binding:"required"`
		StageName     string `json:"stage_name"`
		RunType       string `json:"run_type"`
		ExecutionType string `json:"execution_type"`
		Code          string `json:"code"`
		StartedAt     string `json:"started_at"`
		NodeIndex     *int   `json:"node_index"`
	} `json:"event" binding:"required"`
}

type runCompletedRequest struct {
	Event struct {
		ExecutionID   string   `json:"execution_id" binding:"required"`
		StageName     string   `json:"stage_name"`
		RunType       string   `json:"run_type"`
		ExecutionType string   `json:"execution_type"`
		Status        string   `json:"status" binding:"required,oneof=success failed"`
		ExecTime      *float64 `json:"exec_time"`
		CompletedAt   string   `json:"completed_at"`
		NodeIndex     *int     `json:"node_index"`
	} `json:"event" binding:"required"`
}

type artifactUploadedRequest struct {
	Event struct {
		ArtifactType string `json:"artifact_type" binding:"required"`
		Filename     string `json:"filename" binding:"required"`
		FileSize     int64  `json:"file_size"`
		FileType     string `json:"file_type"`
		CreatedAt    string `json:"created_at"`
	} `json:"event" binding:"required"`
}

// reviewCompletedRequest carries the 14 numeric fields, strings, and lists
// spec.md §6 describes without naming them individually; the control
// plane never interprets the reviewer-specific schema, so it is parsed
// into a flat numeric/string/list bag (models.LlmReview) rather than a
// fully-typed struct.
type reviewCompletedRequest struct {
	Scores  map[string]float64  `json:"scores"`
	Strings map[string]string   `json:"strings"`
	Lists   map[string][]string `json:"lists"`
}

type figureReviewsRequest struct {
	Event struct {
		Reviews []struct {
			FigureName     string  `json:"figure_name" binding:"required"`
			ImgDescription string  `json:"img_description"`
			ImgReview      string  `json:"img_review"`
			CaptionReview  string  `json:"caption_review"`
			FigrefsReview  string  `json:"figrefs_review"`
			SourcePath     *string `json:"source_path"`
		} `json:"reviews"`
	} `json:"event" binding:"required"`
}

type initializationProgressRequest struct {
	Message string `json:"message" binding:"required"`
}

type runFinishedRequest struct {
	Success bool    `json:"success"`
	Message *string `json:"message"`
}

type hwStatsRequest struct {
	Partitions []struct {
		Partition string `json:"partition" binding:"required"`
		UsedBytes int64  `json:"used_bytes"`
	} `json:"partitions" binding:"required"`
}

type gpuShortageRequest struct {
	RequiredGPUs  int     `json:"required_gpus"`
	AvailableGPUs int     `json:"available_gpus"`
	Message       *string `json:"message"`
}

type tokenUsageRequest struct {
	Event struct {
		Model             string `json:"model" binding:"required"`
		InputTokens       int64  `json:"input_tokens"`
		CachedInputTokens int64  `json:"cached_input_tokens"`
		OutputTokens      int64  `json:"output_tokens"`
	} `json:"event" binding:"required"`
}

// codexEventRequest captures the event envelope as an opaque bag: the
// payload is stored as-is per spec.md §6 and never schema-validated
// beyond "is this valid JSON".
type codexEventRequest struct {
	Event map[string]any `json:"event" binding:"required"`
}

type presignedUploadURLRequest struct {
	ArtifactType string         `json:"artifact_type" binding:"required"`
	Filename     string         `json:"filename" binding:"required"`
	ContentType  string         `json:"content_type"`
	Metadata     map[string]any `json:"metadata"`
}

type multipartInitRequest struct {
	ArtifactType string `json:"artifact_type" binding:"required"`
	Filename     string `json:"filename" binding:"required"`
	ContentType  string `json:"content_type"`
}

type multipartCompleteRequest struct {
	UploadID string `json:"upload_id" binding:"required"`
	S3Key    string `json:"s3_key" binding:"required"`
	Parts    []struct {
		PartNumber int    `json:"part_number"`
		ETag       string `json:"etag"`
	} `json:"parts"`
}

type multipartAbortRequest struct {
	UploadID string `json:"upload_id" binding:"required"`
	S3Key    string `json:"s3_key" binding:"required"`
}

type datasetUploadURLRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
}
