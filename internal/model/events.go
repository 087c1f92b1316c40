package model

// Progress stream event names
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
	EventFinish   = "finish"
)

// Generation phases
const (
	PhaseCover   = "cover"
	PhaseContent = "content"
)

// Page statuses carried by progress events
const (
	PageStatusGenerating = "generating"
	PageStatusBatchStart = "batch_start"
	PageStatusDone       = "done"
	PageStatusError      = "error"
)

// ProgressEvent is one frame of the image generation stream.
type ProgressEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ProgressData struct {
	Index   *int   `json:"index,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Phase   string `json:"phase"`
}

type CompleteData struct {
	Index    int    `json:"index"`
	Status   string `json:"status"`
	ImageURL string `json:"image_url"`
	Phase    string `json:"phase"`
}

type ErrorData struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Phase     string `json:"phase"`
}

type FinishData struct {
	Success       bool     `json:"success"`
	TaskID        string   `json:"task_id"`
	Images        []string `json:"images"`
	Total         int      `json:"total"`
	Completed     int      `json:"completed"`
	Failed        int      `json:"failed"`
	FailedIndices []int    `json:"failed_indices"`
}
