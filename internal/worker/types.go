// Package worker implements the HTTP contract consumed from the remote GPU
// worker services: job submission, status polling, beam streaming, staged
// uploads, and segment listing/download.
package worker

// JobState is the lifecycle state a worker reports for a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal returns true if the job is in a terminal state.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Accepted reports whether a submission response state counts as success.
func (s JobState) Accepted() bool {
	return s == JobStatePending || s == JobStateQueued || s == JobStateRunning
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status     string `json:"status"`
	HWAccel    string `json:"hw_accel"`
	Version    string `json:"version,omitempty"`
	ActiveJobs int    `json:"active_jobs,omitempty"`
}

// Healthy reports whether the worker declared itself usable.
func (h *HealthResponse) Healthy() bool {
	return h.Status == "healthy"
}

// ProbeResponse is the GET /probe payload from @local workers.
type ProbeResponse struct {
	Duration float64 `json:"duration"`
}

// JobInput describes where the worker finds its input.
type JobInput struct {
	Type string `json:"type"` // file, http
	Path string `json:"path"`
}

// JobOutput describes the output container the worker produces.
type JobOutput struct {
	Type            string `json:"type"` // dash, hls, unknown
	Path            string `json:"path"`
	SegmentDuration int    `json:"segment_duration"`
}

// JobSubtitle carries the subtitle handling mode.
type JobSubtitle struct {
	Mode string `json:"mode"`
}

// JobArguments carries the semantic encode parameters plus the verbatim argv.
type JobArguments struct {
	VideoCodec   string      `json:"video_codec"`
	AudioCodec   string      `json:"audio_codec"`
	VideoBitrate string      `json:"video_bitrate,omitempty"`
	Resolution   string      `json:"resolution,omitempty"`
	Seek         float64     `json:"seek,omitempty"`
	Duration     float64     `json:"duration,omitempty"`
	ToneMapping  bool        `json:"tone_mapping"`
	Subtitle     JobSubtitle `json:"subtitle"`
	RawArgs      []string    `json:"raw_args"`
}

// SplitInfo records this job's slice of a multi-worker run.
type SplitInfo struct {
	Index int     `json:"index"`
	Of    int     `json:"of"`
	Seek  float64 `json:"seek"`
	Dur   float64 `json:"duration"`
}

// JobMetadata is opaque bookkeeping echoed back by the worker.
type JobMetadata struct {
	CartridgeVersion string     `json:"cartridge_version"`
	SessionID        string     `json:"session_id"`
	SplitInfo        *SplitInfo `json:"split_info,omitempty"`
}

// JobRequest is the POST /transcode body.
type JobRequest struct {
	JobID       string       `json:"job_id"`
	Input       JobInput     `json:"input"`
	Output      JobOutput    `json:"output"`
	Arguments   JobArguments `json:"arguments"`
	Source      string       `json:"source"` // plex, jellyfin
	BeamStream  bool         `json:"beam_stream"`
	PullURL     *string      `json:"pull_url"`
	StagedInput *string      `json:"staged_input"`
	CallbackURL *string      `json:"callback_url"`
	Metadata    JobMetadata  `json:"metadata"`
}

// JobResponse is the POST /transcode response.
type JobResponse struct {
	JobID  string   `json:"job_id"`
	Status JobState `json:"status"`
	Error  string   `json:"error,omitempty"`
}

// JobStatus is the GET /status/<job_id> payload.
type JobStatus struct {
	JobID     string   `json:"job_id"`
	Status    JobState `json:"status"`
	FPS       float64  `json:"fps"`
	Speed     float64  `json:"speed"`
	OutTimeMS int64    `json:"out_time_ms"`
	Frame     int64    `json:"frame"`
	Progress  float64  `json:"progress"`
	Error     string   `json:"error,omitempty"`
}

// SegmentList is the GET /beam/segments/<job_id> payload.
type SegmentList struct {
	Files []string `json:"files"`
}
