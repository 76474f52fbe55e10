package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"fluidsim/internal/pkg/errors"
)

// Request defaults.
const (
	DefaultWindSpeed     = 1.0
	DefaultVizMode       = 1
	DefaultCollisionMode = 1
	DefaultDuration      = 10
)

// JobRequest is the inbound render request.
type JobRequest struct {
	ID            string  `json:"job_id,omitempty"`
	WindSpeed     float64 `json:"wind_speed"`
	VizMode       int     `json:"viz_mode"`
	CollisionMode int     `json:"collision_mode"`
	Duration      int     `json:"duration"`
	Model         string  `json:"model"`
	CallbackURL   string  `json:"callback_url,omitempty"`
}

// NewJobID returns a random job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// DefaultJobRequest returns a request holding every default. Decoding JSON
// into it keeps explicit zero modes intact.
func DefaultJobRequest() JobRequest {
	return JobRequest{
		WindSpeed:     DefaultWindSpeed,
		VizMode:       DefaultVizMode,
		CollisionMode: DefaultCollisionMode,
		Duration:      DefaultDuration,
		Model:         string(DefaultModel),
	}
}

// Normalize generates an id when none was supplied and defaults a blank
// model. Numeric fields are left as sent so an explicit zero reaches
// Validate; defaults come from decoding into DefaultJobRequest. A non-blank
// model is resolved later through ParseModel so the caller can log a fallback.
func (r *JobRequest) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		r.ID = NewJobID()
	}
	if strings.TrimSpace(r.Model) == "" {
		r.Model = string(DefaultModel)
	}
	r.CallbackURL = strings.TrimSpace(r.CallbackURL)
}

// Validate checks a normalized request.
func (r *JobRequest) Validate() error {
	if r.ID == "" {
		return errors.ValidationField("job_id", "job id is required")
	}
	if r.WindSpeed <= 0 {
		return errors.ValidationField("wind_speed", "wind speed must be positive")
	}
	if r.Duration <= 0 {
		return errors.ValidationField("duration", "duration must be a positive number of seconds")
	}
	if r.VizMode < 0 {
		return errors.ValidationField("viz_mode", "viz mode must not be negative")
	}
	if r.CollisionMode < 0 {
		return errors.ValidationField("collision_mode", "collision mode must not be negative")
	}
	if r.CallbackURL != "" && !strings.HasPrefix(r.CallbackURL, "http://") && !strings.HasPrefix(r.CallbackURL, "https://") {
		return errors.ValidationField("callback_url", "callback url must be http or https")
	}
	return nil
}

// ResultStatus is the terminal outcome of a job.
type ResultStatus string

const (
	ResultComplete ResultStatus = "complete"
	ResultError    ResultStatus = "error"
)

// JobResult is the render response. It is not modified once returned.
type JobResult struct {
	Status    ResultStatus `json:"status"`
	JobID     string       `json:"job_id"`
	VideoURL  string       `json:"video_url,omitempty"`
	Model     string       `json:"model,omitempty"`
	WindSpeed float64      `json:"wind_speed,omitempty"`
	// CdValue is nil when the simulation printed no drag readings.
	CdValue *float64 `json:"cd_value"`
	Error   string   `json:"error,omitempty"`
}

// Failed builds an error result with a bounded message.
func Failed(jobID string, msg string) JobResult {
	return JobResult{
		Status: ResultError,
		JobID:  jobID,
		Error:  errors.Truncate(msg, errors.MaxMessageLen),
	}
}

// Status is the lifecycle state of a persisted job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Job is the persisted record of an asynchronous render.
type Job struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Request    JobRequest `json:"request"`
	Result     *JobResult `json:"result,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
