// shared/job.go
package shared

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further lifecycle transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

const (
	// ProgressClaimed is written when a worker claims a job, before the engine reports anything
	ProgressClaimed = 10
	// ProgressEngineCeiling caps engine-reported progress; the rest belongs to the terminal write
	ProgressEngineCeiling = 90
	ProgressDone          = 100
)

// Job represents one overlay render request and its lifecycle state
type Job struct {
	ID               string     `json:"job_id"`
	VideoID          string     `json:"video_id,omitempty"`
	SourcePath       string     `json:"source_path"`
	Overlays         []Overlay  `json:"overlays"`
	Status           JobStatus  `json:"status"`
	Progress         int        `json:"progress"`
	OutputPath       string     `json:"output_path,omitempty"`
	DownloadEndpoint string     `json:"download_endpoint,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// NewJob mints a pending job with a fresh id
func NewJob(sourcePath, videoID string, overlays []Overlay) *Job {
	now := time.Now().UTC()
	if overlays == nil {
		overlays = []Overlay{}
	}
	return &Job{
		ID:         uuid.New().String(),
		VideoID:    videoID,
		SourcePath: sourcePath,
		Overlays:   overlays,
		Status:     JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy so callers never share overlay slices or time pointers
func (j *Job) Clone() *Job {
	c := *j
	c.Overlays = append([]Overlay(nil), j.Overlays...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ClampProgress normalizes any numeric progress into [0,100]; NaN becomes 0
func ClampProgress(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > ProgressDone {
		return ProgressDone
	}
	return int(v)
}

// JobPatch is a merge-patch: only non-nil fields are written
type JobPatch struct {
	Status           *JobStatus
	Progress         *float64
	OutputPath       *string
	DownloadEndpoint *string
	Error            *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Ptr returns a pointer to v, handy for building patches
func Ptr[T any](v T) *T { return &v }

// Validate checks the patch on its own, independent of the stored record
func (p JobPatch) Validate() error {
	if p.Status == nil {
		return nil
	}
	switch *p.Status {
	case JobStatusCompleted:
		if p.OutputPath == nil || *p.OutputPath == "" {
			return &ValidationError{Field: "outputPath", Message: "completed job requires an output path"}
		}
	case JobStatusFailed:
		if p.Error == nil || *p.Error == "" {
			return &ValidationError{Field: "error", Message: "failed job requires an error message"}
		}
	case JobStatusPending, JobStatusProcessing:
	default:
		return &ValidationError{Field: "status", Message: "unknown status " + string(*p.Status)}
	}
	return nil
}

// AllowedFrom lists the stored statuses this patch may be applied to
func (p JobPatch) AllowedFrom() []JobStatus {
	if p.Status == nil {
		return []JobStatus{JobStatusPending, JobStatusProcessing}
	}
	switch *p.Status {
	case JobStatusProcessing:
		return []JobStatus{JobStatusPending}
	case JobStatusCompleted:
		return []JobStatus{JobStatusProcessing}
	case JobStatusFailed:
		return []JobStatus{JobStatusPending, JobStatusProcessing}
	default:
		return nil
	}
}

// CheckTransition reports whether the patch may be applied to a job currently in status from.
// Writing a status equal to the current one is never allowed, so a pending->processing
// claim succeeds exactly once.
func (p JobPatch) CheckTransition(from JobStatus) error {
	if from.IsTerminal() {
		return ErrTerminalState
	}
	for _, s := range p.AllowedFrom() {
		if s == from {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Apply writes the patch into job and refreshes UpdatedAt. Callers check the transition first.
func (p JobPatch) Apply(job *Job, now time.Time) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Progress != nil {
		job.Progress = ClampProgress(*p.Progress)
	}
	if p.OutputPath != nil {
		job.OutputPath = *p.OutputPath
	}
	if p.DownloadEndpoint != nil {
		job.DownloadEndpoint = *p.DownloadEndpoint
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		job.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		job.CompletedAt = &t
	}
	job.UpdatedAt = now
}
