// Package status is the read side of the pipeline: job status polling and
// retrieval of finished artifacts.
package status

import (
	"errors"
	"fmt"
	"os"
	"time"

	"video-overlay-api-scalable/shared"
)

// View is the polling response for a job
type View struct {
	JobID       string           `json:"jobId"`
	Status      shared.JobStatus `json:"status"`
	Progress    int              `json:"progress"`
	OutputVideo *string          `json:"outputVideo"`
	Error       *string          `json:"error"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Artifact is a finished output ready to be streamed
type Artifact struct {
	Path     string
	Filename string
	Size     int64
	ModTime  time.Time
}

// ArtifactName is the download filename offered for jobID
func ArtifactName(jobID string) string {
	return "edited_video_" + jobID + ".mp4"
}

type Service struct {
	db shared.DatabaseClient
}

func NewService(db shared.DatabaseClient) *Service {
	return &Service{db: db}
}

// Status returns the current best-known state of id
func (s *Service) Status(id string) (View, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return View{}, err
	}
	v := View{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.DownloadEndpoint != "" {
		v.OutputVideo = &job.DownloadEndpoint
	}
	if job.Error != "" {
		v.Error = &job.Error
	}
	return v, nil
}

// Result resolves the artifact of a completed job. A job that is not completed
// yields *shared.NotReadyError; a completed job whose file is gone yields an
// error matching both shared.ErrInconsistentState and shared.ErrNotFound.
func (s *Service) Result(id string) (*Artifact, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != shared.JobStatusCompleted {
		return nil, &shared.NotReadyError{Status: job.Status, Progress: job.Progress}
	}
	if job.OutputPath == "" {
		return nil, inconsistent(id, "completed without an output path")
	}
	info, err := os.Stat(job.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, inconsistent(id, "output video file not found")
		}
		return nil, fmt.Errorf("stat output of job %s: %w", id, err)
	}
	if info.IsDir() {
		return nil, inconsistent(id, "output path is a directory")
	}
	return &Artifact{
		Path:     job.OutputPath,
		Filename: ArtifactName(id),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}, nil
}

func inconsistent(id, detail string) error {
	return fmt.Errorf("job %s %s: %w", id, detail, errors.Join(shared.ErrInconsistentState, shared.ErrNotFound))
}
