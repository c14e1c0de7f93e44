// shared/db.go
package shared

import (
	"sort"
	"sync"
	"time"
)

// DatabaseClient is the durable store for job and video records.
// UpdateJob is a per-record atomic merge-patch; see JobPatch.
type DatabaseClient interface {
	CreateJob(job *Job) error
	GetJob(jobID string) (*Job, error)
	UpdateJob(jobID string, patch JobPatch) error
	DeleteJob(jobID string) error
	GetAllJobs() ([]*Job, error) // For admin purposes, newest first

	CreateVideo(video *Video) error
	GetVideo(videoID string) (*Video, error)

	Close() error
}

// InMemoryDB implements DatabaseClient using in-memory maps
type InMemoryDB struct {
	jobs      map[string]*Job
	videos    map[string]*Video
	jobsMutex sync.RWMutex
	now       func() time.Time
}

// NewInMemoryDB creates a new in-memory database instance
func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{
		jobs:   make(map[string]*Job),
		videos: make(map[string]*Video),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob adds a new job to the database
func (db *InMemoryDB) CreateJob(job *Job) error {
	db.jobsMutex.Lock()
	defer db.jobsMutex.Unlock()

	if _, exists := db.jobs[job.ID]; exists {
		return jobExists(job.ID)
	}
	db.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a snapshot of a job by its ID
func (db *InMemoryDB) GetJob(jobID string) (*Job, error) {
	db.jobsMutex.RLock()
	defer db.jobsMutex.RUnlock()

	job, exists := db.jobs[jobID]
	if !exists {
		return nil, jobNotFound(jobID)
	}
	return job.Clone(), nil
}

// UpdateJob applies a merge-patch under the write lock
func (db *InMemoryDB) UpdateJob(jobID string, patch JobPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	db.jobsMutex.Lock()
	defer db.jobsMutex.Unlock()

	job, exists := db.jobs[jobID]
	if !exists {
		return jobNotFound(jobID)
	}
	if err := patch.CheckTransition(job.Status); err != nil {
		return rejectedPatch(jobID, job.Status, err)
	}
	patch.Apply(job, db.now())
	return nil
}

// DeleteJob removes a job from the database
func (db *InMemoryDB) DeleteJob(jobID string) error {
	db.jobsMutex.Lock()
	defer db.jobsMutex.Unlock()

	if _, exists := db.jobs[jobID]; !exists {
		return jobNotFound(jobID)
	}
	delete(db.jobs, jobID)
	return nil
}

// GetAllJobs retrieves all jobs (for admin/monitoring)
func (db *InMemoryDB) GetAllJobs() ([]*Job, error) {
	db.jobsMutex.RLock()
	defer db.jobsMutex.RUnlock()

	allJobs := make([]*Job, 0, len(db.jobs))
	for _, job := range db.jobs {
		allJobs = append(allJobs, job.Clone())
	}
	sort.Slice(allJobs, func(i, j int) bool {
		return allJobs[i].CreatedAt.After(allJobs[j].CreatedAt)
	})
	return allJobs, nil
}

func (db *InMemoryDB) CreateVideo(video *Video) error {
	db.jobsMutex.Lock()
	defer db.jobsMutex.Unlock()

	if _, exists := db.videos[video.ID]; exists {
		return videoExists(video.ID)
	}
	copied := *video
	db.videos[video.ID] = &copied
	return nil
}

func (db *InMemoryDB) GetVideo(videoID string) (*Video, error) {
	db.jobsMutex.RLock()
	defer db.jobsMutex.RUnlock()

	video, exists := db.videos[videoID]
	if !exists {
		return nil, videoNotFound(videoID)
	}
	copied := *video
	return &copied, nil
}

func (db *InMemoryDB) Close() error { return nil }
