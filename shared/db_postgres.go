package shared

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// jobRecord is the gorm model behind PostgresDB; overlays live in a JSON column
type jobRecord struct {
	ID               string     `gorm:"column:job_id;primaryKey"`
	VideoID          string     `gorm:"column:video_id"`
	SourcePath       string     `gorm:"column:source_path;not null"`
	Overlays         []Overlay  `gorm:"column:overlays;serializer:json"`
	Status           JobStatus  `gorm:"column:status;index;not null"`
	Progress         int        `gorm:"column:progress;not null;default:0"`
	OutputPath       string     `gorm:"column:output_path"`
	DownloadEndpoint string     `gorm:"column:download_endpoint"`
	Error            string     `gorm:"column:error"`
	CreatedAt        time.Time  `gorm:"column:created_at;index"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
	StartedAt        *time.Time `gorm:"column:started_at"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
}

func (jobRecord) TableName() string {
	return "transcode_jobs"
}

func (r *jobRecord) toJob() *Job {
	j := &Job{
		ID:               r.ID,
		VideoID:          r.VideoID,
		SourcePath:       r.SourcePath,
		Overlays:         r.Overlays,
		Status:           r.Status,
		Progress:         r.Progress,
		OutputPath:       r.OutputPath,
		DownloadEndpoint: r.DownloadEndpoint,
		Error:            r.Error,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
	}
	if j.Overlays == nil {
		j.Overlays = []Overlay{}
	}
	return j
}

type videoRecord struct {
	ID           string    `gorm:"column:video_id;primaryKey"`
	Filename     string    `gorm:"column:filename"`
	OriginalName string    `gorm:"column:original_name"`
	Path         string    `gorm:"column:path"`
	Size         int64     `gorm:"column:size"`
	MimeType     string    `gorm:"column:mime_type"`
	Duration     *float64  `gorm:"column:duration"`
	Width        *int      `gorm:"column:width"`
	Height       *int      `gorm:"column:height"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (videoRecord) TableName() string {
	return "videos"
}

// PostgresDB implements DatabaseClient with gorm on Postgres
type PostgresDB struct {
	db *gorm.DB
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.AutoMigrate(&jobRecord{}, &videoRecord{}); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Println("INFO: Postgres job store ready")
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) CreateJob(job *Job) error {
	rec := jobRecord{
		ID:               job.ID,
		VideoID:          job.VideoID,
		SourcePath:       job.SourcePath,
		Overlays:         job.Overlays,
		Status:           job.Status,
		Progress:         job.Progress,
		OutputPath:       job.OutputPath,
		DownloadEndpoint: job.DownloadEndpoint,
		Error:            job.Error,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}
	err := p.db.Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return jobExists(job.ID)
	}
	return err
}

func (p *PostgresDB) GetJob(jobID string) (*Job, error) {
	var rec jobRecord
	err := p.db.First(&rec, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobNotFound(jobID)
	}
	if err != nil {
		return nil, err
	}
	return rec.toJob(), nil
}

// UpdateJob issues one UPDATE guarded by the allowed source statuses
func (p *PostgresDB) UpdateJob(jobID string, patch JobPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	fields := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		fields["status"] = *patch.Status
	}
	if patch.Progress != nil {
		fields["progress"] = ClampProgress(*patch.Progress)
	}
	if patch.OutputPath != nil {
		fields["output_path"] = *patch.OutputPath
	}
	if patch.DownloadEndpoint != nil {
		fields["download_endpoint"] = *patch.DownloadEndpoint
	}
	if patch.Error != nil {
		fields["error"] = *patch.Error
	}
	if patch.StartedAt != nil {
		fields["started_at"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		fields["completed_at"] = *patch.CompletedAt
	}

	res := p.db.Model(&jobRecord{}).
		Where("job_id = ? AND status IN ?", jobID, patch.AllowedFrom()).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var rec jobRecord
	err := p.db.Select("status").First(&rec, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobNotFound(jobID)
	}
	if err != nil {
		return err
	}
	return rejectedPatch(jobID, rec.Status, patch.CheckTransition(rec.Status))
}

func (p *PostgresDB) DeleteJob(jobID string) error {
	res := p.db.Delete(&jobRecord{}, "job_id = ?", jobID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobNotFound(jobID)
	}
	return nil
}

func (p *PostgresDB) GetAllJobs() ([]*Job, error) {
	var recs []jobRecord
	if err := p.db.Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(recs))
	for i := range recs {
		jobs = append(jobs, recs[i].toJob())
	}
	return jobs, nil
}

func (p *PostgresDB) CreateVideo(v *Video) error {
	rec := videoRecord{
		ID:           v.ID,
		Filename:     v.Filename,
		OriginalName: v.OriginalName,
		Path:         v.Path,
		Size:         v.Size,
		MimeType:     v.MimeType,
		Duration:     v.Duration,
		Width:        v.Width,
		Height:       v.Height,
		CreatedAt:    v.CreatedAt,
	}
	err := p.db.Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return videoExists(v.ID)
	}
	return err
}

func (p *PostgresDB) GetVideo(videoID string) (*Video, error) {
	var rec videoRecord
	err := p.db.First(&rec, "video_id = ?", videoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, videoNotFound(videoID)
	}
	if err != nil {
		return nil, err
	}
	return &Video{
		ID:           rec.ID,
		Filename:     rec.Filename,
		OriginalName: rec.OriginalName,
		Path:         rec.Path,
		Size:         rec.Size,
		MimeType:     rec.MimeType,
		Duration:     rec.Duration,
		Width:        rec.Width,
		Height:       rec.Height,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

func (p *PostgresDB) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
