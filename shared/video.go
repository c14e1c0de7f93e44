package shared

import (
	"time"

	"github.com/google/uuid"
)

// Video is the metadata of one uploaded raw file. It is written once and never mutated.
type Video struct {
	ID           string    `json:"video_id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"original_name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mime_type"`
	Duration     *float64  `json:"duration,omitempty"`
	Width        *int      `json:"width,omitempty"`
	Height       *int      `json:"height,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewVideo(path, filename, originalName, mimeType string, size int64) *Video {
	return &Video{
		ID:           uuid.New().String(),
		Filename:     filename,
		OriginalName: originalName,
		Path:         path,
		Size:         size,
		MimeType:     mimeType,
		CreatedAt:    time.Now().UTC(),
	}
}
