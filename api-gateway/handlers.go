package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"video-overlay-api-scalable/dispatch"
	"video-overlay-api-scalable/engine"
	"video-overlay-api-scalable/shared"
	"video-overlay-api-scalable/status"
)

const (
	maxVideoUpload = 500 << 20
	maxImageUpload = 10 << 20
)

var (
	allowedVideoMimes = []string{"video/mp4", "video/mpeg", "video/avi", "video/mov", "video/quicktime", "video/wmv", "video/flv", "video/webm"}
	allowedImageMimes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
)

// prober fills video metadata at upload time; failures are not fatal
type prober interface {
	Probe(ctx context.Context, path string) (*engine.Metadata, error)
}

type gateway struct {
	cfg        *shared.Config
	db         shared.DatabaseClient
	dispatcher *dispatch.Dispatcher
	status     *status.Service
	prober     prober
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", g.handleUpload)
	mux.HandleFunc("/upload/image", g.handleUploadImage)
	mux.HandleFunc("/status/", g.handleStatus)
	mux.HandleFunc("/result/", g.handleResult)
	mux.HandleFunc("/health", g.handleHealth)

	// Admin endpoints (with a simple middleware for auth)
	adminRouter := http.NewServeMux()
	adminRouter.HandleFunc("/admin/jobs", g.handleAdminListJobs)
	adminRouter.HandleFunc("/admin/jobs/", g.handleAdminGetJob)
	adminRouter.HandleFunc("/admin/delete/", g.handleAdminDeleteJob)
	adminRouter.HandleFunc("/admin/retry/", g.handleAdminRetryJob)
	adminRouter.HandleFunc("/admin/cancel/", g.handleAdminCancelJob)
	mux.Handle("/admin/", g.adminAuthMiddleware(adminRouter))
	return mux
}

// enableCORS echoes the request origin when it is allowed
func (g *gateway) enableCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, o := range g.cfg.AllowedOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			break
		}
		if origin != "" && o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			break
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// preflight applies CORS and reports whether the request is fully handled
func (g *gateway) preflight(w http.ResponseWriter, r *http.Request) bool {
	g.enableCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// adminAuthMiddleware provides a basic bearer token authentication for admin routes
func (g *gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.preflight(w, r) {
			return
		}
		token := r.Header.Get("Authorization")
		if token != "Bearer "+g.cfg.AdminToken { // Simple bearer token auth
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func allowed(mime string, list []string) bool {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	for _, m := range list {
		if m == mime {
			return true
		}
	}
	return false
}

// saveUpload stores the multipart file under dir with a fresh name
func saveUpload(file multipart.File, header *multipart.FileHeader, dir, prefix string) (string, int64, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	name := prefix + "-" + uuid.New().String() + strings.ToLower(filepath.Ext(header.Filename))
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(out, file)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

// handleUpload: stores the video, creates the job and hands it to the dispatcher
func (g *gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	if g.preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVideoUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No video file uploaded")
		return
	}
	defer file.Close()
	mime := header.Header.Get("Content-Type")
	if !allowed(mime, allowedVideoMimes) {
		writeError(w, http.StatusBadRequest, "Invalid file type. Only video files are allowed.")
		return
	}
	if header.Size > maxVideoUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	// Overlays are validated before anything is stored
	overlays, err := shared.ParseOverlays([]byte(r.FormValue("overlays")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, size, err := saveUpload(file, header, filepath.Join(g.cfg.UploadDir, "videos"), "video")
	if err != nil {
		log.Printf("ERROR: Failed to store upload %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to upload video")
		return
	}

	video := shared.NewVideo(path, filepath.Base(path), header.Filename, mime, size)
	if g.prober != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		if meta, err := g.prober.Probe(ctx, path); err != nil {
			log.Printf("WARN: ffprobe of %s failed: %v", path, err)
		} else {
			video.Duration, video.Width, video.Height = meta.Duration, meta.Width, meta.Height
		}
		cancel()
	}
	if err := g.db.CreateVideo(video); err != nil {
		log.Printf("ERROR: Failed to create video %s in DB: %v", video.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to upload video")
		return
	}

	job := shared.NewJob(path, video.ID, overlays)
	if err := g.db.CreateJob(job); err != nil {
		log.Printf("ERROR: Failed to create job %s in DB: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to initialize job")
		return
	}
	log.Printf("INFO: Job %s created in DB with status %s (%d overlays)", job.ID, job.Status, len(overlays))
	fmt.Printf("🎬 API Gateway received job %s for video: %s\n", job.ID, header.Filename)

	receipt, err := g.dispatcher.Submit(r.Context(), job.ID)
	if err != nil {
		log.Printf("WARN: Submission of job %s: %v", job.ID, err)
	}
	message := "Video uploaded and processing started"
	if receipt.Strategy == dispatch.StrategyQueued {
		message = "Video uploaded and queued. Check status at /status/" + job.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"jobId":    job.ID,
		"videoId":  video.ID,
		"strategy": receipt.Strategy,
		"warning":  receipt.Warning,
		"message":  message,
	})
}

// handleUploadImage: stores an overlay image; its imageUrl is usable as overlay content
func (g *gateway) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	if g.preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImageUpload+1<<20)
	if err := r.ParseMultipartForm(maxImageUpload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file uploaded")
		return
	}
	defer file.Close()
	if !allowed(header.Header.Get("Content-Type"), allowedImageMimes) {
		writeError(w, http.StatusBadRequest, "Invalid file type. Only image files are allowed.")
		return
	}
	if header.Size > maxImageUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}

	path, _, err := saveUpload(file, header, filepath.Join(g.cfg.UploadDir, "images"), "image")
	if err != nil {
		log.Printf("ERROR: Failed to store image %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to upload image")
		return
	}
	name := filepath.Base(path)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"imageUrl": "images/" + name,
		"filename": name,
	})
}

// handleStatus: polls job state from the database
func (g *gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if g.preflight(w, r) {
		return
	}
	jobID := filepath.Base(r.URL.Path) // Extract job ID from /status/{job_id}

	view, err := g.status.Status(jobID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		log.Printf("ERROR: Status of job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to get job status")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleResult: streams the rendered video of a completed job
func (g *gateway) handleResult(w http.ResponseWriter, r *http.Request) {
	if g.preflight(w, r) {
		return
	}
	jobID := filepath.Base(r.URL.Path) // Extract job ID from /result/{job_id}

	artifact, err := g.status.Result(jobID)
	var notReady *shared.NotReadyError
	switch {
	case err == nil:
	case errors.As(err, &notReady):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "Video not ready yet",
			"status":   notReady.Status,
			"progress": notReady.Progress,
		})
		return
	case errors.Is(err, shared.ErrInconsistentState):
		log.Printf("ERROR: Job %s is completed but its output is missing: %v", jobID, err)
		writeError(w, http.StatusNotFound, "Output video file not found")
		return
	case errors.Is(err, shared.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
		return
	default:
		log.Printf("ERROR: Result of job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to get result")
		return
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		log.Printf("ERROR: Opening output of job %s: %v", jobID, err)
		writeError(w, http.StatusNotFound, "Output video file not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	http.ServeContent(w, r, artifact.Filename, artifact.ModTime, f)
}

// handleHealth: reports gateway, store and queue health
func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if g.preflight(w, r) {
		return
	}
	queue := "unavailable"
	if g.dispatcher.Healthy() {
		queue = "ok"
	}
	if g.cfg.QueueBackend == shared.QueueNone {
		queue = "disabled"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"message":        "API Gateway is healthy",
		"store":          g.cfg.StoreBackend,
		"queue_backend":  g.cfg.QueueBackend,
		"queue":          queue,
		"active_workers": fmt.Sprintf("%d/%d", g.dispatcher.Active(), g.dispatcher.MaxWorkers()),
	})
}

// handleAdminListJobs: Lists all jobs from the database
func (g *gateway) handleAdminListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := g.db.GetAllJobs()
	if err != nil {
		log.Printf("ERROR: Failed to get all jobs for admin: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleAdminGetJob: Get details for a specific job from the database
func (g *gateway) handleAdminGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := filepath.Base(r.URL.Path) // Extract job ID from /admin/jobs/{job_id}

	job, err := g.db.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleAdminDeleteJob: Deletes a finished or pending job and its output file
func (g *gateway) handleAdminDeleteJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}
	jobID := filepath.Base(r.URL.Path) // Extract job ID from /admin/delete/{job_id}

	job, err := g.db.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if job.Status == shared.JobStatusProcessing {
		writeError(w, http.StatusConflict, "Job is processing; cancel it first")
		return
	}

	if job.OutputPath != "" {
		if rmErr := os.Remove(job.OutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			// Don't fail the whole request, just log, as DB deletion is more critical
			log.Printf("WARN: Failed to delete local file %s for job %s: %v", job.OutputPath, jobID, rmErr)
		} else if rmErr == nil {
			log.Printf("INFO: Deleted local file: %s", job.OutputPath)
		}
	}

	if err := g.db.DeleteJob(jobID); err != nil {
		log.Printf("ERROR: Failed to delete job %s from DB: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete job")
		return
	}
	log.Printf("INFO: Deleted job %s from DB", jobID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s and associated file (if existed) deleted successfully.", jobID),
	})
}

// handleAdminRetryJob: resubmits a job left pending by the degraded path
func (g *gateway) handleAdminRetryJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}
	jobID := filepath.Base(r.URL.Path)

	receipt, err := g.dispatcher.Retry(r.Context(), jobID)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleAdminCancelJob: cancels a pending or locally running job
func (g *gateway) handleAdminCancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}
	jobID := filepath.Base(r.URL.Path)

	if err := g.dispatcher.Cancel(jobID); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Job %s cancellation requested.", jobID)})
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, shared.ErrTerminalState), errors.Is(err, shared.ErrInvalidTransition), errors.Is(err, shared.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("ERROR: admin operation failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
