// Package transcoder drives one job through its lifecycle: claim, compose,
// run the engine, and record the terminal state.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/k0kubun/pp/v3"

	"video-overlay-api-scalable/compositor"
	"video-overlay-api-scalable/shared"
)

// ErrOutputMissing means the engine exited cleanly but left no artifact
var ErrOutputMissing = errors.New("engine reported success but the output file is missing")

// Engine is the external media engine as seen by the worker
type Engine interface {
	Transcode(ctx context.Context, g *compositor.Graph, outputPath string, progress chan<- float64) error
}

// Config holds what the worker needs beyond its collaborators
type Config struct {
	OutputDir        string
	PublicAPIBaseURL string
	Compositor       compositor.Options
	Debug            bool
}

type Worker struct {
	db     shared.DatabaseClient
	engine Engine
	cfg    Config
	now    func() time.Time
	dump   *pp.PrettyPrinter
}

func New(db shared.DatabaseClient, engine Engine, cfg Config) *Worker {
	dump := pp.New()
	dump.SetColoringEnabled(false)
	return &Worker{db: db, engine: engine, cfg: cfg, now: func() time.Time { return time.Now().UTC() }, dump: dump}
}

// OutputPath is where the rendered artifact of jobID is written
func OutputPath(dir, jobID string) string {
	return filepath.Join(dir, "output_"+jobID+".mp4")
}

// DownloadEndpoint is the public result URL for jobID
func DownloadEndpoint(baseURL, jobID string) string {
	return baseURL + "/result/" + jobID
}

// mapEngineProgress maps an engine percentage into the in-flight band
func mapEngineProgress(p float64) int {
	v := shared.ClampProgress(p)
	if v > shared.ProgressEngineCeiling {
		return shared.ProgressEngineCeiling
	}
	return v
}

// Process claims jobID and runs it to a terminal state. It returns nil when the
// job completed, the claim error when the job could not be claimed, and the
// failure cause once the job has been recorded as failed.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	started := w.now()
	err := w.db.UpdateJob(jobID, shared.JobPatch{
		Status:    shared.Ptr(shared.JobStatusProcessing),
		Progress:  shared.Ptr(float64(shared.ProgressClaimed)),
		Error:     shared.Ptr(""),
		StartedAt: &started,
	})
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}

	job, err := w.db.GetJob(jobID)
	if err != nil {
		return w.fail(jobID, fmt.Errorf("reload job: %w", err))
	}
	log.Printf("🛠️ Worker processing job %s for source: %s", jobID, job.SourcePath)

	if _, err := os.Stat(job.SourcePath); err != nil {
		return w.fail(jobID, fmt.Errorf("source video not found: %s", job.SourcePath))
	}

	g := compositor.Compose(job.SourcePath, job.Overlays, w.cfg.Compositor)
	for _, s := range g.Skipped {
		log.Printf("WARN: compositor skipped %s for job %s", s, jobID)
	}
	if w.cfg.Debug {
		log.Printf("DEBUG: compositor applied %d directives with %d auxiliary inputs for job %s", len(g.Directives), len(g.Inputs), jobID)
		log.Printf("DEBUG: graph for job %s: %s", jobID, w.dump.Sprint(g))
	}

	if err := os.MkdirAll(w.cfg.OutputDir, os.ModePerm); err != nil {
		return w.fail(jobID, fmt.Errorf("failed to create output directory: %w", err))
	}
	outputPath := OutputPath(w.cfg.OutputDir, jobID)

	progress := make(chan float64, 16)
	written := make(chan struct{})
	go w.writeProgress(jobID, job.Progress, progress, written)

	engineErr := w.engine.Transcode(ctx, g, outputPath, progress)
	close(progress)
	<-written

	if ctx.Err() != nil {
		_ = os.Remove(outputPath)
		return w.fail(jobID, fmt.Errorf("cancelled: %w", ctx.Err()))
	}
	if engineErr != nil {
		return w.fail(jobID, engineErr)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return w.fail(jobID, ErrOutputMissing)
	}

	completed := w.now()
	endpoint := DownloadEndpoint(w.cfg.PublicAPIBaseURL, jobID)
	err = w.db.UpdateJob(jobID, shared.JobPatch{
		Status:           shared.Ptr(shared.JobStatusCompleted),
		Progress:         shared.Ptr(float64(shared.ProgressDone)),
		OutputPath:       &outputPath,
		DownloadEndpoint: &endpoint,
		CompletedAt:      &completed,
	})
	if err != nil {
		log.Printf("ERROR: Worker failed to update job %s status to Completed in DB: %v", jobID, err)
		return err
	}
	log.Printf("✅ Job %s completed in %.2fs. Download endpoint: %s", jobID, completed.Sub(started).Seconds(), endpoint)
	return nil
}

// writeProgress drains engine events so the engine never waits on the store.
// Only increasing values are written; write errors are logged and ignored.
func (w *Worker) writeProgress(jobID string, last int, events <-chan float64, done chan<- struct{}) {
	defer close(done)
	for p := range events {
		v := mapEngineProgress(p)
		if v <= last {
			continue
		}
		last = v
		if err := w.db.UpdateJob(jobID, shared.JobPatch{Progress: shared.Ptr(float64(v))}); err != nil {
			log.Printf("WARN: Worker failed to record progress %d for job %s: %v", v, jobID, err)
		}
	}
}

// fail records cause as the job's terminal error and returns it
func (w *Worker) fail(jobID string, cause error) error {
	msg := cause.Error()
	failed := w.now()
	err := w.db.UpdateJob(jobID, shared.JobPatch{
		Status:      shared.Ptr(shared.JobStatusFailed),
		Error:       &msg,
		CompletedAt: &failed,
	})
	if err != nil {
		log.Printf("ERROR: Worker failed to update job %s status to Failed in DB: %v", jobID, err)
	}
	log.Printf("❌ Job %s failed: %s", jobID, msg)
	return cause
}
