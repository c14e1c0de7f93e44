package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"video-overlay-api-scalable/dispatch"
	"video-overlay-api-scalable/shared"
	"video-overlay-api-scalable/status"
)

// renderProcessor plays the worker: it claims the job and writes a fake artifact
type renderProcessor struct {
	db     shared.DatabaseClient
	outDir string
}

func (p *renderProcessor) Process(ctx context.Context, jobID string) error {
	if err := p.db.UpdateJob(jobID, shared.JobPatch{Status: shared.Ptr(shared.JobStatusProcessing), Progress: shared.Ptr(10.0)}); err != nil {
		return err
	}
	out := filepath.Join(p.outDir, "output_"+jobID+".mp4")
	if err := os.WriteFile(out, []byte("rendered"), 0o644); err != nil {
		return err
	}
	endpoint := "http://api.local/result/" + jobID
	return p.db.UpdateJob(jobID, shared.JobPatch{
		Status:           shared.Ptr(shared.JobStatusCompleted),
		Progress:         shared.Ptr(100.0),
		OutputPath:       &out,
		DownloadEndpoint: &endpoint,
	})
}

type harness struct {
	db      *shared.InMemoryDB
	handler http.Handler
	proc    *renderProcessor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &shared.Config{
		AdminToken:     "secret",
		AllowedOrigins: []string{"*"},
		UploadDir:      filepath.Join(dir, "uploads"),
		OutputDir:      filepath.Join(dir, "outputs"),
		StoreBackend:   shared.StoreMemory,
		QueueBackend:   shared.QueueNone,
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	db := shared.NewInMemoryDB()
	proc := &renderProcessor{db: db, outDir: cfg.OutputDir}
	d := dispatch.New(db, nil, proc, dispatch.Config{MaxWorkers: 1, Attempts: 1, InlineScheduleTimeout: time.Second})
	g := &gateway{cfg: cfg, db: db, dispatcher: d, status: status.NewService(db)}
	return &harness{db: db, handler: g.routes(), proc: proc}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, mime, overlays string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if mime != "" {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="video"; filename="clip.mp4"`)
		hdr.Set("Content-Type", mime)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write([]byte("fake video bytes"))
	}
	if overlays != "" {
		mw.WriteField("overlays", overlays)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// TestUploadToResult verifies an inline submission can be polled and downloaded
func TestUploadToResult(t *testing.T) {
	h := newHarness(t)
	overlays := `[{"type":"text","content":"Hi","x":10,"y":10,"startTime":0,"endTime":5}]`

	rec := h.do(uploadRequest(t, "video/mp4", overlays))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	jobID, _ := resp["jobId"].(string)
	if jobID == "" || resp["strategy"] != string(dispatch.StrategyInline) {
		t.Fatalf("unexpected upload response %v", resp)
	}

	job, err := h.db.GetJob(jobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if len(job.Overlays) != 1 || job.Overlays[0].Content != "Hi" {
		t.Fatalf("overlays not stored: %+v", job.Overlays)
	}
	if _, err := h.db.GetVideo(job.VideoID); err != nil {
		t.Fatalf("video record missing: %v", err)
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/status/"+jobID, nil))
	st := decode(t, rec)
	if rec.Code != http.StatusOK || st["status"] != "completed" || st["progress"] != float64(100) {
		t.Fatalf("unexpected status %d %v", rec.Code, st)
	}
	if st["outputVideo"] != "http://api.local/result/"+jobID {
		t.Fatalf("unexpected outputVideo %v", st["outputVideo"])
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/result/"+jobID, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "rendered" {
		t.Fatalf("unexpected result %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "edited_video_"+jobID+".mp4") {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
}

// TestUploadRejectsInput verifies validation failures never create a job
func TestUploadRejectsInput(t *testing.T) {
	cases := []struct {
		name, mime, overlays, want string
	}{
		{"no file", "", "", "No video file uploaded"},
		{"wrong type", "image/png", "", "Invalid file type"},
		{"bad json", "video/mp4", "{", "invalid overlays format"},
		{"missing end", "video/mp4", `[{"type":"text","content":"x"}]`, "overlays[0].endTime"},
	}
	for _, c := range cases {
		h := newHarness(t)
		rec := h.do(uploadRequest(t, c.mime, c.overlays))
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), c.want) {
			t.Errorf("%s: expected 400 containing %q, got %d %s", c.name, c.want, rec.Code, rec.Body.String())
		}
		if jobs, _ := h.db.GetAllJobs(); len(jobs) != 0 {
			t.Errorf("%s: job created despite validation failure", c.name)
		}
	}
}

// TestResultNotReady verifies a pending job reports 400 with its state
func TestResultNotReady(t *testing.T) {
	h := newHarness(t)
	job := shared.NewJob("/in.mp4", "", nil)
	h.db.CreateJob(job)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/result/"+job.ID, nil))
	body := decode(t, rec)
	if rec.Code != http.StatusBadRequest || body["status"] != "pending" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/status/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

// TestAdminRoutes verifies token protection and the operator lifecycle routes
func TestAdminRoutes(t *testing.T) {
	h := newHarness(t)
	job := shared.NewJob("/in.mp4", "", nil)
	h.db.CreateJob(job)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	authed := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer secret")
		return h.do(req)
	}

	if rec := authed(http.MethodGet, "/admin/jobs"); rec.Code != http.StatusOK {
		t.Fatalf("list jobs: %d", rec.Code)
	}
	if rec := authed(http.MethodGet, "/admin/jobs/"+job.ID); rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	if rec := authed(http.MethodPost, "/admin/cancel/"+job.ID); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if rec := authed(http.MethodPost, "/admin/retry/"+job.ID); rec.Code != http.StatusConflict {
		t.Fatalf("retry of a failed job: expected 409, got %d", rec.Code)
	}
	if rec := authed(http.MethodDelete, "/admin/delete/"+job.ID); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := authed(http.MethodGet, "/admin/jobs/"+job.ID); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted job still visible: %d", rec.Code)
	}
}

// TestAdminRetryPending verifies a pending job can be resubmitted
func TestAdminRetryPending(t *testing.T) {
	h := newHarness(t)
	job := shared.NewJob("/in.mp4", "", nil)
	h.db.CreateJob(job)

	req := httptest.NewRequest(http.MethodPost, "/admin/retry/"+job.ID, nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := h.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body.String())
	}
	got, _ := h.db.GetJob(job.ID)
	if got.Status != shared.JobStatusCompleted {
		t.Fatalf("expected retried job to complete inline, got %s", got.Status)
	}
}
