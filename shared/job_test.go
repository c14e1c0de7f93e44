package shared

import (
	"errors"
	"math"
	"testing"
)

// TestClampProgress verifies any numeric input lands in [0,100]
func TestClampProgress(t *testing.T) {
	cases := []struct {
		in   float64
		want int
	}{
		{-1, 0}, {0, 0}, {49.5, 50}, {100, 100}, {250, 100},
		{math.NaN(), 0}, {math.Inf(1), 100}, {math.Inf(-1), 0},
	}
	for _, c := range cases {
		if got := ClampProgress(c.in); got != c.want {
			t.Errorf("ClampProgress(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

// TestCheckTransition verifies the allowed status edges
func TestCheckTransition(t *testing.T) {
	cases := []struct {
		name string
		from JobStatus
		to   *JobStatus
		want error
	}{
		{"claim", JobStatusPending, Ptr(JobStatusProcessing), nil},
		{"fail before start", JobStatusPending, Ptr(JobStatusFailed), nil},
		{"complete", JobStatusProcessing, Ptr(JobStatusCompleted), nil},
		{"fail while running", JobStatusProcessing, Ptr(JobStatusFailed), nil},
		{"progress only", JobStatusProcessing, nil, nil},
		{"second claim", JobStatusProcessing, Ptr(JobStatusProcessing), ErrInvalidTransition},
		{"skip processing", JobStatusPending, Ptr(JobStatusCompleted), ErrInvalidTransition},
		{"back to pending", JobStatusProcessing, Ptr(JobStatusPending), ErrInvalidTransition},
		{"after completion", JobStatusCompleted, Ptr(JobStatusFailed), ErrTerminalState},
		{"progress after failure", JobStatusFailed, nil, ErrTerminalState},
	}
	for _, c := range cases {
		err := JobPatch{Status: c.to}.CheckTransition(c.from)
		if !errors.Is(err, c.want) {
			t.Errorf("%s: CheckTransition(%s) = %v, want %v", c.name, c.from, err, c.want)
		}
	}
}

// TestPatchValidate verifies terminal statuses carry their required fields
func TestPatchValidate(t *testing.T) {
	empty := ""
	var verr *ValidationError
	if err := (JobPatch{Status: Ptr(JobStatusCompleted), OutputPath: &empty}).Validate(); !errors.As(err, &verr) || verr.Field != "outputPath" {
		t.Fatalf("expected outputPath validation error, got %v", err)
	}
	if err := (JobPatch{Status: Ptr(JobStatusFailed)}).Validate(); !errors.As(err, &verr) || verr.Field != "error" {
		t.Fatalf("expected error validation error, got %v", err)
	}
	if err := (JobPatch{Status: Ptr(JobStatus("paused"))}).Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}
	if err := (JobPatch{Progress: Ptr(5.0)}).Validate(); err != nil {
		t.Fatalf("progress-only patch rejected: %v", err)
	}
}

// TestNewJob verifies new jobs start pending with fresh ids
func TestNewJob(t *testing.T) {
	a := NewJob("/in.mp4", "", nil)
	b := NewJob("/in.mp4", "", nil)
	if a.ID == b.ID {
		t.Fatal("job ids collide")
	}
	if a.Status != JobStatusPending || a.Progress != 0 || a.Overlays == nil {
		t.Fatalf("unexpected new job %+v", a)
	}
	if !a.CreatedAt.Equal(a.UpdatedAt) {
		t.Fatalf("created_at %v != updated_at %v", a.CreatedAt, a.UpdatedAt)
	}
}
