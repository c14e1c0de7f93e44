package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"video-overlay-api-scalable/compositor"
	"video-overlay-api-scalable/shared"
)

// fakeCommand re-executes the test binary as a stand-in for ffmpeg/ffprobe
func fakeCommand(mode string) commandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
}

func newFake(mode string) *FFmpeg {
	f := New("ffmpeg", "ffprobe")
	f.command = fakeCommand(mode)
	return f
}

// TestHelperProcess is not a real test; it plays the engine binary for the tests below
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) > 0 {
		args = args[1:]
	}

	switch os.Getenv("HELPER_MODE") {
	case "success":
		fmt.Fprintln(os.Stderr, "Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'in.mp4':")
		fmt.Fprintln(os.Stderr, "  Duration: 00:00:10.00, start: 0.000000, bitrate: 1205 kb/s")
		time.Sleep(100 * time.Millisecond)
		for _, us := range []int{2500000, 5000000, 10000000} {
			fmt.Printf("frame=1\nout_time_us=%d\nprogress=continue\n", us)
		}
		fmt.Println("progress=end")
		if err := os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644); err != nil {
			os.Exit(3)
		}
	case "fail":
		fmt.Fprintln(os.Stderr, "  Duration: 00:00:10.00, start: 0.000000, bitrate: 1205 kb/s")
		fmt.Fprintln(os.Stderr, "codec not found")
		fmt.Fprintln(os.Stderr, "Conversion failed!")
		os.Exit(1)
	case "silent-fail":
		os.Exit(2)
	case "hang":
		time.Sleep(time.Minute)
	case "probe":
		fmt.Print(`{"streams":[{"codec_type":"audio"},{"codec_type":"video","width":1280,"height":720}],"format":{"duration":"12.480000"}}`)
	}
}

// TestBuildArgsIdentity verifies the zero-overlay command has one input and only the profile stage
func TestBuildArgsIdentity(t *testing.T) {
	g := compositor.Compose("/in.mp4", nil, compositor.Options{})
	got := BuildArgs(g, "/out.mp4", DefaultProfile)
	want := []string{
		"-hide_banner", "-y", "-nostats", "-progress", "pipe:1",
		"-i", "/in.mp4",
		"-filter_complex", "[0:v]scale='min(iw,1920)':-2[vout]",
		"-map", "[vout]", "-map", "0:a?",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-pix_fmt", "yuv420p",
		"-c:a", "copy", "-movflags", "+faststart",
		"/out.mp4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected args:\n got %q\nwant %q", got, want)
	}
}

// TestBuildArgsAuxiliaryOrder verifies auxiliary inputs follow the graph order
func TestBuildArgsAuxiliaryOrder(t *testing.T) {
	g := compositor.Compose("/in.mp4", []shared.Overlay{
		{Type: shared.OverlayImage, Content: "/a.png", EndTime: 1},
		{Type: shared.OverlayVideo, Content: "/b.mp4", EndTime: 2},
	}, compositor.Options{})
	args := BuildArgs(g, "/out.mp4", DefaultProfile)

	var inputs []string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-i" {
			inputs = append(inputs, args[i+1])
		}
	}
	if !reflect.DeepEqual(inputs, []string{"/in.mp4", "/a.png", "/b.mp4"}) {
		t.Fatalf("unexpected inputs %v", inputs)
	}
	for i, a := range args {
		if a == "-filter_complex" {
			fc := args[i+1]
			if !strings.HasSuffix(fc, ";["+g.Output+"]scale='min(iw,1920)':-2[vout]") {
				t.Fatalf("profile stage must consume %s: %s", g.Output, fc)
			}
			return
		}
	}
	t.Fatalf("no -filter_complex in %v", args)
}

// TestParseDuration verifies the stderr Duration line is understood
func TestParseDuration(t *testing.T) {
	d, ok := parseDuration("  Duration: 01:02:03.50, start: 0.000000, bitrate: 1 kb/s")
	if !ok || d != 3723.5 {
		t.Fatalf("expected 3723.5, got %v %v", d, ok)
	}
	if _, ok := parseDuration("  Duration: N/A, bitrate: N/A"); ok {
		t.Fatalf("N/A duration must not parse")
	}
}

// TestTranscodeProgress verifies success, progress percentages and the produced file
func TestTranscodeProgress(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.mp4")
	f := newFake("success")
	progress := make(chan float64, 16)

	g := compositor.Compose("/in.mp4", nil, compositor.Options{})
	if err := f.Transcode(context.Background(), g, out, progress); err != nil {
		t.Fatalf("transcode failed: %v", err)
	}
	close(progress)

	var seen []float64
	for p := range progress {
		seen = append(seen, p)
	}
	if len(seen) == 0 {
		t.Fatalf("expected progress events")
	}
	for i, p := range seen {
		if p < 0 || p > 100 {
			t.Fatalf("progress out of range: %v", p)
		}
		if i > 0 && p < seen[i-1] {
			t.Fatalf("progress went backwards: %v", seen)
		}
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output file: %v", err)
	}
}

// TestTranscodeEngineError verifies the last meaningful stderr line becomes the error message
func TestTranscodeEngineError(t *testing.T) {
	g := compositor.Compose("/in.mp4", nil, compositor.Options{})
	err := newFake("fail").Transcode(context.Background(), g, "/out.mp4", nil)

	var engErr *shared.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	if engErr.Message != "codec not found" {
		t.Fatalf("expected verbatim engine message, got %q", engErr.Message)
	}
	if engErr.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", engErr.ExitCode)
	}
}

// TestTranscodeSilentFailure verifies a failure without stderr output still carries a message
func TestTranscodeSilentFailure(t *testing.T) {
	g := compositor.Compose("/in.mp4", nil, compositor.Options{})
	err := newFake("silent-fail").Transcode(context.Background(), g, "/out.mp4", nil)

	var engErr *shared.EngineError
	if !errors.As(err, &engErr) || engErr.Message == "" || engErr.ExitCode != 2 {
		t.Fatalf("expected EngineError with exit code 2, got %#v", err)
	}
}

// TestTranscodeCancel verifies the engine handle is killed when the context ends
func TestTranscodeCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	g := compositor.Compose("/in.mp4", nil, compositor.Options{})
	start := time.Now()
	err := newFake("hang").Transcode(ctx, g, "/out.mp4", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("transcode did not stop promptly")
	}
}

// TestProbe verifies duration and dimensions are read from ffprobe JSON
func TestProbe(t *testing.T) {
	meta, err := newFake("probe").Probe(context.Background(), "/in.mp4")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if meta.Duration == nil || *meta.Duration != 12.48 {
		t.Fatalf("unexpected duration %v", meta.Duration)
	}
	if meta.Width == nil || *meta.Width != 1280 || meta.Height == nil || *meta.Height != 720 {
		t.Fatalf("unexpected dimensions %+v", meta)
	}
}
