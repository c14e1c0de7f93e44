// Package engine drives the external ffmpeg and ffprobe binaries.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"video-overlay-api-scalable/compositor"
	"video-overlay-api-scalable/shared"
)

// Profile is the fixed output encoding baseline
type Profile struct {
	MaxWidth    int
	VideoCodec  string
	Preset      string
	CRF         int
	PixelFormat string
	AudioCodec  string
	FastStart   bool
}

var DefaultProfile = Profile{
	MaxWidth:    1920,
	VideoCodec:  "libx264",
	Preset:      "veryfast",
	CRF:         23,
	PixelFormat: "yuv420p",
	AudioCodec:  "copy",
	FastStart:   true,
}

// OutputStream is the label of the profile stage feeding the muxer
const OutputStream = "vout"

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// FFmpeg runs transcodes and probes through the configured binaries
type FFmpeg struct {
	Path      string
	ProbePath string
	Profile   Profile

	command commandFunc
}

func New(ffmpegPath, ffprobePath string) *FFmpeg {
	return &FFmpeg{
		Path:      ffmpegPath,
		ProbePath: ffprobePath,
		Profile:   DefaultProfile,
		command:   exec.CommandContext,
	}
}

// BuildArgs renders the ffmpeg command line for g writing to output
func BuildArgs(g *compositor.Graph, output string, p Profile) []string {
	args := []string{"-hide_banner", "-y", "-nostats", "-progress", "pipe:1", "-i", g.Primary}
	for _, in := range g.Inputs {
		args = append(args, "-i", in.Path)
	}

	stage := fmt.Sprintf("[%s]scale='min(iw,%d)':-2[%s]", g.Output, p.MaxWidth, OutputStream)
	filter := stage
	if fc := g.FilterComplex(); fc != "" {
		filter = fc + ";" + stage
	}
	args = append(args,
		"-filter_complex", filter,
		"-map", "["+OutputStream+"]",
		"-map", "0:a?",
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-pix_fmt", p.PixelFormat,
		"-c:a", p.AudioCodec,
	)
	if p.FastStart {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, output)
}

var durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// parseDuration extracts the input duration in seconds from an ffmpeg stderr line
func parseDuration(line string) (float64, bool) {
	m := durationRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.ParseFloat(m[1], 64)
	mins, _ := strconv.ParseFloat(m[2], 64)
	s, _ := strconv.ParseFloat(m[3], 64)
	return h*3600 + mins*60 + s, true
}

// parseOutTime reads the encoded position in seconds from a -progress line
func parseOutTime(line string) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || (key != "out_time_us" && key != "out_time_ms") {
		return 0, false
	}
	// both keys carry microseconds
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return float64(us) / 1e6, true
}

// stderrTail remembers the last meaningful stderr line and the primary duration
type stderrTail struct {
	mu       sync.Mutex
	last     string
	duration float64
}

func (t *stderrTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := parseDuration(line); ok && t.duration == 0 {
		t.duration = d
	}
	if line == "Conversion failed!" && t.last != "" {
		return
	}
	t.last = line
}

func (t *stderrTail) snapshot() (string, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.duration
}

// Transcode runs ffmpeg for g and blocks until it exits. Progress percentages
// are offered on progress without blocking; a slow reader misses updates.
// Engine failures are returned as *shared.EngineError.
func (f *FFmpeg) Transcode(ctx context.Context, g *compositor.Graph, outputPath string, progress chan<- float64) error {
	args := BuildArgs(g, outputPath, f.Profile)
	cmd := f.command(ctx, f.Path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return &shared.EngineError{Message: fmt.Sprintf("failed to start ffmpeg: %v", err), ExitCode: -1}
	}

	tail := &stderrTail{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan(stderr, tail.add)
	}()
	go func() {
		defer wg.Done()
		scan(stdout, func(line string) {
			pos, ok := parseOutTime(line)
			if !ok || progress == nil {
				return
			}
			_, total := tail.snapshot()
			if total <= 0 {
				return
			}
			select {
			case progress <- pos / total * 100:
			default:
			}
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr == nil {
		return nil
	}

	msg, _ := tail.snapshot()
	code := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	if msg == "" {
		msg = waitErr.Error()
	}
	return &shared.EngineError{Message: msg, ExitCode: code}
}

func scan(r io.Reader, fn func(string)) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		fn(s.Text())
	}
	// drain so the process never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}
