package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Metadata is what ffprobe reports about an uploaded file
type Metadata struct {
	Duration *float64
	Width    *int
	Height   *int
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe reads duration and the first video stream's dimensions of path
func (f *FFmpeg) Probe(ctx context.Context, path string) (*Metadata, error) {
	cmd := f.command(ctx, f.ProbePath, "-v", "error", "-print_format", "json", "-show_format", "-show_streams", path)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %v\nOutput: %s", err, errOut.String())
	}
	return parseProbe(out.Bytes())
}

func parseProbe(data []byte) (*Metadata, error) {
	var p probeOutput
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	meta := &Metadata{}
	if d, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil {
		meta.Duration = &d
	}
	for _, s := range p.Streams {
		if s.CodecType != "video" || s.Width == 0 {
			continue
		}
		w, h := s.Width, s.Height
		meta.Width, meta.Height = &w, &h
		break
	}
	return meta, nil
}
