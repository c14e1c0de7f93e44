package shared

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

type OverlayType string

const (
	OverlayText  OverlayType = "text"
	OverlayImage OverlayType = "image"
	OverlayVideo OverlayType = "video"
)

// Overlay is one timed visual element. Type is the variant tag; text styling
// fields are ignored by the image and video variants.
type Overlay struct {
	Type            OverlayType `json:"type"`
	Content         string      `json:"content"`
	X               float64     `json:"x"`
	Y               float64     `json:"y"`
	Width           *int        `json:"width,omitempty"`
	Height          *int        `json:"height,omitempty"`
	StartTime       float64     `json:"startTime"`
	EndTime         float64     `json:"endTime"`
	FontSize        int         `json:"fontSize,omitempty"`
	FontColor       string      `json:"fontColor,omitempty"`
	BackgroundColor string      `json:"backgroundColor,omitempty"`
}

// Known reports whether the compositor has an arm for this variant
func (t OverlayType) Known() bool {
	switch t {
	case OverlayText, OverlayImage, OverlayVideo:
		return true
	}
	return false
}

// overlayInput mirrors the client payload so absent fields can be told apart from zero
type overlayInput struct {
	Type            OverlayType `json:"type"`
	Content         string      `json:"content"`
	X               *float64    `json:"x"`
	Y               *float64    `json:"y"`
	Width           *int        `json:"width"`
	Height          *int        `json:"height"`
	StartTime       *float64    `json:"startTime"`
	EndTime         *float64    `json:"endTime"`
	FontSize        *int        `json:"fontSize"`
	FontColor       string      `json:"fontColor"`
	BackgroundColor string      `json:"backgroundColor"`
}

// ParseOverlays decodes and validates the overlay list submitted with an upload.
// Empty input means no overlays.
func ParseOverlays(data []byte) ([]Overlay, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return []Overlay{}, nil
	}
	var raw []overlayInput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Field: "overlays", Message: "invalid overlays format"}
	}
	out := make([]Overlay, 0, len(raw))
	for i, in := range raw {
		o, err := in.toOverlay(i)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (in overlayInput) toOverlay(i int) (Overlay, error) {
	field := func(name string) string { return fmt.Sprintf("overlays[%d].%s", i, name) }

	o := Overlay{
		Type:            in.Type,
		Content:         in.Content,
		Width:           in.Width,
		Height:          in.Height,
		FontColor:       in.FontColor,
		BackgroundColor: in.BackgroundColor,
	}
	if in.X != nil {
		o.X = *in.X
	}
	if in.Y != nil {
		o.Y = *in.Y
	}
	if in.StartTime != nil {
		o.StartTime = *in.StartTime
	}
	if in.FontSize != nil {
		o.FontSize = *in.FontSize
	}

	if in.EndTime == nil {
		return o, &ValidationError{Field: field("endTime"), Message: "is required"}
	}
	o.EndTime = *in.EndTime

	for name, v := range map[string]float64{"x": o.X, "y": o.Y, "startTime": o.StartTime, "endTime": o.EndTime} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return o, &ValidationError{Field: field(name), Message: "must be a finite number"}
		}
	}
	if o.StartTime < 0 {
		return o, &ValidationError{Field: field("startTime"), Message: "must be >= 0"}
	}
	if o.EndTime < o.StartTime {
		return o, &ValidationError{Field: field("endTime"), Message: "must be >= startTime"}
	}
	if o.X < 0 || o.X > 100 {
		return o, &ValidationError{Field: field("x"), Message: "must be a percentage between 0 and 100"}
	}
	if o.Y < 0 || o.Y > 100 {
		return o, &ValidationError{Field: field("y"), Message: "must be a percentage between 0 and 100"}
	}
	if o.Width != nil && *o.Width <= 0 {
		return o, &ValidationError{Field: field("width"), Message: "must be positive"}
	}
	if o.Height != nil && *o.Height <= 0 {
		return o, &ValidationError{Field: field("height"), Message: "must be positive"}
	}
	if o.FontSize < 0 {
		return o, &ValidationError{Field: field("fontSize"), Message: "must be positive"}
	}
	// unknown variants are accepted here and skipped by the compositor
	if o.Type.Known() && strings.TrimSpace(o.Content) == "" {
		return o, &ValidationError{Field: field("content"), Message: "is required"}
	}
	if (o.Type == OverlayImage || o.Type == OverlayVideo) && !localPath(o.Content) {
		return o, &ValidationError{Field: field("content"), Message: "must be a path relative to the upload directory"}
	}
	return o, nil
}

// localPath reports whether p stays inside the directory it is resolved against
func localPath(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	c := filepath.Clean(p)
	return c != ".." && !strings.HasPrefix(c, "../")
}
