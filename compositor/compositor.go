// Package compositor turns an ordered overlay list into an ffmpeg filter graph.
// Compose is pure: the same primary path, overlays and options always yield
// the same graph.
package compositor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"video-overlay-api-scalable/shared"
)

const (
	FilterDrawText = "drawtext"
	FilterOverlay  = "overlay"
	FilterScale    = "scale"

	// PrimaryStream is the video stream of input 0
	PrimaryStream = "0:v"

	DefaultFontSize  = 24
	DefaultFontColor = "white"
)

type SkipReason string

const (
	SkipUnknownType SkipReason = "unknown overlay type"
	SkipUnsupported SkipReason = "overlay type not supported by engine"
)

// Options carries engine capabilities and path resolution for Compose
type Options struct {
	// BaseDir resolves relative image and video overlay paths
	BaseDir string
	// TextOverlays reports whether the engine build can draw text
	TextOverlays bool
}

// Option is one key=value argument of a filter, rendered in order
type Option struct {
	Key   string
	Value string
}

// Input is an auxiliary engine input. Index 0 is always the primary video.
type Input struct {
	Index   int
	Path    string
	Overlay int
	Type    shared.OverlayType
}

// Directive is one filter in the chain
type Directive struct {
	Filter  string
	Inputs  []string
	Output  string
	Options []Option
	// Overlay is the index of the overlay that produced this directive
	Overlay int
}

// Option returns the value of key and whether it is set
func (d Directive) Option(key string) (string, bool) {
	for _, o := range d.Options {
		if o.Key == key {
			return o.Value, true
		}
	}
	return "", false
}

// Skip records an overlay that produced no directive
type Skip struct {
	Overlay int
	Type    shared.OverlayType
	Reason  SkipReason
}

func (s Skip) String() string {
	return fmt.Sprintf("overlay %d (type %q): %s", s.Overlay, s.Type, s.Reason)
}

// Graph is the full command graph handed to the engine
type Graph struct {
	Primary    string
	Inputs     []Input
	Directives []Directive
	// Output is the label of the final video stream
	Output  string
	Skipped []Skip
}

// Identity reports whether the graph leaves the primary stream untouched
func (g *Graph) Identity() bool {
	return len(g.Directives) == 0
}

// Compose builds the graph for primary with overlays applied in list order
func Compose(primary string, overlays []shared.Overlay, opts Options) *Graph {
	g := &Graph{
		Primary:    primary,
		Inputs:     []Input{},
		Directives: []Directive{},
		Skipped:    []Skip{},
		Output:     PrimaryStream,
	}
	b := builder{g: g, running: PrimaryStream}

	for i, o := range overlays {
		switch o.Type {
		case shared.OverlayText:
			if !opts.TextOverlays {
				g.Skipped = append(g.Skipped, Skip{Overlay: i, Type: o.Type, Reason: SkipUnsupported})
				continue
			}
			b.text(i, o)
		case shared.OverlayImage, shared.OverlayVideo:
			b.composite(i, o, resolve(opts.BaseDir, o.Content))
		default:
			g.Skipped = append(g.Skipped, Skip{Overlay: i, Type: o.Type, Reason: SkipUnknownType})
		}
	}
	g.Output = b.running
	return g
}

type builder struct {
	g       *Graph
	running string
	labels  int
}

func (b *builder) label() string {
	b.labels++
	return "v" + strconv.Itoa(b.labels)
}

func (b *builder) text(i int, o shared.Overlay) {
	fontSize := o.FontSize
	if fontSize <= 0 {
		fontSize = DefaultFontSize
	}
	fontColor := o.FontColor
	if fontColor == "" {
		fontColor = DefaultFontColor
	}
	opts := []Option{
		{"text", o.Content},
		{"expansion", "none"},
		{"fontsize", strconv.Itoa(fontSize)},
		{"fontcolor", fontColor},
		{"x", positionExpr("main_w", o.X)},
		{"y", positionExpr("main_h", o.Y)},
	}
	if o.BackgroundColor != "" {
		opts = append(opts, Option{"box", "1"}, Option{"boxcolor", o.BackgroundColor})
	}
	opts = append(opts, Option{"enable", enableExpr(o)})

	out := b.label()
	b.g.Directives = append(b.g.Directives, Directive{
		Filter:  FilterDrawText,
		Inputs:  []string{b.running},
		Output:  out,
		Options: opts,
		Overlay: i,
	})
	b.running = out
}

func (b *builder) composite(i int, o shared.Overlay, path string) {
	idx := len(b.g.Inputs) + 1
	b.g.Inputs = append(b.g.Inputs, Input{Index: idx, Path: path, Overlay: i, Type: o.Type})
	aux := strconv.Itoa(idx) + ":v"

	if o.Width != nil || o.Height != nil {
		scaled := b.label()
		b.g.Directives = append(b.g.Directives, Directive{
			Filter:  FilterScale,
			Inputs:  []string{aux},
			Output:  scaled,
			Options: []Option{{"w", dimension(o.Width)}, {"h", dimension(o.Height)}},
			Overlay: i,
		})
		aux = scaled
	}

	opts := []Option{
		{"x", positionExpr("main_w", o.X)},
		{"y", positionExpr("main_h", o.Y)},
		{"enable", enableExpr(o)},
	}
	if o.Type == shared.OverlayVideo {
		// keep the main stream flowing after a shorter clip ends
		opts = append(opts, Option{"eof_action", "pass"})
	}
	out := b.label()
	b.g.Directives = append(b.g.Directives, Directive{
		Filter:  FilterOverlay,
		Inputs:  []string{b.running, aux},
		Output:  out,
		Options: opts,
		Overlay: i,
	})
	b.running = out
}

func resolve(baseDir, p string) string {
	if baseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func enableExpr(o shared.Overlay) string {
	return fmt.Sprintf("between(t,%s,%s)", number(o.StartTime), number(o.EndTime))
}

func positionExpr(dim string, pct float64) string {
	return fmt.Sprintf("%s*%s/100", dim, number(pct))
}

// dimension renders an optional pixel size; -1 keeps the aspect ratio
func dimension(v *int) string {
	if v == nil {
		return "-1"
	}
	return strconv.Itoa(*v)
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FilterComplex renders the directives as an ffmpeg -filter_complex value.
// The identity graph renders as the empty string.
func (g *Graph) FilterComplex() string {
	parts := make([]string, 0, len(g.Directives))
	for _, d := range g.Directives {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, ";")
}

func (d Directive) String() string {
	var sb strings.Builder
	for _, in := range d.Inputs {
		sb.WriteString("[" + in + "]")
	}
	sb.WriteString(d.Filter)
	for i, o := range d.Options {
		if i == 0 {
			sb.WriteByte('=')
		} else {
			sb.WriteByte(':')
		}
		sb.WriteString(o.Key)
		sb.WriteByte('=')
		sb.WriteString(escapeGraph(escapeOption(o.Value)))
	}
	if d.Output != "" {
		sb.WriteString("[" + d.Output + "]")
	}
	return sb.String()
}

// escapeOption protects a value from the filter option parser
func escapeOption(v string) string {
	if !strings.ContainsAny(v, `\':`) {
		return v
	}
	var sb strings.Builder
	for _, r := range v {
		switch r {
		case '\\', '\'', ':':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// escapeGraph protects a value from the filtergraph parser. Quoting is used
// when the value has no single quote of its own.
func escapeGraph(v string) string {
	const special = `\'[],;`
	if !strings.ContainsAny(v, special) {
		return v
	}
	if !strings.ContainsAny(v, `'`) {
		return "'" + v + "'"
	}
	var sb strings.Builder
	for _, r := range v {
		if strings.ContainsRune(special, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
