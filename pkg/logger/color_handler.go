package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
)

// Messages containing one of these are graph mutations worth spotting in a
// scrolling terminal; they render green.
var mutationWords = []string{"persist", "merge", "supersed", "invalidat"}

// ColorHandler is a single-line slog handler for terminals. Errors render
// red, warnings yellow, graph mutations green, and debug lines cyan.
type ColorHandler struct {
	w      io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
	mu     sync.Mutex
}

// NewColorHandler creates a handler writing directly to w.
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	level := slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level.Level()
	}
	return &ColorHandler{w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *ColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	color := h.colorFor(r)

	var buf strings.Builder
	buf.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	buf.WriteString(" ")
	buf.WriteString(r.Level.String())
	buf.WriteString(" ")

	if color != "" {
		buf.WriteString(color)
	}
	buf.WriteString(r.Message)
	if color != "" {
		buf.WriteString(colorReset)
	}

	prefix := strings.Join(h.groups, ".")
	writeAttr := func(a slog.Attr) {
		buf.WriteString(" ")
		if prefix != "" {
			buf.WriteString(prefix)
			buf.WriteString(".")
		}
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	for _, attr := range h.attrs {
		writeAttr(attr)
	}
	buf.WriteString("\n")

	_, err := fmt.Fprint(h.w, buf.String())
	return err
}

func (h *ColorHandler) colorFor(r slog.Record) string {
	switch r.Level {
	case slog.LevelError:
		return colorRed
	case slog.LevelWarn:
		return colorYellow
	case slog.LevelDebug:
		return colorCyan
	default:
		lower := strings.ToLower(r.Message)
		for _, w := range mutationWords {
			if strings.Contains(lower, w) {
				return colorGreen
			}
		}
		return ""
	}
}

// WithAttrs implements slog.Handler.
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ColorHandler{w: h.w, level: h.level, attrs: merged, groups: h.groups}
}

// WithGroup implements slog.Handler.
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &ColorHandler{w: h.w, level: h.level, attrs: h.attrs, groups: groups}
}
