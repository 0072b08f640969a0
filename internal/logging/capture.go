package logging

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Line is a captured log record flattened for assertions. Attrs holds the
// string form of every attribute, including those bound with With.
type Line struct {
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

// Capture collects log lines while installed by CaptureForTest.
type Capture struct {
	mu        sync.Mutex
	lines     []Line
	prev      *slog.Logger
	prevLevel slog.Level
}

// CaptureForTest routes the default logger, and every For logger, into a
// Capture at debug level. Call Restore when done.
func CaptureForTest() *Capture {
	c := &Capture{
		prev:      slog.Default(),
		prevLevel: level.Level(),
	}
	slog.SetDefault(slog.New(&captureHandler{capture: c}))
	SetLevel(slog.LevelDebug)
	return c
}

// Restore reinstates the previous default logger and level.
func (c *Capture) Restore() {
	slog.SetDefault(c.prev)
	level.Set(c.prevLevel)
}

// Records returns the captured lines in order.
func (c *Capture) Records() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lines)
}

// Has reports whether a line at lvl contains msg.
func (c *Capture) Has(lvl slog.Level, msg string) bool {
	return c.find(func(l Line) bool {
		return l.Level == lvl && strings.Contains(l.Message, msg)
	})
}

// HasAttr reports whether any line carries key=value.
func (c *Capture) HasAttr(key, value string) bool {
	return c.find(func(l Line) bool {
		v, ok := l.Attrs[key]
		return ok && v == value
	})
}

// Count returns the number of lines at lvl.
func (c *Capture) Count(lvl slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lines {
		if l.Level == lvl {
			n++
		}
	}
	return n
}

func (c *Capture) find(match func(Line) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.ContainsFunc(c.lines, match)
}

// captureHandler flattens records into the Capture. Groups are ignored;
// nothing in this module logs with them.
type captureHandler struct {
	capture *Capture
	attrs   []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	l := Line{Level: r.Level, Message: r.Message, Attrs: make(map[string]string, len(h.attrs)+r.NumAttrs())}
	for _, a := range h.attrs {
		l.Attrs[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		l.Attrs[a.Key] = a.Value.String()
		return true
	})
	h.capture.mu.Lock()
	h.capture.lines = append(h.capture.lines, l)
	h.capture.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &captureHandler{capture: h.capture, attrs: append(slices.Clip(h.attrs), attrs...)}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }
