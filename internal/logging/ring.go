// Package logging keeps a bounded in-memory tail of structured log
// entries alongside the normal JSON output, so the API can hand
// operators the recent history without shelling into the host.
package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Ring stores the most recent log entries.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewRing creates a ring buffer holding up to size entries.
func NewRing(size int) *Ring {
	return &Ring{entries: make([]Entry, size)}
}

// Add appends an entry, evicting the oldest when full.
func (r *Ring) Add(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = entry
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

// Recent returns the most recent n entries, oldest first.
func (r *Ring) Recent(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	result := make([]Entry, n)
	start := (r.head - n + len(r.entries)) % len(r.entries)
	for i := 0; i < n; i++ {
		result[i] = r.entries[(start+i)%len(r.entries)]
	}
	return result
}

// Handler is a slog.Handler that tees records into a Ring and forwards
// them to a wrapped handler (normally the JSON handler on stderr).
type Handler struct {
	ring   *Ring
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

// NewHandler wraps next with ring capture.
func NewHandler(ring *Ring, next slog.Handler) *Handler {
	return &Handler{ring: ring, next: next}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]any)
	var component string

	collect := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
		} else {
			attrs[a.Key] = a.Value.Any()
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}

	h.ring.Add(Entry{
		Time:      rec.Time,
		Level:     rec.Level.String(),
		Message:   rec.Message,
		Component: component,
		Attrs:     attrs,
	})

	return h.next.Handle(ctx, rec)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		ring:   h.ring,
		next:   h.next.WithAttrs(attrs),
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		ring:   h.ring,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}
