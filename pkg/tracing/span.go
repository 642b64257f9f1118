// Package tracing times the phases of long-running operations (a full
// index build, a reconciliation pass) as a tree of spans carried in the
// context, and logs the tree through slog when the operation finishes.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed phase. A root span carries the operation id that every
// child inherits.
type Span struct {
	Name     string
	ID       string
	Start    time.Time
	Duration time.Duration

	mu       sync.Mutex
	attrs    []any
	children []*Span
	ended    bool
}

// Start opens a root span for the operation identified by id.
func Start(ctx context.Context, name, id string) (context.Context, *Span) {
	span := &Span{Name: name, ID: id, Start: time.Now()}
	return context.WithValue(ctx, contextKey{}, span), span
}

// Child opens a span under the one in ctx. Without a parent the span is
// still timed but belongs to no tree.
func Child(ctx context.Context, name string) (context.Context, *Span) {
	child := &Span{Name: name, Start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		child.ID = parent.ID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, child), child
}

// FromContext returns the innermost span in ctx, or nil.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// End fixes the span's duration. Later calls are ignored.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.Duration = time.Since(s.Start)
}

// Set attaches a key-value pair that is logged with the span.
func (s *Span) Set(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Log ends the span and writes the whole tree, the root at info and the
// phases at debug.
func (s *Span) Log(logger *slog.Logger) {
	s.End()
	s.log(logger, 0)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := append([]any{
		"op_id", s.ID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}, s.attrs...)
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	if depth == 0 {
		logger.Info("span", attrs...)
	} else {
		logger.Debug("span", attrs...)
	}
	for _, c := range children {
		c.End()
		c.log(logger, depth+1)
	}
}
