package synclog

import (
	"context"
	"log/slog"
)

// Sink pairs a handler with the minimum level it receives.
type Sink struct {
	Handler slog.Handler
	Level   slog.Leveler
}

// FanoutHandler implements slog.Handler and forwards records to every sink
// whose level admits them.
type FanoutHandler struct {
	sinks []Sink
}

func NewFanoutHandler(sinks ...Sink) *FanoutHandler {
	return &FanoutHandler{sinks: sinks}
}

func (h *FanoutHandler) admits(ctx context.Context, s Sink, level slog.Level) bool {
	if s.Level != nil && level < s.Level.Level() {
		return false
	}
	return s.Handler.Enabled(ctx, level)
}

// Enabled implements slog.Handler
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if h.admits(ctx, s, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler
func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, s := range h.sinks {
		if !h.admits(ctx, s, r.Level) {
			continue
		}
		if e := s.Handler.Handle(ctx, r.Clone()); e != nil {
			err = e
		}
	}
	return err
}

// WithAttrs implements slog.Handler
func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sinks := make([]Sink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = Sink{Handler: s.Handler.WithAttrs(attrs), Level: s.Level}
	}
	return NewFanoutHandler(sinks...)
}

// WithGroup implements slog.Handler
func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	sinks := make([]Sink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = Sink{Handler: s.Handler.WithGroup(name), Level: s.Level}
	}
	return NewFanoutHandler(sinks...)
}
