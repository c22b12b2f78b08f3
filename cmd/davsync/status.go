package main

import (
	"context"
	"fmt"
	"io"
	"os"
	gosync "sync"
	"time"

	"github.com/davsync/davsync/internal/client/sync"
	"github.com/dustin/go-humanize"
)

const clearLine = "\r\x1b[K"

// statusLine renders progress events as a single rewritten terminal line.
// On anything but a terminal it stays silent and the logs carry progress.
type statusLine struct {
	w   io.Writer
	tty bool

	mu     gosync.Mutex
	held   bool
	dirty  bool
	latest string
}

func newStatusLine(f *os.File) *statusLine {
	return &statusLine{w: f, tty: isTerminal(f)}
}

func (s *statusLine) render(ev *sync.ProgressEvent) {
	if !s.tty || ev == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Phase {
	case sync.PhaseDone, sync.PhaseSkipped:
		s.latest = ""
	default:
		s.latest = ev.String()
	}
	if s.held {
		return
	}
	s.draw()
}

func (s *statusLine) draw() {
	if s.latest == "" {
		if s.dirty {
			fmt.Fprint(s.w, clearLine)
			s.dirty = false
		}
		return
	}
	fmt.Fprint(s.w, clearLine+cyan.Render(s.latest))
	s.dirty = true
}

// hold clears the line and stops drawing until release, so prompts get a
// clean terminal.
func (s *statusLine) hold() {
	if s == nil || !s.tty {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = true
	if s.dirty {
		fmt.Fprint(s.w, clearLine)
		s.dirty = false
	}
}

func (s *statusLine) release() {
	if s == nil || !s.tty {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	s.draw()
}

// follow renders events until the channel closes or ctx ends.
func (s *statusLine) follow(ctx context.Context, events <-chan *sync.ProgressEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.render(ev)
		}
	}
}

func printReport(w io.Writer, report *sync.PassReport) {
	if report == nil {
		return
	}

	status := report.Status()
	switch {
	case report.Skipped:
		fmt.Fprintln(w, gray.Render(status))
		return
	case report.Failed > 0:
		fmt.Fprintln(w, red.Render(status))
	case report.TimedOut || report.Deferred > 0 || report.Warnings > 0:
		fmt.Fprintln(w, yellow.Render(status))
	default:
		fmt.Fprintln(w, green.Render(status))
	}

	fmt.Fprintln(w, gray.Render(fmt.Sprintf("sent %s, received %s in %s",
		humanize.IBytes(uint64(report.BytesUp)),
		humanize.IBytes(uint64(report.BytesDown)),
		report.Duration().Round(time.Millisecond),
	)))

	for _, res := range report.Results {
		if res.Status != sync.StatusFailed {
			continue
		}
		line := fmt.Sprintf("  %s %s: %v", red.Render("failed"), res.Action.Path, res.Err)
		if res.Retryable {
			line += gray.Render(" (retried next pass)")
		}
		fmt.Fprintln(w, line)
	}
}
