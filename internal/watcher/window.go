package watcher

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Window gates cycle launches to a recurring time range: a cron spec
// marks each opening and the duration says how long it stays open.
// A nil Window is always open.
type Window struct {
	sched    cron.Schedule
	duration time.Duration
}

// NewWindow parses a standard five-field cron spec. An empty spec
// returns a nil window, which never gates anything.
func NewWindow(spec string, duration time.Duration) (*Window, error) {
	if spec == "" {
		return nil, nil
	}
	if duration <= 0 {
		return nil, fmt.Errorf("merge window %q needs a positive duration", spec)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid merge window %q: %w", spec, err)
	}
	return &Window{sched: sched, duration: duration}, nil
}

// Open reports whether t falls inside the window. The window is open
// when the most recent opening is at most duration ago.
func (w *Window) Open(t time.Time) bool {
	if w == nil {
		return true
	}
	start := w.sched.Next(t.Add(-w.duration))
	return !start.After(t)
}
