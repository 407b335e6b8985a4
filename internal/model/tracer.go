package model

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TraceLevel filters trace lines
type TraceLevel int

const (
	TraceOff TraceLevel = iota
	TraceError
	TraceInfo
	TraceDebug
)

// ParseTraceLevel accepts ERROR, INFO, DEBUG (any case); anything else disables tracing
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToUpper(s) {
	case "ERROR":
		return TraceError
	case "INFO":
		return TraceInfo
	case "DEBUG":
		return TraceDebug
	}
	return TraceOff
}

// Tracer collects per-request trace lines returned to the caller.
// One tracer is shared by every stage of a chain instance.
type Tracer struct {
	mu    sync.Mutex
	level TraceLevel
	lines []string
	start time.Time
}

// NewTracer creates a tracer at level
func NewTracer(level TraceLevel) *Tracer {
	return &Tracer{level: level, start: time.Now()}
}

// Enabled reports whether lines at level are kept
func (t *Tracer) Enabled(level TraceLevel) bool {
	return t != nil && t.level >= level && level != TraceOff
}

// Tracef records a line when level is enabled
func (t *Tracer) Tracef(level TraceLevel, format string, args ...interface{}) {
	if !t.Enabled(level) {
		return
	}
	line := fmt.Sprintf("[%6dus] %s", time.Since(t.start).Microseconds(), fmt.Sprintf(format, args...))
	t.mu.Lock()
	t.lines = append(t.lines, line)
	t.mu.Unlock()
}

// Absorb folds lines produced elsewhere, e.g. by a backend, under a prefix
func (t *Tracer) Absorb(prefix string, lines []string) {
	if t == nil || t.level == TraceOff || len(lines) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range lines {
		t.lines = append(t.lines, prefix+": "+l)
	}
}

// Lines returns a copy of the collected lines
func (t *Tracer) Lines() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}
