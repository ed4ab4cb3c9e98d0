// Package eventlog implements the optional diagnostic event log described
// in spec §6: one "<TAG>(<args>);\n" line per event, appended to
// "<filename>.elog". It is a direct port of hamsterdb's
// src/1eventlog/eventlog.cc, restructured as a Go value type instead of a
// process-wide C map of FILE* handles.
package eventlog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultName is substituted whenever the caller passes an empty database
// name, matching the original source's "hamsterdb-inmem" constant.
const DefaultName = "hamsterdb-inmem"

// maxArgBytes is the raw-byte cap applied before escaping (spec §6: "capped
// at 512 raw bytes per argument").
const maxArgBytes = 512

// Log is one open event log file. It owns its own mutex, per spec §5's
// "global event-log ... has its own internal lock so it may be called from
// diagnostic paths without holding the engine lock".
type Log struct {
	mu      sync.Mutex
	name    string
	file    *os.File
	limiter *rate.Limiter // nil means unthrottled
}

// Option configures a Log at Open time.
type Option func(*Log)

// WithRateLimit caps the number of events appended per second. A hot
// diagnostic loop that would otherwise turn the event log into an I/O
// bottleneck is throttled instead of flooding the disk (ground:
// core/storage_engine/common's CopyThrottled use of rate.NewLimiter/WaitN).
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(l *Log) {
		l.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}
}

// Open creates or appends to "<name>.elog". An empty name is replaced with
// DefaultName. If the file cannot be opened, Open falls back to
// "lost+found.elog" once before giving up.
func Open(name string, opts ...Option) (*Log, error) {
	if name == "" {
		name = DefaultName
	}
	f, err := os.OpenFile(path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		f, err = os.OpenFile("lost+found.elog", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("eventlog: failed to open %q or fallback: %w", name, err)
		}
	}
	l := &Log{name: name, file: f}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func path(name string) string { return name + ".elog" }

// Append writes "tag(arg1, arg2, ...);\n" to the log. Each arg is rendered
// with fmt.Sprint; use Escape explicitly for binary arguments.
func (l *Log) Append(tag string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiter != nil {
		if err := l.limiter.Wait(context.Background()); err != nil {
			return fmt.Errorf("eventlog: rate limiter: %w", err)
		}
	}

	rendered := make([]string, len(args))
	for i, a := range args {
		rendered[i] = fmt.Sprint(a)
	}
	line := tag + "("
	for i, r := range rendered {
		if i > 0 {
			line += ", "
		}
		line += r
	}
	line += ");\n"

	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	return l.file.Sync()
}

// Escape renders a binary argument the way the original eventlog::escape()
// does: truncate to maxArgBytes raw bytes, wrap in double quotes, and
// replace every non-ASCII byte with "\xNN".
func Escape(data []byte) string {
	if len(data) > maxArgBytes {
		data = data[:maxArgBytes]
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, '"')
	for _, b := range data {
		if b < 0x80 {
			out = append(out, b)
		} else {
			out = append(out, fmt.Sprintf("\\x%02x", b)...)
		}
	}
	out = append(out, '"')
	return string(out)
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
