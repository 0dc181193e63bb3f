// Package audit keeps the append-only event log of registrations and
// executions.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/pkg/types"
)

// maxLine bounds a single audit line when reading back.
const maxLine = 1 << 20

// Log appends newline-delimited JSON entries to a file. Each line is
// written by a JSON-formatted logger as {"time", "level", "msg"}.
type Log struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	f      *os.File
	logger *log.Logger
}

// record is the on-disk shape of one line.
type record struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Msg   string    `json:"msg"`
}

var levels = map[types.LogLevel]log.Level{
	types.LevelInfo:    log.InfoLevel,
	types.LevelWarning: log.WarnLevel,
	types.LevelError:   log.ErrorLevel,
}

func fromLevel(s string) types.LogLevel {
	for ours, theirs := range levels {
		if theirs.String() == s {
			return ours
		}
	}
	return types.LevelInfo
}

// Open opens or creates the audit log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &Log{path: path, now: time.Now, f: f}
	l.logger = log.NewWithOptions(f, log.Options{
		Level:           log.DebugLevel,
		Formatter:       log.JSONFormatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339Nano,
		TimeFunction:    func(time.Time) time.Time { return l.now().UTC() },
	})
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one entry. Unknown levels are written as INFO.
func (l *Log) Append(level types.LogLevel, message string) error {
	lvl, ok := levels[level]
	if !ok {
		lvl = log.InfoLevel
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("audit log closed")
	}
	l.logger.Log(lvl, message)
	return nil
}

// Info appends an INFO entry, ignoring write errors.
func (l *Log) Info(format string, args ...any) {
	_ = l.Append(types.LevelInfo, fmt.Sprintf(format, args...))
}

// Warning appends a WARNING entry, ignoring write errors.
func (l *Log) Warning(format string, args ...any) {
	_ = l.Append(types.LevelWarning, fmt.Sprintf(format, args...))
}

// Error appends an ERROR entry, ignoring write errors.
func (l *Log) Error(format string, args ...any) {
	_ = l.Append(types.LevelError, fmt.Sprintf(format, args...))
}

// Tail returns the last n entries, oldest first. Lines that do not parse
// are returned as raw INFO messages.
func (l *Log) Tail(n int) ([]types.LogEntry, error) {
	if n <= 0 {
		return []types.LogEntry{}, nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.LogEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	out := make([]types.LogEntry, 0, len(ring))
	for _, line := range ring {
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			out = append(out, types.LogEntry{Level: types.LevelInfo, Message: line})
			continue
		}
		out = append(out, types.LogEntry{Time: rec.Time, Level: fromLevel(rec.Level), Message: rec.Msg})
	}
	return out, nil
}

// Close closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
