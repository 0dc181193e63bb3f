// Package logging builds the structured loggers used across adap.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/pkg/types"
)

// New creates a logger writing to stderr configured from cfg.
func New(cfg types.LogConfig) *log.Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, cfg types.LogConfig) *log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}

	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          cfg.Prefix,
		ReportTimestamp: true,
		Formatter:       formatter(cfg.Formatter),
	})
}

// Discard returns a logger that drops everything. Components use it when
// no logger is injected.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func formatter(name string) log.Formatter {
	switch strings.ToLower(name) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
