// Package logging builds the leveled logger factory shared by the relay and
// the WebRTC stack.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
)

// ParseLevel converts a config level name into a pion log level
func ParseLevel(level string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "disabled", "off", "none":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// OpenOutput resolves a config output name. "stdout" and "stderr" map to
// the process streams; anything else is a file opened for append.
func OpenOutput(output string) (io.WriteCloser, error) {
	switch output {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return f, nil
}

// NewFactory creates a logger factory writing to w at the given level.
// scopes overrides the level for individual logger scopes.
func NewFactory(w io.Writer, level string, scopes map[string]string) (*logging.DefaultLoggerFactory, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	factory := logging.NewDefaultLoggerFactory()
	factory.Writer = w
	factory.DefaultLogLevel = lvl
	if factory.ScopeLevels == nil {
		factory.ScopeLevels = make(map[string]logging.LogLevel)
	}

	for scope, name := range scopes {
		scopeLevel, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope, err)
		}
		factory.ScopeLevels[strings.ToLower(scope)] = scopeLevel
	}

	return factory, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
