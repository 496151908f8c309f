package logging

import (
	"io"
	"os"
	"strings"
)

// Config selects the level, encoding and destination of a Logger. It mirrors
// the LOG_* environment block of the service configuration.
type Config struct {
	// Level is one of debug, info, warn, error, fatal (any case).
	Level string `yaml:"level"`
	// Format is json, or text/console for the human-readable encoding.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path opened for appending.
	Output string `yaml:"output"`
}

// NewLogger builds a Logger from cfg. A nil cfg logs JSON at info level to
// stderr. The returned close function releases a file output and is a no-op
// otherwise.
func NewLogger(cfg *Config) (*Logger, func() error, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	output, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	return New(ParseLevel(cfg.Level), output).WithFormat(parseFormat(cfg.Format)), closeFn, nil
}

// ParseLevel converts a level name to a LogLevel, defaulting to InfoLevel.
func ParseLevel(level string) LogLevel {
	l := LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if _, ok := levelRank[l]; ok {
		return l
	}
	return InfoLevel
}

func parseFormat(format string) Format {
	switch strings.ToLower(format) {
	case "text", "console":
		return TextFormat
	default:
		return JSONFormat
	}
}

func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch output {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
