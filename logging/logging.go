// Package logging configures the coordinator's structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// ParseLevel maps a level name to its slog level, accepting the geth
// spellings (trace, debug, info, warn, error, crit).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info", "":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Setup builds the application logger and installs it as the default.
// When debugFile is non-empty (the TESTMUX_LOG path), logs go there as JSON
// at debug level regardless of levelStr; otherwise a terminal handler writes
// to w at the requested level. The returned closer flushes the debug file.
func Setup(w io.Writer, levelStr, debugFile string, color bool) (log.Logger, func(), error) {
	closer := func() {}

	if debugFile != "" {
		f, err := os.OpenFile(debugFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening debug log %s: %w", debugFile, err)
		}
		logger := log.NewLogger(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: log.LevelDebug}))
		log.SetDefault(logger)
		return logger, func() { f.Close() }, nil
	}

	level, err := ParseLevel(levelStr)
	if err != nil {
		return nil, nil, err
	}
	logger := log.NewLogger(log.NewTerminalHandlerWithLevel(w, level, color))
	log.SetDefault(logger)
	return logger, closer, nil
}
