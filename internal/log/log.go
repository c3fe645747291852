package log

import (
	"io"
	"log"
	"os"
	"strings"
)

var (
	// DebugLogger for verbose cache hit/miss tracing. Discarded unless the level is debug.
	DebugLogger = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile)
	// InfoLogger for standard, non-error messages.
	InfoLogger = log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	// WarnLogger for degraded-but-working conditions.
	WarnLogger = log.New(os.Stderr, "WARN: ", log.Ldate|log.Ltime|log.Lshortfile)
	// ErrorLogger for error messages.
	ErrorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
)

// SetLevel routes loggers below the given level ("debug", "info", "warn", "error")
// to io.Discard. Unknown levels behave like "info".
func SetLevel(level string) {
	rank := map[string]int{"debug": 0, "info": 1, "warn": 2, "warning": 2, "error": 3}
	lvl, ok := rank[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = 1
	}

	route := func(l *log.Logger, min int, w io.Writer) {
		if lvl <= min {
			l.SetOutput(w)
		} else {
			l.SetOutput(io.Discard)
		}
	}
	route(DebugLogger, 0, os.Stdout)
	route(InfoLogger, 1, os.Stdout)
	route(WarnLogger, 2, os.Stderr)
	route(ErrorLogger, 3, os.Stderr)
}
