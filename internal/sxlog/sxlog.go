// Package sxlog provides the dual file+console logger used across the
// flashing tool. It mirrors the original sxflasher's two-handler logging
// config (a file handler at DEBUG and a console handler gated by
// --verbose) using the standard library, the same way the rest of this
// codebase's ambient concerns lean on stdlib where the corpus shows no
// third-party logging library.
package sxlog

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Logger writes every message to a log file at debug level and,
// independently, to stdout gated by the configured verbosity.
type Logger struct {
	file    *log.Logger
	console *log.Logger
	verbose bool
	path    string
}

// New creates logs/sxf__<timestamp>.log under dir and returns a Logger
// writing to it and to stdout.
func New(dir string, verbose bool) (*Logger, error) {
	logsDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	stamp := time.Now().Format("2006-01-02__15-04-05")
	path := filepath.Join(logsDir, fmt.Sprintf("sxf__%s.log", stamp))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		file:    log.New(f, "", log.Ldate|log.Ltime),
		console: log.New(os.Stdout, "", 0),
		verbose: verbose,
		path:    path,
	}, nil
}

// Path returns the path of the underlying log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Logger) writeBoth(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l == nil {
		fmt.Printf("[%-5s] %s\n", level, msg)
		return
	}
	l.file.Printf("[%-5s] %s", level, msg)
	if level != "DEBUG" || l.verbose {
		l.console.Printf("[%-5s] %s", level, msg)
	}
}

// Debugf logs at debug level; suppressed on the console unless verbose.
func (l *Logger) Debugf(format string, args ...any) { l.writeBoth("DEBUG", format, args...) }

// Infof logs at info level; always shown on the console.
func (l *Logger) Infof(format string, args ...any) { l.writeBoth("INFO", format, args...) }

// Warnf logs at warning level; always shown on the console.
func (l *Logger) Warnf(format string, args ...any) { l.writeBoth("WARN", format, args...) }

// Errorf logs at error level; always shown on the console.
func (l *Logger) Errorf(format string, args ...any) { l.writeBoth("ERROR", format, args...) }

// Critical prints a marker line plus the full error detail, the
// stand-in for the original tool's uncaught-exception traceback dump.
func (l *Logger) Critical(err error) {
	l.writeBoth("ERROR", "CRITICAL ERROR")
	l.writeBoth("ERROR", "%+v", err)
}

// LogCommand logs a single protocol command the way somcusb.py's
// command() does: short payloads are hex-dumped, long ones collapse to
// a byte count. taName is the resolved symbolic TA unit name, if any.
func (l *Logger) LogCommand(cmd string, taName string, payload []byte, truncateAt int) {
	un := ""
	if taName != "" {
		un = fmt.Sprintf("<%s>", taName)
	}
	if len(payload) > truncateAt {
		l.Debugf("CMD: %s%s = <size:%d>", cmd, un, len(payload))
		return
	}
	l.Debugf("CMD: %s%s = %s", cmd, un, hex.EncodeToString(payload))
}

// Writer returns an io.Writer that appends plain lines to the log file
// only (no level prefix, no console echo), for raw text such as device
// log tails that should land in the log file verbatim.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return rawFileWriter{l}
}

type rawFileWriter struct{ l *Logger }

func (w rawFileWriter) Write(p []byte) (int, error) {
	w.l.file.Print(string(p))
	return len(p), nil
}
