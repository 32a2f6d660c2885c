package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"robotrelay/internal/config"
)

// Levels are the log file names served by the logs endpoint, without extension.
var Levels = []string{"debug", "info", "warning", "error"}

// Logger provides leveled logging (debug/info/warning/error) to files and stdout/stderr.
type Logger struct {
	debugLog   *log.Logger
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	debug      bool
	logDir     string
	files      []*os.File
	mu         sync.Mutex
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(cfg config.LogConfig) (*Logger, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &Logger{
		logDir: cfg.Directory,
		debug:  cfg.Debug,
	}

	writers := make(map[string]io.Writer, len(Levels))
	for _, level := range Levels {
		file, err := os.OpenFile(filepath.Join(l.logDir, level+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("open log file %s: %w", level, err)
		}
		l.files = append(l.files, file)
		out := io.Writer(os.Stdout)
		if level == "error" {
			out = os.Stderr
		}
		writers[level] = io.MultiWriter(out, file)
	}

	l.setupLoggers(writers["debug"], writers["info"], writers["warning"], writers["error"])
	return l, nil
}

// New returns a Logger writing every level to w. Used by tools and tests.
func New(w io.Writer, debug bool) *Logger {
	l := &Logger{debug: debug}
	l.setupLoggers(w, w, w, w)
	return l
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, false)
}

func (l *Logger) setupLoggers(debugW, infoW, warningW, errorW io.Writer) {
	l.debugLog = log.New(debugW, "DEBUG   ", log.Ldate|log.Ltime|log.Lshortfile)
	l.infoLog = log.New(infoW, "INFO    ", log.Ldate|log.Ltime|log.Lshortfile)
	l.warningLog = log.New(warningW, "WARNING ", log.Ldate|log.Ltime|log.Lshortfile)
	l.errorLog = log.New(errorW, "ERROR   ", log.Ldate|log.Ltime|log.Lshortfile)
}

// Dir returns the directory holding the level files, empty for writer-backed loggers.
func (l *Logger) Dir() string {
	return l.logDir
}

// Debug writes a formatted debug-level entry when debug logging is on.
func (l *Logger) Debug(format string, v ...interface{}) {
	if !l.debug {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLog.Output(2, fmt.Sprintf(format, v...))
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLog.Output(2, fmt.Sprintf(format, v...))
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningLog.Output(2, fmt.Sprintf(format, v...))
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog.Output(2, fmt.Sprintf(format, v...))
}

// Close releases the underlying log files.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		f.Close()
	}
	l.files = nil
}
