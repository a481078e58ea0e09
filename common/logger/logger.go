// Package logger provides the structured, leveled logger shared by the
// LabelBerry server and device agent.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// LogEntry is a single structured log record.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

// RotationPolicy defines when and how to rotate log files.
type RotationPolicy struct {
	Enabled    bool
	MaxSizeMB  int
	MaxAgeDays int
	MaxFiles   int
}

type rateLimiter struct {
	lastLog  time.Time
	interval time.Duration
}

// Logger provides leveled, buffered, optionally file-backed logging with
// an attach point for streaming log entries out to interested callers —
// in LabelBerry's case, the job lifecycle event broadcaster.
type Logger struct {
	mu              sync.RWMutex
	level           LogLevel
	logDir          string
	fileName        string
	currentFile     *os.File
	currentFilePath string
	buffer          []LogEntry
	maxBufferSize   int
	rotationPolicy  RotationPolicy
	rateLimiters    map[string]*rateLimiter
	consoleOutput   bool
	onLogCallback   func(LogEntry)
}

// New creates a new Logger instance. fileName is the base log file name
// (e.g. "server.log", "agent.log") written under logDir.
func New(level LogLevel, logDir, fileName string, maxBufferSize int) *Logger {
	return &Logger{
		level:         level,
		logDir:        logDir,
		fileName:      fileName,
		buffer:        make([]LogEntry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		rateLimiters:  make(map[string]*rateLimiter),
		consoleOutput: true,
		rotationPolicy: RotationPolicy{
			Enabled:    true,
			MaxSizeMB:  50,
			MaxAgeDays: 7,
			MaxFiles:   10,
		},
	}
}

// SetConsoleOutput enables or disables console output.
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetOnLogCallback sets a callback invoked for every log entry. Used to
// fan log lines into the operator-visible lifecycle stream.
func (l *Logger) SetOnLogCallback(callback func(LogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLogCallback = callback
}

// SetLevel changes the current log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetRotationPolicy configures log rotation.
func (l *Logger) SetRotationPolicy(policy RotationPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotationPolicy = policy
}

func (l *Logger) Error(msg string, context ...interface{}) { l.log(ERROR, msg, context...) }
func (l *Logger) Warn(msg string, context ...interface{})  { l.log(WARN, msg, context...) }
func (l *Logger) Info(msg string, context ...interface{})  { l.log(INFO, msg, context...) }
func (l *Logger) Debug(msg string, context ...interface{}) { l.log(DEBUG, msg, context...) }
func (l *Logger) Trace(msg string, context ...interface{}) { l.log(TRACE, msg, context...) }

// WarnRateLimited logs a warning at most once per interval for a given key.
// Used for noisy conditions like repeated bus reconnect failures.
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	l.mu.Lock()
	limiter, exists := l.rateLimiters[key]
	if !exists {
		limiter = &rateLimiter{interval: interval}
		l.rateLimiters[key] = limiter
	}

	now := time.Now()
	if now.Sub(limiter.lastLog) < limiter.interval {
		l.mu.Unlock()
		return
	}
	limiter.lastLog = now
	l.mu.Unlock()

	l.log(WARN, msg, context...)
}

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			ctx[key] = context[i+1]
		}
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	if len(l.buffer) >= l.maxBufferSize {
		l.buffer = l.buffer[1:]
	}
	l.buffer = append(l.buffer, entry)

	if l.consoleOutput {
		fmt.Println(formatLogEntry(entry))
	}

	l.writeToFile(entry)

	if l.onLogCallback != nil {
		callback := l.onLogCallback
		l.mu.Unlock()
		callback(entry)
		l.mu.Lock()
	}
}

func (l *Logger) writeToFile(entry LogEntry) {
	if l.logDir == "" {
		return
	}
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return
	}

	if l.currentFile == nil {
		name := l.fileName
		if name == "" {
			name = "labelberry.log"
		}
		filename := filepath.Join(l.logDir, name)
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		l.currentFile = f
		l.currentFilePath = filename
	}

	line := formatLogEntry(entry)
	l.currentFile.WriteString(line + "\n")
	l.currentFile.Sync()

	if l.shouldRotate() {
		l.rotate()
	}
}

func formatLogEntry(entry LogEntry) string {
	timestamp := entry.Timestamp.Format("2006-01-02T15:04:05-07:00")
	level := levelNames[entry.Level]

	line := fmt.Sprintf("%s [%s] %s", timestamp, level, entry.Message)

	for k, v := range entry.Context {
		line += fmt.Sprintf(" %s=%v", k, v)
	}

	return line
}

func (l *Logger) shouldRotate() bool {
	if !l.rotationPolicy.Enabled || l.currentFile == nil {
		return false
	}
	if l.rotationPolicy.MaxSizeMB > 0 {
		if stat, err := l.currentFile.Stat(); err == nil {
			maxBytes := int64(l.rotationPolicy.MaxSizeMB) * 1024 * 1024
			if stat.Size() >= maxBytes {
				return true
			}
		}
	}
	return false
}

func (l *Logger) rotate() {
	base := "labelberry"
	if l.fileName != "" {
		base = l.fileName[:len(l.fileName)-len(filepath.Ext(l.fileName))]
	}

	if l.currentFile != nil {
		l.currentFile.Close()
		l.currentFile = nil

		if l.currentFilePath != "" {
			timestamp := time.Now().Format("20060102_150405")
			backupPath := filepath.Join(l.logDir, fmt.Sprintf("%s_%s.log", base, timestamp))
			os.Rename(l.currentFilePath, backupPath)
		}
	}

	l.cleanOldFiles(base)
}

func (l *Logger) cleanOldFiles(base string) {
	if l.rotationPolicy.MaxAgeDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -l.rotationPolicy.MaxAgeDays)

	files, err := filepath.Glob(filepath.Join(l.logDir, base+"_*.log"))
	if err != nil {
		return
	}

	for _, file := range files {
		if stat, err := os.Stat(file); err == nil {
			if stat.ModTime().Before(cutoff) {
				os.Remove(file)
			}
		}
	}

	if l.rotationPolicy.MaxFiles > 0 && len(files) > l.rotationPolicy.MaxFiles {
		for i := 0; i < len(files)-l.rotationPolicy.MaxFiles; i++ {
			os.Remove(files[i])
		}
	}
}

// GetBuffer returns a copy of the in-memory log buffer.
func (l *Logger) GetBuffer() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	buffer := make([]LogEntry, len(l.buffer))
	copy(buffer, l.buffer)
	return buffer
}

// Close closes the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// LevelFromString converts a string to a LogLevel.
func LevelFromString(s string) LogLevel {
	switch s {
	case "ERROR":
		return ERROR
	case "WARN":
		return WARN
	case "INFO":
		return INFO
	case "DEBUG":
		return DEBUG
	case "TRACE":
		return TRACE
	default:
		return INFO
	}
}

// LevelToString converts a LogLevel to a string.
func LevelToString(level LogLevel) string {
	return levelNames[level]
}

// Copy writes all buffered logs to a writer.
func (l *Logger) Copy(w io.Writer) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.buffer {
		if _, err := fmt.Fprintln(w, formatLogEntry(entry)); err != nil {
			return err
		}
	}
	return nil
}
