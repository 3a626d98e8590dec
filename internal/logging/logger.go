// Package logging provides config-driven categorized file-based logging for
// opSignal. Logs are written to the configured state directory with separate
// files per category. When debug mode is off, every call is a no-op so the
// governance core can log freely on hot paths.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category, one per core component.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config load
	CategoryCycle    Category = "cycle"    // Cycle engine, lease, commit
	CategoryClassify Category = "classify" // Observation classification
	CategoryArbiter  Category = "arbiter"  // Arbitration, cooldowns
	CategoryGate     Category = "gate"     // Gate decisions
	CategoryEscalate Category = "escalate" // Escalation path walking
	CategoryDrift    Category = "drift"    // Boundary evaluation, corrections
	CategoryTruth    Category = "truth"    // Truth layer evaluation
	CategoryProposal Category = "proposal" // Aggregation, scoring
	CategoryStore    Category = "store"    // SQLite history store
)

// Settings mirrors config.LoggingConfig so this package stays import-free of
// internal/config and can be initialized before config exists.
type Settings struct {
	DebugMode  bool
	Dir        string
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// entryJSON is the structured form written when JSONFormat is set.
type entryJSON struct {
	Timestamp int64          `json:"ts"`
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	settings  Settings
	setMu     sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize applies settings and prepares the log directory. Call once at
// startup; without it every logging call is a silent no-op.
func Initialize(s Settings) error {
	setMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	setMu.Unlock()

	if !s.DebugMode {
		return nil
	}
	if s.Dir == "" {
		return fmt.Errorf("logging dir required in debug mode")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	Get(CategoryBoot).Info("=== opSignal logging initialized (dir=%s level=%s) ===", s.Dir, s.Level)
	return nil
}

// IsCategoryEnabled returns whether a category is enabled under the current
// settings.
func IsCategoryEnabled(category Category) bool {
	setMu.RLock()
	defer setMu.RUnlock()
	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger when the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	setMu.RLock()
	dir := settings.Dir
	setMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level, msg string) {
	setMu.RLock()
	jsonFmt := settings.JSONFormat
	setMu.RUnlock()
	if !jsonFmt {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	data, err := json.Marshal(entryJSON{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	})
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.write("DEBUG", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.write("INFO", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.write("WARN", fmt.Sprintf(format, args...))
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.write("ERROR", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files; call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions, no-ops when the category is disabled.

func Boot(format string, args ...any)          { Get(CategoryBoot).Info(format, args...) }
func BootError(format string, args ...any)     { Get(CategoryBoot).Error(format, args...) }
func Cycle(format string, args ...any)         { Get(CategoryCycle).Info(format, args...) }
func CycleWarn(format string, args ...any)     { Get(CategoryCycle).Warn(format, args...) }
func CycleError(format string, args ...any)    { Get(CategoryCycle).Error(format, args...) }
func ClassifyDebug(format string, args ...any) { Get(CategoryClassify).Debug(format, args...) }
func ClassifyWarn(format string, args ...any)  { Get(CategoryClassify).Warn(format, args...) }
func Arbiter(format string, args ...any)       { Get(CategoryArbiter).Info(format, args...) }
func ArbiterDebug(format string, args ...any)  { Get(CategoryArbiter).Debug(format, args...) }
func GateInfo(format string, args ...any)      { Get(CategoryGate).Info(format, args...) }
func GateDebug(format string, args ...any)     { Get(CategoryGate).Debug(format, args...) }
func Escalate(format string, args ...any)      { Get(CategoryEscalate).Info(format, args...) }
func EscalateDebug(format string, args ...any) { Get(CategoryEscalate).Debug(format, args...) }
func Drift(format string, args ...any)         { Get(CategoryDrift).Info(format, args...) }
func DriftWarn(format string, args ...any)     { Get(CategoryDrift).Warn(format, args...) }
func Truth(format string, args ...any)         { Get(CategoryTruth).Info(format, args...) }
func TruthWarn(format string, args ...any)     { Get(CategoryTruth).Warn(format, args...) }
func Proposal(format string, args ...any)      { Get(CategoryProposal).Info(format, args...) }
func ProposalWarn(format string, args ...any)  { Get(CategoryProposal).Warn(format, args...) }
func StoreDebug(format string, args ...any)    { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...any)    { Get(CategoryStore).Error(format, args...) }
