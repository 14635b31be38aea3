// Package logging provides categorized file-based logging for the agent.
// Each category writes to its own file under the configured log directory.
// When no log directory is configured the package is a silent no-op.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and shutdown
	CategoryLoop       Category = "loop"       // Control loop iterations
	CategorySafety     Category = "safety"     // Governor decisions
	CategoryMemory     Category = "memory"     // Task store operations
	CategoryPerception Category = "perception" // Screen capture and analysis
	CategoryPlanner    Category = "planner"    // Action planning calls
	CategoryInput      Category = "input"      // Effector execution
)

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers    = make(map[Category]*Logger)
	loggersMu  sync.RWMutex
	logsDir    string
	categories map[Category]bool
	logLevel   int
	configMu   sync.RWMutex
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and category filter.
// An empty dir disables file logging entirely. An empty category list
// enables every category.
func Initialize(dir, level string, enabled []string) error {
	configMu.Lock()
	logsDir = dir
	logLevel = parseLevel(level)
	if len(enabled) == 0 {
		categories = nil
	} else {
		categories = make(map[Category]bool, len(enabled))
		for _, c := range enabled {
			categories[Category(c)] = true
		}
	}
	configMu.Unlock()

	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Level: %s", level)
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if logsDir == "" {
		return false
	}
	if categories == nil {
		return true
	}
	return categories[category]
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging or the category is disabled.
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

	// Date prefix keeps rotation trivial
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
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

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] "+format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] "+format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] "+format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] "+format, args...)
}

// CloseAll closes every open log file. Call on shutdown.
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

// Convenience functions; no-ops when the category is disabled.

// Loop logs to the loop category
func Loop(format string, args ...interface{}) {
	Get(CategoryLoop).Info(format, args...)
}

// LoopDebug logs a debug message to the loop category
func LoopDebug(format string, args ...interface{}) {
	Get(CategoryLoop).Debug(format, args...)
}

// Safety logs to the safety category
func Safety(format string, args ...interface{}) {
	Get(CategorySafety).Info(format, args...)
}

// Memory logs to the memory category
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// Perception logs to the perception category
func Perception(format string, args ...interface{}) {
	Get(CategoryPerception).Info(format, args...)
}

// Planner logs to the planner category
func Planner(format string, args ...interface{}) {
	Get(CategoryPlanner).Info(format, args...)
}

// Input logs to the input category
func Input(format string, args ...interface{}) {
	Get(CategoryInput).Info(format, args...)
}

// Timer helps measure operation duration
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category:  category,
		operation: operation,
		start:     time.Now(),
	}
}

// Stop logs the elapsed time at debug level and returns it
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when the operation exceeded the
// threshold, debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("SLOW: %s took %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s took %v", t.operation, elapsed)
	}
	return elapsed
}
