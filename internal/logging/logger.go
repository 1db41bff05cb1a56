// Package logging provides category-based file logging for blocksmith.
//
// Every subsystem logs through a named category. Categories write to
// date-stamped files under .blocksmith/logs/ so a planner run, a sandbox
// session, and the registry can be read as separate streams. Debug output
// is off by default and enabled globally or per category via configuration
// or environment variables:
//
//	BLOCKSMITH_DEBUG=1                     enable debug everywhere
//	BLOCKSMITH_LOG_CATEGORIES=planner,sandbox  enable debug for listed categories
//	BLOCKSMITH_LOG_LEVEL=warn              minimum level written
//	BLOCKSMITH_LOG_JSON=1                  structured JSON lines
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category identifies a logging stream.
type Category string

// =============================================================================
// CATEGORIES
// =============================================================================

const (
	CategoryBoot       Category = "boot"
	CategoryConfig     Category = "config"
	CategoryCore       Category = "core"
	CategoryRegistry   Category = "registry"
	CategoryCache      Category = "cache"
	CategorySandbox    Category = "sandbox"
	CategorySynthesis  Category = "synthesis"
	CategoryPlanner    Category = "planner"
	CategoryExecutor   Category = "executor"
	CategoryResolver   Category = "resolver"
	CategoryPerception Category = "perception"
	CategoryEmbedding  Category = "embedding"
	CategoryStore      Category = "store"
	CategoryServer     Category = "server"
	CategoryAgent      Category = "agent"
	CategoryWatcher    Category = "watcher"
	CategoryCLI        Category = "cli"
)

// Level is the minimum severity a logger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a level name to a Level. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// GLOBAL STATE
// =============================================================================

// Options controls the logging subsystem. Zero value means: info level,
// plain text, logs under ./.blocksmith/logs, debug nowhere.
type Options struct {
	Dir             string   // log directory; default .blocksmith/logs
	Level           Level    // minimum level written
	Debug           bool     // enable debug for all categories
	DebugCategories []string // enable debug for specific categories
	JSON            bool     // structured JSON lines instead of text
	ToStderr        bool     // mirror warn/error to stderr
}

var (
	mu       sync.RWMutex
	opts     Options
	optsOnce sync.Once
	loggers  = make(map[Category]*Logger)
)

// Configure applies options process-wide. Safe to call once at boot;
// later calls replace the options and reset open loggers so new settings
// take effect.
func Configure(o Options) {
	mu.Lock()
	defer mu.Unlock()
	if o.Dir == "" {
		o.Dir = filepath.Join(".blocksmith", "logs")
	}
	opts = o
	for _, l := range loggers {
		l.close()
	}
	loggers = make(map[Category]*Logger)
}

// envOptions builds Options from the environment. Called lazily the first
// time a logger is requested without an explicit Configure.
func envOptions() Options {
	o := Options{
		Dir:   filepath.Join(".blocksmith", "logs"),
		Level: ParseLevel(os.Getenv("BLOCKSMITH_LOG_LEVEL")),
		JSON:  os.Getenv("BLOCKSMITH_LOG_JSON") == "1",
	}
	if os.Getenv("BLOCKSMITH_DEBUG") == "1" || os.Getenv("BLOCKSMITH_DEBUG") == "true" {
		o.Debug = true
		o.Level = LevelDebug
	}
	if cats := os.Getenv("BLOCKSMITH_LOG_CATEGORIES"); cats != "" {
		for _, c := range strings.Split(cats, ",") {
			if c = strings.TrimSpace(c); c != "" {
				o.DebugCategories = append(o.DebugCategories, c)
			}
		}
	}
	return o
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	// Double-check after acquiring the write lock.
	if l, ok = loggers[category]; ok {
		return l
	}
	l = newLogger(category)
	loggers[category] = l
	return l
}

// =============================================================================
// LOGGER
// =============================================================================

// Logger writes leveled, printf-style records for one category.
type Logger struct {
	category Category
	level    Level
	debug    bool
	json     bool
	toStderr bool

	mu   sync.Mutex
	out  *log.Logger
	file *os.File
}

func newLogger(category Category) *Logger {
	o := currentOptionsLocked()
	l := &Logger{
		category: category,
		level:    o.Level,
		debug:    o.Debug || containsCategory(o.DebugCategories, category),
		json:     o.JSON,
		toStderr: o.ToStderr,
	}
	if l.debug && l.level > LevelDebug {
		l.level = LevelDebug
	}

	path := filepath.Join(o.Dir, fmt.Sprintf("%s-%s.log", category, time.Now().Format("2006-01-02")))
	if err := os.MkdirAll(o.Dir, 0o755); err == nil {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			l.file = f
			l.out = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
			return l
		}
	}
	// Fall back to stderr when the log directory is unusable.
	l.out = log.New(os.Stderr, fmt.Sprintf("[%s] ", category), log.LstdFlags)
	return l
}

// currentOptionsLocked resolves options for callers already holding mu,
// falling back to the environment when Configure was never called.
func currentOptionsLocked() Options {
	optsOnce.Do(func() {
		if opts.Dir == "" {
			opts = envOptions()
		}
	})
	return opts
}

func containsCategory(cats []string, c Category) bool {
	for _, s := range cats {
		if strings.EqualFold(s, string(c)) {
			return true
		}
	}
	return false
}

func (l *Logger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

// structuredEntry is the JSON line format when Options.JSON is set.
type structuredEntry struct {
	Time     string `json:"time"`
	Level    string `json:"level"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (l *Logger) write(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	if l.json {
		entry := structuredEntry{
			Time:     time.Now().Format(time.RFC3339Nano),
			Level:    level.String(),
			Category: string(l.category),
			Message:  msg,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.out.Print(string(data))
		}
	} else {
		l.out.Printf("[%s] %s", strings.ToUpper(level.String()), msg)
	}
	l.mu.Unlock()

	if l.toStderr && level >= LevelWarn {
		fmt.Fprintf(os.Stderr, "[%s] [%s] %s\n", l.category, level, msg)
	}
}

// Debug logs at debug level (dropped unless debug is enabled for the category).
func (l *Logger) Debug(format string, args ...interface{}) { l.write(LevelDebug, format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.write(LevelInfo, format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.write(LevelWarn, format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.write(LevelError, format, args...) }

// =============================================================================
// CATEGORY CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category at info level.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Registry logs to the registry category at info level.
func Registry(format string, args ...interface{}) { Get(CategoryRegistry).Info(format, args...) }

// RegistryDebug logs to the registry category at debug level.
func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debug(format, args...) }

// RegistryWarn logs to the registry category at warn level.
func RegistryWarn(format string, args ...interface{}) { Get(CategoryRegistry).Warn(format, args...) }

// Sandbox logs to the sandbox category at info level.
func Sandbox(format string, args ...interface{}) { Get(CategorySandbox).Info(format, args...) }

// SandboxDebug logs to the sandbox category at debug level.
func SandboxDebug(format string, args ...interface{}) { Get(CategorySandbox).Debug(format, args...) }

// SandboxWarn logs to the sandbox category at warn level.
func SandboxWarn(format string, args ...interface{}) { Get(CategorySandbox).Warn(format, args...) }

// Synthesis logs to the synthesis category at info level.
func Synthesis(format string, args ...interface{}) { Get(CategorySynthesis).Info(format, args...) }

// SynthesisDebug logs to the synthesis category at debug level.
func SynthesisDebug(format string, args ...interface{}) {
	Get(CategorySynthesis).Debug(format, args...)
}

// SynthesisWarn logs to the synthesis category at warn level.
func SynthesisWarn(format string, args ...interface{}) { Get(CategorySynthesis).Warn(format, args...) }

// Planner logs to the planner category at info level.
func Planner(format string, args ...interface{}) { Get(CategoryPlanner).Info(format, args...) }

// PlannerDebug logs to the planner category at debug level.
func PlannerDebug(format string, args ...interface{}) { Get(CategoryPlanner).Debug(format, args...) }

// PlannerWarn logs to the planner category at warn level.
func PlannerWarn(format string, args ...interface{}) { Get(CategoryPlanner).Warn(format, args...) }

// Executor logs to the executor category at info level.
func Executor(format string, args ...interface{}) { Get(CategoryExecutor).Info(format, args...) }

// ExecutorDebug logs to the executor category at debug level.
func ExecutorDebug(format string, args ...interface{}) { Get(CategoryExecutor).Debug(format, args...) }

// ExecutorWarn logs to the executor category at warn level.
func ExecutorWarn(format string, args ...interface{}) { Get(CategoryExecutor).Warn(format, args...) }

// Resolver logs to the resolver category at info level.
func Resolver(format string, args ...interface{}) { Get(CategoryResolver).Info(format, args...) }

// ResolverDebug logs to the resolver category at debug level.
func ResolverDebug(format string, args ...interface{}) { Get(CategoryResolver).Debug(format, args...) }

// Perception logs to the perception category at info level.
func Perception(format string, args ...interface{}) { Get(CategoryPerception).Info(format, args...) }

// PerceptionDebug logs to the perception category at debug level.
func PerceptionDebug(format string, args ...interface{}) {
	Get(CategoryPerception).Debug(format, args...)
}

// PerceptionWarn logs to the perception category at warn level.
func PerceptionWarn(format string, args ...interface{}) {
	Get(CategoryPerception).Warn(format, args...)
}

// Embedding logs to the embedding category at info level.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs to the embedding category at debug level.
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Store logs to the store category at info level.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs to the store category at debug level.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Server logs to the server category at info level.
func Server(format string, args ...interface{}) { Get(CategoryServer).Info(format, args...) }

// ServerDebug logs to the server category at debug level.
func ServerDebug(format string, args ...interface{}) { Get(CategoryServer).Debug(format, args...) }

// ServerWarn logs to the server category at warn level.
func ServerWarn(format string, args ...interface{}) { Get(CategoryServer).Warn(format, args...) }

// Agent logs to the agent category at info level.
func Agent(format string, args ...interface{}) { Get(CategoryAgent).Info(format, args...) }

// AgentWarn logs to the agent category at warn level.
func AgentWarn(format string, args ...interface{}) { Get(CategoryAgent).Warn(format, args...) }

// Watcher logs to the watcher category at info level.
func Watcher(format string, args ...interface{}) { Get(CategoryWatcher).Info(format, args...) }

// WatcherDebug logs to the watcher category at debug level.
func WatcherDebug(format string, args ...interface{}) { Get(CategoryWatcher).Debug(format, args...) }
