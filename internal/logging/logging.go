// Package logging provides categorized logging for the topos analysis
// engine, backed by zap. Each analysis subsystem logs under its own
// category so a single noisy component can be enabled in isolation.
// Logging is off by default; hosts enable it via Initialize.
package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryScanner    Category = "scanner"
	CategoryParser     Category = "parser"
	CategoryAST        Category = "ast"
	CategoryQuery      Category = "query"
	CategoryIndex      Category = "index"
	CategoryResolve    Category = "resolve"
	CategoryHoles      Category = "holes"
	CategoryTrace      Category = "trace"
	CategoryValidation Category = "validation"
	CategoryDiff       Category = "diff"
	CategoryWorkspace  Category = "workspace"
	CategoryStore      Category = "store"
)

// Options controls logger construction.
type Options struct {
	// Debug enables debug-level output for every category.
	Debug bool
	// Categories restricts output to the listed categories; empty means all.
	Categories []Category
	// Path appends JSON log lines to a file instead of stderr.
	Path string
}

var (
	mu       sync.RWMutex
	root     *zap.SugaredLogger
	enabled  map[Category]bool
	debugOn  bool
	initOnce bool
)

// Initialize builds the shared logger. Calling it again replaces the
// previous configuration; callers typically do this once at startup.
func Initialize(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sink := zapcore.Lock(os.Stderr)
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		sink = zapcore.Lock(f)
	}

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	root = zap.New(core).Sugar()
	debugOn = opts.Debug
	initOnce = true

	enabled = nil
	if len(opts.Categories) > 0 {
		enabled = make(map[Category]bool, len(opts.Categories))
		for _, c := range opts.Categories {
			enabled[c] = true
		}
	}
	return nil
}

// Disable turns all logging off. Tests use this to silence output.
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	root = nil
	initOnce = false
}

// IsDebugMode reports whether debug logging is active.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return initOnce && debugOn
}

// Logger is a category-scoped handle.
type Logger struct {
	category Category
}

// Get returns the logger for a category. It is always safe to call; when
// logging is uninitialized or the category is filtered out, the returned
// logger drops everything.
func Get(category Category) *Logger {
	return &Logger{category: category}
}

func (l *Logger) sink() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if !initOnce || root == nil {
		return nil
	}
	if enabled != nil && !enabled[l.category] {
		return nil
	}
	return root.With("category", string(l.category))
}

// Debug logs at debug level with Printf semantics.
func (l *Logger) Debug(format string, args ...interface{}) {
	if s := l.sink(); s != nil {
		s.Debugf(format, args...)
	}
}

// Info logs at info level with Printf semantics.
func (l *Logger) Info(format string, args ...interface{}) {
	if s := l.sink(); s != nil {
		s.Infof(format, args...)
	}
}

// Warn logs at warn level with Printf semantics.
func (l *Logger) Warn(format string, args ...interface{}) {
	if s := l.sink(); s != nil {
		s.Warnf(format, args...)
	}
}

// Error logs at error level with Printf semantics.
func (l *Logger) Error(format string, args ...interface{}) {
	if s := l.sink(); s != nil {
		s.Errorf(format, args...)
	}
}

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing a named operation within a category.
func StartTimer(category Category, name string) *Timer {
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s completed in %v", t.name, time.Since(t.start))
}

// Convenience wrappers in the house style: one Info and one Debug helper
// per busy category.

func Scanner(format string, args ...interface{})      { Get(CategoryScanner).Info(format, args...) }
func ScannerDebug(format string, args ...interface{}) { Get(CategoryScanner).Debug(format, args...) }
func Parser(format string, args ...interface{})       { Get(CategoryParser).Info(format, args...) }
func ParserDebug(format string, args ...interface{})  { Get(CategoryParser).Debug(format, args...) }
func Query(format string, args ...interface{})        { Get(CategoryQuery).Info(format, args...) }
func QueryDebug(format string, args ...interface{})   { Get(CategoryQuery).Debug(format, args...) }
func Resolve(format string, args ...interface{})      { Get(CategoryResolve).Info(format, args...) }
func ResolveDebug(format string, args ...interface{}) { Get(CategoryResolve).Debug(format, args...) }
func Trace(format string, args ...interface{})        { Get(CategoryTrace).Info(format, args...) }
func TraceDebug(format string, args ...interface{})   { Get(CategoryTrace).Debug(format, args...) }
func Diff(format string, args ...interface{})         { Get(CategoryDiff).Info(format, args...) }
func DiffDebug(format string, args ...interface{})    { Get(CategoryDiff).Debug(format, args...) }
func Workspace(format string, args ...interface{})    { Get(CategoryWorkspace).Info(format, args...) }
func WorkspaceDebug(format string, args ...interface{}) {
	Get(CategoryWorkspace).Debug(format, args...)
}
func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
