package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.SugaredLogger
	atomicLevel  = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	once         sync.Once
	mu           sync.RWMutex
)

// Config defines logging configuration
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	Format   string // "json" or "console"
	Encoding string // alias for Format for compatibility
}

// DefaultConfig returns default logger config. Instrumentation is quiet
// unless asked otherwise, so the default level is error.
func DefaultConfig() *Config {
	return &Config{
		Level:    "error",
		Format:   "console",
		Encoding: "console",
	}
}

// InitLogger initializes Zap with the given config
func InitLogger(cfg *Config) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		initLoggerInternal(cfg)
	})
}

// ReplaceGlobal replaces the global logger with a new one
func ReplaceGlobal(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()

	// Reset once so a later InitLogger is a no-op
	once = sync.Once{}
	once.Do(func() {})
	globalLogger = nil

	initLoggerInternal(cfg)
}

// ParseLevel maps a level name onto a zap level. ok is false for names
// outside debug, info, warn and error.
func ParseLevel(level string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	}
	return zapcore.ErrorLevel, false
}

// SetLevel updates the logger level in place. Unknown level names are
// ignored and reported as false.
func SetLevel(level string) bool {
	lvl, ok := ParseLevel(level)
	if !ok {
		return false
	}
	ensureInitialized()
	atomicLevel.SetLevel(lvl)
	return true
}

// Level returns the active level.
func Level() zapcore.Level {
	return atomicLevel.Level()
}

// initLoggerInternal is the internal initialization logic
func initLoggerInternal(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Handle encoding alias
	if cfg.Encoding != "" && cfg.Format == "" {
		cfg.Format = cfg.Encoding
	} else if cfg.Format == "" {
		cfg.Format = "console"
	}

	if lvl, ok := ParseLevel(cfg.Level); ok {
		atomicLevel.SetLevel(lvl)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"
	encoderCfg.MessageKey = "msg"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(os.Stdout),
		atomicLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	globalLogger = logger.Sugar()
}

// GetLogger returns the global logger instance
func GetLogger() *zap.SugaredLogger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Sync flushes any buffered log entries
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

// ensureInitialized prevents nil pointer usage
func ensureInitialized() {
	mu.RLock()
	ready := globalLogger != nil
	mu.RUnlock()
	if !ready {
		InitLogger(DefaultConfig())
	}
}

func current() *zap.SugaredLogger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Debug logs debug level messages
func Debug(msg string, args ...interface{}) {
	current().Debugf(msg, args...)
}

// Debugf logs debug level messages with formatting
func Debugf(msg string, args ...interface{}) {
	current().Debugf(msg, args...)
}

// Info logs info level messages
func Info(msg string, args ...interface{}) {
	current().Infof(msg, args...)
}

// Infof logs info level messages with formatting
func Infof(msg string, args ...interface{}) {
	current().Infof(msg, args...)
}

// Warn logs warning level messages
func Warn(msg string, args ...interface{}) {
	current().Warnf(msg, args...)
}

// Warnf logs warning level messages with formatting
func Warnf(msg string, args ...interface{}) {
	current().Warnf(msg, args...)
}

// Error logs error level messages
func Error(msg string, args ...interface{}) {
	current().Errorf(msg, args...)
}

// Errorf logs error level messages with formatting
func Errorf(msg string, args ...interface{}) {
	current().Errorf(msg, args...)
}

// Fatalf logs fatal level messages with formatting and exits
func Fatalf(msg string, args ...interface{}) {
	current().Fatalf(msg, args...)
}
