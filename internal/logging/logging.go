// Package logging builds the process-wide structured logger. It mirrors the
// construction shown in the jump-blueprint and eSIaaS examples: a level
// string selects a zap development or production config, wrapped in a thin
// type so the rest of the module doesn't import zap directly everywhere.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.Logger. Plain-text lines (spec §6) are produced by the
// console encoder selected in New when pretty is true; JSON otherwise.
type Logger struct {
	base *zap.Logger
}

// New builds a Logger at the given level ("debug"|"info"|"warn"|"error").
// pretty selects a human-readable console encoder (used for the plain-text
// startup/event lines spec §6 requires on stdout); false selects JSON.
func New(level string, pretty bool) *Logger {
	var cfg zap.Config
	if pretty {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.TimeKey = "" // spec §6: plain lines, no structured timestamp noise
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stdout"}
	if lvl := parseLevel(level); lvl != nil {
		cfg.Level = zap.NewAtomicLevelAt(*lvl)
	}
	base, err := cfg.Build(zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		panic(err)
	}
	return &Logger{base: base}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() *Logger { return &Logger{base: zap.NewNop()} }

func parseLevel(lvl string) *zapcore.Level {
	switch lvl {
	case "debug":
		l := zapcore.DebugLevel
		return &l
	case "info":
		l := zapcore.InfoLevel
		return &l
	case "warn":
		l := zapcore.WarnLevel
		return &l
	case "error":
		l := zapcore.ErrorLevel
		return &l
	default:
		return nil
	}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }

// Fatal logs at fatal severity and terminates the process (zap.Logger.Fatal
// calls os.Exit(1) internally). Reserved for the invariant-violation path of
// spec §7 — callers that need a specific exit code should log at Error and
// exit explicitly instead (see cmd/quadlb).
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.base.Fatal(msg, fields...) }

func (l *Logger) Sync() error { return l.base.Sync() }

// Field constructors re-exported so callers don't need a direct zap import.
func String(key, val string) zap.Field   { return zap.String(key, val) }
func Int(key string, val int) zap.Field  { return zap.Int(key, val) }
func Error(err error) zap.Field          { return zap.Error(err) }
func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }
