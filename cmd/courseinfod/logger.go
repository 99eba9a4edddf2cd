package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts a zap.SugaredLogger to the courseinfo.Logger interface.
// The level is atomic so the config watcher can change it at runtime.
type zapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

func newZapLogger(level string) (*zapLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	atomic := zap.NewAtomicLevelAt(lvl)
	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: logger.Sugar(), level: atomic}, nil
}

// SetLevel changes the logging level; unknown names are ignored.
func (l *zapLogger) SetLevel(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		l.Warn("Ignoring unknown log level", "level", level)
		return
	}
	l.level.SetLevel(lvl)
}

func (l *zapLogger) Sync() { _ = l.sugar.Sync() }

func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
