package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
)

type logKeyType int

const (
	ServicePrefix   = "service"
	SessionPrefix   = "session"
	TransportPrefix = "transport"
	CliPrefix       = "cli"
)

const envPrefixKey logKeyType = iota

var (
	loggerOnce sync.Once
	logger     *zap.SugaredLogger
)

func base() *zap.SugaredLogger {
	loggerOnce.Do(func() {
		if os.Getenv("VERBOSE") != "1" {
			logger = zap.NewNop().Sugar()
			return
		}
		l, err := zap.NewDevelopment(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
	return logger
}

// SetLogger replaces the backend, e.g. with zaptest loggers.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {})
	logger = l.Sugar()
}

func WithPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, envPrefixKey, prefix)
}

func PrefixFrom(ctx context.Context) string {
	if v := ctx.Value(envPrefixKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func Logf(ctx context.Context, format string, args ...any) {
	base().Debugf("[%s] "+format, append([]any{PrefixFrom(ctx)}, args...)...)
}

// Warnf is not gated by VERBOSE.
func Warnf(ctx context.Context, format string, args ...any) {
	l := base()
	if os.Getenv("VERBOSE") != "1" {
		l = fallback()
	}
	l.Warnf("[%s] "+format, append([]any{PrefixFrom(ctx)}, args...)...)
}

var (
	fallbackOnce sync.Once
	fallbackLog  *zap.SugaredLogger
)

func fallback() *zap.SugaredLogger {
	fallbackOnce.Do(func() {
		l, err := zap.NewProduction(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		fallbackLog = l.Sugar()
	})
	return fallbackLog
}

func Sync() {
	_ = base().Sync()
	if fallbackLog != nil {
		_ = fallbackLog.Sync()
	}
}
