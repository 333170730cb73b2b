package obs

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the logger encoding and level.
type LogConfig struct {
	// Env is "prod" for JSON output; anything else gives a console encoder.
	Env     string
	Level   string
	Service string
	Version string
}

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// InitLogger builds the shared logger. Later calls replace it.
func InitLogger(cfg LogConfig) *zap.Logger {
	l := buildLogger(cfg)
	SetLogger(l)
	return l
}

// SetLogger swaps the shared logger; tests use it to observe output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// L returns the shared structured logger used across the service.
func L() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	return InitLogger(LogConfig{Env: "dev", Level: "info"})
}

type loggerKey struct{}

// ToContext attaches a request-scoped logger.
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// From returns the request-scoped logger, falling back to L().
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}

func buildLogger(cfg LogConfig) *zap.Logger {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(cfg.Env, "prod") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build()
	if err != nil {
		l = zap.NewExample()
	}
	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		l = l.With(zap.String("version", cfg.Version))
	}
	return l
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
