package logx

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.Mutex
	lg *zap.SugaredLogger
)

// New builds a JSON production logger at level (debug, info, warn, error).
func New(level string) *zap.SugaredLogger {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return z.Sugar()
}

// Init sets the process logger.
func Init(level string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	lg = New(level)
	return lg
}

func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if lg == nil {
		lg = New("info")
	}
	return lg
}

func Sync() { _ = L().Sync() }
