package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Field struct {
	Key   string
	Value interface{}
}

var (
	mu   sync.RWMutex
	base *zap.Logger
)

func init() {
	base = New(os.Stdout, levelFromEnv())
}

func levelFromEnv() zapcore.Level {
	if os.Getenv("DEBUG") == "1" {
		return zapcore.DebugLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(os.Getenv("LOG_LEVEL")))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New builds a JSON line logger writing to w.
func New(w zapcore.WriteSyncer, level zapcore.Level) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), w, level)
	return zap.New(core)
}

// SetLogger swaps the process logger; tests use it to capture output.
func SetLogger(l *zap.Logger) func() {
	mu.Lock()
	prev := base
	base = l
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func toZap(fields []Field, err error) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if err != nil {
		out = append(out, zap.Error(err))
	}
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func Info(msg string, fields ...Field) {
	current().Info(msg, toZap(fields, nil)...)
}

func Warn(msg string, fields ...Field) {
	current().Warn(msg, toZap(fields, nil)...)
}

func Error(msg string, err error, fields ...Field) {
	current().Error(msg, toZap(fields, err)...)
}

func Debug(msg string, fields ...Field) {
	current().Debug(msg, toZap(fields, nil)...)
}

func Sync() { _ = current().Sync() }

func FieldKV(key string, value interface{}) Field { return Field{Key: key, Value: value} }
