package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	Logger *zap.Logger
}

var (
	ProductionMode  = "production"
	DevelopmentMode = "development"
)

// Options controls how New builds the underlying zap logger.
type Options struct {
	Mode    string
	Level   string
	Service string
}

func New(mode string) *Logger {
	return NewWithOptions(Options{Mode: mode})
}

// NewWithOptions builds a logger whose entries share the fixed envelope
// (timestamp, level, service, message) and pass through the redacting core.
func NewWithOptions(opts Options) *Logger {
	var config zap.Config
	if opts.Mode == ProductionMode {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.LevelKey = "level"
	if lvl, err := zapcore.ParseLevel(strings.TrimSpace(opts.Level)); err == nil && opts.Level != "" {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	if opts.Service != "" {
		config.InitialFields = map[string]interface{}{"service": opts.Service}
	}
	zapLogger, err := config.Build(zap.AddCallerSkip(1), zap.WrapCore(NewRedactingCore))
	if err != nil {
		panic(err)
	}
	return &Logger{Logger: zapLogger}
}

// FromZap wraps an existing zap logger, mostly for tests using zaptest/observer.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{Logger: z}
}

func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

type ctxKey string

var RequestIdKey ctxKey = "request_id"
var UserIdKey ctxKey = "user_id"
var SessionIdKey ctxKey = "session_id"
var ActionKey ctxKey = "action"

var contextKeys = []ctxKey{RequestIdKey, UserIdKey, SessionIdKey, ActionKey}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIdKey, sessionID)
}

func WithAction(ctx context.Context, action string) context.Context {
	return context.WithValue(ctx, ActionKey, action)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIdKey, userID)
}

// WithContext returns a zap logger carrying the request scoped envelope fields.
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	if l == nil || l.Logger == nil {
		return zap.NewNop()
	}
	var fields []zap.Field
	if ctx != nil {
		for _, key := range contextKeys {
			if value, ok := ctx.Value(key).(string); ok && value != "" {
				fields = append(fields, zap.String(string(key), value))
			}
		}
	}
	return l.Logger.With(fields...)
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	if l == nil || l.Logger == nil {
		return NewNop()
	}
	return &Logger{Logger: l.Logger.With(zap.String("component", component))}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).Debug(msg, fields...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).Info(msg, fields...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).Warn(msg, fields...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).Error(msg, fields...)
}

func (l *Logger) Infof(template string, args ...interface{}) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Sugar().Infof(template, args...)
}

func (l *Logger) Warnf(template string, args ...interface{}) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Sugar().Warnf(template, args...)
}

func (l *Logger) Errorf(template string, args ...interface{}) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Sugar().Errorf(template, args...)
}

func (l *Logger) Sync() error {
	if l == nil || l.Logger == nil {
		return nil
	}
	return l.Logger.Sync()
}

// Context nests free-form details under the "context" envelope key.
func Context(values map[string]interface{}) zap.Field {
	return zap.Any("context", values)
}

// Metrics nests measurements under the "metrics" envelope key.
func Metrics(values map[string]interface{}) zap.Field {
	return zap.Any("metrics", values)
}
