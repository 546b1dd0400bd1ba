package logging

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
	mu    sync.RWMutex
)

// Logger is the structured logging surface used across the engine. Keep it
// small: key/value events only.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (n noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Fatalw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Sync() error                                     { return nil }

// current starts as a no-op so packages can log before Init runs.
var current Logger = noopLogger{}

// ParseLevel maps a LOG_LEVEL value onto a zap level. Unknown values map to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init builds the process logger from LOG_LEVEL and redirects the standard
// library logger into zap. Safe to call more than once.
func Init() *zap.SugaredLogger {
	return InitLevel(os.Getenv("LOG_LEVEL"))
}

// InitLevel is Init with an explicit level string.
func InitLevel(level string) *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger, _ = zap.NewProduction()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		mu.Lock()
		current = sugar
		mu.Unlock()
	})
	return sugar
}

// Sugar returns the sugared logger built by Init, or nil.
func Sugar() *zap.SugaredLogger { return sugar }

// SetLogger replaces the package logger. nil restores the Init logger (or
// the no-op logger when Init was never called). Intended for tests.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		current = l
		return
	}
	if sugar != nil {
		current = sugar
	} else {
		current = noopLogger{}
	}
}

// GetLogger returns the active Logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Infow(msg string, keysAndValues ...interface{})  { GetLogger().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { GetLogger().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { GetLogger().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { GetLogger().Errorw(msg, keysAndValues...) }

// FatalExitf logs at fatal level and exits with code 1. Swap the logger via
// SetLogger in tests; the exit still happens.
func FatalExitf(msg string, keysAndValues ...interface{}) {
	GetLogger().Fatalw(msg, keysAndValues...)
	os.Exit(1)
}

// Sync flushes buffered entries.
func Sync() error { return GetLogger().Sync() }

type ctxKeyType struct{}

// WithFields returns a context carrying kv, appended after any fields the
// context already holds.
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns the fields attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(ctxKeyType{}).([]interface{})
	return v
}

func merge(ctx context.Context, kv []interface{}) []interface{} {
	ctxFields := FromContext(ctx)
	if len(ctxFields) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(ctxFields)+len(kv))
	out = append(out, ctxFields...)
	return append(out, kv...)
}

// InfowCtx logs at info level with the context fields prepended.
func InfowCtx(ctx context.Context, msg string, kv ...interface{}) {
	GetLogger().Infow(msg, merge(ctx, kv)...)
}

// DebugwCtx logs at debug level with the context fields prepended.
func DebugwCtx(ctx context.Context, msg string, kv ...interface{}) {
	GetLogger().Debugw(msg, merge(ctx, kv)...)
}

// WarnwCtx logs at warn level with the context fields prepended.
func WarnwCtx(ctx context.Context, msg string, kv ...interface{}) {
	GetLogger().Warnw(msg, merge(ctx, kv)...)
}

// ErrorwCtx logs at error level with the context fields prepended.
func ErrorwCtx(ctx context.Context, msg string, kv ...interface{}) {
	GetLogger().Errorw(msg, merge(ctx, kv)...)
}

// Canonical dot-separated keys keep queries uniform downstream.

func UserFields(userID, userName string) []interface{} {
	if userName == "" {
		return []interface{}{"user.id", userID}
	}
	return []interface{}{"user.id", userID, "user.name", userName}
}

func GuildFields(guildID string) []interface{} {
	return []interface{}{"guild.id", guildID}
}

func ChannelFields(channelID, channelName string) []interface{} {
	if channelName == "" {
		return []interface{}{"channel.id", channelID}
	}
	return []interface{}{"channel.id", channelID, "channel.name", channelName}
}

// ParticipantFields describes a subscribed participant: the identifier the
// caller asked for and the wire identity it resolved to.
func ParticipantFields(requested, resolved string) []interface{} {
	if resolved == "" || resolved == requested {
		return []interface{}{"participant.id", requested}
	}
	return []interface{}{"participant.id", requested, "participant.identity", resolved}
}

// TargetFields identifies a voice session.
func TargetFields(accountID, guildID, channelID string) []interface{} {
	return []interface{}{"account.id", accountID, "guild.id", guildID, "channel.id", channelID}
}

// BufferFields reports buffered audio for a participant.
func BufferFields(samples, sampleRate int) []interface{} {
	durMs := 0
	if sampleRate > 0 {
		durMs = samples * 1000 / sampleRate
	}
	return []interface{}{"samples", samples, "duration_ms", durMs}
}

// Sampler lets a caller log a repeating condition at most once per interval
// per key.
type Sampler struct {
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewSampler returns a Sampler with the given interval.
func NewSampler(interval time.Duration) *Sampler {
	return &Sampler{Interval: interval, last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether a line for key may be emitted now.
func (s *Sampler) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[string]time.Time)
	}
	if s.now == nil {
		s.now = time.Now
	}
	t := s.now()
	if prev, ok := s.last[key]; ok && t.Sub(prev) < s.Interval {
		return false
	}
	s.last[key] = t
	return true
}
