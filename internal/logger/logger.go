package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	s *zap.SugaredLogger
}

type HandlerOptions struct {
	Level zapcore.Level
}

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log   = New(NewJSONHandler(os.Stdout, nil))
)

func Init() {
	log = New(zapcore.NewCore(encoder(), zapcore.Lock(os.Stdout), level))
}

// SetLevel changes the level of the logger created by Init.
func SetLevel(l string) {
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(l)); err != nil {
		return
	}
	level.SetLevel(parsed)
}

func NewJSONHandler(w io.Writer, opts *HandlerOptions) zapcore.Core {
	lvl := zapcore.InfoLevel
	if opts != nil {
		lvl = opts.Level
	}
	return zapcore.NewCore(encoder(), zapcore.AddSync(w), lvl)
}

func New(core zapcore.Core) *Logger {
	return &Logger{s: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()}
}

// SetDefault replaces the package logger and returns the one it replaced.
func SetDefault(l *Logger) *Logger {
	prev := log
	log = l
	return prev
}

func encoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func (l *Logger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

func (l *Logger) WithError(err error) *Logger {
	return &Logger{s: l.s.With("error", err)}
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &Logger{s: l.s.With(kv...)}
}

func Info(msg string, kv ...interface{}) {
	log.s.Infow(msg, kv...)
}

func Infof(format string, v ...interface{}) {
	log.s.Infof(format, v...)
}

func Warn(msg string, kv ...interface{}) {
	log.s.Warnw(msg, kv...)
}

func Warnf(format string, v ...interface{}) {
	log.s.Warnf(format, v...)
}

func Error(msg string, kv ...interface{}) {
	log.s.Errorw(msg, kv...)
}

func Errorf(format string, v ...interface{}) {
	log.s.Errorf(format, v...)
}

func Debug(msg string, kv ...interface{}) {
	log.s.Debugw(msg, kv...)
}

func Debugf(format string, v ...interface{}) {
	log.s.Debugf(format, v...)
}

func Fatalf(format string, v ...interface{}) {
	log.s.Fatalf(format, v...)
}

func WithError(err error) *Logger {
	return log.WithError(err)
}

func WithFields(fields map[string]interface{}) *Logger {
	return log.WithFields(fields)
}

func Sync() {
	_ = log.s.Sync()
}
