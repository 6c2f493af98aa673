// Package logger wraps a process wide zap logger writing JSON lines,
// with optional file rotation.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultLevel the default log level
	DefaultLevel = zapcore.InfoLevel

	// DefaultTimeLayout the default time layout;
	DefaultTimeLayout = time.RFC3339
)

// the process wide logger, silent until NewJSONLogger installs one.
var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Option custom setup config
type Option func(*option)

type option struct {
	level          zapcore.Level
	fields         map[string]string
	file           io.Writer
	console        io.Writer
	timeLayout     string
	disableConsole bool
}

func WithDebugLevel() Option {
	return func(opt *option) {
		opt.level = zapcore.DebugLevel
	}
}

func WithInfoLevel() Option {
	return func(opt *option) {
		opt.level = zapcore.InfoLevel
	}
}

func WithWarnLevel() Option {
	return func(opt *option) {
		opt.level = zapcore.WarnLevel
	}
}

func WithErrorLevel() Option {
	return func(opt *option) {
		opt.level = zapcore.ErrorLevel
	}
}

// LevelOption returns the level option named debug, info, warn or error.
func LevelOption(name string) (Option, error) {
	switch strings.ToLower(name) {
	case "debug":
		return WithDebugLevel(), nil
	case "info", "":
		return WithInfoLevel(), nil
	case "warn":
		return WithWarnLevel(), nil
	case "error":
		return WithErrorLevel(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", name)
	}
}

// WithField add some customize fields to logger
func WithField(key, value string) Option {
	return func(opt *option) {
		opt.fields[key] = value
	}
}

func WithTimeLayout(timeLayout string) Option {
	return func(opt *option) {
		opt.timeLayout = timeLayout
	}
}

func WithDisableConsole() Option {
	return func(opt *option) {
		opt.disableConsole = true
	}
}

// WithConsole sets the console writer, stderr by default.
// Stdout is left to the program output.
func WithConsole(w io.Writer) Option {
	return func(opt *option) {
		opt.console = w
	}
}

// WithFileRotation write log with rotation
func WithFileRotation(file string) Option {
	return func(opt *option) {
		opt.file = &lumberjack.Logger{ // concurrent-safed
			Filename:   file,
			MaxSize:    128, // megabytes
			MaxBackups: 300,
			MaxAge:     30, // days
			LocalTime:  true,
			Compress:   true,
		}
	}
}

// NewJSONLogger return a json-encoder zap logger and installs it as the process wide logger.
func NewJSONLogger(opts ...Option) (*zap.Logger, error) {
	opt := &option{level: DefaultLevel, fields: make(map[string]string), console: os.Stderr}
	for _, f := range opts {
		f(opt)
	}

	timeLayout := DefaultTimeLayout
	if opt.timeLayout != "" {
		timeLayout = opt.timeLayout
	}

	// similar to zap.NewProductionEncoderConfig()
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:       "time",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format(timeLayout))
		},
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	enabled := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= opt.level
	})

	var cores []zapcore.Core
	if !opt.disableConsole {
		// lock for concurrent safe
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.Lock(zapcore.AddSync(opt.console)), enabled))
	}
	if opt.file != nil {
		if lj, ok := opt.file.(*lumberjack.Logger); ok {
			if err := os.MkdirAll(filepath.Dir(lj.Filename), 0o755); err != nil {
				return nil, err
			}
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(opt.file), enabled))
	}

	log := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	)

	for key, value := range opt.fields {
		log = log.With(zap.String(key, value))
	}

	logger.Store(log)
	return log, nil
}

var _ Meta = (*meta)(nil)

// Meta key-value
type Meta interface {
	Key() string
	Value() interface{}
}

type meta struct {
	key   string
	value interface{}
}

func (m *meta) Key() string {
	return m.key
}

func (m *meta) Value() interface{} {
	return m.value
}

func NewMeta(key string, value interface{}) Meta {
	return &meta{key: key, value: value}
}

// WrapMeta wrap metas as zap fields
func WrapMeta(err error, metas ...Meta) (fields []zap.Field) {
	capacity := len(metas) + 1 // namespace meta
	if err != nil {
		capacity++
	}

	fields = make([]zap.Field, 0, capacity)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	fields = append(fields, zap.Namespace("meta"))
	for _, meta := range metas {
		fields = append(fields, zap.Any(meta.Key(), meta.Value()))
	}

	return
}

func Info(msg string, fields ...zap.Field) {
	logger.Load().Info(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	logger.Load().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger.Load().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger.Load().Error(msg, fields...)
}

// Sync calls the underlying Core's Sync method, flushing any buffered log
// entries. Applications should take care to call Sync before exiting.
func Sync() {
	_ = logger.Load().Sync()
}

// Reset installs a logger that discards everything.
func Reset() {
	logger.Store(zap.NewNop())
}
