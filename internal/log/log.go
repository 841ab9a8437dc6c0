package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/dataspecer/dsgit/internal/env"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelErr   Level = "error"
)

type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

type contextKey string

const loggerContextKey contextKey = "dsgit-logger-context"

var Levels = []string{string(LevelDebug), string(LevelInfo), string(LevelWarn), string(LevelErr)}

var levelOrder = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelErr:   3,
}

type Logger struct {
	level  Level
	format Format
	fields []zapcore.Field
	writer io.Writer
	z      *zap.Logger
}

// With returns a new context with the given logger added to the context.
func With(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, l)
}

// From returns the logger associated with the given context.
func From(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey).(Logger); ok {
		return l
	}
	return New()
}

func New() Logger {
	format := FormatJSON
	if env.IsLocalDev() {
		format = FormatConsole
	}

	l := Logger{
		level:  LevelInfo,
		format: format,
		writer: os.Stderr,
	}
	l.z = l.build()
	return l
}

// ParseLevel validates a level name coming from a flag or config file.
func ParseLevel(s string) (Level, error) {
	if !slices.Contains(Levels, s) {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return Level(s), nil
}

/**
 * Builders
 */

func (l Logger) WithLevel(level Level) Logger {
	l2 := l.Copy()
	l2.level = level
	return l2
}

func (l Logger) WithFormat(format Format) Logger {
	l2 := l.Copy()
	l2.format = format
	l2.z = l2.build()
	return l2
}

func (l Logger) WithWriter(w io.Writer) Logger {
	l2 := l.Copy()
	l2.writer = w
	l2.z = l2.build()
	return l2
}

func (l Logger) With(fields ...zapcore.Field) Logger {
	l2 := l.Copy()
	l2.fields = append(slices.Clip(l.fields), fields...)
	return l2
}

func (l Logger) Copy() Logger {
	return Logger{
		level:  l.level,
		format: l.format,
		fields: l.fields,
		writer: l.writer,
		z:      l.z,
	}
}

func (l Logger) Level() Level {
	return l.level
}

/**
 * Logging methods
 */

func (l Logger) Debug(msg string, fields ...zapcore.Field) {
	l.log(LevelDebug, msg, fields)
}

func (l Logger) Debugf(format string, a ...any) {
	l.Debug(fmt.Sprintf(format, a...))
}

func (l Logger) Info(msg string, fields ...zapcore.Field) {
	l.log(LevelInfo, msg, fields)
}

func (l Logger) Infof(format string, a ...any) {
	l.Info(fmt.Sprintf(format, a...))
}

func (l Logger) Warn(msg string, fields ...zapcore.Field) {
	l.log(LevelWarn, msg, fields)
}

func (l Logger) Warnf(format string, a ...any) {
	l.Warn(fmt.Sprintf(format, a...))
}

func (l Logger) Error(msg string, fields ...zapcore.Field) {
	l.log(LevelErr, msg, fields)
}

func (l Logger) Errorf(format string, a ...any) {
	l.Error(fmt.Sprintf(format, a...))
}

// Println writes s verbatim, used for command output rather than diagnostics.
func (l Logger) Println(s string) {
	fmt.Fprintln(l.writer, s)
}

func (l Logger) Printf(format string, a ...any) {
	l.Println(fmt.Sprintf(format, a...))
}

func (l Logger) log(level Level, msg string, fields []zapcore.Field) {
	if !l.enabled(level) {
		return
	}

	fields = append(slices.Clip(l.fields), fields...)
	msg, fields = getMessage(msg, fields)

	z := l.z
	if z == nil {
		z = l.build()
	}

	switch level {
	case LevelDebug:
		z.Debug(msg, fields...)
	case LevelInfo:
		z.Info(msg, fields...)
	case LevelWarn:
		z.Warn(msg, fields...)
	default:
		z.Error(msg, fields...)
	}
}

func (l Logger) enabled(level Level) bool {
	current, ok := levelOrder[l.level]
	if !ok {
		current = levelOrder[LevelInfo]
	}
	return levelOrder[level] >= current
}

func (l Logger) build() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if l.format == FormatConsole {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	w := l.writer
	if w == nil {
		w = os.Stderr
	}

	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), zapcore.DebugLevel))
}

/**
 * Utilities
 */

// getMessage promotes a lone error field to the message when msg is empty.
func getMessage(msg string, fields []zapcore.Field) (string, []zapcore.Field) {
	fields, err := findError(fields)
	if err != nil {
		if msg == "" {
			msg = err.Error()
		} else {
			fields = append(fields, zap.Error(err))
		}
	}

	return msg, fields
}

func findError(fields []zapcore.Field) ([]zapcore.Field, error) {
	var err error
	filteredFields := []zapcore.Field{}
	for _, field := range fields {
		if field.Type == zapcore.ErrorType {
			if foundErr, ok := field.Interface.(error); ok {
				err = foundErr
				continue
			}
		}
		filteredFields = append(filteredFields, field)
	}

	return filteredFields, err
}
