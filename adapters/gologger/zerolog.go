package gologger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Options struct {
	Level   string
	Format  string
	Service string
	Out     io.Writer
}

// NewZerolog builds the process logger. Unknown levels fall back to info.
func NewZerolog(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if !strings.EqualFold(strings.TrimSpace(opts.Format), FormatJSON) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp()
	if service := strings.TrimSpace(opts.Service); service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// Logger adapts zerolog to glog. Variadic args are key/value pairs.
type Logger struct {
	zl zerolog.Logger
}

func New(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func (l *Logger) Trace(msg string, args ...any) { write(l.zl.Trace(), msg, args) }
func (l *Logger) Debug(msg string, args ...any) { write(l.zl.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { write(l.zl.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { write(l.zl.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { write(l.zl.Error(), msg, args) }

// Fatal logs at fatal level without exiting; callers own process shutdown.
func (l *Logger) Fatal(msg string, args ...any) {
	write(l.zl.WithLevel(zerolog.FatalLevel), msg, args)
}

func (l *Logger) WithContext(context.Context) glog.Logger {
	return l
}

func (l *Logger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{zl: l.zl.With().Fields(fields).Logger()}
}

func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func write(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	if len(args) > 0 {
		if len(args)%2 != 0 {
			args = append(args, "(missing)")
		}
		event = event.Fields(args)
	}
	event.Msg(msg)
}

// Provider hands out child loggers tagged with their component name.
type Provider struct {
	base *Logger
}

func NewProvider(zl zerolog.Logger) *Provider {
	return &Provider{base: New(zl)}
}

func (p *Provider) GetLogger(name string) glog.Logger {
	if p == nil || p.base == nil {
		return glog.Nop()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return p.base
	}
	return &Logger{zl: p.base.zl.With().Str("logger", name).Logger()}
}

var (
	_ glog.Logger         = (*Logger)(nil)
	_ glog.FieldsLogger   = (*Logger)(nil)
	_ glog.LoggerProvider = (*Provider)(nil)
)
