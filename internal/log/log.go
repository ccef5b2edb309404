package log

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options configures the process-wide logger.
type Options struct {
	Level  string
	Format string // "console" or "json"
	Writer io.Writer
}

var root atomic.Pointer[zerolog.Logger]

func init() {
	Setup(Options{Level: "info", Format: "console"})
}

// Setup replaces the process-wide logger. It may be called again after the
// configuration has been loaded.
func Setup(opt Options) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	if !strings.EqualFold(opt.Format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: opt.Writer != nil}
	}

	l := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp().Logger()
	root.Store(&l)
}

// SetLevel changes the minimum level of the current logger.
func SetLevel(l Level) {
	cur := root.Load().Level(parseLevel(string(l)))
	root.Store(&cur)
}

// Logger exposes the underlying zerolog logger for callers that need it
// (the HTTP access log, for example).
func Logger() *zerolog.Logger {
	return root.Load()
}

func Debug(msg string, kv ...any) {
	emit(root.Load().Debug(), msg, kv)
}

func Info(msg string, kv ...any) {
	emit(root.Load().Info(), msg, kv)
}

func Warn(msg string, kv ...any) {
	emit(root.Load().Warn(), msg, kv)
}

func Error(msg string, err error, kv ...any) {
	emit(root.Load().Error().Err(err), msg, kv)
}

// emit attaches kv as key/value pairs. Non-string keys are skipped and a
// trailing odd value is ignored.
func emit(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
