package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects the sinks and level of a Service.
type Config struct {
	Level   string
	Console bool
	JSON    bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "./taskd.log"
	callerSkipFrame = 2
)

var levels = map[string]zerolog.Level{
	"TRACE":   zerolog.TraceLevel,
	"DEBUG":   zerolog.DebugLevel,
	"INFO":    zerolog.InfoLevel,
	"WARN":    zerolog.WarnLevel,
	"WARNING": zerolog.WarnLevel,
	"ERROR":   zerolog.ErrorLevel,
}

var setGlobals sync.Once

func initGlobals() {
	setGlobals.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

func parseLevel(s string) zerolog.Level {
	if l, ok := levels[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// ValidLevel reports whether s names a known level (empty means info).
func ValidLevel(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	_, ok := levels[s]
	return ok || s == ""
}

// Logger is a value-type structured logger. The zero value discards everything.
// Loggers derived from a Service follow its later Apply calls.
type Logger struct {
	svc    *Service
	zl     *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// NewWriter returns a JSON logger on w, detached from any Service.
func NewWriter(w io.Writer, level string) Logger {
	initGlobals()
	zl := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	return Logger{zl: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.zl == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(callerSkipFrame, zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(callerSkipFrame, zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(callerSkipFrame, zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(callerSkipFrame, zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(callerSkipFrame, zerolog.ErrorLevel, msg, fields) }

func (l Logger) sink() *zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.root.Load()
	case l.zl != nil:
		return l.zl
	}
	return nil
}

// emit writes one event; skip is the runtime.Caller depth of the user call site.
func (l Logger) emit(skip int, level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(skip); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range l.fields {
		if set != nil {
			set(e)
		}
	}
	for _, set := range fields {
		if set != nil {
			set(e)
		}
	}
	e.Msg(msg)
}

// Service owns the process-wide sinks. Apply swaps them without
// invalidating Loggers handed out earlier.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns its root Logger.
func New(cfg Config) (*Service, Logger) {
	initGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// Apply rebuilds sinks and level. A log file that cannot be opened is
// reported on the new logger and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var (
		sinks   []io.Writer
		openErr error
		path    string
	)
	if cfg.Console {
		if cfg.JSON {
			sinks = append(sinks, os.Stdout)
		} else {
			sinks = append(sinks, console(os.Stdout))
		}
	}
	if cfg.File.Enabled {
		if path = strings.TrimSpace(cfg.File.Path); path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = err
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, console(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	s.root.Store(&zl)
	if openErr != nil {
		zl.Error().Err(openErr).Str("path", path).Msg("log file unavailable; file sink disabled")
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
