package logger

import (
	"bufio"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/staticserve/internal/config"
)

// LogFields carries structured context for error log entries.
type LogFields map[string]interface{}

const sinkBufferSize = 64 << 10

// flushInterval bounds how long a buffered entry can sit in a sink.
const flushInterval = time.Second

// Sink is a buffered log destination. Writes go through a bounded buffer
// (one buffer of sinkBufferSize; a full buffer blocks the writer until it
// drains to the target). Flush empties the buffer; Close flushes and, for
// file targets, closes the file.
type Sink struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer
}

// NewSink wraps w in a bounded buffer. When w is an io.Closer other than
// stdout/stderr, Close closes it.
func NewSink(w io.Writer) *Sink {
	s := &Sink{buf: bufio.NewWriterSize(w, sinkBufferSize)}
	if c, ok := w.(io.Closer); ok && w != io.Writer(os.Stdout) && w != io.Writer(os.Stderr) {
		s.closer = c
	}
	return s
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

func (s *Sink) Close() error {
	err := s.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Logger owns the two log streams: a leveled error log for diagnostics and
// a structured access log with one JSON entry per request. Both write
// through Sinks; Close flushes them before the process exits.
type Logger struct {
	err           zerolog.Logger
	acc           zerolog.Logger
	accessEnabled bool

	sinks     []*Sink
	stopFlush chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// AccessEntry is one access log record.
type AccessEntry struct {
	RequestID  string
	RemoteAddr string
	Method     string
	URI        string
	Proto      string
	Status     int
	Bytes      int64
	Duration   time.Duration
	UserAgent  string
	Referer    string
}

// New builds a Logger from the logging configuration: target selection per
// stream, level and format for the error log, quiet mode collapsing the
// level to error and dropping the access log entirely.
func New(cfg *config.Config) (*Logger, error) {
	errOut, err := openTarget(cfg.Logging.ErrorLog.Target)
	if err != nil {
		return nil, fmt.Errorf("error log: %w", err)
	}
	errSink := NewSink(errOut)

	l := &Logger{
		sinks:     []*Sink{errSink},
		stopFlush: make(chan struct{}),
	}

	level := zerolog.InfoLevel
	if parsed, perr := zerolog.ParseLevel(cfg.Logging.Level); perr == nil {
		level = parsed
	}
	if cfg.QuietMode() {
		level = zerolog.ErrorLevel
	}

	var errWriter io.Writer = errSink
	if cfg.Logging.Format == "console" {
		errWriter = zerolog.ConsoleWriter{Out: errSink, TimeFormat: "15:04:05"}
	}
	l.err = zerolog.New(errWriter).With().Timestamp().Logger().Level(level)

	if cfg.AccessLogEnabled() {
		accOut, err := openTarget(cfg.Logging.AccessLog.Target)
		if err != nil {
			errSink.Close()
			return nil, fmt.Errorf("access log: %w", err)
		}
		accSink := NewSink(accOut)
		l.sinks = append(l.sinks, accSink)
		l.acc = zerolog.New(accSink).With().Timestamp().Logger()
		l.accessEnabled = true
	}

	go l.flushLoop()
	return l, nil
}

// NewWithWriters builds a Logger writing straight to the given streams at
// debug level. Intended for tests; accessOut may be nil.
func NewWithWriters(errOut, accessOut io.Writer) *Logger {
	l := &Logger{stopFlush: make(chan struct{})}
	l.err = zerolog.New(errOut).With().Timestamp().Logger()
	if accessOut != nil {
		l.acc = zerolog.New(accessOut).With().Timestamp().Logger()
		l.accessEnabled = true
	}
	close(l.stopFlush)
	return l
}

func openTarget(target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	}
}

func (l *Logger) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, s := range l.sinks {
				s.Flush()
			}
		case <-l.stopFlush:
			return
		}
	}
}

// WithFields returns a Logger whose error stream attaches the fields to
// every entry. The derived Logger shares the parent's sinks; only the
// root Logger should be Closed.
func (l *Logger) WithFields(fields LogFields) *Logger {
	ctx := l.err.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	clone := &Logger{
		err:           ctx.Logger(),
		acc:           l.acc,
		accessEnabled: l.accessEnabled,
		sinks:         l.sinks,
		stopFlush:     l.stopFlush,
	}
	return clone
}

func (l *Logger) Debug(msg string, fields LogFields) { l.log(l.err.Debug(), msg, fields) }

func (l *Logger) Info(msg string, fields LogFields) { l.log(l.err.Info(), msg, fields) }

func (l *Logger) Warn(msg string, fields LogFields) { l.log(l.err.Warn(), msg, fields) }

func (l *Logger) Error(msg string, fields LogFields) { l.log(l.err.Error(), msg, fields) }

func (l *Logger) log(ev *zerolog.Event, msg string, fields LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Access writes one access log entry. A no-op when the access log is
// disabled.
func (l *Logger) Access(e AccessEntry) {
	if !l.accessEnabled {
		return
	}
	ev := l.acc.Log().
		Str("request_id", e.RequestID).
		Str("remote_addr", e.RemoteAddr).
		Str("method", e.Method).
		Str("uri", e.URI).
		Str("proto", e.Proto).
		Int("status", e.Status).
		Int64("bytes", e.Bytes).
		Dur("duration_ms", e.Duration)
	if e.UserAgent != "" {
		ev = ev.Str("user_agent", e.UserAgent)
	}
	if e.Referer != "" {
		ev = ev.Str("referer", e.Referer)
	}
	ev.Send()
}

// StdLogger adapts the error stream for APIs that require a *log.Logger,
// such as http.Server.ErrorLog. Entries land at warn level.
func (l *Logger) StdLogger() *stdlog.Logger {
	return stdlog.New(stdLevelWriter{l}, "", 0)
}

type stdLevelWriter struct{ l *Logger }

func (w stdLevelWriter) Write(p []byte) (int, error) {
	w.l.Warn(strings.TrimRight(string(p), "\n"), nil)
	return len(p), nil
}

// Flush drains all sink buffers.
func (l *Logger) Flush() error {
	var first error
	for _, s := range l.sinks {
		if err := s.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close stops the background flusher, flushes both streams and closes any
// file targets. Safe to call more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		select {
		case <-l.stopFlush:
		default:
			close(l.stopFlush)
		}
		for _, s := range l.sinks {
			if err := s.Close(); err != nil && l.closeErr == nil {
				l.closeErr = err
			}
		}
	})
	return l.closeErr
}
