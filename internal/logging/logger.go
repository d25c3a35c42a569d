// Package logging builds the fanout slog.Logger: colorized console output
// plus a JSON-lines file under the data directory, plus a handler that
// republishes warning-and-above records onto the event bus so an external
// consumer watching the global subscription sees operational problems
// alongside download progress.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lkaranl/keeper/internal/events"
)

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	gray   = "\033[37m"
)

// ConsoleHandler writes a short colorized line per record.
type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	color := reset
	switch r.Level {
	case slog.LevelDebug:
		color = gray
	case slog.LevelInfo:
		color = green
	case slog.LevelWarn:
		color = yellow
	case slog.LevelError:
		color = red
	}

	msg := fmt.Sprintf("%s%s%s [%s] %s\n", color, r.Level.String()[:4], reset, r.Time.Format(time.TimeOnly), r.Message)
	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *ConsoleHandler) WithGroup(string) slog.Handler      { return h }

// EventBusHandler republishes slog records at Warn level or above as
// global bus events, so a control-server client observing the global
// subscription sees operational problems without polling logs.
type EventBusHandler struct {
	bus *events.Bus
}

func NewEventBusHandler(bus *events.Bus) *EventBusHandler {
	return &EventBusHandler{bus: bus}
}

func (h *EventBusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *EventBusHandler) Handle(_ context.Context, r slog.Record) error {
	if h.bus == nil {
		return nil
	}
	reason := r.Message
	r.Attrs(func(a slog.Attr) bool {
		reason += " " + a.String()
		return true
	})
	h.bus.Publish("", events.Event{Kind: events.KindError, Reason: reason})
	return nil
}

func (h *EventBusHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *EventBusHandler) WithGroup(string) slog.Handler      { return h }

// FanoutHandler dispatches every record to each wrapped handler.
type FanoutHandler struct {
	handlers []slog.Handler
}

func NewFanoutHandler(handlers ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{handlers: handlers}
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			_ = handler.Handle(ctx, r)
		}
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: out}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: out}
}

// RotatingFile is an io.Writer that writes into a day-suffixed file,
// reopening a fresh one the first time a write lands after the calendar
// day (per clock, UTC) has advanced since the last write. clock defaults
// to time.Now when nil; tests inject a fake clock to cross a day boundary
// without waiting on the real one.
type RotatingFile struct {
	mu         sync.Mutex
	pathForDay func(time.Time) string
	clock      func() time.Time
	current    *os.File
	day        string
}

// NewRotatingFile builds a RotatingFile whose path for a given day is
// produced by pathForDay (see pathstore.Store.LogPathForDate).
func NewRotatingFile(pathForDay func(time.Time) string, clock func() time.Time) *RotatingFile {
	if clock == nil {
		clock = time.Now
	}
	return &RotatingFile{pathForDay: pathForDay, clock: clock}
}

// Open eagerly opens today's file, surfacing a permission or path error at
// startup instead of on the first log line.
func (r *RotatingFile) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.clock().UTC().Format("2006-01-02") != r.day {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return r.current.Write(p)
}

func (r *RotatingFile) rotateLocked() error {
	now := r.clock()
	f, err := os.OpenFile(r.pathForDay(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if r.current != nil {
		r.current.Close()
	}
	r.current = f
	r.day = now.UTC().Format("2006-01-02")
	return nil
}

// Close closes the currently open underlying file, if any.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.Close()
}

// New builds the fanout logger: JSON lines to logFile, colorized lines to
// consoleOutput, and warnings republished onto bus (bus may be nil, in
// which case the bus handler is a silent no-op).
func New(consoleOutput io.Writer, logFile io.Writer, bus *events.Bus) *slog.Logger {
	handler := NewFanoutHandler(
		slog.NewJSONHandler(logFile, nil),
		NewConsoleHandler(consoleOutput),
		NewEventBusHandler(bus),
	)
	return slog.New(handler)
}
