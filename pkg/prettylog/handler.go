// Package prettylog is a colored console handler for log/slog.
// based on https://dusted.codes/creating-a-pretty-console-logger-using-gos-slog-package
package prettylog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
)

const timeFormat = "15:04:05.000"

const (
	reset = "\033[0m"

	cyan     = 36
	yellow   = 33
	darkGray = 90
	lightRed = 91
	white    = 97
)

// Options configure a handler. A nil Level means slog.LevelInfo, a nil
// Writer means os.Stderr.
type Options struct {
	Level   slog.Leveler
	Writer  io.Writer
	NoColor bool
}

type handler struct {
	opts  Options
	mu    *sync.Mutex
	attrs []slog.Attr
	group string
}

func NewHandler(level slog.Leveler) slog.Handler {
	return NewHandlerWithOptions(Options{Level: level})
}

func NewHandlerWithOptions(opts Options) slog.Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	return &handler{opts: opts, mu: new(sync.Mutex)}
}

func (h *handler) colorize(code int, v string) string {
	if h.opts.NoColor {
		return v
	}
	return "\033[" + strconv.Itoa(code) + "m" + v + reset
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, h.qualify(a))
	}
	return &h2
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.group = h.qualifyKey(name)
	return &h2
}

func (h *handler) qualifyKey(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *handler) qualify(a slog.Attr) slog.Attr {
	a.Key = h.qualifyKey(a.Key)
	return a
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch {
	case r.Level >= slog.LevelError:
		level = h.colorize(lightRed, level)
	case r.Level >= slog.LevelWarn:
		level = h.colorize(yellow, level)
	case r.Level >= slog.LevelInfo:
		level = h.colorize(cyan, level)
	default:
		level = h.colorize(darkGray, level)
	}

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.group, a)
		return true
	})

	var buf bytes.Buffer
	if !r.Time.IsZero() {
		buf.WriteString(h.colorize(darkGray, r.Time.Format(timeFormat)))
		buf.WriteByte(' ')
	}
	buf.WriteString(level)
	buf.WriteByte(' ')
	buf.WriteString(h.colorize(white, r.Message))
	if len(attrs) > 0 {
		buf.WriteByte(' ')
		buf.WriteString(h.colorize(darkGray, attributesToString(attrs)))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.opts.Writer.Write(buf.Bytes())
	return err
}

func addAttr(attrs map[string]any, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addAttr(attrs, key, ga)
		}
		return
	}
	attrs[key] = convert(a.Value.Any())
}

func attributesToString(attrs map[string]any) string {
	// json.Marshal sorts map keys
	asJSON, err := json.MarshalIndent(attrs, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("%v", attrs)
	}
	return string(asJSON)
}

// Loggable values control their own log representation.
type Loggable interface {
	ToLog() any
}

func convert(value any) any {
	switch v := value.(type) {
	case nil:
		return "nil"
	case error:
		return v.Error()
	case Loggable:
		return v.ToLog()
	case []byte:
		return fmt.Sprintf("%d bytes", len(v))
	case fmt.Stringer:
		return v.String()
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Sprintf("%v", value)
	}
	return value
}
