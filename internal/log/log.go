package log

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored by ContextAttrs to every record
// logged with that context.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	a = append(a[:len(a):len(a)], attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// New returns a logger writing to stderr. Text format gets colored levels
// when stderr is a terminal and NO_COLOR is unset, written through a
// colorable writer so escape sequences render on windows consoles too.
func New(verbose bool, format string) *slog.Logger {
	if format != FormatText {
		return NewWriter(os.Stderr, verbose, format, false)
	}
	fd := os.Stderr.Fd()
	colors := os.Getenv("NO_COLOR") == "" && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
	return NewWriter(colorable.NewColorableStderr(), verbose, format, colors)
}

// NewWriter is New with an explicit destination. colors only applies to the
// text format.
func NewWriter(w io.Writer, verbose bool, format string, colors bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	}

	var base slog.Handler
	switch format {
	case FormatText:
		if colors {
			w = colorWriter{w: w}
		}
		base = slog.NewTextHandler(w, opts)
	default:
		base = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewContextHandler(base))
}

const reset = "\033[0m"

var levelKey = []byte(slog.LevelKey + "=")

var levelColors = []struct {
	level string
	color string
}{
	{"DEBUG", "\033[34m"},
	{"INFO", "\033[32m"},
	{"WARN", "\033[33m"},
	{"ERROR", "\033[31m"},
}

// colorWriter colors the level of each record written by a text handler.
// The handler escapes control characters in values, so it can't be done
// with ReplaceAttr.
type colorWriter struct {
	w io.Writer
}

func (c colorWriter) Write(p []byte) (int, error) {
	// level comes before msg, the first match is the level itself
	i := bytes.Index(p, levelKey)
	if i < 0 {
		return c.w.Write(p)
	}
	start := i + len(levelKey)
	end := bytes.IndexAny(p[start:], " \n")
	if end < 0 {
		end = len(p)
	} else {
		end += start
	}

	value := p[start:end]
	for _, lc := range levelColors {
		if !bytes.HasPrefix(value, []byte(lc.level)) {
			continue
		}
		out := make([]byte, 0, len(p)+len(lc.color)+len(reset))
		out = append(out, p[:start]...)
		out = append(out, lc.color...)
		out = append(out, value...)
		out = append(out, reset...)
		out = append(out, p[end:]...)
		if _, err := c.w.Write(out); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return c.w.Write(p)
}

// OrDefault returns l or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
