package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger writes one JSON object per line:
// timestamp, level, service, action, message, hostname, request_id and error.
type Logger struct {
	service string
	h       *slog.Logger
}

var level = new(slog.LevelVar)

func New(service string) *Logger { return NewWithWriter(service, os.Stdout) }

func NewWithWriter(service string, w io.Writer) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	})
	return &Logger{
		service: service,
		h:       slog.New(h).With("service", service, "hostname", hostname()),
	}
}

// SetLevel switches the minimum level of every logger: debug, info, warn or error.
func SetLevel(s string) {
	switch strings.ToLower(s) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// With returns a logger for a sub-component of the same service.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{service: l.service, h: l.h.With(attrs(fields)...)}
}

func (l *Logger) log(lvl slog.Level, action string, fields map[string]any, err error) {
	ctx := context.Background()
	if !l.h.Enabled(ctx, lvl) {
		return
	}
	args := append([]any{"action", action, "request_id", requestID(fields)}, attrs(fields)...)
	if err != nil {
		args = append(args, slog.Group("error", "msg", err.Error(), "stack", fmt.Sprintf("%T", err)))
	}
	l.h.Log(ctx, lvl, action, args...)
}

func (l *Logger) Info(action string, fields map[string]any)  { l.log(slog.LevelInfo, action, fields, nil) }
func (l *Logger) Debug(action string, fields map[string]any) { l.log(slog.LevelDebug, action, fields, nil) }
func (l *Logger) Warn(action string, fields map[string]any)  { l.log(slog.LevelWarn, action, fields, nil) }
func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.log(slog.LevelError, action, fields, err)
}

func attrs(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		if k == "request_id" {
			continue
		}
		out = append(out, k, v)
	}
	return out
}

func requestID(fields map[string]any) string {
	if v, ok := fields["request_id"].(string); ok {
		return v
	}
	return ""
}

func hostname() string { h, _ := os.Hostname(); return h }
