// Package logging implements the logger used by the KBS client and the agent
// server.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// Logger is the logging interface consumed by the client packages.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures New.
type Options struct {
	// JSON selects the JSON handler instead of the text handler.
	JSON bool
	// Debug enables debug level records.
	Debug bool
	// UID tags every record with a random "uid" attribute, which makes it
	// easy to tell the logs of concurrent agent processes apart.
	UID bool
}

// New returns a slog logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if opts.Debug {
		hopts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	l := slog.New(h)
	if opts.UID {
		l = l.With("uid", uuid.NewString())
	}
	return l
}

// Discard returns a logger that drops every record.
func Discard() Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
