// Package handler adapts log/slog to a logging.Processor.
package handler

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/Chichichkin/logexport/internal/logging"
)

// Extra slog levels mapped onto the agent's own severities.
const (
	LevelTrace    = slog.Level(-8)
	LevelNotice   = slog.Level(2)
	LevelCritical = slog.Level(12)
)

// MetadataProvider returns request scoped metadata, e.g. trace ids.
type MetadataProvider func(ctx context.Context) logging.Metadata

type Options struct {
	// Label is copied into every record.
	Label string
	// Level is the minimum enabled level. Nil means slog.LevelInfo.
	Level            slog.Leveler
	Metadata         logging.Metadata
	MetadataProvider MetadataProvider
	AddSource        bool
}

type Handler struct {
	processor logging.Processor
	opts      Options
	attrs     logging.Metadata
	prefix    string
}

var _ slog.Handler = (*Handler)(nil)

func New(processor logging.Processor, opts Options) *Handler {
	return &Handler{
		processor: processor,
		opts:      opts,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle converts r into a Record and emits it. Metadata is layered as
// handler metadata, then provider metadata, then WithAttrs, then record attrs;
// later layers win on key conflicts.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	timestamp := r.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	metadata := h.opts.Metadata
	if h.opts.MetadataProvider != nil {
		metadata = metadata.Merge(h.opts.MetadataProvider(ctx))
	}
	metadata = metadata.Merge(h.attrs)

	var recordAttrs logging.Metadata
	r.Attrs(func(a slog.Attr) bool {
		recordAttrs = appendAttr(recordAttrs, h.prefix, a)
		return true
	})
	metadata = metadata.Merge(recordAttrs)

	record := logging.Record{
		Level:     Level(r.Level),
		Body:      r.Message,
		Metadata:  metadata,
		Timestamp: timestamp,
		Label:     h.opts.Label,
	}

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		record.File = frame.File
		record.Line = frame.Line
		record.Function = frame.Function
		record.Source = packagePath(frame.Function)
	}

	h.processor.OnEmit(record)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	var added logging.Metadata
	for _, a := range attrs {
		added = appendAttr(added, h.prefix, a)
	}

	h2 := *h
	h2.attrs = h.attrs.Merge(added)
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

// Level maps a slog level onto the closest logging.Level.
func Level(level slog.Level) logging.Level {
	switch {
	case level < slog.LevelDebug:
		return logging.TraceLevel
	case level < slog.LevelInfo:
		return logging.DebugLevel
	case level < LevelNotice:
		return logging.InfoLevel
	case level < slog.LevelWarn:
		return logging.NoticeLevel
	case level < slog.LevelError:
		return logging.WarningLevel
	case level < LevelCritical:
		return logging.ErrorLevel
	default:
		return logging.CriticalLevel
	}
}

// appendAttr flattens a into metadata. Group attributes become dotted keys,
// empty attributes and empty groups are skipped.
func appendAttr(metadata logging.Metadata, prefix string, a slog.Attr) logging.Metadata {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return metadata
	}

	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return metadata
		}
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix += a.Key + "."
		}
		for _, ga := range group {
			metadata = appendAttr(metadata, groupPrefix, ga)
		}
		return metadata
	}

	return append(metadata, logging.Field{Key: prefix + a.Key, Value: a.Value.Any()})
}

// packagePath strips the function name from a fully qualified symbol:
// "example.com/app/pkg.(*T).Run" becomes "example.com/app/pkg".
func packagePath(function string) string {
	lastSlash := strings.LastIndexByte(function, '/')
	dot := strings.IndexByte(function[lastSlash+1:], '.')
	if dot < 0 {
		return function
	}
	return function[:lastSlash+1+dot]
}
