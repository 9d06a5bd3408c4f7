package handler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logexport/internal/logging"
	"github.com/Chichichkin/logexport/internal/testutils"
)

type traceKey struct{}

func TestHandler_BuildsRecord(t *testing.T) {
	processor := &testutils.MockProcessor{}
	h := New(processor, Options{Label: "api", AddSource: true})
	logger := slog.New(h)

	logger.Info("request served", "status", 200)

	records := processor.Records()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, logging.InfoLevel, r.Level)
	assert.Equal(t, "request served", r.Body)
	assert.Equal(t, "api", r.Label)
	assert.WithinDuration(t, time.Now(), r.Timestamp, time.Second)

	status, ok := r.Metadata.Get("status")
	assert.True(t, ok)
	assert.EqualValues(t, 200, status)

	assert.Contains(t, r.File, "handler_test.go")
	assert.Positive(t, r.Line)
	assert.Contains(t, r.Function, "TestHandler_BuildsRecord")
	assert.Equal(t, "github.com/Chichichkin/logexport/internal/logging/handler", r.Source)
}

func TestHandler_MetadataPrecedence(t *testing.T) {
	processor := &testutils.MockProcessor{}
	h := New(processor, Options{
		Metadata: logging.Metadata{
			{Key: "env", Value: "prod"},
			{Key: "trace", Value: "static"},
			{Key: "user", Value: "static"},
			{Key: "req", Value: "static"},
		},
		MetadataProvider: func(ctx context.Context) logging.Metadata {
			trace, _ := ctx.Value(traceKey{}).(string)
			return logging.Metadata{{Key: "trace", Value: trace}, {Key: "user", Value: "provider"}, {Key: "req", Value: "provider"}}
		},
	})
	logger := slog.New(h).With("user", "attrs", "req", "attrs")

	ctx := context.WithValue(context.Background(), traceKey{}, "abc")
	logger.InfoContext(ctx, "hello", "req", "record")

	records := processor.Records()
	require.Len(t, records, 1)
	assert.Equal(t, logging.Metadata{
		{Key: "env", Value: "prod"},
		{Key: "trace", Value: "abc"},
		{Key: "user", Value: "attrs"},
		{Key: "req", Value: "record"},
	}, records[0].Metadata)
}

func TestHandler_Groups(t *testing.T) {
	processor := &testutils.MockProcessor{}
	logger := slog.New(New(processor, Options{})).WithGroup("http").With("method", "GET")

	logger.Info("done", slog.Group("resp", slog.Int("status", 404)), slog.Group("empty"))

	records := processor.Records()
	require.Len(t, records, 1)
	assert.Equal(t, logging.Metadata{
		{Key: "http.method", Value: "GET"},
		{Key: "http.resp.status", Value: int64(404)},
	}, records[0].Metadata)
}

func TestHandler_Enabled(t *testing.T) {
	processor := &testutils.MockProcessor{}
	logger := slog.New(New(processor, Options{Level: slog.LevelWarn}))

	logger.Info("skipped")
	logger.Warn("kept")

	records := processor.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].Body)
	assert.Equal(t, logging.WarningLevel, records[0].Level)
	assert.Empty(t, records[0].File)
}

func TestLevel(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want logging.Level
	}{
		{LevelTrace, logging.TraceLevel},
		{slog.LevelDebug, logging.DebugLevel},
		{slog.LevelInfo, logging.InfoLevel},
		{LevelNotice, logging.NoticeLevel},
		{slog.LevelWarn, logging.WarningLevel},
		{slog.LevelError, logging.ErrorLevel},
		{LevelCritical, logging.CriticalLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Level(tt.in), tt.in.String())
	}
}

func TestPackagePath(t *testing.T) {
	assert.Equal(t, "example.com/app/pkg", packagePath("example.com/app/pkg.(*T).Run"))
	assert.Equal(t, "main", packagePath("main.main"))
	assert.Equal(t, "noDot", packagePath("noDot"))
}
