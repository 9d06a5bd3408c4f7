package loki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logexport/internal/logging"
)

func testRecords() []logging.Record {
	now := time.Unix(1700000000, 0)
	return []logging.Record{
		{Level: logging.InfoLevel, Body: "message 1", Timestamp: now, Label: "tail",
			Metadata: logging.Metadata{{Key: "pod", Value: "pod-1"}}},
		{Level: logging.InfoLevel, Body: "message 2", Timestamp: now.Add(time.Second), Label: "tail"},
		{Level: logging.ErrorLevel, Body: "message 3", Timestamp: now.Add(2 * time.Second), Label: "tail"},
	}
}

func newTestExporter(t *testing.T, url string, mutate func(*Config)) *Exporter {
	t.Helper()
	cfg := Config{URL: url, MaxRetries: 3, RetryBackoff: time.Millisecond, Labels: map[string]string{"job": "node-logger"}}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewExporter(cfg, nil)
	require.NoError(t, err)
	return e
}

func TestExporter_Export(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Content-Encoding"))

		var payload Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Len(t, payload.Streams, 2)

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	e := newTestExporter(t, server.URL, nil)
	assert.NoError(t, e.Export(context.Background(), testRecords()))
}

func TestExporter_ExportCompressed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		var payload Payload
		assert.NoError(t, json.NewDecoder(zr).Decode(&payload))
		assert.Len(t, payload.Streams, 2)

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	e := newTestExporter(t, server.URL, func(c *Config) { c.Compress = true })
	assert.NoError(t, e.Export(context.Background(), testRecords()))
}

func TestExporter_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	e := newTestExporter(t, server.URL, nil)
	assert.NoError(t, e.Export(context.Background(), testRecords()))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestExporter_AllRetriesFail(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e := newTestExporter(t, server.URL, func(c *Config) { c.MaxRetries = 2 })
	assert.Error(t, e.Export(context.Background(), testRecords()))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestExporter_ClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "entry out of order", http.StatusBadRequest)
	}))
	defer server.Close()

	e := newTestExporter(t, server.URL, nil)
	err := e.Export(context.Background(), testRecords())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry out of order")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExporter_HonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	e := newTestExporter(t, server.URL, func(c *Config) {
		c.MaxRetries = 100
		c.RetryBackoff = time.Second
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := e.Export(ctx, testRecords())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestExporter_Shutdown(t *testing.T) {
	e := newTestExporter(t, "http://127.0.0.1:1", nil)

	assert.NoError(t, e.ForceFlush(context.Background()))
	assert.NoError(t, e.Shutdown(context.Background()))
	assert.NoError(t, e.Shutdown(context.Background()))

	err := e.Export(context.Background(), testRecords())
	assert.True(t, errors.Is(err, logging.ErrExporterShutdown))
}

func TestNewExporter_RequiresURL(t *testing.T) {
	_, err := NewExporter(Config{}, nil)
	assert.Error(t, err)
}

func TestExporter_CreatePayload(t *testing.T) {
	e := newTestExporter(t, "http://test:3100", nil)

	payload := e.createPayload(testRecords())
	require.Len(t, payload.Streams, 2)

	info := payload.Streams[0]
	assert.Equal(t, map[string]string{"job": "node-logger", "source": "tail", "level": "info"}, info.Stream)
	require.Len(t, info.Values, 2)
	assert.Equal(t, [2]string{"1700000000000000000", "message 1 pod=pod-1"}, info.Values[0])
	assert.Equal(t, [2]string{"1700000001000000000", "message 2"}, info.Values[1])

	errs := payload.Streams[1]
	assert.Equal(t, "error", errs.Stream["level"])
	assert.Len(t, errs.Values, 1)
}

func TestFormatLine(t *testing.T) {
	record := logging.Record{
		Body: "request done",
		Metadata: logging.Metadata{
			{Key: "status", Value: 200},
			{Key: "path", Value: "/a b"},
			{Key: "empty", Value: ""},
		},
	}
	assert.Equal(t, `request done status=200 path="/a b" empty=""`, formatLine(record))
}
