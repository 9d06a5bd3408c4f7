// Package loki exports records to the Grafana Loki push API.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/Chichichkin/logexport/internal/logging"
)

const pushPath = "/loki/api/v1/push"

const (
	defaultMaxRetries   = 3
	defaultTimeout      = 5 * time.Second
	defaultRetryBackoff = time.Second
)

type Config struct {
	// URL is the base address of the Loki server, e.g. http://loki:3100.
	URL        string
	MaxRetries int
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// Labels are attached to every stream.
	Labels   map[string]string
	Compress bool
}

type Exporter struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	closed     atomic.Bool
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

// permanentError marks a response that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func NewExporter(config Config, logger *zap.Logger) (*Exporter, error) {
	if config.URL == "" {
		return nil, errors.New("loki url is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Exporter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With(zap.String("exporter", "loki")),
	}, nil
}

// Export pushes batch to Loki, retrying failed requests until MaxRetries is
// reached or ctx ends.
func (e *Exporter) Export(ctx context.Context, batch []logging.Record) error {
	if e.closed.Load() {
		return logging.ErrExporterShutdown
	}
	if len(batch) == 0 {
		return nil
	}

	body, err := e.encode(e.createPayload(batch))
	if err != nil {
		return err
	}

	for i := 0; i < e.config.MaxRetries; i++ {
		err = e.sendRequest(ctx, body)
		if err == nil {
			e.logger.Debug("sent batch", zap.Int("records", len(batch)))
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) || ctx.Err() != nil {
			return err
		}

		if i < e.config.MaxRetries-1 {
			e.logger.Debug("retrying push", zap.Int("attempt", i+1), zap.Int("max_retries", e.config.MaxRetries), zap.Error(err))
			select {
			case <-time.After(time.Duration(i+1) * e.config.RetryBackoff):
			case <-ctx.Done():
				return fmt.Errorf("push cancelled during backoff: %w", ctx.Err())
			}
		}
	}

	return fmt.Errorf("failed to send batch after %d attempts: %w", e.config.MaxRetries, err)
}

// ForceFlush is a no-op: Export doesn't buffer.
func (e *Exporter) ForceFlush(_ context.Context) error {
	return nil
}

func (e *Exporter) Shutdown(_ context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	e.httpClient.CloseIdleConnections()
	return nil
}

func (e *Exporter) createPayload(batch []logging.Record) Payload {
	streams := make(map[string]*Stream)
	var order []string

	for _, record := range batch {
		key := streamKey(record)
		stream, ok := streams[key]
		if !ok {
			stream = &Stream{
				Stream: e.createLabels(record),
				Values: [][2]string{},
			}
			streams[key] = stream
			order = append(order, key)
		}

		timestamp := strconv.FormatInt(record.Timestamp.UnixNano(), 10)
		stream.Values = append(stream.Values, [2]string{timestamp, formatLine(record)})
	}

	payload := Payload{
		Streams: make([]Stream, 0, len(streams)),
	}
	for _, key := range order {
		payload.Streams = append(payload.Streams, *streams[key])
	}
	return payload
}

func streamKey(record logging.Record) string {
	return record.Label + ":" + record.Level.String()
}

func (e *Exporter) createLabels(record logging.Record) map[string]string {
	labels := make(map[string]string, len(e.config.Labels)+2)
	for k, v := range e.config.Labels {
		labels[k] = v
	}
	if record.Label != "" {
		labels["source"] = record.Label
	}
	labels["level"] = record.Level.String()
	return labels
}

// formatLine renders the body followed by the metadata as logfmt pairs.
func formatLine(record logging.Record) string {
	if len(record.Metadata) == 0 {
		return record.Body
	}

	var b strings.Builder
	b.WriteString(record.Body)
	for _, f := range record.Metadata {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(logfmtValue(f.Value))
	}
	return b.String()
}

func logfmtValue(v any) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

func (e *Exporter) encode(payload Payload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if !e.config.Compress {
		return body, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(e.config.URL, "/")+pushPath, bytes.NewReader(body))
	if err != nil {
		return &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	if e.config.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(responseBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &permanentError{err}
		}
		return err
	}

	return nil
}
