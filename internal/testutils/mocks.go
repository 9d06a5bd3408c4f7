package testutils

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/logexport/internal/logging"
)

// MockExporter records every call. Configure the exported fields before the
// exporter is handed to a processor.
type MockExporter struct {
	ExportErr error
	FlushErr  error
	// Delay returns how long Export waits before succeeding. Nil means no wait.
	Delay func(batch []logging.Record) time.Duration
	// Block makes Export wait until it is closed.
	Block chan struct{}
	// IgnoreContext makes Export ignore cancellation while waiting.
	IgnoreContext bool

	mu        sync.Mutex
	attempts  [][]logging.Record
	exported  [][]logging.Record
	events    []string
	flushes   int
	shutdowns int
	closed    bool
}

func (m *MockExporter) Export(ctx context.Context, batch []logging.Record) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, batch)
	m.events = append(m.events, "export")
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return logging.ErrExporterShutdown
	}

	if m.Block != nil {
		if err := m.wait(ctx, m.Block); err != nil {
			return err
		}
	}
	if m.Delay != nil {
		if d := m.Delay(batch); d > 0 {
			elapsed := make(chan struct{})
			timer := time.AfterFunc(d, func() { close(elapsed) })
			err := m.wait(ctx, elapsed)
			timer.Stop()
			if err != nil {
				return err
			}
		}
	}
	if m.ExportErr != nil {
		return m.ExportErr
	}

	m.mu.Lock()
	m.exported = append(m.exported, batch)
	m.mu.Unlock()
	return nil
}

func (m *MockExporter) wait(ctx context.Context, ch <-chan struct{}) error {
	if m.IgnoreContext {
		<-ch
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockExporter) ForceFlush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	m.events = append(m.events, "flush")
	return m.FlushErr
}

func (m *MockExporter) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	m.closed = true
	m.events = append(m.events, "shutdown")
	return nil
}

// Attempts returns the batches of all Export calls, including failed ones.
func (m *MockExporter) Attempts() [][]logging.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]logging.Record(nil), m.attempts...)
}

// Exported returns the batches of successful Export calls.
func (m *MockExporter) Exported() [][]logging.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]logging.Record(nil), m.exported...)
}

// ExportedBodies flattens successful batches into record bodies.
func (m *MockExporter) ExportedBodies() []string {
	var bodies []string
	for _, batch := range m.Exported() {
		for _, r := range batch {
			bodies = append(bodies, r.Body)
		}
	}
	return bodies
}

func (m *MockExporter) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *MockExporter) FlushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

func (m *MockExporter) ShutdownCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdowns
}

// MockProcessor collects emitted records.
type MockProcessor struct {
	mu         sync.Mutex
	records    []logging.Record
	flushCalls int
	FlushErr   error
}

func (m *MockProcessor) OnEmit(record logging.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
}

func (m *MockProcessor) ForceFlush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return m.FlushErr
}

func (m *MockProcessor) Records() []logging.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Record(nil), m.records...)
}

func (m *MockProcessor) FlushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushCalls
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
