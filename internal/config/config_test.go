package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logexport/internal/logging"
)

func envMap(values map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	app, err := Load("", envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ExporterLoki, app.Exporter)
	assert.Equal(t, "http://loki:3100", app.Loki.URL)
	assert.Equal(t, "/var/log/pods", app.Daemon.LogRootPath)
	assert.Equal(t, 64*datasize.KB, app.Daemon.MaxLineSize)
	assert.Equal(t, logging.DefaultConfig(), app.Processor)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
exporter: forward
forward:
  address: fluentd:24224
  tag: app.logs
  requireAck: true
daemon:
  workers: 4
  scanInterval: 5s
  maxLineSize: 16KB
batch:
  maxQueueSize: 100
  scheduleDelay: 250ms
`)

	app, err := Load(path, envMap(map[string]string{
		"NODE_NAME":                       "node-7",
		"WORKERS":                         "6",
		"OTEL_BLRP_MAX_QUEUE_SIZE":        "999",
		"OTEL_BLRP_MAX_EXPORT_BATCH_SIZE": "50",
		"OTEL_BLRP_EXPORT_TIMEOUT":        "1500",
	}))
	require.NoError(t, err)

	assert.Equal(t, ExporterForward, app.Exporter)
	assert.Equal(t, "fluentd:24224", app.Forward.Address)
	assert.True(t, app.Forward.RequireAck)
	assert.Equal(t, 5*time.Second, app.Daemon.ScanInterval)
	assert.Equal(t, 16*datasize.KB, app.Daemon.MaxLineSize)

	// agent variables override the file
	assert.Equal(t, "node-7", app.Daemon.NodeName)
	assert.Equal(t, 6, app.Daemon.Workers)

	// explicit batch values win over OTEL_BLRP_*
	assert.Equal(t, logging.Config{
		MaximumQueueSize:       100,
		ScheduleDelay:          250 * time.Millisecond,
		MaximumExportBatchSize: 50,
		ExportTimeout:          1500 * time.Millisecond,
	}, app.Processor)
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, "exporter: loki\nbogus: 1\n")
	_, err := Load(path, envMap(nil))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	app, err := Load(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, ExporterLoki, app.Exporter)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
	assert.Error(t, err)
}

func TestLoad_InvalidExporter(t *testing.T) {
	path := writeConfig(t, "exporter: kafka\n")
	_, err := Load(path, envMap(nil))
	assert.ErrorContains(t, err, "unknown exporter")
}

func TestLoad_MalformedAgentEnv(t *testing.T) {
	_, err := Load("", envMap(map[string]string{"SCAN_INTERVAL": "soon"}))
	assert.ErrorContains(t, err, "SCAN_INTERVAL")
}

func TestResolveBatch(t *testing.T) {
	tests := []struct {
		name     string
		explicit Batch
		env      map[string]string
		want     logging.Config
		wantErr  bool
	}{
		{
			name: "defaults",
			want: logging.DefaultConfig(),
		},
		{
			name: "environment",
			env: map[string]string{
				EnvMaxQueueSize:       "10",
				EnvScheduleDelay:      "200",
				EnvMaxExportBatchSize: "5",
				EnvExportTimeout:      "3000",
			},
			want: logging.Config{
				MaximumQueueSize:       10,
				ScheduleDelay:          200 * time.Millisecond,
				MaximumExportBatchSize: 5,
				ExportTimeout:          3 * time.Second,
			},
		},
		{
			name:     "explicit wins",
			explicit: Batch{MaxQueueSize: 7, ExportTimeout: time.Second},
			env:      map[string]string{EnvMaxQueueSize: "10", EnvExportTimeout: "3000"},
			want: logging.Config{
				MaximumQueueSize:       7,
				ScheduleDelay:          logging.DefaultScheduleDelay,
				MaximumExportBatchSize: logging.DefaultMaximumExportBatchSize,
				ExportTimeout:          time.Second,
			},
		},
		{
			name:    "malformed",
			env:     map[string]string{EnvScheduleDelay: "1s"},
			wantErr: true,
		},
		{
			name:    "negative",
			env:     map[string]string{EnvMaxQueueSize: "-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveBatch(tt.explicit, envMap(tt.env))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
