// Package config loads the agent configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/logexport/internal/logging"
)

const (
	ExporterLoki    = "loki"
	ExporterForward = "forward"
)

// Environment variables overriding the batch processor settings. Delays and
// timeouts are in milliseconds.
const (
	EnvMaxQueueSize       = "OTEL_BLRP_MAX_QUEUE_SIZE"
	EnvScheduleDelay      = "OTEL_BLRP_SCHEDULE_DELAY"
	EnvMaxExportBatchSize = "OTEL_BLRP_MAX_EXPORT_BATCH_SIZE"
	EnvExportTimeout      = "OTEL_BLRP_EXPORT_TIMEOUT"
)

// Lookup returns the value of an environment variable. os.LookupEnv fits.
type Lookup func(key string) (string, bool)

type App struct {
	Exporter    string `yaml:"exporter"`
	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`

	Loki    Loki    `yaml:"loki"`
	Forward Forward `yaml:"forward"`
	Daemon  Daemon  `yaml:"daemon"`
	Batch   Batch   `yaml:"batch"`

	// Processor is Batch resolved against the environment and defaults.
	Processor logging.Config `yaml:"-"`
}

type Loki struct {
	URL          string            `yaml:"url"`
	MaxRetries   int               `yaml:"maxRetries"`
	Timeout      time.Duration     `yaml:"timeout"`
	RetryBackoff time.Duration     `yaml:"retryBackoff"`
	Compress     bool              `yaml:"compress"`
	Labels       map[string]string `yaml:"labels"`
}

type Forward struct {
	Address     string        `yaml:"address"`
	Tag         string        `yaml:"tag"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	RequireAck  bool          `yaml:"requireAck"`
}

type Daemon struct {
	LogRootPath     string            `yaml:"logRootPath"`
	NodeName        string            `yaml:"nodeName"`
	ScanInterval    time.Duration     `yaml:"scanInterval"`
	Workers         int               `yaml:"workers"`
	FileQueueSize   int               `yaml:"fileQueueSize"`
	MaxLineSize     datasize.ByteSize `yaml:"maxLineSize"`
	FileIdleTimeout time.Duration     `yaml:"fileIdleTimeout"`
	FromStart       bool              `yaml:"fromStart"`
}

// Batch holds explicitly configured processor settings. Zero means unset.
type Batch struct {
	MaxQueueSize       int           `yaml:"maxQueueSize"`
	ScheduleDelay      time.Duration `yaml:"scheduleDelay"`
	MaxExportBatchSize int           `yaml:"maxExportBatchSize"`
	ExportTimeout      time.Duration `yaml:"exportTimeout"`
}

func Default() *App {
	return &App{
		Exporter: ExporterLoki,
		LogLevel: "info",
		Loki: Loki{
			URL:          "http://loki:3100",
			MaxRetries:   3,
			Timeout:      5 * time.Second,
			RetryBackoff: time.Second,
			Labels:       map[string]string{"job": "node-logger"},
		},
		Forward: Forward{
			Address:     "127.0.0.1:24224",
			Tag:         "k8s.logs",
			DialTimeout: 5 * time.Second,
		},
		Daemon: Daemon{
			LogRootPath:     "/var/log/pods",
			NodeName:        "unknown",
			ScanInterval:    30 * time.Second,
			Workers:         10,
			FileQueueSize:   50,
			MaxLineSize:     64 * datasize.KB,
			FileIdleTimeout: 5 * time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path isn't empty), then environment overrides. env may be nil to use the
// process environment.
func Load(path string, env Lookup) (*App, error) {
	if env == nil {
		env = os.LookupEnv
	}

	app := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()

		if err := decode(f, app); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(app, env); err != nil {
		return nil, err
	}

	processor, err := ResolveBatch(app.Batch, env)
	if err != nil {
		return nil, err
	}
	app.Processor = processor

	if err := app.Validate(); err != nil {
		return nil, err
	}
	return app, nil
}

func decode(r io.Reader, app *App) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(app); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (a *App) Validate() error {
	switch a.Exporter {
	case ExporterLoki:
		if a.Loki.URL == "" {
			return errors.New("loki.url is required")
		}
	case ExporterForward:
		if a.Forward.Address == "" || a.Forward.Tag == "" {
			return errors.New("forward.address and forward.tag are required")
		}
	default:
		return fmt.Errorf("unknown exporter %q", a.Exporter)
	}

	if _, err := logging.ParseLevel(a.LogLevel); err != nil {
		return err
	}
	if a.Daemon.Workers <= 0 || a.Daemon.FileQueueSize <= 0 || a.Daemon.ScanInterval <= 0 {
		return errors.New("daemon workers, fileQueueSize and scanInterval must be positive")
	}
	return a.Processor.Validate()
}

// ResolveBatch picks every processor setting from explicit, then from the
// OTEL_BLRP_* variables, then from the defaults. Malformed or non-positive
// environment values are errors.
func ResolveBatch(explicit Batch, env Lookup) (logging.Config, error) {
	if env == nil {
		env = os.LookupEnv
	}
	e := envReader{lookup: env}

	cfg := logging.Config{
		MaximumQueueSize:       explicit.MaxQueueSize,
		ScheduleDelay:          explicit.ScheduleDelay,
		MaximumExportBatchSize: explicit.MaxExportBatchSize,
		ExportTimeout:          explicit.ExportTimeout,
	}
	if cfg.MaximumQueueSize == 0 {
		cfg.MaximumQueueSize = e.positiveInt(EnvMaxQueueSize, logging.DefaultMaximumQueueSize)
	}
	if cfg.ScheduleDelay == 0 {
		cfg.ScheduleDelay = e.millis(EnvScheduleDelay, logging.DefaultScheduleDelay)
	}
	if cfg.MaximumExportBatchSize == 0 {
		cfg.MaximumExportBatchSize = e.positiveInt(EnvMaxExportBatchSize, logging.DefaultMaximumExportBatchSize)
	}
	if cfg.ExportTimeout == 0 {
		cfg.ExportTimeout = e.millis(EnvExportTimeout, logging.DefaultExportTimeout)
	}

	return cfg, e.err
}

func applyEnv(app *App, env Lookup) error {
	e := envReader{lookup: env}

	app.Loki.URL = e.text("LOKI_URL", app.Loki.URL)
	app.Loki.MaxRetries = e.positiveInt("MAX_RETRIES", app.Loki.MaxRetries)
	app.Daemon.LogRootPath = e.text("LOG_PATH", app.Daemon.LogRootPath)
	app.Daemon.NodeName = e.text("NODE_NAME", app.Daemon.NodeName)
	app.Daemon.Workers = e.positiveInt("WORKERS", app.Daemon.Workers)
	app.Daemon.FileQueueSize = e.positiveInt("QUEUE_SIZE", app.Daemon.FileQueueSize)
	app.Daemon.ScanInterval = e.duration("SCAN_INTERVAL", app.Daemon.ScanInterval)
	app.Daemon.FileIdleTimeout = e.duration("FILE_IDLE_TIMEOUT", app.Daemon.FileIdleTimeout)
	app.Daemon.MaxLineSize = e.byteSize("MAX_LINE_SIZE", app.Daemon.MaxLineSize)
	app.Forward.Address = e.text("FORWARD_ADDRESS", app.Forward.Address)
	app.LogLevel = e.text("LOG_LEVEL", app.LogLevel)

	return e.err
}

// envReader reads typed variables and keeps the first parse error.
type envReader struct {
	lookup Lookup
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	value, ok := e.lookup(key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
}

func (e *envReader) text(key, defaultValue string) string {
	if value, ok := e.get(key); ok {
		return value
	}
	return defaultValue
}

func (e *envReader) positiveInt(key string, defaultValue int) int {
	value, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err == nil && result <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return result
}

func (e *envReader) millis(key string, defaultValue time.Duration) time.Duration {
	ms := e.positiveInt(key, 0)
	if ms == 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return result
}

func (e *envReader) byteSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	value, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	var result datasize.ByteSize
	if err := result.UnmarshalText([]byte(value)); err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return result
}
