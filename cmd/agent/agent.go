package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/logexport/internal/config"
	"github.com/Chichichkin/logexport/internal/daemon"
	"github.com/Chichichkin/logexport/internal/logging"
	"github.com/Chichichkin/logexport/internal/logging/batch"
	"github.com/Chichichkin/logexport/internal/logging/forward"
	"github.com/Chichichkin/logexport/internal/logging/handler"
	"github.com/Chichichkin/logexport/internal/logging/loki"
)

const metricsShutdownTimeout = 5 * time.Second

// run wires the exporter, the processor and the daemon and blocks until ctx
// is cancelled. The daemon is stopped before the processor so that tailed
// lines still reach the final flush.
func run(ctx context.Context, app *config.App, logger *zap.Logger, registry *prometheus.Registry) error {
	exporter, err := newExporter(app, logger)
	if err != nil {
		return err
	}

	processor, err := batch.NewBatchProcessor(exporter, app.Processor,
		batch.WithLogger(logger.Named("processor")),
		batch.WithMetrics(batch.NewMetrics(registry)))
	if err != nil {
		return fmt.Errorf("failed to create batch processor: %w", err)
	}

	service, err := daemon.NewService(daemon.Config{
		LogRootPath:     app.Daemon.LogRootPath,
		ScanInterval:    app.Daemon.ScanInterval,
		Workers:         app.Daemon.Workers,
		FileQueueSize:   app.Daemon.FileQueueSize,
		NodeName:        app.Daemon.NodeName,
		MaxLineSize:     app.Daemon.MaxLineSize,
		FileIdleTimeout: app.Daemon.FileIdleTimeout,
		FromStart:       app.Daemon.FromStart,
	}, processor,
		daemon.WithLogger(logger.Named("daemon")),
		daemon.WithMetrics(daemon.NewMetrics(registry)))
	if err != nil {
		return fmt.Errorf("failed to create log daemon: %w", err)
	}

	level, _ := logging.ParseLevel(app.LogLevel)
	slog.SetDefault(slog.New(handler.New(processor, handler.Options{
		Label:     "agent",
		Level:     slogLevel(level),
		Metadata:  logging.Metadata{{Key: "node", Value: app.Daemon.NodeName}},
		AddSource: true,
	})))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return processor.Run(context.WithoutCancel(gctx))
	})

	g.Go(func() error {
		err := service.Run(gctx)

		// every stage of the final flush is bounded by the export timeout
		timeout := 3*app.Processor.ExportTimeout + time.Second
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		if serr := processor.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("batch processor shutdown incomplete", zap.Error(serr))
		}
		return err
	})

	if app.MetricsAddr != "" {
		server := &http.Server{
			Addr:              app.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("listening for metrics", zap.String("address", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	slog.Info("agent started", "exporter", app.Exporter, "root", app.Daemon.LogRootPath)

	err = g.Wait()

	stats := processor.Stats()
	logger.Info("agent stopped",
		zap.Int64("exported", stats.Exported),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("failed", stats.Failed),
		zap.Int64("timed_out", stats.TimedOut))
	return err
}

func newExporter(app *config.App, logger *zap.Logger) (logging.Exporter, error) {
	switch app.Exporter {
	case config.ExporterLoki:
		return loki.NewExporter(loki.Config{
			URL:          app.Loki.URL,
			MaxRetries:   app.Loki.MaxRetries,
			Timeout:      app.Loki.Timeout,
			RetryBackoff: app.Loki.RetryBackoff,
			Labels:       app.Loki.Labels,
			Compress:     app.Loki.Compress,
		}, logger)
	case config.ExporterForward:
		return forward.NewExporter(forward.Config{
			Address:     app.Forward.Address,
			Tag:         app.Forward.Tag,
			DialTimeout: app.Forward.DialTimeout,
			RequireAck:  app.Forward.RequireAck,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown exporter %q", app.Exporter)
	}
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func newLogger(levelName string) (*zap.Logger, error) {
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func zapLevel(level logging.Level) zapcore.Level {
	switch {
	case level <= logging.DebugLevel:
		return zapcore.DebugLevel
	case level <= logging.NoticeLevel:
		return zapcore.InfoLevel
	case level == logging.WarningLevel:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func slogLevel(level logging.Level) slog.Level {
	switch level {
	case logging.TraceLevel:
		return handler.LevelTrace
	case logging.DebugLevel:
		return slog.LevelDebug
	case logging.InfoLevel:
		return slog.LevelInfo
	case logging.NoticeLevel:
		return handler.LevelNotice
	case logging.WarningLevel:
		return slog.LevelWarn
	case logging.ErrorLevel:
		return slog.LevelError
	default:
		return handler.LevelCritical
	}
}
