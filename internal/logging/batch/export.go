package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/logexport/internal/logging"
)

// ForceFlush exports every buffered record and then flushes the exporter.
//
// The buffer is split into chunks of at most MaximumExportBatchSize records
// that are exported concurrently under one shared ExportTimeout deadline.
// Chunks still running when the deadline passes are cancelled and lost; the
// others are waited for. Export failures are not returned, only the error of
// the exporter's own flush is.
//
// ForceFlush needs a running processor to drain the buffer. Once the processor
// has stopped only the exporter is flushed.
func (p *Processor) ForceFlush(ctx context.Context) error {
	req := takeRequest{reply: make(chan []logging.Record, 1)}
	select {
	case p.takes <- req:
		p.exportAll(ctx, <-req.reply)
	case <-p.stopped:
	case <-ctx.Done():
		return fmt.Errorf("failed to drain buffer: %w", ctx.Err())
	}

	return p.exporter.ForceFlush(ctx)
}

// exportBatch runs one scheduled export cycle bounded by ExportTimeout.
func (p *Processor) exportBatch(ctx context.Context, batch []logging.Record) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ExportTimeout)
	defer cancel()

	_ = p.export(ctx, batch)
}

func (p *Processor) exportAll(ctx context.Context, records []logging.Record) {
	if len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.ExportTimeout)
	defer cancel()

	size := p.config.MaximumExportBatchSize
	var wg sync.WaitGroup
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunk := records[start:end:end]

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.export(ctx, chunk)
		}()
	}
	wg.Wait()
}

// export calls the exporter and races it against ctx. When ctx ends first the
// call is abandoned; the exporter is expected to notice the cancellation and
// return on its own.
func (p *Processor) export(ctx context.Context, batch []logging.Record) error {
	start := time.Now()
	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("exporter panicked: %v", r)
			}
		}()
		done <- p.exporter.Export(ctx, batch)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.observeExport(len(batch), err, time.Since(start))
	return err
}

func (p *Processor) observeExport(n int, err error, elapsed time.Duration) {
	p.metrics.exportDuration.Observe(elapsed.Seconds())

	switch {
	case err == nil:
		p.stats.exported.Add(int64(n))
		p.metrics.exported.Add(float64(n))
		p.metrics.exports.WithLabelValues(resultOK).Inc()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		p.stats.timedOut.Add(int64(n))
		p.metrics.dropped.WithLabelValues(reasonExportTimeout).Add(float64(n))
		p.metrics.exports.WithLabelValues(resultTimeout).Inc()
		p.logger.Debug("export timed out", zap.Int("records", n), zap.Duration("elapsed", elapsed))
	default:
		p.stats.failed.Add(int64(n))
		p.metrics.dropped.WithLabelValues(reasonExportFailed).Add(float64(n))
		p.metrics.exports.WithLabelValues(resultError).Inc()
		p.logger.Debug("export failed", zap.Int("records", n), zap.Error(err))
	}
}

func (p *Processor) drop(n int, reason string) {
	p.stats.dropped.Add(int64(n))
	p.metrics.dropped.WithLabelValues(reason).Add(float64(n))
	p.logger.Debug("records dropped", zap.Int("count", n), zap.String("reason", reason))
}
