// Package batch implements a processor that accumulates emitted log records and
// hands them to an exporter in bounded batches, either periodically or as soon
// as the buffer is full.
package batch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/logexport/internal/logging"
)

var (
	ErrAlreadyStarted = errors.New("batch processor already started")
	ErrStopped        = errors.New("batch processor stopped")
)

type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateRunning
	stateStopping
	stateStopped
)

// takeRequest asks the buffer owner for up to limit records from the front
// of the buffer; limit <= 0 drains everything.
type takeRequest struct {
	limit int
	reply chan []logging.Record
}

type Option func(*Processor)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(p *Processor) {
		p.metrics = metrics
	}
}

// WithEmitHook installs a transform applied to every record inside OnEmit,
// on the caller's goroutine. The hook must not retain the pointer.
func WithEmitHook(hook func(record *logging.Record)) Option {
	return func(p *Processor) {
		p.emitHook = hook
	}
}

type Processor struct {
	exporter logging.Exporter
	config   logging.Config
	logger   *zap.Logger
	metrics  *Metrics
	emitHook func(record *logging.Record)

	records      chan logging.Record
	ingestMu     sync.RWMutex
	ingestClosed bool

	// buffer is only touched by the goroutine running ingest, or by finish
	// once that goroutine has exited.
	buffer  []logging.Record
	trigger chan struct{}
	takes   chan takeRequest

	lifecycleMu sync.Mutex
	state       lifecycleState
	quit        chan struct{}
	quitOnce    sync.Once
	stopped     chan struct{}

	stats counters
}

type counters struct {
	received atomic.Int64
	buffered atomic.Int64
	exported atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
	timedOut atomic.Int64
}

// Stats is a point-in-time snapshot of record counts.
type Stats struct {
	Received int64 // accepted by OnEmit
	Buffered int64 // currently waiting in the buffer
	Exported int64 // delivered by successful Export calls
	Dropped  int64 // rejected because the queue was full or the processor stopped
	Failed   int64 // lost in Export calls that returned an error
	TimedOut int64 // lost in Export calls that hit the export timeout
}

func NewBatchProcessor(exporter logging.Exporter, config logging.Config, opts ...Option) (*Processor, error) {
	if exporter == nil {
		return nil, errors.New("exporter must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Processor{
		exporter: exporter,
		config:   config,
		logger:   zap.NewNop(),
		records:  make(chan logging.Record, config.MaximumQueueSize),
		buffer:   make([]logging.Record, 0, config.MaximumQueueSize),
		trigger:  make(chan struct{}, 1),
		takes:    make(chan takeRequest),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p, nil
}

// OnEmit queues a record for export. It never blocks: when the ingestion
// channel is full or the processor is shutting down the record is dropped.
func (p *Processor) OnEmit(record logging.Record) {
	if p.emitHook != nil {
		// the caller's metadata may back other queued records
		record.Metadata = slices.Clone(record.Metadata)
		p.emitHook(&record)
	}

	p.ingestMu.RLock()
	defer p.ingestMu.RUnlock()

	if p.ingestClosed {
		p.drop(1, reasonClosed)
		return
	}

	select {
	case p.records <- record:
		p.stats.received.Add(1)
		p.metrics.received.Inc()
	default:
		p.drop(1, reasonQueueFull)
	}
}

func (p *Processor) Stats() Stats {
	return Stats{
		Received: p.stats.received.Load(),
		Buffered: p.stats.buffered.Load(),
		Exported: p.stats.exported.Load(),
		Dropped:  p.stats.dropped.Load(),
		Failed:   p.stats.failed.Load(),
		TimedOut: p.stats.timedOut.Load(),
	}
}

// Run ingests and exports records until ctx is cancelled or Shutdown is
// called. Before returning it flushes the remaining records and shuts the
// exporter down.
func (p *Processor) Run(ctx context.Context) error {
	p.lifecycleMu.Lock()
	switch p.state {
	case stateIdle:
		p.state = stateRunning
	case stateRunning:
		p.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	default:
		p.lifecycleMu.Unlock()
		return ErrStopped
	}
	p.lifecycleMu.Unlock()

	p.logger.Info("batch processor started",
		zap.Int("max_queue_size", p.config.MaximumQueueSize),
		zap.Int("max_export_batch_size", p.config.MaximumExportBatchSize),
		zap.Duration("schedule_delay", p.config.ScheduleDelay),
		zap.Duration("export_timeout", p.config.ExportTimeout))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return p.ingest(gctx)
	})
	g.Go(func() error {
		return p.schedule(gctx)
	})

	select {
	case <-gctx.Done():
	case <-p.quit:
	}

	p.closeIngestion()
	cancel()
	err := g.Wait()

	p.lifecycleMu.Lock()
	p.state = stateStopping
	p.lifecycleMu.Unlock()

	p.finish(context.WithoutCancel(ctx))
	return err
}

// Shutdown stops a running processor and waits until the final flush and the
// exporter shutdown are done. It is safe to call concurrently and more than
// once. A processor that was never started is finalized by the first call.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.quitOnce.Do(func() {
		close(p.quit)
	})

	p.lifecycleMu.Lock()
	idle := p.state == stateIdle
	if idle {
		p.state = stateStopping
	}
	p.lifecycleMu.Unlock()

	if idle {
		p.finish(ctx)
	}

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ingest owns the buffer: it appends incoming records and serves take
// requests from the scheduler and ForceFlush.
func (p *Processor) ingest(ctx context.Context) error {
	for {
		select {
		case record, ok := <-p.records:
			if !ok {
				return nil
			}
			p.append(record)
		case req := <-p.takes:
			req.reply <- p.take(req.limit)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Processor) schedule(ctx context.Context) error {
	ticker := time.NewTicker(p.config.ScheduleDelay)
	defer ticker.Stop()

	// in-flight exports are allowed to finish within the export timeout on shutdown
	exportCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ticker.C:
		case <-p.trigger:
		case <-ctx.Done():
			return nil
		}

		batch, ok := p.request(ctx, p.config.MaximumExportBatchSize)
		if !ok {
			return nil
		}
		if len(batch) == 0 {
			continue
		}
		p.exportBatch(exportCtx, batch)
	}
}

// request asks the buffer owner for records. It reports false when ctx ends
// before the owner accepts the request.
func (p *Processor) request(ctx context.Context, limit int) ([]logging.Record, bool) {
	req := takeRequest{limit: limit, reply: make(chan []logging.Record, 1)}
	select {
	case p.takes <- req:
		return <-req.reply, true
	case <-ctx.Done():
		return nil, false
	}
}

func (p *Processor) append(record logging.Record) {
	if len(p.buffer) >= p.config.MaximumQueueSize {
		p.drop(1, reasonQueueFull)
		return
	}

	p.buffer = append(p.buffer, record)
	p.updateBuffered()

	if len(p.buffer) == p.config.MaximumQueueSize {
		select {
		case p.trigger <- struct{}{}:
		default:
		}
	}
}

// take removes up to limit records from the front of the buffer.
func (p *Processor) take(limit int) []logging.Record {
	n := len(p.buffer)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}

	batch := make([]logging.Record, n)
	copy(batch, p.buffer)

	remaining := copy(p.buffer, p.buffer[n:])
	clear(p.buffer[remaining:])
	p.buffer = p.buffer[:remaining]
	p.updateBuffered()

	return batch
}

func (p *Processor) updateBuffered() {
	p.stats.buffered.Store(int64(len(p.buffer)))
	p.metrics.buffered.Set(float64(len(p.buffer)))
}

func (p *Processor) closeIngestion() {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	if p.ingestClosed {
		return
	}
	p.ingestClosed = true
	close(p.records)
}

// finish runs once, after the ingest goroutine is gone or was never started.
func (p *Processor) finish(ctx context.Context) {
	p.closeIngestion()
	for record := range p.records {
		p.append(record)
	}

	p.logger.Debug("shutting down", zap.Int("buffered", len(p.buffer)))

	p.exportAll(ctx, p.take(0))

	flushCtx, cancel := context.WithTimeout(ctx, p.config.ExportTimeout)
	if err := p.exporter.ForceFlush(flushCtx); err != nil {
		p.logger.Debug("exporter flush failed during shutdown", zap.Error(err))
	}
	cancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, p.config.ExportTimeout)
	if err := p.exporter.Shutdown(shutdownCtx); err != nil {
		p.logger.Warn("exporter shutdown failed", zap.Error(err))
	}
	cancel()

	p.lifecycleMu.Lock()
	p.state = stateStopped
	p.lifecycleMu.Unlock()
	close(p.stopped)

	p.logger.Info("batch processor stopped")
}
