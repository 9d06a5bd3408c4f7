package logging

import (
	"context"
	"errors"
)

// ErrExporterShutdown is returned by exporters from Export once Shutdown was called.
var ErrExporterShutdown = errors.New("exporter is shut down")

// Processor accepts emitted records. OnEmit must never block the caller.
type Processor interface {
	OnEmit(record Record)
	ForceFlush(ctx context.Context) error
}

// Exporter delivers batches of records to a backend.
//
// Implementations must be safe for concurrent use: a processor may run several
// Export calls at once during a forced flush. Export must observe ctx and return
// promptly once it is cancelled.
type Exporter interface {
	Export(ctx context.Context, batch []Record) error
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
