package logging

import (
	"fmt"
	"time"
)

const (
	DefaultMaximumQueueSize       = 2048
	DefaultScheduleDelay          = time.Second
	DefaultMaximumExportBatchSize = 512
	DefaultExportTimeout          = 30 * time.Second
)

// Config holds the batch processor parameters.
//
// MaximumExportBatchSize should not exceed MaximumQueueSize, but this is not
// enforced.
type Config struct {
	// MaximumQueueSize bounds the number of buffered records. Records are
	// dropped once it is reached.
	MaximumQueueSize int
	// ScheduleDelay is the interval between two periodic exports.
	ScheduleDelay time.Duration
	// MaximumExportBatchSize is the maximum number of records per Export call.
	MaximumExportBatchSize int
	// ExportTimeout bounds one export cycle.
	ExportTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaximumQueueSize:       DefaultMaximumQueueSize,
		ScheduleDelay:          DefaultScheduleDelay,
		MaximumExportBatchSize: DefaultMaximumExportBatchSize,
		ExportTimeout:          DefaultExportTimeout,
	}
}

func (c Config) Validate() error {
	if c.MaximumQueueSize <= 0 {
		return fmt.Errorf("maximum queue size must be positive, got %d", c.MaximumQueueSize)
	}
	if c.ScheduleDelay <= 0 {
		return fmt.Errorf("schedule delay must be positive, got %s", c.ScheduleDelay)
	}
	if c.MaximumExportBatchSize <= 0 {
		return fmt.Errorf("maximum export batch size must be positive, got %d", c.MaximumExportBatchSize)
	}
	if c.ExportTimeout <= 0 {
		return fmt.Errorf("export timeout must be positive, got %s", c.ExportTimeout)
	}
	return nil
}
