// Package daemon discovers container log files on a node and tails them into
// a logging.Processor.
package daemon

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/hpcloud/tail"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/logexport/internal/logging"
)

// RecordLabel is the Label of every record produced by the daemon.
const RecordLabel = "tail"

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	NodeName      string
	// MaxLineSize splits longer lines into several records. Zero means unlimited.
	MaxLineSize datasize.ByteSize
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// FromStart reads new files from the beginning instead of the end.
	FromStart bool
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

type Service struct {
	config    Config
	processor logging.Processor
	logger    *zap.Logger
	metrics   *Metrics
	fileQueue chan string

	mu        sync.Mutex
	seenFiles map[string]struct{}
}

func NewService(config Config, processor logging.Processor, opts ...Option) (*Service, error) {
	if processor == nil {
		return nil, errors.New("processor must not be nil")
	}
	if config.LogRootPath == "" {
		return nil, errors.New("log root path is required")
	}
	if config.ScanInterval <= 0 || config.Workers <= 0 || config.FileQueueSize <= 0 {
		return nil, errors.New("scan interval, workers and file queue size must be positive")
	}

	s := &Service{
		config:    config,
		processor: processor,
		logger:    zap.NewNop(),
		fileQueue: make(chan string, config.FileQueueSize),
		seenFiles: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s, nil
}

// Run scans for log files and tails them until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting log daemon",
		zap.String("root", s.config.LogRootPath),
		zap.Int("workers", s.config.Workers),
		zap.Int("queue_size", s.config.FileQueueSize))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		id := i
		g.Go(func() error {
			s.worker(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		s.scanner(gctx)
		return nil
	})

	err := g.Wait()
	s.logger.Info("log daemon stopped")
	return err
}

func (s *Service) worker(ctx context.Context, id int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()

	for {
		select {
		case filePath := <-s.fileQueue:
			s.metrics.queuedFiles.Dec()
			s.metrics.workersBusy.Inc()
			s.processFile(ctx, filePath)
			s.metrics.workersBusy.Dec()
			s.forget(filePath)

		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) processFile(ctx context.Context, filePath string) {
	defer s.metrics.filesProcessed.Inc()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("file processing panicked", zap.String("file", filePath), zap.Any("panic", r))
			s.metrics.filesFailed.Inc()
		}
	}()

	location := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if s.config.FromStart {
		location = nil
	}

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:      true,
		ReOpen:      true,
		Poll:        true,
		Location:    location,
		MaxLineSize: int(s.config.MaxLineSize.Bytes()),
		Logger:      tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", zap.String("file", filePath), zap.Error(err))
		s.metrics.filesFailed.Inc()
		return
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	metadata := s.extractMetadata(filePath)

	checkTicker := time.NewTicker(time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Debug("error reading file", zap.String("file", filePath), zap.Error(line.Err))
				continue
			}

			timestamp := line.Time
			if timestamp.IsZero() {
				timestamp = time.Now()
			}
			s.processor.OnEmit(logging.Record{
				Level:     logging.InfoLevel,
				Body:      line.Text,
				Metadata:  metadata,
				Timestamp: timestamp,
				Label:     RecordLabel,
				File:      filePath,
			})
			s.metrics.linesRead.Inc()
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check the idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug("file idle, stop tailing", zap.String("file", filePath))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) scanner(ctx context.Context) {
	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	s.scanFiles(ctx)
	for {
		select {
		case <-ticker.C:
			s.scanFiles(ctx)

		case <-ctx.Done():
			return
		}
	}
}

// scanFiles queues files that are not being tailed yet.
func (s *Service) scanFiles(ctx context.Context) {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("error discovering log files", zap.Error(err))
		return
	}

	for _, file := range files {
		if !s.markSeen(file) {
			continue
		}

		select {
		case s.fileQueue <- file:
			s.metrics.filesDiscovered.Inc()
			s.metrics.queuedFiles.Inc()
		case <-ctx.Done():
			return
		default:
			s.forget(file)
			s.logger.Warn("file queue full, skipping",
				zap.Int("queued", len(s.fileQueue)),
				zap.Int("capacity", cap(s.fileQueue)),
				zap.String("file", file))
		}
	}
}

func (s *Service) markSeen(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seenFiles[file]; ok {
		return false
	}
	s.seenFiles[file] = struct{}{}
	return true
}

// forget lets a later scan pick the file up again.
func (s *Service) forget(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seenFiles, file)
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.WalkDir(s.config.LogRootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", zap.String("path", path), zap.Error(err))
			return nil
		}

		if !d.IsDir() && strings.HasSuffix(d.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractMetadata reads the Kubernetes pod layout
// <root>/<namespace>_<pod>_<uid>/<container>/<file>.log.
func (s *Service) extractMetadata(filePath string) logging.Metadata {
	metadata := logging.Metadata{
		{Key: "node", Value: s.config.NodeName},
		{Key: "file", Value: filepath.Base(filePath)},
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil {
		return metadata
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return metadata
	}

	podParts := strings.SplitN(parts[0], "_", 3)
	if len(podParts) == 3 {
		metadata = append(metadata,
			logging.Field{Key: "namespace", Value: podParts[0]},
			logging.Field{Key: "pod", Value: podParts[1]},
			logging.Field{Key: "pod_uid", Value: podParts[2]},
		)
	}
	metadata = append(metadata, logging.Field{Key: "container", Value: parts[1]})
	return metadata
}
