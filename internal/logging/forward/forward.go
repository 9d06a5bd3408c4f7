// Package forward exports records to a Fluentd or Fluent Bit server over the
// Forward protocol.
package forward

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relex/fluentlib/protocol/forwardprotocol"
	"github.com/vmihailenco/msgpack/v4"
	"go.uber.org/zap"

	"github.com/Chichichkin/logexport/internal/logging"
)

const defaultDialTimeout = 5 * time.Second

type Config struct {
	// Address is the host:port of the upstream.
	Address     string
	Tag         string
	DialTimeout time.Duration
	// RequireAck asks the upstream to acknowledge every chunk.
	RequireAck bool
}

// Exporter sends each batch as one Forward mode message:
// [tag, [[time, record], ...], {size, chunk}].
type Exporter struct {
	config Config
	logger *zap.Logger
	dialer net.Dialer

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	decoder *msgpack.Decoder
	closed  bool
}

func NewExporter(config Config, logger *zap.Logger) (*Exporter, error) {
	if config.Address == "" {
		return nil, errors.New("forward address is required")
	}
	if config.Tag == "" {
		return nil, errors.New("forward tag is required")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Exporter{
		config: config,
		logger: logger.With(zap.String("exporter", "forward"), zap.String("address", config.Address)),
		dialer: net.Dialer{Timeout: config.DialTimeout},
	}, nil
}

func (e *Exporter) Export(ctx context.Context, batch []logging.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return logging.ErrExporterShutdown
	}
	if len(batch) == 0 {
		return nil
	}

	chunkID := uuid.NewString()
	message, err := encodeMessage(e.config.Tag, chunkID, e.config.RequireAck, batch)
	if err != nil {
		return err
	}

	if err := e.connect(ctx); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	if err := e.conn.SetDeadline(deadline); err != nil {
		e.disconnect()
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	// a cancelled ctx interrupts blocked reads and writes
	conn := e.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := e.send(message); err != nil {
		e.disconnect()
		return e.contextError(ctx, fmt.Errorf("failed to send chunk %s: %w", chunkID, err))
	}

	if e.config.RequireAck {
		if err := e.readAck(chunkID); err != nil {
			e.disconnect()
			return e.contextError(ctx, err)
		}
	}

	e.logger.Debug("sent chunk", zap.String("chunk", chunkID), zap.Int("records", len(batch)))
	return nil
}

// ForceFlush writes out anything left in the connection buffer.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writer == nil || e.writer.Buffered() == 0 {
		return nil
	}

	deadline, _ := ctx.Deadline()
	if err := e.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		e.disconnect()
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (e *Exporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.conn == nil {
		return nil
	}
	flushErr := e.writer.Flush()
	closeErr := e.conn.Close()
	e.conn, e.writer, e.decoder = nil, nil, nil
	return errors.Join(flushErr, closeErr)
}

func (e *Exporter) connect(ctx context.Context) error {
	if e.conn != nil {
		return nil
	}

	conn, err := e.dialer.DialContext(ctx, "tcp", e.config.Address)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	e.logger.Info("connected", zap.String("remote", conn.RemoteAddr().String()))

	e.conn = conn
	e.writer = bufio.NewWriter(conn)
	e.decoder = msgpack.NewDecoder(conn)
	return nil
}

func (e *Exporter) disconnect() {
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("error closing connection", zap.Error(err))
	}
	e.conn, e.writer, e.decoder = nil, nil, nil
}

func (e *Exporter) send(message []byte) error {
	if _, err := e.writer.Write(message); err != nil {
		return err
	}
	return e.writer.Flush()
}

func (e *Exporter) readAck(chunkID string) error {
	ack := forwardprotocol.Ack{}
	if err := e.decoder.Decode(&ack); err != nil {
		return fmt.Errorf("failed to read ACK: %w", err)
	}
	if ack.Ack != chunkID {
		return fmt.Errorf("unexpected ACK %q for chunk %s", ack.Ack, chunkID)
	}
	return nil
}

// contextError reports ctx's error when it caused the network failure.
func (e *Exporter) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func encodeMessage(tag, chunkID string, withChunk bool, batch []logging.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	// root array
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, err
	}
	// root[0]: tag
	if err := enc.EncodeString(tag); err != nil {
		return nil, err
	}
	// root[1]: events
	if err := enc.EncodeArrayLen(len(batch)); err != nil {
		return nil, err
	}
	for _, record := range batch {
		if err := encodeEvent(enc, record); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}
	// root[2]: option
	option := forwardprotocol.TransportOption{
		Size: len(batch),
	}
	if withChunk {
		option.Chunk = chunkID
	}
	if err := enc.Encode(option); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeEvent(enc *msgpack.Encoder, record logging.Record) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.Encode(&forwardprotocol.EventTime{Time: record.Timestamp}); err != nil {
		return err
	}
	return enc.Encode(eventFields(record))
}

// eventFields flattens a record into the map sent as the event body. Metadata
// keys never replace the built-in fields.
func eventFields(record logging.Record) map[string]interface{} {
	fields := make(map[string]interface{}, len(record.Metadata)+6)
	for _, f := range record.Metadata {
		fields[f.Key] = fieldValue(f.Value)
	}

	fields["message"] = record.Body
	fields["level"] = record.Level.String()
	if record.Label != "" {
		fields["label"] = record.Label
	}
	if record.Source != "" {
		fields["source"] = record.Source
	}
	if record.File != "" {
		fields["file"] = record.File
		fields["line"] = record.Line
	}
	if record.Function != "" {
		fields["function"] = record.Function
	}
	return fields
}

func fieldValue(v any) any {
	switch v := v.(type) {
	case nil, string, bool, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case time.Duration:
		return v.String()
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
