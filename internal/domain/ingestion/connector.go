package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/interop/interop/internal/platform/hl7v2"
)

// SourceConnector yields a lazy, finite, non-restartable sequence of flat
// records. Next returns io.EOF when the source is exhausted.
type SourceConnector interface {
	Next(ctx context.Context) (map[string]any, error)
	Close() error
}

// RecordError marks one unreadable record from a source that remains
// usable. The worker counts and dead-letters the record, then keeps
// consuming; only genuine I/O failures go through retry.
type RecordError struct {
	Reason string
	Row    map[string]any
}

func (e *RecordError) Error() string { return e.Reason }

// ConnectorFactory opens a connector for a source config.
type ConnectorFactory func(ctx context.Context, cfg SourceConfig) (SourceConnector, error)

// ConnectorRegistry maps source types to their factories.
type ConnectorRegistry struct {
	factories map[string]ConnectorFactory
}

// NewConnectorRegistry returns a registry with the built-in csvFile and
// hl7File connectors. Register mongodb with a live client where one is
// configured.
func NewConnectorRegistry() *ConnectorRegistry {
	r := &ConnectorRegistry{factories: make(map[string]ConnectorFactory)}
	r.Register("csvFile", openCSVFile)
	r.Register("hl7File", openHL7File)
	return r
}

// Register adds or replaces the factory for a source type.
func (r *ConnectorRegistry) Register(sourceType string, f ConnectorFactory) {
	r.factories[sourceType] = f
}

// Open builds a connector for the config. An unknown type or an unopenable
// source is a pre-flight failure.
func (r *ConnectorRegistry) Open(ctx context.Context, cfg SourceConfig) (SourceConnector, error) {
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
	return f(ctx, cfg)
}

// resolveSourcePath tries the configured path and the conventional data
// directories in order, returning the first file that exists.
func resolveSourcePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("source path is empty")
	}
	candidates := []string{
		path,
		filepath.Join("backend", path),
		filepath.Join("data", path),
		filepath.Join("examples", path),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("source file %q not found", path)
}

type csvConnector struct {
	file   *os.File
	reader *csv.Reader
	header []string
}

func openCSVFile(_ context.Context, cfg SourceConfig) (SourceConnector, error) {
	resolved, err := resolveSourcePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		f.Close()
		if err == io.EOF {
			// An empty file is an empty source, not a failure.
			return &csvConnector{file: f, reader: r}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return &csvConnector{file: f, reader: r, header: header}, nil
}

func (c *csvConnector) Next(_ context.Context) (map[string]any, error) {
	if c.header == nil {
		return nil, io.EOF
	}
	record, err := c.reader.Read()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// The reader recovers on the next line; fail just this record.
			return nil, &RecordError{Reason: fmt.Sprintf("malformed csv record: %v", parseErr)}
		}
		return nil, err
	}
	row := make(map[string]any, len(c.header))
	for i, col := range c.header {
		if i < len(record) {
			row[col] = strings.TrimSpace(record[i])
		}
	}
	return row, nil
}

func (c *csvConnector) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

type hl7Connector struct {
	messages []map[string]any
	pos      int
}

// openHL7File reads a file of HL7 v2 messages, one message per MSH block,
// and flattens each into a row keyed by segment-field paths.
func openHL7File(_ context.Context, cfg SourceConfig) (SourceConnector, error) {
	resolved, err := resolveSourcePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}

	conn := &hl7Connector{}
	for _, block := range splitHL7Messages(string(raw)) {
		msg, err := hl7v2.Parse([]byte(block))
		if err != nil {
			return nil, fmt.Errorf("parse hl7 message: %w", err)
		}
		conn.messages = append(conn.messages, msg.Flatten())
	}
	return conn, nil
}

// splitHL7Messages cuts a file into per-message blocks at each MSH segment.
func splitHL7Messages(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var blocks []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "MSH") && len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\r"))
			current = current[:0]
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\r"))
	}
	return blocks
}

func (c *hl7Connector) Next(_ context.Context) (map[string]any, error) {
	if c.pos >= len(c.messages) {
		return nil, io.EOF
	}
	row := c.messages[c.pos]
	c.pos++
	return row, nil
}

func (c *hl7Connector) Close() error { return nil }

type mongoConnector struct {
	cursor *mongo.Cursor
}

// MongoConnectorFactory builds mongodb source connectors over the given
// client. The cursor iterates the collection in natural order, which is
// stable for an append-only source collection.
func MongoConnectorFactory(client *mongo.Client) ConnectorFactory {
	return func(ctx context.Context, cfg SourceConfig) (SourceConnector, error) {
		if client == nil {
			return nil, fmt.Errorf("no document store client configured")
		}
		if cfg.Database == "" || cfg.Collection == "" {
			return nil, fmt.Errorf("mongodb source requires db and collection")
		}
		cursor, err := client.Database(cfg.Database).Collection(cfg.Collection).Find(ctx, bson.M{})
		if err != nil {
			return nil, fmt.Errorf("open source cursor: %w", err)
		}
		return &mongoConnector{cursor: cursor}, nil
	}
}

func (c *mongoConnector) Next(ctx context.Context) (map[string]any, error) {
	if !c.cursor.Next(ctx) {
		if err := c.cursor.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var doc map[string]any
	if err := c.cursor.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode source document: %w", err)
	}
	delete(doc, "_id")
	return doc, nil
}

func (c *mongoConnector) Close() error {
	return c.cursor.Close(context.Background())
}

// sliceConnector serves records from memory. Tests and pass-through replays
// use it.
type sliceConnector struct {
	rows []map[string]any
	pos  int
	err  error // injected read failure, returned once per Next until cleared
}

func (c *sliceConnector) Next(_ context.Context) (map[string]any, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.pos >= len(c.rows) {
		return nil, io.EOF
	}
	row := c.rows[c.pos]
	c.pos++
	return row, nil
}

func (c *sliceConnector) Close() error { return nil }
