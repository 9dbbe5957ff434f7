package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for an output path with an unknown
// extension.
var ErrUnsupportedFormat = errors.New("unsupported report format")

// Sink receives finished report documents.
type Sink interface {
	Write(ctx context.Context, doc Document) error
}

// Format is a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Encode writes doc to w in the given format.
func Encode(w io.Writer, format Format, doc Document) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// WriterSink encodes documents to an io.Writer.
type WriterSink struct {
	w      io.Writer
	format Format
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer, format Format) *WriterSink {
	return &WriterSink{w: w, format: format}
}

// Write implements Sink.
func (s *WriterSink) Write(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Encode(s.w, s.format, doc)
}

// FileSink writes each document to a file, replacing it atomically.
type FileSink struct {
	path   string
	format Format
	logger zerolog.Logger
}

// NewFileSink creates a sink for path; the format follows the extension.
func NewFileSink(path string, logger zerolog.Logger) (*FileSink, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		path:   path,
		format: format,
		logger: logger.With().Str("component", "report-sink").Logger(),
	}, nil
}

// Path returns the output file.
func (s *FileSink) Path() string {
	return s.path
}

// Write implements Sink.
func (s *FileSink) Write(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, s.format, doc); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s report: %w", s.format, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}

	s.logger.Info().Str("path", s.path).Str("format", string(s.format)).Msg("Report written")
	return nil
}
