// Package audit provides durable recording of evaluation results.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/engine"
)

// JSONLSink appends evaluation results to a newline-delimited JSON
// file, one result per line. Writes are serialized so concurrent
// evaluations never interleave lines.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger zerolog.Logger
}

// NewJSONLSink opens (or creates) the audit log at path. Parent
// directories are created as needed.
func NewJSONLSink(path string, logger zerolog.Logger) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &JSONLSink{
		file:   file,
		enc:    json.NewEncoder(file),
		logger: logger.With().Str("component", "audit").Logger(),
	}, nil
}

// Record appends one evaluation result to the log.
func (s *JSONLSink) Record(ctx context.Context, result *engine.EvaluationResult) error {
	if result == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit sink is closed")
	}
	if err := s.enc.Encode(result); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Sync flushes the underlying file to stable storage.
func (s *JSONLSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close flushes and closes the log file. The sink rejects further
// records after Close.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	s.enc = nil
	return err
}
