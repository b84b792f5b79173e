// Package usage records one event per completed pipeline invocation.
//
// The pipeline reports through the [Recorder] interface and never lets a
// recording failure reach the caller: errors are logged and dropped. [Nop]
// is the default. [Logger] writes events to slog, [FileRecorder] appends JSON
// lines to a local file, and the postgres subpackage stores them in a table.
// [Multi] fans one event out to several recorders.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Operation names used by the pipeline.
const (
	OpAnnotate = "annotate"
	OpBatch    = "annotate_batch"
)

// Common metadata keys.
const (
	MetaLanguage       = "language"
	MetaTargetLanguage = "target_language"
	MetaScore          = "score"
	MetaCorrected      = "corrected"
	MetaErrorKind      = "error_kind"
	MetaExtractStage   = "extract_stage"
)

// Event describes one finished invocation.
type Event struct {
	Operation      string            `json:"operation"`
	Success        bool              `json:"success"`
	ProcessingTime time.Duration     `json:"processing_time_ns"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Time is when the invocation finished. Recorders fill it in when zero.
	Time time.Time `json:"time"`
}

func (e Event) at() time.Time {
	if e.Time.IsZero() {
		return time.Now().UTC()
	}
	return e.Time
}

// Recorder persists or forwards usage events. Implementations must be safe
// for concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements [Recorder].
func (Nop) Record(context.Context, Event) error { return nil }

// Logger writes every event to a slog logger at info level.
type Logger struct {
	// L is the destination. Nil means slog.Default().
	L *slog.Logger
}

// Record implements [Recorder].
func (l Logger) Record(ctx context.Context, e Event) error {
	logger := l.L
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"operation", e.Operation,
		"success", e.Success,
		"duration", e.ProcessingTime,
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, k, v)
	}
	logger.InfoContext(ctx, "usage event", attrs...)
	return nil
}

// Multi records every event with each of its recorders in order. All
// recorders run even when one fails; their errors are joined.
type Multi []Recorder

// Record implements [Recorder].
func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Recorder = Nop{}
	_ Recorder = Logger{}
	_ Recorder = Multi(nil)
)
