package diag

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Record is the structured failure record the executor emits before a
// workflow abort propagates. Where the record ends up (file, log pipeline,
// database) is the sink's concern, not the engine's.
type Record struct {
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives abort diagnostic records.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// SlogSink writes diagnostic records through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging at error level. A nil logger falls
// back to a text handler on stderr.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Write(ctx context.Context, rec *Record) error {
	s.logger.ErrorContext(ctx, "workflow aborted",
		slog.String("run_id", rec.RunID),
		slog.String("workflow_id", rec.WorkflowID),
		slog.String("step_id", rec.StepID),
		slog.String("error", rec.Error),
		slog.Int("attempts", rec.Attempts),
		slog.Time("timestamp", rec.Timestamp),
	)
	return nil
}

// MultiSink fans a record out to several sinks; the first error wins but
// every sink is attempted.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec *Record) error {
	var firstErr error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
