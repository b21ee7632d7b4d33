package campaign

import (
	"context"
	"log/slog"
)

// Outcome is reported once per call when it reaches a terminal state.
type Outcome struct {
	CallID   string
	WidgetID int64

	ActivistName  string
	ActivistEmail string
	ActivistPhone string

	TargetName  string
	TargetPhone string

	// Status is the externally visible call status (completed, no-answer, ...).
	Status string
}

// Sink receives call outcomes. Implementations must be safe for concurrent use.
type Sink interface {
	CallFinished(ctx context.Context, o Outcome) error
}

// NoopSink logs and drops outcomes. Used when no campaign API is configured.
type NoopSink struct {
	Log *slog.Logger
}

func (s NoopSink) CallFinished(ctx context.Context, o Outcome) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("campaign sink disabled, dropping outcome", "call_id", o.CallID, "status", o.Status)
	return nil
}
