package audit

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service records anomalies and operator actions.
//
// Only admins read records back, through ForCall.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// ForCall returns the audit trail of one call in insertion order.
func (s *Service) ForCall(ctx context.Context, callID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if callID == "" {
		return nil, ErrInvalidEvent
	}
	return s.repo.ListByCall(ctx, callID)
}

// LogClassificationFailure keeps a rejected callback for forensic replay.
func (s *Service) LogClassificationFailure(ctx context.Context, kind, hintCallID string, fields map[string]string, cause error) error {
	return s.Append(ctx, Event{
		Type:     EventTypeClassificationFailure,
		CallID:   hintCallID,
		LegID:    fields["CallSid"],
		Message:  errString(cause),
		Metadata: payload(map[string]any{"kind": kind, "fields": fields}),
	})
}

// LogAnomaly records an event that could not be bound to stored state.
func (s *Service) LogAnomaly(ctx context.Context, callID, legID string, fields map[string]string, cause error) error {
	return s.Append(ctx, Event{
		Type:     EventTypeAnomaly,
		CallID:   callID,
		LegID:    legID,
		Message:  errString(cause),
		Metadata: payload(map[string]any{"fields": fields}),
	})
}

// LogIllegalTransition records a trigger the call's state did not accept.
func (s *Service) LogIllegalTransition(ctx context.Context, callID, legID, state, trigger string, fields map[string]string) error {
	return s.Append(ctx, Event{
		Type:     EventTypeIllegalTransition,
		CallID:   callID,
		LegID:    legID,
		Message:  "illegal transition " + trigger + " from " + state,
		Metadata: payload(map[string]any{"state": state, "trigger": trigger, "fields": fields}),
	})
}

// LogCallStarted records which operator initiated a call.
func (s *Service) LogCallStarted(ctx context.Context, callID, actorUserID, actorRole, ip string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeCallStarted,
		CallID:      callID,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     "call started",
	})
}

func payload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
