package telephony

import (
	"context"
	"errors"
)

var ErrProviderUnavailable = errors.New("telephony: provider unavailable")

// LegController places outbound legs with the telephony provider.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Request/response types stay provider-agnostic.
type LegController interface {
	CreateLeg(ctx context.Context, req LegRequest) (LegResult, error)
}

// LegRequest describes the origin leg to dial. Callback URLs are absolute.
type LegRequest struct {
	To   string
	From string

	// TwiML executed once the leg is answered.
	TwiML string

	StatusCallbackURL     string
	AnsweredByCallbackURL string
}

// LegResult is what the provider returned when accepting the leg.
type LegResult struct {
	LegID  string
	Status string
	// Raw is a normalized snapshot of the provider response for the event log.
	Raw map[string]string
}
