package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallCreator is the subset of the Twilio REST API used to dial legs.
// *openapi.ApiService satisfies it.
type CallCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// statusCallbackEvents are the progress events requested for every leg.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// Breaker tuning. Zero values fall back to defaults.
	BreakerInterval            time.Duration
	BreakerTimeout             time.Duration
	BreakerConsecutiveFailures uint32
}

// TwilioLegController creates legs through the Twilio REST API behind a
// circuit breaker.
type TwilioLegController struct {
	api     CallCreator
	breaker *gobreaker.CircuitBreaker[*openapi.ApiV2010Call]
	log     *slog.Logger
}

// NewTwilioLegController builds a controller backed by the real REST client.
func NewTwilioLegController(cfg TwilioConfig, log *slog.Logger) (*TwilioLegController, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewTwilioLegControllerWithAPI(client.Api, cfg, log), nil
}

// NewTwilioLegControllerWithAPI wires a custom CallCreator (emulators, tests).
func NewTwilioLegControllerWithAPI(api CallCreator, cfg TwilioConfig, log *slog.Logger) *TwilioLegController {
	if log == nil {
		log = slog.Default()
	}
	return &TwilioLegController{
		api:     api,
		breaker: newBreaker(cfg, log),
		log:     log,
	}
}

func newBreaker(cfg TwilioConfig, log *slog.Logger) *gobreaker.CircuitBreaker[*openapi.ApiV2010Call] {
	failures := cfg.BreakerConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker[*openapi.ApiV2010Call](gobreaker.Settings{
		Name:     "twilio-create-call",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (c *TwilioLegController) CreateLeg(ctx context.Context, req LegRequest) (LegResult, error) {
	if err := ctx.Err(); err != nil {
		return LegResult{}, err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetTwiml(req.TwiML)
	params.SetStatusCallback(req.StatusCallbackURL)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent(statusCallbackEvents)
	params.SetMachineDetection("Enable")
	params.SetAsyncAmd("true")
	params.SetAsyncAmdStatusCallback(req.AnsweredByCallbackURL)
	params.SetAsyncAmdStatusCallbackMethod("POST")

	resp, err := c.breaker.Execute(func() (*openapi.ApiV2010Call, error) {
		return c.api.CreateCall(params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return LegResult{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return LegResult{}, fmt.Errorf("telephony: create call: %w", err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return LegResult{}, errors.New("telephony: create call returned no sid")
	}

	out := LegResult{
		LegID: *resp.Sid,
		Raw:   map[string]string{"CallSid": *resp.Sid},
	}
	if resp.Status != nil {
		out.Status = *resp.Status
		out.Raw["CallStatus"] = *resp.Status
	}
	if resp.Direction != nil {
		out.Raw["Direction"] = *resp.Direction
	}
	if resp.From != nil {
		out.Raw["From"] = *resp.From
	}
	if resp.To != nil {
		out.Raw["To"] = *resp.To
	}
	if resp.ApiVersion != nil {
		out.Raw["ApiVersion"] = *resp.ApiVersion
	}
	c.log.Info("leg created", "leg_id", out.LegID, "status", out.Status)
	return out, nil
}
