package campaign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

var (
	ErrCampaignServerError = errors.New("campaign: server error")
	ErrRejected            = errors.New("campaign: action rejected")
	ErrNoWidget            = errors.New("campaign: outcome has no widget")
)

const createWidgetActionMutation = `mutation($activist: ActivistInput!, $widget_id: Int!, $input: WidgetActionInput!) {
  create_widget_action(activist: $activist, widget_id: $widget_id, input: $input) {
    data
  }
}`

const adminSecretHeader = "x-hasura-admin-secret"

type GraphQLConfig struct {
	URL         string
	AdminSecret string
	Timeout     time.Duration

	RetryAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	BreakerInterval            time.Duration
	BreakerTimeout             time.Duration
	BreakerConsecutiveFailures uint32
}

func (c GraphQLConfig) withDefaults() GraphQLConfig {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.RetryAttempts == 0 {
		out.RetryAttempts = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 500 * time.Millisecond
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = 5 * time.Second
	}
	if out.BreakerConsecutiveFailures == 0 {
		out.BreakerConsecutiveFailures = 5
	}
	if out.BreakerTimeout <= 0 {
		out.BreakerTimeout = 30 * time.Second
	}
	return out
}

// GraphQLSink records call outcomes as widget actions on the campaign API.
type GraphQLSink struct {
	cfg     GraphQLConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *slog.Logger
}

func NewGraphQLSink(cfg GraphQLConfig, log *slog.Logger) (*GraphQLSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("campaign: graphql url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	settings := gobreaker.Settings{
		Name:     "campaign-graphql",
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", "service", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Rejections are answers, not outages.
			return err == nil || errors.Is(err, ErrRejected)
		},
	}

	return &GraphQLSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		log:     log,
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type activistInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type targetInput struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type customFields struct {
	Status string      `json:"status"`
	Target targetInput `json:"target"`
}

type widgetActionInput struct {
	CustomFields customFields `json:"custom_fields"`
}

func (s *GraphQLSink) CallFinished(ctx context.Context, o Outcome) error {
	if o.WidgetID == 0 {
		return ErrNoWidget
	}

	body, err := json.Marshal(graphQLRequest{
		Query: createWidgetActionMutation,
		Variables: map[string]any{
			"activist":  activistInput{Name: o.ActivistName, Email: o.ActivistEmail, Phone: o.ActivistPhone},
			"widget_id": o.WidgetID,
			"input": widgetActionInput{CustomFields: customFields{
				Status: o.Status,
				Target: targetInput{Name: o.TargetName, Phone: o.TargetPhone},
			}},
		},
	})
	if err != nil {
		return err
	}

	_, err = s.breaker.Execute(func() ([]byte, error) {
		var resp []byte
		err := retry.Do(
			func() error {
				var err error
				resp, err = s.post(ctx, body)
				return err
			},
			retry.Context(ctx),
			retry.Attempts(s.cfg.RetryAttempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(s.cfg.RetryDelay),
			retry.MaxDelay(s.cfg.RetryMaxDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, ErrRejected)
			}),
		)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("reporting call %s: %w", o.CallID, err)
	}

	s.log.Info("campaign action recorded", "call_id", o.CallID, "widget_id", o.WidgetID, "status", o.Status)
	return nil
}

func (s *GraphQLSink) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AdminSecret != "" {
		req.Header.Set(adminSecretHeader, s.cfg.AdminSecret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.log.Error("failed to close response body", "err", cerr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrCampaignServerError, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var out graphQLResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRejected, err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrRejected, out.Errors[0].Message)
	}
	return out.Data, nil
}
