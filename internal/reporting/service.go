package reporting

import (
	"context"
	"errors"
	"time"

	"callbridge/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
// store.Store satisfies it.
type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{WidgetID: req.WidgetID, ByState: map[string]int{}}
	for _, c := range rows {
		if req.WidgetID != 0 && c.WidgetID != req.WidgetID {
			continue
		}
		out.TotalCalls++
		out.ByState[string(c.State)]++
		if reachedDestination(c.State) {
			out.ReachedDestination++
		}

		switch calls.Project(c.State) {
		case calls.ExternalInitiated:
			out.InitiatedCalls++
		case calls.ExternalRinging:
			out.RingingCalls++
		case calls.ExternalInProgress:
			out.InProgressCalls++
		case calls.ExternalCompleted:
			out.CompletedCalls++
		case calls.ExternalNoAnswer:
			out.NoAnswerCalls++
		case calls.ExternalCanceled:
			out.CanceledCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.BridgeRate = float64(out.CompletedCalls) / float64(out.TotalCalls)
		out.RedirectRate = float64(out.ReachedDestination) / float64(out.TotalCalls)
	}
	return out, nil
}

// reachedDestination reports whether a call got past origin confirmation.
// FAILED is excluded since it cannot tell which side failed.
func reachedDestination(s calls.State) bool {
	switch s {
	case calls.StateRedirecting, calls.StateDestinationRinging, calls.StateDestinationAnswered,
		calls.StateConnected, calls.StateCompleted, calls.StateNoAnswer:
		return true
	default:
		return false
	}
}
