package reporting

import (
	"context"
	"testing"
	"time"

	"callbridge/internal/calls"
	"callbridge/internal/store"
)

func seed(t *testing.T, s *store.MemoryStore, rows ...calls.Call) {
	t.Helper()
	err := s.Tx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, c := range rows {
			if err := tx.InsertCall(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestReporting_CallsSummaryAggregates(t *testing.T) {
	repo := store.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, repo,
		calls.Call{ID: "c1", WidgetID: 1, State: calls.StateCompleted, CreatedAt: now},
		calls.Call{ID: "c2", WidgetID: 1, State: calls.StateNoAnswer, CreatedAt: now},
		calls.Call{ID: "c3", WidgetID: 1, State: calls.StateFailed, CreatedAt: now},
		calls.Call{ID: "c4", WidgetID: 1, State: calls.StateConnected, CreatedAt: now},
		calls.Call{ID: "c5", WidgetID: 2, State: calls.StateCompleted, CreatedAt: now},
		calls.Call{ID: "c6", WidgetID: 1, State: calls.StateCompleted, CreatedAt: now.Add(-48 * time.Hour)},
	)
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{WidgetID: 1, Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 4 {
		t.Fatalf("expected 4 calls, got %d", out.TotalCalls)
	}
	if out.CompletedCalls != 1 || out.NoAnswerCalls != 1 || out.CanceledCalls != 1 || out.InProgressCalls != 1 {
		t.Fatalf("unexpected breakdown: %+v", out)
	}
	if out.ReachedDestination != 3 {
		t.Fatalf("expected 3 calls past origin confirmation, got %d", out.ReachedDestination)
	}
	if out.BridgeRate != 0.25 {
		t.Fatalf("expected bridge rate 0.25, got %v", out.BridgeRate)
	}
	if out.ByState[string(calls.StateFailed)] != 1 {
		t.Fatalf("expected one failed call in by_state")
	}
}

func TestReporting_AllWidgets(t *testing.T) {
	repo := store.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, repo,
		calls.Call{ID: "c1", WidgetID: 1, State: calls.StateRinging, CreatedAt: now},
		calls.Call{ID: "c2", WidgetID: 2, State: calls.StateInitiated, CreatedAt: now},
	)

	out, err := NewService(repo).CallsSummary(context.Background(), CallsSummaryRequest{Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 2 || out.InitiatedCalls != 2 {
		t.Fatalf("unexpected summary: %+v", out)
	}
}

func TestReporting_RejectsBadRange(t *testing.T) {
	now := time.Now()
	_, err := NewService(store.NewMemoryStore()).CallsSummary(context.Background(), CallsSummaryRequest{Range: TimeRange{From: now, To: now}})
	if err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
