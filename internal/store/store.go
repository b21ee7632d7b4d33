package store

import (
	"context"
	"errors"
	"time"

	"callbridge/internal/calls"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: version conflict")
	ErrExists   = errors.New("store: already exists")
)

// Store persists Call aggregates: the call row, its legs and its event log.
//
// Mutations happen only inside Tx so that a failure mid-event leaves no
// partial leg or call state behind.
type Store interface {
	Tx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	FindCall(ctx context.Context, id string) (calls.Call, error)
	FindLeg(ctx context.Context, legID string) (calls.Leg, error)
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error)
	ListLegs(ctx context.Context, callID string) ([]calls.Leg, error)
	ListEvents(ctx context.Context, callID string) ([]calls.Event, error)
}

// Tx is the unit of work for a single inbound event.
type Tx interface {
	// LockCall loads the call and holds it until the transaction ends
	// (row lock where the backend supports it).
	LockCall(ctx context.Context, id string) (calls.Call, error)
	InsertCall(ctx context.Context, c calls.Call) error
	// UpdateCall persists c if its Version still matches the stored row and
	// returns the call with the bumped version. Stale versions yield ErrConflict.
	UpdateCall(ctx context.Context, c calls.Call) (calls.Call, error)

	FindLeg(ctx context.Context, legID string) (calls.Leg, error)
	LegsByCall(ctx context.Context, callID string) ([]calls.Leg, error)
	InsertLeg(ctx context.Context, l calls.Leg) error
	UpdateLeg(ctx context.Context, l calls.Leg) error

	AppendEvent(ctx context.Context, e calls.Event) error
	HasEvent(ctx context.Context, callID, fingerprint string) (bool, error)
}
