package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"callbridge/internal/calls"
)

// MemoryStore keeps aggregates in process memory. Transactions are fully
// serialized and applied only when fn returns nil.
// Useful for tests and single-instance local runs.
type MemoryStore struct {
	mu     sync.Mutex
	calls  map[string]calls.Call
	legs   map[string]calls.Leg
	events []calls.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: map[string]calls.Call{},
		legs:  map[string]calls.Leg{},
	}
}

func (s *MemoryStore) Tx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		calls:  maps.Clone(s.calls),
		legs:   maps.Clone(s.legs),
		events: slices.Clone(s.events),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.calls = tx.calls
	s.legs = tx.legs
	s.events = tx.events
	return nil
}

func (s *MemoryStore) FindCall(ctx context.Context, id string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindLeg(ctx context.Context, legID string) (calls.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.legs[legID]
	if !ok {
		return calls.Leg{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range s.calls {
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListLegs(ctx context.Context, callID string) ([]calls.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return legsOf(s.legs, callID), nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, callID string) ([]calls.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Event, 0)
	for _, e := range s.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memoryTx struct {
	calls  map[string]calls.Call
	legs   map[string]calls.Leg
	events []calls.Event
}

func (t *memoryTx) LockCall(ctx context.Context, id string) (calls.Call, error) {
	c, ok := t.calls[id]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	return c, nil
}

func (t *memoryTx) InsertCall(ctx context.Context, c calls.Call) error {
	if _, ok := t.calls[c.ID]; ok {
		return ErrExists
	}
	t.calls[c.ID] = c
	return nil
}

func (t *memoryTx) UpdateCall(ctx context.Context, c calls.Call) (calls.Call, error) {
	cur, ok := t.calls[c.ID]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	if cur.Version != c.Version {
		return calls.Call{}, ErrConflict
	}
	c.Version++
	t.calls[c.ID] = c
	return c, nil
}

func (t *memoryTx) FindLeg(ctx context.Context, legID string) (calls.Leg, error) {
	l, ok := t.legs[legID]
	if !ok {
		return calls.Leg{}, ErrNotFound
	}
	return l, nil
}

func (t *memoryTx) LegsByCall(ctx context.Context, callID string) ([]calls.Leg, error) {
	return legsOf(t.legs, callID), nil
}

func (t *memoryTx) InsertLeg(ctx context.Context, l calls.Leg) error {
	if _, ok := t.legs[l.ID]; ok {
		return ErrExists
	}
	t.legs[l.ID] = l
	return nil
}

func (t *memoryTx) UpdateLeg(ctx context.Context, l calls.Leg) error {
	if _, ok := t.legs[l.ID]; !ok {
		return ErrNotFound
	}
	t.legs[l.ID] = l
	return nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, e calls.Event) error {
	e.Fields = maps.Clone(e.Fields)
	t.events = append(t.events, e)
	return nil
}

func (t *memoryTx) HasEvent(ctx context.Context, callID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	for _, e := range t.events {
		if e.CallID == callID && e.Fingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func legsOf(m map[string]calls.Leg, callID string) []calls.Leg {
	out := make([]calls.Leg, 0, 2)
	for _, l := range m {
		if l.CallID == callID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
