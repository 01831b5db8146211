package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"heraldbot/internal/transport"
)

// memoryStore keeps everything in maps behind one mutex. It backs the
// "memory" driver and the engine's tests; semantics mirror the sqlite store.
type memoryStore struct {
	mu         sync.Mutex
	runs       map[string]Run
	deliveries map[string]map[transport.RecipientID]Delivery
	recipients map[transport.RecipientID]Recipient
}

func NewMemory() Store {
	return &memoryStore{
		runs:       map[string]Run{},
		deliveries: map[string]map[transport.RecipientID]Delivery{},
		recipients: map[transport.RecipientID]Recipient{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CreateRun(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *memoryStore) UpdateRun(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.State = r.State
	cur.Total = r.Total
	cur.Sent = r.Sent
	cur.Failed = r.Failed
	cur.Reason = r.Reason
	cur.CompletedAt = r.CompletedAt
	s.runs[r.ID] = cur
	return nil
}

func (s *memoryStore) GetRun(ctx context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListUnfinishedRuns(ctx context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Run
	for _, r := range s.runs {
		if r.State != "completed" && r.State != "aborted" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.State != "completed" && r.State != "aborted" {
			continue
		}
		if !r.CompletedAt.IsZero() && r.CompletedAt.Before(cutoff) {
			delete(s.runs, id)
			delete(s.deliveries, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) InsertPending(ctx context.Context, runID string, recipients []transport.RecipientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.deliveries[runID]
	if m == nil {
		m = map[transport.RecipientID]Delivery{}
		s.deliveries[runID] = m
	}
	for _, id := range recipients {
		if _, exists := m[id]; exists {
			continue
		}
		m[id] = Delivery{RunID: runID, Recipient: id}
	}
	return nil
}

func (s *memoryStore) RecordOutcome(ctx context.Context, d Delivery) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.deliveries[d.RunID]
	if m == nil {
		return ErrNotFound
	}
	if _, exists := m[d.Recipient]; !exists {
		return ErrNotFound
	}
	m[d.Recipient] = d
	return nil
}

func (s *memoryStore) GetDelivery(ctx context.Context, runID string, id transport.RecipientID) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.deliveries[runID]
	if m == nil {
		return Delivery{}, ErrNotFound
	}
	d, ok := m[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

func (s *memoryStore) ListOutstanding(ctx context.Context, runID string) ([]transport.RecipientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transport.RecipientID
	for id, d := range s.deliveries[runID] {
		if d.Outcome == "" {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memoryStore) CountOutcomes(ctx context.Context, runID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sent, failed int
	for _, d := range s.deliveries[runID] {
		switch d.Outcome {
		case "sent":
			sent++
		case "failed":
			failed++
		}
	}
	return sent, failed, nil
}

func (s *memoryStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.recipients[r.ID]; ok {
		r.CreatedAt = cur.CreatedAt
	}
	s.recipients[r.ID] = r
	return nil
}

func (s *memoryStore) ListEligible(ctx context.Context, ids []transport.RecipientID) ([]transport.RecipientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transport.RecipientID
	if len(ids) == 0 {
		for id, r := range s.recipients {
			if !r.Blocked {
				out = append(out, id)
			}
		}
	} else {
		for _, id := range ids {
			if r, ok := s.recipients[id]; ok && !r.Blocked {
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memoryStore) MarkBlocked(ctx context.Context, id transport.RecipientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		// Upsert like the sqlite driver: record the block even for ids the
		// registry has never seen.
		r = Recipient{ID: id, CreatedAt: time.Now()}
	}
	r.Blocked = true
	s.recipients[id] = r
	return nil
}
