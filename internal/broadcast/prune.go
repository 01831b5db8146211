package broadcast

import (
	"context"
	"sort"
	"time"

	logx "heraldbot/pkg/logx"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneStatus evicts finished runs from the in-memory status map: anything
// past the TTL, then the oldest finished entries beyond the cap. Active
// runs are never evicted; their durable record lives in the store anyway.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	max := s.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := s.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	for id, st := range s.status {
		if !st.State.Terminal() {
			continue
		}
		ref := st.CompletedAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if now.Sub(ref) > ttl {
			delete(s.status, id)
		}
	}

	if len(s.status) <= max {
		return
	}

	type aged struct {
		id string
		at time.Time
	}
	finished := make([]aged, 0, len(s.status))
	for id, st := range s.status {
		if st.State.Terminal() {
			finished = append(finished, aged{id: id, at: st.CreatedAt})
		}
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].at.Before(finished[k].at) })
	for _, f := range finished {
		if len(s.status) <= max {
			break
		}
		delete(s.status, f.id)
	}
}

// PruneHistory deletes finished runs older than the retention window from
// the store, along with their per-recipient delivery rows. Unfinished runs
// are kept regardless of age so they stay resumable.
func (s *Service) PruneHistory(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention)
	n, err := s.store.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("history prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		s.log.Info("history pruned", logx.Int("runs", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}
