package activity

import (
	"sync"
	"time"

	"willow/internal/model"
)

// Store is a bounded in-memory log of actor activity. The oldest event is
// dropped once the limit is reached.
type Store struct {
	mu    sync.RWMutex
	buf   []model.ActivityEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

// List returns up to limit of the most recent events, oldest first.
func (s *Store) List(limit int) []model.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.ActivityEvent, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ActivityEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) ForRuleInstance(id string, limit int) []model.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ActivityEvent, 0)
	for i := len(s.buf) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.buf[i].RuleInstanceID == id {
			out = append(out, s.buf[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
