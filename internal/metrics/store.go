package metrics

import (
	"sort"
	"sync"
	"time"

	"willow/internal/model"
)

// Store keeps the latest summary per actor so that readers never touch live
// actor state.
type Store struct {
	mu        sync.RWMutex
	byActor   map[string]model.ActorSummary
	updatedAt map[string]time.Time
	limit     int
	now       func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 50000
	}
	return &Store{
		byActor:   make(map[string]model.ActorSummary),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Update(summary model.ActorSummary) {
	if summary.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byActor[summary.ID] = summary
	s.updatedAt[summary.ID] = s.now()
	if len(s.byActor) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(id string) (model.ActorSummary, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.byActor[id]
	if !ok {
		return model.ActorSummary{}, time.Time{}, false
	}
	return summary, s.updatedAt[id], true
}

func (s *Store) GetAll() []model.ActorSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ActorSummary, 0, len(s.byActor))
	for _, summary := range s.byActor {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byActor, id)
	delete(s.updatedAt, id)
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, ts := range s.updatedAt {
		if oldestID == "" || ts.Before(oldest) {
			oldestID = id
			oldest = ts
		}
	}
	if oldestID != "" {
		delete(s.byActor, oldestID)
		delete(s.updatedAt, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byActor = make(map[string]model.ActorSummary)
	s.updatedAt = make(map[string]time.Time)
}
