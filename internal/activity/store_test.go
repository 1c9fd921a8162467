package activity

import (
	"testing"
	"time"

	"willow/internal/model"
)

func TestStoreIsBounded(t *testing.T) {
	s := NewStore(3)
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := "ri-a"
		if i%2 == 1 {
			id = "ri-b"
		}
		s.Add(model.ActivityEvent{Timestamp: t0.Add(time.Duration(i) * time.Minute), RuleInstanceID: id, Kind: model.ActivityFaulted})
	}
	all := s.List(0)
	if len(all) != 3 || !all[0].Timestamp.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("unexpected ring contents %+v", all)
	}
	if last := s.List(1); len(last) != 1 || !last[0].Timestamp.Equal(t0.Add(4*time.Minute)) {
		t.Fatalf("unexpected latest %+v", last)
	}
	if got := s.Since(t0.Add(3 * time.Minute)); len(got) != 2 {
		t.Fatalf("expected 2 events since t0+3m, got %d", len(got))
	}
	a := s.ForRuleInstance("ri-a", 0)
	if len(a) != 2 || !a[0].Timestamp.Before(a[1].Timestamp) {
		t.Fatalf("unexpected per-instance events %+v", a)
	}
	s.Clear()
	if len(s.List(0)) != 0 {
		t.Fatalf("expected empty store")
	}
}
