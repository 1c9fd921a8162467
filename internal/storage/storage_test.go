package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"willow/internal/config"
	"willow/internal/insight"
	"willow/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "willow.db") + "?_pragma=busy_timeout(5000)"
	store, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestNewStoreDisabledAndUnknown(t *testing.T) {
	store, err := NewStore(config.StorageConfig{})
	if store != nil || err != nil {
		t.Fatalf("disabled storage should return nil, nil")
	}
	if _, err := NewStore(config.StorageConfig{Enabled: true, Driver: "mongo"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestRebind(t *testing.T) {
	b := baseStore{numbered: true}
	got := b.rebind(`SELECT a FROM t WHERE a = ? AND b = ?`)
	if got != `SELECT a FROM t WHERE a = $1 AND b = $2` {
		t.Fatalf("unexpected rebind %q", got)
	}
}

func TestActorStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadActorState(ctx, "ri-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	codec := Codec{}
	type snapshot struct {
		ID    string  `json:"id"`
		Value float64 `json:"value"`
	}
	data, err := codec.Encode(snapshot{ID: "ri-1", Value: 21.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := store.SaveActorState(ctx, "ri-1", data, now); err != nil {
		t.Fatalf("save: %v", err)
	}
	data2, _ := codec.Encode(snapshot{ID: "ri-1", Value: 22})
	if err := store.SaveActorState(ctx, "ri-1", data2, now.Add(time.Minute)); err != nil {
		t.Fatalf("save again: %v", err)
	}

	raw, err := store.LoadActorState(ctx, "ri-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var got snapshot
	if err := codec.Decode(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != 22 {
		t.Fatalf("expected latest snapshot, got %+v", got)
	}
	ids, err := store.ListActorIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "ri-1" {
		t.Fatalf("unexpected ids %v %v", ids, err)
	}
}

func TestInsightRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	ins, err := insight.New("ri-1", "rule-1")
	if err != nil {
		t.Fatal(err)
	}
	ins.RuleName = "Supply temperature high"
	ins.IsFaulty, ins.IsValid = true, true
	ins.FaultedCount = 4
	ins.Feeds = []string{"ahu-1"}
	ins.RuleTags = []string{"hvac", "comfort"}
	ins.Dependencies = []insight.Dependency{{Relationship: "isFedBy", InsightID: "ri-0"}}
	ins.CreatedDate = t0
	for k, faulted := range []bool{false, true} {
		o, err := insight.NewOccurrence(ins.ID, t0.Add(time.Duration(k)*time.Hour), t0.Add(time.Duration(k+1)*time.Hour), faulted, true, "")
		if err != nil {
			t.Fatal(err)
		}
		ins.Occurrences = append(ins.Occurrences, o)
	}
	score, _ := insight.NewImpactScore(ins.ID, "energy", "Energy", "Wh", 1500)
	ins.ImpactScores = []insight.ImpactScore{score}

	if err := store.SaveInsight(ctx, ins); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Occurrences are replaced and impact scores upserted on resave.
	ins.Occurrences = ins.Occurrences[1:]
	ins.ImpactScores[0].Score = 3000
	ins.LastSyncDateUTC = t0.Add(3 * time.Hour)
	if err := store.SaveInsight(ctx, ins); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := store.LoadInsight(ctx, "ri-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RuleName != ins.RuleName || !got.IsFaulty || got.FaultedCount != 4 || got.Status != insight.StatusNew {
		t.Fatalf("unexpected insight %+v", got)
	}
	if !got.CreatedDate.Equal(t0) || !got.LastSyncDateUTC.Equal(t0.Add(3*time.Hour)) || !got.LastFaultedDate.IsZero() {
		t.Fatalf("unexpected dates %+v", got)
	}
	if len(got.RuleTags) != 2 || got.Dependencies[0].InsightID != "ri-0" {
		t.Fatalf("unexpected array fields %+v", got)
	}
	if len(got.Occurrences) != 1 || !got.Occurrences[0].IsFaulted || !got.Occurrences[0].Started.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected occurrences %+v", got.Occurrences)
	}
	if len(got.ImpactScores) != 1 || got.ImpactScores[0].Score != 3000 {
		t.Fatalf("unexpected impact scores %+v", got.ImpactScores)
	}

	list, err := store.ListInsights(ctx)
	if err != nil || len(list) != 1 || list[0].ID != "ri-1" {
		t.Fatalf("unexpected list %v %v", list, err)
	}
	if _, err := store.LoadInsight(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveActivity(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveActivity(context.Background(), model.ActivityEvent{
		Timestamp:      time.Now().UTC(),
		RuleInstanceID: "ri-1",
		Kind:           model.ActivityFaulted,
		Message:        "rule faulted",
		Context:        map[string]string{"value": "30"},
	})
	if err != nil {
		t.Fatalf("save activity: %v", err)
	}
}
