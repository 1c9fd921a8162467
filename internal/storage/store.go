package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"willow/internal/config"
	"willow/internal/insight"
	"willow/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store persists actor snapshots, insights and the activity log.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveActorState(ctx context.Context, id string, data []byte, updated time.Time) error
	LoadActorState(ctx context.Context, id string) ([]byte, error)
	ListActorIDs(ctx context.Context) ([]string, error)
	SaveInsight(ctx context.Context, ins *insight.Insight) error
	LoadInsight(ctx context.Context, id string) (*insight.Insight, error)
	ListInsights(ctx context.Context) ([]*insight.Insight, error)
	SaveActivity(ctx context.Context, ev model.ActivityEvent) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore holds the queries shared by both drivers. Queries are written
// with ? placeholders and rewritten for drivers that number them.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveActorState(ctx context.Context, id string, data []byte, updated time.Time) error {
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO actors (id, data, updated) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated = excluded.updated`),
		id, data, unixNano(updated))
	return err
}

func (b *baseStore) LoadActorState(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT data FROM actors WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *baseStore) ListActorIDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const insightColumns = `id, rule_id, rule_name, equipment_id, text, status, is_faulty, is_valid,
	faulted_count, last_faulted_date, sync_enabled, last_sync_date, next_allowed_sync_date,
	command_insight_id, last_folded_seq, max_occurrences, feeds, fed_by, points,
	twin_locations, rule_tags, dependencies, created_date, updated_date`

// SaveInsight writes the insight row and replaces its occurrences in one
// transaction. Impact scores are upserted by id.
func (b *baseStore) SaveInsight(ctx context.Context, ins *insight.Insight) error {
	if ins == nil || ins.ID == "" {
		return fmt.Errorf("%w: insight id", insight.ErrMissingField)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := b.saveInsight(ctx, tx, ins); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *baseStore) saveInsight(ctx context.Context, tx *sql.Tx, ins *insight.Insight) error {
	_, err := tx.ExecContext(ctx, b.rebind(`INSERT INTO insights (`+insightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			rule_id = excluded.rule_id, rule_name = excluded.rule_name,
			equipment_id = excluded.equipment_id, text = excluded.text,
			status = excluded.status, is_faulty = excluded.is_faulty,
			is_valid = excluded.is_valid, faulted_count = excluded.faulted_count,
			last_faulted_date = excluded.last_faulted_date, sync_enabled = excluded.sync_enabled,
			last_sync_date = excluded.last_sync_date,
			next_allowed_sync_date = excluded.next_allowed_sync_date,
			command_insight_id = excluded.command_insight_id,
			last_folded_seq = excluded.last_folded_seq, max_occurrences = excluded.max_occurrences,
			feeds = excluded.feeds, fed_by = excluded.fed_by, points = excluded.points,
			twin_locations = excluded.twin_locations, rule_tags = excluded.rule_tags,
			dependencies = excluded.dependencies, updated_date = excluded.updated_date`),
		ins.ID, ins.RuleID, ins.RuleName, ins.EquipmentID, ins.Text, string(ins.Status),
		boolInt(ins.IsFaulty), boolInt(ins.IsValid), ins.FaultedCount, unixNano(ins.LastFaultedDate),
		boolInt(ins.SyncEnabled), unixNano(ins.LastSyncDateUTC), unixNano(ins.NextAllowedSyncDateUTC),
		ins.CommandInsightID, ins.LastFoldedSeq, ins.MaxOccurrences,
		encodeJSON(ins.Feeds), encodeJSON(ins.FedBy), encodeJSON(ins.Points),
		encodeJSON(ins.TwinLocations), encodeJSON(ins.RuleTags), encodeJSON(ins.Dependencies),
		unixNano(ins.CreatedDate), unixNano(ins.UpdatedDate),
	)
	if err != nil {
		return fmt.Errorf("upsert insight: %w", err)
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`DELETE FROM occurrences WHERE insight_id = ?`), ins.ID); err != nil {
		return fmt.Errorf("clear occurrences: %w", err)
	}
	occStmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO occurrences (id, insight_id, started, ended, is_faulted, is_valid, text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer occStmt.Close()
	for _, o := range ins.Occurrences {
		if _, err := occStmt.ExecContext(ctx, o.ID, ins.ID, unixNano(o.Started), unixNano(o.Ended),
			boolInt(o.IsFaulted), boolInt(o.IsValid), o.Text); err != nil {
			return fmt.Errorf("insert occurrence %s: %w", o.ID, err)
		}
	}
	scoreStmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO impact_scores (id, insight_id, field_id, name, unit, score, base_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, unit = excluded.unit,
			score = excluded.score, base_score = excluded.base_score`))
	if err != nil {
		return err
	}
	defer scoreStmt.Close()
	for _, s := range ins.ImpactScores {
		if _, err := scoreStmt.ExecContext(ctx, s.ID, ins.ID, s.FieldID, s.Name, s.Unit, s.Score, s.BaseScore); err != nil {
			return fmt.Errorf("upsert impact score %s: %w", s.ID, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInsight(row scanner) (*insight.Insight, error) {
	var ins insight.Insight
	var status string
	var faulty, valid, syncEnabled int64
	var lastFaulted, lastSync, nextSync, created, updated int64
	var feeds, fedBy, points, locations, tags, deps string
	err := row.Scan(&ins.ID, &ins.RuleID, &ins.RuleName, &ins.EquipmentID, &ins.Text, &status,
		&faulty, &valid, &ins.FaultedCount, &lastFaulted, &syncEnabled, &lastSync, &nextSync,
		&ins.CommandInsightID, &ins.LastFoldedSeq, &ins.MaxOccurrences,
		&feeds, &fedBy, &points, &locations, &tags, &deps, &created, &updated)
	if err != nil {
		return nil, err
	}
	ins.Status = insight.Status(status)
	ins.IsFaulty = faulty != 0
	ins.IsValid = valid != 0
	ins.SyncEnabled = syncEnabled != 0
	ins.LastFaultedDate = fromUnixNano(lastFaulted)
	ins.LastSyncDateUTC = fromUnixNano(lastSync)
	ins.NextAllowedSyncDateUTC = fromUnixNano(nextSync)
	ins.CreatedDate = fromUnixNano(created)
	ins.UpdatedDate = fromUnixNano(updated)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{feeds, &ins.Feeds}, {fedBy, &ins.FedBy}, {points, &ins.Points},
		{locations, &ins.TwinLocations}, {tags, &ins.RuleTags}, {deps, &ins.Dependencies},
	} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("insight %s: %w", ins.ID, err)
		}
	}
	return &ins, nil
}

func (b *baseStore) LoadInsight(ctx context.Context, id string) (*insight.Insight, error) {
	ins, err := scanInsight(b.db.QueryRowContext(ctx, b.rebind(`SELECT `+insightColumns+` FROM insights WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT id, started, ended, is_faulted, is_valid, text FROM occurrences
		WHERE insight_id = ? ORDER BY started`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		o := insight.Occurrence{InsightID: id}
		var started, ended, faulted, valid int64
		if err := rows.Scan(&o.ID, &started, &ended, &faulted, &valid, &o.Text); err != nil {
			return nil, err
		}
		o.Started, o.Ended = fromUnixNano(started), fromUnixNano(ended)
		o.IsFaulted, o.IsValid = faulted != 0, valid != 0
		ins.Occurrences = append(ins.Occurrences, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	scores, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT id, field_id, name, unit, score, base_score FROM impact_scores
		WHERE insight_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer scores.Close()
	for scores.Next() {
		s := insight.ImpactScore{InsightID: id}
		if err := scores.Scan(&s.ID, &s.FieldID, &s.Name, &s.Unit, &s.Score, &s.BaseScore); err != nil {
			return nil, err
		}
		ins.ImpactScores = append(ins.ImpactScores, s)
	}
	return ins, scores.Err()
}

// ListInsights returns every insight without its occurrences or impact
// scores.
func (b *baseStore) ListInsights(ctx context.Context) ([]*insight.Insight, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+insightColumns+` FROM insights ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*insight.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveActivity(ctx context.Context, ev model.ActivityEvent) error {
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO activity (ts, rule_instance_id, kind, message, context_json) VALUES (?, ?, ?, ?, ?)`),
		unixNano(ev.Timestamp), ev.RuleInstanceID, string(ev.Kind), ev.Message, encodeJSON(ev.Context))
	return err
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
