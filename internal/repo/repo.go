package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"inboxflow/internal/domain"
	"inboxflow/internal/events"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, key string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, key)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, key string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		if strings.HasSuffix(evtType, ".") {
			clauses = append(clauses, "type LIKE ?")
			args = append(args, evtType+"%")
		} else {
			clauses = append(clauses, "type=?")
			args = append(args, evtType)
		}
	}
	if key != "" {
		clauses = append(clauses, "record_key=?")
		args = append(args, key)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,record_key,state,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,record_key,state,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var key, state, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &key, &state, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Key = key.String
		e.State = state.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// LastTriggerFirings returns the last calendar date each trigger fired.
func (r Repo) LastTriggerFirings(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT record_key,payload_json FROM events WHERE type=? AND record_key IS NOT NULL ORDER BY id ASC`, events.TriggerFired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var key string
		var payload sql.NullString
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		var p struct {
			Date string `json:"date"`
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				continue
			}
		}
		if p.Date != "" {
			out[key] = p.Date
		}
	}
	return out, rows.Err()
}

// CountEventsSince counts events per type at or after since.
func (r Repo) CountEventsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events WHERE ts>=? GROUP BY type`, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// MarkSeen records an external item as deposited. It reports false when the
// item was already recorded.
func (r Repo) MarkSeen(ctx context.Context, source, externalID, key string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO seen_items(source,external_id,record_key,seen_at) VALUES (?,?,?,?)`,
		source, externalID, nullable(key), at.UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SeenKey returns the record key an external item was deposited under.
func (r Repo) SeenKey(ctx context.Context, source, externalID string) (string, error) {
	var key sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT record_key FROM seen_items WHERE source=? AND external_id=?`, source, externalID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return key.String, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
