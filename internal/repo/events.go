package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"taskline/internal/domain"
)

// ListEvents returns the owner's audit events, newest first. Events with an
// id at or above before are skipped when before > 0.
func (r Repo) ListEvents(ctx context.Context, owner string, limit int, before int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,user_id,task_id,source,COALESCE(tool,''),payload_json FROM events WHERE user_id=?`
	args := []any{owner}
	if before > 0 {
		query += " AND id<?"
		args = append(args, before)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var (
			e       domain.Event
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.UserID, &e.TaskID, &e.Source, &e.Tool, &payload); err != nil {
			return nil, err
		}
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
