// Package events records task audit events and fans them out to subscribers.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskline/internal/domain"
)

// TimeLayout is the fixed-width UTC layout used for stored timestamps.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Writer appends audit rows to the SQLite events table inside the caller's
// transaction.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event) (domain.Event, error) {
	if evt.TS.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		evt.TS = now()
	}
	evt.TS = evt.TS.UTC()
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return evt, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,task_id,source,tool,payload_json) VALUES (?,?,?,?,?,?,?)`,
		evt.TS.Format(TimeLayout), evt.Type, evt.UserID, evt.TaskID, evt.Source, nullable(evt.Tool), string(data))
	if err != nil {
		return evt, fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		evt.ID = id
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
