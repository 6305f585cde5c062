package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskline/internal/db"
	"taskline/internal/domain"
)

const taskColumns = `id,user_id,title,description,priority,tags_json,due_date,recurrence,completed,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                    domain.Task
		tagsJSON             string
		dueDate              sql.NullString
		completed            int
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Priority, &tagsJSON, &dueDate, &t.Recurrence, &completed, &t.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return t, fmt.Errorf("decode tags for task %s: %w", t.ID, err)
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if dueDate.Valid {
		d, err := parseTime(dueDate.String)
		if err != nil {
			return t, err
		}
		t.DueDate = &d
	}
	t.Completed = completed != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertTask stores a new task and its audit event in one transaction.
func (r Repo) InsertTask(ctx context.Context, t domain.Task, evt domain.Event) (domain.Event, error) {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return evt, err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.UserID, t.Title, t.Description, string(t.Priority), tags, nullableTime(t.DueDate), string(t.Recurrence),
			boolInt(t.Completed), t.Version, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		evt, err = r.Events.Append(ctx, tx, evt)
		return err
	})
	return evt, err
}

func (r Repo) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND user_id=?`, id, owner))
}

func (r Repo) ListTasks(ctx context.Context, owner string, f domain.TaskFilter) ([]domain.Task, error) {
	clauses := []string{"user_id=?"}
	args := []any{owner}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := likePattern(s)
		clauses = append(clauses, `(`+db.CaseFold+`(title) LIKE ? ESCAPE '\' OR `+db.CaseFold+`(COALESCE(description,'')) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, string(f.Priority))
	}
	switch f.Status {
	case domain.StatusCompleted:
		clauses = append(clauses, "completed=1")
	case domain.StatusPending:
		clauses = append(clauses, "completed=0")
	}
	for _, tag := range domain.NormalizeTags(f.Tags) {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.tags_json) WHERE json_each.value=?)")
		args = append(args, tag)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTask overwrites the mutable fields of t when the stored version
// still equals expectedVersion. A missing row yields ErrNotFound, a stale
// version ErrConflict.
func (r Repo) UpdateTask(ctx context.Context, owner string, t domain.Task, expectedVersion int, evt domain.Event) (domain.Event, error) {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return evt, err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, priority=?, tags_json=?, due_date=?, recurrence=?, completed=?, version=?, updated_at=?
WHERE id=? AND user_id=? AND version=?`,
			t.Title, t.Description, string(t.Priority), tags, nullableTime(t.DueDate), string(t.Recurrence), boolInt(t.Completed),
			t.Version, formatTime(t.UpdatedAt), t.ID, owner, expectedVersion)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missingOrConflict(ctx, tx, owner, t.ID)
		}
		evt, err = r.Events.Append(ctx, tx, evt)
		return err
	})
	return evt, err
}

func missingOrConflict(ctx context.Context, tx *sql.Tx, owner, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=? AND user_id=?`, id, owner).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (r Repo) DeleteTask(ctx context.Context, owner, id string, evt domain.Event) (domain.Event, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND user_id=?`, id, owner)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		evt, err = r.Events.Append(ctx, tx, evt)
		return err
	})
	return evt, err
}
