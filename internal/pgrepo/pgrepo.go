// Package pgrepo is the PostgreSQL task store, for deployments that outgrow
// a single SQLite file.
package pgrepo

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taskline/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
}

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects a pool and pings it.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres pool ready",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("db", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns),
	)
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const taskColumns = `id,user_id,title,description,priority,tags,due_date,recurrence,completed,version,created_at,updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var priority, recurrence string
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &priority, &t.Tags, &t.DueDate, &recurrence, &t.Completed, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, domain.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Priority = domain.Priority(priority)
	t.Recurrence = domain.Recurrence(recurrence)
	if t.Tags == nil {
		t.Tags = []string{}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.DueDate != nil {
		d := t.DueDate.UTC()
		t.DueDate = &d
	}
	return t, nil
}

func tagsArg(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func appendEvent(ctx context.Context, tx pgx.Tx, evt domain.Event) (domain.Event, error) {
	evt.TS = evt.TS.UTC()
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	var tool any
	if evt.Tool != "" {
		tool = evt.Tool
	}
	err := tx.QueryRow(ctx, `INSERT INTO events(ts,type,user_id,task_id,source,tool,payload) VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		evt.TS, evt.Type, evt.UserID, evt.TaskID, evt.Source, tool, evt.Payload).Scan(&evt.ID)
	if err != nil {
		return evt, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

func (s *Store) InsertTask(ctx context.Context, t domain.Task, evt domain.Event) (domain.Event, error) {
	s.logger.Debug("inserting task", zap.String("task_id", t.ID), zap.String("user_id", t.UserID))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			t.ID, t.UserID, t.Title, t.Description, string(t.Priority), tagsArg(t.Tags), t.DueDate, string(t.Recurrence),
			t.Completed, t.Version, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		evt, err = appendEvent(ctx, tx, evt)
		return err
	})
	return evt, err
}

func (s *Store) GetTask(ctx context.Context, owner, id string) (domain.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 AND user_id=$2`, id, owner))
}

func (s *Store) ListTasks(ctx context.Context, owner string, f domain.TaskFilter) ([]domain.Task, error) {
	args := []any{owner}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	clauses := []string{"user_id=$1"}
	if term := strings.TrimSpace(f.Search); term != "" {
		p := arg(likePattern(term))
		clauses = append(clauses, fmt.Sprintf(`(title ILIKE %s ESCAPE '\' OR description ILIKE %s ESCAPE '\')`, p, p))
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority="+arg(string(f.Priority)))
	}
	switch f.Status {
	case domain.StatusCompleted:
		clauses = append(clauses, "completed")
	case domain.StatusPending:
		clauses = append(clauses, "NOT completed")
	}
	if tags := domain.NormalizeTags(f.Tags); len(tags) > 0 {
		clauses = append(clauses, "tags @> "+arg(tags)+"::text[]")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *Store) UpdateTask(ctx context.Context, owner string, t domain.Task, expectedVersion int, evt domain.Event) (domain.Event, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE tasks SET title=$1, description=$2, priority=$3, tags=$4, due_date=$5, recurrence=$6, completed=$7, version=$8, updated_at=$9
WHERE id=$10 AND user_id=$11 AND version=$12`,
			t.Title, t.Description, string(t.Priority), tagsArg(t.Tags), t.DueDate, string(t.Recurrence), t.Completed,
			t.Version, t.UpdatedAt.UTC(), t.ID, owner, expectedVersion)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id=$1 AND user_id=$2)`, t.ID, owner).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrConflict
		}
		evt, err = appendEvent(ctx, tx, evt)
		return err
	})
	return evt, err
}

func (s *Store) DeleteTask(ctx context.Context, owner, id string, evt domain.Event) (domain.Event, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id=$1 AND user_id=$2`, id, owner)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		evt, err = appendEvent(ctx, tx, evt)
		return err
	})
	return evt, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}
