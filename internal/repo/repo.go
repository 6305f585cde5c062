// Package repo is the SQLite implementation of the task store and
// conversation ledger. Every query is scoped by owner.
package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"taskline/internal/domain"
	"taskline/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

func (r Repo) Close() error {
	return r.DB.Close()
}

func (r Repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const timeLayout = events.TimeLayout

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(term string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
}
