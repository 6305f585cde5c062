package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
)

// CaseFold is the SQL function name for Unicode lower-casing. SQLite's
// built-in LOWER only folds ASCII.
const CaseFold = "casefold"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(CaseFold, 1, casefold)
}

func casefold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

const DefaultPath = ".taskline/taskline.db"

type Config struct {
	// Path of the SQLite file. Parent directories are created on Open.
	Path string
	// BusyTimeoutMS bounds how long a writer waits on a locked database.
	BusyTimeoutMS int
}

// DSN builds the modernc sqlite DSN with foreign keys, WAL and immediate
// write transactions.
func DSN(cfg Config) string {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate", path, busy)
}

// Open opens the SQLite database, creating its directory when missing.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	cfg.Path = path
	conn, err := sql.Open("sqlite", DSN(cfg))
	if err != nil {
		return nil, err
	}
	return conn, nil
}
