package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/pgrepo"
	"taskline/internal/repo"
)

// OpenStore opens the configured store and brings its schema up to date,
// creating the database on first use.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		s, err := pgrepo.Open(ctx, pgrepo.Config{DSN: cfg.Storage.DSN, MaxConns: cfg.Storage.MaxConns}, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case config.DriverSQLite, "":
		conn, err := db.Open(db.Config{Path: cfg.Storage.Path, BusyTimeoutMS: cfg.Storage.BusyTimeoutMS})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		logger.Debug("sqlite store ready", zap.String("path", cfg.Storage.Path))
		return repo.New(conn), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
