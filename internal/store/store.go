package store

import (
	"context"
	"fmt"

	"github.com/pbs-plus/plus-scheduler/internal/store/sqlite"
)

// Store bundles the persistence backends used by the server.
type Store struct {
	Ctx      context.Context
	Database *sqlite.Database
}

// Initialize opens every backend. Recognised path keys: "sqlite".
func Initialize(ctx context.Context, paths map[string]string) (*Store, error) {
	sqlitePath := ""
	if paths != nil {
		sqlitePath = paths["sqlite"]
	}

	db, err := sqlite.Initialize(sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("Initialize: error initializing database -> %w", err)
	}

	return &Store{
		Ctx:      ctx,
		Database: db,
	}, nil
}

func (s *Store) Close() error {
	return s.Database.Close()
}
