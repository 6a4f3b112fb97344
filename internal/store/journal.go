package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"
)

// Journal records pipeline runs in a sqlite database.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := InitDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) RunStarted(ctx context.Context, id, modelID, device string, started time.Time) error {
	return Start(ctx, j.db, Run{UUID: id, ModelID: modelID, Device: device, Started: started})
}

func (j *Journal) RunFinished(ctx context.Context, id string, code int, reason string, stopped time.Time) error {
	return Finish(ctx, j.db, id, code, reason, stopped)
}

func (j *Journal) Get(ctx context.Context, id string) (RunRow, error) {
	return Get(ctx, j.db, id)
}

func (j *Journal) Recent(ctx context.Context, limit int) ([]RunRow, error) {
	return List(ctx, j.db, limit)
}

func (j *Journal) Close() error {
	return j.db.Close()
}
