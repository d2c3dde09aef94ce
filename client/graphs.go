package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/robomo/pulse/service"
)

// GraphRecord is one persisted comparison graph. Records live in a collection
// keyed by the viewer identity, so two people sharing a machine keep separate
// comparison sets.
type GraphRecord struct {
	ID           string
	Identity     string
	DeviceID     string
	DeviceType   string
	AttributeKey string
	Series       []service.SeriesPoint
	ColorTag     string
	CreatedAt    time.Time
}

// GraphStore persists comparison graphs across sessions in a local sqlite
// file.
type GraphStore struct {
	db *sql.DB
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS graphs (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	device_type TEXT NOT NULL,
	attribute  TEXT NOT NULL,
	series     TEXT NOT NULL,
	color      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS graphs_identity ON graphs (identity, created_at);
`

// OpenGraphStore opens or creates the graph database at the given path.
func OpenGraphStore(path string) (*GraphStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	if _, err := db.Exec(graphSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare graph store: %w", err)
	}
	return &GraphStore{db: db}, nil
}

// Save inserts or replaces one graph record.
func (g *GraphStore) Save(ctx context.Context, record GraphRecord) error {
	series, err := json.Marshal(record.Series)
	if err != nil {
		return fmt.Errorf("encode series: %w", err)
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO graphs (id, identity, device_id, device_type, attribute, series, color, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Identity, record.DeviceID, record.DeviceType,
		record.AttributeKey, string(series), record.ColorTag,
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save graph %s: %w", record.ID, err)
	}
	return nil
}

// Load returns the graphs stored for one identity, oldest first.
func (g *GraphStore) Load(ctx context.Context, identity string) ([]GraphRecord, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, identity, device_id, device_type, attribute, series, color, created_at
		FROM graphs WHERE identity = ? ORDER BY created_at`, identity)
	if err != nil {
		return nil, fmt.Errorf("load graphs: %w", err)
	}
	defer rows.Close()

	var records []GraphRecord
	for rows.Next() {
		var record GraphRecord
		var series, createdAt string
		if err := rows.Scan(&record.ID, &record.Identity, &record.DeviceID, &record.DeviceType,
			&record.AttributeKey, &series, &record.ColorTag, &createdAt); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		if err := json.Unmarshal([]byte(series), &record.Series); err != nil {
			return nil, fmt.Errorf("decode series for %s: %w", record.ID, err)
		}
		record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("decode timestamp for %s: %w", record.ID, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Delete removes one graph record.
func (g *GraphStore) Delete(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete graph %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database.
func (g *GraphStore) Close() error {
	return g.db.Close()
}
