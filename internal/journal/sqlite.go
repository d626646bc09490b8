package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_detections (
	local_id     TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL DEFAULT '',
	plate_number TEXT NOT NULL,
	gate_id      TEXT NOT NULL,
	direction    TEXT NOT NULL,
	detected_at  INTEGER NOT NULL,
	processed    INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_detections_gate ON pending_detections (gate_id, processed, created_at);
`

// SQLite keeps the journal in a local file so a restarted console can replay
// detections that were surfaced but not resolved.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify journal %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Record(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO pending_detections (local_id, event_id, plate_number, gate_id, direction, detected_at, processed, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET processed = excluded.processed;
	`,
		rec.LocalID,
		rec.EventID,
		rec.PlateNumber,
		rec.GateID,
		rec.Direction,
		rec.Timestamp.UTC().UnixMilli(),
		boolToInt(rec.Processed),
		rec.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record detection %s: %w", rec.LocalID, err)
	}
	return nil
}

func (s *SQLite) MarkProcessed(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_detections SET processed = 1 WHERE local_id = ?;`, localID)
	if err != nil {
		return fmt.Errorf("mark detection %s processed: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark detection %s processed: %w", localID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	return nil
}

func (s *SQLite) Pending(ctx context.Context, gateID string, since time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT local_id, event_id, plate_number, gate_id, direction, detected_at, created_at
	FROM pending_detections
	WHERE gate_id = ? AND processed = 0 AND created_at >= ?
	ORDER BY created_at;
	`, gateID, since.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list pending detections: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                   Record
			detectedAt, createdAt int64
		)
		if err := rows.Scan(&rec.LocalID, &rec.EventID, &rec.PlateNumber, &rec.GateID, &rec.Direction, &detectedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("list pending detections: scan row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(detectedAt).UTC()
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending detections: row iteration: %w", err)
	}
	return out, nil
}

// Purge deletes processed records and anything created before the cutoff.
func (s *SQLite) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_detections WHERE processed = 1 OR created_at < ?;`, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
