// Package usagelog persists every realized API call to a local SQLite
// database. The JSON cost ledger stores session aggregates; this log keeps
// the per-call records for audit and later analysis.
package usagelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tinytools/chatcli/internal/costcontrol"
)

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
`

// Log is an append-only store of usage records.
type Log struct {
	db *sql.DB
}

// Open creates the database at dbPath and runs auto-migration.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	if _, err := db.Exec(createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate usage log: %w", err)
	}
	return &Log{db: db}, nil
}

// Append stores one usage record.
func (l *Log) Append(ctx context.Context, rec costcontrol.UsageRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (session_id, user_id, model, input_tokens, output_tokens, cached_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CachedTokens,
		rec.Cost, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// TotalCostSince returns the summed cost for a user since a given time.
func (l *Log) TotalCostSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(cost) FROM usage_records WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query usage total: %w", err)
	}
	return total.Float64, nil
}

// BySession returns all records for one session, oldest first.
func (l *Log) BySession(ctx context.Context, sessionID string) ([]costcontrol.UsageRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, user_id, model, input_tokens, output_tokens, cached_tokens, cost, created_at
		 FROM usage_records WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session usage: %w", err)
	}
	defer rows.Close()

	var recs []costcontrol.UsageRecord
	for rows.Next() {
		var rec costcontrol.UsageRecord
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.CachedTokens,
			&rec.Cost, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
