// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ManuGH/durachan/internal/persistence/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	channel_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	body       TEXT    NOT NULL,
	PRIMARY KEY (channel_id, seq)
);`

// SQLiteHistory keeps logs in a local SQLite file. It suits single-host
// deployments where every process shares the file.
type SQLiteHistory struct {
	db *sql.DB
}

func OpenSQLiteHistory(ctx context.Context, path string) (*SQLiteHistory, error) {
	db, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chat history schema: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Load(ctx context.Context, channelID string) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT body FROM chat_messages WHERE channel_id = ? ORDER BY seq`, channelID)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", channelID, err)
	}
	defer rows.Close()

	msgs := []string{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		msgs = append(msgs, body)
	}
	return msgs, rows.Err()
}

// Save replaces the stored log in one transaction.
func (h *SQLiteHistory) Save(ctx context.Context, channelID string, messages []string) (err error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("save history of %s: %w", channelID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_messages (channel_id, seq, body) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, m := range messages {
		if _, err = stmt.ExecContext(ctx, channelID, i, m); err != nil {
			return fmt.Errorf("save history of %s: %w", channelID, err)
		}
	}
	return tx.Commit()
}

// Check verifies the database file; it backs the readiness probe.
func (h *SQLiteHistory) Check(ctx context.Context) error {
	return sqlite.Verify(ctx, h.db, false)
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
