package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	logx "mailgate/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id        TEXT PRIMARY KEY,
	at        INTEGER NOT NULL,
	recipient TEXT NOT NULL,
	subject   TEXT NOT NULL,
	category  TEXT NOT NULL,
	attempts  INTEGER NOT NULL,
	relay_id  TEXT
);
CREATE INDEX IF NOT EXISTS deliveries_at ON deliveries(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	ctx := context.Background()
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, at, recipient, subject, category, attempts, relay_id)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.To, e.Subject, e.Category, e.Attempts, nullStr(e.RelayID),
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]DeliveryEntry, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, recipient, subject, category, attempts, relay_id
		 FROM deliveries ORDER BY at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryEntry
	for rows.Next() {
		var (
			e       DeliveryEntry
			atMS    int64
			relayID sql.NullString
		)
		if err := rows.Scan(&e.ID, &atMS, &e.To, &e.Subject, &e.Category, &e.Attempts, &relayID); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMS)
		e.RelayID = relayID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
