package posting

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg StoreConfig, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) SaveAccount(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(owner_id, text, destinations, interval_sec, enabled, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		   text=excluded.text, destinations=excluded.destinations,
		   interval_sec=excluded.interval_sec, enabled=excluded.enabled,
		   updated_at=excluded.updated_at`,
		snap.OwnerID, snap.Text, strings.Join(snap.Destinations, " "),
		int64(snap.Interval/time.Second), boolInt(snap.Enabled),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, ownerID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE owner_id = ?`, ownerID)
	return err
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, text, destinations, interval_sec, enabled FROM accounts ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap     Snapshot
			dests    string
			interval int64
			enabled  int
		)
		if err := rows.Scan(&snap.OwnerID, &snap.Text, &dests, &interval, &enabled); err != nil {
			return nil, err
		}
		snap.Destinations = splitDestinations(dests)
		snap.Interval = time.Duration(interval) * time.Second
		snap.Enabled = enabled != 0
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func splitDestinations(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}
