package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spdeepak/offlinecache/cache/migrations"
	"github.com/spdeepak/offlinecache/internal/sqlitedb"
)

// SQLiteManager persists partitions and their entries in a SQLite file.
type SQLiteManager struct {
	sqlDB  *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (or creates) a partition database at path.
func OpenSQLite(path string) (*SQLiteManager, error) {
	sqlDB, err := sqlitedb.Open(path, migrations.FS)
	if err != nil {
		return nil, err
	}
	return &SQLiteManager{sqlDB: sqlDB}, nil
}

func (m *SQLiteManager) Open(ctx context.Context, name string) (Partition, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, fmt.Errorf("partition name is required")
	}
	_, err := m.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &sqlitePartition{manager: m, name: name}, nil
}

func (m *SQLiteManager) Names(ctx context.Context) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := m.sqlDB.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return names, nil
}

func (m *SQLiteManager) PurgeExcept(ctx context.Context, keep []string) error {
	names, err := m.Names(ctx)
	if err != nil {
		return err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := keepSet[name]; ok {
			continue
		}
		if err := m.deletePartition(ctx, name); err != nil {
			slog.Error("Failed to delete obsolete partition", slog.String("partition", name), slog.Any("error", err))
			continue
		}
		slog.Info("Deleted obsolete partition", slog.String("partition", name))
	}
	return nil
}

func (m *SQLiteManager) deletePartition(ctx context.Context, name string) error {
	tx, err := m.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ?`, name); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the SQLite handle.
func (m *SQLiteManager) Close() error {
	if m == nil || m.sqlDB == nil || m.closed.Swap(true) {
		return nil
	}
	return m.sqlDB.Close()
}

type sqlitePartition struct {
	manager *SQLiteManager
	name    string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	if p.manager.closed.Load() {
		return nil, false, ErrClosed
	}
	var (
		status   int
		headers  string
		body     []byte
		storedAt int64
	)
	err := p.manager.sqlDB.QueryRowContext(ctx,
		`SELECT status_code, headers, body, stored_at FROM entries WHERE partition = ? AND request_key = ?`,
		p.name, key,
	).Scan(&status, &headers, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %s in %s: %w", key, p.name, err)
	}
	entry := &Entry{
		StatusCode: status,
		Headers:    make(http.Header),
		Body:       body,
		StoredAt:   time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
		return nil, false, fmt.Errorf("decode headers for %s: %w", key, err)
	}
	return entry, true, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key string, entry *Entry) error {
	if p.manager.closed.Load() {
		return ErrClosed
	}
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("encode headers for %s: %w", key, err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	_, err = p.manager.sqlDB.ExecContext(ctx,
		`INSERT INTO entries (partition, request_key, status_code, headers, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (partition, request_key) DO UPDATE SET
		   status_code = excluded.status_code,
		   headers = excluded.headers,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		p.name, key, entry.StatusCode, string(headers), entry.Body, storedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", key, p.name, err)
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) error {
	if p.manager.closed.Load() {
		return ErrClosed
	}
	_, err := p.manager.sqlDB.ExecContext(ctx,
		`DELETE FROM entries WHERE partition = ? AND request_key = ?`, p.name, key)
	if err != nil {
		return fmt.Errorf("delete %s in %s: %w", key, p.name, err)
	}
	return nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	if p.manager.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := p.manager.sqlDB.QueryContext(ctx,
		`SELECT request_key FROM entries WHERE partition = ? ORDER BY request_key`, p.name)
	if err != nil {
		return nil, fmt.Errorf("list keys in %s: %w", p.name, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

var _ Manager = (*SQLiteManager)(nil)
