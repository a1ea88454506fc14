package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createSQLiteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	scope TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (scope, name)
);
CREATE TABLE IF NOT EXISTS entries (
	scope TEXT NOT NULL,
	generation TEXT NOT NULL,
	request_key TEXT NOT NULL,
	status INTEGER NOT NULL,
	header BLOB,
	body BLOB,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (scope, generation, request_key)
);
`

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "asset-hub.db"

// NewSQLiteBackend 打开（必要时创建）dbPath 指向的 SQLite 数据库并完成建表。
func NewSQLiteBackend(dbPath string) (Backend, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createSQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

type sqliteBackend struct {
	db *sql.DB
}

func (b *sqliteBackend) Name() string { return "sqlite" }

func (b *sqliteBackend) Close() error { return b.db.Close() }

func (b *sqliteBackend) Storage(scope string) Storage {
	return &sqliteStorage{db: b.db, scope: scope}
}

type sqliteStorage struct {
	db    *sql.DB
	scope string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := validateName(s.scope); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO partitions (scope, name, created_at) VALUES (?, ?, ?)`,
		s.scope, name, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &sqlitePartition{db: s.db, scope: s.scope, name: name}, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Partition, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	return &sqlitePartition{db: s.db, scope: s.scope, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM partitions WHERE scope = ? AND name = ?`, s.scope, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup partition %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE scope = ? AND name = ?`, s.scope, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE scope = ? AND generation = ?`, s.scope, name); err != nil {
		return false, fmt.Errorf("delete partition entries %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions WHERE scope = ? ORDER BY name`, s.scope)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqlitePartition struct {
	db    *sql.DB
	scope string
	name  string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Match(ctx context.Context, key string) (*Entry, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE scope = ? AND generation = ? AND request_key = ?`,
		p.scope, p.name, key,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache match: %w", err)
	}

	var decoded http.Header
	if len(header) > 0 {
		if err := json.Unmarshal(header, &decoded); err != nil {
			return nil, fmt.Errorf("decode cache header: %w", err)
		}
	}
	return &Entry{
		Key:      key,
		Status:   status,
		Header:   decoded,
		Body:     body,
		StoredAt: time.Unix(0, storedAt).UTC(),
	}, nil
}

func (p *sqlitePartition) Put(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.Key == "" {
		return errors.New("cache entry key required")
	}
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encode cache header: %w", err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// 分区行与条目在同一事务内检查，分区删除后的迟到写入直接失败。
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM partitions WHERE scope = ? AND name = ?`, p.scope, p.name,
	).Scan(&count); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, p.name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (scope, generation, request_key, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.scope, p.name, entry.Key, entry.Status, header, entry.Body, storedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return tx.Commit()
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM entries WHERE scope = ? AND generation = ? AND request_key = ?`, p.scope, p.name, key,
	)
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT request_key FROM entries WHERE scope = ? AND generation = ? ORDER BY request_key`, p.scope, p.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
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
