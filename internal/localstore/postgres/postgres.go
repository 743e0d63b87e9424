package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cobranzas/gateway/internal/localstore"
)

// Store persists partitions in PostgreSQL: one row per entry in kv_entries,
// durable meta slots in kv_meta. The schema is created on Open and guarded
// by a version row, so opening an already-initialized database is a no-op.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, &localstore.StoreUnavailableError{Backend: "postgres", Err: err}
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &localstore.StoreUnavailableError{Backend: "postgres", Err: err}
	}

	return &Store{db: db}, nil
}

func (s *Store) Open(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS kv_schema (
			name text PRIMARY KEY,
			version int NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_entries (
			partition_name text NOT NULL,
			entry_key text NOT NULL,
			entry_value jsonb NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (partition_name, entry_key)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_meta (
			meta_key text PRIMARY KEY,
			meta_value text NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &localstore.StoreUnavailableError{Backend: "postgres", Err: err}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_schema (name, version)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version
		WHERE kv_schema.version < EXCLUDED.version
	`, localstore.SchemaName, localstore.SchemaVersion)
	if err != nil {
		return &localstore.StoreUnavailableError{Backend: "postgres", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, partition, key string, value []byte) error {
	if !localstore.KnownPartition(partition) {
		return &localstore.WriteError{Partition: partition, Key: key, Err: errors.New("unknown partition")}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (partition_name, entry_key, entry_value)
		VALUES ($1, $2, $3)
	`, partition, key, value)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Key: key, Err: err}
	}
	return nil
}

func (s *Store) PutMany(ctx context.Context, partition string, items []localstore.Item) error {
	if !localstore.KnownPartition(partition) {
		return &localstore.WriteError{Partition: partition, Err: errors.New("unknown partition")}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return &localstore.WriteError{Partition: partition, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (partition_name, entry_key, entry_value)
			VALUES ($1, $2, $3)
		`, partition, item.Key, item.Value)
		if err != nil {
			return &localstore.WriteError{Partition: partition, Key: item.Key, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &localstore.WriteError{Partition: partition, Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, partition, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT entry_value FROM kv_entries
		WHERE partition_name = $1 AND entry_key = $2
	`, partition, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, localstore.ErrNotFound
		}
		return nil, &localstore.ReadError{Partition: partition, Key: key, Err: err}
	}
	return value, nil
}

func (s *Store) GetAll(ctx context.Context, partition string) ([]localstore.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_key, entry_value FROM kv_entries
		WHERE partition_name = $1
		ORDER BY entry_key
	`, partition)
	if err != nil {
		return nil, &localstore.ReadError{Partition: partition, Err: err}
	}
	defer rows.Close()

	items := make([]localstore.Item, 0, 32)
	for rows.Next() {
		var item localstore.Item
		if err := rows.Scan(&item.Key, &item.Value); err != nil {
			return nil, &localstore.ReadError{Partition: partition, Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &localstore.ReadError{Partition: partition, Err: err}
	}
	return items, nil
}

func (s *Store) GetAllKeys(ctx context.Context, partition string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_key FROM kv_entries
		WHERE partition_name = $1
		ORDER BY entry_key
	`, partition)
	if err != nil {
		return nil, &localstore.ReadError{Partition: partition, Err: err}
	}
	defer rows.Close()

	keys := make([]string, 0, 32)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &localstore.ReadError{Partition: partition, Err: err}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &localstore.ReadError{Partition: partition, Err: err}
	}
	return keys, nil
}

func (s *Store) Remove(ctx context.Context, partition, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_entries
		WHERE partition_name = $1 AND entry_key = $2
	`, partition, key)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Key: key, Err: err}
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, partition, key string, value []byte) error {
	if !localstore.KnownPartition(partition) {
		return &localstore.WriteError{Partition: partition, Key: key, Err: errors.New("unknown partition")}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (partition_name, entry_key, entry_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (partition_name, entry_key)
		DO UPDATE SET entry_value = EXCLUDED.entry_value
	`, partition, key, value)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Key: key, Err: err}
	}
	return nil
}

func (s *Store) EmptyPartition(ctx context.Context, partition string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE partition_name = $1
	`, partition)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Err: err}
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT meta_value FROM kv_meta WHERE meta_key = $1
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", localstore.ErrNotFound
		}
		return "", &localstore.ReadError{Key: key, Err: err}
	}
	return value, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_meta (meta_key, meta_value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (meta_key)
		DO UPDATE SET meta_value = EXCLUDED.meta_value, updated_at = now()
	`, key, value)
	if err != nil {
		return &localstore.WriteError{Key: key, Err: err}
	}
	return nil
}

func (s *Store) RemoveMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_meta WHERE meta_key = $1
	`, key)
	if err != nil {
		return &localstore.WriteError{Key: key, Err: err}
	}
	return nil
}

// IsDuplicate reports whether a write failed on the primary-key constraint.
func IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
