// Package sqlite is a SQLite-backed account key store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
)

var _ keystore.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS account_keys (
	key_id        TEXT PRIMARY KEY,
	address       TEXT,
	persistent_id TEXT NOT NULL DEFAULT '',
	account_key   TEXT NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_account_keys_address
	ON account_keys(address) WHERE address IS NOT NULL;
`

type row struct {
	KeyID        string         `db:"key_id"`
	Address      sql.NullString `db:"address"`
	PersistentID string         `db:"persistent_id"`
	AccountKey   string         `db:"account_key"`
	UpdatedAt    int64          `db:"updated_at"`
}

func (r row) record() (keystore.Record, error) {
	key, err := device.ParseAccountKey(r.AccountKey)
	if err != nil {
		return keystore.Record{}, fmt.Errorf("keystore/sqlite: row %s: %w", r.KeyID, err)
	}
	return keystore.Record{
		Identity:  device.Identity{Address: r.Address.String, PersistentID: r.PersistentID},
		Key:       key,
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}, nil
}

// Store is a SQLite-backed keystore.Store. Put replaces mappings inside a
// single transaction.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens (creating if needed) the SQLite database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keystore/sqlite: create dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("keystore/sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore/sqlite: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the account key stored for id.
func (s *Store) Get(ctx context.Context, id device.Identity) (device.AccountKey, error) {
	rec, err := s.lookup(ctx, s.db, id)
	if err != nil {
		return device.AccountKey{}, err
	}
	if rec == nil {
		return device.AccountKey{}, keystore.ErrNotFound
	}
	return rec.Key, nil
}

// Put stores key for id, superseding older mappings of the same device.
func (s *Store) Put(ctx context.Context, id device.Identity, key device.AccountKey) error {
	if err := keystore.Validate(id); err != nil {
		return err
	}
	id.Address = device.NormalizeAddress(id.Address)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keystore/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM account_keys WHERE key_id = ? OR (address IS NOT NULL AND address = ?)`,
		id.Key(), nullable(id.Address)); err != nil {
		return fmt.Errorf("keystore/sqlite: delete superseded: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_keys (key_id, address, persistent_id, account_key, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id.Key(), nullable(id.Address), id.PersistentID, key.String(), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("keystore/sqlite: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keystore/sqlite: commit: %w", err)
	}
	return nil
}

// Remove deletes the mapping for id.
func (s *Store) Remove(ctx context.Context, id device.Identity) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keystore/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.lookup(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_keys WHERE key_id = ?`, rec.Identity.Key()); err != nil {
		return fmt.Errorf("keystore/sqlite: delete: %w", err)
	}
	return tx.Commit()
}

// List returns every record ordered by storage key.
func (s *Store) List(ctx context.Context) ([]keystore.Record, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM account_keys ORDER BY key_id`); err != nil {
		return nil, fmt.Errorf("keystore/sqlite: list: %w", err)
	}
	out := make([]keystore.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) lookup(ctx context.Context, q sqlx.QueryerContext, id device.Identity) (*keystore.Record, error) {
	if id.PersistentID != "" {
		rec, err := getOne(ctx, q, `SELECT * FROM account_keys WHERE key_id = ?`, id.PersistentID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	addr := device.NormalizeAddress(id.Address)
	if addr == "" {
		return nil, nil
	}
	rec, err := getOne(ctx, q, `SELECT * FROM account_keys WHERE address = ?`, addr)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.Identity.Equal(id) {
		return nil, nil
	}
	return rec, nil
}

func getOne(ctx context.Context, q sqlx.QueryerContext, query string, arg any) (*keystore.Record, error) {
	var r row
	err := sqlx.GetContext(ctx, q, &r, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore/sqlite: query: %w", err)
	}
	rec, err := r.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
