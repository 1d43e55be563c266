// Package store persists markets, action records, and the position cache in
// Postgres. u64 fields are stored as TEXT to survive values above the int64
// range; timestamps are stored as unix seconds.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id TEXT PRIMARY KEY,
			market_seed_id TEXT NOT NULL,
			authority_pubkey TEXT NOT NULL,
			program_pubkey TEXT NOT NULL,
			market_pubkey TEXT NOT NULL UNIQUE,
			vault_pubkey TEXT NOT NULL,
			vault_authority_pubkey TEXT NOT NULL,
			collateral_mint_pubkey TEXT NOT NULL,
			question TEXT NOT NULL,
			end_time BIGINT NOT NULL,
			status TEXT NOT NULL,
			winning_outcome_index INTEGER,
			created_tx_signature TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (authority_pubkey, market_seed_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status, end_time);`,
		`CREATE TABLE IF NOT EXISTS market_actions (
			id TEXT PRIMARY KEY,
			market_id TEXT,
			requested_by_user_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			state TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			request_json TEXT NOT NULL,
			response_json TEXT NOT NULL DEFAULT '',
			tx_signature TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			anchor_error_number INTEGER,
			error_detail TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_market_actions_state_updated ON market_actions(state, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_market_actions_market_user ON market_actions(market_id, requested_by_user_id, action_type, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS user_positions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			market_id TEXT NOT NULL,
			owner_pubkey TEXT NOT NULL,
			position_pubkey TEXT NOT NULL,
			yes_shares TEXT NOT NULL DEFAULT '0',
			no_shares TEXT NOT NULL DEFAULT '0',
			claimed INTEGER NOT NULL DEFAULT 0,
			last_synced_slot BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (user_id, market_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_positions_market ON user_positions(market_id);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
