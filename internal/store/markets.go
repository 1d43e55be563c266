package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/outcomefi/prediction-backend/internal/market"
)

// MarketRepo implements market.MarketRepository.
type MarketRepo struct {
	store *Store
}

func (s *Store) Markets() *MarketRepo {
	return &MarketRepo{store: s}
}

const marketColumns = `id, market_seed_id, authority_pubkey, program_pubkey, market_pubkey,
	vault_pubkey, vault_authority_pubkey, collateral_mint_pubkey, question, end_time,
	status, winning_outcome_index, created_tx_signature, created_at, updated_at`

func (r *MarketRepo) FindByPubkey(ctx context.Context, marketPubkey string) (*market.Market, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE market_pubkey = ?`, marketPubkey)
	return scanMarket(row)
}

func (r *MarketRepo) FindByID(ctx context.Context, id uuid.UUID) (*market.Market, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = ?`, id.String())
	return scanMarket(row)
}

func (r *MarketRepo) FindByAuthorityAndSeed(ctx context.Context, authorityPubkey string, marketSeedID uint64) (*market.Market, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE authority_pubkey = ? AND market_seed_id = ?`,
		authorityPubkey, strconv.FormatUint(marketSeedID, 10))
	return scanMarket(row)
}

func (r *MarketRepo) List(ctx context.Context, limit, offset int) ([]market.Market, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Market
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *MarketRepo) Add(ctx context.Context, m *market.Market) error {
	now := time.Now().Unix()
	var winning any
	if m.WinningOutcomeIndex != nil {
		winning = int(*m.WinningOutcomeIndex)
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO markets (
			id, market_seed_id, authority_pubkey, program_pubkey, market_pubkey,
			vault_pubkey, vault_authority_pubkey, collateral_mint_pubkey, question, end_time,
			status, winning_outcome_index, created_tx_signature, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID.String(),
		strconv.FormatUint(m.MarketSeedID, 10),
		m.AuthorityPubkey,
		m.ProgramPubkey,
		m.MarketPubkey,
		m.VaultPubkey,
		m.VaultAuthorityPubkey,
		m.CollateralMintPubkey,
		m.Question,
		m.EndTime.Unix(),
		string(m.Status),
		winning,
		m.CreatedTxSignature,
		now,
		now,
	)
	return err
}

func (r *MarketRepo) Update(ctx context.Context, m *market.Market) error {
	var winning any
	if m.WinningOutcomeIndex != nil {
		winning = int(*m.WinningOutcomeIndex)
	}
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE markets SET
			status = ?,
			winning_outcome_index = ?,
			created_tx_signature = ?,
			updated_at = ?
		WHERE id = ?
	`,
		string(m.Status),
		winning,
		m.CreatedTxSignature,
		time.Now().Unix(),
		m.ID.String(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row *sql.Row) (*market.Market, error) {
	m, err := scanMarketRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanMarketRow(row rowScanner) (*market.Market, error) {
	var (
		m         market.Market
		id        string
		seedText  string
		endTime   int64
		status    string
		winning   sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&id,
		&seedText,
		&m.AuthorityPubkey,
		&m.ProgramPubkey,
		&m.MarketPubkey,
		&m.VaultPubkey,
		&m.VaultAuthorityPubkey,
		&m.CollateralMintPubkey,
		&m.Question,
		&endTime,
		&status,
		&winning,
		&m.CreatedTxSignature,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("market row has invalid id %q: %w", id, err)
	}
	if m.MarketSeedID, err = strconv.ParseUint(seedText, 10, 64); err != nil {
		return nil, fmt.Errorf("market row has invalid seed %q: %w", seedText, err)
	}
	m.EndTime = time.Unix(endTime, 0).UTC()
	m.Status = market.MarketStatus(status)
	if winning.Valid {
		outcome := uint8(winning.Int64)
		m.WinningOutcomeIndex = &outcome
	}
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}
