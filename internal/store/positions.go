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

// PositionRepo implements market.UserPositionRepository.
type PositionRepo struct {
	store *Store
}

func (s *Store) Positions() *PositionRepo {
	return &PositionRepo{store: s}
}

func (r *PositionRepo) Get(ctx context.Context, userID, marketID uuid.UUID) (*market.UserMarketPosition, error) {
	row := r.store.db.QueryRowContext(ctx, `
		SELECT id, user_id, market_id, owner_pubkey, position_pubkey, yes_shares, no_shares,
			claimed, last_synced_slot, created_at, updated_at
		FROM user_positions
		WHERE user_id = ? AND market_id = ?
	`, userID.String(), marketID.String())

	p, err := scanPositionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpsertAfterTrade replaces the cached snapshot with the freshly read
// chain state, keyed by (user, market).
func (r *PositionRepo) UpsertAfterTrade(ctx context.Context, p *market.UserMarketPosition) error {
	now := time.Now().Unix()
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO user_positions (
			id, user_id, market_id, owner_pubkey, position_pubkey, yes_shares, no_shares,
			claimed, last_synced_slot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, market_id) DO UPDATE SET
			owner_pubkey = excluded.owner_pubkey,
			position_pubkey = excluded.position_pubkey,
			yes_shares = excluded.yes_shares,
			no_shares = excluded.no_shares,
			claimed = excluded.claimed,
			last_synced_slot = excluded.last_synced_slot,
			updated_at = excluded.updated_at
	`,
		p.ID.String(),
		p.UserID.String(),
		p.MarketID.String(),
		p.OwnerPubkey,
		p.PositionPubkey,
		strconv.FormatUint(p.YesShares, 10),
		strconv.FormatUint(p.NoShares, 10),
		boolToInt(p.Claimed),
		int64(p.LastSyncedSlot),
		now,
		now,
	)
	return err
}

// MarkClaimed flips the claimed flag on an existing position row. Matching
// zero rows means the local cache disagrees with what the chain settled and
// must not pass silently.
func (r *PositionRepo) MarkClaimed(ctx context.Context, userID, marketID uuid.UUID, slot uint64) error {
	res, err := r.store.db.ExecContext(ctx, `
		UPDATE user_positions SET
			claimed = 1,
			last_synced_slot = ?,
			updated_at = ?
		WHERE user_id = ? AND market_id = ?
	`,
		int64(slot),
		time.Now().Unix(),
		userID.String(),
		marketID.String(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no position row for user %s on market %s", userID, marketID)
	}
	return nil
}

func scanPositionRow(row rowScanner) (*market.UserMarketPosition, error) {
	var (
		p          market.UserMarketPosition
		id         string
		userID     string
		marketID   string
		yesShares  string
		noShares   string
		claimed    int
		syncedSlot int64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&id,
		&userID,
		&marketID,
		&p.OwnerPubkey,
		&p.PositionPubkey,
		&yesShares,
		&noShares,
		&claimed,
		&syncedSlot,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("position row has invalid id %q: %w", id, err)
	}
	if p.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("position row has invalid user id %q: %w", userID, err)
	}
	if p.MarketID, err = uuid.Parse(marketID); err != nil {
		return nil, fmt.Errorf("position row has invalid market id %q: %w", marketID, err)
	}
	if p.YesShares, err = strconv.ParseUint(yesShares, 10, 64); err != nil {
		return nil, fmt.Errorf("position row has invalid yes shares %q: %w", yesShares, err)
	}
	if p.NoShares, err = strconv.ParseUint(noShares, 10, 64); err != nil {
		return nil, fmt.Errorf("position row has invalid no shares %q: %w", noShares, err)
	}
	p.Claimed = claimed != 0
	p.LastSyncedSlot = uint64(syncedSlot)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}
