package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outcomefi/prediction-backend/internal/market"
)

// ActionRepo implements market.MarketActionRepository.
type ActionRepo struct {
	store *Store
}

func (s *Store) Actions() *ActionRepo {
	return &ActionRepo{store: s}
}

const actionColumns = `id, market_id, requested_by_user_id, action_type, state, idempotency_key,
	request_json, response_json, tx_signature, error_code, anchor_error_number, error_detail,
	attempt_count, created_at, updated_at`

// GetOrCreate inserts the template unless a row with the same idempotency
// key already exists, then returns the canonical row. The unique constraint
// on idempotency_key makes concurrent first calls converge on one row; the
// transaction keeps the insert and the read-back on one snapshot.
func (r *ActionRepo) GetOrCreate(ctx context.Context, template *market.MarketAction) (*market.MarketAction, bool, error) {
	now := time.Now().Unix()
	var marketID any
	if template.MarketID != nil {
		marketID = template.MarketID.String()
	}

	var (
		action   *market.MarketAction
		inserted int64
	)
	err := r.store.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO market_actions (
				id, market_id, requested_by_user_id, action_type, state, idempotency_key,
				request_json, response_json, tx_signature, error_code, anchor_error_number,
				error_detail, attempt_count, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', NULL, '', 0, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING
		`,
			template.ID.String(),
			marketID,
			template.RequestedByUserID.String(),
			string(template.ActionType),
			string(market.ActionPending),
			template.IdempotencyKey,
			string(template.RequestJSON),
			now,
			now,
		)
		if err != nil {
			return err
		}
		if inserted, err = res.RowsAffected(); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+actionColumns+` FROM market_actions WHERE idempotency_key = ?`,
			template.IdempotencyKey)
		action, err = scanActionRow(row)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return action, inserted == 1, nil
}

func (r *ActionRepo) Update(ctx context.Context, a *market.MarketAction) error {
	var number any
	if a.AnchorErrorNumber != nil {
		number = *a.AnchorErrorNumber
	}
	var marketID any
	if a.MarketID != nil {
		marketID = a.MarketID.String()
	}
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE market_actions SET
			market_id = ?,
			state = ?,
			response_json = ?,
			tx_signature = ?,
			error_code = ?,
			anchor_error_number = ?,
			error_detail = ?,
			attempt_count = ?,
			updated_at = ?
		WHERE id = ?
	`,
		marketID,
		string(a.State),
		string(a.ResponseJSON),
		a.TxSignature,
		a.ErrorCode,
		number,
		a.ErrorDetail,
		a.AttemptCount,
		time.Now().Unix(),
		a.ID.String(),
	)
	return err
}

func (r *ActionRepo) LatestConfirmed(ctx context.Context, marketID, userID uuid.UUID, kind market.ActionType) (*market.MarketAction, error) {
	row := r.store.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM market_actions
		WHERE market_id = ? AND requested_by_user_id = ? AND action_type = ? AND state = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`,
		marketID.String(),
		userID.String(),
		string(kind),
		string(market.ActionConfirmed),
	)
	action, err := scanActionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return action, err
}

func (r *ActionRepo) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]market.MarketAction, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM market_actions
		WHERE state = ? AND updated_at < ? AND tx_signature <> ''
		ORDER BY updated_at ASC
		LIMIT ?
	`,
		string(market.ActionSubmitted),
		cutoff.Unix(),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.MarketAction
	for rows.Next() {
		action, err := scanActionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *action)
	}
	return out, rows.Err()
}

func scanActionRow(row rowScanner) (*market.MarketAction, error) {
	var (
		a            market.MarketAction
		id           string
		marketID     sql.NullString
		userID       string
		actionType   string
		state        string
		requestJSON  string
		responseJSON string
		number       sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&id,
		&marketID,
		&userID,
		&actionType,
		&state,
		&a.IdempotencyKey,
		&requestJSON,
		&responseJSON,
		&a.TxSignature,
		&a.ErrorCode,
		&number,
		&a.ErrorDetail,
		&a.AttemptCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("action row has invalid id %q: %w", id, err)
	}
	if marketID.Valid {
		parsed, err := uuid.Parse(marketID.String)
		if err != nil {
			return nil, fmt.Errorf("action row has invalid market id %q: %w", marketID.String, err)
		}
		a.MarketID = &parsed
	}
	if a.RequestedByUserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("action row has invalid user id %q: %w", userID, err)
	}
	a.ActionType = market.ActionType(actionType)
	a.State = market.ActionState(state)
	a.RequestJSON = []byte(requestJSON)
	if responseJSON != "" {
		a.ResponseJSON = []byte(responseJSON)
	}
	if number.Valid {
		n := int(number.Int64)
		a.AnchorErrorNumber = &n
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}
