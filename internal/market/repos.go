package market

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"

	"github.com/outcomefi/prediction-backend/internal/prediction"
)

// MarketRepository persists Market rows. Find methods return a typed
// not-found error when no row matches.
type MarketRepository interface {
	FindByPubkey(ctx context.Context, marketPubkey string) (*Market, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Market, error)
	FindByAuthorityAndSeed(ctx context.Context, authorityPubkey string, marketSeedID uint64) (*Market, error)
	List(ctx context.Context, limit, offset int) ([]Market, error)
	Add(ctx context.Context, m *Market) error
	Update(ctx context.Context, m *Market) error
}

// MarketActionRepository persists action rows. GetOrCreate is the
// idempotency primitive: it inserts the template unless a row with the same
// idempotency key already exists, and always returns the canonical row plus
// whether this call created it.
type MarketActionRepository interface {
	GetOrCreate(ctx context.Context, template *MarketAction) (*MarketAction, bool, error)
	Update(ctx context.Context, a *MarketAction) error
	LatestConfirmed(ctx context.Context, marketID, userID uuid.UUID, kind ActionType) (*MarketAction, error)
	ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]MarketAction, error)
}

// UserPositionRepository persists the per-user position cache.
type UserPositionRepository interface {
	Get(ctx context.Context, userID, marketID uuid.UUID) (*UserMarketPosition, error)
	UpsertAfterTrade(ctx context.Context, p *UserMarketPosition) error
	MarkClaimed(ctx context.Context, userID, marketID uuid.UUID, slot uint64) error
}

// Clock abstracts time for the executor's staleness checks.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Ledger is the gateway surface the service depends on. The send/confirm
// split lets the executor checkpoint a Submitted signature before waiting
// for finality.
type Ledger interface {
	Authority() solana.PublicKey
	ProgramID() solana.PublicKey
	Commitment() rpc.CommitmentType
	EnsureCollateralATA(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, solana.Instruction, error)
	SendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solana.Signature, durability rpc.CommitmentType) error
	ReadMarket(ctx context.Context, marketAccount solana.PublicKey) (uint64, *prediction.MarketState, error)
	ReadPosition(ctx context.Context, marketAccount, owner solana.PublicKey) (uint64, *prediction.PositionState, error)
}
