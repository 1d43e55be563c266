// Package market holds the settlement domain: market and action records,
// the idempotent action executor, and the application service that drives
// ledger-side effects through the gateway.
package market

import (
	"time"

	"github.com/google/uuid"
)

type MarketStatus string

const (
	StatusOpen      MarketStatus = "Open"
	StatusResolved  MarketStatus = "Resolved"
	StatusCancelled MarketStatus = "Cancelled"
)

type ActionType string

const (
	ActionCreate  ActionType = "Create"
	ActionBuy     ActionType = "Buy"
	ActionSell    ActionType = "Sell"
	ActionResolve ActionType = "Resolve"
	ActionClaim   ActionType = "Claim"
)

type ActionState string

const (
	ActionPending   ActionState = "Pending"
	ActionSubmitted ActionState = "Submitted"
	ActionConfirmed ActionState = "Confirmed"
	ActionFailed    ActionState = "Failed"
)

// Market is the backend's record of one prediction market. Created once,
// mutated only by resolution.
type Market struct {
	ID                   uuid.UUID
	MarketSeedID         uint64
	AuthorityPubkey      string
	ProgramPubkey        string
	MarketPubkey         string
	VaultPubkey          string
	VaultAuthorityPubkey string
	CollateralMintPubkey string
	Question             string
	EndTime              time.Time
	Status               MarketStatus
	WinningOutcomeIndex  *uint8
	CreatedTxSignature   string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// MarketAction is one ledger-side effect attempt, keyed by the caller's
// idempotency key. Exactly one row per key ever exists.
type MarketAction struct {
	ID                uuid.UUID
	MarketID          *uuid.UUID
	RequestedByUserID uuid.UUID
	ActionType        ActionType
	State             ActionState
	IdempotencyKey    string
	RequestJSON       []byte
	ResponseJSON      []byte
	TxSignature       string
	ErrorCode         string
	AnchorErrorNumber *int
	ErrorDetail       string
	AttemptCount      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserMarketPosition caches a user's on-chain position. The ledger is the
// source of truth; this row is refreshed after every trade and claim.
type UserMarketPosition struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	MarketID       uuid.UUID
	OwnerPubkey    string
	PositionPubkey string
	YesShares      uint64
	NoShares       uint64
	Claimed        bool
	LastSyncedSlot uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
