package market

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"

	"github.com/outcomefi/prediction-backend/internal/prediction"
)

var (
	testProgramID = solana.MustPublicKeyFromBase58("PrEDMMxBFKVrazByyrKTTQKcLBM9pg5WYLDMzqWTtpM")
	testAuthority = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	testMint      = solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeActionRepo struct {
	byKey      map[string]*MarketAction
	getOrCalls int
	updates    int
}

func newFakeActionRepo() *fakeActionRepo {
	return &fakeActionRepo{byKey: map[string]*MarketAction{}}
}

func (r *fakeActionRepo) GetOrCreate(ctx context.Context, template *MarketAction) (*MarketAction, bool, error) {
	r.getOrCalls++
	if existing, ok := r.byKey[template.IdempotencyKey]; ok {
		copied := *existing
		return &copied, false, nil
	}
	stored := *template
	stored.State = ActionPending
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.byKey[template.IdempotencyKey] = &stored
	copied := stored
	return &copied, true, nil
}

func (r *fakeActionRepo) Update(ctx context.Context, a *MarketAction) error {
	r.updates++
	stored, ok := r.byKey[a.IdempotencyKey]
	if !ok {
		return fmt.Errorf("action %s not found", a.IdempotencyKey)
	}
	copied := *a
	copied.UpdatedAt = time.Now()
	*stored = copied
	return nil
}

func (r *fakeActionRepo) LatestConfirmed(ctx context.Context, marketID, userID uuid.UUID, kind ActionType) (*MarketAction, error) {
	var latest *MarketAction
	for _, action := range r.byKey {
		if action.State != ActionConfirmed || action.ActionType != kind {
			continue
		}
		if action.MarketID == nil || *action.MarketID != marketID || action.RequestedByUserID != userID {
			continue
		}
		if latest == nil || action.UpdatedAt.After(latest.UpdatedAt) {
			latest = action
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (r *fakeActionRepo) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]MarketAction, error) {
	var out []MarketAction
	for _, action := range r.byKey {
		if action.State == ActionSubmitted && action.UpdatedAt.Before(cutoff) && action.TxSignature != "" {
			out = append(out, *action)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// stored fetches the canonical row for assertions.
func (r *fakeActionRepo) stored(key string) *MarketAction {
	return r.byKey[key]
}

type fakeMarketRepo struct {
	byPubkey map[string]*Market
}

func newFakeMarketRepo() *fakeMarketRepo {
	return &fakeMarketRepo{byPubkey: map[string]*Market{}}
}

func (r *fakeMarketRepo) FindByPubkey(ctx context.Context, marketPubkey string) (*Market, error) {
	if m, ok := r.byPubkey[marketPubkey]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

func (r *fakeMarketRepo) FindByID(ctx context.Context, id uuid.UUID) (*Market, error) {
	for _, m := range r.byPubkey {
		if m.ID == id {
			copied := *m
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeMarketRepo) FindByAuthorityAndSeed(ctx context.Context, authorityPubkey string, marketSeedID uint64) (*Market, error) {
	for _, m := range r.byPubkey {
		if m.AuthorityPubkey == authorityPubkey && m.MarketSeedID == marketSeedID {
			copied := *m
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeMarketRepo) List(ctx context.Context, limit, offset int) ([]Market, error) {
	var out []Market
	for _, m := range r.byPubkey {
		out = append(out, *m)
	}
	return out, nil
}

func (r *fakeMarketRepo) Add(ctx context.Context, m *Market) error {
	if _, ok := r.byPubkey[m.MarketPubkey]; ok {
		return fmt.Errorf("market %s already exists", m.MarketPubkey)
	}
	copied := *m
	r.byPubkey[m.MarketPubkey] = &copied
	return nil
}

func (r *fakeMarketRepo) Update(ctx context.Context, m *Market) error {
	stored, ok := r.byPubkey[m.MarketPubkey]
	if !ok {
		return fmt.Errorf("market %s not found", m.MarketPubkey)
	}
	copied := *m
	*stored = copied
	return nil
}

type fakePositionRepo struct {
	byKey map[string]*UserMarketPosition
}

func newFakePositionRepo() *fakePositionRepo {
	return &fakePositionRepo{byKey: map[string]*UserMarketPosition{}}
}

func positionKey(userID, marketID uuid.UUID) string {
	return userID.String() + ":" + marketID.String()
}

func (r *fakePositionRepo) Get(ctx context.Context, userID, marketID uuid.UUID) (*UserMarketPosition, error) {
	if p, ok := r.byKey[positionKey(userID, marketID)]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

func (r *fakePositionRepo) UpsertAfterTrade(ctx context.Context, p *UserMarketPosition) error {
	copied := *p
	r.byKey[positionKey(p.UserID, p.MarketID)] = &copied
	return nil
}

func (r *fakePositionRepo) MarkClaimed(ctx context.Context, userID, marketID uuid.UUID, slot uint64) error {
	p, ok := r.byKey[positionKey(userID, marketID)]
	if !ok {
		return fmt.Errorf("no position row for user %s on market %s", userID, marketID)
	}
	p.Claimed = true
	p.LastSyncedSlot = slot
	return nil
}

// fakeLedger scripts the gateway surface through function fields; nil fields
// fall back to benign defaults.
type fakeLedger struct {
	sends      int
	confirms   int
	sendFn     func(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error)
	confirmFn  func(ctx context.Context, sig solana.Signature, durability rpc.CommitmentType) error
	readMarket func(ctx context.Context, marketAccount solana.PublicKey) (uint64, *prediction.MarketState, error)
	readPos    func(ctx context.Context, marketAccount, owner solana.PublicKey) (uint64, *prediction.PositionState, error)
}

func (l *fakeLedger) Authority() solana.PublicKey    { return testAuthority }
func (l *fakeLedger) ProgramID() solana.PublicKey    { return testProgramID }
func (l *fakeLedger) Commitment() rpc.CommitmentType { return rpc.CommitmentConfirmed }

func (l *fakeLedger) EnsureCollateralATA(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, solana.Instruction, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	return ata, nil, err
}

func (l *fakeLedger) SendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	l.sends++
	if l.sendFn != nil {
		return l.sendFn(ctx, instructions)
	}
	return testSignature(byte(l.sends)), nil
}

func (l *fakeLedger) ConfirmTransaction(ctx context.Context, sig solana.Signature, durability rpc.CommitmentType) error {
	l.confirms++
	if l.confirmFn != nil {
		return l.confirmFn(ctx, sig, durability)
	}
	return nil
}

func (l *fakeLedger) ReadMarket(ctx context.Context, marketAccount solana.PublicKey) (uint64, *prediction.MarketState, error) {
	if l.readMarket != nil {
		return l.readMarket(ctx, marketAccount)
	}
	return 100, openMarketState(), nil
}

func (l *fakeLedger) ReadPosition(ctx context.Context, marketAccount, owner solana.PublicKey) (uint64, *prediction.PositionState, error) {
	if l.readPos != nil {
		return l.readPos(ctx, marketAccount, owner)
	}
	return 100, &prediction.PositionState{
		Market:    marketAccount,
		Owner:     owner,
		YesShares: 9_852,
		NoShares:  0,
	}, nil
}

func testSignature(fill byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = fill
	}
	return sig
}

func openMarketState() *prediction.MarketState {
	return &prediction.MarketState{
		MarketID:       1,
		Authority:      testAuthority,
		Question:       "Will it settle?",
		CollateralMint: testMint,
		EndTime:        time.Now().Add(24 * time.Hour).Unix(),
		Status:         prediction.MarketStatusOpen,
		WinningOutcome: -1,
		YesPool:        1_000_000,
		NoPool:         1_000_000,
	}
}
