package market

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/outcomefi/prediction-backend/internal/apperr"
	"github.com/outcomefi/prediction-backend/internal/prediction"
)

func newTestService(t *testing.T, ledger *fakeLedger) (*Service, *fakeMarketRepo, *fakeActionRepo, *fakePositionRepo, *fakeClock) {
	t.Helper()
	markets := newFakeMarketRepo()
	actions := newFakeActionRepo()
	positions := newFakePositionRepo()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(ledger, markets, actions, positions, clock, 50, discardLogger())
	return svc, markets, actions, positions, clock
}

func seedOpenMarket(t *testing.T, markets *fakeMarketRepo, seed uint64) *Market {
	t.Helper()
	pdas, err := prediction.DeriveMarketPDAs(testProgramID, testAuthority, seed)
	if err != nil {
		t.Fatalf("DeriveMarketPDAs: %v", err)
	}
	m := &Market{
		ID:                   uuid.New(),
		MarketSeedID:         seed,
		AuthorityPubkey:      testAuthority.String(),
		ProgramPubkey:        testProgramID.String(),
		MarketPubkey:         pdas.Market.String(),
		VaultPubkey:          pdas.Vault.String(),
		VaultAuthorityPubkey: pdas.VaultAuthority.String(),
		CollateralMintPubkey: testMint.String(),
		Question:             "Will it settle?",
		EndTime:              time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Status:               StatusOpen,
		CreatedTxSignature:   "sig-create",
	}
	if err := markets.Add(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

func TestCreateMarketValidation(t *testing.T) {
	svc, _, _, _, clock := newTestService(t, &fakeLedger{})

	valid := CreateMarketCommand{
		UserID:           uuid.New(),
		IdempotencyKey:   "create-1",
		MarketSeedID:     42,
		Question:         "Will it settle?",
		EndTime:          clock.now.Add(24 * time.Hour),
		InitialLiquidity: 1_000_000,
		CollateralMint:   testMint.String(),
	}

	cases := []struct {
		name   string
		mutate func(cmd *CreateMarketCommand)
	}{
		{"missing idempotency key", func(cmd *CreateMarketCommand) { cmd.IdempotencyKey = "" }},
		{"empty question", func(cmd *CreateMarketCommand) { cmd.Question = "" }},
		{"oversized question", func(cmd *CreateMarketCommand) { cmd.Question = strings.Repeat("q", prediction.MaxQuestionLen+1) }},
		{"zero liquidity", func(cmd *CreateMarketCommand) { cmd.InitialLiquidity = 0 }},
		{"end time in the past", func(cmd *CreateMarketCommand) { cmd.EndTime = clock.now.Add(-time.Hour) }},
		{"bad mint", func(cmd *CreateMarketCommand) { cmd.CollateralMint = "not-a-pubkey" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := valid
			tc.mutate(&cmd)
			_, err := svc.CreateMarket(context.Background(), cmd)
			var validation *apperr.ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestCreateMarket(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, _, _, clock := newTestService(t, ledger)

	cmd := CreateMarketCommand{
		UserID:           uuid.New(),
		IdempotencyKey:   "create-1",
		MarketSeedID:     42,
		Question:         "Will it settle?",
		EndTime:          clock.now.Add(24 * time.Hour),
		InitialLiquidity: 1_000_000,
		CollateralMint:   testMint.String(),
	}

	result, err := svc.CreateMarket(context.Background(), cmd)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	pdas, err := prediction.DeriveMarketPDAs(testProgramID, testAuthority, 42)
	if err != nil {
		t.Fatalf("DeriveMarketPDAs: %v", err)
	}
	if result.MarketPubkey != pdas.Market.String() {
		t.Fatalf("market pubkey = %s, want %s", result.MarketPubkey, pdas.Market)
	}
	if result.VaultPubkey != pdas.Vault.String() || result.VaultAuthorityPubkey != pdas.VaultAuthority.String() {
		t.Fatalf("vault pubkeys do not match derived addresses: %+v", result)
	}
	if result.MarketSeedID != 42 {
		t.Fatalf("seed = %d, want 42", result.MarketSeedID)
	}
	if result.TxSignature == "" {
		t.Fatal("missing transaction signature")
	}

	row, err := markets.FindByPubkey(context.Background(), result.MarketPubkey)
	if err != nil || row == nil {
		t.Fatalf("market row not persisted: %v", err)
	}
	if row.CreatedTxSignature != result.TxSignature {
		t.Fatalf("row signature = %q, want %q", row.CreatedTxSignature, result.TxSignature)
	}
	if row.Status != StatusOpen {
		t.Fatalf("row status = %q, want %q", row.Status, StatusOpen)
	}

	// The recorded signature settles duplicates without another transaction.
	cmd.IdempotencyKey = "create-2"
	again, err := svc.CreateMarket(context.Background(), cmd)
	if err != nil {
		t.Fatalf("duplicate CreateMarket: %v", err)
	}
	if again.TxSignature != result.TxSignature {
		t.Fatalf("duplicate signature = %q, want %q", again.TxSignature, result.TxSignature)
	}
	if ledger.sends != 1 {
		t.Fatalf("ledger sends = %d, want 1", ledger.sends)
	}
}

func TestCreateMarketRetryWithRandomSeedReusesStoredSeed(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, actions, _, clock := newTestService(t, ledger)

	cmd := CreateMarketCommand{
		UserID:           uuid.New(),
		IdempotencyKey:   "create-random",
		MarketSeedID:     0,
		Question:         "Will it settle?",
		EndTime:          clock.now.Add(24 * time.Hour),
		InitialLiquidity: 1_000_000,
		CollateralMint:   testMint.String(),
	}

	first, err := svc.CreateMarket(context.Background(), cmd)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	second, err := svc.CreateMarket(context.Background(), cmd)
	if err != nil {
		t.Fatalf("retry CreateMarket: %v", err)
	}

	// The retry decodes the locked-in seed: same market, same signature,
	// no second row for a freshly minted random seed.
	if second.MarketSeedID != first.MarketSeedID {
		t.Fatalf("retry seed = %d, want the stored %d", second.MarketSeedID, first.MarketSeedID)
	}
	if second.TxSignature != first.TxSignature || second.MarketPubkey != first.MarketPubkey {
		t.Fatalf("retry result %+v does not replay %+v", second, first)
	}
	if len(markets.byPubkey) != 1 {
		t.Fatalf("market rows = %d, want 1", len(markets.byPubkey))
	}
	if ledger.sends != 1 {
		t.Fatalf("ledger sends = %d, want 1", ledger.sends)
	}

	row := actions.stored("create-random")
	if row.MarketID == nil {
		t.Fatal("create action not linked to its market row")
	}
	record, _ := markets.FindByPubkey(context.Background(), first.MarketPubkey)
	if *row.MarketID != record.ID {
		t.Fatalf("action market id = %s, want %s", row.MarketID, record.ID)
	}
}

func TestCreateMarketRejectsForeignKindKey(t *testing.T) {
	svc, _, actions, _, clock := newTestService(t, &fakeLedger{})

	// The key is already claimed by a buy action.
	actions.byKey["shared-key"] = buyTemplate(t, "shared-key", 10_000)

	_, err := svc.CreateMarket(context.Background(), CreateMarketCommand{
		UserID:           uuid.New(),
		IdempotencyKey:   "shared-key",
		MarketSeedID:     42,
		Question:         "Will it settle?",
		EndTime:          clock.now.Add(24 * time.Hour),
		InitialLiquidity: 1_000_000,
		CollateralMint:   testMint.String(),
	})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
}

func TestCreateMarketResumesHalfFinishedRow(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, _, _, clock := newTestService(t, ledger)

	// A prior attempt persisted the row but crashed before confirmation.
	stale := seedOpenMarket(t, markets, 42)
	stale.CreatedTxSignature = ""
	if err := markets.Update(context.Background(), stale); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	result, err := svc.CreateMarket(context.Background(), CreateMarketCommand{
		UserID:           uuid.New(),
		IdempotencyKey:   "create-retry",
		MarketSeedID:     42,
		Question:         "Will it settle?",
		EndTime:          clock.now.Add(24 * time.Hour),
		InitialLiquidity: 1_000_000,
		CollateralMint:   testMint.String(),
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if result.MarketPubkey != stale.MarketPubkey {
		t.Fatalf("retry derived %s, want the existing market %s", result.MarketPubkey, stale.MarketPubkey)
	}
	if len(markets.byPubkey) != 1 {
		t.Fatalf("market rows = %d, want 1", len(markets.byPubkey))
	}

	row, _ := markets.FindByPubkey(context.Background(), stale.MarketPubkey)
	if row.CreatedTxSignature == "" {
		t.Fatal("retry did not record the creation signature")
	}
	if ledger.sends != 1 {
		t.Fatalf("ledger sends = %d, want 1", ledger.sends)
	}
}

func TestTradeValidation(t *testing.T) {
	svc, markets, _, _, _ := newTestService(t, &fakeLedger{})
	record := seedOpenMarket(t, markets, 7)

	valid := TradeCommand{
		UserID:         uuid.New(),
		IdempotencyKey: "buy-1",
		MarketPubkey:   record.MarketPubkey,
		OutcomeIndex:   0,
		Amount:         10_000,
		SlippageBps:    100,
	}

	cases := []struct {
		name    string
		mutate  func(cmd *TradeCommand)
		wantErr func(err error) bool
	}{
		{"missing idempotency key", func(cmd *TradeCommand) { cmd.IdempotencyKey = "" }, isValidation},
		{"outcome out of range", func(cmd *TradeCommand) { cmd.OutcomeIndex = 2 }, isValidation},
		{"zero amount", func(cmd *TradeCommand) { cmd.Amount = 0 }, isValidation},
		{"slippage at limit", func(cmd *TradeCommand) { cmd.SlippageBps = maxSlippageBps }, isValidation},
		{"bad market pubkey", func(cmd *TradeCommand) { cmd.MarketPubkey = "nope" }, isValidation},
		{"unknown market", func(cmd *TradeCommand) { cmd.MarketPubkey = testMint.String() }, isNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := valid
			tc.mutate(&cmd)
			if _, err := svc.BuyShares(context.Background(), cmd); !tc.wantErr(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func isValidation(err error) bool {
	var validation *apperr.ValidationError
	return errors.As(err, &validation)
}

func isNotFound(err error) bool {
	var notFound *apperr.NotFoundError
	return errors.As(err, &notFound)
}

func TestBuyShares(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, actions, positions, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)
	userID := uuid.New()

	result, err := svc.BuyShares(context.Background(), TradeCommand{
		UserID:         userID,
		IdempotencyKey: "buy-1",
		MarketPubkey:   record.MarketPubkey,
		OutcomeIndex:   0,
		Amount:         10_000,
		SlippageBps:    100,
	})
	if err != nil {
		t.Fatalf("BuyShares: %v", err)
	}

	// Quote against the 1e6/1e6 pools with a 50 bps fee.
	if result.Fee != 50 || result.SharesOut != 9_852 {
		t.Fatalf("quote = fee %d shares %d, want 50/9852", result.Fee, result.SharesOut)
	}
	if result.MinSharesOut != 9_753 {
		t.Fatalf("min shares out = %d, want 9753", result.MinSharesOut)
	}
	if result.NewYesPool != 990_148 || result.NewNoPool != 1_009_950 {
		t.Fatalf("new pools = %d/%d, want 990148/1009950", result.NewYesPool, result.NewNoPool)
	}
	if result.TxSignature == "" {
		t.Fatal("missing transaction signature")
	}

	row := actions.stored("buy-1")
	if row == nil || row.State != ActionConfirmed {
		t.Fatalf("action row = %+v, want confirmed", row)
	}

	position, err := positions.Get(context.Background(), userID, record.ID)
	if err != nil || position == nil {
		t.Fatalf("position not cached after trade: %v", err)
	}
	if position.YesShares != 9_852 {
		t.Fatalf("cached yes shares = %d, want 9852", position.YesShares)
	}
}

func TestBuySharesConflictWhenMarketNotOpen(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.readMarket = func(ctx context.Context, marketAccount solana.PublicKey) (uint64, *prediction.MarketState, error) {
		state := openMarketState()
		state.Status = prediction.MarketStatusResolved
		return 100, state, nil
	}
	svc, markets, actions, _, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)

	_, err := svc.BuyShares(context.Background(), TradeCommand{
		UserID:         uuid.New(),
		IdempotencyKey: "buy-closed",
		MarketPubkey:   record.MarketPubkey,
		OutcomeIndex:   0,
		Amount:         10_000,
		SlippageBps:    100,
	})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
	if ledger.sends != 0 {
		t.Fatalf("ledger sends = %d, want 0", ledger.sends)
	}

	row := actions.stored("buy-closed")
	if row == nil || row.State != ActionFailed || row.ErrorCode != errorCodeRejected {
		t.Fatalf("action row = %+v, want failed/REJECTED", row)
	}
}

func TestSellShares(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, _, _, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)

	result, err := svc.SellShares(context.Background(), TradeCommand{
		UserID:         uuid.New(),
		IdempotencyKey: "sell-1",
		MarketPubkey:   record.MarketPubkey,
		OutcomeIndex:   0,
		Amount:         10_000,
		SlippageBps:    0,
	})
	if err != nil {
		t.Fatalf("SellShares: %v", err)
	}
	if result.Fee != 49 || result.CollateralOut != 9_852 {
		t.Fatalf("quote = fee %d out %d, want 49/9852", result.Fee, result.CollateralOut)
	}
	if result.MinCollateralOut != 9_852 {
		t.Fatalf("min collateral out = %d, want 9852 with zero slippage", result.MinCollateralOut)
	}
	if result.NewYesPool != 1_010_000 || result.NewNoPool != 990_148 {
		t.Fatalf("new pools = %d/%d, want 1010000/990148", result.NewYesPool, result.NewNoPool)
	}
}

func TestResolveMarket(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, _, _, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)

	result, err := svc.ResolveMarket(context.Background(), ResolveMarketCommand{
		UserID:              uuid.New(),
		IdempotencyKey:      "resolve-1",
		MarketPubkey:        record.MarketPubkey,
		WinningOutcomeIndex: 1,
	})
	if err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if result.WinningOutcomeIndex != 1 {
		t.Fatalf("winning outcome = %d, want 1", result.WinningOutcomeIndex)
	}

	row, _ := markets.FindByPubkey(context.Background(), record.MarketPubkey)
	if row.Status != StatusResolved {
		t.Fatalf("row status = %q, want %q", row.Status, StatusResolved)
	}
	if row.WinningOutcomeIndex == nil || *row.WinningOutcomeIndex != 1 {
		t.Fatalf("row winning outcome = %v, want 1", row.WinningOutcomeIndex)
	}
}

func TestResolveMarketRejectsBadOutcome(t *testing.T) {
	svc, markets, _, _, _ := newTestService(t, &fakeLedger{})
	record := seedOpenMarket(t, markets, 7)

	_, err := svc.ResolveMarket(context.Background(), ResolveMarketCommand{
		UserID:              uuid.New(),
		IdempotencyKey:      "resolve-bad",
		MarketPubkey:        record.MarketPubkey,
		WinningOutcomeIndex: 2,
	})
	if !isValidation(err) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestClaimWinningsRequiresResolvedMarket(t *testing.T) {
	svc, markets, _, _, _ := newTestService(t, &fakeLedger{})
	record := seedOpenMarket(t, markets, 7)

	_, err := svc.ClaimWinnings(context.Background(), ClaimCommand{
		UserID:         uuid.New(),
		IdempotencyKey: "claim-early",
		MarketPubkey:   record.MarketPubkey,
	})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
}

func TestClaimWinnings(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, _, positions, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)
	markResolved(t, markets, record)
	userID := uuid.New()

	seedPosition(positions, userID, record.ID)

	result, err := svc.ClaimWinnings(context.Background(), ClaimCommand{
		UserID:         userID,
		IdempotencyKey: "claim-1",
		MarketPubkey:   record.MarketPubkey,
	})
	if err != nil {
		t.Fatalf("ClaimWinnings: %v", err)
	}
	if result.TxSignature == "" || result.AlreadyClaimed {
		t.Fatalf("unexpected result: %+v", result)
	}

	position, _ := positions.Get(context.Background(), userID, record.ID)
	if !position.Claimed {
		t.Fatal("position not marked claimed")
	}
}

func TestClaimWinningsSettlesAlreadyClaimed(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.sendFn = func(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
		return solana.Signature{}, &apperr.ProgramError{Code: "AlreadyClaimed", Number: 6007, Detail: "winnings already claimed"}
	}
	svc, markets, actions, positions, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)
	markResolved(t, markets, record)
	userID := uuid.New()
	seedPosition(positions, userID, record.ID)

	// A prior confirmed claim exists for this user and market.
	actions.byKey["claim-prior"] = &MarketAction{
		ID:                uuid.New(),
		MarketID:          &record.ID,
		RequestedByUserID: userID,
		ActionType:        ActionClaim,
		State:             ActionConfirmed,
		IdempotencyKey:    "claim-prior",
		TxSignature:       "sig-prior",
		UpdatedAt:         time.Now(),
	}

	result, err := svc.ClaimWinnings(context.Background(), ClaimCommand{
		UserID:         userID,
		IdempotencyKey: "claim-again",
		MarketPubkey:   record.MarketPubkey,
	})
	if err != nil {
		t.Fatalf("ClaimWinnings: %v", err)
	}
	if !result.AlreadyClaimed {
		t.Fatal("result not flagged as already claimed")
	}
	if result.TxSignature != "sig-prior" {
		t.Fatalf("signature = %q, want the prior claim's sig-prior", result.TxSignature)
	}
}

func TestClaimWinningsAlreadyClaimedWithoutPriorSurfaces(t *testing.T) {
	ledger := &fakeLedger{}
	ledger.sendFn = func(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
		return solana.Signature{}, &apperr.ProgramError{Code: "AlreadyClaimed", Number: 6007, Detail: "winnings already claimed"}
	}
	svc, markets, _, positions, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)
	markResolved(t, markets, record)
	userID := uuid.New()
	seedPosition(positions, userID, record.ID)

	_, err := svc.ClaimWinnings(context.Background(), ClaimCommand{
		UserID:         userID,
		IdempotencyKey: "claim-orphan",
		MarketPubkey:   record.MarketPubkey,
	})
	var progErr *apperr.ProgramError
	if !errors.As(err, &progErr) || progErr.Number != 6007 {
		t.Fatalf("error = %v, want AlreadyClaimed program error", err)
	}
}

func TestClaimWinningsRequiresPositionRow(t *testing.T) {
	ledger := &fakeLedger{}
	svc, markets, _, _, _ := newTestService(t, ledger)
	record := seedOpenMarket(t, markets, 7)
	markResolved(t, markets, record)

	_, err := svc.ClaimWinnings(context.Background(), ClaimCommand{
		UserID:         uuid.New(),
		IdempotencyKey: "claim-no-position",
		MarketPubkey:   record.MarketPubkey,
	})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
	if ledger.sends != 0 {
		t.Fatalf("ledger sends = %d, want 0", ledger.sends)
	}
}

func TestGetMarketState(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, &fakeLedger{})

	view, err := svc.GetMarketState(context.Background(), testProgramID.String())
	if err != nil {
		t.Fatalf("GetMarketState: %v", err)
	}
	if view.Slot != 100 || view.State.YesPool != 1_000_000 {
		t.Fatalf("unexpected view: slot %d pools %d", view.Slot, view.State.YesPool)
	}

	if _, err := svc.GetMarketState(context.Background(), "nope"); !isValidation(err) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func seedPosition(positions *fakePositionRepo, userID, marketID uuid.UUID) {
	positions.byKey[positionKey(userID, marketID)] = &UserMarketPosition{
		ID:        uuid.New(),
		UserID:    userID,
		MarketID:  marketID,
		YesShares: 9_852,
	}
}

func markResolved(t *testing.T, markets *fakeMarketRepo, record *Market) {
	t.Helper()
	outcome := uint8(0)
	record.Status = StatusResolved
	record.WinningOutcomeIndex = &outcome
	if err := markets.Update(context.Background(), record); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
}
