package market

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/outcomefi/prediction-backend/internal/apperr"
	"github.com/outcomefi/prediction-backend/internal/cpmm"
	"github.com/outcomefi/prediction-backend/internal/prediction"
)

const maxSlippageBps = 10_000

// Service executes market lifecycle actions. Every ledger write goes
// through the executor so a repeated idempotency key returns the recorded
// outcome instead of touching the chain twice.
type Service struct {
	ledger    Ledger
	markets   MarketRepository
	actions   MarketActionRepository
	positions UserPositionRepository
	executor  *Executor
	clock     Clock
	feeBps    uint64
	logger    *slog.Logger
}

func NewService(
	ledger Ledger,
	markets MarketRepository,
	actions MarketActionRepository,
	positions UserPositionRepository,
	clock Clock,
	feeBps uint64,
	logger *slog.Logger,
) *Service {
	return &Service{
		ledger:    ledger,
		markets:   markets,
		actions:   actions,
		positions: positions,
		executor:  NewExecutor(actions, clock, logger),
		clock:     clock,
		feeBps:    feeBps,
		logger:    logger,
	}
}

type CreateMarketCommand struct {
	UserID         uuid.UUID
	IdempotencyKey string
	// MarketSeedID of zero asks the service to pick a random seed. The
	// chosen seed is locked into the action record so replays reuse it.
	MarketSeedID     uint64
	Question         string
	EndTime          time.Time
	InitialLiquidity uint64
	CollateralMint   string
}

type ResolveMarketCommand struct {
	UserID              uuid.UUID
	IdempotencyKey      string
	MarketPubkey        string
	WinningOutcomeIndex uint8
}

type TradeCommand struct {
	UserID         uuid.UUID
	IdempotencyKey string
	MarketPubkey   string
	OutcomeIndex   uint8
	// Amount is collateral in for buys, shares in for sells.
	Amount      uint64
	SlippageBps uint64
}

type ClaimCommand struct {
	UserID         uuid.UUID
	IdempotencyKey string
	MarketPubkey   string
}

// MarketStateView is a point-in-time chain read of one market.
type MarketStateView struct {
	Slot  uint64
	State *prediction.MarketState
}

type PositionView struct {
	Slot  uint64
	State *prediction.PositionState
}

func (s *Service) CreateMarket(ctx context.Context, cmd CreateMarketCommand) (*CreateMarketResult, error) {
	if cmd.IdempotencyKey == "" {
		return nil, apperr.Validationf("idempotency key is required")
	}
	if cmd.Question == "" {
		return nil, apperr.Validationf("question is required")
	}
	if len(cmd.Question) > prediction.MaxQuestionLen {
		return nil, apperr.Validationf("question exceeds %d bytes", prediction.MaxQuestionLen)
	}
	if cmd.InitialLiquidity == 0 {
		return nil, apperr.Validationf("initial liquidity must be positive")
	}
	if !cmd.EndTime.After(s.clock.Now()) {
		return nil, apperr.Validationf("end time must be in the future")
	}
	mint, err := solana.PublicKeyFromBase58(cmd.CollateralMint)
	if err != nil {
		return nil, apperr.Validationf("invalid collateral mint: %v", err)
	}

	seed := cmd.MarketSeedID
	if seed == 0 {
		seed, err = randomSeedID()
		if err != nil {
			return nil, fmt.Errorf("generate market seed: %w", err)
		}
	}

	authority := s.ledger.Authority()

	// Claim the idempotency key before touching the markets table. A retry
	// must decode the seed locked in by the first attempt instead of
	// minting a fresh one and leaving a phantom market row behind.
	template, err := s.actionTemplate(cmd.UserID, cmd.IdempotencyKey, ActionCreate, nil, RequestPayload{
		Kind: ActionCreate,
		Create: &CreateMarketRequest{
			MarketSeedID:     seed,
			Question:         cmd.Question,
			EndTimeUnix:      cmd.EndTime.Unix(),
			InitialLiquidity: cmd.InitialLiquidity,
			CollateralMint:   mint.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	action, _, err := s.actions.GetOrCreate(ctx, template)
	if err != nil {
		return nil, apperr.Dependency("claim action record", err)
	}
	stored, err := DecodeRequest(action.RequestJSON)
	if err != nil {
		return nil, fmt.Errorf("action %s has unreadable request payload: %w", action.ID, err)
	}
	req := stored.Create
	if req == nil {
		return nil, apperr.Conflictf("idempotency key %q belongs to a %s action", cmd.IdempotencyKey, action.ActionType)
	}
	seed = req.MarketSeedID
	storedMint, err := solana.PublicKeyFromBase58(req.CollateralMint)
	if err != nil {
		return nil, fmt.Errorf("stored collateral mint unreadable: %w", err)
	}

	// A market for this (authority, seed) pair can exist only once on
	// chain. A row without a recorded signature is a half-finished attempt
	// and is carried forward.
	existing, err := s.markets.FindByAuthorityAndSeed(ctx, authority.String(), seed)
	if err != nil {
		return nil, apperr.Dependency("load market record", err)
	}
	record := existing
	if record == nil {
		pdas, err := prediction.DeriveMarketPDAs(s.ledger.ProgramID(), authority, seed)
		if err != nil {
			return nil, fmt.Errorf("derive market addresses: %w", err)
		}
		record = &Market{
			ID:                   uuid.New(),
			MarketSeedID:         seed,
			AuthorityPubkey:      authority.String(),
			ProgramPubkey:        s.ledger.ProgramID().String(),
			MarketPubkey:         pdas.Market.String(),
			VaultPubkey:          pdas.Vault.String(),
			VaultAuthorityPubkey: pdas.VaultAuthority.String(),
			CollateralMintPubkey: storedMint.String(),
			Question:             req.Question,
			EndTime:              time.Unix(req.EndTimeUnix, 0).UTC(),
			Status:               StatusOpen,
		}
		if err := s.markets.Add(ctx, record); err != nil {
			return nil, apperr.Dependency("persist market record", err)
		}
	}
	if action.MarketID == nil {
		action.MarketID = &record.ID
		if err := s.actions.Update(ctx, action); err != nil {
			return nil, apperr.Dependency("persist action record", err)
		}
	}

	// Chain already carries this market: settle the action from the
	// recorded signature instead of sending a doomed transaction.
	if record.CreatedTxSignature != "" && action.State != ActionConfirmed {
		return s.settleCreateFromRecord(ctx, action, record)
	}

	resp, err := s.executor.Execute(ctx, template, func(ctx context.Context, stored RequestPayload, recordSubmitted func(string) error) (*ResponsePayload, string, error) {
		req := stored.Create
		storedMint, err := solana.PublicKeyFromBase58(req.CollateralMint)
		if err != nil {
			return nil, "", fmt.Errorf("stored collateral mint unreadable: %w", err)
		}
		storedPDAs, err := prediction.DeriveMarketPDAs(s.ledger.ProgramID(), authority, req.MarketSeedID)
		if err != nil {
			return nil, "", fmt.Errorf("derive market addresses: %w", err)
		}

		authorityATA, createATA, err := s.ledger.EnsureCollateralATA(ctx, authority, storedMint)
		if err != nil {
			return nil, "", err
		}

		var instructions []solana.Instruction
		if createATA != nil {
			instructions = append(instructions, createATA)
		}
		ix, err := prediction.NewCreateMarketInstruction(s.ledger.ProgramID(), prediction.CreateMarketAccounts{
			Market:                 storedPDAs.Market,
			Vault:                  storedPDAs.Vault,
			VaultAuthority:         storedPDAs.VaultAuthority,
			CollateralMint:         storedMint,
			Authority:              authority,
			AuthorityCollateralATA: authorityATA,
		}, req.MarketSeedID, req.Question, req.EndTimeUnix, req.InitialLiquidity)
		if err != nil {
			return nil, "", err
		}
		instructions = append(instructions, ix)

		sig, err := s.ledger.SendTransaction(ctx, instructions)
		if err != nil {
			return nil, "", err
		}
		if err := recordSubmitted(sig.String()); err != nil {
			return nil, "", err
		}
		if err := s.ledger.ConfirmTransaction(ctx, sig, s.ledger.Commitment()); err != nil {
			return nil, "", err
		}

		// Sanity check: the confirmed account must carry our authority.
		if _, state, err := s.ledger.ReadMarket(ctx, storedPDAs.Market); err == nil {
			if !state.Authority.Equals(authority) {
				return nil, "", fmt.Errorf("market %s confirmed with unexpected authority %s",
					storedPDAs.Market, state.Authority)
			}
		}

		return &ResponsePayload{
			Kind: ActionCreate,
			Create: &CreateMarketResult{
				MarketPubkey:         storedPDAs.Market.String(),
				VaultPubkey:          storedPDAs.Vault.String(),
				VaultAuthorityPubkey: storedPDAs.VaultAuthority.String(),
				MarketSeedID:         req.MarketSeedID,
				TxSignature:          sig.String(),
			},
		}, sig.String(), nil
	})
	if err != nil {
		return nil, err
	}

	record.CreatedTxSignature = resp.Create.TxSignature
	if err := s.markets.Update(ctx, record); err != nil {
		s.logger.Error("persist market creation signature",
			"market_pubkey", record.MarketPubkey, "err", err)
	}
	return resp.Create, nil
}

// settleCreateFromRecord confirms a create action against a market row that
// already carries its creation signature, so duplicate requests replay the
// original outcome.
func (s *Service) settleCreateFromRecord(ctx context.Context, action *MarketAction, record *Market) (*CreateMarketResult, error) {
	result := &CreateMarketResult{
		MarketPubkey:         record.MarketPubkey,
		VaultPubkey:          record.VaultPubkey,
		VaultAuthorityPubkey: record.VaultAuthorityPubkey,
		MarketSeedID:         record.MarketSeedID,
		TxSignature:          record.CreatedTxSignature,
	}
	encoded, err := EncodeResponse(ResponsePayload{Kind: ActionCreate, Create: result})
	if err != nil {
		return nil, fmt.Errorf("encode action response: %w", err)
	}
	action.State = ActionConfirmed
	action.TxSignature = record.CreatedTxSignature
	action.ResponseJSON = encoded
	if err := s.actions.Update(ctx, action); err != nil {
		return nil, apperr.Dependency("persist confirmed action", err)
	}
	return result, nil
}

func (s *Service) ResolveMarket(ctx context.Context, cmd ResolveMarketCommand) (*ResolveMarketResult, error) {
	if cmd.IdempotencyKey == "" {
		return nil, apperr.Validationf("idempotency key is required")
	}
	if cmd.WinningOutcomeIndex > 1 {
		return nil, apperr.Validationf("winning outcome index must be 0 or 1")
	}

	record, marketPK, err := s.loadMarket(ctx, cmd.MarketPubkey)
	if err != nil {
		return nil, err
	}

	template, err := s.actionTemplate(cmd.UserID, cmd.IdempotencyKey, ActionResolve, &record.ID, RequestPayload{
		Kind: ActionResolve,
		Resolve: &ResolveMarketRequest{
			MarketPubkey:        record.MarketPubkey,
			WinningOutcomeIndex: cmd.WinningOutcomeIndex,
		},
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.executor.Execute(ctx, template, func(ctx context.Context, stored RequestPayload, recordSubmitted func(string) error) (*ResponsePayload, string, error) {
		req := stored.Resolve
		if _, err := s.requireOpenMarket(ctx, marketPK); err != nil {
			return nil, "", err
		}

		ix, err := prediction.NewResolveMarketInstruction(s.ledger.ProgramID(), marketPK, s.ledger.Authority(), req.WinningOutcomeIndex)
		if err != nil {
			return nil, "", err
		}
		sig, err := s.ledger.SendTransaction(ctx, []solana.Instruction{ix})
		if err != nil {
			return nil, "", err
		}
		if err := recordSubmitted(sig.String()); err != nil {
			return nil, "", err
		}
		if err := s.ledger.ConfirmTransaction(ctx, sig, s.ledger.Commitment()); err != nil {
			return nil, "", err
		}
		return &ResponsePayload{
			Kind: ActionResolve,
			Resolve: &ResolveMarketResult{
				TxSignature:         sig.String(),
				WinningOutcomeIndex: req.WinningOutcomeIndex,
			},
		}, sig.String(), nil
	})
	if err != nil {
		return nil, err
	}

	outcome := resp.Resolve.WinningOutcomeIndex
	record.Status = StatusResolved
	record.WinningOutcomeIndex = &outcome
	if err := s.markets.Update(ctx, record); err != nil {
		s.logger.Error("persist market resolution",
			"market_pubkey", record.MarketPubkey, "err", err)
	}
	return resp.Resolve, nil
}

func (s *Service) BuyShares(ctx context.Context, cmd TradeCommand) (*BuySharesResult, error) {
	record, marketPK, err := s.validateTrade(ctx, cmd)
	if err != nil {
		return nil, err
	}

	template, err := s.actionTemplate(cmd.UserID, cmd.IdempotencyKey, ActionBuy, &record.ID, RequestPayload{
		Kind: ActionBuy,
		Buy: &BuySharesRequest{
			MarketPubkey: record.MarketPubkey,
			OutcomeIndex: cmd.OutcomeIndex,
			CollateralIn: cmd.Amount,
			SlippageBps:  cmd.SlippageBps,
		},
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.executor.Execute(ctx, template, func(ctx context.Context, stored RequestPayload, recordSubmitted func(string) error) (*ResponsePayload, string, error) {
		req := stored.Buy
		state, err := s.requireOpenMarket(ctx, marketPK)
		if err != nil {
			return nil, "", err
		}

		quote, err := cpmm.QuoteBuy(state.YesPool, state.NoPool, req.CollateralIn, s.feeBps, cpmm.Side(req.OutcomeIndex))
		if err != nil {
			return nil, "", apperr.Validationf("buy rejected: %v", err)
		}
		minSharesOut := cpmm.ApplySlippageFloor(quote.SharesOut, req.SlippageBps)

		accounts, createATA, err := s.tradeAccounts(ctx, record, marketPK)
		if err != nil {
			return nil, "", err
		}
		var instructions []solana.Instruction
		if createATA != nil {
			instructions = append(instructions, createATA)
		}
		ix, err := prediction.NewBuySharesInstruction(s.ledger.ProgramID(), accounts, req.OutcomeIndex, req.CollateralIn, minSharesOut)
		if err != nil {
			return nil, "", err
		}
		instructions = append(instructions, ix)

		sig, err := s.ledger.SendTransaction(ctx, instructions)
		if err != nil {
			return nil, "", err
		}
		if err := recordSubmitted(sig.String()); err != nil {
			return nil, "", err
		}
		if err := s.ledger.ConfirmTransaction(ctx, sig, s.ledger.Commitment()); err != nil {
			return nil, "", err
		}

		s.refreshPosition(ctx, cmd.UserID, record, marketPK, accounts.Position)

		return &ResponsePayload{
			Kind: ActionBuy,
			Buy: &BuySharesResult{
				TxSignature:  sig.String(),
				OutcomeIndex: req.OutcomeIndex,
				CollateralIn: req.CollateralIn,
				Fee:          quote.Fee,
				SharesOut:    quote.SharesOut,
				MinSharesOut: minSharesOut,
				NewYesPool:   quote.NewYesPool,
				NewNoPool:    quote.NewNoPool,
			},
		}, sig.String(), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Buy, nil
}

func (s *Service) SellShares(ctx context.Context, cmd TradeCommand) (*SellSharesResult, error) {
	record, marketPK, err := s.validateTrade(ctx, cmd)
	if err != nil {
		return nil, err
	}

	template, err := s.actionTemplate(cmd.UserID, cmd.IdempotencyKey, ActionSell, &record.ID, RequestPayload{
		Kind: ActionSell,
		Sell: &SellSharesRequest{
			MarketPubkey: record.MarketPubkey,
			OutcomeIndex: cmd.OutcomeIndex,
			SharesIn:     cmd.Amount,
			SlippageBps:  cmd.SlippageBps,
		},
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.executor.Execute(ctx, template, func(ctx context.Context, stored RequestPayload, recordSubmitted func(string) error) (*ResponsePayload, string, error) {
		req := stored.Sell
		state, err := s.requireOpenMarket(ctx, marketPK)
		if err != nil {
			return nil, "", err
		}

		quote, err := cpmm.QuoteSell(state.YesPool, state.NoPool, req.SharesIn, s.feeBps, cpmm.Side(req.OutcomeIndex))
		if err != nil {
			return nil, "", apperr.Validationf("sell rejected: %v", err)
		}
		minCollateralOut := cpmm.ApplySlippageFloor(quote.CollateralOut, req.SlippageBps)

		accounts, createATA, err := s.tradeAccounts(ctx, record, marketPK)
		if err != nil {
			return nil, "", err
		}
		var instructions []solana.Instruction
		if createATA != nil {
			instructions = append(instructions, createATA)
		}
		ix, err := prediction.NewSellSharesInstruction(s.ledger.ProgramID(), accounts, req.OutcomeIndex, req.SharesIn, minCollateralOut)
		if err != nil {
			return nil, "", err
		}
		instructions = append(instructions, ix)

		sig, err := s.ledger.SendTransaction(ctx, instructions)
		if err != nil {
			return nil, "", err
		}
		if err := recordSubmitted(sig.String()); err != nil {
			return nil, "", err
		}
		if err := s.ledger.ConfirmTransaction(ctx, sig, s.ledger.Commitment()); err != nil {
			return nil, "", err
		}

		s.refreshPosition(ctx, cmd.UserID, record, marketPK, accounts.Position)

		return &ResponsePayload{
			Kind: ActionSell,
			Sell: &SellSharesResult{
				TxSignature:      sig.String(),
				OutcomeIndex:     req.OutcomeIndex,
				SharesIn:         req.SharesIn,
				Fee:              quote.Fee,
				CollateralOut:    quote.CollateralOut,
				MinCollateralOut: minCollateralOut,
				NewYesPool:       quote.NewYesPool,
				NewNoPool:        quote.NewNoPool,
			},
		}, sig.String(), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Sell, nil
}

func (s *Service) ClaimWinnings(ctx context.Context, cmd ClaimCommand) (*ClaimWinningsResult, error) {
	if cmd.IdempotencyKey == "" {
		return nil, apperr.Validationf("idempotency key is required")
	}
	record, marketPK, err := s.loadMarket(ctx, cmd.MarketPubkey)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusResolved {
		return nil, apperr.Conflictf("market %s is not resolved", record.MarketPubkey)
	}

	// A claim presupposes a prior trade created the position row. Without
	// one there is nothing to settle and nothing to mark claimed.
	position, err := s.positions.Get(ctx, cmd.UserID, record.ID)
	if err != nil {
		return nil, apperr.Dependency("load position record", err)
	}
	if position == nil {
		return nil, apperr.Conflictf("no position recorded for user %s on market %s", cmd.UserID, record.MarketPubkey)
	}

	template, err := s.actionTemplate(cmd.UserID, cmd.IdempotencyKey, ActionClaim, &record.ID, RequestPayload{
		Kind:  ActionClaim,
		Claim: &ClaimWinningsRequest{MarketPubkey: record.MarketPubkey},
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.executor.Execute(ctx, template, func(ctx context.Context, stored RequestPayload, recordSubmitted func(string) error) (*ResponsePayload, string, error) {
		accounts, createATA, err := s.tradeAccounts(ctx, record, marketPK)
		if err != nil {
			return nil, "", err
		}
		var instructions []solana.Instruction
		if createATA != nil {
			instructions = append(instructions, createATA)
		}
		instructions = append(instructions, prediction.NewClaimWinningsInstruction(s.ledger.ProgramID(), accounts))

		sig, sendErr := s.ledger.SendTransaction(ctx, instructions)
		if sendErr != nil {
			if payload, ok := s.settleAlreadyClaimed(ctx, cmd.UserID, record, sendErr); ok {
				return payload, payload.Claim.TxSignature, nil
			}
			return nil, "", sendErr
		}
		if err := recordSubmitted(sig.String()); err != nil {
			return nil, "", err
		}
		if err := s.ledger.ConfirmTransaction(ctx, sig, s.ledger.Commitment()); err != nil {
			return nil, "", err
		}

		slot, _, readErr := s.ledger.ReadPosition(ctx, marketPK, s.ledger.Authority())
		if readErr != nil {
			slot = 0
		}
		if err := s.positions.MarkClaimed(ctx, cmd.UserID, record.ID, slot); err != nil {
			s.logger.Error("mark position claimed",
				"market_pubkey", record.MarketPubkey, "user_id", cmd.UserID, "err", err)
		}

		return &ResponsePayload{
			Kind:  ActionClaim,
			Claim: &ClaimWinningsResult{TxSignature: sig.String()},
		}, sig.String(), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Claim, nil
}

// settleAlreadyClaimed converts the program's AlreadyClaimed rejection into
// an idempotent success when a prior confirmed claim exists for this user
// and market. Without one the rejection surfaces as a conflict.
func (s *Service) settleAlreadyClaimed(ctx context.Context, userID uuid.UUID, record *Market, sendErr error) (*ResponsePayload, bool) {
	if !apperr.IsAlreadyClaimed(sendErr) {
		return nil, false
	}
	if err := s.positions.MarkClaimed(ctx, userID, record.ID, 0); err != nil {
		s.logger.Error("mark position claimed",
			"market_pubkey", record.MarketPubkey, "user_id", userID, "err", err)
	}
	prior, err := s.actions.LatestConfirmed(ctx, record.ID, userID, ActionClaim)
	if err != nil || prior == nil {
		return nil, false
	}
	return &ResponsePayload{
		Kind: ActionClaim,
		Claim: &ClaimWinningsResult{
			TxSignature:    prior.TxSignature,
			AlreadyClaimed: true,
		},
	}, true
}

func (s *Service) GetMarketState(ctx context.Context, marketPubkey string) (*MarketStateView, error) {
	marketPK, err := solana.PublicKeyFromBase58(marketPubkey)
	if err != nil {
		return nil, apperr.Validationf("invalid market pubkey: %v", err)
	}
	slot, state, err := s.ledger.ReadMarket(ctx, marketPK)
	if err != nil {
		return nil, err
	}
	return &MarketStateView{Slot: slot, State: state}, nil
}

func (s *Service) GetPosition(ctx context.Context, marketPubkey, ownerPubkey string) (*PositionView, error) {
	marketPK, err := solana.PublicKeyFromBase58(marketPubkey)
	if err != nil {
		return nil, apperr.Validationf("invalid market pubkey: %v", err)
	}
	owner, err := solana.PublicKeyFromBase58(ownerPubkey)
	if err != nil {
		return nil, apperr.Validationf("invalid owner pubkey: %v", err)
	}
	slot, state, err := s.ledger.ReadPosition(ctx, marketPK, owner)
	if err != nil {
		return nil, err
	}
	return &PositionView{Slot: slot, State: state}, nil
}

func (s *Service) ListMarkets(ctx context.Context, limit, offset int) ([]Market, error) {
	return s.markets.List(ctx, limit, offset)
}

func (s *Service) validateTrade(ctx context.Context, cmd TradeCommand) (*Market, solana.PublicKey, error) {
	if cmd.IdempotencyKey == "" {
		return nil, solana.PublicKey{}, apperr.Validationf("idempotency key is required")
	}
	if cmd.OutcomeIndex > 1 {
		return nil, solana.PublicKey{}, apperr.Validationf("outcome index must be 0 or 1")
	}
	if cmd.Amount == 0 {
		return nil, solana.PublicKey{}, apperr.Validationf("amount must be positive")
	}
	if cmd.SlippageBps >= maxSlippageBps {
		return nil, solana.PublicKey{}, apperr.Validationf("slippage must be below %d bps", maxSlippageBps)
	}
	return s.loadMarket(ctx, cmd.MarketPubkey)
}

func (s *Service) loadMarket(ctx context.Context, marketPubkey string) (*Market, solana.PublicKey, error) {
	marketPK, err := solana.PublicKeyFromBase58(marketPubkey)
	if err != nil {
		return nil, solana.PublicKey{}, apperr.Validationf("invalid market pubkey: %v", err)
	}
	record, err := s.markets.FindByPubkey(ctx, marketPubkey)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	if record == nil {
		return nil, solana.PublicKey{}, apperr.NotFound("market", marketPubkey)
	}
	return record, marketPK, nil
}

// requireOpenMarket re-reads the live account immediately before building a
// mutating instruction. Local rows can lag chain state.
func (s *Service) requireOpenMarket(ctx context.Context, marketPK solana.PublicKey) (*prediction.MarketState, error) {
	_, state, err := s.ledger.ReadMarket(ctx, marketPK)
	if err != nil {
		return nil, err
	}
	if state.Status != prediction.MarketStatusOpen {
		return nil, apperr.Conflictf("market %s is not open for this action", marketPK)
	}
	return state, nil
}

func (s *Service) tradeAccounts(ctx context.Context, record *Market, marketPK solana.PublicKey) (prediction.TradeAccounts, solana.Instruction, error) {
	user := s.ledger.Authority()
	mint, err := solana.PublicKeyFromBase58(record.CollateralMintPubkey)
	if err != nil {
		return prediction.TradeAccounts{}, nil, fmt.Errorf("stored collateral mint unreadable: %w", err)
	}
	position, _, err := prediction.DerivePositionPDA(s.ledger.ProgramID(), marketPK, user)
	if err != nil {
		return prediction.TradeAccounts{}, nil, fmt.Errorf("derive position address: %w", err)
	}
	userATA, createATA, err := s.ledger.EnsureCollateralATA(ctx, user, mint)
	if err != nil {
		return prediction.TradeAccounts{}, nil, err
	}
	vault, err := solana.PublicKeyFromBase58(record.VaultPubkey)
	if err != nil {
		return prediction.TradeAccounts{}, nil, fmt.Errorf("stored vault pubkey unreadable: %w", err)
	}
	vaultAuthority, err := solana.PublicKeyFromBase58(record.VaultAuthorityPubkey)
	if err != nil {
		return prediction.TradeAccounts{}, nil, fmt.Errorf("stored vault authority pubkey unreadable: %w", err)
	}
	return prediction.TradeAccounts{
		Market:            marketPK,
		Vault:             vault,
		VaultAuthority:    vaultAuthority,
		Position:          position,
		User:              user,
		UserCollateralATA: userATA,
	}, createATA, nil
}

// refreshPosition re-reads the on-chain position after a confirmed trade and
// upserts the local cache. Failures are logged, not surfaced: the trade
// already settled.
func (s *Service) refreshPosition(ctx context.Context, userID uuid.UUID, record *Market, marketPK, positionPK solana.PublicKey) {
	slot, state, err := s.ledger.ReadPosition(ctx, marketPK, s.ledger.Authority())
	if err != nil {
		s.logger.Warn("refresh position after trade",
			"market_pubkey", record.MarketPubkey, "err", err)
		return
	}
	upsert := &UserMarketPosition{
		ID:             uuid.New(),
		UserID:         userID,
		MarketID:       record.ID,
		OwnerPubkey:    state.Owner.String(),
		PositionPubkey: positionPK.String(),
		YesShares:      state.YesShares,
		NoShares:       state.NoShares,
		Claimed:        state.Claimed,
		LastSyncedSlot: slot,
	}
	if err := s.positions.UpsertAfterTrade(ctx, upsert); err != nil {
		s.logger.Error("persist position after trade",
			"market_pubkey", record.MarketPubkey, "user_id", userID, "err", err)
	}
}

func (s *Service) actionTemplate(userID uuid.UUID, idempotencyKey string, kind ActionType, marketID *uuid.UUID, payload RequestPayload) (*MarketAction, error) {
	encoded, err := EncodeRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("encode action request: %w", err)
	}
	return &MarketAction{
		ID:                uuid.New(),
		MarketID:          marketID,
		RequestedByUserID: userID,
		ActionType:        kind,
		State:             ActionPending,
		IdempotencyKey:    idempotencyKey,
		RequestJSON:       encoded,
	}, nil
}

func randomSeedID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	seed := binary.LittleEndian.Uint64(buf[:])
	if seed == 0 {
		seed = 1
	}
	return seed, nil
}
