// Package reconciler settles action rows left in Submitted by a crash or a
// confirmation timeout. It asks the cluster what became of each recorded
// signature and promotes the row to its terminal state.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/outcomefi/prediction-backend/internal/config"
	"github.com/outcomefi/prediction-backend/internal/market"
	"github.com/outcomefi/prediction-backend/internal/store"
)

const chainFailedErrorCode = "CHAIN_FAILED"

type Service struct {
	cfg     config.ReconcilerConfig
	rpc     *rpc.Client
	store   *store.Store
	actions market.MarketActionRepository
	markets market.MarketRepository
	logger  *slog.Logger
}

func New(cfg config.ReconcilerConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Service{
		cfg:     cfg,
		rpc:     rpc.New(cfg.RPCURL),
		store:   st,
		actions: st.Actions(),
		markets: st.Markets(),
		logger:  logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("reconciler started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"poll_interval", s.cfg.PollInterval,
		"stale_after", s.cfg.StaleAfter,
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("reconciler tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("reconciler tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	actions, err := s.actions.ListSubmittedBefore(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list submitted actions: %w", err)
	}
	if len(actions) == 0 {
		return nil
	}

	sigs := make([]solana.Signature, 0, len(actions))
	valid := make([]*market.MarketAction, 0, len(actions))
	for i := range actions {
		action := &actions[i]
		sig, err := solana.SignatureFromBase58(action.TxSignature)
		if err != nil {
			s.logger.Error("submitted action has unreadable signature",
				"action_id", action.ID, "tx_signature", action.TxSignature)
			continue
		}
		sigs = append(sigs, sig)
		valid = append(valid, action)
	}
	if len(sigs) == 0 {
		return nil
	}

	result, err := s.rpc.GetSignatureStatuses(ctx, true, sigs...)
	if err != nil {
		return fmt.Errorf("get signature statuses: %w", err)
	}
	if len(result.Value) != len(valid) {
		return fmt.Errorf("signature status count mismatch: asked %d got %d", len(valid), len(result.Value))
	}

	for i, status := range result.Value {
		action := valid[i]
		switch {
		case status == nil:
			// The cluster has no record yet. Leave the row for the
			// executor's abandonment path or a later tick.
		case status.Err != nil:
			s.markFailed(ctx, action, status.Err)
		case s.isDurableEnough(status.ConfirmationStatus):
			s.markConfirmed(ctx, action)
		}
	}
	return nil
}

// isDurableEnough compares a reported confirmation status against the
// configured commitment. Finalized always satisfies; confirmed satisfies
// processed and confirmed.
func (s *Service) isDurableEnough(status rpc.ConfirmationStatusType) bool {
	switch s.cfg.Commitment {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentConfirmed:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	default:
		return status == rpc.ConfirmationStatusProcessed ||
			status == rpc.ConfirmationStatusConfirmed ||
			status == rpc.ConfirmationStatusFinalized
	}
}

func (s *Service) markFailed(ctx context.Context, action *market.MarketAction, chainErr any) {
	action.State = market.ActionFailed
	action.ErrorCode = chainFailedErrorCode
	action.ErrorDetail = fmt.Sprintf("transaction failed on chain: %v", chainErr)
	if err := s.actions.Update(ctx, action); err != nil {
		s.logger.Error("persist failed action", "action_id", action.ID, "err", err)
		return
	}
	s.logger.Info("settled submitted action as failed",
		"action_id", action.ID, "tx_signature", action.TxSignature)
}

// markConfirmed promotes the row with a settlement response carrying the
// signature. Quote details from the original attempt are gone; callers that
// replay the key get the signature and the action kind.
func (s *Service) markConfirmed(ctx context.Context, action *market.MarketAction) {
	resp, err := settlementResponse(action)
	if err != nil {
		s.logger.Error("build settlement response", "action_id", action.ID, "err", err)
		return
	}
	encoded, err := market.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encode settlement response", "action_id", action.ID, "err", err)
		return
	}
	action.State = market.ActionConfirmed
	action.ResponseJSON = encoded
	if err := s.actions.Update(ctx, action); err != nil {
		s.logger.Error("persist confirmed action", "action_id", action.ID, "err", err)
		return
	}
	if action.ActionType == market.ActionCreate {
		s.backfillCreateSignature(ctx, action)
	}
	s.logger.Info("settled submitted action as confirmed",
		"action_id", action.ID, "tx_signature", action.TxSignature)
}

// backfillCreateSignature stamps a reconciled create's signature onto its
// market row. Without it the row never records how the market was created
// and duplicate create requests cannot settle against it.
func (s *Service) backfillCreateSignature(ctx context.Context, action *market.MarketAction) {
	if action.MarketID == nil {
		s.logger.Warn("confirmed create action has no market id", "action_id", action.ID)
		return
	}
	record, err := s.markets.FindByID(ctx, *action.MarketID)
	if err != nil {
		s.logger.Error("load market for confirmed create", "action_id", action.ID, "err", err)
		return
	}
	if record == nil {
		s.logger.Warn("confirmed create action references unknown market",
			"action_id", action.ID, "market_id", action.MarketID)
		return
	}
	if record.CreatedTxSignature != "" {
		return
	}
	record.CreatedTxSignature = action.TxSignature
	if err := s.markets.Update(ctx, record); err != nil {
		s.logger.Error("persist market creation signature",
			"market_pubkey", record.MarketPubkey, "err", err)
	}
}

func settlementResponse(action *market.MarketAction) (market.ResponsePayload, error) {
	stored, err := market.DecodeRequest(action.RequestJSON)
	if err != nil {
		return market.ResponsePayload{}, err
	}
	sig := action.TxSignature
	switch stored.Kind {
	case market.ActionCreate:
		return market.ResponsePayload{
			Kind: market.ActionCreate,
			Create: &market.CreateMarketResult{
				MarketSeedID: stored.Create.MarketSeedID,
				TxSignature:  sig,
			},
		}, nil
	case market.ActionResolve:
		return market.ResponsePayload{
			Kind: market.ActionResolve,
			Resolve: &market.ResolveMarketResult{
				TxSignature:         sig,
				WinningOutcomeIndex: stored.Resolve.WinningOutcomeIndex,
			},
		}, nil
	case market.ActionBuy:
		return market.ResponsePayload{
			Kind: market.ActionBuy,
			Buy: &market.BuySharesResult{
				TxSignature:  sig,
				OutcomeIndex: stored.Buy.OutcomeIndex,
				CollateralIn: stored.Buy.CollateralIn,
			},
		}, nil
	case market.ActionSell:
		return market.ResponsePayload{
			Kind: market.ActionSell,
			Sell: &market.SellSharesResult{
				TxSignature:  sig,
				OutcomeIndex: stored.Sell.OutcomeIndex,
				SharesIn:     stored.Sell.SharesIn,
			},
		}, nil
	case market.ActionClaim:
		return market.ResponsePayload{
			Kind:  market.ActionClaim,
			Claim: &market.ClaimWinningsResult{TxSignature: sig},
		}, nil
	}
	return market.ResponsePayload{}, fmt.Errorf("unknown action kind %q", stored.Kind)
}
