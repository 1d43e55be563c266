// Package gateway owns every interaction with the ledger RPC: transaction
// assembly, signing, optional simulation, submission, confirmation polling,
// and on-demand account reads.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/outcomefi/prediction-backend/internal/apperr"
	"github.com/outcomefi/prediction-backend/internal/config"
	"github.com/outcomefi/prediction-backend/internal/prediction"
)

type Client struct {
	cfg    config.GatewayConfig
	rpc    *rpc.Client
	signer solana.PrivateKey
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg config.GatewayConfig, logger *slog.Logger) (*Client, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}

	return &Client{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		signer: signer,
		logger: logger,
		sleep:  sleepWithContext,
	}, nil
}

func (c *Client) Authority() solana.PublicKey {
	return c.signer.PublicKey()
}

func (c *Client) ProgramID() solana.PublicKey {
	return c.cfg.ProgramID
}

func (c *Client) Commitment() rpc.CommitmentType {
	return c.cfg.Commitment
}

// EnsureCollateralATA derives the owner's associated token account for the
// mint and, when the account does not exist yet, returns a create
// instruction to prepend. The authority pays for the creation.
func (c *Client) EnsureCollateralATA(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, solana.Instruction, error) {
	address, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("derive associated token address: %w", err)
	}

	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			createIx := ata.NewCreateInstruction(c.signer.PublicKey(), owner, mint).Build()
			return address, createIx, nil
		}
		return solana.PublicKey{}, nil, apperr.Dependency("getAccountInfo", err)
	}
	if resp == nil || resp.Value == nil {
		createIx := ata.NewCreateInstruction(c.signer.PublicKey(), owner, mint).Build()
		return address, createIx, nil
	}
	return address, nil, nil
}

// boundSubmitContext caps the submission path (blockhash fetch, optional
// simulation, send) at TxTimeout. A zero timeout leaves ctx untouched.
func (c *Client) boundSubmitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.TxTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.TxTimeout)
}

// SendTransaction assembles, signs, and submits a transaction built from the
// given instructions, with the configured compute-budget directives
// prepended. It returns as soon as the RPC accepts the transaction;
// confirmation is a separate call so callers can checkpoint the signature
// before waiting. The whole submission path is bounded by TxTimeout.
func (c *Client) SendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	ctx, cancel := c.boundSubmitContext(ctx)
	defer cancel()

	full := make([]solana.Instruction, 0, len(instructions)+2)

	cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeUnitLimit).ValidateAndBuild()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build compute unit limit instruction: %w", err)
	}
	full = append(full, cuLimitIx)

	if c.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(c.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		full = append(full, cuPriceIx)
	}
	full = append(full, instructions...)

	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, apperr.Dependency("getLatestBlockhash", err)
	}

	tx, err := solana.NewTransaction(
		full,
		recent.Value.Blockhash,
		solana.TransactionPayer(c.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	if c.cfg.SimulateFirst {
		if err := c.simulateBeforeSend(ctx, tx); err != nil {
			return solana.Signature{}, err
		}
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		logs := c.harvestSimulationLogs(ctx, tx)
		c.logger.Warn("transaction send failed", "err", err, "simulation_logs", len(logs))
		return solana.Signature{}, classifyRPCFailure("sendTransaction", err.Error(), logs)
	}
	return sig, nil
}

func (c *Client) simulateBeforeSend(ctx context.Context, tx *solana.Transaction) error {
	resp, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: c.cfg.Commitment,
	})
	if err != nil {
		return apperr.Dependency("simulateTransaction", err)
	}
	if resp != nil && resp.Value != nil && resp.Value.Err != nil {
		return classifyRPCFailure("simulateTransaction", fmt.Sprint(resp.Value.Err), resp.Value.Logs)
	}
	return nil
}

// harvestSimulationLogs replays a failed send through simulation purely for
// diagnostics; a failure here is swallowed.
func (c *Client) harvestSimulationLogs(ctx context.Context, tx *solana.Transaction) []string {
	resp, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: c.cfg.Commitment,
	})
	if err != nil || resp == nil || resp.Value == nil {
		return nil
	}
	return resp.Value.Logs
}

// ConfirmTransaction polls the signature status until it reaches the
// requested durability, the poll budget runs out, or ctx is cancelled. An
// on-chain error on the status is fatal immediately.
func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature, durability rpc.CommitmentType) error {
	accepted, err := acceptedStatuses(durability)
	if err != nil {
		return err
	}

	return pollUntil(ctx, c.cfg.ConfirmPollInterval, c.cfg.ConfirmMaxAttempts, c.sleep,
		func(ctx context.Context) (bool, error) {
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				return false, nil
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				return false, nil
			}
			status := result.Value[0]
			if status.Err != nil {
				return false, classifyRPCFailure("getSignatureStatuses", fmt.Sprint(status.Err), nil)
			}
			if _, ok := accepted[status.ConfirmationStatus]; ok {
				return true, nil
			}
			return false, nil
		},
		func(attempts int) error {
			return &apperr.ConfirmationTimeoutError{Signature: sig.String(), Attempts: attempts}
		},
	)
}

func acceptedStatuses(durability rpc.CommitmentType) (map[rpc.ConfirmationStatusType]struct{}, error) {
	switch durability {
	case rpc.CommitmentProcessed:
		return map[rpc.ConfirmationStatusType]struct{}{
			rpc.ConfirmationStatusProcessed: {},
			rpc.ConfirmationStatusConfirmed: {},
			rpc.ConfirmationStatusFinalized: {},
		}, nil
	case rpc.CommitmentConfirmed:
		return map[rpc.ConfirmationStatusType]struct{}{
			rpc.ConfirmationStatusConfirmed: {},
			rpc.ConfirmationStatusFinalized: {},
		}, nil
	case rpc.CommitmentFinalized:
		return map[rpc.ConfirmationStatusType]struct{}{
			rpc.ConfirmationStatusFinalized: {},
		}, nil
	default:
		return nil, fmt.Errorf("unknown durability %q", durability)
	}
}

// ReadMarket fetches and decodes the market account, returning the slot the
// read was served at.
func (c *Client) ReadMarket(ctx context.Context, market solana.PublicKey) (uint64, *prediction.MarketState, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, market, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, nil, apperr.NotFound("market account", market.String())
		}
		return 0, nil, apperr.Dependency("getAccountInfo", err)
	}
	if resp == nil || resp.Value == nil {
		return 0, nil, apperr.NotFound("market account", market.String())
	}

	state, err := prediction.ParseMarketState(resp.Value.Data.GetBinary())
	if err != nil {
		return 0, nil, apperr.Dependency("decode market account", err)
	}
	return resp.RPCContext.Context.Slot, state, nil
}

// ReadPosition derives the position address for (market, owner) and decodes
// it from the chain.
func (c *Client) ReadPosition(ctx context.Context, market, owner solana.PublicKey) (uint64, *prediction.PositionState, error) {
	position, _, err := prediction.DerivePositionPDA(c.cfg.ProgramID, market, owner)
	if err != nil {
		return 0, nil, fmt.Errorf("derive position PDA: %w", err)
	}

	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, position, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, nil, apperr.NotFound("position account", position.String())
		}
		return 0, nil, apperr.Dependency("getAccountInfo", err)
	}
	if resp == nil || resp.Value == nil {
		return 0, nil, apperr.NotFound("position account", position.String())
	}

	state, err := prediction.ParsePositionState(resp.Value.Data.GetBinary())
	if err != nil {
		return 0, nil, apperr.Dependency("decode position account", err)
	}
	return resp.RPCContext.Context.Slot, state, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pollUntil runs fn up to maxAttempts times, sleeping interval between
// attempts. fn returning done stops the loop; a returned error is fatal
// immediately. Budget exhaustion yields onExhausted.
func pollUntil(
	ctx context.Context,
	interval time.Duration,
	maxAttempts int,
	sleep func(ctx context.Context, d time.Duration) error,
	fn func(ctx context.Context) (bool, error),
	onExhausted func(attempts int) error,
) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, interval); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return onExhausted(maxAttempts)
}
