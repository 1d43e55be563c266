package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/outcomefi/prediction-backend/internal/apperr"
)

// submittedGracePeriod is how long a Submitted action blocks fresh attempts
// before it is treated as abandoned. The reconciler settles rows younger
// than this; older rows are assumed lost and retried.
const submittedGracePeriod = 2 * time.Minute

const (
	errorCodeTransient = "TRANSIENT"
	errorCodeRejected  = "REJECTED"
)

// ChainCall performs the ledger side effect for one action attempt. The
// stored request payload is the canonical input: replays must honor it, not
// the caller's fresh arguments. Implementations must invoke recordSubmitted
// with the transaction signature as soon as the transaction has been sent,
// before waiting for confirmation, so a crash between send and confirm
// leaves a recoverable Submitted row behind.
type ChainCall func(ctx context.Context, stored RequestPayload, recordSubmitted func(sig string) error) (*ResponsePayload, string, error)

// Executor runs ledger actions at-most-once per idempotency key, persisting
// every state transition so that retries and crash recovery converge on a
// single outcome.
type Executor struct {
	actions MarketActionRepository
	clock   Clock
	logger  *slog.Logger
}

func NewExecutor(actions MarketActionRepository, clock Clock, logger *slog.Logger) *Executor {
	return &Executor{actions: actions, clock: clock, logger: logger}
}

// Execute resolves the canonical action row for the template's idempotency
// key and either replays its recorded outcome or drives a fresh attempt
// through call.
func (e *Executor) Execute(ctx context.Context, template *MarketAction, call ChainCall) (*ResponsePayload, error) {
	action, created, err := e.actions.GetOrCreate(ctx, template)
	if err != nil {
		return nil, apperr.Dependency("load action record", err)
	}

	if !created {
		if resp, done, err := e.replay(action); done {
			return resp, err
		}
	}

	stored, err := DecodeRequest(action.RequestJSON)
	if err != nil {
		return nil, fmt.Errorf("action %s has unreadable request payload: %w", action.ID, err)
	}

	action.AttemptCount++
	action.State = ActionPending
	action.ErrorCode = ""
	action.AnchorErrorNumber = nil
	action.ErrorDetail = ""
	if err := e.actions.Update(ctx, action); err != nil {
		return nil, apperr.Dependency("persist action attempt", err)
	}

	recordSubmitted := func(sig string) error {
		action.State = ActionSubmitted
		action.TxSignature = sig
		if err := e.actions.Update(ctx, action); err != nil {
			return apperr.Dependency("persist submitted action", err)
		}
		return nil
	}

	resp, sig, callErr := call(ctx, stored, recordSubmitted)
	if callErr != nil {
		return nil, e.recordFailure(ctx, action, callErr)
	}

	encoded, err := EncodeResponse(*resp)
	if err != nil {
		return nil, fmt.Errorf("encode action response: %w", err)
	}
	action.State = ActionConfirmed
	action.TxSignature = sig
	action.ResponseJSON = encoded
	if err := e.actions.Update(ctx, action); err != nil {
		return nil, apperr.Dependency("persist confirmed action", err)
	}
	return resp, nil
}

// replay inspects an existing row and decides whether its recorded outcome
// settles the request without touching the ledger again.
func (e *Executor) replay(action *MarketAction) (*ResponsePayload, bool, error) {
	switch action.State {
	case ActionConfirmed:
		resp, err := DecodeResponse(action.ResponseJSON)
		if err != nil {
			return nil, true, fmt.Errorf("action %s confirmed with unreadable response: %w", action.ID, err)
		}
		return &resp, true, nil

	case ActionSubmitted:
		if action.TxSignature != "" && e.clock.Now().Sub(action.UpdatedAt) < submittedGracePeriod {
			return nil, true, &apperr.ActionInProgressError{
				IdempotencyKey: action.IdempotencyKey,
				TxSignature:    action.TxSignature,
			}
		}
		e.logger.Warn("retrying abandoned submitted action",
			"action_id", action.ID, "tx_signature", action.TxSignature)
		return nil, false, nil

	case ActionFailed:
		if action.AnchorErrorNumber != nil && apperr.IsPermanentProgramNumber(*action.AnchorErrorNumber) {
			return nil, true, &apperr.ProgramError{
				Code:   action.ErrorCode,
				Number: *action.AnchorErrorNumber,
				Detail: action.ErrorDetail,
			}
		}
		return nil, false, nil
	}

	// Pending: a previous attempt died before sending anything.
	return nil, false, nil
}

// recordFailure classifies a failed attempt and persists the terminal state.
// Confirmation timeouts deliberately leave the row Submitted for the
// reconciler to settle.
func (e *Executor) recordFailure(ctx context.Context, action *MarketAction, callErr error) error {
	var timeout *apperr.ConfirmationTimeoutError
	if errors.As(callErr, &timeout) {
		e.logger.Warn("action confirmation timed out",
			"action_id", action.ID, "tx_signature", timeout.Signature)
		return callErr
	}

	var progErr *apperr.ProgramError
	if errors.As(callErr, &progErr) {
		action.State = ActionFailed
		action.ErrorCode = progErr.Code
		number := progErr.Number
		action.AnchorErrorNumber = &number
		action.ErrorDetail = progErr.Detail
		if err := e.actions.Update(ctx, action); err != nil {
			e.logger.Error("persist failed action", "action_id", action.ID, "err", err)
		}
		return callErr
	}

	var (
		validation *apperr.ValidationError
		notFound   *apperr.NotFoundError
		conflict   *apperr.ConflictError
	)
	if errors.As(callErr, &validation) || errors.As(callErr, &notFound) || errors.As(callErr, &conflict) {
		action.State = ActionFailed
		action.ErrorCode = errorCodeRejected
		action.ErrorDetail = callErr.Error()
		if err := e.actions.Update(ctx, action); err != nil {
			e.logger.Error("persist failed action", "action_id", action.ID, "err", err)
		}
		return callErr
	}

	action.State = ActionFailed
	action.ErrorCode = errorCodeTransient
	action.ErrorDetail = callErr.Error()
	if err := e.actions.Update(ctx, action); err != nil {
		e.logger.Error("persist failed action", "action_id", action.ID, "err", err)
	}
	var dep *apperr.DependencyError
	if errors.As(callErr, &dep) {
		return callErr
	}
	return apperr.Dependency("execute ledger action", callErr)
}
