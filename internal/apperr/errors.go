// Package apperr defines the failure taxonomy shared by the gateway, the
// action executor, and the API surface. Callers branch on these types with
// errors.As instead of string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Anchor error numbers the program raises that can never succeed on retry.
const (
	NumberInvalidMarketStatus = 6001
	NumberAlreadyClaimed      = 6007
)

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

func NotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// ProgramError is a structured on-chain failure recovered from RPC or
// simulation output: Code is the program's symbolic name, Number its
// numeric id, Detail the raw text it was parsed from.
type ProgramError struct {
	Code   string
	Number int
	Detail string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program error %s (%d): %s", e.Code, e.Number, e.Detail)
}

// DependencyError wraps RPC, network, and decode failures: the request may
// succeed if the caller retries with the same idempotency key.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency failure in %s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func Dependency(op string, err error) error {
	return &DependencyError{Op: op, Err: err}
}

// ConfirmationTimeoutError means the confirmation poll budget ran out with
// the transaction still unobserved at the requested durability. The
// transaction may still land; the outcome is ambiguous, not failed.
type ConfirmationTimeoutError struct {
	Signature string
	Attempts  int
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("confirmation timed out after %d polls for %s", e.Attempts, e.Signature)
}

// ActionInProgressError guards a Submitted action whose outcome is still
// pending against a concurrent duplicate request.
type ActionInProgressError struct {
	IdempotencyKey string
	TxSignature    string
}

func (e *ActionInProgressError) Error() string {
	return fmt.Sprintf("action %s already submitted (tx %s), confirmation pending", e.IdempotencyKey, e.TxSignature)
}

// IsPermanentProgramNumber reports whether an anchor error number marks a
// request that can never succeed, making the Failed state sticky.
func IsPermanentProgramNumber(number int) bool {
	switch number {
	case NumberInvalidMarketStatus, NumberAlreadyClaimed:
		return true
	default:
		return false
	}
}

func IsAlreadyClaimed(err error) bool {
	var programErr *ProgramError
	return errors.As(err, &programErr) && programErr.Number == NumberAlreadyClaimed
}

func IsPermanent(err error) bool {
	var programErr *ProgramError
	return errors.As(err, &programErr) && IsPermanentProgramNumber(programErr.Number)
}
