// Package apperr holds the error taxonomy shared by the pricing engine, the
// proposal ledger and the API layer.
package apperr

import "errors"

type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindState             Kind = "STATE"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindArithmetic        Kind = "ARITHMETIC"
	KindAuthorization     Kind = "AUTHORIZATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

// Error is a typed engine error. Sentinels are compared with errors.Is, so
// callers may wrap them with fmt.Errorf("...: %w", err) freely.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain, or "Internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Internal"
}

// ── Validation ───────────────────────────────────────

var (
	ErrInvalidOutcome    = New(KindValidation, "InvalidOutcome", "outcome index out of range")
	ErrInvalidOutcomeSet = New(KindValidation, "InvalidOutcomeSet", "at least two outcomes with positive weight are required")
	ErrInvalidAmount     = New(KindValidation, "InvalidAmount", "invalid amount")
	ErrInvalidFeeRate    = New(KindValidation, "InvalidFeeRate", "fee rates must sum to at most 10000 bps")
	ErrInvalidInput      = New(KindValidation, "InvalidInput", "invalid input")
	ErrPriceImpact       = New(KindValidation, "PriceImpact", "trade moves odds beyond the allowed tolerance")
	ErrSlippage          = New(KindValidation, "Slippage", "result below requested minimum")
)

// ── State ────────────────────────────────────────────

var (
	ErrPoolResolved      = New(KindState, "PoolResolved", "pool is resolved")
	ErrAlreadyResolved   = New(KindState, "AlreadyResolved", "already resolved")
	ErrPoolNotResolved   = New(KindState, "PoolNotResolved", "pool is not resolved")
	ErrNothingToClaim    = New(KindState, "NothingToClaim", "nothing to claim")
	ErrProposalNotActive = New(KindState, "ProposalNotActive", "proposal is not active")
	ErrVotingOpen        = New(KindState, "VotingOpen", "quorum not reached and deadline not passed")
	ErrAlreadyExists     = New(KindState, "AlreadyExists", "already exists")
)

// ── Insufficient funds ───────────────────────────────

var (
	ErrInsufficientLiquidity = New(KindInsufficientFunds, "InsufficientLiquidity", "insufficient liquidity")
	ErrInsufficientShares    = New(KindInsufficientFunds, "InsufficientShares", "insufficient shares")
	ErrInsufficientBalance   = New(KindInsufficientFunds, "InsufficientBalance", "insufficient balance")
	ErrInsufficientStake     = New(KindInsufficientFunds, "InsufficientStake", "insufficient stake")
)

// ── Arithmetic ───────────────────────────────────────

var (
	ErrArithmeticOverflow  = New(KindArithmetic, "ArithmeticOverflow", "arithmetic overflow")
	ErrArithmeticUnderflow = New(KindArithmetic, "ArithmeticUnderflow", "arithmetic underflow")
	ErrDivisionByZero      = New(KindArithmetic, "DivisionByZero", "division by zero")
)

// ── Authorization / lookup ───────────────────────────

var (
	ErrUnauthorized     = New(KindAuthorization, "Unauthorized", "caller is not authorized")
	ErrPoolNotFound     = New(KindNotFound, "PoolNotFound", "pool not found")
	ErrProposalNotFound = New(KindNotFound, "ProposalNotFound", "proposal not found")
)
