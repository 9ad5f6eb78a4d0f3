package ledger

import "errors"

// Failure modes of the lifecycle and fee engines. Every operation checks its
// preconditions before touching state, so a returned error means nothing was
// mutated and no event was emitted.
var (
	// ErrUnauthorized means the caller lacks the required identity
	// relationship (recipient on claim, admin on fee operations).
	ErrUnauthorized = errors.New("caller is not authorized")

	// ErrNotFound means the referenced transfer record does not exist.
	ErrNotFound = errors.New("transfer not found")

	// ErrInvalidRecipient means the initiation named an unusable recipient.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrExpired means the record's deadline passed before the claim.
	ErrExpired = errors.New("transfer expired")

	// ErrInsufficientFee means the gas payment attached to an initiation
	// was zero.
	ErrInsufficientFee = errors.New("insufficient gas fee")

	// ErrAlreadyClaimed means the record left the Pending state and can no
	// longer be claimed.
	ErrAlreadyClaimed = errors.New("transfer already claimed")

	// ErrInvalidSealKey is reserved for seal key validation. No current
	// operation inspects the key bytes, so nothing returns it yet.
	ErrInvalidSealKey = errors.New("invalid seal public key")

	// ErrAlreadyCancelled is reserved for a guarded cancel path. AdminCancel
	// deliberately keeps its emergency-override semantics and never returns
	// it; see State.AdminCancel.
	ErrAlreadyCancelled = errors.New("transfer already cancelled")

	// ErrRateOutOfBounds means a proposed fee rate exceeded MaxFeeRateBps.
	ErrRateOutOfBounds = errors.New("fee rate out of bounds")

	// ErrInsufficientBalance means a withdrawal exceeded the escrowed fees.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccessDenied means the record's access condition rejected the
	// claimant.
	ErrAccessDenied = errors.New("access condition not satisfied")
)
