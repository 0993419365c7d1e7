package escrow

import (
	"errors"
	"fmt"
)

// Error is a classified engine failure carrying a stable machine-readable
// code. Every sentinel below is an *Error so callers can switch on the code
// without string matching.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrInvalidAmount            = newError("invalid_amount", "escrow: amount must be greater than zero")
	ErrInvalidState             = newError("invalid_state", "escrow: not in the expected state for this operation")
	ErrUnauthorizedDepositor    = newError("unauthorized_depositor", "escrow: only the depositor can perform this action")
	ErrUnauthorizedArbiter      = newError("unauthorized_arbiter", "escrow: only the arbiter can resolve disputes")
	ErrUnauthorizedParty        = newError("unauthorized_party", "escrow: only a party to the escrow can raise a dispute")
	ErrAutoReleaseDisabled      = newError("auto_release_disabled", "escrow: auto-release is not enabled")
	ErrAutoReleaseNotReady      = newError("auto_release_not_ready", "escrow: auto-release slot has not been reached")
	ErrDisputeReasonTooLong     = newError("dispute_reason_too_long", fmt.Sprintf("escrow: dispute reason exceeds %d characters", MaxDisputeReasonLength))
	ErrInsufficientVaultBalance = newError("insufficient_vault_balance", "escrow: vault balance is insufficient")

	ErrEscrowNotFound      = newError("not_found", "escrow: record not found")
	ErrEscrowExists        = newError("already_exists", "escrow: record already exists")
	ErrInvalidParticipants = newError("invalid_participants", "escrow: depositor, beneficiary and arbiter must be distinct non-zero principals")
	ErrUnsupportedAsset    = newError("unsupported_asset", "escrow: unsupported asset")
	ErrTransferFailed      = newError("transfer_failed", "escrow: ledger transfer failed")
	ErrInconsistentState   = newError("inconsistent_state", "escrow: funds moved but record not committed")

	errNilHost  = errors.New("escrow engine: host not configured")
	errNilClock = errors.New("escrow engine: clock not configured")
)

// InconsistencyError reports that a ledger transfer succeeded but the record
// update that should accompany it could not be persisted. It is fatal: the
// operator must reconcile the vault against the stored status. Only hosts
// implementing EagerLedger can produce it.
type InconsistencyError struct {
	Ref       Ref
	Operation Operation
	Err       error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("escrow: %s on %s moved funds but failed to persist record: %v", e.Operation, e.Ref, e.Err)
}

func (e *InconsistencyError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInconsistentState) match.
func (e *InconsistencyError) Is(target error) bool { return target == ErrInconsistentState }

// ErrorCode returns the stable code for err, or "internal" when err is not
// one of the engine's classified failures.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var inconsistent *InconsistencyError
	if errors.As(err, &inconsistent) {
		return ErrInconsistentState.Code
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return "internal"
}
