package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"escrowengine/native/escrow"
)

// statusFor maps engine failures onto HTTP status codes.
func statusFor(err error) int {
	switch escrow.ErrorCode(err) {
	case escrow.ErrUnauthorizedDepositor.Code,
		escrow.ErrUnauthorizedArbiter.Code,
		escrow.ErrUnauthorizedParty.Code:
		return http.StatusForbidden
	case escrow.ErrInvalidState.Code,
		escrow.ErrAutoReleaseDisabled.Code,
		escrow.ErrAutoReleaseNotReady.Code,
		escrow.ErrEscrowExists.Code,
		escrow.ErrInsufficientVaultBalance.Code:
		return http.StatusConflict
	case escrow.ErrInvalidAmount.Code,
		escrow.ErrDisputeReasonTooLong.Code,
		escrow.ErrInvalidParticipants.Code,
		escrow.ErrUnsupportedAsset.Code:
		return http.StatusBadRequest
	case escrow.ErrEscrowNotFound.Code:
		return http.StatusNotFound
	case escrow.ErrTransferFailed.Code:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: message, RequestID: RequestIDFromContext(r.Context())})
}

// writeEngineError renders a classified engine failure. Unclassified errors
// are reported without their detail.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := escrow.ErrorCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, escrow.ErrInconsistentState) {
		message = "internal error"
	}
	writeError(w, r, status, code, message)
}
