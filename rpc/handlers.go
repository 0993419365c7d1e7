package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowengine/crypto"
	"escrowengine/native/bank"
	"escrowengine/native/escrow"
	"escrowengine/storage/journal"
)

type transitionFunc func(ctx context.Context, caller [20]byte, ref escrow.Ref, r *http.Request) (*escrow.Escrow, error)

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func refFromPath(r *http.Request) (escrow.Ref, error) {
	var ref escrow.Ref
	depositor, err := crypto.ParseAddress(chi.URLParam(r, "depositor"))
	if err != nil {
		return ref, fmt.Errorf("invalid depositor: %w", err)
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return ref, fmt.Errorf("invalid escrow id: %w", err)
	}
	return escrow.Ref{Depositor: depositor, ID: id}, nil
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req InitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	beneficiary, err := crypto.ParseAddress(req.Beneficiary)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid beneficiary: "+err.Error())
		return
	}
	arbiter, err := crypto.ParseAddress(req.Arbiter)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid arbiter: "+err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeEngineError(w, r, escrow.ErrInvalidAmount)
		return
	}
	esc, err := s.engine.Initialize(r.Context(), caller, escrow.InitParams{
		ID:              req.ID,
		Beneficiary:     beneficiary,
		Arbiter:         arbiter,
		Asset:           req.Asset,
		Amount:          amount,
		AutoReleaseSlot: req.AutoReleaseSlot,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEscrowView(esc))
}

func (s *Server) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		ref, err := refFromPath(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		esc, err := fn(r.Context(), caller, ref, r)
		if err != nil {
			var bad badRequest
			if errors.As(err, &bad) {
				writeError(w, r, http.StatusBadRequest, "invalid_request", bad.Error())
				return
			}
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newEscrowView(esc))
	}
}

type badRequest struct{ error }

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.transition(func(ctx context.Context, caller [20]byte, ref escrow.Ref, _ *http.Request) (*escrow.Escrow, error) {
		return s.engine.Fund(ctx, caller, ref)
	})(w, r)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.transition(func(ctx context.Context, caller [20]byte, ref escrow.Ref, _ *http.Request) (*escrow.Escrow, error) {
		return s.engine.Release(ctx, caller, ref)
	})(w, r)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.transition(func(ctx context.Context, caller [20]byte, ref escrow.Ref, r *http.Request) (*escrow.Escrow, error) {
		var req DisputeRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, badRequest{err}
		}
		return s.engine.RaiseDispute(ctx, caller, ref, req.Reason)
	})(w, r)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.transition(func(ctx context.Context, caller [20]byte, ref escrow.Ref, r *http.Request) (*escrow.Escrow, error) {
		var req ResolveRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, badRequest{err}
		}
		switch strings.ToLower(strings.TrimSpace(req.Outcome)) {
		case escrow.OutcomeBeneficiary.String():
			return s.engine.ResolveDispute(ctx, caller, ref, true)
		case escrow.OutcomeDepositor.String():
			return s.engine.ResolveDispute(ctx, caller, ref, false)
		default:
			return nil, badRequest{fmt.Errorf("outcome must be %q or %q", escrow.OutcomeBeneficiary, escrow.OutcomeDepositor)}
		}
	})(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(func(ctx context.Context, caller [20]byte, ref escrow.Ref, _ *http.Request) (*escrow.Escrow, error) {
		return s.engine.Cancel(ctx, caller, ref)
	})(w, r)
}

func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request) {
	s.transition(func(ctx context.Context, caller [20]byte, ref escrow.Ref, _ *http.Request) (*escrow.Escrow, error) {
		return s.engine.AutoRelease(ctx, caller, ref)
	})(w, r)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	esc, err := s.engine.Get(r.Context(), ref)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	view := newEscrowView(esc)
	balance, err := s.engine.VaultBalance(r.Context(), ref)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	view.VaultBalance = balance.String()
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	depositor, err := crypto.ParseAddress(chi.URLParam(r, "depositor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid depositor: "+err.Error())
		return
	}
	records, err := s.engine.List(r.Context(), depositor)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	views := make([]EscrowView, 0, len(records))
	for _, esc := range records {
		views = append(views, newEscrowView(esc))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.ParseAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid account: "+err.Error())
		return
	}
	asset, err := escrow.NormalizeAsset(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	balance, err := s.ledger.Balance(r.Context(), account, asset)
	if err != nil {
		s.logger.Error("rpc: balance lookup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, BalanceView{Account: crypto.FormatAddress(account), Asset: asset, Balance: balance.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusView{Slot: s.clock.CurrentSlot(), Assets: s.opts.Assets, Faucet: s.opts.Faucet})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event journal disabled")
		return
	}
	query := r.URL.Query()
	filter := journal.Filter{Type: query.Get("type")}
	if raw := query.Get("ref"); raw != "" {
		ref, err := escrow.ParseRef(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		filter.Ref = ref.String()
	}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		filter.After = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("rpc: journal query failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req FaucetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	asset, err := escrow.NormalizeAsset(req.Asset)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.assetAllowed(asset) {
		writeEngineError(w, r, escrow.ErrUnsupportedAsset)
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeEngineError(w, r, escrow.ErrInvalidAmount)
		return
	}
	if amount.Cmp(s.opts.FaucetLimit) > 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "amount exceeds faucet limit of "+s.opts.FaucetLimit.String())
		return
	}
	err = s.ledger.Bank(r.Context(), func(ledger *bank.Ledger) error {
		return ledger.Mint(caller, asset, amount)
	})
	if err != nil {
		if errors.Is(err, bank.ErrCustodyMint) || errors.Is(err, bank.ErrBalanceOverflow) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Error("rpc: faucet mint failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	balance, err := s.ledger.Balance(r.Context(), caller, asset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, BalanceView{Account: crypto.FormatAddress(caller), Asset: asset, Balance: balance.String()})
}

func (s *Server) assetAllowed(asset string) bool {
	if len(s.opts.Assets) == 0 {
		return true
	}
	for _, allowed := range s.opts.Assets {
		if normalized, err := escrow.NormalizeAsset(allowed); err == nil && normalized == asset {
			return true
		}
	}
	return false
}
