package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowengine/core/clock"
	"escrowengine/core/events"
	"escrowengine/core/state"
	"escrowengine/crypto"
	"escrowengine/native/escrow"
	"escrowengine/storage"
	"escrowengine/storage/journal"
)

type rpcEnv struct {
	server  *httptest.Server
	slots   *clock.Manual
	journal *journal.Journal

	depositor, beneficiary, arbiter, stranger *Client
	depositorAddr, beneficiaryAddr            [20]byte
}

func newKey(t *testing.T) (*crypto.PrivateKey, [20]byte) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key, key.PubKey().Address().Raw()
}

func newRPCEnv(t *testing.T, opts Options) *rpcEnv {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	eventLog, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventLog.Close() })

	engine := escrow.NewEngine()
	engine.SetHost(manager)
	slots := clock.NewManual(1)
	engine.SetClock(slots)
	engine.SetEmitter(eventLog)
	manager.SetEmitter(eventLog)
	require.NoError(t, engine.SetAssets([]string{"USDC"}))

	opts.Assets = []string{"USDC"}
	opts.Faucet = true
	srv, err := NewServer(engine, manager, eventLog, slots, opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	env := &rpcEnv{server: ts, slots: slots, journal: eventLog}
	key, addr := newKey(t)
	env.depositor, env.depositorAddr = NewClient(ts.URL, key), addr
	key, addr = newKey(t)
	env.beneficiary, env.beneficiaryAddr = NewClient(ts.URL, key), addr
	key, _ = newKey(t)
	env.arbiter = NewClient(ts.URL, key)
	key, _ = newKey(t)
	env.stranger = NewClient(ts.URL, key)
	return env
}

func (env *rpcEnv) address(c *Client) string {
	return c.key.PubKey().Address().String()
}

func (env *rpcEnv) open(t *testing.T, id uint64, autoRelease uint64) escrow.Ref {
	t.Helper()
	ctx := context.Background()
	_, err := env.depositor.Faucet(ctx, "usdc", "1000")
	require.NoError(t, err)
	view, err := env.depositor.Initialize(ctx, InitRequest{
		ID:              id,
		Beneficiary:     env.address(env.beneficiary),
		Arbiter:         env.address(env.arbiter),
		Asset:           "usdc",
		Amount:          "250",
		AutoReleaseSlot: autoRelease,
	})
	require.NoError(t, err)
	require.Equal(t, "created", view.Status)
	require.Equal(t, "USDC", view.Asset)
	ref, err := escrow.ParseRef(view.Ref)
	require.NoError(t, err)
	require.Equal(t, env.depositorAddr, ref.Depositor)
	return ref
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	require.Equal(t, status, apiErr.Status)
	if code != "" {
		require.Equal(t, code, apiErr.Code)
	}
}

func TestHappyPathRelease(t *testing.T) {
	env := newRPCEnv(t, Options{})
	ctx := context.Background()
	ref := env.open(t, 1, 0)

	view, err := env.depositor.Fund(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "funded", view.Status)

	got, err := env.beneficiary.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "250", got.VaultBalance)

	view, err = env.depositor.Release(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "released", view.Status)

	balance, err := env.beneficiary.Balance(ctx, env.address(env.beneficiary), "USDC")
	require.NoError(t, err)
	require.Equal(t, "250", balance.Balance)
	balance, err = env.depositor.Balance(ctx, env.address(env.depositor), "USDC")
	require.NoError(t, err)
	require.Equal(t, "750", balance.Balance)

	_, err = env.depositor.Release(ctx, ref)
	requireAPIError(t, err, http.StatusConflict, escrow.ErrInvalidState.Code)

	entries, err := env.depositor.Events(ctx, journal.Filter{Ref: ref.String()})
	require.NoError(t, err)
	types := make([]string, 0, len(entries))
	for _, entry := range entries {
		types = append(types, entry.Type)
	}
	require.Equal(t, []string{
		escrow.EventTypeEscrowInitialized,
		escrow.EventTypeEscrowFunded,
		escrow.EventTypeEscrowReleased,
	}, types)

	all, err := env.depositor.Events(ctx, journal.Filter{Type: events.TypeTransfer})
	require.NoError(t, err)
	require.Len(t, all, 2)

	list, err := env.stranger.List(ctx, env.address(env.depositor))
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDisputeResolvedToDepositor(t *testing.T) {
	env := newRPCEnv(t, Options{})
	ctx := context.Background()
	ref := env.open(t, 2, 0)
	_, err := env.depositor.Fund(ctx, ref)
	require.NoError(t, err)

	_, err = env.stranger.Dispute(ctx, ref, "not a party")
	requireAPIError(t, err, http.StatusForbidden, escrow.ErrUnauthorizedParty.Code)

	view, err := env.beneficiary.Dispute(ctx, ref, "goods never shipped")
	require.NoError(t, err)
	require.Equal(t, "disputed", view.Status)
	require.Equal(t, "goods never shipped", view.DisputeReason)

	_, err = env.depositor.Resolve(ctx, ref, "depositor")
	requireAPIError(t, err, http.StatusForbidden, escrow.ErrUnauthorizedArbiter.Code)
	_, err = env.arbiter.Resolve(ctx, ref, "nobody")
	requireAPIError(t, err, http.StatusBadRequest, "invalid_request")

	view, err = env.arbiter.Resolve(ctx, ref, "depositor")
	require.NoError(t, err)
	require.Equal(t, "cancelled", view.Status)

	balance, err := env.depositor.Balance(ctx, env.address(env.depositor), "USDC")
	require.NoError(t, err)
	require.Equal(t, "1000", balance.Balance)
}

func TestAutoReleaseAndCancel(t *testing.T) {
	env := newRPCEnv(t, Options{})
	ctx := context.Background()
	ref := env.open(t, 3, 50)
	_, err := env.depositor.Fund(ctx, ref)
	require.NoError(t, err)

	_, err = env.stranger.AutoRelease(ctx, ref)
	requireAPIError(t, err, http.StatusConflict, escrow.ErrAutoReleaseNotReady.Code)

	env.slots.Set(50)
	status, err := env.stranger.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(50), status.Slot)

	view, err := env.stranger.AutoRelease(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "released", view.Status)

	unfunded := escrow.Ref{Depositor: env.depositorAddr, ID: 4}
	_, err = env.depositor.Initialize(ctx, InitRequest{
		ID: 4, Beneficiary: env.address(env.beneficiary), Arbiter: env.address(env.arbiter), Asset: "USDC", Amount: "10",
	})
	require.NoError(t, err)
	_, err = env.beneficiary.Cancel(ctx, unfunded)
	requireAPIError(t, err, http.StatusForbidden, escrow.ErrUnauthorizedDepositor.Code)
	view, err = env.depositor.Cancel(ctx, unfunded)
	require.NoError(t, err)
	require.Equal(t, "cancelled", view.Status)
}

func TestValidationErrors(t *testing.T) {
	env := newRPCEnv(t, Options{})
	ctx := context.Background()

	_, err := env.depositor.Initialize(ctx, InitRequest{
		ID: 1, Beneficiary: env.address(env.beneficiary), Arbiter: env.address(env.arbiter), Asset: "USDC", Amount: "0",
	})
	requireAPIError(t, err, http.StatusBadRequest, escrow.ErrInvalidAmount.Code)

	_, err = env.depositor.Initialize(ctx, InitRequest{
		ID: 1, Beneficiary: env.address(env.beneficiary), Arbiter: env.address(env.arbiter), Asset: "DOGE", Amount: "5",
	})
	requireAPIError(t, err, http.StatusBadRequest, escrow.ErrUnsupportedAsset.Code)

	_, err = env.depositor.Initialize(ctx, InitRequest{ID: 1, Beneficiary: "nope", Arbiter: env.address(env.arbiter), Asset: "USDC", Amount: "5"})
	requireAPIError(t, err, http.StatusBadRequest, "invalid_request")

	_, err = env.depositor.Get(ctx, escrow.Ref{Depositor: env.depositorAddr, ID: 99})
	requireAPIError(t, err, http.StatusNotFound, escrow.ErrEscrowNotFound.Code)

	_, err = env.depositor.Faucet(ctx, "DOGE", "5")
	requireAPIError(t, err, http.StatusBadRequest, escrow.ErrUnsupportedAsset.Code)

	ref := env.open(t, 7, 0)
	_, err = env.stranger.Fund(ctx, ref)
	requireAPIError(t, err, http.StatusForbidden, escrow.ErrUnauthorizedDepositor.Code)
}

func TestFundWithoutBalanceReportsTransferFailure(t *testing.T) {
	env := newRPCEnv(t, Options{})
	ctx := context.Background()
	_, err := env.depositor.Initialize(ctx, InitRequest{
		ID: 1, Beneficiary: env.address(env.beneficiary), Arbiter: env.address(env.arbiter), Asset: "USDC", Amount: "5",
	})
	require.NoError(t, err)
	_, err = env.depositor.Fund(ctx, escrow.Ref{Depositor: env.depositorAddr, ID: 1})
	requireAPIError(t, err, http.StatusUnprocessableEntity, escrow.ErrTransferFailed.Code)
}

func signedRequest(t *testing.T, url string, key *crypto.PrivateKey, body []byte, now time.Time, nonce string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, key, body, now, nonce))
	return req
}

func TestAuthenticationFailures(t *testing.T) {
	env := newRPCEnv(t, Options{})
	url := env.server.URL + "/faucet"
	body := []byte(`{"asset":"USDC","amount":"1"}`)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	key := env.depositor.key
	now := time.Now()
	first := signedRequest(t, url, key, body, now, "nonce-1")
	resp, err = http.DefaultClient.Do(first)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	replay := signedRequest(t, url, key, body, now, "nonce-1")
	resp, err = http.DefaultClient.Do(replay)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	stale := signedRequest(t, url, key, body, now.Add(-time.Hour), "nonce-2")
	resp, err = http.DefaultClient.Do(stale)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tampered := signedRequest(t, url, key, body, now, "nonce-3")
	tampered.Body = http.NoBody
	tampered.ContentLength = 0
	resp, err = http.DefaultClient.Do(tampered)
	require.NoError(t, err)
	resp.Body.Close()
	// The signature recovers some other principal which then fails body
	// decoding, or fails recovery outright; either way nothing is minted.
	require.NotEqual(t, http.StatusOK, resp.StatusCode)

	balance, err := env.depositor.Balance(context.Background(), env.address(env.depositor), "USDC")
	require.NoError(t, err)
	require.Equal(t, "1", balance.Balance)
}

func TestRateLimit(t *testing.T) {
	env := newRPCEnv(t, Options{RequestsPerSecond: 0.001, Burst: 1})
	ctx := context.Background()
	_, err := env.stranger.Status(ctx)
	require.NoError(t, err)
	_, err = env.stranger.Status(ctx)
	requireAPIError(t, err, http.StatusTooManyRequests, "rate_limited")
}

func TestRequestIDEchoed(t *testing.T) {
	env := newRPCEnv(t, Options{})
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "trace-me")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "trace-me", resp.Header.Get(HeaderRequestID))

	resp, err = http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		escrow.ErrUnauthorizedArbiter:                       http.StatusForbidden,
		escrow.ErrAutoReleaseDisabled:                       http.StatusConflict,
		escrow.ErrInsufficientVaultBalance:                  http.StatusConflict,
		escrow.ErrDisputeReasonTooLong:                      http.StatusBadRequest,
		escrow.ErrEscrowNotFound:                            http.StatusNotFound,
		fmt.Errorf("%w: boom", escrow.ErrTransferFailed):    http.StatusUnprocessableEntity,
		&escrow.InconsistencyError{Err: errors.New("disk")}: http.StatusInternalServerError,
		errors.New("unclassified"):                          http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}
