package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowengine/core/clock"
	"escrowengine/core/state"
	"escrowengine/native/escrow"
	"escrowengine/rpc"
	"escrowengine/storage"
	"escrowengine/storage/journal"
)

func newTestNode(t *testing.T) (*httptest.Server, *clock.Manual) {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	events, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })
	slots := clock.NewManual(1)
	engine := escrow.NewEngine()
	engine.SetHost(manager)
	engine.SetClock(slots)
	engine.SetEmitter(events)
	srv, err := rpc.NewServer(engine, manager, events, slots, rpc.Options{Faucet: true})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, slots
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func keygen(t *testing.T, dir, name string) (path, address string) {
	t.Helper()
	path = filepath.Join(dir, name+".json")
	out, err := execute(t, "keygen", "--out", path)
	require.NoError(t, err)
	var printed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	require.True(t, strings.HasPrefix(printed["address"], "esc1"))
	return path, printed["address"]
}

func TestEscrowLifecycleThroughCLI(t *testing.T) {
	t.Setenv(passphraseEnv, "correct horse")
	ts, slots := newTestNode(t)
	dir := t.TempDir()
	depositorKey, depositor := keygen(t, dir, "depositor")
	_, beneficiary := keygen(t, dir, "beneficiary")
	arbiterKey, arbiter := keygen(t, dir, "arbiter")

	as := func(key string, args ...string) string {
		t.Helper()
		out, err := execute(t, append([]string{"--rpc", ts.URL, "--key", key}, args...)...)
		require.NoError(t, err, "escrow-cli %v", args)
		return out
	}

	as(depositorKey, "faucet", "--asset", "USDC", "--amount", "500")
	out := as(depositorKey, "init", "--id", "1", "--beneficiary", beneficiary, "--arbiter", arbiter,
		"--asset", "USDC", "--amount", "200", "--auto-release-slot", "40")
	var view rpc.EscrowView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, "created", view.Status)
	ref := depositor + "/1"

	as(depositorKey, "fund", ref)
	as(depositorKey, "dispute", ref, "--reason", "late delivery")

	_, err := execute(t, "--rpc", ts.URL, "--key", arbiterKey, "resolve", ref, "--outcome", "maybe")
	require.Error(t, err)
	out = as(arbiterKey, "resolve", ref, "--outcome", "beneficiary")
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, "released", view.Status)

	out = as(depositorKey, "balance", beneficiary, "usdc")
	var balance rpc.BalanceView
	require.NoError(t, json.Unmarshal([]byte(out), &balance))
	require.Equal(t, "200", balance.Balance)

	out = as(depositorKey, "list")
	var views []rpc.EscrowView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)

	out = as(depositorKey, "events", "--ref", ref)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 4)

	slots.Set(40)
	out = as(depositorKey, "status")
	var status rpc.StatusView
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, uint64(40), status.Slot)
}

func TestCLIReportsAPIErrors(t *testing.T) {
	t.Setenv(passphraseEnv, "correct horse")
	ts, _ := newTestNode(t)
	dir := t.TempDir()
	key, depositor := keygen(t, dir, "depositor")

	_, err := execute(t, "--rpc", ts.URL, "--key", key, "release", depositor+"/9")
	var apiErr *rpc.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, escrow.ErrEscrowNotFound.Code, apiErr.Code)

	_, err = execute(t, "--rpc", ts.URL, "fund", depositor+"/1")
	require.ErrorContains(t, err, "--key")

	_, err = execute(t, "view", "not-a-ref")
	require.Error(t, err)

	_, err = execute(t, "keygen", "--out", key)
	require.ErrorContains(t, err, "already exists")
}

func TestParseRef(t *testing.T) {
	ref, err := parseRef("0x0101010101010101010101010101010101010101/12")
	require.NoError(t, err)
	require.Equal(t, uint64(12), ref.ID)
	require.Equal(t, byte(1), ref.Depositor[19])
	_, err = parseRef("0x01/12")
	require.Error(t, err)
	_, err = parseRef("0x0101010101010101010101010101010101010101/x")
	require.Error(t, err)
}
