package state

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"escrowengine/core/clock"
	"escrowengine/core/events"
	"escrowengine/native/bank"
	"escrowengine/native/escrow"
	"escrowengine/storage"
)

var errAbort = errors.New("abort")

func TestAtomicRollsBackOnError(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	recorder := &events.Recorder{}
	manager.SetEmitter(recorder)
	account := [20]byte{1}
	ctx := context.Background()

	err := manager.Bank(ctx, func(ledger *bank.Ledger) error {
		if err := ledger.Mint(account, "USDC", big.NewInt(50)); err != nil {
			return err
		}
		balance, err := ledger.BalanceOf(account, "USDC")
		if err != nil {
			return err
		}
		if balance.Int64() != 50 {
			t.Fatalf("unit must read its own writes, got %s", balance)
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected errAbort, got %v", err)
	}
	balance, err := manager.Balance(ctx, account, "USDC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("aborted unit leaked balance %s", balance)
	}
	if len(recorder.Events) != 0 {
		t.Fatalf("aborted unit emitted %v", recorder.Types())
	}

	if err := manager.Bank(ctx, func(ledger *bank.Ledger) error {
		return ledger.Mint(account, "USDC", big.NewInt(50))
	}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	balance, _ = manager.Balance(ctx, account, "USDC")
	if balance.Int64() != 50 {
		t.Fatalf("expected committed balance 50, got %s", balance)
	}
	if got := recorder.Types(); len(got) != 1 || got[0] != events.TypeMint {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestViewIsReadOnly(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	err := manager.View(context.Background(), func(records escrow.Records, ledger escrow.Ledger) error {
		_, err := ledger.CreateCustodyAccount([20]byte{1}, "USDC")
		return err
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := manager.Atomic(ctx, func(escrow.Records, escrow.Ledger) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancelled unit to be skipped, got %v", err)
	}
}

func TestKVAppendDeduplicates(t *testing.T) {
	tx := newTx(storage.NewMemDB(), false)
	for _, v := range [][]byte{{1}, {2}, {1}} {
		if err := tx.KVAppend([]byte("list"), v); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var out [][]byte
	if err := tx.KVGetList([]byte("list"), &out); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	var empty [][]byte
	if err := tx.KVGetList([]byte("missing"), &empty); err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("missing list must decode to an empty slice, got %v %v", empty, err)
	}
}

func newEngine(t *testing.T, manager *Manager, slots *clock.Manual) *escrow.Engine {
	t.Helper()
	engine := escrow.NewEngine()
	engine.SetHost(manager)
	engine.SetClock(slots)
	return engine
}

func TestEngineAgainstLevelDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	manager := NewManager(db)
	recorder := &events.Recorder{}
	manager.SetEmitter(recorder)
	slots := clock.NewManual(1)
	engine := newEngine(t, manager, slots)
	ctx := context.Background()

	depositor, beneficiary, arbiter := [20]byte{1}, [20]byte{2}, [20]byte{3}
	if err := manager.Bank(ctx, func(ledger *bank.Ledger) error {
		return ledger.Mint(depositor, "USDC", big.NewInt(500))
	}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	esc, err := engine.Initialize(ctx, depositor, escrow.InitParams{
		ID: 1, Beneficiary: beneficiary, Arbiter: arbiter, Asset: "USDC", Amount: big.NewInt(100), AutoReleaseSlot: 20,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Fund(ctx, depositor, esc.Ref()); err != nil {
		t.Fatalf("fund: %v", err)
	}
	db.Close()

	reopened, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer reopened.Close()
	manager = NewManager(reopened)
	engine = newEngine(t, manager, slots)

	stored, err := engine.Get(ctx, esc.Ref())
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if stored.Status != escrow.StatusFunded || stored.AutoReleaseSlot != 20 || stored.Vault != esc.Vault {
		t.Fatalf("unexpected record after reopen %+v", stored)
	}
	vault, err := engine.VaultBalance(ctx, esc.Ref())
	if err != nil || vault.Int64() != 100 {
		t.Fatalf("unexpected vault balance %v %v", vault, err)
	}

	slots.Set(20)
	if _, err := engine.AutoRelease(ctx, [20]byte{9}, esc.Ref()); err != nil {
		t.Fatalf("auto release: %v", err)
	}
	paid, _ := manager.Balance(ctx, beneficiary, "USDC")
	if paid.Int64() != 100 {
		t.Fatalf("beneficiary balance %s", paid)
	}
	list, err := engine.List(ctx, depositor)
	if err != nil || len(list) != 1 || list[0].Status != escrow.StatusReleased {
		t.Fatalf("unexpected list %v %v", list, err)
	}

	want := []string{events.TypeMint, events.TypeCustodyOpened, events.TypeTransfer}
	got := recorder.Types()
	if len(got) != len(want) {
		t.Fatalf("unexpected ledger events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected ledger events %v", got)
		}
	}
}

func TestVaultOnlyMovesThroughEngine(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	engine := newEngine(t, manager, clock.NewManual(0))
	ctx := context.Background()
	depositor := [20]byte{1}

	_ = manager.Bank(ctx, func(ledger *bank.Ledger) error {
		return ledger.Mint(depositor, "USDC", big.NewInt(10))
	})
	esc, err := engine.Initialize(ctx, depositor, escrow.InitParams{
		ID: 1, Beneficiary: [20]byte{2}, Arbiter: [20]byte{3}, Asset: "USDC", Amount: big.NewInt(10),
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Fund(ctx, depositor, esc.Ref()); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// A party signing for the vault directly is refused by the ledger.
	err = manager.Bank(ctx, func(ledger *bank.Ledger) error {
		return ledger.Transfer(esc.Vault, depositor, depositor, "USDC", big.NewInt(10))
	})
	if !errors.Is(err, bank.ErrUnauthorizedTransfer) {
		t.Fatalf("expected ErrUnauthorizedTransfer, got %v", err)
	}
}

func TestSecondInitializeRollsBackCustody(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	engine := newEngine(t, manager, clock.NewManual(0))
	ctx := context.Background()
	params := escrow.InitParams{ID: 5, Beneficiary: [20]byte{2}, Arbiter: [20]byte{3}, Asset: "USDC", Amount: big.NewInt(1)}
	if _, err := engine.Initialize(ctx, [20]byte{1}, params); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Initialize(ctx, [20]byte{1}, params); !errors.Is(err, escrow.ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists, got %v", err)
	}
	list, err := engine.List(ctx, [20]byte{1})
	if err != nil || len(list) != 1 {
		t.Fatalf("index must hold a single entry, got %d %v", len(list), err)
	}
}

// gatedEmitter records every event and blocks inside the first emission of
// gateType until release is closed.
type gatedEmitter struct {
	recorder events.Recorder
	gateType string
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (g *gatedEmitter) Emit(evt events.Event) {
	g.recorder.Emit(evt)
	if evt.EventType() == g.gateType {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
}

func TestEventsPublishInCommitOrder(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	gate := &gatedEmitter{
		gateType: escrow.EventTypeEscrowFunded,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	manager.SetEmitter(gate)
	engine := newEngine(t, manager, clock.NewManual(0))
	engine.SetEmitter(gate)
	ctx := context.Background()
	depositor := [20]byte{1}

	if err := manager.Bank(ctx, func(ledger *bank.Ledger) error {
		return ledger.Mint(depositor, "USDC", big.NewInt(10))
	}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	esc, err := engine.Initialize(ctx, depositor, escrow.InitParams{
		ID: 1, Beneficiary: [20]byte{2}, Arbiter: [20]byte{3}, Asset: "USDC", Amount: big.NewInt(10),
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	fundErr := make(chan error, 1)
	go func() {
		_, err := engine.Fund(ctx, depositor, esc.Ref())
		fundErr <- err
	}()
	<-gate.entered

	releaseErr := make(chan error, 1)
	go func() {
		_, err := engine.Release(ctx, depositor, esc.Ref())
		releaseErr <- err
	}()
	select {
	case err := <-releaseErr:
		t.Fatalf("release finished while the funded event was still publishing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)
	if err := <-fundErr; err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := <-releaseErr; err != nil {
		t.Fatalf("release: %v", err)
	}

	want := []string{
		events.TypeMint,
		events.TypeCustodyOpened,
		escrow.EventTypeEscrowInitialized,
		events.TypeTransfer,
		escrow.EventTypeEscrowFunded,
		events.TypeTransfer,
		escrow.EventTypeEscrowReleased,
	}
	got := gate.recorder.Types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected events %v", got)
		}
	}
}

func TestConflictingTransitionsSerialize(t *testing.T) {
	ctx := context.Background()
	depositor, beneficiary := [20]byte{1}, [20]byte{2}

	for i := 0; i < 100; i++ {
		manager := NewManager(storage.NewMemDB())
		engine := newEngine(t, manager, clock.NewManual(0))
		if err := manager.Bank(ctx, func(ledger *bank.Ledger) error {
			return ledger.Mint(depositor, "USDC", big.NewInt(100))
		}); err != nil {
			t.Fatalf("mint: %v", err)
		}
		esc, err := engine.Initialize(ctx, depositor, escrow.InitParams{
			ID: uint64(i), Beneficiary: beneficiary, Arbiter: [20]byte{3}, Asset: "USDC", Amount: big.NewInt(100),
		})
		if err != nil {
			t.Fatalf("initialize: %v", err)
		}
		if _, err := engine.Fund(ctx, depositor, esc.Ref()); err != nil {
			t.Fatalf("fund: %v", err)
		}

		var (
			wg                     sync.WaitGroup
			releaseErr, disputeErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, releaseErr = engine.Release(ctx, depositor, esc.Ref())
		}()
		go func() {
			defer wg.Done()
			<-start
			_, disputeErr = engine.RaiseDispute(ctx, beneficiary, esc.Ref(), "not delivered")
		}()
		close(start)
		wg.Wait()

		if (releaseErr == nil) == (disputeErr == nil) {
			t.Fatalf("round %d: expected exactly one winner, release=%v dispute=%v", i, releaseErr, disputeErr)
		}
		stored, err := engine.Get(ctx, esc.Ref())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		paid, _ := manager.Balance(ctx, beneficiary, "USDC")
		vault, _ := engine.VaultBalance(ctx, esc.Ref())
		if releaseErr == nil {
			if !errors.Is(disputeErr, escrow.ErrInvalidState) {
				t.Fatalf("round %d: expected ErrInvalidState for dispute, got %v", i, disputeErr)
			}
			if stored.Status != escrow.StatusReleased || paid.Int64() != 100 || vault.Sign() != 0 {
				t.Fatalf("round %d: release won but status=%s paid=%s vault=%s", i, stored.Status, paid, vault)
			}
			continue
		}
		if !errors.Is(releaseErr, escrow.ErrInvalidState) {
			t.Fatalf("round %d: expected ErrInvalidState for release, got %v", i, releaseErr)
		}
		if stored.Status != escrow.StatusDisputed || paid.Sign() != 0 || vault.Int64() != 100 {
			t.Fatalf("round %d: dispute won but status=%s paid=%s vault=%s", i, stored.Status, paid, vault)
		}
	}
}
