package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowengine/core/events"
	"escrowengine/native/bank"
	"escrowengine/native/escrow"
	"escrowengine/storage"
)

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("state: write attempted in read-only view")

// Manager owns the durable escrow and ledger state. Every unit of work runs
// against a write overlay under a single-writer lock and is committed as one
// storage batch, so a unit either lands completely or not at all.
type Manager struct {
	db      storage.Database
	mu      sync.RWMutex
	emitter events.Emitter
}

// NewManager creates a state manager backed by db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, emitter: events.NoopEmitter{}}
}

// SetEmitter configures where ledger events go once their unit commits.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

// Atomic implements escrow.Host.
func (m *Manager) Atomic(ctx context.Context, fn func(escrow.Records, escrow.Ledger) error) error {
	return m.update(ctx, func(tx *Tx, ledger *bank.Ledger) error {
		return fn(tx, ledger)
	})
}

// View implements escrow.Host.
func (m *Manager) View(ctx context.Context, fn func(escrow.Records, escrow.Ledger) error) error {
	return m.view(ctx, func(tx *Tx, ledger *bank.Ledger) error {
		return fn(tx, ledger)
	})
}

// Bank runs fn against the ledger as one unit of work. It backs operations
// outside the escrow lifecycle such as the development faucet.
func (m *Manager) Bank(ctx context.Context, fn func(*bank.Ledger) error) error {
	return m.update(ctx, func(_ *Tx, ledger *bank.Ledger) error {
		return fn(ledger)
	})
}

// Balance returns the committed balance of account in asset.
func (m *Manager) Balance(ctx context.Context, account [20]byte, asset string) (*big.Int, error) {
	var out *big.Int
	err := m.view(ctx, func(_ *Tx, ledger *bank.Ledger) error {
		balance, err := ledger.BalanceOf(account, asset)
		out = balance
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) update(ctx context.Context, fn func(*Tx, *bank.Ledger) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newTx(m.db, false)
	ledger := bank.NewLedger(tx, tx.deferEvent(m.emitter))
	if err := fn(tx, ledger); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	// Hooks run under the writer lock so every subscriber observes units in
	// commit order.
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

func (m *Manager) view(ctx context.Context, fn func(*Tx, *bank.Ledger) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx := newTx(m.db, true)
	return fn(tx, bank.NewLedger(tx, nil))
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}
