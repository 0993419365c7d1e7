package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowengine/core/events"
	"escrowengine/core/types"
)

// Records is the durable record store visible inside one unit of work.
type Records interface {
	EscrowGet(key [32]byte) (*Escrow, bool, error)
	EscrowPut(*Escrow) error
	// EscrowIndex appends key to the depositor's record list.
	EscrowIndex(depositor [20]byte, key [32]byte) error
	EscrowList(depositor [20]byte) ([][32]byte, error)
	// AfterCommit queues fn to run once the unit commits. Queued functions
	// run in order, interleaved with the host's own commit hooks, before the
	// host starts another unit. They are dropped when the unit fails.
	AfterCommit(fn func())
}

// Ledger moves value between accounts. Transfers are all-or-nothing and are
// refused unless authorizer owns the source account.
type Ledger interface {
	CreateCustodyAccount(owner [20]byte, asset string) ([20]byte, error)
	Transfer(from, to, authorizer [20]byte, asset string, amount *big.Int) error
	BalanceOf(account [20]byte, asset string) (*big.Int, error)
}

// Host serialises units of work against shared state. Atomic applies every
// record and ledger mutation made by fn, or none of them when fn returns an
// error. View runs fn against a read-only snapshot.
type Host interface {
	Atomic(ctx context.Context, fn func(Records, Ledger) error) error
	View(ctx context.Context, fn func(Records, Ledger) error) error
}

// EagerLedger is implemented by hosts whose ledger transfers land when
// Transfer returns instead of with the unit. Only those hosts can leave funds
// moved behind a failed record write; the engine reports that case as an
// InconsistencyError.
type EagerLedger interface {
	TransfersApplyImmediately() bool
}

// Clock reports the current slot. It must never go backwards.
type Clock interface {
	CurrentSlot() uint64
}

// Metrics receives one observation per engine call.
type Metrics interface {
	ObserveTransition(operation, code string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string, string, time.Duration) {}

// InitParams carries the caller supplied fields of a new escrow. The caller
// of Initialize becomes the depositor.
type InitParams struct {
	ID              uint64
	Beneficiary     [20]byte
	Arbiter         [20]byte
	Asset           string
	Amount          *big.Int
	AutoReleaseSlot uint64
}

// Engine executes escrow lifecycle transitions against a Host. It holds no
// mutable state of its own; configure it with the setters before use.
type Engine struct {
	host                 Host
	clock                Clock
	emitter              events.Emitter
	logger               *slog.Logger
	metrics              Metrics
	tracer               trace.Tracer
	assets               map[string]struct{}
	allowSelfArbitration bool
}

// NewEngine creates an escrow engine with a no-op emitter and metrics sink.
// A host and clock must be configured before any operation is invoked.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer("escrowengine/native/escrow"),
	}
}

// SetHost configures the state backend used by the engine.
func (e *Engine) SetHost(host Host) { e.host = host }

// SetClock configures the slot source used for timestamps and deadlines.
func (e *Engine) SetClock(clock Clock) { e.clock = clock }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the structured logger. Nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetMetrics installs a metrics sink. Nil disables metrics.
func (e *Engine) SetMetrics(metrics Metrics) {
	if metrics == nil {
		e.metrics = noopMetrics{}
		return
	}
	e.metrics = metrics
}

// SetAssets restricts Initialize to the supplied asset symbols. An empty list
// accepts any well-formed symbol.
func (e *Engine) SetAssets(symbols []string) error {
	if len(symbols) == 0 {
		e.assets = nil
		return nil
	}
	allowed := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		normalized, err := NormalizeAsset(symbol)
		if err != nil {
			return err
		}
		allowed[normalized] = struct{}{}
	}
	e.assets = allowed
	return nil
}

// SetAllowSelfArbitration permits records whose arbiter is also a party.
func (e *Engine) SetAllowSelfArbitration(allow bool) { e.allowSelfArbitration = allow }

func (e *Engine) ready() error {
	if e == nil || e.host == nil {
		return errNilHost
	}
	if e.clock == nil {
		return errNilClock
	}
	return nil
}

// emitOnCommit publishes event when the unit behind records commits, so
// escrow events reach subscribers in the same order as the ledger events of
// their units.
func (e *Engine) emitOnCommit(records Records, event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	emitter := e.emitter
	records.AfterCommit(func() { emitter.Emit(escrowEvent{evt: event}) })
}

func (e *Engine) transfersApplyImmediately() bool {
	eager, ok := e.host.(EagerLedger)
	return ok && eager.TransfersApplyImmediately()
}

func (e *Engine) startSpan(ctx context.Context, op Operation, ref Ref) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "escrow."+op.String(), trace.WithAttributes(
		attribute.String("escrow.ref", ref.String()),
	))
}

func (e *Engine) finish(span trace.Span, op Operation, ref Ref, start time.Time, err error) {
	defer span.End()
	e.metrics.ObserveTransition(op.String(), ErrorCode(err), time.Since(start))
	if err == nil {
		span.SetStatus(codes.Ok, "committed")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, ErrInconsistentState) {
		e.logger.Error("escrow: fatal inconsistency",
			slog.String("operation", op.String()),
			slog.String("ref", ref.String()),
			slog.Any("error", err))
		return
	}
	e.logger.Debug("escrow: transition rejected",
		slog.String("operation", op.String()),
		slog.String("ref", ref.String()),
		slog.String("code", ErrorCode(err)))
}

func loadEscrow(records Records, ref Ref) (*Escrow, error) {
	esc, ok, err := records.EscrowGet(ref.Key())
	if err != nil {
		return nil, fmt.Errorf("escrow: load %s: %w", ref, err)
	}
	if !ok || esc == nil {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func (e *Engine) validateParticipants(depositor [20]byte, params InitParams) error {
	var zero [20]byte
	if depositor == zero || params.Beneficiary == zero || params.Arbiter == zero {
		return ErrInvalidParticipants
	}
	if e.allowSelfArbitration {
		return nil
	}
	if depositor == params.Beneficiary || params.Arbiter == depositor || params.Arbiter == params.Beneficiary {
		return ErrInvalidParticipants
	}
	return nil
}

// Initialize creates a record in the Created state, provisions its custody
// vault under the record's vault authority and indexes it under the
// depositor. No funds move.
func (e *Engine) Initialize(ctx context.Context, depositor [20]byte, params InitParams) (result *Escrow, err error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ref := Ref{Depositor: depositor, ID: params.ID}
	start := time.Now()
	ctx, span := e.startSpan(ctx, OpInitialize, ref)
	defer func() { e.finish(span, OpInitialize, ref, start, err) }()

	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	asset, err := NormalizeAsset(params.Asset)
	if err != nil {
		return nil, err
	}
	if e.assets != nil {
		if _, ok := e.assets[asset]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
		}
	}
	if err := e.validateParticipants(depositor, params); err != nil {
		return nil, err
	}

	key := ref.Key()
	err = e.host.Atomic(ctx, func(records Records, ledger Ledger) error {
		_, exists, err := records.EscrowGet(key)
		if err != nil {
			return fmt.Errorf("escrow: load %s: %w", ref, err)
		}
		if exists {
			return ErrEscrowExists
		}
		vault, err := ledger.CreateCustodyAccount(deriveVaultAuthorityAddress(key), asset)
		if err != nil {
			return fmt.Errorf("escrow: create custody account: %w", err)
		}
		slot := e.clock.CurrentSlot()
		esc := &Escrow{
			Key:             key,
			ID:              params.ID,
			Depositor:       depositor,
			Beneficiary:     params.Beneficiary,
			Arbiter:         params.Arbiter,
			Asset:           asset,
			Vault:           vault,
			Amount:          new(big.Int).Set(params.Amount),
			Status:          StatusCreated,
			AutoReleaseSlot: params.AutoReleaseSlot,
			CreatedAt:       slot,
			UpdatedAt:       slot,
		}
		if err := records.EscrowPut(esc); err != nil {
			return fmt.Errorf("escrow: persist %s: %w", ref, err)
		}
		if err := records.EscrowIndex(depositor, key); err != nil {
			return fmt.Errorf("escrow: index %s: %w", ref, err)
		}
		result = esc.Clone()
		e.emitOnCommit(records, NewInitializedEvent(result))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("escrow initialized",
		slog.String("ref", ref.String()),
		slog.String("asset", result.Asset),
		slog.String("amount", result.Amount.String()),
		slog.Uint64("autoReleaseSlot", result.AutoReleaseSlot))
	return result, nil
}

// Fund moves exactly the agreed amount from the depositor into the vault.
func (e *Engine) Fund(ctx context.Context, caller [20]byte, ref Ref) (*Escrow, error) {
	res, err := e.transition(ctx, OpFund, caller, ref, OutcomeNone, "", func(res *transitionResult) *types.Event {
		return NewFundedEvent(res.escrow)
	})
	if err != nil {
		return nil, err
	}
	return res.escrow, nil
}

// Release pays the full vault balance to the beneficiary on the depositor's
// instruction.
func (e *Engine) Release(ctx context.Context, caller [20]byte, ref Ref) (*Escrow, error) {
	res, err := e.transition(ctx, OpRelease, caller, ref, OutcomeNone, "", func(res *transitionResult) *types.Event {
		return NewReleasedEvent(res.escrow, res.moved.String())
	})
	if err != nil {
		return nil, err
	}
	return res.escrow, nil
}

// RaiseDispute freezes a funded escrow until the arbiter resolves it. Either
// party may raise it.
func (e *Engine) RaiseDispute(ctx context.Context, caller [20]byte, ref Ref, reason string) (*Escrow, error) {
	res, err := e.transition(ctx, OpRaiseDispute, caller, ref, OutcomeNone, reason, func(res *transitionResult) *types.Event {
		return NewDisputedEvent(res.escrow, caller)
	})
	if err != nil {
		return nil, err
	}
	return res.escrow, nil
}

// ResolveDispute settles a disputed escrow in favour of the beneficiary
// (Released) or the depositor (Cancelled). The dispute reason is retained.
func (e *Engine) ResolveDispute(ctx context.Context, caller [20]byte, ref Ref, releaseToBeneficiary bool) (*Escrow, error) {
	outcome := OutcomeFor(releaseToBeneficiary)
	res, err := e.transition(ctx, OpResolveDispute, caller, ref, outcome, "", func(res *transitionResult) *types.Event {
		return NewResolvedEvent(res.escrow, outcome, res.moved.String())
	})
	if err != nil {
		return nil, err
	}
	return res.escrow, nil
}

// Cancel closes an escrow that has not been disputed or released, refunding
// whatever the vault holds to the depositor.
func (e *Engine) Cancel(ctx context.Context, caller [20]byte, ref Ref) (*Escrow, error) {
	res, err := e.transition(ctx, OpCancel, caller, ref, OutcomeNone, "", func(res *transitionResult) *types.Event {
		return NewCancelledEvent(res.escrow, res.moved.String())
	})
	if err != nil {
		return nil, err
	}
	return res.escrow, nil
}

// AutoRelease is the permissionless crank: any caller may release a funded
// escrow to the beneficiary once its deadline slot has been reached.
func (e *Engine) AutoRelease(ctx context.Context, caller [20]byte, ref Ref) (*Escrow, error) {
	res, err := e.transition(ctx, OpAutoRelease, caller, ref, OutcomeNone, "", func(res *transitionResult) *types.Event {
		return NewAutoReleasedEvent(res.escrow, caller, res.moved.String())
	})
	if err != nil {
		return nil, err
	}
	return res.escrow, nil
}

type transitionResult struct {
	escrow *Escrow
	moved  *big.Int
}

// transition runs load, guard, phase check, preconditions, at most one
// transfer and the record write inside a single host unit of work. The event
// built by event is published when that unit commits.
func (e *Engine) transition(ctx context.Context, op Operation, caller [20]byte, ref Ref, outcome Outcome, reason string, event func(*transitionResult) *types.Event) (result *transitionResult, err error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	row, ok := Lookup(op)
	if !ok {
		return nil, fmt.Errorf("escrow: unknown operation %s", op)
	}
	start := time.Now()
	ctx, span := e.startSpan(ctx, op, ref)
	defer func() { e.finish(span, op, ref, start, err) }()

	err = e.host.Atomic(ctx, func(records Records, ledger Ledger) error {
		esc, err := loadEscrow(records, ref)
		if err != nil {
			return err
		}
		in := GuardInput{Caller: caller, Escrow: esc, Slot: e.clock.CurrentSlot(), Reason: reason}
		if err := checkAll(in, row.Authorize); err != nil {
			return err
		}
		next, effect, err := Next(esc.Status, op, outcome)
		if err != nil {
			return err
		}
		if err := checkAll(in, row.Preconditions...); err != nil {
			return err
		}
		moved, err := applyEffect(ledger, esc, effect)
		if err != nil {
			return err
		}
		updated := esc.Clone()
		updated.Status = next
		updated.UpdatedAt = in.Slot
		if op == OpRaiseDispute {
			updated.DisputeReason = reason
		}
		if err := records.EscrowPut(updated); err != nil {
			if moved.Sign() > 0 && e.transfersApplyImmediately() {
				return &InconsistencyError{Ref: ref, Operation: op, Err: err}
			}
			return fmt.Errorf("escrow: persist %s: %w", ref, err)
		}
		result = &transitionResult{escrow: updated.Clone(), moved: moved}
		e.emitOnCommit(records, event(result))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("escrow transition committed",
		slog.String("operation", op.String()),
		slog.String("ref", ref.String()),
		slog.String("status", result.escrow.Status.String()),
		slog.String("moved", result.moved.String()))
	return result, nil
}

func applyEffect(ledger Ledger, esc *Escrow, effect Effect) (*big.Int, error) {
	switch effect {
	case EffectNone:
		return big.NewInt(0), nil
	case EffectDeposit:
		if err := ledger.Transfer(esc.Depositor, esc.Vault, esc.Depositor, esc.Asset, esc.Amount); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		return new(big.Int).Set(esc.Amount), nil
	case EffectPayBeneficiary:
		return disburse(ledger, esc, esc.Beneficiary, true)
	case EffectRefundDepositor:
		return disburse(ledger, esc, esc.Depositor, true)
	case EffectRefundIfFunded:
		return disburse(ledger, esc, esc.Depositor, false)
	default:
		return nil, fmt.Errorf("escrow: unknown effect %s", effect)
	}
}

// disburse moves the entire vault balance to recipient, signed by the
// record's vault authority. When requireAmount is set the vault must hold at
// least the agreed amount.
func disburse(ledger Ledger, esc *Escrow, recipient [20]byte, requireAmount bool) (*big.Int, error) {
	balance, err := ledger.BalanceOf(esc.Vault, esc.Asset)
	if err != nil {
		return nil, fmt.Errorf("escrow: read vault balance: %w", err)
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	if requireAmount && balance.Cmp(esc.Amount) < 0 {
		return nil, ErrInsufficientVaultBalance
	}
	if balance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	authority := newVaultAuthority(esc.Key, esc.Vault)
	signer, err := authority.authorize(esc.Vault)
	if err != nil {
		return nil, err
	}
	if err := ledger.Transfer(esc.Vault, recipient, signer, esc.Asset, balance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return new(big.Int).Set(balance), nil
}

// Get returns a copy of the record addressed by ref.
func (e *Engine) Get(ctx context.Context, ref Ref) (*Escrow, error) {
	if e == nil || e.host == nil {
		return nil, errNilHost
	}
	var out *Escrow
	err := e.host.View(ctx, func(records Records, _ Ledger) error {
		esc, err := loadEscrow(records, ref)
		if err != nil {
			return err
		}
		out = esc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every record created by depositor in creation order.
func (e *Engine) List(ctx context.Context, depositor [20]byte) ([]*Escrow, error) {
	if e == nil || e.host == nil {
		return nil, errNilHost
	}
	var out []*Escrow
	err := e.host.View(ctx, func(records Records, _ Ledger) error {
		keys, err := records.EscrowList(depositor)
		if err != nil {
			return fmt.Errorf("escrow: list %x: %w", depositor, err)
		}
		out = make([]*Escrow, 0, len(keys))
		for _, key := range keys {
			esc, ok, err := records.EscrowGet(key)
			if err != nil {
				return fmt.Errorf("escrow: load %x: %w", key, err)
			}
			if !ok {
				continue
			}
			out = append(out, esc.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VaultBalance reports what the record's custody vault currently holds.
func (e *Engine) VaultBalance(ctx context.Context, ref Ref) (*big.Int, error) {
	if e == nil || e.host == nil {
		return nil, errNilHost
	}
	var balance *big.Int
	err := e.host.View(ctx, func(records Records, ledger Ledger) error {
		esc, err := loadEscrow(records, ref)
		if err != nil {
			return err
		}
		balance, err = ledger.BalanceOf(esc.Vault, esc.Asset)
		return err
	})
	if err != nil {
		return nil, err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	return balance, nil
}
