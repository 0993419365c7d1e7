package escrow

import "fmt"

// Operation enumerates the externally triggered transitions.
type Operation uint8

const (
	OpInitialize Operation = iota
	OpFund
	OpRelease
	OpRaiseDispute
	OpResolveDispute
	OpCancel
	OpAutoRelease
)

var operationNames = map[Operation]string{
	OpInitialize:     "initialize",
	OpFund:           "fund",
	OpRelease:        "release",
	OpRaiseDispute:   "raise_dispute",
	OpResolveDispute: "resolve_dispute",
	OpCancel:         "cancel",
	OpAutoRelease:    "auto_release",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", uint8(op))
}

// Operations lists every transition in declaration order.
func Operations() []Operation {
	return []Operation{OpInitialize, OpFund, OpRelease, OpRaiseDispute, OpResolveDispute, OpCancel, OpAutoRelease}
}

// Effect describes the single fund movement a transition performs.
type Effect uint8

const (
	EffectNone Effect = iota
	// EffectDeposit moves exactly Amount from the depositor into the vault.
	EffectDeposit
	// EffectPayBeneficiary moves the full vault balance to the beneficiary.
	EffectPayBeneficiary
	// EffectRefundDepositor moves the full vault balance back to the depositor.
	EffectRefundDepositor
	// EffectRefundIfFunded refunds the depositor when the vault holds
	// anything and is a no-op otherwise.
	EffectRefundIfFunded
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectDeposit:
		return "deposit"
	case EffectPayBeneficiary:
		return "pay_beneficiary"
	case EffectRefundDepositor:
		return "refund_depositor"
	case EffectRefundIfFunded:
		return "refund_if_funded"
	default:
		return fmt.Sprintf("effect(%d)", uint8(e))
	}
}

// Outcome selects between the branches of a transition that has more than
// one target. Only ResolveDispute uses it.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeBeneficiary
	OutcomeDepositor
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeBeneficiary:
		return "beneficiary"
	case OutcomeDepositor:
		return "depositor"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// OutcomeFor maps the arbiter's binary decision to an Outcome.
func OutcomeFor(releaseToBeneficiary bool) Outcome {
	if releaseToBeneficiary {
		return OutcomeBeneficiary
	}
	return OutcomeDepositor
}

type target struct {
	Status Status
	Effect Effect
}

// Transition is one row of the lifecycle table.
type Transition struct {
	From []Status
	// Authorize runs before the phase check so an unauthorised caller is
	// rejected regardless of the record's status.
	Authorize Guard
	// Preconditions run after the phase check.
	Preconditions []Guard
	Targets       map[Outcome]target
}

func (t Transition) admits(status Status) bool {
	for _, from := range t.From {
		if from == status {
			return true
		}
	}
	return false
}

// transitionTable is the lifecycle graph. Initialize has no source phase and
// is handled separately by the engine.
var transitionTable = map[Operation]Transition{
	OpFund: {
		From:      []Status{StatusCreated},
		Authorize: DepositorOnly,
		Targets:   map[Outcome]target{OutcomeNone: {StatusFunded, EffectDeposit}},
	},
	OpRelease: {
		From:      []Status{StatusFunded},
		Authorize: DepositorOnly,
		Targets:   map[Outcome]target{OutcomeNone: {StatusReleased, EffectPayBeneficiary}},
	},
	OpRaiseDispute: {
		From:          []Status{StatusFunded},
		Authorize:     PartyOnly,
		Preconditions: []Guard{ReasonWithinLimit},
		Targets:       map[Outcome]target{OutcomeNone: {StatusDisputed, EffectNone}},
	},
	OpResolveDispute: {
		From:      []Status{StatusDisputed},
		Authorize: ArbiterOnly,
		Targets: map[Outcome]target{
			OutcomeBeneficiary: {StatusReleased, EffectPayBeneficiary},
			OutcomeDepositor:   {StatusCancelled, EffectRefundDepositor},
		},
	},
	OpCancel: {
		From:      []Status{StatusCreated, StatusFunded},
		Authorize: DepositorOnly,
		Targets:   map[Outcome]target{OutcomeNone: {StatusCancelled, EffectRefundIfFunded}},
	},
	OpAutoRelease: {
		From:          []Status{StatusFunded},
		Authorize:     Anyone,
		Preconditions: []Guard{DeadlineReached},
		Targets:       map[Outcome]target{OutcomeNone: {StatusReleased, EffectPayBeneficiary}},
	},
}

// Lookup returns the table row for op.
func Lookup(op Operation) (Transition, bool) {
	t, ok := transitionTable[op]
	return t, ok
}

// Next is the pure transition function: given the current status, the
// operation and, for ResolveDispute, the outcome, it returns the target
// status and the fund effect to apply. Any edge not in the table yields
// ErrInvalidState.
func Next(status Status, op Operation, outcome Outcome) (Status, Effect, error) {
	t, ok := transitionTable[op]
	if !ok || !t.admits(status) {
		return status, EffectNone, ErrInvalidState
	}
	dest, ok := t.Targets[outcome]
	if !ok {
		return status, EffectNone, fmt.Errorf("escrow: %s does not accept outcome %s", op, outcome)
	}
	return dest.Status, dest.Effect, nil
}
