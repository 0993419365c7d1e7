package escrow

// GuardInput is everything a guard may inspect. Guards are pure: they read
// the input and return nil or a classified error.
type GuardInput struct {
	Caller [20]byte
	Escrow *Escrow
	Slot   uint64
	Reason string
}

// Guard decides whether a transition may proceed. Identity checks and
// condition checks (the permissionless auto-release crank) share this shape
// so every handler evaluates them the same way.
type Guard interface {
	Check(in GuardInput) error
}

// GuardFunc adapts a plain function to the Guard interface.
type GuardFunc func(in GuardInput) error

// Check implements Guard.
func (f GuardFunc) Check(in GuardInput) error { return f(in) }

var (
	// Anyone admits every caller.
	Anyone Guard = GuardFunc(func(GuardInput) error { return nil })

	// DepositorOnly admits the record's depositor.
	DepositorOnly Guard = GuardFunc(func(in GuardInput) error {
		if in.Escrow == nil || in.Caller != in.Escrow.Depositor {
			return ErrUnauthorizedDepositor
		}
		return nil
	})

	// PartyOnly admits the depositor or the beneficiary.
	PartyOnly Guard = GuardFunc(func(in GuardInput) error {
		if in.Escrow == nil {
			return ErrUnauthorizedParty
		}
		if in.Caller != in.Escrow.Depositor && in.Caller != in.Escrow.Beneficiary {
			return ErrUnauthorizedParty
		}
		return nil
	})

	// ArbiterOnly admits the record's arbiter.
	ArbiterOnly Guard = GuardFunc(func(in GuardInput) error {
		if in.Escrow == nil || in.Caller != in.Escrow.Arbiter {
			return ErrUnauthorizedArbiter
		}
		return nil
	})

	// DeadlineReached authorises by condition: auto-release must be enabled
	// and the current slot must have reached the deadline.
	DeadlineReached Guard = GuardFunc(func(in GuardInput) error {
		if !in.Escrow.AutoReleaseEnabled() {
			return ErrAutoReleaseDisabled
		}
		if in.Slot < in.Escrow.AutoReleaseSlot {
			return ErrAutoReleaseNotReady
		}
		return nil
	})

	// ReasonWithinLimit bounds the dispute reason length.
	ReasonWithinLimit Guard = GuardFunc(func(in GuardInput) error {
		if reasonLength(in.Reason) > MaxDisputeReasonLength {
			return ErrDisputeReasonTooLong
		}
		return nil
	})
)

// checkAll runs guards in order and returns the first failure.
func checkAll(in GuardInput, guards ...Guard) error {
	for _, guard := range guards {
		if guard == nil {
			continue
		}
		if err := guard.Check(in); err != nil {
			return err
		}
	}
	return nil
}
