package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"escrowengine/core/types"
)

const (
	EventTypeEscrowInitialized  = "escrow.initialized"
	EventTypeEscrowFunded       = "escrow.funded"
	EventTypeEscrowReleased     = "escrow.released"
	EventTypeEscrowDisputed     = "escrow.disputed"
	EventTypeEscrowResolved     = "escrow.resolved"
	EventTypeEscrowCancelled    = "escrow.cancelled"
	EventTypeEscrowAutoReleased = "escrow.auto_released"
)

// EventTypes lists every event the engine can emit.
func EventTypes() []string {
	return []string{
		EventTypeEscrowInitialized,
		EventTypeEscrowFunded,
		EventTypeEscrowReleased,
		EventTypeEscrowDisputed,
		EventTypeEscrowResolved,
		EventTypeEscrowCancelled,
		EventTypeEscrowAutoReleased,
	}
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewInitializedEvent returns the canonical event payload for a newly created
// escrow.
func NewInitializedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowInitialized, e, nil)
}

// NewFundedEvent returns the canonical event payload emitted when the
// depositor moves the escrowed amount into custody.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e, nil) }

// NewReleasedEvent returns the payload for a depositor-confirmed release.
func NewReleasedEvent(e *Escrow, paid string) *types.Event {
	return newEscrowEvent(EventTypeEscrowReleased, e, map[string]string{"paid": paid})
}

// NewDisputedEvent returns the payload emitted when a party freezes the escrow.
func NewDisputedEvent(e *Escrow, raisedBy [20]byte) *types.Event {
	return newEscrowEvent(EventTypeEscrowDisputed, e, map[string]string{
		"raisedBy": hex.EncodeToString(raisedBy[:]),
	})
}

// NewResolvedEvent returns the payload emitted when the arbiter settles a
// dispute.
func NewResolvedEvent(e *Escrow, outcome Outcome, paid string) *types.Event {
	return newEscrowEvent(EventTypeEscrowResolved, e, map[string]string{
		"outcome": outcome.String(),
		"paid":    paid,
	})
}

// NewCancelledEvent returns the payload for a cancellation. refunded is "0"
// when the vault was never funded.
func NewCancelledEvent(e *Escrow, refunded string) *types.Event {
	return newEscrowEvent(EventTypeEscrowCancelled, e, map[string]string{"refunded": refunded})
}

// NewAutoReleasedEvent returns the payload emitted by the deadline crank.
func NewAutoReleasedEvent(e *Escrow, cranker [20]byte, paid string) *types.Event {
	return newEscrowEvent(EventTypeEscrowAutoReleased, e, map[string]string{
		"cranker": hex.EncodeToString(cranker[:]),
		"paid":    paid,
	})
}

func newEscrowEvent(eventType string, e *Escrow, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["key"] = hex.EncodeToString(sanitized.Key[:])
	attrs["ref"] = sanitized.Ref().String()
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["depositor"] = hex.EncodeToString(sanitized.Depositor[:])
	attrs["beneficiary"] = hex.EncodeToString(sanitized.Beneficiary[:])
	attrs["arbiter"] = hex.EncodeToString(sanitized.Arbiter[:])
	attrs["vault"] = hex.EncodeToString(sanitized.Vault[:])
	attrs["asset"] = sanitized.Asset
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["updatedAt"] = strconv.FormatUint(sanitized.UpdatedAt, 10)
	if sanitized.AutoReleaseEnabled() {
		attrs["autoReleaseSlot"] = strconv.FormatUint(sanitized.AutoReleaseSlot, 10)
	}
	if strings.TrimSpace(sanitized.DisputeReason) != "" {
		attrs["reason"] = sanitized.DisputeReason
	}
	for k, v := range extra {
		if strings.TrimSpace(v) != "" {
			attrs[k] = v
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
