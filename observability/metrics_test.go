package observability

import (
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowengine/core/events"
)

func TestEscrowMetricsObserveTransition(t *testing.T) {
	m := Escrow()
	before := testutil.ToFloat64(m.transitions.WithLabelValues("fund", "ok"))
	m.ObserveTransition("fund", "", 5*time.Millisecond)
	m.ObserveTransition("fund", "invalid_state", time.Millisecond)
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("fund", "ok")); got != before+1 {
		t.Fatalf("expected ok counter %v, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("fund", "invalid_state")); got < 1 {
		t.Fatalf("expected invalid_state counter, got %v", got)
	}
	if Escrow() != m {
		t.Fatalf("registry must be a singleton")
	}
}

func TestRPCMetricsObserve(t *testing.T) {
	m := RPC()
	m.Observe("/escrows", http.StatusForbidden, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/escrows", "403")); got < 1 {
		t.Fatalf("expected error counter, got %v", got)
	}
	m.RecordThrottle("")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unspecified")); got < 1 {
		t.Fatalf("expected throttle counter, got %v", got)
	}
}

func TestEventMetricsCountTransfers(t *testing.T) {
	m := Events()
	before := testutil.ToFloat64(m.transfers.WithLabelValues("USDC"))
	m.Emit(events.Transfer{Asset: "usdc", Amount: big.NewInt(1)})
	if got := testutil.ToFloat64(m.transfers.WithLabelValues("USDC")); got != before+1 {
		t.Fatalf("expected transfer counter %v, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(events.TypeTransfer)); got < 1 {
		t.Fatalf("expected event counter, got %v", got)
	}
}
