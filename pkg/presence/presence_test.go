package presence

import (
	"context"
	"testing"
	"time"

	"github.com/viktorstiskala/marie/pkg/transport"
)

func TestGetStatusDefaultsToOffline(t *testing.T) {
	tr := NewTracker(transport.NewLoopback())
	if got := tr.GetStatus("alice"); got != transport.StatusOffline {
		t.Fatalf("expected offline for unknown identity, got %s", got)
	}
}

func TestRecordStatusOverwrites(t *testing.T) {
	tr := NewTracker(transport.NewLoopback())
	alice := transport.Identity{Bare: "alice", Full: "alice/laptop"}

	tr.RecordStatus(alice, transport.StatusAvailable)
	tr.RecordStatus(alice, transport.StatusAway)

	if got := tr.GetStatus("alice"); got != transport.StatusAway {
		t.Fatalf("expected away, got %s", got)
	}
	if got := tr.GetStatus("alice/laptop"); got != transport.StatusAway {
		t.Fatalf("expected away for full identity, got %s", got)
	}
}

func TestEnsureAuthorizedRequestsWhenNone(t *testing.T) {
	lb := transport.NewLoopback()
	tr := NewTracker(lb)

	if err := tr.EnsureAuthorized(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	state, _ := lb.QuerySubscriptionState(context.Background(), "bob")
	if state != transport.SubPendingOut {
		t.Fatalf("expected pending_out after request, got %s", state)
	}
}

func TestEnsureAuthorizedMutualIsNoop(t *testing.T) {
	lb := transport.NewLoopback()
	lb.SetSubscriptionState("bob", transport.SubMutual)
	tr := NewTracker(lb)

	if err := tr.EnsureAuthorized(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	state, _ := lb.QuerySubscriptionState(context.Background(), "bob")
	if state != transport.SubMutual {
		t.Fatalf("expected mutual state untouched, got %s", state)
	}
}

// countingTransport counts withdraw calls on top of the loopback.
type countingTransport struct {
	*transport.Loopback
	withdraws int
}

func (c *countingTransport) WithdrawSubscription(ctx context.Context, bare string) error {
	c.withdraws++
	return c.Loopback.WithdrawSubscription(ctx, bare)
}

func TestEnsureAuthorizedRerequestsPendingOnce(t *testing.T) {
	lb := &countingTransport{Loopback: transport.NewLoopback()}
	lb.SetSubscriptionState("bob", transport.SubPendingOut)
	tr := NewTracker(lb)
	tr.SetSettleDelay(time.Millisecond)

	// First call: withdraw + re-request.
	if err := tr.EnsureAuthorized(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if lb.withdraws != 1 {
		t.Fatalf("expected 1 withdraw, got %d", lb.withdraws)
	}
	state, _ := lb.QuerySubscriptionState(context.Background(), "bob")
	if state != transport.SubPendingOut {
		t.Fatalf("expected pending_out after re-request, got %s", state)
	}

	// Second call with still-pending state: at most one re-request per session.
	if err := tr.EnsureAuthorized(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if lb.withdraws != 1 {
		t.Fatalf("expected no second withdraw, got %d", lb.withdraws)
	}
}
