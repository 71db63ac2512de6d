// Package presence tracks last-known availability per identity and manages
// the transport subscription handshake needed before sending chat messages.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viktorstiskala/marie/pkg/logger"
	"github.com/viktorstiskala/marie/pkg/transport"
)

// DefaultSettleDelay separates a subscription withdraw from the re-request
// so the two don't race on the server side.
const DefaultSettleDelay = 500 * time.Millisecond

// Tracker records the last observed status per identity. No history is kept;
// every notification overwrites the previous record.
type Tracker struct {
	conn        transport.Transport
	settleDelay time.Duration

	mu          sync.Mutex
	statuses    map[string]transport.Status
	rerequested map[string]bool // bare identities already re-requested this process session
}

// NewTracker creates a tracker backed by conn for subscription operations.
func NewTracker(conn transport.Transport) *Tracker {
	return &Tracker{
		conn:        conn,
		settleDelay: DefaultSettleDelay,
		statuses:    make(map[string]transport.Status),
		rerequested: make(map[string]bool),
	}
}

// SetSettleDelay overrides the withdraw/re-request settling delay (tests).
func (t *Tracker) SetSettleDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settleDelay = d
}

// RecordStatus overwrites the last-known status for an identity. Both the
// full and the bare key are updated so lookups by either form work.
func (t *Tracker) RecordStatus(id transport.Identity, status transport.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id.Full != "" {
		t.statuses[id.Full] = status
	}
	if id.Bare != "" {
		t.statuses[id.Bare] = status
	}
}

// GetStatus returns the last-known status for an identity key (bare or full).
// It never queries the transport; unknown identities report StatusOffline.
func (t *Tracker) GetStatus(identity string) transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.statuses[identity]
	if !ok {
		return transport.StatusOffline
	}
	return status
}

// EnsureAuthorized makes sure an outbound chat message to bare is deliverable.
// If there is no subscription it requests one. A subscription left pending
// from an earlier session is withdrawn and re-requested, with a settling
// delay in between; this re-request happens at most once per process session
// per recipient.
func (t *Tracker) EnsureAuthorized(ctx context.Context, bare string) error {
	state, err := t.conn.QuerySubscriptionState(ctx, bare)
	if err != nil {
		return fmt.Errorf("query subscription for %s: %w", bare, err)
	}

	switch state {
	case transport.SubMutual:
		return nil

	case transport.SubNone:
		logger.DebugCF("presence", "Requesting subscription", map[string]interface{}{"to": bare})
		return t.conn.RequestSubscription(ctx, bare)

	case transport.SubPendingOut:
		t.mu.Lock()
		already := t.rerequested[bare]
		if !already {
			t.rerequested[bare] = true
		}
		delay := t.settleDelay
		t.mu.Unlock()

		if already {
			return nil
		}

		logger.InfoCF("presence", "Re-requesting stale subscription", map[string]interface{}{"to": bare})
		if err := t.conn.WithdrawSubscription(ctx, bare); err != nil {
			return fmt.Errorf("withdraw subscription for %s: %w", bare, err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		return t.conn.RequestSubscription(ctx, bare)
	}

	return nil
}
