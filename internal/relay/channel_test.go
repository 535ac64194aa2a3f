package relay

import "testing"

// newTestEndpoint builds an Endpoint with a channel table but no real UDP
// socket or TCP listener, for tests that exercise channel state transitions
// directly.
func newTestEndpoint(mode Mode, n int) *Endpoint {
	ep := &Endpoint{mode: mode, cfg: Config{Mode: mode, Stats: &Stats{}}}
	ep.table = newChannelTable(ep, n, mode)
	return ep
}

// TestNoGhostChannelsInvariant checks that the semaphore only gives back a
// token once all three workers (helper, receiver, sender) have acknowledged
// a deactivation — never on the first or second acknowledgment — so the
// count of active channels plus semaphore tokens is always MaxChannels.
func TestNoGhostChannelsInvariant(t *testing.T) {
	const n = 4
	ep := newTestEndpoint(ModeTarget, n)

	for i := 0; i < n; i++ {
		<-ep.table.semaphore
		ep.table.get(i).activate(nil)
	}
	if len(ep.table.semaphore) != 0 {
		t.Fatalf("semaphore has %d tokens after activating all channels, want 0", len(ep.table.semaphore))
	}

	ch := ep.table.get(0)
	ch.deactivateChannel(StateHelper)
	if len(ep.table.semaphore) != 0 {
		t.Fatalf("semaphore released after only StateHelper acked")
	}
	ch.deactivateChannel(StateReceiver)
	if len(ep.table.semaphore) != 0 {
		t.Fatalf("semaphore released after only two of three workers acked")
	}
	ch.deactivateChannel(StateSender)
	if len(ep.table.semaphore) != 1 {
		t.Fatalf("semaphore has %d tokens after all three workers acked, want 1", len(ep.table.semaphore))
	}

	ch.channelMu.Lock()
	active := ch.active
	ch.channelMu.Unlock()
	if active {
		t.Fatalf("channel still marked active after full deactivation")
	}
}

// TestActivateResetsDeactivationState checks that activate clears any
// leftover deactivation bits from the channel's previous lifetime, so a
// freshly bound connection starts with all three workers owing nothing.
func TestActivateResetsDeactivationState(t *testing.T) {
	ep := newTestEndpoint(ModeTarget, 1)
	ch := ep.table.get(0)

	ch.channelMu.Lock()
	ch.channelState = StateHelper | StateReceiver
	ch.channelMu.Unlock()

	<-ep.table.semaphore
	ch.activate(nil)

	if got := ch.channelStateValue(); got != StateNone {
		t.Fatalf("channelState after activate = %v, want StateNone", got)
	}
}

// TestDeactivateChannelBumpsEpoch checks that a full deactivation cycle
// increments the channel epoch, the mechanism that lets a fresh stream
// reusing the slot distinguish itself from stale packets of the old one.
func TestDeactivateChannelBumpsEpoch(t *testing.T) {
	ep := newTestEndpoint(ModeForward, 1)
	ch := ep.table.get(0)
	before := ch.epochValue()

	ch.channelMu.Lock()
	ch.channelState = StateNone // forward mode activates itself in tcp_receiver; simulate that here
	ch.channelMu.Unlock()

	ch.deactivateChannel(StateHelper)
	ch.deactivateChannel(StateReceiver)
	ch.deactivateChannel(StateSender)

	if after := ch.epochValue(); after != before+1 {
		t.Fatalf("epoch after full deactivation = %d, want %d", after, before+1)
	}
}
