package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:               "test-link",
		IngressTopics:      []string{"a/sub1", "a/sub2"},
		EgressTopic:        "a/pub",
		PeerSilenceTimeout: 60 * time.Second,
		AckTimeout:         5 * time.Second,
		ReconnectMin:       1 * time.Second,
		ReconnectMax:       60 * time.Second,
		ReconnectK:         2,
	}
}

func t0() time.Time { return time.Unix(1600000000, 0).UTC() }

// Scenario 1: subs ack before any peer traffic, peer message completes
// activation (subs-first path).
func TestScenario_SubsFirstThenPeer(t *testing.T) {
	f := New(testConfig())
	now := t0()

	r := f.Handle(Start{}, now)
	require.NotNil(t, r.Change)
	assert.Equal(t, NotStarted, r.Change.From)
	assert.Equal(t, Connecting, r.Change.To)

	r = f.Handle(TransportConnected{}, now)
	require.NotNil(t, r.Change)
	assert.Equal(t, AwaitingSetupAndPeer, r.Change.To)

	r = f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	assert.Nil(t, r.Change, "first of two subs acked: no transition yet")

	r = f.Handle(SubAckReceived{Topic: "a/sub2"}, now)
	require.NotNil(t, r.Change, "second (last) sub acked: transition to AwaitingPeer")
	assert.Equal(t, AwaitingSetupAndPeer, r.Change.From)
	assert.Equal(t, AwaitingPeer, r.Change.To)
	assert.Equal(t, ReasonAllSubsAcked, r.Change.Reason)

	r = f.Handle(PeerMessageReceived{Topic: "peer/in", Payload: []byte("x")}, now)
	require.NotNil(t, r.Change)
	assert.Equal(t, AwaitingPeer, r.Change.From)
	assert.Equal(t, Active, r.Change.To)
	assert.Equal(t, ReasonPeerMessage, r.Change.Reason)
	assert.True(t, f.State().IsActive())
}

// Scenario 2: peer message arrives before subs ack (peer-first path).
func TestScenario_PeerFirstThenSubs(t *testing.T) {
	f := New(testConfig())
	now := t0()

	f.Handle(Start{}, now)
	f.Handle(TransportConnected{}, now)

	r := f.Handle(PeerMessageReceived{Topic: "peer/in", Payload: []byte("x")}, now)
	require.NotNil(t, r.Change)
	assert.Equal(t, AwaitingSetupAndPeer, r.Change.From)
	assert.Equal(t, AwaitingSetup, r.Change.To)

	r = f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	assert.Nil(t, r.Change)

	r = f.Handle(SubAckReceived{Topic: "a/sub2"}, now)
	require.NotNil(t, r.Change, "last sub acked while peer already seen: straight to Active")
	assert.Equal(t, AwaitingSetup, r.Change.From)
	assert.Equal(t, Active, r.Change.To)
	assert.Equal(t, ReasonAllSubsAcked, r.Change.Reason)
}

// Scenario: duplicate SubAck for an already-acked topic is a no-op.
func TestScenario_DuplicateSubAckNoop(t *testing.T) {
	f := New(testConfig())
	now := t0()
	f.Handle(Start{}, now)
	f.Handle(TransportConnected{}, now)

	r := f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	assert.Nil(t, r.Change)

	r = f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	assert.Nil(t, r.Change)
	assert.Nil(t, r.Effects)
	assert.Contains(t, f.Stats().PendingSubs, "a/sub2")
}

// Scenario: while Active, peer silence for longer than peer_silence_timeout
// demotes the link back to AwaitingPeer.
func TestScenario_PeerSilenceDemotes(t *testing.T) {
	f := New(testConfig())
	now := t0()
	f.Handle(Start{}, now)
	f.Handle(TransportConnected{}, now)
	f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	f.Handle(SubAckReceived{Topic: "a/sub2"}, now)
	r := f.Handle(PeerMessageReceived{Topic: "peer/in", Payload: []byte("x")}, now)
	require.Equal(t, Active, r.Change.To)

	later := now.Add(61 * time.Second)
	r = f.Handle(PeerSilenceTimeout{}, later)
	require.NotNil(t, r.Change)
	assert.Equal(t, Active, r.Change.From)
	assert.Equal(t, AwaitingPeer, r.Change.To)
	assert.Equal(t, ReasonPeerSilence, r.Change.Reason)
}

// Scenario: an ack-timeout only ever demotes a link that already reached
// Active; it never blocks or delays initial activation.
func TestScenario_AckTimeoutOnlyDemotesFromActive(t *testing.T) {
	f := New(testConfig())
	now := t0()
	f.Handle(Start{}, now)
	f.Handle(TransportConnected{}, now)

	r := f.Handle(AckTimeout{EventID: 1}, now)
	assert.Nil(t, r.Change, "ack-timeout before Active must not affect activation")
	assert.Equal(t, AwaitingSetupAndPeer, f.State())

	f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	f.Handle(SubAckReceived{Topic: "a/sub2"}, now)
	f.Handle(PeerMessageReceived{Topic: "peer/in", Payload: []byte("x")}, now)
	require.Equal(t, Active, f.State())

	r = f.Handle(AckTimeout{EventID: 2}, now)
	require.NotNil(t, r.Change)
	assert.Equal(t, Active, r.Change.From)
	assert.Equal(t, AwaitingPeer, r.Change.To)
	assert.Equal(t, ReasonAckTimeout, r.Change.Reason)
	assert.EqualValues(t, 1, f.Stats().AckTimeouts)
}

// Scenario: transport disconnect from any connected state resets pending
// subs and returns to Connecting, attempting a fresh Connect immediately.
func TestScenario_TransportDisconnectResets(t *testing.T) {
	f := New(testConfig())
	now := t0()
	f.Handle(Start{}, now)
	f.Handle(TransportConnected{}, now)
	f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	f.Handle(SubAckReceived{Topic: "a/sub2"}, now)
	f.Handle(PeerMessageReceived{Topic: "peer/in", Payload: []byte("x")}, now)
	require.Equal(t, Active, f.State())

	r := f.Handle(TransportDisconnected{Reason: nil}, now)
	require.NotNil(t, r.Change)
	assert.Equal(t, Active, r.Change.From)
	assert.Equal(t, Connecting, r.Change.To)
	assert.Equal(t, ReasonTransportDisconnected, r.Change.Reason)

	foundInactive := false
	for _, e := range r.Effects {
		if _, ok := e.(LinkInactive); ok {
			foundInactive = true
		}
	}
	assert.True(t, foundInactive, "leaving Active must notify the ack engine")
	assert.Empty(t, f.Stats().PendingSubs)
}

// Scenario: a failed connect attempt schedules an increasing backoff delay
// and Stop cancels any pending reconnect and tears down cleanly.
func TestScenario_ConnectFailedBacksOffThenStop(t *testing.T) {
	f := New(testConfig())
	now := t0()
	f.Handle(Start{}, now)

	r := f.Handle(TransportConnectFailed{Reason: assert.AnError}, now)
	require.Len(t, r.Effects, 1)
	sched, ok := r.Effects[0].(ScheduleReconnect)
	require.True(t, ok)
	assert.True(t, sched.Delay > 0)

	r = f.Handle(Stop{}, now)
	require.NotNil(t, r.Change)
	assert.Equal(t, Connecting, r.Change.From)
	assert.Equal(t, Stopped, r.Change.To)
	assert.Equal(t, ReasonStopped, r.Change.Reason)
}

func TestInvariant_PendingAndAckedPartitionConfiguredTopics(t *testing.T) {
	f := New(testConfig())
	now := t0()
	f.Handle(Start{}, now)
	f.Handle(TransportConnected{}, now)

	stats := f.Stats()
	all := append(append([]string{}, stats.PendingSubs...), stats.AckedSubs...)
	assert.ElementsMatch(t, f.cfg.IngressTopics, all)

	f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	stats = f.Stats()
	assert.Contains(t, stats.AckedSubs, "a/sub1")
	assert.NotContains(t, stats.PendingSubs, "a/sub1")
}

func TestInvariant_ActiveEntryHasEmptyPendingAndFreshPeer(t *testing.T) {
	f := New(testConfig())
	now := t0()
	f.Handle(Start{}, now)
	f.Handle(TransportConnected{}, now)
	f.Handle(SubAckReceived{Topic: "a/sub1"}, now)
	f.Handle(SubAckReceived{Topic: "a/sub2"}, now)
	f.Handle(PeerMessageReceived{Topic: "peer/in", Payload: []byte("x")}, now)

	require.True(t, f.State().IsActive())
	stats := f.Stats()
	assert.Empty(t, stats.PendingSubs)
	assert.WithinDuration(t, now, stats.LastPeerSeen, 0)
}
